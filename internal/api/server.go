package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cwygoda/fetchd/internal/domain"
	"github.com/cwygoda/fetchd/internal/progress"
)

// Server is the HTTP adapter for the job service.
type Server struct {
	orch   *domain.Orchestrator
	hub    *progress.Hub
	log    *slog.Logger
	server *http.Server
}

// NewServer creates an HTTP server on addr.
func NewServer(orch *domain.Orchestrator, hub *progress.Hub, addr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{orch: orch, hub: hub, log: log}
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.routes(),
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)

	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Post("/{id}/retry", s.handleRetry)
		r.Delete("/{id}", s.handleDelete)
		r.Get("/{id}/events", s.handleEvents)
		r.Get("/{id}/artifact", s.handleArtifact)
	})

	return r
}

// submitRequest is the request body for POST /api/jobs.
type submitRequest struct {
	URL string `json:"url"`
}

// jobResponse is the JSON representation of a job.
type jobResponse struct {
	ID                string           `json:"id"`
	SourceKey         string           `json:"source_key"`
	Status            string           `json:"status"`
	Title             string           `json:"title,omitempty"`
	ThumbnailRef      string           `json:"thumbnail_ref,omitempty"`
	ArtifactRef       string           `json:"artifact_ref,omitempty"`
	ArtifactSizeBytes int64            `json:"artifact_size_bytes,omitempty"`
	Error             string           `json:"error,omitempty"`
	Progress          *domain.Progress `json:"progress,omitempty"`
	CreatedAt         string           `json:"created_at"`
	UpdatedAt         string           `json:"updated_at"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	job, err := s.orch.Submit(r.Context(), req.URL)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidURL):
			s.writeError(w, http.StatusBadRequest, "invalid URL")
		case errors.Is(err, domain.ErrUnavailable):
			s.writeError(w, http.StatusServiceUnavailable, "service unavailable")
		default:
			s.log.Error("submit failed", "error", err)
			s.writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	s.writeJSON(w, http.StatusCreated, jobToResponse(job))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := domain.JobFilter{
		Search: r.URL.Query().Get("search"),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		switch st := domain.JobStatus(status); st {
		case domain.StatusPending, domain.StatusRunning, domain.StatusSucceeded, domain.StatusFailed:
			filter.Status = st
		default:
			s.writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
	}

	jobs, err := s.orch.List(r.Context(), filter)
	if err != nil {
		s.log.Error("list failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, jobToResponse(&jobs[i]))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.notFoundOrInternal(w, err, "get")
		return
	}
	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrUnavailable) {
			s.writeError(w, http.StatusServiceUnavailable, "service unavailable")
			return
		}
		s.notFoundOrInternal(w, err, "retry")
		return
	}
	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orch.Delete(r.Context(), id); err != nil {
		s.notFoundOrInternal(w, err, "delete")
		return
	}
	s.hub.CloseJob(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	location, err := s.orch.ResolveArtifact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			s.writeError(w, http.StatusConflict, "job has no artifact yet")
			return
		}
		s.notFoundOrInternal(w, err, "artifact")
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) notFoundOrInternal(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, domain.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.log.Error(op+" failed", "error", err)
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func jobToResponse(job *domain.Job) jobResponse {
	return jobResponse{
		ID:                job.ID,
		SourceKey:         job.SourceKey,
		Status:            string(job.Status),
		Title:             job.Title,
		ThumbnailRef:      job.ThumbnailRef,
		ArtifactRef:       job.ArtifactRef,
		ArtifactSizeBytes: job.ArtifactSizeBytes,
		Error:             job.Error,
		Progress:          job.Progress,
		CreatedAt:         job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         job.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps the event stream working through the logging wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}
