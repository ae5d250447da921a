package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultProgressInterval = 500 * time.Millisecond
	defaultPresignTTL       = 15 * time.Minute
)

// Options tunes orchestrator behavior. The zero value uses defaults.
type Options struct {
	// ProgressInterval is the minimum wall-clock gap between persisted
	// progress samples of one episode. First and terminal samples
	// always pass through.
	ProgressInterval time.Duration
	// PresignTTL bounds the lifetime of resolved artifact URLs.
	PresignTTL time.Duration
	Logger     *slog.Logger
	// HTTPClient fetches thumbnails. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Orchestrator drives jobs through their lifecycle: dedup on submit,
// one task per episode, rate-limited progress persistence and the
// upload handoff. All job mutations flow through here.
type Orchestrator struct {
	repo     JobRepository
	queue    TaskQueue
	fetcher  Fetcher
	uploader Uploader
	pub      Publisher
	log      *slog.Logger
	client   *http.Client

	progressEvery time.Duration
	presignTTL    time.Duration
}

// NewOrchestrator creates an orchestrator with explicit collaborators.
func NewOrchestrator(repo JobRepository, queue TaskQueue, fetcher Fetcher, uploader Uploader, pub Publisher, opts Options) *Orchestrator {
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = defaultProgressInterval
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = defaultPresignTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Orchestrator{
		repo:          repo,
		queue:         queue,
		fetcher:       fetcher,
		uploader:      uploader,
		pub:           pub,
		log:           opts.Logger,
		client:        opts.HTTPClient,
		progressEvery: opts.ProgressInterval,
		presignTTL:    opts.PresignTTL,
	}
}

// Submit creates a job for the given URL, or returns the existing job
// for the same normalized source key. Exactly one task is enqueued per
// new job; idempotent resubmission enqueues nothing.
func (o *Orchestrator) Submit(ctx context.Context, rawURL string) (*Job, error) {
	key, err := normalizeSourceKey(rawURL)
	if err != nil {
		return nil, err
	}

	if job, err := o.repo.GetBySourceKey(ctx, key); err == nil {
		return job, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		SourceKey: key,
		Status:    StatusPending,
		Episode:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.repo.Create(ctx, job); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			// Lost a submit race; hand back the winner.
			return o.repo.GetBySourceKey(ctx, key)
		}
		return nil, err
	}

	if err := o.queue.Enqueue(ctx, Task{JobID: job.ID, Episode: job.Episode}); err != nil {
		return nil, fmt.Errorf("%w: enqueue job %s: %v", ErrUnavailable, job.ID, err)
	}
	o.log.Info("job submitted", "job", job.ID, "source", key)
	return job, nil
}

// Get retrieves a job by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Job, error) {
	return o.repo.Get(ctx, id)
}

// List returns jobs matching the filter, newest first.
func (o *Orchestrator) List(ctx context.Context, filter JobFilter) ([]Job, error) {
	return o.repo.List(ctx, filter)
}

// Retry re-enqueues a job regardless of its current status. The episode
// token is bumped first, so a still-running old episode can no longer
// write.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*Job, error) {
	job, err := o.repo.ResetForRetry(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.queue.Enqueue(ctx, Task{JobID: job.ID, Episode: job.Episode}); err != nil {
		return nil, fmt.Errorf("%w: enqueue job %s: %v", ErrUnavailable, job.ID, err)
	}
	o.log.Info("job retried", "job", job.ID, "episode", job.Episode)
	return job, nil
}

// Delete removes the job and best-effort deletes its stored objects.
// Removing the row invalidates any in-flight episode: subsequent
// episode-conditioned writes match no row and are dropped.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	job, err := o.repo.Delete(ctx, id)
	if err != nil {
		return err
	}
	for _, key := range []string{job.ArtifactRef, job.ThumbnailRef} {
		if key == "" {
			continue
		}
		if err := o.uploader.Remove(ctx, key); err != nil {
			o.log.Warn("stored object cleanup failed", "job", id, "key", key, "error", err)
		}
	}
	o.log.Info("job deleted", "job", id)
	return nil
}

// RecoverStale re-enqueues jobs a previous process left running. Run at
// startup before workers consume: any episode that was in flight when
// the process died is invalidated by the episode bump, so a duplicate
// delivery of its task is dropped.
func (o *Orchestrator) RecoverStale(ctx context.Context) (int, error) {
	jobs, err := o.repo.List(ctx, JobFilter{Status: StatusRunning})
	if err != nil {
		return 0, err
	}
	for _, stale := range jobs {
		job, err := o.repo.ResetForRetry(ctx, stale.ID)
		if err != nil {
			return 0, fmt.Errorf("recover job %s: %w", stale.ID, err)
		}
		if err := o.queue.Enqueue(ctx, Task{JobID: job.ID, Episode: job.Episode}); err != nil {
			return 0, fmt.Errorf("%w: enqueue job %s: %v", ErrUnavailable, job.ID, err)
		}
		o.log.Info("recovered stale job", "job", job.ID, "episode", job.Episode)
	}
	return len(jobs), nil
}

// ResolveArtifact returns a time-limited URL for the job's artifact.
// Fails with ErrConflict unless the job has succeeded.
func (o *Orchestrator) ResolveArtifact(ctx context.Context, id string) (string, error) {
	job, err := o.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status != StatusSucceeded || job.ArtifactRef == "" {
		return "", ErrConflict
	}
	return o.uploader.Presign(ctx, job.ArtifactRef, o.presignTTL)
}

// Execute runs one episode of a job. Invoked once per task delivery;
// stale deliveries (job gone, or episode token moved on) are dropped.
// A failed download is a completed episode, not an error.
func (o *Orchestrator) Execute(ctx context.Context, task Task) error {
	job, err := o.repo.Get(ctx, task.JobID)
	if errors.Is(err, ErrNotFound) {
		o.log.Info("dropping task for deleted job", "job", task.JobID)
		return nil
	}
	if err != nil {
		return err
	}
	if job.Episode != task.Episode {
		o.log.Info("dropping stale task", "job", job.ID, "task_episode", task.Episode, "episode", job.Episode)
		return nil
	}

	applied, err := o.repo.MarkRunning(ctx, job.ID, task.Episode)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	job.Status = StatusRunning
	job.Error = ""
	job.Progress = &Progress{}
	o.pub.Publish(job.ID, Event{Type: EventRunning, Job: *job})
	o.log.Info("episode started", "job", job.ID, "episode", task.Episode, "source", job.SourceKey)

	meta := o.probe(ctx, job, task.Episode)

	// All temporary files of this episode live under dir; the deferred
	// removal deletes exactly what this episode created.
	dir, err := os.MkdirTemp("", "fetchd-episode-*")
	if err != nil {
		return o.fail(ctx, job, task.Episode, fmt.Errorf("create temp dir: %w", err))
	}
	defer os.RemoveAll(dir)

	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()

	var stale atomic.Bool
	gate := newProgressGate(o.progressEvery)
	onSample := func(s Sample) {
		if stale.Load() {
			return
		}
		p, due := gate.next(s, time.Now())
		if !due {
			return
		}
		applied, err := o.repo.SetProgress(ctx, job.ID, task.Episode, p)
		if err != nil {
			o.log.Warn("progress write failed", "job", job.ID, "error", err)
			return
		}
		if !applied {
			// Episode token moved on under us; stop writing and ask
			// the fetch to wind down.
			stale.Store(true)
			cancelFetch()
			return
		}
		snap := *job
		snap.Progress = &p
		o.pub.Publish(job.ID, Event{Type: EventProgress, Job: snap})
	}

	res, err := o.fetcher.Fetch(fetchCtx, job.SourceKey, dir, onSample)
	if stale.Load() {
		o.log.Info("episode superseded, discarding result", "job", job.ID, "episode", task.Episode)
		return nil
	}
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-fetch. The job stays running and its task
			// unacked; startup recovery resets and re-enqueues it.
			return ctx.Err()
		}
		return o.fail(ctx, job, task.Episode, err)
	}

	fi, err := os.Stat(res.Path)
	if err != nil {
		return o.fail(ctx, job, task.Episode, &FetchError{Cause: fmt.Sprintf("artifact missing after fetch: %s", res.Path)})
	}
	size := res.SizeBytes
	if size == 0 {
		size = fi.Size()
	}

	artifactKey := "artifacts/" + job.ID + strings.ToLower(filepath.Ext(res.Path))
	if err := o.uploader.Put(ctx, res.Path, artifactKey, contentTypeFor(res.Path)); err != nil {
		return o.fail(ctx, job, task.Episode, &UploadError{Key: artifactKey, Err: err})
	}

	thumbRef := o.uploadThumbnail(ctx, job.ID, meta.ThumbnailURL, dir)

	applied, err = o.repo.MarkSucceeded(ctx, job.ID, task.Episode, artifactKey, thumbRef, size)
	if err != nil {
		return err
	}
	if !applied {
		o.log.Info("episode superseded, discarding success", "job", job.ID, "episode", task.Episode)
		return nil
	}
	snap := *job
	snap.Status = StatusSucceeded
	snap.ArtifactRef = artifactKey
	snap.ThumbnailRef = thumbRef
	snap.ArtifactSizeBytes = size
	snap.Progress = nil
	o.pub.Publish(job.ID, Event{Type: EventSucceeded, Job: snap})
	o.log.Info("episode succeeded", "job", job.ID, "artifact", artifactKey, "bytes", size)
	return nil
}

// probe fetches metadata and persists the title. Probe failure is
// non-fatal: the download proceeds with an empty title.
func (o *Orchestrator) probe(ctx context.Context, job *Job, episode int64) Metadata {
	meta, err := o.fetcher.Probe(ctx, job.SourceKey)
	if err != nil {
		o.log.Warn("metadata probe failed", "job", job.ID, "error", err)
		return Metadata{}
	}
	if meta.Title != "" {
		if _, err := o.repo.SetTitle(ctx, job.ID, episode, meta.Title); err != nil {
			o.log.Warn("title write failed", "job", job.ID, "error", err)
		} else {
			job.Title = meta.Title
		}
	}
	return meta
}

// uploadThumbnail downloads and stores the probed thumbnail. Failure is
// non-fatal; returns the stored key or "".
func (o *Orchestrator) uploadThumbnail(ctx context.Context, jobID, thumbURL, dir string) string {
	if thumbURL == "" {
		return ""
	}
	path, err := o.downloadFile(ctx, thumbURL, filepath.Join(dir, "thumbnail"))
	if err != nil {
		o.log.Warn("thumbnail download failed", "job", jobID, "url", thumbURL, "error", err)
		return ""
	}
	ext := strings.ToLower(filepath.Ext(strings.SplitN(thumbURL, "?", 2)[0]))
	if ext == "" {
		ext = ".jpg"
	}
	key := "thumbnails/" + jobID + ext
	if err := o.uploader.Put(ctx, path, key, contentTypeFor(key)); err != nil {
		o.log.Warn("thumbnail upload failed", "job", jobID, "key", key, "error", err)
		return ""
	}
	return key
}

func (o *Orchestrator) downloadFile(ctx context.Context, rawURL, dest string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", err
	}
	return dest, nil
}

// fail writes the terminal failure for an episode. The write is
// episode-conditioned, so a superseded episode's failure is dropped.
func (o *Orchestrator) fail(ctx context.Context, job *Job, episode int64, cause error) error {
	msg := cause.Error()
	var fe *FetchError
	if errors.As(cause, &fe) {
		msg = fe.Cause
	}
	applied, err := o.repo.MarkFailed(ctx, job.ID, episode, msg)
	if err != nil {
		return err
	}
	if !applied {
		o.log.Info("episode superseded, discarding failure", "job", job.ID, "episode", episode)
		return nil
	}
	snap := *job
	snap.Status = StatusFailed
	snap.Error = msg
	snap.Progress = nil
	o.pub.Publish(job.ID, Event{Type: EventFailed, Job: snap})
	o.log.Warn("episode failed", "job", job.ID, "episode", episode, "error", msg)
	return nil
}

// progressGate rate-limits persisted samples and keeps the percent
// monotonic within one episode.
type progressGate struct {
	every      time.Duration
	last       time.Time
	maxPercent float64
	seen       bool
}

func newProgressGate(every time.Duration) *progressGate {
	return &progressGate{every: every}
}

// next converts a raw sample into a snapshot, reporting whether it is
// due for persistence. The first and any terminal (>= 100%) sample
// always pass. A sub-100 sample gated at the end of a fetch stays
// dropped: the terminal transition clears the snapshot, so a flush
// could never be observed.
func (g *progressGate) next(s Sample, now time.Time) (Progress, bool) {
	if s.Percent < g.maxPercent {
		s.Percent = g.maxPercent
	} else {
		g.maxPercent = s.Percent
	}
	due := !g.seen || s.Percent >= 100 || now.Sub(g.last) >= g.every
	if !due {
		return Progress{}, false
	}
	g.seen = true
	g.last = now
	return Progress{
		Percent:         s.Percent,
		Speed:           s.Speed,
		ETA:             s.ETA,
		TotalBytes:      s.TotalBytes,
		DownloadedBytes: s.DownloadedBytes,
		ElapsedSeconds:  s.ElapsedSeconds,
	}, true
}

// normalizeSourceKey canonicalizes a submitted URL into the dedup key:
// trimmed, fragment dropped, host lowercased.
func normalizeSourceKey(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return "", ErrInvalidURL
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", ErrInvalidURL
	}
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	return u.String(), nil
}

// Common media extensions mapped directly; the host mime table is not
// guaranteed to know video types.
var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".m4a":  "audio/mp4",
	".mp3":  "audio/mpeg",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
}

func contentTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
