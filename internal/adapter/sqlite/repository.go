package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cwygoda/fetchd/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id                  TEXT PRIMARY KEY,
    source_key          TEXT NOT NULL UNIQUE,
    status              TEXT NOT NULL DEFAULT 'pending',
    episode             INTEGER NOT NULL DEFAULT 1,
    title               TEXT NOT NULL DEFAULT '',
    thumbnail_ref       TEXT NOT NULL DEFAULT '',
    artifact_ref        TEXT NOT NULL DEFAULT '',
    artifact_size       INTEGER NOT NULL DEFAULT 0,
    error               TEXT NOT NULL DEFAULT '',
    progress_percent    REAL NOT NULL DEFAULT 0,
    progress_speed      TEXT NOT NULL DEFAULT '',
    progress_eta        TEXT NOT NULL DEFAULT '',
    progress_total      INTEGER NOT NULL DEFAULT 0,
    progress_downloaded INTEGER NOT NULL DEFAULT 0,
    progress_elapsed    REAL NOT NULL DEFAULT 0,
    created_at          DATETIME NOT NULL,
    updated_at          DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
`

const jobColumns = `id, source_key, status, episode, title, thumbnail_ref,
	artifact_ref, artifact_size, error, progress_percent, progress_speed,
	progress_eta, progress_total, progress_downloaded, progress_elapsed,
	created_at, updated_at`

// Repository implements domain.JobRepository using SQLite. Episode
// tokens are enforced at the SQL layer: every episode write carries
// "AND episode = ?" and reports whether a row was touched.
type Repository struct {
	db *sql.DB
}

// New creates a new SQLite repository, initializing the schema if needed.
func New(dbPath string) (*Repository, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Serializes concurrent writers from the worker pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new job.
func (r *Repository) Create(ctx context.Context, job *domain.Job) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, source_key, status, episode, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.SourceKey, job.Status, job.Episode, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrDuplicateKey
		}
		return err
	}
	return nil
}

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// GetBySourceKey retrieves a job by its dedup key.
func (r *Repository) GetBySourceKey(ctx context.Context, sourceKey string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE source_key = ?`, sourceKey)
	return scanJob(row)
}

// List returns jobs matching the filter, newest first.
func (r *Repository) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var clauses []string
	var args []any
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		clauses = append(clauses, "(lower(title) LIKE ? OR lower(source_key) LIKE ?)")
		needle := "%" + strings.ToLower(filter.Search) + "%"
		args = append(args, needle, needle)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// MarkRunning transitions the job to running and zeroes the progress
// snapshot, provided the episode token still matches.
func (r *Repository) MarkRunning(ctx context.Context, id string, episode int64) (bool, error) {
	return r.episodeExec(ctx,
		`UPDATE jobs SET status = ?, error = '',
		     progress_percent = 0, progress_speed = '', progress_eta = '',
		     progress_total = 0, progress_downloaded = 0, progress_elapsed = 0,
		     updated_at = ?
		 WHERE id = ? AND episode = ?`,
		domain.StatusRunning, now(), id, episode,
	)
}

// SetTitle persists probed metadata for the current episode.
func (r *Repository) SetTitle(ctx context.Context, id string, episode int64, title string) (bool, error) {
	return r.episodeExec(ctx,
		`UPDATE jobs SET title = ?, updated_at = ? WHERE id = ? AND episode = ?`,
		title, now(), id, episode,
	)
}

// SetProgress persists one progress snapshot for the current episode.
func (r *Repository) SetProgress(ctx context.Context, id string, episode int64, p domain.Progress) (bool, error) {
	return r.episodeExec(ctx,
		`UPDATE jobs SET progress_percent = ?, progress_speed = ?, progress_eta = ?,
		     progress_total = ?, progress_downloaded = ?, progress_elapsed = ?,
		     updated_at = ?
		 WHERE id = ? AND episode = ?`,
		p.Percent, p.Speed, p.ETA, p.TotalBytes, p.DownloadedBytes, p.ElapsedSeconds,
		now(), id, episode,
	)
}

// MarkSucceeded writes the terminal success state and clears progress.
func (r *Repository) MarkSucceeded(ctx context.Context, id string, episode int64, artifactRef, thumbnailRef string, sizeBytes int64) (bool, error) {
	return r.episodeExec(ctx,
		`UPDATE jobs SET status = ?, artifact_ref = ?, thumbnail_ref = ?,
		     artifact_size = ?, error = '',
		     progress_percent = 0, progress_speed = '', progress_eta = '',
		     progress_total = 0, progress_downloaded = 0, progress_elapsed = 0,
		     updated_at = ?
		 WHERE id = ? AND episode = ?`,
		domain.StatusSucceeded, artifactRef, thumbnailRef, sizeBytes, now(), id, episode,
	)
}

// MarkFailed writes the terminal failure state and resets progress.
func (r *Repository) MarkFailed(ctx context.Context, id string, episode int64, reason string) (bool, error) {
	return r.episodeExec(ctx,
		`UPDATE jobs SET status = ?, error = ?,
		     progress_percent = 0, progress_speed = '', progress_eta = '',
		     progress_total = 0, progress_downloaded = 0, progress_elapsed = 0,
		     updated_at = ?
		 WHERE id = ? AND episode = ?`,
		domain.StatusFailed, reason, now(), id, episode,
	)
}

// ResetForRetry moves the job back to pending under a fresh episode
// token, clearing error and progress.
func (r *Repository) ResetForRetry(ctx context.Context, id string) (*domain.Job, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = '', episode = episode + 1,
		     progress_percent = 0, progress_speed = '', progress_eta = '',
		     progress_total = 0, progress_downloaded = 0, progress_elapsed = 0,
		     updated_at = ?
		 WHERE id = ?`,
		domain.StatusPending, now(), id,
	)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, domain.ErrNotFound
	}
	return r.Get(ctx, id)
}

// Delete removes the job and returns its final state for cleanup.
func (r *Repository) Delete(ctx context.Context, id string) (*domain.Job, error) {
	job, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return job, nil
}

func (r *Repository) episodeExec(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func now() time.Time {
	return time.Now().UTC()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var job domain.Job
	var status string
	var p domain.Progress
	err := row.Scan(
		&job.ID, &job.SourceKey, &status, &job.Episode, &job.Title,
		&job.ThumbnailRef, &job.ArtifactRef, &job.ArtifactSizeBytes, &job.Error,
		&p.Percent, &p.Speed, &p.ETA, &p.TotalBytes, &p.DownloadedBytes, &p.ElapsedSeconds,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Status = domain.JobStatus(status)
	if job.Status == domain.StatusRunning {
		job.Progress = &p
	}
	return &job, nil
}
