package domain

import (
	"context"
	"time"
)

// JobRepository is the driven port for job persistence. It is the single
// source of truth for job state.
//
// Mutations that belong to an execution episode take the episode token
// and are applied only while the stored token still matches; they report
// whether the write was applied. A stale episode's write is discarded,
// not an error.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	GetBySourceKey(ctx context.Context, sourceKey string) (*Job, error)
	List(ctx context.Context, filter JobFilter) ([]Job, error)

	// MarkRunning transitions to running and zeroes the progress snapshot.
	MarkRunning(ctx context.Context, id string, episode int64) (bool, error)
	SetTitle(ctx context.Context, id string, episode int64, title string) (bool, error)
	SetProgress(ctx context.Context, id string, episode int64, p Progress) (bool, error)
	MarkSucceeded(ctx context.Context, id string, episode int64, artifactRef, thumbnailRef string, sizeBytes int64) (bool, error)
	MarkFailed(ctx context.Context, id string, episode int64, reason string) (bool, error)

	// ResetForRetry moves the job back to pending, clears error and
	// progress, bumps the episode token and returns the updated job.
	ResetForRetry(ctx context.Context, id string) (*Job, error)
	// Delete removes the job and returns its last state so callers can
	// clean up stored artifacts.
	Delete(ctx context.Context, id string) (*Job, error)
}

// Task is one unit of queued work: a single execution episode of a job.
type Task struct {
	JobID   string `json:"job_id"`
	Episode int64  `json:"episode"`
}

// TaskQueue decouples job submission from execution. Delivery is
// at-least-once: a dequeued task stays owned by the queue until acked,
// and unacked tasks are re-delivered after a restart. Duplicate and
// stale deliveries are filtered by the episode token.
type TaskQueue interface {
	Enqueue(ctx context.Context, t Task) error
	// Dequeue blocks until a task is available or ctx is done.
	Dequeue(ctx context.Context) (Task, error)
	// Ack releases a delivered task. A task that is never acked is
	// re-delivered to a later consumer.
	Ack(ctx context.Context, t Task) error
}

// Metadata is the best-effort probe result for a source.
type Metadata struct {
	Title        string
	ThumbnailURL string
}

// Sample is one raw progress callback value from a fetcher. Field
// availability is fetcher-dependent; absent fields are zero.
type Sample struct {
	Percent         float64
	Speed           string
	ETA             string
	TotalBytes      int64
	DownloadedBytes int64
	ElapsedSeconds  float64
}

// FetchResult is a successful download.
type FetchResult struct {
	Path      string
	SizeBytes int64
}

// Fetcher wraps the external media-extraction tool.
type Fetcher interface {
	// Probe fetches title and thumbnail reference without downloading.
	// Failures are non-fatal to the caller.
	Probe(ctx context.Context, sourceKey string) (Metadata, error)
	// Fetch downloads the media into dir, invoking onSample zero or
	// more times. onSample must not block.
	Fetch(ctx context.Context, sourceKey, dir string, onSample func(Sample)) (FetchResult, error)
}

// Uploader wraps the object-storage client.
type Uploader interface {
	Put(ctx context.Context, localPath, key, contentType string) error
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
	Remove(ctx context.Context, key string) error
}

// Publisher fans progress events out to live subscribers. Publish is
// fire-and-forget; a job without subscribers is a no-op.
type Publisher interface {
	Publish(jobID string, ev Event)
}
