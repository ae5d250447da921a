package domain

import "time"

// JobStatus represents the lifecycle state of a download job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
)

// Terminal returns true if no further automatic transitions happen.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Progress is the structured snapshot of an in-flight download.
// Present only while the job is running; zeroed at the start of each
// episode and cleared on terminal transitions.
type Progress struct {
	Percent         float64 `json:"percent"`
	Speed           string  `json:"speed,omitempty"`
	ETA             string  `json:"eta,omitempty"`
	TotalBytes      int64   `json:"total_bytes,omitempty"`
	DownloadedBytes int64   `json:"downloaded_bytes,omitempty"`
	ElapsedSeconds  float64 `json:"elapsed_seconds,omitempty"`
}

// Job represents one tracked media-download unit of work.
//
// Episode is the token of the current execution attempt. Retry and
// delete bump it; writes from an older episode are discarded by the
// repository.
type Job struct {
	ID                string
	SourceKey         string
	Status            JobStatus
	Episode           int64
	Title             string
	ThumbnailRef      string
	ArtifactRef       string
	ArtifactSizeBytes int64
	Error             string
	Progress          *Progress
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// JobFilter narrows List results.
type JobFilter struct {
	Status JobStatus // empty matches all
	Search string    // case-insensitive match over title and source key
}

// EventType identifies a progress-stream event.
type EventType string

const (
	EventRunning   EventType = "running"
	EventProgress  EventType = "progress"
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "failed"
)

// Terminal returns true if the event ends a progress stream.
func (t EventType) Terminal() bool {
	return t == EventSucceeded || t == EventFailed
}

// Event is one progress-stream item published for a job. Job carries a
// snapshot of the state at publish time, never a shared pointer.
type Event struct {
	Type EventType
	Job  Job
}

// TerminalEvent maps a terminal status to its stream event type.
func TerminalEvent(s JobStatus) EventType {
	if s == StatusSucceeded {
		return EventSucceeded
	}
	return EventFailed
}
