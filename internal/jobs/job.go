package jobs

import (
	"time"
)

// Kind identifies the job variant
type Kind string

const (
	// KindSync archives new messages from a remote mailbox
	KindSync Kind = "sync"
	// KindImport bulk-imports uploaded EML/mbox files
	KindImport Kind = "import"
	// KindRestore pushes archived messages back to a live mailbox
	KindRestore Kind = "restore"
)

// Status is the lifecycle state of a job. Terminal states are sinks.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a sink state
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is the externally visible state of a background job. The queue hands
// out copies; the live instance is owned by the registry for its lifetime.
type Job struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	Status Status `json:"status"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	Total     int `json:"total"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`

	// Bytes is the consumed byte offset within a staged source file, for
	// jobs that stream a file
	Bytes int64 `json:"bytes,omitempty"`

	// CurrentItem describes the in-flight work item for progress display
	CurrentItem string `json:"current_item,omitempty"`
	// Error is set only when Status is failed
	Error string `json:"error,omitempty"`

	// Payload carries the variant-specific parameters the job was created with
	Payload interface{} `json:"payload,omitempty"`

	// TempFile is a staged upload owned by the job, removed when the job
	// is cancelled, fails, or is swept
	TempFile string `json:"-"`
}
