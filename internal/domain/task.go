package domain

import "time"

// State is the externally visible lifecycle of a download task.
type State string

const (
	StateReady     State = "ready"
	StateExecuting State = "executing"
	StateFinished  State = "finished" // terminal, reached on success, failure and cancellation
)

func (s State) rank() int {
	switch s {
	case StateReady:
		return 0
	case StateExecuting:
		return 1
	case StateFinished:
		return 2
	default:
		return -1
	}
}

// Before reports whether s comes strictly earlier in the lifecycle than other.
func (s State) Before(other State) bool {
	return s.rank() >= 0 && s.rank() < other.rank()
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	return s.rank() >= 0
}

// TaskRecord is the persisted form of a download task
type TaskRecord struct {
	ID           string    `json:"id"`
	AttemptID    string    `json:"attempt_id"`
	PageLink     string    `json:"link"`
	Title        string    `json:"title"`
	Destination  string    `json:"destination"`
	State        State     `json:"state"`
	Error        string    `json:"error,omitempty"`
	BytesWritten int64     `json:"bytes_written"`
	TotalBytes   int64     `json:"total_bytes"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Episode rebuilds the episode the record was created from.
func (r *TaskRecord) Episode() Episode {
	return Episode{PageLink: r.PageLink, Title: r.Title}
}
