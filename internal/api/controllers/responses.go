package controllers

import (
	"github.com/datallboy/gopod/internal/domain"
	"github.com/datallboy/gopod/internal/engine"
)

// AddEpisodeRequest is the body of POST /api/episodes.
type AddEpisodeRequest struct {
	Link        string `json:"link"`
	Title       string `json:"title"`
	Destination string `json:"destination"`
}

// TaskResponse is the JSON view of a download task.
type TaskResponse struct {
	ID           string `json:"id"`
	Link         string `json:"link"`
	Title        string `json:"title"`
	Destination  string `json:"destination"`
	State        string `json:"state"`
	Cancelled    bool   `json:"cancelled"`
	Error        string `json:"error,omitempty"`
	BytesWritten int64  `json:"bytes_written"`
	TotalBytes   int64  `json:"total_bytes"`
}

func newTaskResponse(t *engine.Task) TaskResponse {
	ep := t.Episode()
	written, total := t.Progress()

	res := TaskResponse{
		ID:           t.ID(),
		Link:         ep.PageLink,
		Title:        ep.Title,
		Destination:  t.Destination(),
		State:        string(t.State()),
		Cancelled:    t.Cancelled(),
		BytesWritten: written,
		TotalBytes:   total,
	}
	if err := t.Err(); err != nil {
		res.Error = err.Error()
	}
	return res
}

func newRecordResponse(rec *domain.TaskRecord) TaskResponse {
	return TaskResponse{
		ID:           rec.ID,
		Link:         rec.PageLink,
		Title:        rec.Title,
		Destination:  rec.Destination,
		State:        string(rec.State),
		Error:        rec.Error,
		BytesWritten: rec.BytesWritten,
		TotalBytes:   rec.TotalBytes,
	}
}
