package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/datallboy/gopod/internal/domain"
)

const taskColumns = `id, attempt_id, page_link, title, destination, state, error, bytes_written, total_bytes, updated_at`

// SaveTask inserts the record or replaces the one with the same identifier.
func (s *PersistentStore) SaveTask(ctx context.Context, rec *domain.TaskRecord) error {
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	query := `INSERT INTO task_records (` + taskColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                attempt_id = excluded.attempt_id,
                page_link = excluded.page_link,
                title = excluded.title,
                destination = excluded.destination,
                state = excluded.state,
                error = excluded.error,
                bytes_written = excluded.bytes_written,
                total_bytes = excluded.total_bytes,
                updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.AttemptID,
		rec.PageLink,
		rec.Title,
		rec.Destination,
		string(rec.State),
		rec.Error,
		rec.BytesWritten,
		rec.TotalBytes,
		updated.UnixNano(),
	)
	return err
}

// GetTask returns nil, nil when no record exists for id.
func (s *PersistentStore) GetTask(ctx context.Context, id string) (*domain.TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_records WHERE id = ? LIMIT 1`, id)

	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// PendingTasks returns every record that has not finished, oldest attempt first.
func (s *PersistentStore) PendingTasks(ctx context.Context) ([]*domain.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM task_records WHERE state != ? ORDER BY attempt_id`,
		string(domain.StateFinished))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PersistentStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_records WHERE id = ?`, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*domain.TaskRecord, error) {
	rec := &domain.TaskRecord{}
	var state string
	var updated int64

	err := row.Scan(
		&rec.ID,
		&rec.AttemptID,
		&rec.PageLink,
		&rec.Title,
		&rec.Destination,
		&state,
		&rec.Error,
		&rec.BytesWritten,
		&rec.TotalBytes,
		&updated,
	)
	if err != nil {
		return nil, err
	}

	rec.State = domain.State(state)
	rec.UpdatedAt = time.Unix(0, updated)
	return rec, nil
}
