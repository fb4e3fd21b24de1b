// Package postgres stores task records in PostgreSQL for deployments that
// share one database between instances.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/datallboy/gopod/internal/domain"
	"github.com/datallboy/gopod/internal/store"
	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

const taskColumns = `id, attempt_id, page_link, title, destination, state, error, bytes_written, total_bytes, updated_at`

type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn and applies the schema migrations.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("store.postgres_dsn is not set")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.RunMigrations(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}

	return s, nil
}

// RunMigrations applies the same embedded schema the sqlite store uses.
func (s *Store) RunMigrations() error {
	d, err := iofs.New(store.Migrations(), "migrations")
	if err != nil {
		return err
	}

	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", d, "pgx5", driver)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func (s *Store) SaveTask(ctx context.Context, rec *domain.TaskRecord) error {
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err := s.pool.Exec(ctx, `INSERT INTO task_records (`+taskColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (id) DO UPDATE SET
          attempt_id = EXCLUDED.attempt_id,
          page_link = EXCLUDED.page_link,
          title = EXCLUDED.title,
          destination = EXCLUDED.destination,
          state = EXCLUDED.state,
          error = EXCLUDED.error,
          bytes_written = EXCLUDED.bytes_written,
          total_bytes = EXCLUDED.total_bytes,
          updated_at = EXCLUDED.updated_at`,
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

func (s *Store) GetTask(ctx context.Context, id string) (*domain.TaskRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM task_records WHERE id = $1`, id)

	rec, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) PendingTasks(ctx context.Context) ([]*domain.TaskRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM task_records WHERE state <> $1 ORDER BY attempt_id`,
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

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM task_records WHERE id = $1`, id)
	return err
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanTask(row pgx.Row) (*domain.TaskRecord, error) {
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
