// Package store keeps the durable history of job lifecycle events in Postgres.
// Redis remains the source of truth for job state; this is an audit trail.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"elysium-jobs/internal/events"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// AppendEvent adds an audit row.
func (s *Store) AppendEvent(ctx context.Context, e events.Event) error {
	var availableAt *time.Time
	if !e.AvailableAt.IsZero() {
		availableAt = &e.AvailableAt
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, job_type, queue, event, attempt, duration_ms, error, timed_out, available_at, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.JobID, e.JobType, e.Queue, string(e.Type), e.Attempt, e.Duration.Milliseconds(),
		emptyToNil(e.Error), e.Timeout, availableAt, e.At)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// JobHistory returns up to limit events of one job, oldest first.
func (s *Store) JobHistory(ctx context.Context, jobID string, limit int) ([]events.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, job_type, queue, event, attempt, duration_ms, error, timed_out, available_at, at
		FROM job_events WHERE job_id = $1 ORDER BY id LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			e           events.Event
			eventType   string
			durationMs  int64
			errText     pgtype.Text
			availableAt pgtype.Timestamptz
		)
		if err := rows.Scan(&e.JobID, &e.JobType, &e.Queue, &eventType, &e.Attempt, &durationMs,
			&errText, &e.Timeout, &availableAt, &e.At); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		e.Type = events.Type(eventType)
		e.Duration = time.Duration(durationMs) * time.Millisecond
		if errText.Valid {
			e.Error = errText.String
		}
		if availableAt.Valid {
			e.AvailableAt = availableAt.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneEvents deletes events recorded before cutoff.
func (s *Store) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM job_events WHERE at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune job events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecordArchive notes where a dead-lettered job was exported to.
func (s *Store) RecordArchive(ctx context.Context, jobID, queue, jobType, location string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letter_archive (job_id, queue, job_type, location, archived_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (job_id) DO UPDATE SET location = EXCLUDED.location, archived_at = EXCLUDED.archived_at
	`, jobID, queue, jobType, location)
	if err != nil {
		return fmt.Errorf("record archive: %w", err)
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
