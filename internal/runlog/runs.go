package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const runColumns = `id, started_at, completed_at, status, triggered_by,
		       changed_files, service_actions, error_message`

// Create inserts a new run in the running state. ID and StartedAt are filled
// in when empty.
func (s *Store) Create(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.StartedAt = run.StartedAt.UTC()
	if run.Status == "" {
		run.Status = StatusRunning
	}

	query := `
		INSERT INTO runs (id, started_at, status, triggered_by, error_message)
		VALUES (?, ?, ?, ?, '')
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		run.ID,
		run.StartedAt,
		run.Status,
		run.TriggeredBy,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// Complete records the outcome of a run
func (s *Store) Complete(ctx context.Context, run *Run) error {
	if run.CompletedAt == nil {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}

	query := `
		UPDATE runs
		SET completed_at = ?,
		    status = ?,
		    changed_files = ?,
		    service_actions = ?,
		    error_message = ?
		WHERE id = ?
	`

	// Marshal lists to JSON
	changed, err := marshalList(run.ChangedFiles)
	if err != nil {
		return fmt.Errorf("failed to marshal changed files: %w", err)
	}
	actions, err := marshalList(run.ServiceActions)
	if err != nil {
		return fmt.Errorf("failed to marshal service actions: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(query),
		run.CompletedAt.UTC(),
		run.Status,
		changed,
		actions,
		run.ErrorMessage,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("failed to complete run %s: %w", run.ID, ErrNotFound)
	}

	return nil
}

// Get retrieves a run by ID
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, s.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// Recent retrieves the most recent runs, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// LastSuccessful retrieves the most recent successful run
func (s *Store) LastSuccessful(ctx context.Context) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE status = ? ORDER BY completed_at DESC LIMIT 1`

	run, err := scanRun(s.db.QueryRowContext(ctx, s.rebind(query), StatusSuccess))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last successful run: %w", err)
	}
	return run, nil
}

// Prune deletes all but the newest retain runs. A retain of zero keeps
// everything.
func (s *Store) Prune(ctx context.Context, retain int) (int64, error) {
	if retain <= 0 {
		return 0, nil
	}

	query := `
		DELETE FROM runs
		WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC LIMIT ?
		)
	`

	res, err := s.db.ExecContext(ctx, s.rebind(query), retain)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned runs: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var completed sql.NullTime
	var changed, actions sql.NullString

	err := row.Scan(
		&run.ID,
		&run.StartedAt,
		&completed,
		&run.Status,
		&run.TriggeredBy,
		&changed,
		&actions,
		&run.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}

	// Unmarshal lists from JSON
	if changed.Valid && changed.String != "" {
		if err := json.Unmarshal([]byte(changed.String), &run.ChangedFiles); err != nil {
			return nil, fmt.Errorf("failed to unmarshal changed files: %w", err)
		}
	}
	if actions.Valid && actions.String != "" {
		if err := json.Unmarshal([]byte(actions.String), &run.ServiceActions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal service actions: %w", err)
		}
	}

	return &run, nil
}

func marshalList(list []string) (any, error) {
	if list == nil {
		return nil, nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
