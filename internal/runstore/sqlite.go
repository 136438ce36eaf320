package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marianellas/veritas/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLite persists runs as JSON snapshots next to an append-only events table
type SQLite struct {
	db     *sql.DB
	notify *notifier
	now    func() time.Time
}

// NewSQLite opens (or creates) the database at dbPath. ":memory:" is accepted.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLite{db: db, notify: newNotifier(), now: time.Now}, nil
}

// Close closes the database connection
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run
func (s *SQLite) CreateRun(ctx context.Context, run *domain.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, run.ID).Scan(&exists)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", domain.ErrRunExists, run.ID)
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, status, function_name, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		string(run.Status),
		run.FunctionName,
		string(data),
		run.CreatedAt.UnixNano(),
		run.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetRun retrieves a run by ID
func (s *SQLite) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	return getRun(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRun(ctx context.Context, q queryRower, id string) (*domain.Run, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM runs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decodeRun(data)
}

func decodeRun(data string) (*domain.Run, error) {
	var run domain.Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("decoding run: %w", err)
	}
	return &run, nil
}

// UpdateRun reads, mutates and writes the run inside one transaction
func (s *SQLite) UpdateRun(ctx context.Context, id string, fn func(*domain.Run) error) (*domain.Run, error) {
	return s.UpdateRunAndAppend(ctx, id, func(r *domain.Run) ([]domain.Event, error) {
		return nil, fn(r)
	})
}

// UpdateRunAndAppend is UpdateRun that also inserts the events fn returns in
// the same transaction
func (s *SQLite) UpdateRunAndAppend(ctx context.Context, id string, fn func(*domain.Run) ([]domain.Event, error)) (*domain.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	run, err := getRun(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	events, err := fn(run)
	if err != nil {
		return nil, err
	}
	run.UpdatedAt = s.now()

	data, err := json.Marshal(run)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, data = ?, updated_at = ? WHERE id = ?
	`, string(run.Status), string(data), run.UpdatedAt.UnixNano(), id)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if _, err := insertEvent(ctx, tx, id, ev); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.notify.broadcast(id)
	return run, nil
}

// ListRuns returns runs newest first
func (s *SQLite) ListRuns(ctx context.Context, filter domain.RunFilter) ([]*domain.Run, error) {
	query := `SELECT data FROM runs`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		run, err := decodeRun(data)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and its events
func (s *SQLite) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.notify.broadcast(id)
	return nil
}

// AppendEvent stores ev with the next sequence number for the run
func (s *SQLite) AppendEvent(ctx context.Context, runID string, ev domain.Event) (domain.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	if err != nil {
		return domain.Event{}, err
	}

	ev, err = insertEvent(ctx, tx, runID, ev)
	if err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}

	s.notify.broadcast(runID)
	return ev, nil
}

// insertEvent writes ev with the next sequence number for runID
func insertEvent(ctx context.Context, tx *sql.Tx, runID string, ev domain.Event) (domain.Event, error) {
	var next int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq) + 1, 0) FROM events WHERE run_id = ?`, runID).Scan(&next)
	if err != nil {
		return domain.Event{}, err
	}
	ev.Seq = next

	payload, err := json.Marshal(ev)
	if err != nil {
		return domain.Event{}, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (run_id, seq, type, payload) VALUES (?, ?, ?, ?)
	`, runID, ev.Seq, string(ev.Type), string(payload))
	if err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

// EventsSince returns events with seq >= from in order
func (s *SQLite) EventsSince(ctx context.Context, runID string, from int) ([]domain.Event, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM events WHERE run_id = ? AND seq >= ? ORDER BY seq
	`, runID, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev domain.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("decoding event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Changed returns a channel closed on the next mutation or append for runID
func (s *SQLite) Changed(runID string) <-chan struct{} {
	return s.notify.wait(runID)
}
