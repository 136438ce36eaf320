package runstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marianellas/veritas/internal/domain"
)

// Memory is an in-process run store. Runs live until deleted.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*entry
	notify  *notifier
	now     func() time.Time
}

type entry struct {
	mu     sync.RWMutex
	run    *domain.Run
	events []domain.Event
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*entry),
		notify:  newNotifier(),
		now:     time.Now,
	}
}

func (m *Memory) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	return e, nil
}

// CreateRun stores a new run; the id must not exist yet
func (m *Memory) CreateRun(ctx context.Context, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[run.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrRunExists, run.ID)
	}
	m.entries[run.ID] = &entry{run: run.Clone()}
	return nil
}

// GetRun returns a snapshot of the run
func (m *Memory) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.run.Clone(), nil
}

// UpdateRun applies fn to a copy of the run and swaps it in if fn succeeds.
// UpdatedAt is bumped on every successful mutation.
func (m *Memory) UpdateRun(ctx context.Context, id string, fn func(*domain.Run) error) (*domain.Run, error) {
	return m.UpdateRunAndAppend(ctx, id, func(r *domain.Run) ([]domain.Event, error) {
		return nil, fn(r)
	})
}

// UpdateRunAndAppend is UpdateRun that also appends the events fn returns.
// The mutation and the appends are applied together or not at all.
func (m *Memory) UpdateRunAndAppend(ctx context.Context, id string, fn func(*domain.Run) ([]domain.Event, error)) (*domain.Run, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	next := e.run.Clone()
	events, err := fn(next)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	next.UpdatedAt = m.now()
	e.run = next
	for _, ev := range events {
		ev.Seq = len(e.events)
		e.events = append(e.events, ev)
	}
	snapshot := next.Clone()
	e.mu.Unlock()

	m.notify.broadcast(id)
	return snapshot, nil
}

// ListRuns returns snapshots, newest first
func (m *Memory) ListRuns(ctx context.Context, filter domain.RunFilter) ([]*domain.Run, error) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	runs := make([]*domain.Run, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		if filter.Status == "" || e.run.Status == filter.Status {
			runs = append(runs, e.run.Clone())
		}
		e.mu.RUnlock()
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

// DeleteRun drops the run and its events
func (m *Memory) DeleteRun(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.entries[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	delete(m.entries, id)
	m.mu.Unlock()

	m.notify.broadcast(id)
	return nil
}

// AppendEvent appends ev to the run's log and returns it with its sequence number
func (m *Memory) AppendEvent(ctx context.Context, runID string, ev domain.Event) (domain.Event, error) {
	e, err := m.lookup(runID)
	if err != nil {
		return domain.Event{}, err
	}

	e.mu.Lock()
	ev.Seq = len(e.events)
	e.events = append(e.events, ev)
	e.mu.Unlock()

	m.notify.broadcast(runID)
	return ev, nil
}

// EventsSince returns the events at index >= from, in emission order
func (m *Memory) EventsSince(ctx context.Context, runID string, from int) ([]domain.Event, error) {
	e, err := m.lookup(runID)
	if err != nil {
		return nil, err
	}
	if from < 0 {
		from = 0
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if from >= len(e.events) {
		return nil, nil
	}
	out := make([]domain.Event, len(e.events)-from)
	copy(out, e.events[from:])
	return out, nil
}

// Changed returns a channel closed on the next mutation or append for runID
func (m *Memory) Changed(runID string) <-chan struct{} {
	return m.notify.wait(runID)
}

// Close is a no-op for the in-memory store
func (m *Memory) Close() error {
	return nil
}
