package retention

import (
	"context"
	"testing"
	"time"

	"github.com/marianellas/veritas/internal/domain"
	"github.com/marianellas/veritas/internal/runstore"
)

type removedDirs []string

func (r *removedDirs) Remove(runID string) error {
	*r = append(*r, runID)
	return nil
}

func seed(t *testing.T, store *runstore.Memory, id string, status domain.RunStatus, updated time.Time) {
	t.Helper()
	run := domain.NewRun(id, "def f(): pass", "f", domain.DefaultRunOptions(), "experiments/"+id, updated)
	run.Status = status
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatal(err)
	}
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"@hourly", false},
		{"*/15 * * * *", false},
		{"0 3 * * *", false},
		{"every hour", true},
		{"", true},
	}

	for _, tt := range tests {
		_, err := ParseSchedule(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSchedule(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestNewReaper_Validates(t *testing.T) {
	store := runstore.NewMemory()
	if _, err := NewReaper(Config{TTL: 0, Schedule: "@hourly"}, store, nil, nil); err == nil {
		t.Error("zero TTL should error")
	}
	if _, err := NewReaper(Config{TTL: time.Hour, Schedule: "nope"}, store, nil, nil); err == nil {
		t.Error("bad schedule should error")
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	store := runstore.NewMemory()
	defer store.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-48 * time.Hour)
	fresh := now.Add(-time.Hour)

	seed(t, store, "run_old_success", domain.RunSuccess, old)
	seed(t, store, "run_old_failed", domain.RunFailed, old)
	seed(t, store, "run_old_running", domain.RunRunning, old)
	seed(t, store, "run_fresh_success", domain.RunSuccess, fresh)

	var dirs removedDirs
	reaper, err := NewReaper(Config{TTL: 24 * time.Hour, Schedule: "@hourly"}, store, &dirs, nil)
	if err != nil {
		t.Fatal(err)
	}
	reaper.now = func() time.Time { return now }

	removed, err := reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if len(dirs) != 2 {
		t.Errorf("workspaces removed = %v, want 2 entries", dirs)
	}

	for _, id := range []string{"run_old_running", "run_fresh_success"} {
		if _, err := store.GetRun(ctx, id); err != nil {
			t.Errorf("%s should survive the sweep: %v", id, err)
		}
	}
	if _, err := store.GetRun(ctx, "run_old_success"); err == nil {
		t.Error("run_old_success should be evicted")
	}
}

func TestRunStopsWithContext(t *testing.T) {
	reaper, err := NewReaper(Config{TTL: time.Hour, Schedule: "@hourly"}, runstore.NewMemory(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reaper.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
