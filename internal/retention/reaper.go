// Package retention evicts finished runs and their workspaces once they
// outlive the configured TTL.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marianellas/veritas/internal/domain"
)

// Store is the part of the run store the reaper needs
type Store interface {
	ListRuns(ctx context.Context, filter domain.RunFilter) ([]*domain.Run, error)
	DeleteRun(ctx context.Context, id string) error
}

// Workspaces removes a run's working directory
type Workspaces interface {
	Remove(runID string) error
}

// Config controls what is evicted and how often
type Config struct {
	TTL      time.Duration
	Schedule string
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression or descriptor such as @hourly
func ParseSchedule(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Reaper periodically deletes terminal runs older than the TTL
type Reaper struct {
	cfg        Config
	store      Store
	workspaces Workspaces
	logger     *slog.Logger
	now        func() time.Time
}

// NewReaper creates a Reaper. The schedule is validated up front.
func NewReaper(cfg Config, store Store, workspaces Workspaces, logger *slog.Logger) (*Reaper, error) {
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("retention ttl must be positive, got %s", cfg.TTL)
	}
	if _, err := ParseSchedule(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", cfg.Schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		cfg:        cfg,
		store:      store,
		workspaces: workspaces,
		logger:     logger.With("component", "retention"),
		now:        time.Now,
	}, nil
}

// Sweep deletes every terminal run last updated before now-TTL and returns
// how many were removed. Active runs are never touched.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	runs, err := r.store.ListRuns(ctx, domain.RunFilter{})
	if err != nil {
		return 0, fmt.Errorf("listing runs: %w", err)
	}

	cutoff := r.now().Add(-r.cfg.TTL)
	removed := 0
	for _, run := range runs {
		if !run.Status.Terminal() || !run.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := r.store.DeleteRun(ctx, run.ID); err != nil {
			r.logger.Warn("could not delete run", "run_id", run.ID, "error", err)
			continue
		}
		if r.workspaces != nil {
			if err := r.workspaces.Remove(run.ID); err != nil {
				r.logger.Warn("could not remove workspace", "run_id", run.ID, "error", err)
			}
		}
		removed++
	}
	if removed > 0 {
		r.logger.Info("evicted expired runs", "count", removed, "ttl", r.cfg.TTL)
	}
	return removed, nil
}

// Run sweeps on the configured schedule until ctx is cancelled
func (r *Reaper) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(r.cfg.Schedule, func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error("retention sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
