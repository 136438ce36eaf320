package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/marianellas/veritas/internal/domain"
	"github.com/marianellas/veritas/internal/notify"
)

// ErrShuttingDown rejects submissions after Shutdown was called
var ErrShuttingDown = errors.New("service is shutting down")

var identRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const createAttempts = 3

// Submission is a request to start a run
type Submission struct {
	Code         string
	FunctionName string
	Options      domain.RunOptions
}

// Validate checks the submission before a run is created
func (s Submission) Validate() error {
	if strings.TrimSpace(s.Code) == "" {
		return fmt.Errorf("%w: code is required", domain.ErrInvalidOptions)
	}
	if !identRegex.MatchString(s.FunctionName) {
		return fmt.Errorf("%w: function_name %q is not an identifier", domain.ErrInvalidOptions, s.FunctionName)
	}
	return s.Options.Validate()
}

// ServiceConfig configures a Service
type ServiceConfig struct {
	MaxParallelRuns int
	// ArtifactsPath maps a run id to the directory holding its artifacts.
	ArtifactsPath func(runID string) string
	Notifier      notify.Notifier
	Logger        *slog.Logger
	Metrics       *Metrics
}

// Service is the run API: submit, inspect, stream and cancel runs.
// Each submitted run is executed by its own goroutine; at most
// MaxParallelRuns of them hold a worker slot at a time.
type Service struct {
	store     Store
	coord     *Coordinator
	notifier  notify.Notifier
	logger    *slog.Logger
	metrics   *Metrics
	slots     *semaphore.Weighted
	artifacts func(string) string
	now       func() time.Time

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
}

// NewService creates a service executing runs with the given collaborators
func NewService(store Store, collab Collaborators, cfg ServiceConfig) *Service {
	if cfg.MaxParallelRuns <= 0 {
		cfg.MaxParallelRuns = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NoopNotifier{}
	}
	if cfg.ArtifactsPath == nil {
		cfg.ArtifactsPath = func(string) string { return "" }
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Service{
		store:     store,
		coord:     NewCoordinator(store, collab, cfg.Logger, cfg.Metrics),
		notifier:  cfg.Notifier,
		logger:    cfg.Logger.With("component", "service"),
		metrics:   cfg.Metrics,
		slots:     semaphore.NewWeighted(int64(cfg.MaxParallelRuns)),
		artifacts: cfg.ArtifactsPath,
		now:       time.Now,
		ctx:       ctx,
		stop:      stop,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Submit validates the request, creates a queued run and starts executing it
// in the background. It returns as soon as the run exists.
func (s *Service) Submit(ctx context.Context, sub Submission) (string, error) {
	if err := sub.Validate(); err != nil {
		return "", err
	}

	// The worker is counted before the lock drops so Shutdown waits for it.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	var (
		id  string
		err error
	)
	for attempt := 0; attempt < createAttempts; attempt++ {
		now := s.now()
		id = domain.NewRunID(now)
		run := domain.NewRun(id, sub.Code, sub.FunctionName, sub.Options, s.artifacts(id), now)
		if err = s.store.CreateRun(ctx, run); !errors.Is(err, domain.ErrRunExists) {
			break
		}
	}
	if err != nil {
		s.wg.Done()
		return "", fmt.Errorf("creating run: %w", err)
	}

	s.metrics.RunsSubmitted.Inc()
	s.logger.Info("run submitted", "run_id", id, "function", sub.FunctionName)
	s.launch(id)
	return id, nil
}

// launch starts the worker for id. The caller has already done wg.Add.
func (s *Service) launch(id string) {
	runCtx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.cancels, id)
			s.mu.Unlock()
			cancel()
		}()
		s.work(runCtx, id)
	}()
}

func (s *Service) work(ctx context.Context, id string) {
	logger := s.logger.With("run_id", id)

	if err := s.slots.Acquire(ctx, 1); err != nil {
		// Cancelled or shutting down before a slot freed up.
		s.abandon(id)
		s.announce(id)
		return
	}
	s.metrics.ActiveRuns.Inc()
	err := s.coord.Execute(ctx, id)
	s.metrics.ActiveRuns.Dec()
	s.slots.Release(1)

	if err != nil && !errors.Is(err, ErrCancelled) {
		var se *StepError
		if !errors.As(err, &se) {
			logger.Error("run execution failed", "error", err)
		}
	}
	s.announce(id)
}

// abandon fails a run that never got a worker slot. Cancelled runs are left alone.
func (s *Service) abandon(id string) {
	_, err := s.store.UpdateRun(context.Background(), id, func(r *domain.Run) error {
		if r.Status != domain.RunQueued {
			return ErrCancelled
		}
		r.Status = domain.RunFailed
		return nil
	})
	if err == nil {
		s.metrics.RunsFinished.WithLabelValues(string(domain.RunFailed)).Inc()
	}
}

func (s *Service) announce(id string) {
	run, err := s.store.GetRun(context.Background(), id)
	if err != nil || !run.Status.Terminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.notifier.Send(ctx, notify.FromRun(run)); err != nil {
		s.logger.Warn("notification failed", "run_id", id, "error", err)
	}
}

// Get returns a snapshot of the run
func (s *Service) Get(ctx context.Context, id string) (*domain.Run, error) {
	return s.store.GetRun(ctx, id)
}

// List returns runs newest first
func (s *Service) List(ctx context.Context, filter domain.RunFilter) ([]*domain.Run, error) {
	return s.store.ListRuns(ctx, filter)
}

// Cancel moves a queued or running run to cancelled, marks its unfinished
// steps skipped and interrupts whatever collaborator call is in flight.
// Cancelling a terminal run fails with domain.ErrInvalidTransition.
func (s *Service) Cancel(ctx context.Context, id string) (*domain.Run, error) {
	now := s.now()
	run, err := s.store.UpdateRun(ctx, id, func(r *domain.Run) error {
		if r.Status.Terminal() {
			return fmt.Errorf("%w: run is %s", domain.ErrInvalidTransition, r.Status)
		}
		r.Status = domain.RunCancelled
		for i := range r.Steps {
			switch r.Steps[i].Status {
			case domain.StepRunning:
				r.Steps[i].Status = domain.StepSkipped
				r.Steps[i].CompletedAt = &now
			case domain.StepQueued:
				r.Steps[i].Status = domain.StepSkipped
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RunsFinished.WithLabelValues(string(domain.RunCancelled)).Inc()
	s.logger.Info("run cancelled", "run_id", id)

	s.mu.Lock()
	cancel := s.cancels[id]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return run, nil
}

// Stream delivers the run's events starting at index from, in order, then one
// run_complete event carrying the terminal snapshot. It blocks until the run
// is terminal, send fails or ctx is done.
func (s *Service) Stream(ctx context.Context, id string, from int, send func(domain.Event) error) error {
	if _, err := s.store.GetRun(ctx, id); err != nil {
		return err
	}
	s.metrics.ActiveStreams.Inc()
	defer s.metrics.ActiveStreams.Dec()

	cursor := from
	if cursor < 0 {
		cursor = 0
	}
	drain := func() error {
		events, err := s.store.EventsSince(ctx, id, cursor)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := send(ev); err != nil {
				return err
			}
			cursor = ev.Seq + 1
		}
		return nil
	}

	for {
		// Taken before reading so a change between the reads still wakes us.
		changed := s.store.Changed(id)

		if err := drain(); err != nil {
			return err
		}
		run, err := s.store.GetRun(ctx, id)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			if err := drain(); err != nil {
				return err
			}
			return send(domain.Event{
				Seq:       cursor,
				Type:      domain.EventRunComplete,
				Data:      run,
				Timestamp: s.now(),
			})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Wait blocks until the run is terminal and returns its final snapshot
func (s *Service) Wait(ctx context.Context, id string) (*domain.Run, error) {
	for {
		changed := s.store.Changed(id)
		run, err := s.store.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// RecoverInterrupted fails runs a previous process left queued or running.
// Only meaningful with a persistent store; call before accepting submissions.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	var recovered int
	for _, status := range []domain.RunStatus{domain.RunQueued, domain.RunRunning} {
		runs, err := s.store.ListRuns(ctx, domain.RunFilter{Status: status})
		if err != nil {
			return recovered, err
		}
		for _, r := range runs {
			now := s.now()
			_, err := s.store.UpdateRun(ctx, r.ID, func(r *domain.Run) error {
				if r.Status.Terminal() {
					return ErrCancelled
				}
				r.Status = domain.RunFailed
				if st := r.RunningStep(); st != nil {
					st.Status = domain.StepFail
					st.Error = "interrupted by restart"
					st.CompletedAt = &now
				}
				return nil
			})
			if err != nil {
				if errors.Is(err, ErrCancelled) {
					continue
				}
				return recovered, err
			}
			recovered++
		}
	}
	if recovered > 0 {
		s.logger.Warn("failed interrupted runs", "count", recovered)
	}
	return recovered, nil
}

// Shutdown stops accepting runs and waits for in-flight ones. When ctx ends
// first, remaining runs are interrupted and Shutdown waits for them to unwind.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.stop()
		return nil
	case <-ctx.Done():
		s.stop()
		<-done
		return ctx.Err()
	}
}
