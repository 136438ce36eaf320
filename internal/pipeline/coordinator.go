// Package pipeline drives runs through their fixed step sequence.
//
// The Coordinator is the single writer of a run's mutable fields. Every write
// it makes is a compare-and-set on status == running, so a concurrent cancel
// is never overwritten: the coordinator notices on its next write and stops
// without emitting anything further.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/marianellas/veritas/internal/domain"
)

const tracerName = "github.com/marianellas/veritas/internal/pipeline"

// ErrCancelled is returned by Execute when the run was cancelled while in flight
var ErrCancelled = errors.New("run cancelled")

// ErrInterrupted is the fault recorded when Execute's ctx ends without the
// run having been cancelled, e.g. on service shutdown
var ErrInterrupted = errors.New("interrupted by shutdown")

// StepError attributes a pipeline fault to the step that raised it
type StepError struct {
	Step domain.StepName
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Coordinator executes runs
type Coordinator struct {
	store   Store
	collab  Collaborators
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// NewCoordinator creates a coordinator. logger and metrics may be nil.
func NewCoordinator(store Store, collab Collaborators, logger *slog.Logger, metrics *Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Coordinator{
		store:   store,
		collab:  collab,
		logger:  logger.With("component", "coordinator"),
		metrics: metrics,
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
}

// stepResult is what a successful step writes back to the run
type stepResult struct {
	apply   func(r *domain.Run)
	message string
}

type stepFunc func(ctx context.Context) (stepResult, error)

// Execute drives one run from queued to a terminal status. It returns nil on
// success, a *StepError when the run failed and ErrCancelled when it was
// cancelled. ctx cancellation interrupts the in-flight collaborator.
func (c *Coordinator) Execute(ctx context.Context, runID string) error {
	// Store writes must land even after ctx is cancelled.
	sctx := context.WithoutCancel(ctx)

	run, err := c.store.UpdateRun(sctx, runID, func(r *domain.Run) error {
		if r.Status == domain.RunCancelled {
			return ErrCancelled
		}
		if r.Status != domain.RunQueued {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, r.Status, domain.RunRunning)
		}
		r.Status = domain.RunRunning
		return nil
	})
	if err != nil {
		return err
	}

	logger := c.logger.With("run_id", runID, "function", run.FunctionName)
	logger.Info("run started")

	ctx, span := c.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("run.function", run.FunctionName),
	))
	defer span.End()

	err = c.runSteps(ctx, run)
	switch {
	case err == nil:
		err = c.finish(sctx, runID, domain.RunSuccess)
	case errors.Is(err, ErrCancelled):
	default:
		logger.Error("pipeline fault", "error", err)
		err = c.fail(sctx, runID, err)
	}

	switch {
	case err == nil:
		logger.Info("run succeeded")
	case errors.Is(err, ErrCancelled):
		logger.Info("run cancelled")
		span.SetStatus(codes.Error, "cancelled")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Coordinator) runSteps(ctx context.Context, run *domain.Run) error {
	var (
		description string
		edgeCases   []string
		tests       string
		output      domain.TestRunOutput
		coverage    domain.CoverageSummary
		patch       string
	)
	runID, code, fn, opts := run.ID, run.Code, run.FunctionName, run.Options

	err := c.step(ctx, runID, domain.StepReadCode, "Reading and parsing Python code...", func(ctx context.Context) (stepResult, error) {
		if err := c.collab.Analyzer.Analyze(ctx, code, fn); err != nil {
			return stepResult{}, err
		}
		return stepResult{message: "Code parsed successfully"}, nil
	})
	if err != nil {
		return err
	}

	err = c.step(ctx, runID, domain.StepInferBehavior, "Analyzing function behavior with LLM...", func(ctx context.Context) (stepResult, error) {
		var err error
		description, edgeCases, err = c.collab.Inferrer.Infer(ctx, code, fn)
		if err != nil {
			return stepResult{}, err
		}
		return stepResult{
			apply: func(r *domain.Run) {
				r.InferredSpec = description
				r.EdgeCases = append([]string{}, edgeCases...)
			},
			message: fmt.Sprintf("Behavior inferred: %s...", truncate(description, 50)),
		}, nil
	})
	if err != nil {
		return err
	}

	err = c.step(ctx, runID, domain.StepGenerateTests, "Generating pytest tests with LLM...", func(ctx context.Context) (stepResult, error) {
		var err error
		tests, err = c.collab.Generator.Generate(ctx, code, fn, opts, description, edgeCases)
		if err != nil {
			return stepResult{}, err
		}
		return stepResult{
			apply:   func(r *domain.Run) { r.GeneratedTests = tests },
			message: "Generated test suite",
		}, nil
	})
	if err != nil {
		return err
	}

	err = c.step(ctx, runID, domain.StepRunTests, "Running pytest tests...", func(ctx context.Context) (stepResult, error) {
		var err error
		output, err = c.collab.Executor.Run(ctx, tests, code, fn, runID)
		if err != nil {
			return stepResult{}, err
		}
		msg := "All tests passed"
		if !output.Passed() {
			msg = fmt.Sprintf("Some tests failed: %s", truncate(output.Stderr, 100))
		}
		return stepResult{
			apply: func(r *domain.Run) {
				r.TestRunOutput = output
				r.IterationsUsed = 1
			},
			message: msg,
		}, nil
	})
	if err != nil {
		return err
	}

	err = c.step(ctx, runID, domain.StepFixTests, "", func(ctx context.Context) (stepResult, error) {
		iterations, err := c.repair(ctx, runID, code, fn, opts.MaxIterations, &tests, &output)
		if err != nil {
			return stepResult{}, err
		}
		c.metrics.RepairIterations.Observe(float64(iterations))
		return stepResult{
			apply:   func(r *domain.Run) { r.IterationsUsed = iterations },
			message: fmt.Sprintf("Tests validated (used %d iteration(s))", iterations),
		}, nil
	})
	if err != nil {
		return err
	}

	err = c.step(ctx, runID, domain.StepCoverageReport, "Generating coverage report...", func(ctx context.Context) (stepResult, error) {
		var err error
		coverage, err = c.collab.Reporter.Report(ctx, runID, fn)
		if err != nil {
			return stepResult{}, err
		}
		return stepResult{
			apply:   func(r *domain.Run) { r.CoverageSummary = coverage },
			message: fmt.Sprintf("Coverage: %d%% lines, %d%% branches", coverage.LinePct, coverage.BranchPct),
		}, nil
	})
	if err != nil {
		return err
	}

	err = c.step(ctx, runID, domain.StepPRReadyOutput, "Creating patch diff...", func(ctx context.Context) (stepResult, error) {
		var err error
		patch, err = c.collab.Reporter.Patch(ctx, runID, fn, tests)
		if err != nil {
			return stepResult{}, err
		}
		return stepResult{
			apply:   func(r *domain.Run) { r.PatchDiff = patch },
			message: fmt.Sprintf("Output written to %s", run.ArtifactsPath),
		}, nil
	})
	if err != nil {
		return err
	}

	if !run.HasStep(domain.StepOpenPR) {
		return nil
	}
	return c.step(ctx, runID, domain.StepOpenPR, "Creating GitHub pull request...", func(ctx context.Context) (stepResult, error) {
		pr, err := c.collab.PRCreator.OpenPR(ctx, domain.PRRequest{
			RunID:        runID,
			RepoURL:      opts.RepoURL,
			Branch:       opts.Branch,
			FunctionName: fn,
			Coverage:     coverage,
			Diff:         patch,
			TestCode:     tests,
		})
		if err != nil {
			return stepResult{}, err
		}
		msg := "Pull request created"
		if pr.URL == nil {
			msg = "Pull request not opened, details attached to the run"
		}
		return stepResult{
			apply:   func(r *domain.Run) { r.PR = pr },
			message: msg,
		}, nil
	})
}

// repair is the bounded fix loop. The first execution counts as iteration 1;
// the loop stops on the first passing run or once maxIterations is reached,
// whichever comes first. Each round is written to the run as it completes.
func (c *Coordinator) repair(ctx context.Context, runID, code, fn string, maxIterations int, tests *string, output *domain.TestRunOutput) (int, error) {
	sctx := context.WithoutCancel(ctx)
	iterations := 1

	for !output.Passed() && iterations < maxIterations {
		if err := ctx.Err(); err != nil {
			return iterations, err
		}
		c.log(sctx, runID, domain.StepFixTests, fmt.Sprintf("Fixing tests (iteration %d/%d)...", iterations, maxIterations))

		fixed, err := c.collab.Repairer.Repair(ctx, *tests, repairInput(*output), code, fn)
		if err != nil {
			return iterations, err
		}
		out, err := c.collab.Executor.Run(ctx, fixed, code, fn, runID)
		if err != nil {
			return iterations, err
		}
		*tests, *output = fixed, out
		iterations++

		n := iterations
		if _, err := c.mutate(sctx, runID, func(r *domain.Run) error {
			r.GeneratedTests = fixed
			r.TestRunOutput = out
			r.IterationsUsed = n
			return nil
		}); err != nil {
			return iterations, err
		}
	}
	return iterations, nil
}

// repairInput picks the runner output that explains the failure. pytest
// reports assertion failures on stdout, so stdout stands in when stderr is empty.
func repairInput(out domain.TestRunOutput) string {
	if out.Stderr != "" {
		return out.Stderr
	}
	return out.Stdout
}

// step runs one stage: mark running, do the work, write its result and mark
// success. A returned *StepError leaves the step running for fail to attribute.
func (c *Coordinator) step(ctx context.Context, runID string, name domain.StepName, startMsg string, work stepFunc) error {
	sctx := context.WithoutCancel(ctx)
	if err := c.beginStep(sctx, runID, name, startMsg); err != nil {
		return err
	}

	ctx, span := c.tracer.Start(ctx, "pipeline.step."+string(name), trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("step", string(name)),
	))
	defer span.End()
	started := c.now()

	var res stepResult
	err := ctx.Err()
	if err == nil {
		res, err = c.call(ctx, work)
	}
	// Whatever the work returned, it ran against a dead ctx.
	if ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
		err = ErrInterrupted
	}
	if err != nil {
		if errors.Is(err, ErrCancelled) || c.cancelled(sctx, runID) {
			return ErrCancelled
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.StepDurationSeconds.WithLabelValues(string(name), string(domain.StepFail)).Observe(c.now().Sub(started).Seconds())
		return &StepError{Step: name, Err: err}
	}

	if err := c.commitStep(sctx, runID, name, res); err != nil {
		return err
	}
	c.metrics.StepDurationSeconds.WithLabelValues(string(name), string(domain.StepSuccess)).Observe(c.now().Sub(started).Seconds())
	return nil
}

// call invokes work, converting a panic into a pipeline fault
func (c *Coordinator) call(ctx context.Context, work stepFunc) (res stepResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return work(ctx)
}

// record applies fn and appends the events it returns, both only while the
// run is still running. A cancelled run gets neither.
func (c *Coordinator) record(ctx context.Context, runID string, fn func(r *domain.Run) ([]domain.Event, error)) (*domain.Run, error) {
	return c.store.UpdateRunAndAppend(ctx, runID, func(r *domain.Run) ([]domain.Event, error) {
		if r.Status != domain.RunRunning {
			return nil, ErrCancelled
		}
		return fn(r)
	})
}

// mutate applies fn only while the run is still running
func (c *Coordinator) mutate(ctx context.Context, runID string, fn func(r *domain.Run) error) (*domain.Run, error) {
	return c.record(ctx, runID, func(r *domain.Run) ([]domain.Event, error) {
		return nil, fn(r)
	})
}

func (c *Coordinator) cancelled(ctx context.Context, runID string) bool {
	run, err := c.store.GetRun(ctx, runID)
	return err == nil && run.Status == domain.RunCancelled
}

func (c *Coordinator) beginStep(ctx context.Context, runID string, name domain.StepName, msg string) error {
	now := c.now()
	_, err := c.record(ctx, runID, func(r *domain.Run) ([]domain.Event, error) {
		s := r.Step(name)
		if s == nil {
			return nil, fmt.Errorf("run has no %s step", name)
		}
		if s.Status != domain.StepQueued {
			return nil, fmt.Errorf("%w: step %s is %s", domain.ErrInvalidTransition, name, s.Status)
		}
		s.Status = domain.StepRunning
		s.StartedAt = &now

		events := []domain.Event{{Type: domain.EventStepStart, Step: name, Data: r.Clone(), Timestamp: now}}
		if msg != "" {
			events = append(events, logEvent(name, msg, now))
		}
		return events, nil
	})
	return err
}

func (c *Coordinator) commitStep(ctx context.Context, runID string, name domain.StepName, res stepResult) error {
	now := c.now()
	_, err := c.record(ctx, runID, func(r *domain.Run) ([]domain.Event, error) {
		if res.apply != nil {
			res.apply(r)
		}
		s := r.Step(name)
		s.Status = domain.StepSuccess
		s.CompletedAt = &now

		events := []domain.Event{{Type: domain.EventStepComplete, Step: name, Data: r.Clone(), Timestamp: now}}
		if res.message != "" {
			events = append(events, logEvent(name, res.message, now))
		}
		return events, nil
	})
	return err
}

// fail marks the running step as failed with the fault's message, then moves
// the run to failed. Later steps stay queued.
func (c *Coordinator) fail(ctx context.Context, runID string, cause error) error {
	msg := cause.Error()
	var se *StepError
	if errors.As(cause, &se) {
		msg = se.Err.Error()
	}

	now := c.now()
	_, err := c.record(ctx, runID, func(r *domain.Run) ([]domain.Event, error) {
		var (
			events []domain.Event
			failed domain.StepName
		)
		if s := r.RunningStep(); s != nil {
			s.Status = domain.StepFail
			s.Error = msg
			s.CompletedAt = &now
			failed = s.Name
			events = append(events, domain.Event{Type: domain.EventStepComplete, Step: failed, Data: r.Clone(), Timestamp: now})
		}
		return append(events, logEvent(failed, "Error: "+msg, now)), nil
	})
	if err != nil {
		return err
	}

	if err := c.finish(ctx, runID, domain.RunFailed); err != nil {
		return err
	}
	return cause
}

func (c *Coordinator) finish(ctx context.Context, runID string, status domain.RunStatus) error {
	if _, err := c.mutate(ctx, runID, func(r *domain.Run) error {
		r.Status = status
		return nil
	}); err != nil {
		return err
	}
	c.metrics.RunsFinished.WithLabelValues(string(status)).Inc()
	return nil
}

// log appends a log line unless the run has left running
func (c *Coordinator) log(ctx context.Context, runID string, step domain.StepName, msg string) {
	now := c.now()
	_, err := c.record(ctx, runID, func(r *domain.Run) ([]domain.Event, error) {
		return []domain.Event{logEvent(step, msg, now)}, nil
	})
	if err != nil && !errors.Is(err, ErrCancelled) {
		c.logger.Warn("dropping event", "run_id", runID, "type", domain.EventLog, "error", err)
	}
}

func logEvent(step domain.StepName, msg string, at time.Time) domain.Event {
	return domain.Event{Type: domain.EventLog, Step: step, Message: msg, Timestamp: at}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
