package pipeline

import (
	"context"

	"github.com/marianellas/veritas/internal/domain"
)

// Store is the run state the coordinator and service depend on.
// runstore.Memory and runstore.SQLite both satisfy it.
type Store interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	UpdateRun(ctx context.Context, id string, fn func(*domain.Run) error) (*domain.Run, error)
	ListRuns(ctx context.Context, filter domain.RunFilter) ([]*domain.Run, error)
	DeleteRun(ctx context.Context, id string) error
	// UpdateRunAndAppend applies fn and appends the events it returns as one
	// atomic write. Nothing is written when fn fails.
	UpdateRunAndAppend(ctx context.Context, id string, fn func(*domain.Run) ([]domain.Event, error)) (*domain.Run, error)
	EventsSince(ctx context.Context, runID string, from int) ([]domain.Event, error)
	Changed(runID string) <-chan struct{}
}

// Collaborators absorb their own backend failures. A returned error is a
// pipeline fault and fails the run.

// Analyzer checks the submitted source before anything else runs
type Analyzer interface {
	Analyze(ctx context.Context, code, functionName string) error
}

// Inferrer describes what a function does and which edge cases matter
type Inferrer interface {
	Infer(ctx context.Context, code, functionName string) (description string, edgeCases []string, err error)
}

// Generator writes the first version of the test suite
type Generator interface {
	Generate(ctx context.Context, code, functionName string, opts domain.RunOptions, description string, edgeCases []string) (string, error)
}

// Repairer rewrites a failing test suite given the runner's error output
type Repairer interface {
	Repair(ctx context.Context, testCode, errOutput, code, functionName string) (string, error)
}

// Executor runs a test suite against the submitted code. A timeout or a
// failing suite is reported through the exit code, not as an error.
type Executor interface {
	Run(ctx context.Context, testCode, code, functionName, runID string) (domain.TestRunOutput, error)
}

// Reporter produces the coverage summary and the patch artifact
type Reporter interface {
	Report(ctx context.Context, runID, functionName string) (domain.CoverageSummary, error)
	Patch(ctx context.Context, runID, functionName, testCode string) (string, error)
}

// PRCreator opens a pull request, or explains in the body why it did not
type PRCreator interface {
	OpenPR(ctx context.Context, req domain.PRRequest) (*domain.PRInfo, error)
}

// Collaborators bundles everything the coordinator calls out to
type Collaborators struct {
	Analyzer  Analyzer
	Inferrer  Inferrer
	Generator Generator
	Repairer  Repairer
	Executor  Executor
	Reporter  Reporter
	PRCreator PRCreator
}
