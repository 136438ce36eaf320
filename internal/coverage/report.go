// Package coverage measures a run's suite with pytest-cov and renders the
// suite as a reviewable patch.
package coverage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/marianellas/veritas/internal/domain"
	"github.com/marianellas/veritas/internal/runner"
	"github.com/marianellas/veritas/internal/workspace"
)

// Config controls the coverage invocation and patch layout
type Config struct {
	Command []string
	Timeout time.Duration
	// PatchPrefix is the repository directory generated suites are proposed under
	PatchPrefix string
}

// DefaultConfig returns the pytest-cov invocation used when nothing is configured
func DefaultConfig() Config {
	return Config{
		Command:     []string{"python3", "-m", "pytest"},
		Timeout:     30 * time.Second,
		PatchPrefix: "experiments",
	}
}

// Reporter implements the coverage collaborator
type Reporter struct {
	cfg        Config
	workspaces *workspace.Manager
	logger     *slog.Logger
}

// NewReporter creates a Reporter
func NewReporter(cfg Config, workspaces *workspace.Manager, logger *slog.Logger) *Reporter {
	def := DefaultConfig()
	if len(cfg.Command) == 0 {
		cfg.Command = def.Command
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PatchPrefix == "" {
		cfg.PatchPrefix = def.PatchPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{cfg: cfg, workspaces: workspaces, logger: logger.With("component", "coverage")}
}

// Report runs the suite under coverage. A run without a suite, or any
// failure to produce a report, yields an all-zero summary.
func (r *Reporter) Report(ctx context.Context, runID, functionName string) (domain.CoverageSummary, error) {
	dir, err := r.workspaces.Dir(runID)
	if err != nil {
		return domain.CoverageSummary{}, err
	}
	if !r.workspaces.Exists(runID, workspace.TestFile(functionName)) {
		return Empty(), nil
	}

	reportPath := filepath.Join(dir, workspace.CoverageJSON)
	_ = os.Remove(reportPath)

	args := []string{
		workspace.TestFile(functionName),
		"--cov=" + moduleName(),
		"--cov-branch",
		"--cov-report=json",
	}
	out := runner.Exec(ctx, dir, r.cfg.Command, args, r.cfg.Timeout)
	if out.Stderr == runner.TimeoutMessage {
		r.logger.Warn("coverage run timed out", "run_id", runID)
		return Empty(), nil
	}

	data, err := os.ReadFile(reportPath)
	if err != nil {
		r.logger.Warn("coverage report missing", "run_id", runID, "exit_code", out.ExitCode, "error", err)
		return Empty(), nil
	}
	summary, err := Parse(data)
	if err != nil {
		r.logger.Warn("coverage report unreadable", "run_id", runID, "error", err)
		return Empty(), nil
	}
	return summary, nil
}

func moduleName() string {
	name := workspace.ModuleFile
	return name[:len(name)-len(filepath.Ext(name))]
}

// Empty is the summary reported when no coverage could be measured
func Empty() domain.CoverageSummary {
	return domain.CoverageSummary{Files: []domain.CoverageFile{}}
}

type report struct {
	Totals summary              `json:"totals"`
	Files  map[string]fileEntry `json:"files"`
}

type fileEntry struct {
	Summary summary `json:"summary"`
}

type summary struct {
	PercentCovered          float64  `json:"percent_covered"`
	PercentCoveredBranches  *float64 `json:"percent_covered_branches"`
	PercentCoveredFunctions float64  `json:"percent_covered_functions"`
	NumStatements           int      `json:"num_statements"`
	NumBranches             int      `json:"num_branches"`
	CoveredBranches         int      `json:"covered_branches"`
}

func (s summary) branchPct() int {
	if s.PercentCoveredBranches != nil {
		return int(*s.PercentCoveredBranches)
	}
	if s.NumBranches == 0 {
		return 0
	}
	return s.CoveredBranches * 100 / s.NumBranches
}

// Parse converts a coverage.py JSON report into a summary. Percentages are
// truncated to whole numbers and files are listed by base name.
func Parse(data []byte) (domain.CoverageSummary, error) {
	var rep report
	if err := json.Unmarshal(data, &rep); err != nil {
		return domain.CoverageSummary{}, fmt.Errorf("decoding coverage report: %w", err)
	}

	out := domain.CoverageSummary{
		LinePct:     int(rep.Totals.PercentCovered),
		BranchPct:   rep.Totals.branchPct(),
		FunctionPct: int(rep.Totals.PercentCoveredFunctions),
		Files:       make([]domain.CoverageFile, 0, len(rep.Files)),
	}
	for path, f := range rep.Files {
		out.Files = append(out.Files, domain.CoverageFile{
			Filename: filepath.Base(path),
			Percent:  int(f.Summary.PercentCovered),
			Lines:    f.Summary.NumStatements,
			Branches: f.Summary.NumBranches,
		})
	}
	sort.Slice(out.Files, func(i, j int) bool { return out.Files[i].Filename < out.Files[j].Filename })
	return out, nil
}
