package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunIDPrefix starts every generated run identifier
const RunIDPrefix = "run_"

// EdgeCaseCategories toggles extra input classes the generated tests must cover
type EdgeCaseCategories struct {
	None      bool `json:"none"`
	Empty     bool `json:"empty"`
	Large     bool `json:"large"`
	Unicode   bool `json:"unicode"`
	Floats    bool `json:"floats"`
	Timezones bool `json:"timezones"`
}

// Requirements returns the human readable requirement for every enabled category
func (c EdgeCaseCategories) Requirements() []string {
	var reqs []string
	if c.Empty {
		reqs = append(reqs, "empty inputs")
	}
	if c.None {
		reqs = append(reqs, "None values")
	}
	if c.Large {
		reqs = append(reqs, "large numbers/inputs")
	}
	if c.Unicode {
		reqs = append(reqs, "unicode strings")
	}
	if c.Floats {
		reqs = append(reqs, "floating point precision")
	}
	if c.Timezones {
		reqs = append(reqs, "timezone handling")
	}
	return reqs
}

// RunOptions are the immutable knobs chosen at submission
type RunOptions struct {
	MaxIterations      int                `json:"max_iterations"`
	TestStyle          TestStyle          `json:"test_style"`
	CoverageThreshold  int                `json:"coverage_threshold"`
	EdgeCaseCategories EdgeCaseCategories `json:"edge_case_categories"`
	CreatePR           bool               `json:"create_pr"`
	RepoURL            string             `json:"repo_url,omitempty"`
	Branch             string             `json:"branch"`
}

// DefaultRunOptions returns the options used when a submission leaves them out
func DefaultRunOptions() RunOptions {
	return RunOptions{
		MaxIterations:     3,
		TestStyle:         StyleUnit,
		CoverageThreshold: 80,
		EdgeCaseCategories: EdgeCaseCategories{
			Empty: true,
			Large: true,
		},
		Branch: "main",
	}
}

// Validate checks option ranges
func (o RunOptions) Validate() error {
	if o.MaxIterations < 1 || o.MaxIterations > 20 {
		return fmt.Errorf("%w: max_iterations must be between 1 and 20, got %d", ErrInvalidOptions, o.MaxIterations)
	}
	if o.TestStyle != StyleUnit && o.TestStyle != StylePropertyBased {
		return fmt.Errorf("%w: unknown test_style %q", ErrInvalidOptions, o.TestStyle)
	}
	if o.CoverageThreshold < 0 || o.CoverageThreshold > 100 {
		return fmt.Errorf("%w: coverage_threshold must be between 0 and 100, got %d", ErrInvalidOptions, o.CoverageThreshold)
	}
	return nil
}

// TestRunOutput is the result of one test execution
type TestRunOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Passed reports a zero exit code
func (o TestRunOutput) Passed() bool { return o.ExitCode == 0 }

// CoverageFile is the per-file coverage line of a report
type CoverageFile struct {
	Filename string `json:"filename"`
	Percent  int    `json:"percent"`
	Lines    int    `json:"lines"`
	Branches int    `json:"branches"`
}

// CoverageSummary aggregates a coverage report
type CoverageSummary struct {
	LinePct     int            `json:"lines"`
	BranchPct   int            `json:"branches"`
	FunctionPct int            `json:"functions"`
	Files       []CoverageFile `json:"files"`
}

// PRInfo describes the pull request produced for a run; URL is nil when none was opened
type PRInfo struct {
	Title        string   `json:"title"`
	Body         string   `json:"body"`
	URL          *string  `json:"url"`
	ChangedFiles []string `json:"changed_files"`
}

// PRRequest carries everything needed to open a pull request for a run
type PRRequest struct {
	RunID        string
	RepoURL      string
	Branch       string
	FunctionName string
	Coverage     CoverageSummary
	Diff         string
	TestCode     string
}

// Step is one named stage of a run
type Step struct {
	Name        StepName   `json:"name"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Run is one execution of the pipeline for a submitted function
type Run struct {
	ID              string          `json:"run_id"`
	Status          RunStatus       `json:"status"`
	FunctionName    string          `json:"function_name"`
	Code            string          `json:"code"`
	Options         RunOptions      `json:"options"`
	InferredSpec    string          `json:"inferred_spec"`
	EdgeCases       []string        `json:"edge_cases"`
	GeneratedTests  string          `json:"generated_tests"`
	TestRunOutput   TestRunOutput   `json:"test_run_output"`
	CoverageSummary CoverageSummary `json:"coverage_summary"`
	PatchDiff       string          `json:"patch_diff"`
	PR              *PRInfo         `json:"pr,omitempty"`
	ArtifactsPath   string          `json:"artifacts_path"`
	IterationsUsed  int             `json:"iterations_used"`
	Steps           []Step          `json:"steps"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewRunID generates a run identifier of the form run_<unix-millis>_<8 hex>
func NewRunID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%d_%s", RunIDPrefix, now.UnixMilli(), suffix)
}

// NewSteps materializes the step list for the given options.
// open_pr is present if and only if PR creation was requested.
func NewSteps(opts RunOptions) []Step {
	steps := make([]Step, 0, len(baseSteps)+1)
	for _, name := range baseSteps {
		steps = append(steps, Step{Name: name, Status: StepQueued})
	}
	if opts.CreatePR {
		steps = append(steps, Step{Name: StepOpenPR, Status: StepQueued})
	}
	return steps
}

// NewRun creates a queued run with empty outputs
func NewRun(id, code, functionName string, opts RunOptions, artifactsPath string, now time.Time) *Run {
	return &Run{
		ID:           id,
		Status:       RunQueued,
		FunctionName: functionName,
		Code:         code,
		Options:      opts,
		EdgeCases:    []string{},
		CoverageSummary: CoverageSummary{
			Files: []CoverageFile{},
		},
		ArtifactsPath: artifactsPath,
		Steps:         NewSteps(opts),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Step returns the step with the given name, or nil
func (r *Run) Step(name StepName) *Step {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}

// RunningStep returns the first step currently running, or nil
func (r *Run) RunningStep() *Step {
	for i := range r.Steps {
		if r.Steps[i].Status == StepRunning {
			return &r.Steps[i]
		}
	}
	return nil
}

// HasStep reports whether the run carries the named step
func (r *Run) HasStep(name StepName) bool {
	return r.Step(name) != nil
}

// Clone returns a deep copy safe to hand to concurrent readers
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.EdgeCases = cloneSlice(r.EdgeCases)
	c.CoverageSummary.Files = cloneSlice(r.CoverageSummary.Files)
	c.Steps = cloneSlice(r.Steps)
	for i, s := range c.Steps {
		c.Steps[i].StartedAt = cloneTime(s.StartedAt)
		c.Steps[i].CompletedAt = cloneTime(s.CompletedAt)
	}
	if r.PR != nil {
		pr := *r.PR
		pr.ChangedFiles = cloneSlice(r.PR.ChangedFiles)
		if r.PR.URL != nil {
			u := *r.PR.URL
			pr.URL = &u
		}
		c.PR = &pr
	}
	return &c
}

// cloneSlice copies s, keeping nil and empty distinct so JSON still renders []
func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// RunFilter narrows run listings
type RunFilter struct {
	Status RunStatus
	Limit  int
}

// Event is one immutable entry in a run's event log
type Event struct {
	Seq       int       `json:"seq"`
	Type      EventType `json:"type"`
	Step      StepName  `json:"step,omitempty"`
	Message   string    `json:"message,omitempty"`
	Data      *Run      `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
