package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/marianellas/veritas/internal/domain"
)

// fakeCollab implements every collaborator with overridable behaviour
type fakeCollab struct {
	mu sync.Mutex

	analyze  func(code, fn string) error
	infer    func(code, fn string) (string, []string, error)
	generate func(fn string) (string, error)
	repair   func(tests, errOut string) (string, error)
	run      func(ctx context.Context, tests string) (domain.TestRunOutput, error)
	report   func() (domain.CoverageSummary, error)
	openPR   func(req domain.PRRequest) (*domain.PRInfo, error)

	runCalls    int
	repairCalls int
	repairSeen  []string
}

func newFakeCollab() *fakeCollab {
	return &fakeCollab{}
}

func (f *fakeCollab) collaborators() Collaborators {
	return Collaborators{
		Analyzer:  f,
		Inferrer:  f,
		Generator: f,
		Repairer:  f,
		Executor:  f,
		Reporter:  f,
		PRCreator: f,
	}
}

func (f *fakeCollab) Analyze(ctx context.Context, code, fn string) error {
	if f.analyze != nil {
		return f.analyze(code, fn)
	}
	return nil
}

func (f *fakeCollab) Infer(ctx context.Context, code, fn string) (string, []string, error) {
	if f.infer != nil {
		return f.infer(code, fn)
	}
	return "Adds two numbers together and returns their sum", []string{"zero", "negative numbers"}, nil
}

func (f *fakeCollab) Generate(ctx context.Context, code, fn string, opts domain.RunOptions, description string, edgeCases []string) (string, error) {
	if f.generate != nil {
		return f.generate(fn)
	}
	return fmt.Sprintf("from your_module import %s\n\ndef test_%s():\n    assert %s(1, 2) == 3\n", fn, fn, fn), nil
}

func (f *fakeCollab) Repair(ctx context.Context, tests, errOut, code, fn string) (string, error) {
	f.mu.Lock()
	f.repairCalls++
	f.repairSeen = append(f.repairSeen, errOut)
	f.mu.Unlock()
	if f.repair != nil {
		return f.repair(tests, errOut)
	}
	return tests, nil
}

func (f *fakeCollab) Run(ctx context.Context, tests, code, fn, runID string) (domain.TestRunOutput, error) {
	f.mu.Lock()
	f.runCalls++
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, tests)
	}
	return domain.TestRunOutput{Stdout: "1 passed", ExitCode: 0}, nil
}

func (f *fakeCollab) Report(ctx context.Context, runID, fn string) (domain.CoverageSummary, error) {
	if f.report != nil {
		return f.report()
	}
	return domain.CoverageSummary{
		LinePct:     100,
		BranchPct:   100,
		FunctionPct: 100,
		Files:       []domain.CoverageFile{{Filename: "your_module.py", Percent: 100, Lines: 2}},
	}, nil
}

func (f *fakeCollab) Patch(ctx context.Context, runID, fn, tests string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "diff --git a/experiments/%s/test_%s.py b/experiments/%s/test_%s.py\n", runID, fn, runID, fn)
	for _, line := range strings.Split(strings.TrimRight(tests, "\n"), "\n") {
		b.WriteString("+" + line + "\n")
	}
	return b.String(), nil
}

func (f *fakeCollab) OpenPR(ctx context.Context, req domain.PRRequest) (*domain.PRInfo, error) {
	if f.openPR != nil {
		return f.openPR(req)
	}
	return &domain.PRInfo{
		Title:        "test: add generated tests for " + req.FunctionName,
		Body:         "No repository configured",
		ChangedFiles: []string{fmt.Sprintf("experiments/%s/test_%s.py", req.RunID, req.FunctionName)},
	}, nil
}

func (f *fakeCollab) counts() (runs, repairs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runCalls, f.repairCalls
}

func failingOutput() domain.TestRunOutput {
	return domain.TestRunOutput{
		Stdout:   "FAILED test_add.py::test_add - AssertionError",
		Stderr:   "AssertionError: assert 4 == 3",
		ExitCode: 1,
	}
}
