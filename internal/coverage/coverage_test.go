package coverage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marianellas/veritas/internal/domain"
	"github.com/marianellas/veritas/internal/workspace"
)

const sampleReport = `{
  "meta": {"version": "7.4.0", "branch_coverage": true},
  "files": {
    "/tmp/runs/run_1_abcd/your_module.py": {
      "summary": {"covered_lines": 9, "num_statements": 10, "percent_covered": 87.5,
                  "num_branches": 6, "covered_branches": 5}
    },
    "/tmp/runs/run_1_abcd/helpers.py": {
      "summary": {"num_statements": 4, "percent_covered": 100.0, "num_branches": 0}
    }
  },
  "totals": {"percent_covered": 87.9, "num_statements": 14, "num_branches": 6, "covered_branches": 5}
}`

func TestParse(t *testing.T) {
	s, err := Parse([]byte(sampleReport))
	require.NoError(t, err)

	assert.Equal(t, 87, s.LinePct)
	assert.Equal(t, 83, s.BranchPct)
	assert.Equal(t, 0, s.FunctionPct)
	assert.Equal(t, []domain.CoverageFile{
		{Filename: "helpers.py", Percent: 100, Lines: 4, Branches: 0},
		{Filename: "your_module.py", Percent: 87, Lines: 10, Branches: 6},
	}, s.Files)
}

func TestParse_ExplicitBranchPercent(t *testing.T) {
	s, err := Parse([]byte(`{"totals": {"percent_covered": 50, "percent_covered_branches": 42.9, "percent_covered_functions": 66.7}}`))
	require.NoError(t, err)
	assert.Equal(t, 42, s.BranchPct)
	assert.Equal(t, 66, s.FunctionPct)
	assert.NotNil(t, s.Files)
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("not json"))
	assert.Error(t, err)
}

func newReporter(t *testing.T, script string) (*Reporter, *workspace.Manager) {
	t.Helper()
	ws := workspace.NewManager(t.TempDir())
	return NewReporter(Config{Command: []string{"sh", "-c", script}, Timeout: 5 * time.Second}, ws, nil), ws
}

func TestReport_NoSuiteIsZero(t *testing.T) {
	r, _ := newReporter(t, "exit 1")

	s, err := r.Report(context.Background(), "run_1_none", "add")
	require.NoError(t, err)
	assert.Equal(t, Empty(), s)
}

func TestReport_ReadsCoverageJSON(t *testing.T) {
	script := `printf '%s' '{"totals":{"percent_covered":75.0,"num_branches":4,"covered_branches":2},"files":{"your_module.py":{"summary":{"percent_covered":75.0,"num_statements":8,"num_branches":4}}}}' > coverage.json`
	r, ws := newReporter(t, script)

	dir, err := ws.Ensure("run_1_abcd")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test_add.py"), []byte("def test_add(): pass\n"), 0644))

	s, err := r.Report(context.Background(), "run_1_abcd", "add")
	require.NoError(t, err)
	assert.Equal(t, 75, s.LinePct)
	assert.Equal(t, 50, s.BranchPct)
	require.Len(t, s.Files, 1)
	assert.Equal(t, "your_module.py", s.Files[0].Filename)
}

func TestReport_StaleReportIgnored(t *testing.T) {
	r, ws := newReporter(t, "exit 2")

	dir, err := ws.Ensure("run_1_stale")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test_add.py"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "coverage.json"), []byte(sampleReport), 0644))

	s, err := r.Report(context.Background(), "run_1_stale", "add")
	require.NoError(t, err)
	assert.Equal(t, Empty(), s)
}

func TestPatch(t *testing.T) {
	r, _ := newReporter(t, "true")

	patch, err := r.Patch(context.Background(), "run_1_abcd", "add", "from your_module import add\n\ndef test_add():\n    assert add(1, 2) == 3\n")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(patch, "diff --git a/experiments/run_1_abcd/test_add.py b/experiments/run_1_abcd/test_add.py\n"))
	for _, want := range []string{
		"new file mode 100644\n",
		"--- /dev/null\n",
		"+++ b/experiments/run_1_abcd/test_add.py\n",
		"@@ -0,0 +1,4 @@\n",
		"+from your_module import add\n",
		"+\n",
		"+    assert add(1, 2) == 3\n",
	} {
		assert.Contains(t, patch, want)
	}

	files, err := ChangedFiles(patch)
	require.NoError(t, err)
	assert.Equal(t, []string{"experiments/run_1_abcd/test_add.py"}, files)
}

func TestPatch_EmptySuite(t *testing.T) {
	r, _ := newReporter(t, "true")

	patch, err := r.Patch(context.Background(), "run_1_abcd", "add", "")
	require.NoError(t, err)
	assert.Empty(t, patch)
}

func TestChangedFiles_Empty(t *testing.T) {
	files, err := ChangedFiles("  ")
	require.NoError(t, err)
	assert.Empty(t, files)
}
