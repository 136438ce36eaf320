package coverage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/marianellas/veritas/internal/workspace"
)

// ArtifactPath is where a run's suite is proposed inside the target repository
func (r *Reporter) ArtifactPath(runID, functionName string) string {
	return path.Join(r.cfg.PatchPrefix, runID, workspace.TestFile(functionName))
}

// Patch renders testCode as a git diff adding the suite at ArtifactPath.
// An empty suite yields an empty patch.
func (r *Reporter) Patch(ctx context.Context, runID, functionName, testCode string) (string, error) {
	if _, err := r.workspaces.Dir(runID); err != nil {
		return "", err
	}
	return NewFilePatch(r.ArtifactPath(runID, functionName), testCode)
}

// NewFilePatch builds a single-hunk diff creating name with content
func NewFilePatch(name, content string) (string, error) {
	if content == "" {
		return "", nil
	}

	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	var body strings.Builder
	for _, line := range lines {
		body.WriteString("+")
		body.WriteString(strings.TrimRight(line, " \t\r"))
		body.WriteString("\n")
	}

	fd := &diff.FileDiff{
		OrigName: "/dev/null",
		NewName:  "b/" + name,
		Extended: []string{
			fmt.Sprintf("diff --git a/%s b/%s", name, name),
			"new file mode 100644",
		},
		Hunks: []*diff.Hunk{{
			OrigStartLine: 0,
			OrigLines:     0,
			NewStartLine:  1,
			NewLines:      int32(len(lines)),
			Body:          []byte(body.String()),
		}},
	}

	out, err := diff.PrintFileDiff(fd)
	if err != nil {
		return "", fmt.Errorf("rendering patch: %w", err)
	}
	return string(out), nil
}

// ChangedFiles lists the files a multi-file diff touches, without a/ b/ prefixes
func ChangedFiles(patch string) ([]string, error) {
	if strings.TrimSpace(patch) == "" {
		return nil, nil
	}
	fds, err := diff.ParseMultiFileDiff([]byte(patch))
	if err != nil {
		return nil, fmt.Errorf("parsing patch: %w", err)
	}

	files := make([]string, 0, len(fds))
	for _, fd := range fds {
		name := fd.NewName
		if name == "/dev/null" || name == "" {
			name = fd.OrigName
		}
		files = append(files, strings.TrimPrefix(strings.TrimPrefix(name, "b/"), "a/"))
	}
	return files, nil
}
