// Package runner executes generated pytest suites inside a run's workspace.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/marianellas/veritas/internal/domain"
	"github.com/marianellas/veritas/internal/workspace"
)

// TimeoutMessage is reported as stderr when a suite exceeds its time budget
const TimeoutMessage = "Test execution timed out"

// Config controls how suites are executed
type Config struct {
	// Command is the test runner invocation, e.g. ["python3", "-m", "pytest"]
	Command []string
	// Args follow the test file name
	Args    []string
	Timeout time.Duration
}

// DefaultConfig returns the pytest invocation used when nothing is configured
func DefaultConfig() Config {
	return Config{
		Command: []string{"python3", "-m", "pytest"},
		Args:    []string{"-v", "--tb=short"},
		Timeout: 30 * time.Second,
	}
}

// Runner writes a run's files and executes its suite
type Runner struct {
	cfg        Config
	workspaces *workspace.Manager
	logger     *slog.Logger
}

// New creates a Runner
func New(cfg Config, workspaces *workspace.Manager, logger *slog.Logger) *Runner {
	if len(cfg.Command) == 0 {
		cfg.Command = DefaultConfig().Command
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, workspaces: workspaces, logger: logger.With("component", "runner")}
}

// Run writes the module and suite into the run's workspace and executes the
// suite. Timeouts and start failures are reported as a non-zero exit; only
// workspace failures return an error.
func (r *Runner) Run(ctx context.Context, testCode, code, functionName, runID string) (domain.TestRunOutput, error) {
	dir, err := r.workspaces.Ensure(runID)
	if err != nil {
		return domain.TestRunOutput{}, err
	}

	files := map[string]string{
		workspace.ModuleFile:             code,
		workspace.TestFile(functionName): testCode,
		workspace.InitFile:               "",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			return domain.TestRunOutput{}, fmt.Errorf("writing %s: %w", name, err)
		}
	}

	args := append([]string{workspace.TestFile(functionName)}, r.cfg.Args...)
	out := Exec(ctx, dir, r.cfg.Command, args, r.cfg.Timeout)
	r.logger.Debug("suite finished", "run_id", runID, "exit_code", out.ExitCode)
	return out, nil
}

// Exec runs command+args in dir with a hard timeout and captures its output.
// It never fails: every problem is folded into a non-zero exit code.
func Exec(ctx context.Context, dir string, command, args []string, timeout time.Duration) domain.TestRunOutput {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := append(append([]string{}, command[1:]...), args...)
	cmd := exec.CommandContext(ctx, command[0], argv...)
	cmd.Dir = dir
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.TestRunOutput{Stderr: TimeoutMessage, ExitCode: 1}
	}

	out := domain.TestRunOutput{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && exitErr.ExitCode() > 0:
		out.ExitCode = exitErr.ExitCode()
	default:
		out.Stdout = ""
		out.Stderr = err.Error()
		out.ExitCode = 1
	}
	return out
}
