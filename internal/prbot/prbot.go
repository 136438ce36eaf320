package prbot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/marianellas/veritas/internal/coverage"
	"github.com/marianellas/veritas/internal/domain"
	"github.com/marianellas/veritas/internal/workspace"
)

const prBodyTemplate = `## Summary
Adds generated pytest tests for %s.

## Coverage
- Lines: %d%%
- Branches: %d%%
- Functions: %d%%

## Changes
%s
%s
---
Generated by veritas (run %s)
`

// Config holds the tools and identity used to open pull requests
type Config struct {
	// TokenEnv names the environment variable holding the GitHub token
	TokenEnv    string
	Git         string
	GH          string
	AuthorName  string
	AuthorEmail string
}

// DefaultConfig returns the git and gh setup used when nothing is configured
func DefaultConfig() Config {
	return Config{
		TokenEnv:    "GITHUB_TOKEN",
		Git:         "git",
		GH:          "gh",
		AuthorName:  "veritas",
		AuthorEmail: "veritas@localhost",
	}
}

// CommandFunc runs name with args in dir and returns its combined output
type CommandFunc func(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

// PRBot opens pull requests carrying a run's generated suite
type PRBot struct {
	cfg        Config
	workspaces *workspace.Manager
	logger     *slog.Logger
	run        CommandFunc
	getenv     func(string) string
}

// NewPRBot creates a new PRBot
func NewPRBot(cfg Config, workspaces *workspace.Manager, logger *slog.Logger) *PRBot {
	def := DefaultConfig()
	if cfg.TokenEnv == "" {
		cfg.TokenEnv = def.TokenEnv
	}
	if cfg.Git == "" {
		cfg.Git = def.Git
	}
	if cfg.GH == "" {
		cfg.GH = def.GH
	}
	if cfg.AuthorName == "" {
		cfg.AuthorName = def.AuthorName
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = def.AuthorEmail
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PRBot{
		cfg:        cfg,
		workspaces: workspaces,
		logger:     logger.With("component", "prbot"),
		run:        execCommand,
		getenv:     os.Getenv,
	}
}

// Title returns the pull request title for a function
func Title(functionName string) string {
	return "test: add generated tests for " + functionName
}

// BuildPRBody constructs the PR body
func BuildPRBody(req domain.PRRequest, changedFiles []string, note string) string {
	changes := "- (no files)"
	if len(changedFiles) > 0 {
		changes = "- " + strings.Join(changedFiles, "\n- ")
	}
	if note != "" {
		note = "\n> " + note + "\n"
	}
	return fmt.Sprintf(prBodyTemplate,
		req.FunctionName,
		req.Coverage.LinePct,
		req.Coverage.BranchPct,
		req.Coverage.FunctionPct,
		changes,
		note,
		req.RunID,
	)
}

// BranchName returns the head branch pushed for a run
func BranchName(runID string) string {
	return "veritas/" + runID
}

// OpenPR pushes the run's patch to a new branch and opens a pull request.
// It never fails on missing configuration or tool errors: the descriptor is
// returned with a nil URL and the reason in its body.
func (p *PRBot) OpenPR(ctx context.Context, req domain.PRRequest) (*domain.PRInfo, error) {
	changed, err := coverage.ChangedFiles(req.Diff)
	if err != nil {
		p.logger.Warn("could not parse patch", "run_id", req.RunID, "error", err)
	}

	info := &domain.PRInfo{
		Title:        Title(req.FunctionName),
		ChangedFiles: changed,
	}
	if info.ChangedFiles == nil {
		info.ChangedFiles = []string{}
	}

	degrade := func(reason string) (*domain.PRInfo, error) {
		info.Body = BuildPRBody(req, info.ChangedFiles, reason)
		return info, nil
	}

	if req.RepoURL == "" {
		return degrade("No repository URL provided, pull request was not opened.")
	}
	token := p.getenv(p.cfg.TokenEnv)
	if token == "" {
		return degrade(fmt.Sprintf("%s is not set, pull request was not opened.", p.cfg.TokenEnv))
	}
	if req.Diff == "" {
		return degrade("The run produced no patch, pull request was not opened.")
	}

	info.Body = BuildPRBody(req, info.ChangedFiles, "")
	url, err := p.push(ctx, req, info, token)
	if err != nil {
		p.logger.Warn("pull request not opened", "run_id", req.RunID, "error", err)
		return degrade("Pull request could not be opened: " + err.Error())
	}
	info.URL = &url
	return info, nil
}

func (p *PRBot) push(ctx context.Context, req domain.PRRequest, info *domain.PRInfo, token string) (string, error) {
	dir, err := p.workspaces.Ensure(req.RunID)
	if err != nil {
		return "", err
	}
	repoDir := filepath.Join(dir, "repo")
	if err := os.RemoveAll(repoDir); err != nil {
		return "", fmt.Errorf("cleaning clone dir: %w", err)
	}
	patchFile := filepath.Join(dir, "tests.patch")
	if err := os.WriteFile(patchFile, []byte(req.Diff), 0644); err != nil {
		return "", fmt.Errorf("writing patch: %w", err)
	}

	env := []string{
		"GH_TOKEN=" + token,
		"GIT_TERMINAL_PROMPT=0",
		"GIT_AUTHOR_NAME=" + p.cfg.AuthorName,
		"GIT_AUTHOR_EMAIL=" + p.cfg.AuthorEmail,
		"GIT_COMMITTER_NAME=" + p.cfg.AuthorName,
		"GIT_COMMITTER_EMAIL=" + p.cfg.AuthorEmail,
	}
	branch := BranchName(req.RunID)

	steps := []struct {
		dir  string
		name string
		args []string
	}{
		{dir, p.cfg.Git, []string{"clone", "--depth", "1", "--branch", req.Branch, req.RepoURL, repoDir}},
		{repoDir, p.cfg.Git, []string{"checkout", "-b", branch}},
		{repoDir, p.cfg.Git, []string{"apply", "--index", patchFile}},
		{repoDir, p.cfg.Git, []string{"commit", "-m", info.Title}},
		{repoDir, p.cfg.Git, []string{"push", "-u", "origin", branch}},
	}
	for _, s := range steps {
		if out, err := p.run(ctx, s.dir, env, s.name, s.args...); err != nil {
			return "", fmt.Errorf("%s %s: %s: %w", s.name, s.args[0], strings.TrimSpace(string(out)), err)
		}
	}

	out, err := p.run(ctx, repoDir, env, p.cfg.GH, "pr", "create",
		"--title", info.Title,
		"--body", info.Body,
		"--base", req.Branch,
		"--head", branch,
	)
	if err != nil {
		return "", fmt.Errorf("gh pr create: %s: %w", strings.TrimSpace(string(out)), err)
	}

	url := lastLine(string(out))
	if !strings.HasPrefix(url, "http") {
		return "", fmt.Errorf("gh pr create: unexpected output %q", url)
	}
	return url, nil
}

// lastLine returns the final non-empty line; gh prints the PR URL last
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
