// Package app assembles the store, collaborators and run service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/marianellas/veritas/internal/config"
	"github.com/marianellas/veritas/internal/coverage"
	"github.com/marianellas/veritas/internal/llm"
	"github.com/marianellas/veritas/internal/notify"
	"github.com/marianellas/veritas/internal/pipeline"
	"github.com/marianellas/veritas/internal/prbot"
	"github.com/marianellas/veritas/internal/prompts"
	"github.com/marianellas/veritas/internal/retention"
	"github.com/marianellas/veritas/internal/runner"
	"github.com/marianellas/veritas/internal/runstore"
	"github.com/marianellas/veritas/internal/source"
	"github.com/marianellas/veritas/internal/telemetry"
	"github.com/marianellas/veritas/internal/testgen"
	"github.com/marianellas/veritas/internal/workspace"
)

// Store is a run store that owns resources
type Store interface {
	pipeline.Store
	Close() error
}

// Options override pieces normally derived from configuration
type Options struct {
	Logger *slog.Logger
	// LLM replaces the configured completion client
	LLM llm.Client
	// Recover fails runs a previous process left queued or running. Only the
	// process that owns the store should set it.
	Recover bool
}

// App is a fully wired veritas instance
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      Store
	Service    *pipeline.Service
	Workspaces *workspace.Manager
	Registry   *prometheus.Registry
	// Reaper is nil when retention is disabled
	Reaper *retention.Reaper

	shutdownTracing func(context.Context) error
}

// New builds the application
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{Enabled: cfg.Tracing.Enabled})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	if err := os.MkdirAll(cfg.General.ArtifactsDir, 0755); err != nil {
		return nil, fmt.Errorf("creating artifacts dir: %w", err)
	}
	workspaces := workspace.NewManager(cfg.General.ArtifactsDir)

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	client := opts.LLM
	if client == nil {
		client = newLLM(cfg, logger)
	}

	loader := prompts.DefaultLoader(cfg.General.ProjectRoot)
	gen := testgen.New(client, loader, logger)
	reporter := coverage.NewReporter(coverage.Config{
		Command:     cfg.Coverage.Command,
		Timeout:     cfg.Coverage.Timeout.Duration,
		PatchPrefix: cfg.Coverage.PatchPrefix,
	}, workspaces, logger)

	collab := pipeline.Collaborators{
		Analyzer:  source.NewAnalyzer(),
		Inferrer:  gen,
		Generator: gen,
		Repairer:  gen,
		Executor: runner.New(runner.Config{
			Command: cfg.Runner.Command,
			Args:    cfg.Runner.Args,
			Timeout: cfg.Runner.Timeout.Duration,
		}, workspaces, logger),
		Reporter: reporter,
		PRCreator: prbot.NewPRBot(prbot.Config{
			TokenEnv:    cfg.PR.TokenEnv,
			Git:         cfg.PR.Git,
			GH:          cfg.PR.GH,
			AuthorName:  cfg.PR.AuthorName,
			AuthorEmail: cfg.PR.AuthorEmail,
		}, workspaces, logger),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc := pipeline.NewService(store, collab, pipeline.ServiceConfig{
		MaxParallelRuns: cfg.General.MaxParallelRuns,
		ArtifactsPath: func(runID string) string {
			return path.Join(cfg.Coverage.PatchPrefix, runID)
		},
		Notifier: buildNotifier(cfg),
		Logger:   logger,
		Metrics:  pipeline.NewMetrics(reg),
	})

	a := &App{
		Config:          cfg,
		Logger:          logger,
		Store:           store,
		Service:         svc,
		Workspaces:      workspaces,
		Registry:        reg,
		shutdownTracing: shutdownTracing,
	}

	if cfg.Retention.Enabled {
		a.Reaper, err = retention.NewReaper(retention.Config{
			TTL:      cfg.Retention.TTL.Duration,
			Schedule: cfg.Retention.Schedule,
		}, store, workspaces, logger)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	if opts.Recover {
		if n, err := svc.RecoverInterrupted(ctx); err != nil {
			logger.Warn("could not recover interrupted runs", "error", err)
		} else if n > 0 {
			logger.Info("failed runs interrupted by restart", "count", n)
		}
	}
	return a, nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (Store, error) {
	if cfg.General.DatabasePath == "" {
		logger.Info("using in-memory run store")
		return runstore.NewMemory(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("creating database dir: %w", err)
	}
	store, err := runstore.NewSQLite(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}
	logger.Info("using sqlite run store", "path", cfg.General.DatabasePath)
	return store, nil
}

func newLLM(cfg *config.Config, logger *slog.Logger) llm.Client {
	key := cfg.APIKey()
	if key == "" {
		logger.Warn("no completion API key configured, runs will use fallback tests", "env", cfg.LLM.APIKeyEnv)
		return llm.Unavailable{Reason: cfg.LLM.APIKeyEnv + " is not set"}
	}
	client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:            key,
		Model:             cfg.LLM.Model,
		BaseURL:           cfg.LLM.BaseURL,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		Burst:             cfg.LLM.Burst,
		Timeout:           cfg.LLM.Timeout.Duration,
	}, logger)
	if err != nil {
		logger.Warn("completion client unavailable", "error", err)
		return llm.Unavailable{Reason: err.Error()}
	}
	return client
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

// Close drains in-flight runs, then releases the store and tracer
func (a *App) Close(ctx context.Context) error {
	return errors.Join(
		a.Service.Shutdown(ctx),
		a.Store.Close(),
		a.shutdownTracing(ctx),
	)
}
