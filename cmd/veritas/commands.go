package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/marianellas/veritas/internal/app"
	"github.com/marianellas/veritas/internal/config"
	"github.com/marianellas/veritas/internal/domain"
	"github.com/marianellas/veritas/internal/logging"
	"github.com/marianellas/veritas/internal/pipeline"
	"github.com/marianellas/veritas/internal/watch"
	"github.com/marianellas/veritas/tui"
	"github.com/marianellas/veritas/web/api"
)

var (
	servePort int

	runFunction  string
	runOut       string
	runTUI       bool
	runOpts      optionFlags
	historyLimit int
	historyState string
)

// optionFlags mirrors domain.RunOptions on the command line
type optionFlags struct {
	maxIterations int
	style         string
	threshold     int
	edgeCases     []string
	createPR      bool
	repoURL       string
	branch        string
}

func (f *optionFlags) register(cmd *cobra.Command) {
	d := domain.DefaultRunOptions()
	cmd.Flags().IntVar(&f.maxIterations, "max-iterations", d.MaxIterations, "repair attempts including the first test run (1-20)")
	cmd.Flags().StringVar(&f.style, "style", string(d.TestStyle), "test style: unit or property-based")
	cmd.Flags().IntVar(&f.threshold, "coverage-threshold", d.CoverageThreshold, "coverage target in percent")
	cmd.Flags().StringSliceVar(&f.edgeCases, "edge-cases", []string{"empty", "large"}, "edge case categories: none,empty,large,unicode,floats,timezones")
	cmd.Flags().BoolVar(&f.createPR, "create-pr", false, "open a pull request with the generated tests")
	cmd.Flags().StringVar(&f.repoURL, "repo", "", "repository URL for --create-pr")
	cmd.Flags().StringVar(&f.branch, "branch", d.Branch, "base branch for --create-pr")
}

// options converts the flags, rejecting unknown edge case categories
func (f *optionFlags) options() (domain.RunOptions, error) {
	opts := domain.RunOptions{
		MaxIterations:     f.maxIterations,
		TestStyle:         domain.TestStyle(f.style),
		CoverageThreshold: f.threshold,
		CreatePR:          f.createPR,
		RepoURL:           f.repoURL,
		Branch:            f.branch,
	}
	for _, c := range f.edgeCases {
		switch strings.ToLower(strings.TrimSpace(c)) {
		case "":
		case "none":
			opts.EdgeCaseCategories.None = true
		case "empty":
			opts.EdgeCaseCategories.Empty = true
		case "large":
			opts.EdgeCaseCategories.Large = true
		case "unicode":
			opts.EdgeCaseCategories.Unicode = true
		case "floats":
			opts.EdgeCaseCategories.Floats = true
		case "timezones":
			opts.EdgeCaseCategories.Timezones = true
		default:
			return opts, fmt.Errorf("unknown edge case category %q", c)
		}
	}
	return opts, opts.Validate()
}

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the run API server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)

	runCmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Generate and validate tests for a function in FILE",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVarP(&runFunction, "function", "f", "", "function to test")
	runCmd.Flags().StringVarP(&runOut, "out", "o", "", "write the generated tests to this file")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "follow the run in a full-screen view")
	runCmd.MarkFlagRequired("function")
	runOpts.register(runCmd)
	rootCmd.AddCommand(runCmd)

	watchCmd := &cobra.Command{
		Use:   "watch FILE",
		Short: "Regenerate tests whenever FILE is saved",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}
	watchCmd.Flags().StringVarP(&runFunction, "function", "f", "", "function to test")
	watchCmd.Flags().StringVarP(&runOut, "out", "o", "", "write the generated tests to this file")
	watchCmd.MarkFlagRequired("function")
	runOpts.register(watchCmd)
	rootCmd.AddCommand(watchCmd)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs",
		RunE:  runHistory,
	}
	historyCmd.Flags().StringVar(&historyState, "status", "", "filter by status (queued, running, success, failed, cancelled)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of runs")
	rootCmd.AddCommand(historyCmd)
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

// openApp builds the app; owner marks the long-lived process that may fail
// runs left behind by a crash.
func openApp(ctx context.Context, owner bool) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return app.New(ctx, cfg, app.Options{Logger: logger, Recover: owner})
}

func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		a.Logger.Warn("shutdown incomplete", "error", err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer closeApp(a)

	cfg := a.Config
	if servePort != 0 {
		cfg.Web.Port = servePort
	}

	server := api.NewServer(a.Service, api.Config{
		Addr:           cfg.Addr(),
		AllowedOrigins: cfg.Web.AllowedOrigins,
	}, a.Registry, a.Logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	if a.Reaper != nil {
		g.Go(func() error { return a.Reaper.Run(ctx) })
	}

	fmt.Printf("Serving run API at http://%s\n", cfg.Addr())
	return g.Wait()
}

func submission(path string) (pipeline.Submission, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return pipeline.Submission{}, err
	}
	opts, err := runOpts.options()
	if err != nil {
		return pipeline.Submission{}, err
	}
	return pipeline.Submission{Code: string(code), FunctionName: runFunction, Options: opts}, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sub, err := submission(args[0])
	if err != nil {
		return err
	}

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(a)

	id, err := a.Service.Submit(ctx, sub)
	if err != nil {
		return err
	}

	var run *domain.Run
	if runTUI {
		if run, err = tui.Follow(ctx, a.Service, id); err != nil {
			return err
		}
		if !run.Status.Terminal() {
			// quitting the view abandons the run
			if cancelled, err := a.Service.Cancel(context.Background(), id); err == nil {
				run = cancelled
			} else if run, err = a.Service.Get(context.Background(), id); err != nil {
				return err
			}
		}
	} else {
		p := newPrinter(os.Stdout)
		if run, err = p.follow(ctx, a.Service, id); err != nil {
			if errors.Is(err, context.Canceled) {
				a.Service.Cancel(context.Background(), id)
			}
			return err
		}
	}

	newPrinter(os.Stdout).summary(run)
	if err := writeTests(runOut, run); err != nil {
		return err
	}
	if run.Status != domain.RunSuccess {
		return fmt.Errorf("run %s %s", run.ID, run.Status)
	}
	return nil
}

func writeTests(path string, run *domain.Run) error {
	if path == "" || run.GeneratedTests == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(run.GeneratedTests), 0644); err != nil {
		return fmt.Errorf("writing tests: %w", err)
	}
	fmt.Printf("Tests written to %s\n", path)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := submission(args[0]); err != nil {
		return err
	}

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(a)

	changes := make(chan struct{}, 1)
	w, err := watch.NewFileWatcher(args[0], func(string) {
		select {
		case changes <- struct{}{}:
		default:
		}
	}, a.Logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error {
		p := newPrinter(os.Stdout)
		var current string
		trigger := func() {
			if current != "" {
				if _, err := a.Service.Cancel(ctx, current); err == nil {
					p.line(warnStyle.Render("Superseded " + current))
				}
			}
			sub, err := submission(args[0])
			if err != nil {
				p.line(failStyle.Render("Cannot read source: " + err.Error()))
				return
			}
			id, err := a.Service.Submit(ctx, sub)
			if err != nil {
				p.line(failStyle.Render("Submit failed: " + err.Error()))
				return
			}
			current = id
			go func() {
				run, err := p.follow(ctx, a.Service, id)
				if err != nil || run.Status == domain.RunCancelled {
					return
				}
				p.summary(run)
				if err := writeTests(runOut, run); err != nil {
					p.line(failStyle.Render(err.Error()))
				}
			}()
		}

		fmt.Printf("Watching %s (ctrl+c to stop)\n", w.Path())
		trigger()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-changes:
				trigger()
			}
		}
	})
	return g.Wait()
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Retention.Enabled = false

	a, err := app.New(ctx, cfg, app.Options{Logger: logging.Discard()})
	if err != nil {
		return err
	}
	defer closeApp(a)

	runs, err := a.Service.List(ctx, domain.RunFilter{
		Status: domain.RunStatus(historyState),
		Limit:  historyLimit,
	})
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFUNCTION\tSTATUS\tITERATIONS\tLINES\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d%%\t%s\n",
			r.ID, r.FunctionName, r.Status, r.IterationsUsed,
			r.CoverageSummary.LinePct, r.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
