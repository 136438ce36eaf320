package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/marianellas/veritas/internal/domain"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	boldStyle = lipgloss.NewStyle().Bold(true)
)

type streamer interface {
	Stream(ctx context.Context, id string, from int, send func(domain.Event) error) error
}

// printer writes a run's progress as plain lines
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) line(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, s)
}

// follow prints events until the run completes and returns the final snapshot
func (p *printer) follow(ctx context.Context, src streamer, id string) (*domain.Run, error) {
	var final *domain.Run
	err := src.Stream(ctx, id, 0, func(ev domain.Event) error {
		if s := formatEvent(ev); s != "" {
			p.line(s)
		}
		if ev.Type == domain.EventRunComplete {
			final = ev.Data
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if final == nil {
		return nil, fmt.Errorf("stream for %s ended without a final snapshot", id)
	}
	return final, nil
}

func formatEvent(ev domain.Event) string {
	ts := dimStyle.Render(ev.Timestamp.Local().Format("15:04:05"))
	switch ev.Type {
	case domain.EventLog:
		return fmt.Sprintf("%s %s %s", ts, dimStyle.Render(fmt.Sprintf("%-16s", ev.Step)), ev.Message)
	case domain.EventStepComplete:
		if ev.Data == nil {
			return ""
		}
		st := ev.Data.Step(ev.Step)
		if st == nil || st.Status != domain.StepFail {
			return ""
		}
		return fmt.Sprintf("%s %s %s", ts, failStyle.Render(fmt.Sprintf("%-16s", ev.Step)), failStyle.Render("failed: "+st.Error))
	}
	return ""
}

func statusStyle(s domain.RunStatus) lipgloss.Style {
	switch s {
	case domain.RunSuccess:
		return okStyle
	case domain.RunFailed:
		return failStyle
	}
	return warnStyle
}

func (p *printer) summary(run *domain.Run) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.out)
	fmt.Fprintf(p.out, "%s %s %s\n", boldStyle.Render("Run"), run.ID, statusStyle(run.Status).Render(string(run.Status)))
	fmt.Fprintf(p.out, "  Function:   %s\n", run.FunctionName)
	if run.InferredSpec != "" {
		fmt.Fprintf(p.out, "  Behavior:   %s\n", run.InferredSpec)
	}
	fmt.Fprintf(p.out, "  Iterations: %d/%d\n", run.IterationsUsed, run.Options.MaxIterations)
	if st := run.Step(domain.StepCoverageReport); st != nil && st.Status == domain.StepSuccess {
		c := run.CoverageSummary
		style := okStyle
		if c.LinePct < run.Options.CoverageThreshold {
			style = warnStyle
		}
		fmt.Fprintf(p.out, "  Coverage:   %s lines, %d%% branches, %d%% functions\n",
			style.Render(fmt.Sprintf("%d%%", c.LinePct)), c.BranchPct, c.FunctionPct)
	}
	if run.ArtifactsPath != "" {
		fmt.Fprintf(p.out, "  Artifacts:  %s\n", run.ArtifactsPath)
	}
	if run.PR != nil {
		if run.PR.URL != nil {
			fmt.Fprintf(p.out, "  PR:         %s\n", *run.PR.URL)
		} else {
			fmt.Fprintf(p.out, "  PR:         %s\n", dimStyle.Render("not opened"))
		}
	}
	for _, st := range run.Steps {
		if st.Status == domain.StepFail {
			fmt.Fprintf(p.out, "  %s %s\n", failStyle.Render(string(st.Name)+":"), st.Error)
		}
	}
}
