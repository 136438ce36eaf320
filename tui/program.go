package tui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/marianellas/veritas/internal/domain"
)

// RunSource is what the TUI needs to follow a run
type RunSource interface {
	Get(ctx context.Context, id string) (*domain.Run, error)
	Cancel(ctx context.Context, id string) (*domain.Run, error)
	Stream(ctx context.Context, id string, from int, send func(domain.Event) error) error
}

// Follow shows the run in a full-screen view until the user quits. It
// returns the last snapshot received.
func Follow(ctx context.Context, src RunSource, runID string, opts ...tea.ProgramOption) (*domain.Run, error) {
	run, err := src.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	model := NewModel(ModelConfig{
		RunID: runID,
		Run:   run,
		Cancel: func() error {
			_, err := src.Cancel(ctx, runID)
			return err
		},
	})
	p := tea.NewProgram(model, append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)...)

	go func() {
		err := src.Stream(ctx, runID, 0, func(ev domain.Event) error {
			p.Send(EventMsg(ev))
			return nil
		})
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		p.Send(StreamEndMsg{Err: err})
	}()

	final, err := p.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return nil, err
	}
	if m, ok := final.(Model); ok && m.Run() != nil {
		return m.Run(), nil
	}
	return run, nil
}
