package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/marianellas/veritas/internal/domain"
)

// EventMsg delivers one event of the followed run
type EventMsg domain.Event

// StreamEndMsg is sent when the event stream stops
type StreamEndMsg struct {
	Err error
}

// CancelResultMsg reports the outcome of a cancel request
type CancelResultMsg struct {
	Err error
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.scroll = 0
		case "shift+tab":
			m.activeTab = (m.activeTab + tabCount - 1) % tabCount
			m.scroll = 0
		case "1", "2", "3", "4":
			m.activeTab = Tab(msg.String()[0] - '1')
			m.scroll = 0
		case "j", "down":
			m.scroll++
		case "k", "up":
			if m.scroll > 0 {
				m.scroll--
			}
		case "c":
			if m.cancel != nil && !m.done && !m.cancelSent {
				m.cancelSent = true
				return m, cancelCmd(m.cancel)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		m.lastRefresh = time.Time(msg)
		if m.done {
			return m, nil
		}
		return m, tickCmd()

	case EventMsg:
		m.apply(domain.Event(msg))

	case StreamEndMsg:
		if msg.Err != nil {
			m.err = msg.Err
		}
		return m, nil

	case CancelResultMsg:
		if msg.Err != nil {
			m.err = msg.Err
			m.cancelSent = false
		}
	}

	return m, nil
}

func (m *Model) apply(ev domain.Event) {
	if ev.Data != nil {
		m.run = ev.Data
	}
	switch ev.Type {
	case domain.EventLog:
		m.logs = append(m.logs, LogLine{Time: ev.Timestamp, Step: ev.Step, Message: ev.Message})
	case domain.EventRunComplete:
		m.done = true
	}
}

func cancelCmd(cancel func() error) tea.Cmd {
	return func() tea.Msg {
		return CancelResultMsg{Err: cancel()}
	}
}
