package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/marianellas/veritas/internal/domain"
)

// Tab selects the content pane
type Tab int

const (
	TabSteps Tab = iota
	TabLog
	TabTests
	TabCoverage
	tabCount
)

var tabNames = []string{"Steps", "Log", "Tests", "Coverage"}

// LogLine is one rendered entry of the run's log
type LogLine struct {
	Time    time.Time
	Step    domain.StepName
	Message string
}

// Model is the TUI application model for following a single run
type Model struct {
	// Data
	runID string
	run   *domain.Run
	logs  []LogLine
	done  bool
	err   error

	// Actions
	cancel     func() error
	cancelSent bool

	// UI state
	width     int
	height    int
	activeTab Tab
	scroll    int

	started     time.Time
	lastRefresh time.Time
}

// ModelConfig holds initial data for the TUI model
type ModelConfig struct {
	RunID string
	// Run is the snapshot known before streaming starts, may be nil
	Run *domain.Run
	// Cancel is invoked when the user presses c, may be nil
	Cancel func() error
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	m := Model{
		runID:   cfg.RunID,
		run:     cfg.Run,
		cancel:  cfg.Cancel,
		started: time.Now(),
	}
	if cfg.Run != nil {
		m.started = cfg.Run.CreatedAt
		m.done = cfg.Run.Status.Terminal()
	}
	return m
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Run returns the latest known snapshot
func (m Model) Run() *domain.Run {
	return m.run
}

// Done reports whether the run reached a terminal status
func (m Model) Done() bool {
	return m.done
}

// TickMsg triggers a refresh
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}
