// Package notify announces finished runs on the desktop and in Slack.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/marianellas/veritas/internal/domain"
)

// NotificationType represents the severity of a notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string // Optional run reference
	PRURL   string // Optional PR URL
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// FromRun builds the notification for a run that reached a terminal status
func FromRun(run *domain.Run) Notification {
	n := Notification{RunID: run.ID}

	switch run.Status {
	case domain.RunSuccess:
		n.Type = NotifySuccess
		n.Title = fmt.Sprintf("Tests ready for %s", run.FunctionName)
		n.Message = fmt.Sprintf("%d%% line coverage, %d iteration(s)",
			run.CoverageSummary.LinePct, run.IterationsUsed)
		if !run.TestRunOutput.Passed() {
			n.Type = NotifyWarning
			n.Message += ", tests still failing"
		}
	case domain.RunFailed:
		n.Type = NotifyError
		n.Title = fmt.Sprintf("Run failed for %s", run.FunctionName)
		n.Message = "pipeline stopped"
		for _, s := range run.Steps {
			if s.Status == domain.StepFail {
				n.Message = fmt.Sprintf("%s: %s", s.Name, s.Error)
				break
			}
		}
	case domain.RunCancelled:
		n.Type = NotifyInfo
		n.Title = fmt.Sprintf("Run cancelled for %s", run.FunctionName)
		n.Message = run.ID
	default:
		n.Title = fmt.Sprintf("Run %s for %s", run.Status, run.FunctionName)
	}

	if run.PR != nil && run.PR.URL != nil {
		n.PRURL = *run.PR.URL
	}
	return n
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers and joins their errors
func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(ctx context.Context, n Notification) error { return nil }
