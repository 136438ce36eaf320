// Package runstore keeps run records and their append-only event logs.
//
// Two implementations share the same method set: Memory for process-lifetime
// state and SQLite for runs that should survive a restart. Both hand out deep
// copies, so readers never observe a half-applied mutation.
package runstore

import "sync"

// notifier wakes waiters whenever a run changes. Each run has at most one
// pending channel; a change closes it and the next waiter gets a fresh one.
type notifier struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

func newNotifier() *notifier {
	return &notifier{chans: make(map[string]chan struct{})}
}

// wait returns a channel closed on the next change of runID.
// Callers must obtain it before reading state to avoid missing a wakeup.
func (n *notifier) wait(runID string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.chans[runID]
	if !ok {
		ch = make(chan struct{})
		n.chans[runID] = ch
	}
	return ch
}

func (n *notifier) broadcast(runID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.chans[runID]; ok {
		close(ch)
		delete(n.chans, runID)
	}
}
