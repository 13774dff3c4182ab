// Package undo records compensating actions for a staged operation and
// runs them in reverse order when the operation fails.
package undo

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

// Compensation reverses the effect of one completed step.
type Compensation func(ctx context.Context) error

type entry struct {
	name string
	fn   Compensation
}

// Ledger is an ordered list of compensations. A Ledger belongs to a single
// operation run and is discarded at the end of it.
type Ledger struct {
	mu      sync.Mutex
	entries []entry
	log     logr.Logger
}

// New creates an empty Ledger.
func New(log logr.Logger) *Ledger {
	return &Ledger{log: log}
}

// Register appends a compensation. A step may register several.
func (l *Ledger) Register(name string, fn Compensation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry{name: name, fn: fn})
}

// Len returns the number of pending compensations.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Commit drops all pending compensations without running them.
func (l *Ledger) Commit() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// Unwind runs every pending compensation, most recent first, and clears the
// ledger. A failing compensation is logged and the unwind continues. It
// returns the number of compensations that failed. Compensations still run
// when ctx has been cancelled.
func (l *Ledger) Unwind(ctx context.Context) int {
	ctx = context.WithoutCancel(ctx)
	l.mu.Lock()
	entries := l.entries
	l.entries = nil
	l.mu.Unlock()

	failed := 0
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if err := e.fn(ctx); err != nil {
			failed++
			l.log.Error(err, "compensation failed", "compensation", e.name)
			continue
		}
		l.log.V(1).Info("compensation applied", "compensation", e.name)
	}
	return failed
}

// Rollback unwinds the ledger and returns a RollbackError carrying cause.
func (l *Ledger) Rollback(ctx context.Context, operation, step string, cause error) error {
	l.log.Info("rolling back", "operation", operation, "step", step, "error", cause.Error())
	failed := l.Unwind(ctx)
	return &RollbackError{
		Operation: operation,
		Step:      step,
		Cause:     cause,
		Failed:    failed,
	}
}

// RollbackError marks an operation failure whose partial effects were
// compensated. Unwrap returns the original failure.
type RollbackError struct {
	Operation string
	Step      string
	Cause     error
	// Failed is the number of compensations that returned an error.
	Failed int
}

func (e *RollbackError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("%s failed, rolled back: %v", e.Operation, e.Cause)
	}
	return fmt.Sprintf("%s failed at %s, rolled back: %v", e.Operation, e.Step, e.Cause)
}

func (e *RollbackError) Unwrap() error {
	return e.Cause
}
