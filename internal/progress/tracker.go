// Package progress tracks completion of a staged operation as a percentage.
//
// A Tracker counts declared steps (Register) and completed steps (Advance).
// After every advance the current percentage, round(current/total*100), is
// handed to the emit function, which normally persists it on the instance
// record. Steps that are declared but skipped at runtime are still counted
// in the total, so a run that skips conditional steps can finish below 100.
package progress

import (
	"context"
	"math"
	"sync"
)

// EmitFunc receives the percentage after each advance.
type EmitFunc func(ctx context.Context, percent int)

// Tracker holds the step counters of a single operation run.
type Tracker struct {
	mu      sync.Mutex
	current int
	total   int
	emit    EmitFunc
}

// New creates a Tracker. offset pre-declares steps that are not bound to a
// step function (resize uses an offset of 1 for its zeroing report).
func New(emit EmitFunc, offset int) *Tracker {
	if emit == nil {
		emit = func(context.Context, int) {}
	}
	return &Tracker{total: offset, emit: emit}
}

// Register declares one more step.
func (t *Tracker) Register() {
	t.mu.Lock()
	t.total++
	t.mu.Unlock()
}

// Advance marks one step as complete and emits the new percentage.
func (t *Tracker) Advance(ctx context.Context) {
	t.mu.Lock()
	if t.current < t.total {
		t.current++
	}
	pct := percent(t.current, t.total)
	t.mu.Unlock()

	t.emit(ctx, pct)
}

// Set emits an explicit step/total pair, used to zero a run or to mark a
// run whose steps are not counted as finished.
func (t *Tracker) Set(ctx context.Context, step, total int) {
	t.mu.Lock()
	t.current, t.total = step, total
	pct := percent(step, total)
	t.mu.Unlock()

	t.emit(ctx, pct)
}

// Percent returns the current percentage without emitting.
func (t *Tracker) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return percent(t.current, t.total)
}

// Current returns the number of completed steps.
func (t *Tracker) Current() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Total returns the number of declared steps.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

func percent(current, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(current) / float64(total) * 100))
}
