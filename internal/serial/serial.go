// Package serial provides the single logical execution context that session
// state machines run on. Every task, timer callback and state transition of
// one owner runs on one Executor, one at a time, so the owner needs no
// internal locking.
package serial

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("serial: executor closed")

// Executor runs submitted tasks one at a time in submission order.
type Executor interface {
	// Submit queues fn. It reports false when the executor no longer runs
	// tasks; fn is then dropped.
	Submit(fn func()) bool
	// AfterFunc runs fn on the executor once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
	// Every runs fn on the executor each time d elapses until cancelled.
	Every(d time.Duration, fn func()) Timer
	Now() time.Time
}

// Timer is a pending single-shot or periodic callback.
type Timer interface {
	// Cancel stops future firings. Cancelling a fired or cancelled timer is
	// a no-op. A cancel issued on the executor is guaranteed to win over a
	// firing that has not started yet.
	Cancel()
}

// Call runs fn on e and waits for it. It must not be called from a task
// already running on e.
func Call(ctx context.Context, e Executor, fn func()) error {
	done := make(chan struct{})
	if !e.Submit(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels t when it is set. Callers keep timer fields nil when idle.
func Stop(t Timer) {
	if t != nil {
		t.Cancel()
	}
}
