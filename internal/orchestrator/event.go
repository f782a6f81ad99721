package orchestrator

import (
	"context"
	"sync"
	"time"
)

// Event is a one-shot signal. Set may be called any number of times; only the
// first call has an effect and waiters are released exactly once.
type Event struct {
	once sync.Once
	ch   chan struct{}
}

// NewEvent returns an unset event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set fires the event.
func (e *Event) Set() {
	e.once.Do(func() { close(e.ch) })
}

// Done returns a channel closed once the event fires.
func (e *Event) Done() <-chan struct{} {
	return e.ch
}

// IsSet reports whether the event has fired.
func (e *Event) IsSet() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the event fires or timeout elapses and reports whether it
// fired. A non-positive timeout checks without blocking.
func (e *Event) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		return e.IsSet()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.ch:
		return true
	case <-timer.C:
		return e.IsSet()
	}
}

// WaitContext blocks until the event fires or ctx is done.
func (e *Event) WaitContext(ctx context.Context) error {
	select {
	case <-e.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
