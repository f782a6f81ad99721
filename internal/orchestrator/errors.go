package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrAborted is the status every cancellation reason translates to.
	ErrAborted = errors.New("operation aborted")
	// ErrDisabled is returned by EnqueueAndRunItem once Disable has been called.
	ErrDisabled = errors.New("orchestrator disabled")
	// ErrQueueClosed is returned when enqueueing into a closed stage queue.
	ErrQueueClosed = errors.New("stage queue closed")
	// ErrNoCommands rejects items that have nothing to run.
	ErrNoCommands = errors.New("queue item has no commands")
	// ErrItemNotFound is returned when a handle does not name an active item.
	ErrItemNotFound = errors.New("queue item not found")
	// ErrAlreadySubmitted rejects a second submission of the same item.
	ErrAlreadySubmitted = errors.New("queue item already submitted")
)

// CancelReason records why an item or the orchestrator was cancelled.
type CancelReason int

const (
	// CancelAbort is an explicit user or API request.
	CancelAbort CancelReason = iota
	// CancelCtrlCSignal is an interactive interrupt.
	CancelCtrlCSignal
	// CancelAppShutdown is a process or system shutdown.
	CancelAppShutdown
)

func (r CancelReason) String() string {
	switch r {
	case CancelAbort:
		return "abort"
	case CancelCtrlCSignal:
		return "ctrl-c"
	case CancelAppShutdown:
		return "app-shutdown"
	default:
		return fmt.Sprintf("cancel-reason(%d)", int(r))
	}
}

// TerminationError is the status recorded by Cancel. It unwraps to ErrAborted
// so callers can test errors.Is(err, ErrAborted) regardless of reason.
type TerminationError struct {
	Reason CancelReason
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("%s (%s)", ErrAborted.Error(), e.Reason)
}

func (e *TerminationError) Unwrap() error { return ErrAborted }

// Aborted marks the error as a cancellation for result classification.
func (e *TerminationError) Aborted() bool { return true }

// TranslateReason maps a cancel reason to the termination status it produces.
func TranslateReason(reason CancelReason) error {
	return &TerminationError{Reason: reason}
}

func disabledError(reason CancelReason) error {
	return fmt.Errorf("%w: %w", ErrDisabled, TranslateReason(reason))
}
