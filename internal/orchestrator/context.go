package orchestrator

import (
	"context"
	"sync"
)

// Progress is an opaque progress report forwarded to the item's sink.
type Progress struct {
	Stage      Stage
	Message    string
	BytesDone  int64
	BytesTotal int64
}

// ProgressFunc receives progress reports. It is called on the worker goroutine
// running the command and must not block.
type ProgressFunc func(Progress)

// ItemContext is the execution state of one queue item. Termination is
// monotonic: the first Terminate or Cancel wins and later calls are ignored.
type ItemContext struct {
	mu         sync.Mutex
	terminated bool
	status     error
	reason     CancelReason
	cancelled  bool
	progress   ProgressFunc
	values     map[string]any
	bound      bool

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewItemContext returns a fresh context. The context.Context handed to
// commands derives from parent and is cancelled on termination; a nil parent
// means context.Background.
func NewItemContext(parent context.Context) *ItemContext {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &ItemContext{ctx: ctx, cancel: cancel, values: make(map[string]any)}
}

// Terminate records err as the item's final status. Only the first call has an
// effect. A nil err is recorded as ErrAborted.
func (c *ItemContext) Terminate(err error) {
	c.terminate(err, nil)
}

// Cancel terminates the item with the status reason translates to.
func (c *ItemContext) Cancel(reason CancelReason) {
	c.terminate(TranslateReason(reason), &reason)
}

func (c *ItemContext) terminate(err error, reason *CancelReason) {
	if err == nil {
		err = ErrAborted
	}
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	c.status = err
	if reason != nil {
		c.reason = *reason
		c.cancelled = true
	}
	c.mu.Unlock()
	c.cancel(err)
}

// IsTerminated reports whether Terminate or Cancel has been called.
func (c *ItemContext) IsTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// TerminationStatus returns the first recorded status, or nil when the item
// was never terminated.
func (c *ItemContext) TerminationStatus() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// CancelReason returns the reason passed to the winning Cancel call. ok is
// false when the item was not terminated through Cancel.
func (c *ItemContext) CancelReason() (reason CancelReason, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason, c.cancelled
}

// Context returns the context.Context cancelled when the item terminates.
func (c *ItemContext) Context() context.Context {
	return c.ctx
}

// SetProgressSink installs fn as the progress receiver.
func (c *ItemContext) SetProgressSink(fn ProgressFunc) {
	c.mu.Lock()
	c.progress = fn
	c.mu.Unlock()
}

// ReportProgress forwards p to the progress sink, if any.
func (c *ItemContext) ReportProgress(p Progress) {
	c.mu.Lock()
	fn := c.progress
	c.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// Set stores a value for later commands of the same item.
func (c *ItemContext) Set(key string, value any) {
	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()
}

// Value returns a value stored with Set.
func (c *ItemContext) Value(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// StringValue returns a string stored with Set, or "" if absent or not a string.
func (c *ItemContext) StringValue(key string) string {
	v, _ := c.Value(key)
	s, _ := v.(string)
	return s
}

func (c *ItemContext) bind() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bound {
		return false
	}
	c.bound = true
	return true
}

// release frees the derived context's resources once the item is final.
func (c *ItemContext) release() {
	c.cancel(context.Canceled)
}
