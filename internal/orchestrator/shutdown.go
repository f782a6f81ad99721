package orchestrator

import (
	"context"
	"time"

	"stevedore/internal/logging"
)

// ShutdownComponent adapts the orchestrator to the three-phase shutdown
// sequence: stop intake, drop queued work, then wait for running work.
type ShutdownComponent struct {
	o            *Orchestrator
	drainTimeout time.Duration
}

// ShutdownComponent returns the orchestrator's shutdown participant. A
// positive drainTimeout caps how long Wait blocks.
func (o *Orchestrator) ShutdownComponent(drainTimeout time.Duration) *ShutdownComponent {
	return &ShutdownComponent{o: o, drainTimeout: drainTimeout}
}

// Name identifies the component in shutdown logs.
func (c *ShutdownComponent) Name() string { return "orchestrator" }

// BlockNewWork disables the orchestrator.
func (c *ShutdownComponent) BlockNewWork(reason CancelReason) {
	c.o.Disable(reason)
}

// BeginShutdown cancels everything still queued.
func (c *ShutdownComponent) BeginShutdown(reason CancelReason) {
	c.o.CancelQueuedItems(reason)
}

// Wait blocks until running items finish, ctx is done, or the drain timeout
// elapses.
func (c *ShutdownComponent) Wait(ctx context.Context) error {
	if c.drainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.drainTimeout)
		defer cancel()
	}
	if err := c.o.Wait(ctx); err != nil {
		logging.WarnWithContext(c.o.logger, "running items did not drain before shutdown", "drain_timeout",
			logging.String("status", c.o.StatusString()),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "increase orchestrator.drain_timeout_seconds"),
		)
		return err
	}
	return nil
}
