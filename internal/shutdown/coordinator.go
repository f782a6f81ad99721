package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"stevedore/internal/logging"
	"stevedore/internal/orchestrator"
)

// Component takes part in the three-phase shutdown sequence. Every registered
// component finishes BlockNewWork before any BeginShutdown starts, and every
// BeginShutdown finishes before any Wait.
type Component interface {
	Name() string
	BlockNewWork(reason orchestrator.CancelReason)
	BeginShutdown(reason orchestrator.CancelReason)
	Wait(ctx context.Context) error
}

// Coordinator runs the shutdown sequence once across registered components.
type Coordinator struct {
	logger *slog.Logger

	mu         sync.Mutex
	components []Component
	signalled  bool
	reason     orchestrator.CancelReason
	err        error

	once sync.Once
	done chan struct{}
}

// NewCoordinator returns a coordinator with no components.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		logger: logging.NewComponentLogger(logger, "shutdown"),
		done:   make(chan struct{}),
	}
}

// Register adds c. Components registered after Signal are ignored.
func (s *Coordinator) Register(c Component) {
	if c == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signalled {
		return
	}
	s.components = append(s.components, c)
}

// Signal starts the shutdown sequence on its own goroutine. Only the first
// call has an effect.
func (s *Coordinator) Signal(reason orchestrator.CancelReason) {
	s.once.Do(func() {
		s.mu.Lock()
		s.signalled = true
		s.reason = reason
		components := append([]Component(nil), s.components...)
		s.mu.Unlock()
		go s.run(reason, components)
	})
}

// Done is closed when the sequence has finished.
func (s *Coordinator) Done() <-chan struct{} {
	return s.done
}

// Reason returns the reason passed to the first Signal call.
func (s *Coordinator) Reason() (orchestrator.CancelReason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.signalled
}

// Err returns the joined Wait errors once Done is closed.
func (s *Coordinator) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Shutdown signals reason and blocks until the sequence finishes or ctx ends.
func (s *Coordinator) Shutdown(ctx context.Context, reason orchestrator.CancelReason) error {
	s.Signal(reason)
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Coordinator) run(reason orchestrator.CancelReason, components []Component) {
	defer close(s.done)
	s.logger.Info("shutdown started",
		logging.String("reason", reason.String()),
		logging.Int("components", len(components)),
		logging.String(logging.FieldEventType, "shutdown_started"),
	)

	for _, c := range components {
		c.BlockNewWork(reason)
	}
	for _, c := range components {
		c.BeginShutdown(reason)
	}
	var errs []error
	for _, c := range components {
		if err := c.Wait(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}

	err := errors.Join(errs...)
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	if err != nil {
		logging.WarnWithContext(s.logger, "shutdown finished with errors", "shutdown_incomplete",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "some work may still have been running at exit"),
		)
		return
	}
	s.logger.Info("shutdown complete", logging.String(logging.FieldEventType, "shutdown_complete"))
}

// ReasonForSignal maps an OS signal to a cancel reason.
func ReasonForSignal(sig os.Signal) orchestrator.CancelReason {
	if sig == os.Interrupt {
		return orchestrator.CancelCtrlCSignal
	}
	return orchestrator.CancelAppShutdown
}

// Listen signals s on SIGINT or SIGTERM until ctx ends. The returned function
// stops listening.
func Listen(ctx context.Context, s *Coordinator) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			s.logger.Info("received signal", logging.String("signal", sig.String()))
			s.Signal(ReasonForSignal(sig))
		case <-ctx.Done():
		}
	}()
	return cancel
}
