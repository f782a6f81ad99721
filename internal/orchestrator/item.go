package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"stevedore/internal/logging"
	"stevedore/internal/services"
)

// ItemID identifies the package an item operates on. It is informational
// only: two items with the same ID are independent.
type ItemID struct {
	PackageID string
	SourceID  string
}

func (id ItemID) String() string {
	if id.SourceID == "" {
		return id.PackageID
	}
	return id.SourceID + "/" + id.PackageID
}

// OperationType is the user-level operation an item performs.
type OperationType string

const (
	OperationInstall   OperationType = "install"
	OperationUpgrade   OperationType = "upgrade"
	OperationUninstall OperationType = "uninstall"
	OperationDownload  OperationType = "download"
	OperationRepair    OperationType = "repair"
)

// ParseOperationType validates a user-supplied operation name.
func ParseOperationType(value string) (OperationType, error) {
	switch op := OperationType(value); op {
	case OperationInstall, OperationUpgrade, OperationUninstall, OperationDownload, OperationRepair:
		return op, nil
	default:
		return "", fmt.Errorf("%w: unknown operation %q", services.ErrValidation, value)
	}
}

// ItemState is the coarse lifecycle position of an item.
type ItemState string

const (
	StatePending   ItemState = "pending"
	StateQueued    ItemState = "queued"
	StateRunning   ItemState = "running"
	StateCompleted ItemState = "completed"
)

// QueueItem is one request flowing through the pipeline. Commands run in the
// order added. Only the worker currently holding the item advances it.
type QueueItem struct {
	handle    string
	id        ItemID
	operation OperationType
	ic        *ItemContext
	commands  []Command
	index     int
	created   time.Time

	completed    *Event
	finalizeOnce sync.Once
	onFinalize   func(*QueueItem)

	mu        sync.Mutex
	submitted bool
	state     ItemState
	stage     Stage
}

// NewQueueItem binds ic to a new item. A nil ic gets a fresh context. Passing
// an ItemContext that already belongs to another item panics.
func NewQueueItem(id ItemID, ic *ItemContext, op OperationType) *QueueItem {
	if ic == nil {
		ic = NewItemContext(context.Background())
	}
	if !ic.bind() {
		panic("orchestrator: ItemContext already bound to a queue item")
	}
	return &QueueItem{
		handle:    uuid.NewString(),
		id:        id,
		operation: op,
		ic:        ic,
		created:   time.Now(),
		completed: NewEvent(),
		state:     StatePending,
	}
}

// AddCommand appends cmd. Commands cannot be added once the item is submitted.
func (q *QueueItem) AddCommand(cmd Command) error {
	if cmd == nil {
		return fmt.Errorf("%w: nil command", services.ErrValidation)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.submitted {
		return ErrAlreadySubmitted
	}
	q.commands = append(q.commands, cmd)
	return nil
}

// Handle returns the unique identifier assigned at construction.
func (q *QueueItem) Handle() string { return q.handle }

// ID returns the package identity.
func (q *QueueItem) ID() ItemID { return q.id }

// Operation returns the operation type.
func (q *QueueItem) Operation() OperationType { return q.operation }

// CommandName returns the root command name used for log correlation.
func (q *QueueItem) CommandName() string {
	return "root:" + string(q.operation)
}

// Context returns the item's execution state.
func (q *QueueItem) Context() *ItemContext { return q.ic }

// Completed returns the one-shot event fired when the item finishes.
func (q *QueueItem) Completed() *Event { return q.completed }

// CreatedAt returns when the item was constructed.
func (q *QueueItem) CreatedAt() time.Time { return q.created }

// State returns the item's lifecycle state and the stage it is in.
func (q *QueueItem) State() (ItemState, Stage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state, q.stage
}

// CommandCount returns how many commands the item carries.
func (q *QueueItem) CommandCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.commands)
}

func (q *QueueItem) firstStage() (Stage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.commands) == 0 {
		return 0, false
	}
	return q.commands[0].Stage(), true
}

// submit marks the item as owned by an orchestrator.
func (q *QueueItem) submit(onFinalize func(*QueueItem)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.submitted {
		return ErrAlreadySubmitted
	}
	if len(q.commands) == 0 {
		return ErrNoCommands
	}
	q.submitted = true
	q.onFinalize = onFinalize
	return nil
}

// unsubmit reverts submit for an item whose enqueue failed.
func (q *QueueItem) unsubmit() {
	q.mu.Lock()
	q.submitted = false
	q.onFinalize = nil
	q.state = StatePending
	q.mu.Unlock()
}

func (q *QueueItem) setState(state ItemState, stage Stage) {
	q.mu.Lock()
	q.state = state
	q.stage = stage
	q.mu.Unlock()
}

type stepResult int

const (
	stepContinue stepResult = iota
	stepYield
	stepDone
)

// runOneStep executes the current command if the item is still live. It
// returns stepDone when the item must be finalized, stepYield when the next
// command belongs to another stage, and stepContinue otherwise.
func (q *QueueItem) runOneStep(stage Stage, logger *slog.Logger, metrics *Metrics) stepResult {
	if q.ic.IsTerminated() {
		return stepDone
	}
	cmd := q.commands[q.index]
	name := CommandName(cmd)

	ctx := services.WithRequestID(q.ic.Context(), q.handle)
	ctx = services.WithPackage(ctx, services.PackageRef{PackageID: q.id.PackageID, SourceID: q.id.SourceID})
	ctx = services.WithStage(ctx, stage.String())
	ctx = services.WithOperation(ctx, q.CommandName())
	log := logging.WithContext(ctx, logger)

	log.Debug("command started", logging.String("command", name), logging.Int("index", q.index))
	start := time.Now()
	err := executeCommand(ctx, cmd, q.ic)
	elapsed := time.Since(start)
	metrics.observeCommand(stage, elapsed)

	if err != nil {
		q.ic.Terminate(err)
		log.Warn("command failed",
			logging.String("command", name),
			logging.Duration("duration", elapsed),
			logging.Error(err),
			logging.String(logging.FieldEventType, "command_failed"),
			logging.String(logging.FieldErrorHint, "inspect the command error and resubmit"),
		)
		return stepDone
	}
	log.Debug("command completed", logging.String("command", name), logging.Duration("duration", elapsed))

	q.index++
	if q.index >= len(q.commands) {
		return stepDone
	}
	if q.commands[q.index].Stage() != stage {
		return stepYield
	}
	return stepContinue
}

func (q *QueueItem) currentStage() Stage {
	return q.commands[q.index].Stage()
}

func executeCommand(ctx context.Context, cmd Command, ic *ItemContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command %s panicked: %v\n%s", CommandName(cmd), r, debug.Stack())
		}
	}()
	return cmd.Execute(ctx, ic)
}

// finalize fires the completion event. It is the only path to completion and
// runs its body exactly once.
func (q *QueueItem) finalize() {
	q.finalizeOnce.Do(func() {
		q.mu.Lock()
		q.state = StateCompleted
		hook := q.onFinalize
		q.mu.Unlock()
		if hook != nil {
			hook(q)
		}
		q.ic.release()
		q.completed.Set()
	})
}
