package orchestrator

import (
	"log/slog"
	"sync"

	"stevedore/internal/logging"
)

// StageQueue runs the commands of one stage with at most maxConcurrency
// workers. Workers are started on demand and exit when the FIFO is empty.
type StageQueue struct {
	stage          Stage
	maxConcurrency int
	logger         *slog.Logger
	metrics        *Metrics

	// handoff routes an item whose next command belongs to another stage.
	handoff func(*QueueItem, Stage) error

	mu      sync.Mutex
	fifo    []*QueueItem
	running int
	pending int
	closed  bool
	idle    chan struct{}
}

// StageStats is a point-in-time view of a stage queue.
type StageStats struct {
	Stage          Stage  `json:"-"`
	Name           string `json:"stage"`
	Queued         int    `json:"queued"`
	Running        int    `json:"running"`
	MaxConcurrency int    `json:"max_concurrency"`
}

// NewStageQueue constructs a queue for stage. maxConcurrency <= 0 means
// unbounded.
func NewStageQueue(stage Stage, maxConcurrency int, logger *slog.Logger, metrics *Metrics) *StageQueue {
	if logger == nil {
		logger = logging.NewNop()
	}
	idle := make(chan struct{})
	close(idle)
	return &StageQueue{
		stage:          stage,
		maxConcurrency: maxConcurrency,
		logger:         logger.With(logging.String(logging.FieldStage, stage.String())),
		metrics:        metrics,
		idle:           idle,
	}
}

// Stage returns the stage this queue serves.
func (q *StageQueue) Stage() Stage { return q.stage }

// Enqueue appends item and starts a worker if a slot is free.
func (q *StageQueue) Enqueue(item *QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	item.setState(StateQueued, q.stage)
	q.fifo = append(q.fifo, item)
	q.markBusyLocked()
	if q.hasSlotLocked() {
		next := q.popLocked()
		q.running++
		go q.work(next)
	}
	q.publishLocked()
	return nil
}

// reserve keeps the queue busy for an item that is still being admitted and
// will be enqueued here next. Each call must be paired with unreserve.
func (q *StageQueue) reserve() {
	q.mu.Lock()
	q.pending++
	q.markBusyLocked()
	q.mu.Unlock()
}

func (q *StageQueue) unreserve() {
	q.mu.Lock()
	q.pending--
	q.markIdleIfDrainedLocked()
	q.mu.Unlock()
}

// CancelQueued removes every item still waiting in the FIFO, cancels each with
// reason, and finalizes it without running any command. Running items are not
// affected. It returns the number of items cancelled.
func (q *StageQueue) CancelQueued(reason CancelReason) int {
	q.mu.Lock()
	items := q.fifo
	q.fifo = nil
	q.markIdleIfDrainedLocked()
	q.publishLocked()
	q.mu.Unlock()

	for _, item := range items {
		item.Context().Cancel(reason)
		item.finalize()
	}
	if len(items) > 0 {
		q.logger.Info("cancelled queued items",
			logging.Int("count", len(items)),
			logging.String("reason", reason.String()),
			logging.String(logging.FieldEventType, "queue_cancelled"),
		)
	}
	return len(items)
}

// Remove takes item out of the FIFO if it has not started in this stage.
func (q *StageQueue) Remove(item *QueueItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, queued := range q.fifo {
		if queued != item {
			continue
		}
		q.fifo = append(q.fifo[:i], q.fifo[i+1:]...)
		q.markIdleIfDrainedLocked()
		q.publishLocked()
		return true
	}
	return false
}

// Close rejects later Enqueue calls with ErrQueueClosed. Queued and running
// items are untouched.
func (q *StageQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Stats returns the current queue depth and worker count.
func (q *StageQueue) Stats() StageStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return StageStats{
		Stage:          q.stage,
		Name:           q.stage.String(),
		Queued:         len(q.fifo),
		Running:        q.running,
		MaxConcurrency: q.maxConcurrency,
	}
}

// idleChan returns a channel that is closed while the queue has no queued or
// running items.
func (q *StageQueue) idleChan() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

func (q *StageQueue) work(item *QueueItem) {
	for item != nil {
		q.process(item)
		item = q.next()
	}
}

// next hands the worker the FIFO head or releases its slot.
func (q *StageQueue) next() *QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.fifo) > 0 {
		item := q.popLocked()
		q.publishLocked()
		return item
	}
	q.running--
	q.markIdleIfDrainedLocked()
	q.publishLocked()
	return nil
}

func (q *StageQueue) process(item *QueueItem) {
	item.setState(StateRunning, q.stage)
	logger := q.logger.With(
		logging.String(logging.FieldRequestID, item.Handle()),
		logging.String(logging.FieldPackageID, item.ID().PackageID),
		logging.String(logging.FieldOperation, item.CommandName()),
	)
	logger.Debug("stage started")

	for {
		switch item.runOneStep(q.stage, q.logger, q.metrics) {
		case stepContinue:
			continue
		case stepYield:
			next := item.currentStage()
			logger.Debug("stage complete; handing off", logging.String("next_stage", next.String()))
			if err := q.handoff(item, next); err != nil {
				item.Context().Terminate(err)
				logger.Warn("handoff to next stage failed",
					logging.String("next_stage", next.String()),
					logging.Error(err),
					logging.String(logging.FieldEventType, "stage_handoff_failed"),
					logging.String(logging.FieldErrorHint, "the orchestrator is shutting down; resubmit later"),
				)
				item.finalize()
			}
			return
		default:
			item.finalize()
			return
		}
	}
}

func (q *StageQueue) hasSlotLocked() bool {
	return q.maxConcurrency <= 0 || q.running < q.maxConcurrency
}

func (q *StageQueue) popLocked() *QueueItem {
	item := q.fifo[0]
	q.fifo[0] = nil
	q.fifo = q.fifo[1:]
	return item
}

func (q *StageQueue) markBusyLocked() {
	select {
	case <-q.idle:
		q.idle = make(chan struct{})
	default:
	}
}

func (q *StageQueue) markIdleIfDrainedLocked() {
	if len(q.fifo) != 0 || q.running != 0 || q.pending != 0 {
		return
	}
	select {
	case <-q.idle:
	default:
		close(q.idle)
	}
}

func (q *StageQueue) publishLocked() {
	q.metrics.setStage(q.stage, len(q.fifo), q.running)
}
