package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"stevedore/internal/logging"
	"stevedore/internal/services"
)

// Tracker journals items between acceptance and completion. Track runs before
// an item is queued and a failure rejects the item; Untrack runs on finalize.
type Tracker interface {
	Track(ctx context.Context, item *QueueItem) error
	Untrack(ctx context.Context, item *QueueItem) error
}

// Orchestrator owns one StageQueue per stage and routes items between them.
type Orchestrator struct {
	logger  *slog.Logger
	metrics *Metrics
	tracker Tracker
	queues  map[Stage]*StageQueue

	mu            sync.Mutex
	accepting     bool
	disableReason CancelReason
	active        map[string]*QueueItem
}

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	maxDownload  int
	maxOperation int
	logger       *slog.Logger
	metrics      *Metrics
	tracker      Tracker
}

// WithMaxDownloadConcurrency bounds the download stage. Zero or negative means
// unbounded, which is the default.
func WithMaxDownloadConcurrency(n int) Option {
	return func(o *options) { o.maxDownload = n }
}

// WithOperationConcurrency bounds the operation stage. Values below one are
// ignored; the default is one.
func WithOperationConcurrency(n int) Option {
	return func(o *options) {
		if n >= 1 {
			o.maxOperation = n
		}
	}
}

// WithLogger sets the logger used for orchestrator events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracker attaches an in-flight journal.
func WithTracker(t Tracker) Option {
	return func(o *options) { o.tracker = t }
}

// New constructs an accepting orchestrator.
func New(opts ...Option) *Orchestrator {
	cfg := options{maxOperation: 1}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := logging.NewComponentLogger(cfg.logger, "orchestrator")

	o := &Orchestrator{
		logger:    logger,
		metrics:   cfg.metrics,
		tracker:   cfg.tracker,
		queues:    make(map[Stage]*StageQueue, 2),
		accepting: true,
		active:    make(map[string]*QueueItem),
	}
	limits := map[Stage]int{StageDownload: cfg.maxDownload, StageOperation: cfg.maxOperation}
	for _, stage := range Stages() {
		q := NewStageQueue(stage, limits[stage], logger, cfg.metrics)
		q.handoff = o.route
		o.queues[stage] = q
	}
	o.metrics.setAccepting(true)
	return o
}

// EnqueueAndRunItem queues item on the stage of its first command. It fails
// with an error matching ErrDisabled and ErrAborted once Disable was called,
// leaving the item untouched.
func (o *Orchestrator) EnqueueAndRunItem(item *QueueItem) error {
	if item == nil {
		return ErrNoCommands
	}
	first, ok := item.firstStage()
	if !ok {
		return ErrNoCommands
	}
	queue := o.queues[first]
	queue.reserve()
	defer queue.unreserve()

	o.mu.Lock()
	if !o.accepting {
		reason := o.disableReason
		o.mu.Unlock()
		return disabledError(reason)
	}
	if err := item.submit(o.itemFinished); err != nil {
		o.mu.Unlock()
		return err
	}
	o.active[item.Handle()] = item
	o.mu.Unlock()

	if o.tracker != nil {
		if err := o.tracker.Track(context.Background(), item); err != nil {
			o.forget(item)
			item.unsubmit()
			return fmt.Errorf("track item: %w", err)
		}
	}

	if err := queue.Enqueue(item); err != nil {
		o.forget(item)
		if o.tracker != nil {
			_ = o.tracker.Untrack(context.Background(), item)
		}
		item.unsubmit()
		return err
	}

	o.metrics.itemEnqueued(item.Operation())
	o.logger.Info("item enqueued",
		logging.String(logging.FieldRequestID, item.Handle()),
		logging.String(logging.FieldPackageID, item.ID().PackageID),
		logging.String(logging.FieldSourceID, item.ID().SourceID),
		logging.String(logging.FieldOperation, item.CommandName()),
		logging.String(logging.FieldStage, first.String()),
		logging.String(logging.FieldEventType, "item_enqueued"),
	)
	return nil
}

// Disable stops accepting items and cancels every queued or running item with
// reason. Queued items stay in their FIFOs and finalize when a worker reaches
// them. Only the first call records a reason.
func (o *Orchestrator) Disable(reason CancelReason) {
	o.mu.Lock()
	wasAccepting := o.accepting
	if wasAccepting {
		o.accepting = false
		o.disableReason = reason
	}
	items := make([]*QueueItem, 0, len(o.active))
	for _, item := range o.active {
		items = append(items, item)
	}
	o.mu.Unlock()

	for _, item := range items {
		item.Context().Cancel(reason)
	}
	if wasAccepting {
		o.metrics.setAccepting(false)
		o.logger.Info("orchestrator disabled",
			logging.String("reason", reason.String()),
			logging.Int("active_items", len(items)),
			logging.String(logging.FieldEventType, "orchestrator_disabled"),
		)
	}
}

// Accepting reports whether EnqueueAndRunItem will take new items.
func (o *Orchestrator) Accepting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.accepting
}

// CancelQueuedItems cancels every item waiting in any stage FIFO.
func (o *Orchestrator) CancelQueuedItems(reason CancelReason) int {
	total := 0
	for _, stage := range Stages() {
		total += o.queues[stage].CancelQueued(reason)
	}
	return total
}

// CancelItem cancels one active item with CancelAbort. A queued item is
// removed and finalized immediately; a running item is cancelled
// cooperatively and finalizes when its worker observes termination.
func (o *Orchestrator) CancelItem(item *QueueItem) error {
	if item == nil {
		return ErrItemNotFound
	}
	o.mu.Lock()
	_, ok := o.active[item.Handle()]
	o.mu.Unlock()
	if !ok {
		return ErrItemNotFound
	}

	item.Context().Cancel(CancelAbort)
	for _, stage := range Stages() {
		if o.queues[stage].Remove(item) {
			item.finalize()
			break
		}
	}
	o.logger.Info("item cancelled",
		logging.String(logging.FieldRequestID, item.Handle()),
		logging.String(logging.FieldPackageID, item.ID().PackageID),
		logging.String(logging.FieldEventType, "item_cancelled"),
	)
	return nil
}

// Find returns every active item with the given identity.
func (o *Orchestrator) Find(id ItemID) []*QueueItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	var matches []*QueueItem
	for _, item := range o.active {
		if item.ID() == id {
			matches = append(matches, item)
		}
	}
	sortItems(matches)
	return matches
}

// Get returns the active item with handle.
func (o *Orchestrator) Get(handle string) (*QueueItem, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.active[handle]
	return item, ok
}

// Items returns all active items ordered by creation time.
func (o *Orchestrator) Items() []*QueueItem {
	o.mu.Lock()
	items := make([]*QueueItem, 0, len(o.active))
	for _, item := range o.active {
		items = append(items, item)
	}
	o.mu.Unlock()
	sortItems(items)
	return items
}

// WaitForRunningItems blocks until every stage has no queued or running items
// or timeout elapses, and reports whether the pipeline drained. A
// non-positive timeout checks without blocking.
func (o *Orchestrator) WaitForRunningItems(timeout time.Duration) bool {
	if timeout <= 0 {
		return o.idle()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return o.Wait(ctx) == nil
}

// Wait blocks until the pipeline is drained or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	for {
		settled := true
		for _, stage := range Stages() {
			ch := o.queues[stage].idleChan()
			select {
			case <-ch:
				continue
			default:
			}
			settled = false
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		// A pass that waited may have let work move to a later stage.
		if settled {
			return nil
		}
	}
}

func (o *Orchestrator) idle() bool {
	for _, stage := range Stages() {
		select {
		case <-o.queues[stage].idleChan():
		default:
			return false
		}
	}
	return true
}

// Snapshot is a diagnostics view of the orchestrator.
type Snapshot struct {
	Accepting     bool         `json:"accepting"`
	DisableReason string       `json:"disable_reason,omitempty"`
	ActiveItems   int          `json:"active_items"`
	Stages        []StageStats `json:"stages"`
}

// Stats returns per-stage depth and worker counts.
func (o *Orchestrator) Stats() Snapshot {
	o.mu.Lock()
	snap := Snapshot{Accepting: o.accepting, ActiveItems: len(o.active)}
	if !o.accepting {
		snap.DisableReason = o.disableReason.String()
	}
	o.mu.Unlock()
	for _, stage := range Stages() {
		snap.Stages = append(snap.Stages, o.queues[stage].Stats())
	}
	return snap
}

// StatusString renders Stats on one line for diagnostics.
func (o *Orchestrator) StatusString() string {
	snap := o.Stats()
	var b strings.Builder
	if snap.Accepting {
		b.WriteString("accepting")
	} else {
		fmt.Fprintf(&b, "disabled(%s)", snap.DisableReason)
	}
	fmt.Fprintf(&b, " active=%d", snap.ActiveItems)
	for _, st := range snap.Stages {
		limit := "unbounded"
		if st.MaxConcurrency > 0 {
			limit = fmt.Sprintf("%d", st.MaxConcurrency)
		}
		fmt.Fprintf(&b, "; %s queued=%d running=%d/%s", st.Name, st.Queued, st.Running, limit)
	}
	return b.String()
}

// route moves item to the queue for stage.
func (o *Orchestrator) route(item *QueueItem, stage Stage) error {
	q, ok := o.queues[stage]
	if !ok {
		return fmt.Errorf("no queue for stage %s", stage)
	}
	return q.Enqueue(item)
}

func (o *Orchestrator) forget(item *QueueItem) {
	o.mu.Lock()
	delete(o.active, item.Handle())
	o.mu.Unlock()
}

// itemFinished runs once per item from finalize.
func (o *Orchestrator) itemFinished(item *QueueItem) {
	o.forget(item)
	if o.tracker != nil {
		if err := o.tracker.Untrack(context.Background(), item); err != nil {
			logging.WarnWithContext(o.logger, "untrack item failed", "item_untrack_failed",
				logging.String(logging.FieldRequestID, item.Handle()),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "stale in-flight rows are cleared on next daemon start"),
			)
		}
	}

	status := item.Context().TerminationStatus()
	result := services.ResultLabel(status)
	elapsed := time.Since(item.CreatedAt())
	o.metrics.itemCompleted(item.Operation(), result, elapsed)

	attrs := []logging.Attr{
		logging.String(logging.FieldRequestID, item.Handle()),
		logging.String(logging.FieldPackageID, item.ID().PackageID),
		logging.String(logging.FieldOperation, item.CommandName()),
		logging.String("result", result),
		logging.Duration("duration", elapsed),
		logging.String(logging.FieldEventType, "item_completed"),
	}
	if status != nil {
		attrs = append(attrs, logging.Error(status))
	}
	o.logger.Info("item completed", logging.Args(attrs...)...)
}

func sortItems(items []*QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt().Before(items[j].CreatedAt())
	})
}

// Close disables the orchestrator with CancelAppShutdown and closes every
// stage queue. Items still in flight that try to move to another stage end
// with ErrQueueClosed unless they were already terminated.
func (o *Orchestrator) Close() {
	o.Disable(CancelAppShutdown)
	for _, stage := range Stages() {
		o.queues[stage].Close()
	}
}
