package daemon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"stevedore/internal/logging"
	"stevedore/internal/manifest"
	"stevedore/internal/orchestrator"
	"stevedore/internal/services"
	"stevedore/internal/store"
)

// SubmitRequest asks for one package operation.
type SubmitRequest struct {
	Operation string `json:"operation"`
	PackageID string `json:"package_id"`
	SourceID  string `json:"source_id,omitempty"`
}

// ProgressView is the latest progress reported by an item's commands.
type ProgressView struct {
	Stage      string `json:"stage"`
	Message    string `json:"message"`
	BytesDone  int64  `json:"bytes_done"`
	BytesTotal int64  `json:"bytes_total"`
}

// ItemView describes an active or finished item.
type ItemView struct {
	Handle     string        `json:"handle"`
	PackageID  string        `json:"package_id"`
	SourceID   string        `json:"source_id"`
	Operation  string        `json:"operation"`
	State      string        `json:"state"`
	Stage      string        `json:"stage,omitempty"`
	Result     string        `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
	Progress   *ProgressView `json:"progress,omitempty"`
}

// Finished reports whether the item has completed.
func (v ItemView) Finished() bool {
	return v.State == string(orchestrator.StateCompleted)
}

// Submit builds an item for req and hands it to the orchestrator. Uninstall
// and repair resolve against installed packages; the rest against the catalog.
func (d *Daemon) Submit(ctx context.Context, req SubmitRequest) (ItemView, error) {
	if !d.running.Load() {
		return ItemView{}, ErrNotRunning
	}
	op, err := orchestrator.ParseOperationType(req.Operation)
	if err != nil {
		return ItemView{}, err
	}
	packageID := strings.TrimSpace(req.PackageID)
	if packageID == "" {
		return ItemView{}, fmt.Errorf("%w: package id is required", services.ErrValidation)
	}
	sourceID := strings.TrimSpace(req.SourceID)

	var item *orchestrator.QueueItem
	switch op {
	case orchestrator.OperationUninstall, orchestrator.OperationRepair:
		id, err := d.resolveInstalled(ctx, packageID, sourceID)
		if err != nil {
			return ItemView{}, err
		}
		m := &manifest.Manifest{ID: id.PackageID, Source: id.SourceID}
		item, err = d.installer.BuildItem(d.ctx, op, m)
		if err != nil {
			return ItemView{}, err
		}
	default:
		m, err := d.catalog.Lookup(packageID, sourceID)
		if err != nil {
			return ItemView{}, err
		}
		item, err = d.installer.BuildItem(d.ctx, op, m)
		if err != nil {
			return ItemView{}, err
		}
	}

	handle := item.Handle()
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return ItemView{}, ErrNotRunning
	}
	d.recorded[handle] = make(chan struct{})
	d.watchers.Add(1)
	d.mu.Unlock()
	item.Context().SetProgressSink(func(p orchestrator.Progress) {
		d.mu.Lock()
		d.progress[handle] = p
		d.mu.Unlock()
	})

	if err := d.orch.EnqueueAndRunItem(item); err != nil {
		d.watchers.Done()
		d.mu.Lock()
		delete(d.recorded, handle)
		d.mu.Unlock()
		return ItemView{}, err
	}
	go d.watch(item)

	d.logger.Info("operation submitted",
		logging.String(logging.FieldRequestID, handle),
		logging.String(logging.FieldPackageID, item.ID().PackageID),
		logging.String(logging.FieldSourceID, item.ID().SourceID),
		logging.String(logging.FieldOperation, string(op)),
		logging.String(logging.FieldEventType, "operation_submitted"),
	)
	return d.viewOf(item), nil
}

// watch records item's outcome in the history once it completes.
func (d *Daemon) watch(item *orchestrator.QueueItem) {
	defer d.watchers.Done()
	<-item.Completed().Done()

	status := item.Context().TerminationStatus()
	rec := store.OperationRecord{
		Handle:     item.Handle(),
		PackageID:  item.ID().PackageID,
		SourceID:   item.ID().SourceID,
		Operation:  string(item.Operation()),
		Result:     services.ResultLabel(status),
		CreatedAt:  item.CreatedAt(),
		FinishedAt: time.Now(),
	}
	if status != nil {
		rec.Error = status.Error()
	}
	if rec.Result == services.ResultFailed {
		hint := "inspect the item error before resubmitting"
		if services.IsRetryable(status) {
			hint = "transient failure; resubmitting may succeed"
		}
		logging.WarnWithContext(d.logger, "operation failed", "operation_failed",
			logging.String(logging.FieldRequestID, rec.Handle),
			logging.String(logging.FieldPackageID, rec.PackageID),
			logging.String(logging.FieldOperation, rec.Operation),
			logging.Error(status),
			logging.String(logging.FieldErrorHint, hint),
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.store.RecordResult(ctx, rec); err != nil {
		logging.WarnWithContext(d.logger, "failed to record operation result", "history_write_failed",
			logging.String(logging.FieldRequestID, rec.Handle),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check state database permissions"),
		)
	} else if keep := d.cfg.Orchestrator.CompletedHistory; keep > 0 {
		if _, err := d.store.PruneHistory(ctx, keep); err != nil {
			d.logger.Debug("history prune failed", logging.Error(err))
		}
	}

	d.mu.Lock()
	delete(d.progress, rec.Handle)
	if ch, ok := d.recorded[rec.Handle]; ok {
		close(ch)
		delete(d.recorded, rec.Handle)
	}
	d.mu.Unlock()
}

// Await blocks until the item with handle has finished and its result is in
// the history, then returns its final view.
func (d *Daemon) Await(ctx context.Context, handle string) (ItemView, error) {
	d.mu.Lock()
	ch, ok := d.recorded[handle]
	d.mu.Unlock()
	if ok {
		select {
		case <-ch:
		case <-ctx.Done():
			return ItemView{}, ctx.Err()
		}
	}
	return d.Describe(ctx, handle)
}

// Describe returns the item with handle, looking in the history once it has
// left the orchestrator.
func (d *Daemon) Describe(ctx context.Context, handle string) (ItemView, error) {
	handle = strings.TrimSpace(handle)
	if item, ok := d.orch.Get(handle); ok {
		return d.viewOf(item), nil
	}
	rec, err := d.store.GetResult(ctx, handle)
	if err != nil {
		return ItemView{}, err
	}
	if rec == nil {
		return ItemView{}, fmt.Errorf("%w: %s", orchestrator.ErrItemNotFound, handle)
	}
	return viewOfRecord(*rec), nil
}

// List returns active items, oldest first, followed by up to history
// finished items, newest first.
func (d *Daemon) List(ctx context.Context, history int) ([]ItemView, error) {
	items := d.orch.Items()
	views := make([]ItemView, 0, len(items))
	for _, item := range items {
		views = append(views, d.viewOf(item))
	}
	if history <= 0 {
		return views, nil
	}
	records, err := d.store.ListHistory(ctx, history)
	if err != nil {
		return views, err
	}
	for _, rec := range records {
		views = append(views, viewOfRecord(rec))
	}
	return views, nil
}

// Cancel cancels the active item with handle.
func (d *Daemon) Cancel(_ context.Context, handle string) (ItemView, error) {
	item, ok := d.orch.Get(strings.TrimSpace(handle))
	if !ok {
		return ItemView{}, fmt.Errorf("%w: %s", orchestrator.ErrItemNotFound, handle)
	}
	if err := d.orch.CancelItem(item); err != nil {
		return ItemView{}, err
	}
	return d.viewOf(item), nil
}

// CancelQueued cancels every item still waiting for a worker.
func (d *Daemon) CancelQueued(context.Context) int {
	n := d.orch.CancelQueuedItems(orchestrator.CancelAbort)
	if n > 0 {
		d.logger.Info("queued operations cancelled",
			logging.Int("count", n),
			logging.String(logging.FieldEventType, "queue_cancelled"),
		)
	}
	return n
}

func (d *Daemon) viewOf(item *orchestrator.QueueItem) ItemView {
	state, stage := item.State()
	view := ItemView{
		Handle:    item.Handle(),
		PackageID: item.ID().PackageID,
		SourceID:  item.ID().SourceID,
		Operation: string(item.Operation()),
		State:     string(state),
		CreatedAt: item.CreatedAt(),
	}
	if state == orchestrator.StateQueued || state == orchestrator.StateRunning {
		view.Stage = stage.String()
	}
	if state == orchestrator.StateCompleted {
		status := item.Context().TerminationStatus()
		view.Result = services.ResultLabel(status)
		if status != nil {
			view.Error = status.Error()
		}
	}
	d.mu.Lock()
	p, ok := d.progress[item.Handle()]
	d.mu.Unlock()
	if ok {
		view.Progress = &ProgressView{
			Stage:      p.Stage.String(),
			Message:    p.Message,
			BytesDone:  p.BytesDone,
			BytesTotal: p.BytesTotal,
		}
	}
	return view
}

func viewOfRecord(rec store.OperationRecord) ItemView {
	return ItemView{
		Handle:     rec.Handle,
		PackageID:  rec.PackageID,
		SourceID:   rec.SourceID,
		Operation:  rec.Operation,
		State:      string(orchestrator.StateCompleted),
		Result:     rec.Result,
		Error:      rec.Error,
		CreatedAt:  rec.CreatedAt,
		FinishedAt: rec.FinishedAt,
	}
}
