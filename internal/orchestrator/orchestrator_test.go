package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"stevedore/internal/orchestrator"
)

const waitTimeout = 5 * time.Second

// gate is a manual-release barrier a command blocks on.
type gate struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gate) command(stage orchestrator.Stage) orchestrator.Command {
	return orchestrator.NewCommand(stage, "gate", func(context.Context, *orchestrator.ItemContext) error {
		g.calls.Add(1)
		g.entered <- struct{}{}
		<-g.release
		return nil
	})
}

func (g *gate) open() { close(g.release) }

func (g *gate) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for command to start")
	}
}

func newItem(t *testing.T, pkg string, op orchestrator.OperationType, cmds ...orchestrator.Command) *orchestrator.QueueItem {
	t.Helper()
	item := orchestrator.NewQueueItem(orchestrator.ItemID{PackageID: pkg, SourceID: "test"}, nil, op)
	for _, cmd := range cmds {
		if err := item.AddCommand(cmd); err != nil {
			t.Fatalf("AddCommand: %v", err)
		}
	}
	return item
}

func noop(stage orchestrator.Stage) orchestrator.Command {
	return orchestrator.NewCommand(stage, "noop", func(context.Context, *orchestrator.ItemContext) error { return nil })
}

func waitCompleted(t *testing.T, item *orchestrator.QueueItem) {
	t.Helper()
	if !item.Completed().Wait(waitTimeout) {
		t.Fatalf("item %s did not complete", item.ID())
	}
}

func requireAborted(t *testing.T, item *orchestrator.QueueItem) {
	t.Helper()
	if !item.Context().IsTerminated() {
		t.Fatalf("item %s not terminated", item.ID())
	}
	if status := item.Context().TerminationStatus(); !errors.Is(status, orchestrator.ErrAborted) {
		t.Fatalf("item %s status = %v, want aborted", item.ID(), status)
	}
}

func TestPipelineRunsCommandsInOrder(t *testing.T) {
	o := orchestrator.New()

	var mu sync.Mutex
	var order []string
	record := func(stage orchestrator.Stage, name string) orchestrator.Command {
		return orchestrator.NewCommand(stage, name, func(_ context.Context, ic *orchestrator.ItemContext) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			ic.Set(name, true)
			return nil
		})
	}

	item := newItem(t, "Contoso.Tool", orchestrator.OperationInstall,
		record(orchestrator.StageDownload, "fetch"),
		record(orchestrator.StageDownload, "verify"),
		record(orchestrator.StageOperation, "install"),
	)
	if err := o.EnqueueAndRunItem(item); err != nil {
		t.Fatalf("EnqueueAndRunItem: %v", err)
	}
	waitCompleted(t, item)

	if status := item.Context().TerminationStatus(); status != nil {
		t.Fatalf("status = %v, want success", status)
	}
	if got := strings.Join(order, ","); got != "fetch,verify,install" {
		t.Fatalf("order = %s", got)
	}
	if state, _ := item.State(); state != orchestrator.StateCompleted {
		t.Fatalf("state = %s", state)
	}
	if _, ok := o.Get(item.Handle()); ok {
		t.Fatal("completed item should no longer be active")
	}
	if !o.WaitForRunningItems(waitTimeout) {
		t.Fatal("expected orchestrator to drain")
	}
}

func TestItemsStartingInOperationSkipDownload(t *testing.T) {
	o := orchestrator.New()
	item := newItem(t, "Contoso.Tool", orchestrator.OperationUninstall, noop(orchestrator.StageOperation))
	if err := o.EnqueueAndRunItem(item); err != nil {
		t.Fatalf("EnqueueAndRunItem: %v", err)
	}
	waitCompleted(t, item)
	if item.Context().TerminationStatus() != nil {
		t.Fatalf("unexpected status %v", item.Context().TerminationStatus())
	}
}

func TestAllItemsCompleteSuccessfully(t *testing.T) {
	o := orchestrator.New(orchestrator.WithMaxDownloadConcurrency(3))
	items := make([]*orchestrator.QueueItem, 0, 20)
	for i := 0; i < 20; i++ {
		item := newItem(t, fmt.Sprintf("pkg-%d", i), orchestrator.OperationInstall,
			noop(orchestrator.StageDownload), noop(orchestrator.StageOperation))
		if err := o.EnqueueAndRunItem(item); err != nil {
			t.Fatalf("EnqueueAndRunItem: %v", err)
		}
		items = append(items, item)
	}
	for _, item := range items {
		waitCompleted(t, item)
		if status := item.Context().TerminationStatus(); status != nil {
			t.Fatalf("item %s status = %v", item.ID(), status)
		}
	}
	if !o.WaitForRunningItems(waitTimeout) {
		t.Fatal("expected drain")
	}
}

func TestCommandFailureTerminatesOnlyOwningItem(t *testing.T) {
	o := orchestrator.New()
	boom := errors.New("hash mismatch")
	var installRan atomic.Bool

	failing := newItem(t, "bad", orchestrator.OperationInstall,
		orchestrator.NewCommand(orchestrator.StageDownload, "fetch", func(context.Context, *orchestrator.ItemContext) error { return boom }),
		orchestrator.NewCommand(orchestrator.StageOperation, "install", func(context.Context, *orchestrator.ItemContext) error {
			installRan.Store(true)
			return nil
		}),
	)
	healthy := newItem(t, "good", orchestrator.OperationInstall, noop(orchestrator.StageDownload), noop(orchestrator.StageOperation))

	for _, item := range []*orchestrator.QueueItem{failing, healthy} {
		if err := o.EnqueueAndRunItem(item); err != nil {
			t.Fatalf("EnqueueAndRunItem: %v", err)
		}
	}
	waitCompleted(t, failing)
	waitCompleted(t, healthy)

	if status := failing.Context().TerminationStatus(); !errors.Is(status, boom) {
		t.Fatalf("failing status = %v, want %v", status, boom)
	}
	if installRan.Load() {
		t.Fatal("commands after a failure must not run")
	}
	if status := healthy.Context().TerminationStatus(); status != nil {
		t.Fatalf("healthy status = %v", status)
	}
	if !o.Accepting() {
		t.Fatal("a command failure must not disable the orchestrator")
	}
}

func TestCommandPanicBecomesFailure(t *testing.T) {
	o := orchestrator.New()
	item := newItem(t, "panicky", orchestrator.OperationRepair,
		orchestrator.NewCommand(orchestrator.StageOperation, "repair", func(context.Context, *orchestrator.ItemContext) error {
			panic("corrupt state")
		}),
	)
	if err := o.EnqueueAndRunItem(item); err != nil {
		t.Fatalf("EnqueueAndRunItem: %v", err)
	}
	waitCompleted(t, item)
	status := item.Context().TerminationStatus()
	if status == nil || !strings.Contains(status.Error(), "corrupt state") {
		t.Fatalf("status = %v, want panic failure", status)
	}
}

func TestPeakConcurrencyBounded(t *testing.T) {
	tests := []struct {
		name  string
		stage orchestrator.Stage
		limit int
		opts  []orchestrator.Option
	}{
		{"download limit 2", orchestrator.StageDownload, 2, []orchestrator.Option{orchestrator.WithMaxDownloadConcurrency(2)}},
		{"download limit 1", orchestrator.StageDownload, 1, []orchestrator.Option{orchestrator.WithMaxDownloadConcurrency(1)}},
		{"operation default 1", orchestrator.StageOperation, 1, nil},
		{"operation limit 3", orchestrator.StageOperation, 3, []orchestrator.Option{orchestrator.WithOperationConcurrency(3)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := orchestrator.New(tt.opts...)
			var current, peak atomic.Int32
			release := make(chan struct{})
			entered := make(chan struct{}, 4*tt.limit)

			cmd := orchestrator.NewCommand(tt.stage, "bounded", func(context.Context, *orchestrator.ItemContext) error {
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				entered <- struct{}{}
				<-release
				current.Add(-1)
				return nil
			})

			total := 2 * tt.limit
			items := make([]*orchestrator.QueueItem, 0, total)
			for i := 0; i < total; i++ {
				item := newItem(t, fmt.Sprintf("pkg-%d", i), orchestrator.OperationDownload, cmd)
				if err := o.EnqueueAndRunItem(item); err != nil {
					t.Fatalf("EnqueueAndRunItem: %v", err)
				}
				items = append(items, item)
			}

			for i := 0; i < tt.limit; i++ {
				select {
				case <-entered:
				case <-time.After(waitTimeout):
					t.Fatalf("only %d of %d workers started", i, tt.limit)
				}
			}
			select {
			case <-entered:
				t.Fatalf("more than %d commands entered concurrently", tt.limit)
			case <-time.After(50 * time.Millisecond):
			}
			stats := o.Stats()
			for _, st := range stats.Stages {
				if st.Stage == tt.stage && (st.Running != tt.limit || st.Queued != total-tt.limit) {
					t.Fatalf("stage stats = %+v", st)
				}
			}

			close(release)
			for _, item := range items {
				waitCompleted(t, item)
			}
			if got := peak.Load(); int(got) > tt.limit {
				t.Fatalf("peak concurrency %d exceeds limit %d", got, tt.limit)
			}
		})
	}
}

func TestUnboundedDownloadRunsEverythingAtOnce(t *testing.T) {
	o := orchestrator.New()
	g := newGate()
	const n = 8
	items := make([]*orchestrator.QueueItem, 0, n)
	for i := 0; i < n; i++ {
		item := newItem(t, fmt.Sprintf("pkg-%d", i), orchestrator.OperationDownload, g.command(orchestrator.StageDownload))
		if err := o.EnqueueAndRunItem(item); err != nil {
			t.Fatalf("EnqueueAndRunItem: %v", err)
		}
		items = append(items, item)
	}
	for i := 0; i < n; i++ {
		g.waitEntered(t)
	}
	g.open()
	for _, item := range items {
		waitCompleted(t, item)
	}
}

// startLog records command start order across items.
type startLog struct {
	mu    sync.Mutex
	order []string
}

func (l *startLog) command(stage orchestrator.Stage, name string) orchestrator.Command {
	return orchestrator.NewCommand(stage, name, func(context.Context, *orchestrator.ItemContext) error {
		l.mu.Lock()
		l.order = append(l.order, name)
		l.mu.Unlock()
		return nil
	})
}

func (l *startLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.order, ",")
}

func waitQueuedOn(t *testing.T, item *orchestrator.QueueItem, stage orchestrator.Stage) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if state, at := item.State(); state == orchestrator.StateQueued && at == stage {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	state, at := item.State()
	t.Fatalf("item %s is %s on %s, want queued on %s", item.ID(), state, at, stage)
}

func TestStageQueueStartsItemsInFIFOOrder(t *testing.T) {
	o := orchestrator.New(orchestrator.WithMaxDownloadConcurrency(1))
	g := newGate()
	head := newItem(t, "head", orchestrator.OperationDownload, g.command(orchestrator.StageDownload))
	if err := o.EnqueueAndRunItem(head); err != nil {
		t.Fatalf("EnqueueAndRunItem: %v", err)
	}
	g.waitEntered(t)

	log := &startLog{}
	var items []*orchestrator.QueueItem
	for _, name := range []string{"B", "C", "D"} {
		item := newItem(t, name, orchestrator.OperationDownload, log.command(orchestrator.StageDownload, name))
		if err := o.EnqueueAndRunItem(item); err != nil {
			t.Fatalf("EnqueueAndRunItem(%s): %v", name, err)
		}
		waitQueuedOn(t, item, orchestrator.StageDownload)
		items = append(items, item)
	}

	g.open()
	waitCompleted(t, head)
	for _, item := range items {
		waitCompleted(t, item)
	}
	if got := log.String(); got != "B,C,D" {
		t.Fatalf("start order = %s, want B,C,D", got)
	}
}

func TestHandoffEnqueuesAtTailOfNextStage(t *testing.T) {
	o := orchestrator.New()
	busy := newGate()
	holder := newItem(t, "holder", orchestrator.OperationUninstall, busy.command(orchestrator.StageOperation))
	if err := o.EnqueueAndRunItem(holder); err != nil {
		t.Fatalf("EnqueueAndRunItem: %v", err)
	}
	busy.waitEntered(t)

	fetch := newGate()
	log := &startLog{}
	twoStage := newItem(t, "two-stage", orchestrator.OperationInstall,
		fetch.command(orchestrator.StageDownload),
		log.command(orchestrator.StageOperation, "two-stage"),
	)
	if err := o.EnqueueAndRunItem(twoStage); err != nil {
		t.Fatalf("EnqueueAndRunItem: %v", err)
	}
	fetch.waitEntered(t)

	operationOnly := newItem(t, "operation-only", orchestrator.OperationUninstall,
		log.command(orchestrator.StageOperation, "operation-only"))
	if err := o.EnqueueAndRunItem(operationOnly); err != nil {
		t.Fatalf("EnqueueAndRunItem: %v", err)
	}
	waitQueuedOn(t, operationOnly, orchestrator.StageOperation)

	fetch.open()
	waitQueuedOn(t, twoStage, orchestrator.StageOperation)

	busy.open()
	for _, item := range []*orchestrator.QueueItem{holder, twoStage, operationOnly} {
		waitCompleted(t, item)
	}
	if got := log.String(); got != "operation-only,two-stage" {
		t.Fatalf("operation start order = %s, want the handed-off item last", got)
	}
}

func TestDisabledEnqueueFailsAndNeverRuns(t *testing.T) {
	o := orchestrator.New()
	o.Disable(orchestrator.CancelCtrlCSignal)

	var ran atomic.Bool
	item := newItem(t, "late", orchestrator.OperationInstall,
		orchestrator.NewCommand(orchestrator.StageDownload, "fetch", func(context.Context, *orchestrator.ItemContext) error {
			ran.Store(true)
			return nil
		}))

	err := o.EnqueueAndRunItem(item)
	if !errors.Is(err, orchestrator.ErrDisabled) || !errors.Is(err, orchestrator.ErrAborted) {
		t.Fatalf("EnqueueAndRunItem = %v, want disabled abort", err)
	}
	var term *orchestrator.TerminationError
	if !errors.As(err, &term) || term.Reason != orchestrator.CancelCtrlCSignal {
		t.Fatalf("expected ctrl-c termination error, got %v", err)
	}

	// A second Disable keeps the first reason.
	o.Disable(orchestrator.CancelAbort)
	err = o.EnqueueAndRunItem(item)
	if !errors.As(err, &term) || term.Reason != orchestrator.CancelCtrlCSignal {
		t.Fatalf("expected first disable reason to stick, got %v", err)
	}

	if item.Completed().Wait(50 * time.Millisecond) {
		t.Fatal("rejected item must not complete")
	}
	if ran.Load() {
		t.Fatal("rejected item must never run")
	}
	if item.Context().IsTerminated() {
		t.Fatal("rejected item must be left untouched")
	}
}

func TestEnqueueRejectsEmptyAndDuplicateItems(t *testing.T) {
	o := orchestrator.New()
	empty := orchestrator.NewQueueItem(orchestrator.ItemID{PackageID: "empty"}, nil, orchestrator.OperationInstall)
	if err := o.EnqueueAndRunItem(empty); !errors.Is(err, orchestrator.ErrNoCommands) {
		t.Fatalf("empty item err = %v", err)
	}

	g := newGate()
	item := newItem(t, "dup", orchestrator.OperationInstall, g.command(orchestrator.StageOperation))
	if err := o.EnqueueAndRunItem(item); err != nil {
		t.Fatalf("EnqueueAndRunItem: %v", err)
	}
	if err := o.EnqueueAndRunItem(item); !errors.Is(err, orchestrator.ErrAlreadySubmitted) {
		t.Fatalf("second submit err = %v", err)
	}
	if err := item.AddCommand(noop(orchestrator.StageOperation)); !errors.Is(err, orchestrator.ErrAlreadySubmitted) {
		t.Fatalf("AddCommand after submit err = %v", err)
	}
	g.waitEntered(t)
	g.open()
	waitCompleted(t, item)
}

func TestCancelQueuedScenario(t *testing.T) {
	o := orchestrator.New(orchestrator.WithMaxDownloadConcurrency(1))
	gateA := newGate()
	gateB := newGate()

	a := newItem(t, "A", orchestrator.OperationDownload, gateA.command(orchestrator.StageDownload))
	b := newItem(t, "B", orchestrator.OperationDownload, gateB.command(orchestrator.StageDownload))
	for _, item := range []*orchestrator.QueueItem{a, b} {
		if err := o.EnqueueAndRunItem(item); err != nil {
			t.Fatalf("EnqueueAndRunItem: %v", err)
		}
	}
	gateA.waitEntered(t)
	if state, stage := b.State(); state != orchestrator.StateQueued || stage != orchestrator.StageDownload {
		t.Fatalf("B state = %s/%s, want queued/download", state, stage)
	}

	if n := o.CancelQueuedItems(orchestrator.CancelAppShutdown); n != 1 {
		t.Fatalf("CancelQueuedItems cancelled %d items, want 1", n)
	}
	waitCompleted(t, b)
	requireAborted(t, b)
	if gateB.calls.Load() != 0 {
		t.Fatal("B's command must never be invoked")
	}
	if a.Completed().IsSet() {
		t.Fatal("A must keep running")
	}

	gateA.open()
	waitCompleted(t, a)
	if status := a.Context().TerminationStatus(); status != nil {
		t.Fatalf("A status = %v, want success", status)
	}
}

func TestDisableWhileBlockedEndsAborted(t *testing.T) {
	o := orchestrator.New()
	gateC := newGate()
	c := newItem(t, "C", orchestrator.OperationInstall,
		gateC.command(orchestrator.StageDownload), noop(orchestrator.StageOperation))
	if err := o.EnqueueAndRunItem(c); err != nil {
		t.Fatalf("EnqueueAndRunItem: %v", err)
	}
	gateC.waitEntered(t)

	o.Disable(orchestrator.CancelAppShutdown)
	if c.Completed().IsSet() {
		t.Fatal("C must not complete while its command is blocked")
	}
	gateC.open()
	waitCompleted(t, c)
	requireAborted(t, c)
	if reason, ok := c.Context().CancelReason(); !ok || reason != orchestrator.CancelAppShutdown {
		t.Fatalf("cancel reason = %v, %v", reason, ok)
	}
}

func TestRunningCommandObservesContextCancellation(t *testing.T) {
	o := orchestrator.New()
	started := make(chan struct{})
	item := newItem(t, "cooperative", orchestrator.OperationDownload,
		orchestrator.NewCommand(orchestrator.StageDownload, "wait", func(ctx context.Context, _ *orchestrator.ItemContext) error {
			close(started)
			<-ctx.Done()
			return context.Cause(ctx)
		}))
	if err := o.EnqueueAndRunItem(item); err != nil {
		t.Fatalf("EnqueueAndRunItem: %v", err)
	}
	<-started
	if err := o.CancelItem(item); err != nil {
		t.Fatalf("CancelItem: %v", err)
	}
	waitCompleted(t, item)
	requireAborted(t, item)
}

func TestFourItemDisableCancelDrain(t *testing.T) {
	o := orchestrator.New(orchestrator.WithMaxDownloadConcurrency(1), orchestrator.WithOperationConcurrency(1))
	downloadGate := newGate()
	operationGate := newGate()
	var trailingRuns atomic.Int32
	trailing := func(stage orchestrator.Stage) orchestrator.Command {
		return orchestrator.NewCommand(stage, "trailing", func(context.Context, *orchestrator.ItemContext) error {
			trailingRuns.Add(1)
			return nil
		})
	}

	blockedDownload := newItem(t, "d1", orchestrator.OperationInstall,
		downloadGate.command(orchestrator.StageDownload), trailing(orchestrator.StageOperation))
	blockedOperation := newItem(t, "o1", orchestrator.OperationUninstall, operationGate.command(orchestrator.StageOperation))
	queuedDownload := newItem(t, "d2", orchestrator.OperationDownload, trailing(orchestrator.StageDownload))
	queuedOperation := newItem(t, "o2", orchestrator.OperationUninstall, trailing(orchestrator.StageOperation))

	for _, item := range []*orchestrator.QueueItem{blockedDownload, blockedOperation} {
		if err := o.EnqueueAndRunItem(item); err != nil {
			t.Fatalf("EnqueueAndRunItem: %v", err)
		}
	}
	downloadGate.waitEntered(t)
	operationGate.waitEntered(t)
	for _, item := range []*orchestrator.QueueItem{queuedDownload, queuedOperation} {
		if err := o.EnqueueAndRunItem(item); err != nil {
			t.Fatalf("EnqueueAndRunItem: %v", err)
		}
	}

	o.Disable(orchestrator.CancelAppShutdown)
	o.CancelQueuedItems(orchestrator.CancelAppShutdown)
	downloadGate.open()
	operationGate.open()

	if !o.WaitForRunningItems(waitTimeout) {
		t.Fatalf("expected drain, status: %s", o.StatusString())
	}
	for _, item := range []*orchestrator.QueueItem{blockedDownload, blockedOperation, queuedDownload, queuedOperation} {
		waitCompleted(t, item)
		requireAborted(t, item)
	}
	if trailingRuns.Load() != 0 {
		t.Fatalf("%d trailing commands ran after disable", trailingRuns.Load())
	}
}

func TestWaitForRunningItemsTimesOut(t *testing.T) {
	o := orchestrator.New()
	if !o.WaitForRunningItems(0) {
		t.Fatal("idle orchestrator should report drained immediately")
	}

	g := newGate()
	item := newItem(t, "slow", orchestrator.OperationInstall, g.command(orchestrator.StageDownload), noop(orchestrator.StageOperation))
	if err := o.EnqueueAndRunItem(item); err != nil {
		t.Fatalf("EnqueueAndRunItem: %v", err)
	}
	g.waitEntered(t)

	if o.WaitForRunningItems(30 * time.Millisecond) {
		t.Fatal("expected timeout while an item is running")
	}
	if o.WaitForRunningItems(0) {
		t.Fatal("expected immediate check to report busy")
	}
	g.open()
	if !o.WaitForRunningItems(waitTimeout) {
		t.Fatal("expected drain after release")
	}
	if !item.Completed().IsSet() {
		t.Fatal("drained orchestrator must have completed the item")
	}
}

func TestFindReturnsEveryItemWithIdentity(t *testing.T) {
	o := orchestrator.New()
	g := newGate()
	id := orchestrator.ItemID{PackageID: "Contoso.Tool", SourceID: "test"}
	first := newItem(t, id.PackageID, orchestrator.OperationInstall, g.command(orchestrator.StageOperation))
	second := newItem(t, id.PackageID, orchestrator.OperationInstall, g.command(orchestrator.StageOperation))
	other := newItem(t, "Other", orchestrator.OperationInstall, g.command(orchestrator.StageOperation))
	for _, item := range []*orchestrator.QueueItem{first, second, other} {
		if err := o.EnqueueAndRunItem(item); err != nil {
			t.Fatalf("EnqueueAndRunItem: %v", err)
		}
	}
	g.waitEntered(t)

	found := o.Find(id)
	if len(found) != 2 {
		t.Fatalf("Find returned %d items, want 2", len(found))
	}
	for _, item := range found {
		if item != first && item != second {
			t.Fatalf("Find returned unexpected item %s", item.ID())
		}
	}
	if got, ok := o.Get(other.Handle()); !ok || got != other {
		t.Fatal("Get did not return the active item")
	}
	if len(o.Items()) != 3 {
		t.Fatalf("Items() = %d, want 3", len(o.Items()))
	}
	g.open()
	for _, item := range []*orchestrator.QueueItem{first, second, other} {
		waitCompleted(t, item)
	}
	if len(o.Find(id)) != 0 {
		t.Fatal("completed items should not be found")
	}
}

func TestCancelItemRemovesQueuedItem(t *testing.T) {
	o := orchestrator.New()
	g := newGate()
	running := newItem(t, "running", orchestrator.OperationUninstall, g.command(orchestrator.StageOperation))
	queued := newItem(t, "queued", orchestrator.OperationUninstall, g.command(orchestrator.StageOperation))
	for _, item := range []*orchestrator.QueueItem{running, queued} {
		if err := o.EnqueueAndRunItem(item); err != nil {
			t.Fatalf("EnqueueAndRunItem: %v", err)
		}
	}
	g.waitEntered(t)

	if err := o.CancelItem(queued); err != nil {
		t.Fatalf("CancelItem: %v", err)
	}
	waitCompleted(t, queued)
	requireAborted(t, queued)
	if err := o.CancelItem(queued); !errors.Is(err, orchestrator.ErrItemNotFound) {
		t.Fatalf("second CancelItem err = %v", err)
	}

	g.open()
	waitCompleted(t, running)
	if running.Context().TerminationStatus() != nil {
		t.Fatalf("running item status = %v", running.Context().TerminationStatus())
	}
	if g.calls.Load() != 1 {
		t.Fatalf("gate entered %d times, want 1", g.calls.Load())
	}
}

func TestCloseFailsHandoff(t *testing.T) {
	o := orchestrator.New()
	g := newGate()
	item := newItem(t, "handoff", orchestrator.OperationInstall, g.command(orchestrator.StageDownload), noop(orchestrator.StageOperation))
	if err := o.EnqueueAndRunItem(item); err != nil {
		t.Fatalf("EnqueueAndRunItem: %v", err)
	}
	g.waitEntered(t)
	o.Close()
	g.open()
	waitCompleted(t, item)
	requireAborted(t, item)

	late := newItem(t, "late", orchestrator.OperationInstall, noop(orchestrator.StageOperation))
	if err := o.EnqueueAndRunItem(late); !errors.Is(err, orchestrator.ErrDisabled) {
		t.Fatalf("enqueue after Close err = %v", err)
	}
}

type recordingTracker struct {
	mu        sync.Mutex
	tracked   map[string]bool
	untracked []string
	failTrack error
}

func (r *recordingTracker) Track(_ context.Context, item *orchestrator.QueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failTrack != nil {
		return r.failTrack
	}
	if r.tracked == nil {
		r.tracked = map[string]bool{}
	}
	r.tracked[item.Handle()] = true
	return nil
}

func (r *recordingTracker) Untrack(_ context.Context, item *orchestrator.QueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracked, item.Handle())
	r.untracked = append(r.untracked, item.Handle())
	return nil
}

func TestTrackerSeesItemLifecycle(t *testing.T) {
	tracker := &recordingTracker{}
	o := orchestrator.New(orchestrator.WithTracker(tracker))
	item := newItem(t, "tracked", orchestrator.OperationInstall, noop(orchestrator.StageDownload), noop(orchestrator.StageOperation))
	if err := o.EnqueueAndRunItem(item); err != nil {
		t.Fatalf("EnqueueAndRunItem: %v", err)
	}
	waitCompleted(t, item)

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if len(tracker.tracked) != 0 || len(tracker.untracked) != 1 || tracker.untracked[0] != item.Handle() {
		t.Fatalf("tracker state tracked=%v untracked=%v", tracker.tracked, tracker.untracked)
	}
}

func TestTrackerFailureRejectsItem(t *testing.T) {
	tracker := &recordingTracker{failTrack: errors.New("database locked")}
	o := orchestrator.New(orchestrator.WithTracker(tracker))
	item := newItem(t, "untrackable", orchestrator.OperationInstall, noop(orchestrator.StageOperation))
	if err := o.EnqueueAndRunItem(item); err == nil || !strings.Contains(err.Error(), "database locked") {
		t.Fatalf("EnqueueAndRunItem = %v, want tracker error", err)
	}
	if _, ok := o.Get(item.Handle()); ok {
		t.Fatal("rejected item must not stay active")
	}
	if item.Completed().IsSet() {
		t.Fatal("rejected item must not complete")
	}
}

type blockingTracker struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingTracker) Track(context.Context, *orchestrator.QueueItem) error {
	b.entered <- struct{}{}
	<-b.release
	return nil
}

func (b *blockingTracker) Untrack(context.Context, *orchestrator.QueueItem) error { return nil }

func TestItemBeingTrackedIsNotDrained(t *testing.T) {
	tracker := &blockingTracker{entered: make(chan struct{}, 1), release: make(chan struct{})}
	o := orchestrator.New(orchestrator.WithTracker(tracker))
	item := newItem(t, "admitting", orchestrator.OperationInstall, noop(orchestrator.StageDownload), noop(orchestrator.StageOperation))

	errc := make(chan error, 1)
	go func() { errc <- o.EnqueueAndRunItem(item) }()
	select {
	case <-tracker.entered:
	case <-time.After(waitTimeout):
		t.Fatal("tracker was never called")
	}

	if o.WaitForRunningItems(0) {
		t.Fatal("pipeline reported idle while an item was being tracked")
	}
	if o.WaitForRunningItems(50 * time.Millisecond) {
		t.Fatal("WaitForRunningItems returned drained while an item was being tracked")
	}

	close(tracker.release)
	if err := <-errc; err != nil {
		t.Fatalf("EnqueueAndRunItem: %v", err)
	}
	waitCompleted(t, item)
	if !o.WaitForRunningItems(waitTimeout) {
		t.Fatal("expected drain once the item completed")
	}
}

func TestStatusStringAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := orchestrator.NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	o := orchestrator.New(orchestrator.WithMaxDownloadConcurrency(2), orchestrator.WithMetrics(metrics))

	status := o.StatusString()
	for _, want := range []string{"accepting", "download queued=0 running=0/2", "operation queued=0 running=0/1"} {
		if !strings.Contains(status, want) {
			t.Fatalf("status %q missing %q", status, want)
		}
	}

	item := newItem(t, "metered", orchestrator.OperationInstall, noop(orchestrator.StageDownload), noop(orchestrator.StageOperation))
	if err := o.EnqueueAndRunItem(item); err != nil {
		t.Fatalf("EnqueueAndRunItem: %v", err)
	}
	waitCompleted(t, item)

	if got := counterValue(t, reg, "stevedore_items_completed_total", map[string]string{"operation": "install", "result": "success"}); got != 1 {
		t.Fatalf("items_completed_total{install,success} = %v", got)
	}

	o.Disable(orchestrator.CancelAbort)
	if !strings.HasPrefix(o.StatusString(), "disabled(abort)") {
		t.Fatalf("status after disable = %q", o.StatusString())
	}
	if _, err := orchestrator.NewMetrics(reg); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestShutdownComponentDrains(t *testing.T) {
	o := orchestrator.New(orchestrator.WithOperationConcurrency(1))
	g := newGate()
	running := newItem(t, "running", orchestrator.OperationUninstall, g.command(orchestrator.StageOperation))
	queued := newItem(t, "queued", orchestrator.OperationUninstall, noop(orchestrator.StageOperation))
	for _, item := range []*orchestrator.QueueItem{running, queued} {
		if err := o.EnqueueAndRunItem(item); err != nil {
			t.Fatalf("EnqueueAndRunItem: %v", err)
		}
	}
	g.waitEntered(t)

	component := o.ShutdownComponent(waitTimeout)
	component.BlockNewWork(orchestrator.CancelCtrlCSignal)
	component.BeginShutdown(orchestrator.CancelCtrlCSignal)
	waitCompleted(t, queued)
	requireAborted(t, queued)

	short := o.ShutdownComponent(20 * time.Millisecond)
	if err := short.Wait(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("short Wait = %v, want deadline exceeded", err)
	}

	g.open()
	if err := component.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	requireAborted(t, running)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := 0
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] == pair.GetValue() {
					matched++
				}
			}
			if matched == len(labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
