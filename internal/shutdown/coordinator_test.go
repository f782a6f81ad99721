package shutdown_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"stevedore/internal/orchestrator"
	"stevedore/internal/shutdown"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *recorder) joined() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.calls, ",")
}

type fakeComponent struct {
	name    string
	rec     *recorder
	waitErr error
	reasons []orchestrator.CancelReason
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) BlockNewWork(reason orchestrator.CancelReason) {
	f.reasons = append(f.reasons, reason)
	f.rec.add(f.name + ".block")
}

func (f *fakeComponent) BeginShutdown(orchestrator.CancelReason) {
	f.rec.add(f.name + ".begin")
}

func (f *fakeComponent) Wait(context.Context) error {
	f.rec.add(f.name + ".wait")
	return f.waitErr
}

func TestCoordinatorRunsPhasesInOrder(t *testing.T) {
	rec := &recorder{}
	a := &fakeComponent{name: "a", rec: rec}
	b := &fakeComponent{name: "b", rec: rec}
	coord := shutdown.NewCoordinator(nil)
	coord.Register(a)
	coord.Register(b)

	coord.Signal(orchestrator.CancelCtrlCSignal)
	coord.Signal(orchestrator.CancelAppShutdown)

	select {
	case <-coord.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not finish")
	}
	if got := rec.joined(); got != "a.block,b.block,a.begin,b.begin,a.wait,b.wait" {
		t.Fatalf("call order = %s", got)
	}
	if reason, ok := coord.Reason(); !ok || reason != orchestrator.CancelCtrlCSignal {
		t.Fatalf("reason = %v, %v", reason, ok)
	}
	if len(a.reasons) != 1 {
		t.Fatalf("component signalled %d times", len(a.reasons))
	}
	if coord.Err() != nil {
		t.Fatalf("unexpected error %v", coord.Err())
	}
}

func TestCoordinatorJoinsWaitErrors(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("still running")
	coord := shutdown.NewCoordinator(nil)
	coord.Register(&fakeComponent{name: "slow", rec: rec, waitErr: boom})
	coord.Register(&fakeComponent{name: "fast", rec: rec})

	err := coord.Shutdown(context.Background(), orchestrator.CancelAppShutdown)
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "slow") {
		t.Fatalf("Shutdown = %v", err)
	}

	late := &fakeComponent{name: "late", rec: rec}
	coord.Register(late)
	if strings.Contains(rec.joined(), "late") {
		t.Fatal("late component must be ignored")
	}
}

func TestCoordinatorDrivesOrchestrator(t *testing.T) {
	o := orchestrator.New()
	release := make(chan struct{})
	started := make(chan struct{})
	item := orchestrator.NewQueueItem(orchestrator.ItemID{PackageID: "pkg"}, nil, orchestrator.OperationUninstall)
	if err := item.AddCommand(orchestrator.NewCommand(orchestrator.StageOperation, "block", func(context.Context, *orchestrator.ItemContext) error {
		close(started)
		<-release
		return nil
	})); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	if err := o.EnqueueAndRunItem(item); err != nil {
		t.Fatalf("EnqueueAndRunItem: %v", err)
	}
	<-started

	coord := shutdown.NewCoordinator(nil)
	coord.Register(o.ShutdownComponent(5 * time.Second))
	coord.Signal(orchestrator.CancelAppShutdown)

	select {
	case <-coord.Done():
		t.Fatal("shutdown must wait for the running item")
	case <-time.After(30 * time.Millisecond):
	}
	if o.Accepting() {
		t.Fatal("orchestrator should be disabled")
	}
	close(release)
	select {
	case <-coord.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not finish")
	}
	if !errors.Is(item.Context().TerminationStatus(), orchestrator.ErrAborted) {
		t.Fatalf("item status = %v", item.Context().TerminationStatus())
	}
}

func TestReasonForSignal(t *testing.T) {
	if shutdown.ReasonForSignal(os.Interrupt) != orchestrator.CancelCtrlCSignal {
		t.Fatal("SIGINT should map to ctrl-c")
	}
	if shutdown.ReasonForSignal(syscall.SIGTERM) != orchestrator.CancelAppShutdown {
		t.Fatal("SIGTERM should map to app shutdown")
	}
}
