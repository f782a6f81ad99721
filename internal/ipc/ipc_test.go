package ipc_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"stevedore/internal/daemon"
	"stevedore/internal/ipc"
	"stevedore/internal/logging"
	"stevedore/internal/testsupport"
)

func TestIPCServerClient(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	logger := logging.NewNop()
	d, err := daemon.New(cfg, st, logger)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(d.Stop)

	srv, err := ipc.NewServer(ctx, cfg.SocketPath(), d, logger)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC server test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(srv.Close)

	client, err := ipc.Dial(cfg.SocketPath())
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
	})

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if !status.Running || status.SocketPath != cfg.SocketPath() {
		t.Fatalf("unexpected status %+v", status)
	}

	testsupport.AddPackage(t, cfg, "main", "Contoso.Tool", "2.5", 1024)
	catalog, err := client.Catalog()
	if err != nil {
		t.Fatalf("Catalog RPC failed: %v", err)
	}
	if len(catalog.Packages) != 1 || catalog.Packages[0].Version != "2.5" {
		t.Fatalf("unexpected catalog %+v", catalog)
	}

	submitted, err := client.Submit(ipc.SubmitRequest{Operation: "install", PackageID: "Contoso.Tool"})
	if err != nil {
		t.Fatalf("Submit RPC failed: %v", err)
	}
	handle := submitted.Item.Handle

	deadline := time.Now().Add(10 * time.Second)
	var final ipc.ItemView
	for time.Now().Before(deadline) {
		resp, err := client.Describe(handle)
		if err == nil && !resp.Item.FinishedAt.IsZero() {
			final = resp.Item
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if final.Result != "success" {
		t.Fatalf("install did not succeed: %+v", final)
	}

	installed, err := client.Installed()
	if err != nil {
		t.Fatalf("Installed RPC failed: %v", err)
	}
	if len(installed.Packages) != 1 || installed.Packages[0].PackageID != "Contoso.Tool" {
		t.Fatalf("unexpected installed %+v", installed.Packages)
	}

	list, err := client.List(5)
	if err != nil {
		t.Fatalf("List RPC failed: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Handle != handle {
		t.Fatalf("unexpected list %+v", list.Items)
	}

	if _, err := client.Cancel(handle); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("cancelling a finished item should fail, got %v", err)
	}
	queued, err := client.CancelQueued()
	if err != nil || queued.Cancelled != 0 {
		t.Fatalf("CancelQueued = %+v, %v", queued, err)
	}

	if _, err := client.Submit(ipc.SubmitRequest{Operation: "install", PackageID: "Missing"}); err == nil {
		t.Fatal("expected submit of unknown package to fail")
	}

	stop, err := client.Stop()
	if err != nil || !stop.Stopping {
		t.Fatalf("Stop RPC = %+v, %v", stop, err)
	}
	select {
	case <-d.ShutdownRequested():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown sequence did not finish")
	}
}
