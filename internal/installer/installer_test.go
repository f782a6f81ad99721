package installer_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"stevedore/internal/config"
	"stevedore/internal/installer"
	"stevedore/internal/manifest"
	"stevedore/internal/orchestrator"
	"stevedore/internal/services"
	"stevedore/internal/store"
	"stevedore/internal/testsupport"
)

type harness struct {
	cfg   *config.Config
	store *store.Store
	inst  *installer.Installer
	orch  *orchestrator.Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	orch := orchestrator.New(orchestrator.WithTracker(st))
	t.Cleanup(orch.Close)
	return &harness{
		cfg:   cfg,
		store: st,
		inst:  installer.New(cfg, st, nil),
		orch:  orch,
	}
}

func (h *harness) run(t *testing.T, item *orchestrator.QueueItem) error {
	t.Helper()
	if err := h.orch.EnqueueAndRunItem(item); err != nil {
		t.Fatalf("EnqueueAndRunItem: %v", err)
	}
	if !item.Completed().Wait(10 * time.Second) {
		t.Fatalf("item %s did not complete", item.ID())
	}
	return item.Context().TerminationStatus()
}

func (h *harness) do(t *testing.T, op orchestrator.OperationType, m *manifest.Manifest) error {
	t.Helper()
	item, err := h.inst.BuildItem(context.Background(), op, m)
	if err != nil {
		t.Fatalf("BuildItem(%s): %v", op, err)
	}
	return h.run(t, item)
}

func (h *harness) installed(t *testing.T, m *manifest.Manifest) *store.InstalledPackage {
	t.Helper()
	row, err := h.store.GetInstalled(context.Background(), m.ID, m.Source)
	if err != nil {
		t.Fatalf("GetInstalled: %v", err)
	}
	return row
}

func TestInstallFromCatalogPayload(t *testing.T) {
	h := newHarness(t)
	m := testsupport.AddPackage(t, h.cfg, "main", "Contoso.Tool", "1.0", 100_000)

	if err := h.do(t, orchestrator.OperationInstall, m); err != nil {
		t.Fatalf("install: %v", err)
	}

	row := h.installed(t, m)
	if row == nil || row.Version != "1.0" || row.SHA256 != m.Installer.SHA256 {
		t.Fatalf("unexpected installed row %+v", row)
	}
	if row.InstallPath != filepath.Join(h.cfg.Paths.InstallRoot, "Contoso.Tool") {
		t.Fatalf("install path = %q", row.InstallPath)
	}
	installedFile := filepath.Join(row.InstallPath, m.PayloadFileName())
	if info, err := os.Stat(installedFile); err != nil || info.Size() != 100_000 {
		t.Fatalf("installed file: %v, %v", info, err)
	}
	if !strings.HasPrefix(row.PayloadPath, h.cfg.Paths.DownloadDir) {
		t.Fatalf("payload path %q not under download dir", row.PayloadPath)
	}
	entries, err := os.ReadDir(h.cfg.Paths.InstallRoot)
	if err != nil || len(entries) != 1 {
		t.Fatalf("install root should only hold the package dir: %v, %v", entries, err)
	}
}

func TestInstallSameVersionIsNoop(t *testing.T) {
	h := newHarness(t)
	m := testsupport.AddPackage(t, h.cfg, "main", "Contoso.Tool", "1.0", 512)
	if err := h.do(t, orchestrator.OperationInstall, m); err != nil {
		t.Fatalf("first install: %v", err)
	}
	first := h.installed(t, m)
	if err := h.do(t, orchestrator.OperationInstall, m); err != nil {
		t.Fatalf("second install: %v", err)
	}
	if second := h.installed(t, m); !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatalf("row rewritten on no-op install: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}
}

func TestUpgradeReplacesInstalledVersion(t *testing.T) {
	h := newHarness(t)
	v1 := testsupport.AddPackage(t, h.cfg, "main", "Contoso.Tool", "1.0", 256)
	if err := h.do(t, orchestrator.OperationInstall, v1); err != nil {
		t.Fatalf("install v1: %v", err)
	}
	v2 := testsupport.AddPackage(t, h.cfg, "main", "Contoso.Tool", "2.0", 300)

	if err := h.do(t, orchestrator.OperationInstall, v2); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("install over different version err = %v, want ErrValidation", err)
	}
	if err := h.do(t, orchestrator.OperationUpgrade, v2); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	row := h.installed(t, v2)
	if row.Version != "2.0" {
		t.Fatalf("version = %q, want 2.0", row.Version)
	}
	if info, err := os.Stat(filepath.Join(row.InstallPath, v2.PayloadFileName())); err != nil || info.Size() != 300 {
		t.Fatalf("upgraded payload: %v, %v", info, err)
	}
	if _, err := os.Stat(filepath.Join(row.InstallPath, v1.PayloadFileName())); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("old payload should be gone, stat err = %v", err)
	}
}

func TestUpgradeRequiresInstalledPackage(t *testing.T) {
	h := newHarness(t)
	m := testsupport.AddPackage(t, h.cfg, "main", "Contoso.Tool", "1.0", 64)
	if err := h.do(t, orchestrator.OperationUpgrade, m); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDownloadOverHTTP(t *testing.T) {
	payload := []byte(strings.Repeat("stevedore", 4096))
	sum := sha256.Sum256(payload)
	agents := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents <- r.Header.Get("User-Agent")
		w.Write(payload)
	}))
	defer srv.Close()

	h := newHarness(t)
	m := &manifest.Manifest{
		ID:        "Contoso.Web",
		Version:   "3.1",
		Source:    "main",
		Installer: manifest.Installer{URL: srv.URL + "/dist/web-setup.bin", SHA256: hex.EncodeToString(sum[:])},
	}
	item, err := h.inst.DownloadItem(context.Background(), m)
	if err != nil {
		t.Fatalf("DownloadItem: %v", err)
	}
	var (
		mu   sync.Mutex
		last orchestrator.Progress
	)
	item.Context().SetProgressSink(func(p orchestrator.Progress) {
		mu.Lock()
		last = p
		mu.Unlock()
	})

	if err := h.run(t, item); err != nil {
		t.Fatalf("download: %v", err)
	}
	if gotAgent := <-agents; gotAgent != h.cfg.Download.UserAgent {
		t.Fatalf("User-Agent = %q, want %q", gotAgent, h.cfg.Download.UserAgent)
	}
	path := item.Context().StringValue(installer.KeyPayloadPath)
	if filepath.Base(path) != "web-setup.bin" {
		t.Fatalf("payload path = %q", path)
	}
	mu.Lock()
	defer mu.Unlock()
	if last.BytesDone != int64(len(payload)) || last.Stage != orchestrator.StageDownload {
		t.Fatalf("last progress = %+v", last)
	}
	if row := h.installed(t, m); row != nil {
		t.Fatalf("download must not record an install: %+v", row)
	}
}

func TestConcurrentDownloadsOfSamePayloadBothSucceed(t *testing.T) {
	payload := []byte(strings.Repeat("payload-", 8192))
	sum := sha256.Sum256(payload)
	half := len(payload) / 2
	midBody := make(chan struct{}, 2)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload[:half])
		w.(http.Flusher).Flush()
		midBody <- struct{}{}
		<-release
		w.Write(payload[half:])
	}))
	defer srv.Close()

	h := newHarness(t)
	m := &manifest.Manifest{
		ID:        "Contoso.Shared",
		Version:   "1.0",
		Source:    "main",
		Installer: manifest.Installer{URL: srv.URL + "/a.bin", SHA256: hex.EncodeToString(sum[:])},
	}

	items := make([]*orchestrator.QueueItem, 2)
	for i := range items {
		item, err := h.inst.DownloadItem(context.Background(), m)
		if err != nil {
			t.Fatalf("DownloadItem: %v", err)
		}
		if err := h.orch.EnqueueAndRunItem(item); err != nil {
			t.Fatalf("EnqueueAndRunItem: %v", err)
		}
		items[i] = item
	}
	for range items {
		select {
		case <-midBody:
		case <-time.After(5 * time.Second):
			t.Fatal("downloads did not both start")
		}
	}
	close(release)

	for i, item := range items {
		if !item.Completed().Wait(10 * time.Second) {
			t.Fatalf("item %d did not complete", i)
		}
		if status := item.Context().TerminationStatus(); status != nil {
			t.Fatalf("item %d status = %v", i, status)
		}
		if path := item.Context().StringValue(installer.KeyPayloadPath); filepath.Base(path) != "a.bin" {
			t.Fatalf("item %d payload path = %q", i, path)
		}
	}
	cache := filepath.Join(h.cfg.Paths.DownloadDir, "main", "Contoso.Shared", "1.0")
	entries, err := os.ReadDir(cache)
	if err != nil || len(entries) != 1 || entries[0].Name() != "a.bin" {
		t.Fatalf("cache entries = %v, %v; want only a.bin", entries, err)
	}
}

func TestDownloadHTTPFailuresAreClassified(t *testing.T) {
	tests := []struct {
		name   string
		status int
		marker error
	}{
		{"missing", http.StatusNotFound, services.ErrNotFound},
		{"unavailable", http.StatusServiceUnavailable, services.ErrTransient},
		{"forbidden", http.StatusForbidden, services.ErrExternalTool},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			h := newHarness(t)
			m := &manifest.Manifest{
				ID:        "Contoso.Web",
				Version:   "1",
				Source:    "main",
				Installer: manifest.Installer{URL: srv.URL + "/x.bin", SHA256: strings.Repeat("a", 64)},
			}
			err := h.do(t, orchestrator.OperationDownload, m)
			if !errors.Is(err, tt.marker) {
				t.Fatalf("err = %v, want %v", err, tt.marker)
			}
		})
	}
}

func TestDownloadRejectsHashMismatch(t *testing.T) {
	h := newHarness(t)
	m := testsupport.AddPackage(t, h.cfg, "main", "Contoso.Tool", "1.0", 128)
	m.Installer.SHA256 = strings.Repeat("0", 64)

	if err := h.do(t, orchestrator.OperationInstall, m); !errors.Is(err, services.ErrIntegrity) {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}
	cache := filepath.Join(h.cfg.Paths.DownloadDir, "main", "Contoso.Tool", "1.0")
	entries, _ := os.ReadDir(cache)
	if len(entries) != 0 {
		t.Fatalf("cache should be empty after a bad download: %v", entries)
	}
	if row := h.installed(t, m); row != nil {
		t.Fatalf("failed install recorded a row: %+v", row)
	}
}

func TestCancelDuringDownloadAborts(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	h := newHarness(t)
	m := &manifest.Manifest{
		ID:        "Contoso.Slow",
		Version:   "1",
		Source:    "main",
		Installer: manifest.Installer{URL: srv.URL + "/slow.bin", SHA256: strings.Repeat("b", 64)},
	}
	item, err := h.inst.InstallItem(context.Background(), m)
	if err != nil {
		t.Fatalf("InstallItem: %v", err)
	}
	if err := h.orch.EnqueueAndRunItem(item); err != nil {
		t.Fatalf("EnqueueAndRunItem: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("download never started")
	}
	if err := h.orch.CancelItem(item); err != nil {
		t.Fatalf("CancelItem: %v", err)
	}
	if !item.Completed().Wait(5 * time.Second) {
		t.Fatal("cancelled item did not finish")
	}
	if status := item.Context().TerminationStatus(); !errors.Is(status, orchestrator.ErrAborted) {
		t.Fatalf("status = %v, want ErrAborted", status)
	}
	if row := h.installed(t, m); row != nil {
		t.Fatalf("aborted install recorded a row: %+v", row)
	}
}

func TestUninstall(t *testing.T) {
	h := newHarness(t)
	m := testsupport.AddPackage(t, h.cfg, "main", "Contoso.Tool", "1.0", 64)
	if err := h.do(t, orchestrator.OperationInstall, m); err != nil {
		t.Fatalf("install: %v", err)
	}
	row := h.installed(t, m)

	item, err := h.inst.UninstallItem(context.Background(), orchestrator.ItemID{PackageID: m.ID, SourceID: m.Source})
	if err != nil {
		t.Fatalf("UninstallItem: %v", err)
	}
	if err := h.run(t, item); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if _, err := os.Stat(row.InstallPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("install dir still present: %v", err)
	}
	if h.installed(t, m) != nil {
		t.Fatal("installed row still present")
	}

	if err := h.do(t, orchestrator.OperationUninstall, m); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("second uninstall err = %v, want ErrNotFound", err)
	}
}

func TestRepairRestoresDamagedInstall(t *testing.T) {
	h := newHarness(t)
	m := testsupport.AddPackage(t, h.cfg, "main", "Contoso.Tool", "1.0", 2048)
	if err := h.do(t, orchestrator.OperationInstall, m); err != nil {
		t.Fatalf("install: %v", err)
	}
	row := h.installed(t, m)
	installedFile := filepath.Join(row.InstallPath, m.PayloadFileName())
	if err := os.WriteFile(installedFile, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	id := orchestrator.ItemID{PackageID: m.ID, SourceID: m.Source}
	item, err := h.inst.RepairItem(context.Background(), id)
	if err != nil {
		t.Fatalf("RepairItem: %v", err)
	}
	if err := h.run(t, item); err != nil {
		t.Fatalf("repair: %v", err)
	}
	if info, err := os.Stat(installedFile); err != nil || info.Size() != 2048 {
		t.Fatalf("repaired file: %v, %v", info, err)
	}

	if err := os.Remove(row.PayloadPath); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(installedFile); err != nil {
		t.Fatal(err)
	}
	if err := h.do(t, orchestrator.OperationRepair, m); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("repair without cache err = %v, want ErrNotFound", err)
	}
}

func TestBuildItemShapes(t *testing.T) {
	h := newHarness(t)
	m := testsupport.AddPackage(t, h.cfg, "main", "Contoso.Tool", "1.0", 16)
	tests := []struct {
		op       orchestrator.OperationType
		commands int
	}{
		{orchestrator.OperationInstall, 2},
		{orchestrator.OperationUpgrade, 2},
		{orchestrator.OperationDownload, 1},
		{orchestrator.OperationUninstall, 1},
		{orchestrator.OperationRepair, 1},
	}
	for _, tt := range tests {
		item, err := h.inst.BuildItem(context.Background(), tt.op, m)
		if err != nil {
			t.Fatalf("BuildItem(%s): %v", tt.op, err)
		}
		if item.CommandCount() != tt.commands {
			t.Fatalf("%s commands = %d, want %d", tt.op, item.CommandCount(), tt.commands)
		}
		if item.CommandName() != "root:"+string(tt.op) {
			t.Fatalf("CommandName = %q", item.CommandName())
		}
	}
	if _, err := h.inst.BuildItem(context.Background(), "reinstall", m); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("unsupported op err = %v, want ErrValidation", err)
	}
}
