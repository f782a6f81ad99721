package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"stevedore/internal/config"
	"stevedore/internal/installer"
	"stevedore/internal/logging"
	"stevedore/internal/manifest"
	"stevedore/internal/orchestrator"
	"stevedore/internal/preflight"
	"stevedore/internal/services"
	"stevedore/internal/shutdown"
	"stevedore/internal/store"
)

// ErrNotRunning is returned by requests made before Start or after Stop.
var ErrNotRunning = errors.New("daemon not running")

// Daemon coordinates package operations and enforces single-instance execution.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	catalog   *manifest.Catalog
	installer *installer.Installer
	orch      *orchestrator.Orchestrator
	registry  *prometheus.Registry
	coord     *shutdown.Coordinator
	api       *apiServer

	lockPath string
	lock     *flock.Flock

	running   atomic.Bool
	stopped   atomic.Bool
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	mu       sync.Mutex
	closing  bool
	progress map[string]orchestrator.Progress
	recorded map[string]chan struct{}
	watchers sync.WaitGroup
}

// Option customizes a Daemon.
type Option func(*daemonOptions)

type daemonOptions struct {
	installerOpts []installer.Option
}

// WithInstallerOptions forwards opts to the installer the daemon builds.
func WithInstallerOptions(opts ...installer.Option) Option {
	return func(o *daemonOptions) { o.installerOpts = append(o.installerOpts, opts...) }
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil || st == nil {
		return nil, errors.New("daemon requires config and store")
	}
	var options daemonOptions
	for _, opt := range opts {
		opt(&options)
	}
	logger = logging.NewComponentLogger(logger, "daemon")

	registry := prometheus.NewRegistry()
	var metrics *orchestrator.Metrics
	if cfg.Metrics.Enabled {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m, err := orchestrator.NewMetrics(registry)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		metrics = m
	}

	orch := orchestrator.New(
		orchestrator.WithMaxDownloadConcurrency(cfg.Orchestrator.MaxDownloadConcurrency),
		orchestrator.WithOperationConcurrency(cfg.Orchestrator.OperationConcurrency),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithTracker(st),
	)
	coord := shutdown.NewCoordinator(logger)
	coord.Register(orch.ShutdownComponent(cfg.DrainTimeout()))

	d := &Daemon{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		catalog:   manifest.NewCatalog(cfg.Paths.CatalogDir),
		installer: installer.New(cfg, st, logger, options.installerOpts...),
		orch:      orch,
		registry:  registry,
		coord:     coord,
		lockPath:  cfg.LockPath(),
		lock:      flock.New(cfg.LockPath()),
		progress:  make(map[string]orchestrator.Progress),
		recorded:  make(map[string]chan struct{}),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock, clears stale in-flight rows, and starts the
// HTTP listener when one is configured.
func (d *Daemon) Start(ctx context.Context) error {
	if d.stopped.Load() {
		return errors.New("daemon already stopped")
	}
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another stevedore daemon instance is already running")
	}

	if stale, err := d.store.ResetInflight(ctx); err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("reset in-flight journal: %w", err)
	} else if stale > 0 {
		logging.WarnWithContext(d.logger, "cleared stale in-flight operations", "inflight_reset",
			logging.Int64("count", stale),
			logging.String(logging.FieldErrorHint, "a previous daemon exited with work in progress; rerun those operations"),
		)
	}

	for _, check := range preflight.Failed(preflight.RunAll(ctx, d.cfg)) {
		logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
			logging.String("check", check.Name),
			logging.String("detail", check.Detail),
			logging.String(logging.FieldErrorHint, "operations touching this path are likely to fail"),
		)
	}

	d.ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if err := d.api.start(d.ctx); err != nil {
		d.cancel()
		_ = d.lock.Unlock()
		return err
	}

	d.startedAt = time.Now()
	d.running.Store(true)
	d.logger.Info("stevedore daemon started",
		logging.String("lock", d.lockPath),
		logging.String("orchestrator", d.orch.StatusString()),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

// Run starts the daemon and blocks until ctx ends or a shutdown is signalled,
// then drains and stops it.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	stopSignals := shutdown.Listen(ctx, d.coord)
	defer stopSignals()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.api.serve(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-d.coord.Done():
		}
		return nil
	})
	err := g.Wait()
	d.Stop()
	return err
}

// Stop runs the shutdown sequence, stops the HTTP listener, and releases the
// lock. The daemon cannot be restarted.
func (d *Daemon) Stop() {
	if !d.running.Load() || !d.stopped.CompareAndSwap(false, true) {
		return
	}
	// No watcher may be added once the drain below starts.
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()
	d.logger.Info("stevedore daemon stopping",
		logging.String("orchestrator", d.orch.StatusString()),
		logging.String(logging.FieldEventType, "daemon_stopping"),
	)

	if err := d.coord.Shutdown(context.Background(), orchestrator.CancelAppShutdown); err != nil {
		logging.WarnWithContext(d.logger, "shutdown did not drain cleanly", "daemon_drain_incomplete",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "in-flight rows will be cleared on next start"),
		)
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.orch.Close()
	if !waitGroupTimeout(&d.watchers, d.cfg.DrainTimeout()) {
		d.logger.Warn("history writers still running at exit",
			logging.String(logging.FieldEventType, "history_flush_timeout"))
	}
	d.api.stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("stevedore daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close stops the daemon and closes the store.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// ShutdownRequested is closed once a shutdown sequence has finished.
func (d *Daemon) ShutdownRequested() <-chan struct{} {
	return d.coord.Done()
}

// RequestShutdown begins a graceful shutdown without blocking.
func (d *Daemon) RequestShutdown() {
	d.coord.Signal(orchestrator.CancelAppShutdown)
}

// Registry returns the Prometheus registry the daemon's collectors use.
func (d *Daemon) Registry() *prometheus.Registry {
	return d.registry
}

// Orchestrator exposes the underlying orchestrator for diagnostics.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator {
	return d.orch
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool                  `json:"running"`
	PID          int                   `json:"pid"`
	StartedAt    time.Time             `json:"started_at"`
	Orchestrator orchestrator.Snapshot `json:"orchestrator"`
	Inflight     int                   `json:"inflight"`
	Installed    int                   `json:"installed"`
	DatabasePath string                `json:"database_path"`
	LockPath     string                `json:"lock_path"`
	SocketPath   string                `json:"socket_path"`
	APIAddress   string                `json:"api_address,omitempty"`
	CatalogDir   string                `json:"catalog_dir"`
	Checks       []preflight.Result    `json:"checks,omitempty"`
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		StartedAt:    d.startedAt,
		Orchestrator: d.orch.Stats(),
		DatabasePath: d.store.Path(),
		LockPath:     d.lockPath,
		SocketPath:   d.cfg.SocketPath(),
		APIAddress:   d.api.address(),
		CatalogDir:   d.catalog.Dir(),
		Checks:       preflight.RunAll(ctx, d.cfg),
	}
	if rows, err := d.store.ListInflight(ctx); err == nil {
		status.Inflight = len(rows)
	}
	if rows, err := d.store.ListInstalled(ctx); err == nil {
		status.Installed = len(rows)
	}
	return status
}

// Installed returns every installed package.
func (d *Daemon) Installed(ctx context.Context) ([]store.InstalledPackage, error) {
	return d.store.ListInstalled(ctx)
}

// Catalog returns every manifest available from the configured catalog.
func (d *Daemon) Catalog(context.Context) ([]*manifest.Manifest, error) {
	return d.catalog.List()
}

// resolveInstalled finds the installed row for packageID. An empty sourceID
// matches any source as long as the match is unique.
func (d *Daemon) resolveInstalled(ctx context.Context, packageID, sourceID string) (orchestrator.ItemID, error) {
	if sourceID != "" {
		row, err := d.store.GetInstalled(ctx, packageID, sourceID)
		if err != nil {
			return orchestrator.ItemID{}, err
		}
		if row == nil {
			return orchestrator.ItemID{}, fmt.Errorf("%w: %s/%s is not installed", services.ErrNotFound, sourceID, packageID)
		}
		return orchestrator.ItemID{PackageID: row.PackageID, SourceID: row.SourceID}, nil
	}

	rows, err := d.store.ListInstalled(ctx)
	if err != nil {
		return orchestrator.ItemID{}, err
	}
	var matches []orchestrator.ItemID
	for _, row := range rows {
		if strings.EqualFold(row.PackageID, packageID) {
			matches = append(matches, orchestrator.ItemID{PackageID: row.PackageID, SourceID: row.SourceID})
		}
	}
	switch len(matches) {
	case 0:
		return orchestrator.ItemID{}, fmt.Errorf("%w: %s is not installed", services.ErrNotFound, packageID)
	case 1:
		return matches[0], nil
	default:
		return orchestrator.ItemID{}, fmt.Errorf("%w: %s is installed from %d sources; pass a source", manifest.ErrAmbiguous, packageID, len(matches))
	}
}

func waitGroupTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
