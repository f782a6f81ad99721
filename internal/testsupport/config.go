package testsupport

import (
	"path/filepath"
	"testing"

	"stevedore/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.DownloadDir = filepath.Join(base, "downloads")
	cfgVal.Paths.InstallRoot = filepath.Join(base, "packages")
	cfgVal.Paths.CatalogDir = filepath.Join(base, "catalog")
	cfgVal.Paths.APIBind = ""
	cfgVal.Orchestrator.DrainTimeoutSeconds = 5
	cfgVal.Download.TimeoutSeconds = 10
	cfgVal.Metrics.Enabled = false

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithDownloadConcurrency overrides the download stage limit.
func WithDownloadConcurrency(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Orchestrator.MaxDownloadConcurrency = n
	}
}

// WithAPIBind enables the HTTP listener on addr.
func WithAPIBind(addr string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Paths.APIBind = addr
	}
}

// WithMetrics toggles the Prometheus endpoint.
func WithMetrics(enabled bool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Metrics.Enabled = enabled
	}
}

// WithCompletedHistory bounds the finished-request history.
func WithCompletedHistory(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Orchestrator.CompletedHistory = n
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
