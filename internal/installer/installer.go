package installer

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"

	"stevedore/internal/config"
	"stevedore/internal/logging"
	"stevedore/internal/store"
)

// KeyPayloadPath is the ItemContext key under which the download command
// publishes the verified payload location.
const KeyPayloadPath = "payload_path"

// Registry records which packages are installed.
type Registry interface {
	UpsertInstalled(ctx context.Context, pkg store.InstalledPackage) error
	GetInstalled(ctx context.Context, packageID, sourceID string) (*store.InstalledPackage, error)
	DeleteInstalled(ctx context.Context, packageID, sourceID string) (bool, error)
}

// Installer builds commands that share configuration, an HTTP client, and the
// installed-package registry.
type Installer struct {
	cfg      *config.Config
	registry Registry
	client   *http.Client
	logger   *slog.Logger
}

// Option customizes an Installer.
type Option func(*Installer)

// WithHTTPClient replaces the default client used for http(s) payloads.
func WithHTTPClient(client *http.Client) Option {
	return func(i *Installer) {
		if client != nil {
			i.client = client
		}
	}
}

// New returns an Installer. The default HTTP client applies the configured
// download timeout.
func New(cfg *config.Config, registry Registry, logger *slog.Logger, opts ...Option) *Installer {
	i := &Installer{
		cfg:      cfg,
		registry: registry,
		client:   &http.Client{Timeout: cfg.DownloadTimeout()},
		logger:   logging.NewComponentLogger(logger, "installer"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Installer) installDir(packageID string) string {
	return filepath.Join(i.cfg.Paths.InstallRoot, packageID)
}

func (i *Installer) cacheDir(sourceID, packageID, version string) string {
	return filepath.Join(i.cfg.Paths.DownloadDir, sourceID, packageID, version)
}

func (i *Installer) commandLogger(ctx context.Context) *slog.Logger {
	return logging.WithContext(ctx, i.logger)
}
