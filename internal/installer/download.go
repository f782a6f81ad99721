package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"stevedore/internal/fileutil"
	"stevedore/internal/logging"
	"stevedore/internal/manifest"
	"stevedore/internal/orchestrator"
	"stevedore/internal/services"
)

// DownloadCommand fetches a manifest's payload into the download cache and
// verifies its SHA-256. A cached payload with a matching hash is reused.
type DownloadCommand struct {
	inst     *Installer
	manifest *manifest.Manifest
}

// NewDownloadCommand returns the download-stage command for m.
func (i *Installer) NewDownloadCommand(m *manifest.Manifest) *DownloadCommand {
	return &DownloadCommand{inst: i, manifest: m}
}

func (c *DownloadCommand) Stage() orchestrator.Stage { return orchestrator.StageDownload }

func (c *DownloadCommand) Name() string { return "download" }

// Execute downloads the payload and publishes its path under KeyPayloadPath.
func (c *DownloadCommand) Execute(ctx context.Context, ic *orchestrator.ItemContext) error {
	m := c.manifest
	logger := c.inst.commandLogger(ctx)
	dest := filepath.Join(c.inst.cacheDir(m.Source, m.ID, m.Version), m.PayloadFileName())

	if fileutil.MatchesSHA256(dest, m.Installer.SHA256) {
		logger.Info("using cached payload",
			logging.String("path", dest),
			logging.String(logging.FieldEventType, "download_cache_hit"),
		)
		if info, err := os.Stat(dest); err == nil {
			ic.ReportProgress(orchestrator.Progress{
				Stage:      orchestrator.StageDownload,
				Message:    "cached",
				BytesDone:  info.Size(),
				BytesTotal: info.Size(),
			})
		}
		ic.Set(KeyPayloadPath, dest)
		return nil
	}

	source, err := m.ResolveURL()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return services.Wrap(services.ErrConfiguration, "download", "prepare cache", filepath.Dir(dest), err)
	}

	logger.Info("download started",
		logging.String("url", redactURL(source)),
		logging.String(logging.FieldEventType, "download_started"),
	)

	body, total, err := c.open(ctx, source)
	if err != nil {
		return err
	}
	defer body.Close()

	partial, written, sum, err := c.copyWithProgress(ctx, ic, logger, body, dest, total)
	if err != nil {
		return err
	}
	if !strings.EqualFold(sum, m.Installer.SHA256) {
		_ = os.Remove(partial)
		return services.Wrap(services.ErrIntegrity, "download", "verify", fmt.Sprintf("%s: got sha256 %s, want %s", m.ID, sum, m.Installer.SHA256), nil)
	}
	if err := os.Rename(partial, dest); err != nil {
		_ = os.Remove(partial)
		// A concurrent item for the same payload may have committed first.
		if !fileutil.MatchesSHA256(dest, m.Installer.SHA256) {
			return fmt.Errorf("commit download: %w", err)
		}
	}

	logger.Info("download completed",
		logging.String("path", dest),
		logging.Int64("bytes", written),
		logging.String(logging.FieldEventType, "download_completed"),
	)
	ic.Set(KeyPayloadPath, dest)
	return nil
}

// open returns a reader for source and its size, or -1 when unknown.
func (c *DownloadCommand) open(ctx context.Context, source *url.URL) (io.ReadCloser, int64, error) {
	if source.Scheme == "file" {
		path := filepath.FromSlash(source.Path)
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, 0, services.Wrap(services.ErrNotFound, "download", "open payload", path, err)
			}
			return nil, 0, services.Wrap(services.ErrExternalTool, "download", "open payload", path, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("stat payload: %w", err)
		}
		return f, info.Size(), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.String(), nil)
	if err != nil {
		return nil, 0, services.Wrap(services.ErrValidation, "download", "build request", redactURL(source), err)
	}
	if ua := strings.TrimSpace(c.inst.cfg.Download.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	resp, err := c.inst.client.Do(req)
	if err != nil {
		if ctxErr := context.Cause(ctx); ctxErr != nil {
			return nil, 0, ctxErr
		}
		return nil, 0, services.Wrap(services.ErrTransient, "download", "request", redactURL(source), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, 0, statusError(resp.StatusCode, redactURL(source))
	}
	return resp.Body, resp.ContentLength, nil
}

// copyWithProgress streams body into a uniquely named temp file next to dest
// and returns its path, size, and SHA-256. The temp file is removed on error.
func (c *DownloadCommand) copyWithProgress(ctx context.Context, ic *orchestrator.ItemContext, logger *slog.Logger, body io.Reader, dest string, total int64) (path string, written int64, sum string, err error) {
	out, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return "", 0, "", fmt.Errorf("create temp file for %s: %w", dest, err)
	}
	path = out.Name()
	defer func() {
		out.Close()
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	sampler := logging.NewProgressSampler(25)
	counter := &fileutil.CountingWriter{OnUpdate: func(done int64) {
		ic.ReportProgress(orchestrator.Progress{
			Stage:      orchestrator.StageDownload,
			Message:    "downloading",
			BytesDone:  done,
			BytesTotal: total,
		})
		percent := -1.0
		if total > 0 {
			percent = float64(done) * 100 / float64(total)
		}
		if sampler.ShouldLog(percent, "downloading") {
			logger.Debug("download progress",
				logging.Int64("bytes_done", done),
				logging.Int64("bytes_total", total),
				logging.String(logging.FieldEventType, "download_progress"),
			)
		}
	}}

	hash := sha256.New()
	written, err = io.Copy(io.MultiWriter(out, hash, counter), contextReader{ctx: ctx, r: body})
	if err != nil {
		if ctxErr := context.Cause(ctx); ctxErr != nil {
			return path, written, "", ctxErr
		}
		return path, written, "", services.Wrap(services.ErrTransient, "download", "read payload", dest, err)
	}
	if err = out.Close(); err != nil {
		return path, written, "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, written, hex.EncodeToString(hash.Sum(nil)), nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

func statusError(code int, target string) error {
	msg := fmt.Sprintf("%s returned %d %s", target, code, http.StatusText(code))
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return services.Wrap(services.ErrNotFound, "download", "request", msg, nil)
	case code == http.StatusTooManyRequests || code >= 500:
		return services.Wrap(services.ErrTransient, "download", "request", msg, nil)
	default:
		return services.Wrap(services.ErrExternalTool, "download", "request", msg, nil)
	}
}

func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Redacted()
}
