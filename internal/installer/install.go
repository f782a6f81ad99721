package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"stevedore/internal/fileutil"
	"stevedore/internal/logging"
	"stevedore/internal/manifest"
	"stevedore/internal/orchestrator"
	"stevedore/internal/services"
	"stevedore/internal/store"
)

// InstallCommand places the downloaded payload under the install root and
// records the package as installed. In upgrade mode the package must already
// be installed; in install mode a different installed version is rejected.
type InstallCommand struct {
	inst     *Installer
	manifest *manifest.Manifest
	upgrade  bool
}

// NewInstallCommand returns the operation-stage command for m.
func (i *Installer) NewInstallCommand(m *manifest.Manifest, upgrade bool) *InstallCommand {
	return &InstallCommand{inst: i, manifest: m, upgrade: upgrade}
}

func (c *InstallCommand) Stage() orchestrator.Stage { return orchestrator.StageOperation }

func (c *InstallCommand) Name() string {
	if c.upgrade {
		return "upgrade"
	}
	return "install"
}

func (c *InstallCommand) Execute(ctx context.Context, ic *orchestrator.ItemContext) error {
	m := c.manifest
	logger := c.inst.commandLogger(ctx)
	payload := ic.StringValue(KeyPayloadPath)
	if payload == "" {
		return services.Wrap(services.ErrValidation, "operation", c.Name(), "no downloaded payload for "+m.ID, nil)
	}

	existing, err := c.inst.registry.GetInstalled(ctx, m.ID, m.Source)
	if err != nil {
		return fmt.Errorf("look up installed package: %w", err)
	}
	target := c.inst.installDir(m.ID)
	installedFile := filepath.Join(target, m.PayloadFileName())
	switch {
	case c.upgrade && existing == nil:
		return services.Wrap(services.ErrNotFound, "operation", "upgrade", m.ID+" is not installed", nil)
	case !c.upgrade && existing != nil && existing.Version != m.Version:
		return services.Wrap(services.ErrValidation, "operation", "install",
			fmt.Sprintf("%s is already installed at version %s; use upgrade", m.ID, existing.Version), nil)
	case existing != nil && existing.Version == m.Version && fileutil.MatchesSHA256(installedFile, m.Installer.SHA256):
		logger.Info("package already installed",
			logging.String("version", m.Version),
			logging.String(logging.FieldEventType, "install_skipped"),
		)
		return nil
	}

	if err := c.place(ctx, payload, target, m); err != nil {
		return err
	}
	ic.ReportProgress(orchestrator.Progress{Stage: orchestrator.StageOperation, Message: "installed"})

	record := store.InstalledPackage{
		PackageID:   m.ID,
		SourceID:    m.Source,
		Name:        m.Name,
		Version:     m.Version,
		InstallPath: target,
		PayloadPath: payload,
		SHA256:      m.Installer.SHA256,
	}
	if err := c.inst.registry.UpsertInstalled(ctx, record); err != nil {
		return fmt.Errorf("record installed package: %w", err)
	}

	attrs := []logging.Attr{
		logging.String("version", m.Version),
		logging.String("path", target),
		logging.String(logging.FieldEventType, c.Name()+"_completed"),
	}
	if existing != nil && existing.Version != m.Version {
		attrs = append(attrs, logging.String("previous_version", existing.Version))
	}
	msg := "package installed"
	if c.upgrade {
		msg = "package upgraded"
	}
	logger.Info(msg, logging.Args(attrs...)...)
	return nil
}

// place stages the payload next to target and swaps it in.
func (c *InstallCommand) place(ctx context.Context, payload, target string, m *manifest.Manifest) error {
	root := c.inst.cfg.Paths.InstallRoot
	if err := os.MkdirAll(root, 0o755); err != nil {
		return services.Wrap(services.ErrConfiguration, "operation", "prepare install root", root, err)
	}
	staging := filepath.Join(root, ".staging-"+m.ID+"-"+uuid.NewString())
	defer os.RemoveAll(staging)

	if err := fileutil.CopyVerified(payload, filepath.Join(staging, m.PayloadFileName()), m.Installer.SHA256, 0o755); err != nil {
		return fmt.Errorf("stage payload for %s: %w", m.ID, err)
	}
	if err := context.Cause(ctx); err != nil {
		return err
	}
	return swapDir(staging, target)
}

// swapDir replaces target with staging, restoring the previous directory if
// the final rename fails.
func swapDir(staging, target string) error {
	backup := ""
	if _, err := os.Stat(target); err == nil {
		backup = target + ".old-" + uuid.NewString()
		if err := os.Rename(target, backup); err != nil {
			return fmt.Errorf("move previous install aside: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", target, err)
	}
	if err := os.Rename(staging, target); err != nil {
		if backup != "" {
			_ = os.Rename(backup, target)
		}
		return fmt.Errorf("activate install: %w", err)
	}
	if backup != "" {
		_ = os.RemoveAll(backup)
	}
	return nil
}
