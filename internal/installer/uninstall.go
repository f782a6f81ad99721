package installer

import (
	"context"
	"fmt"
	"os"

	"stevedore/internal/fileutil"
	"stevedore/internal/logging"
	"stevedore/internal/orchestrator"
	"stevedore/internal/services"
)

// UninstallCommand removes an installed package's files and registry row.
type UninstallCommand struct {
	inst *Installer
	id   orchestrator.ItemID
}

// NewUninstallCommand returns the operation-stage command removing id.
func (i *Installer) NewUninstallCommand(id orchestrator.ItemID) *UninstallCommand {
	return &UninstallCommand{inst: i, id: id}
}

func (c *UninstallCommand) Stage() orchestrator.Stage { return orchestrator.StageOperation }

func (c *UninstallCommand) Name() string { return "uninstall" }

func (c *UninstallCommand) Execute(ctx context.Context, ic *orchestrator.ItemContext) error {
	existing, err := c.inst.registry.GetInstalled(ctx, c.id.PackageID, c.id.SourceID)
	if err != nil {
		return fmt.Errorf("look up installed package: %w", err)
	}
	if existing == nil {
		return services.Wrap(services.ErrNotFound, "operation", "uninstall", c.id.String()+" is not installed", nil)
	}

	root := c.inst.cfg.Paths.InstallRoot
	if existing.InstallPath == "" || existing.InstallPath == root || !fileutil.Within(root, existing.InstallPath) {
		return services.Wrap(services.ErrValidation, "operation", "uninstall",
			fmt.Sprintf("refusing to remove %q outside install root %q", existing.InstallPath, root), nil)
	}
	if err := os.RemoveAll(existing.InstallPath); err != nil {
		return fmt.Errorf("remove %s: %w", existing.InstallPath, err)
	}
	if _, err := c.inst.registry.DeleteInstalled(ctx, c.id.PackageID, c.id.SourceID); err != nil {
		return fmt.Errorf("forget installed package: %w", err)
	}
	ic.ReportProgress(orchestrator.Progress{Stage: orchestrator.StageOperation, Message: "uninstalled"})

	c.inst.commandLogger(ctx).Info("package uninstalled",
		logging.String("version", existing.Version),
		logging.String("path", existing.InstallPath),
		logging.String(logging.FieldEventType, "uninstall_completed"),
	)
	return nil
}
