package installer

import (
	"context"
	"fmt"
	"path/filepath"

	"stevedore/internal/fileutil"
	"stevedore/internal/logging"
	"stevedore/internal/orchestrator"
	"stevedore/internal/services"
)

// RepairCommand verifies an installed package against its recorded hash and
// restores the payload from the download cache when it is missing or damaged.
type RepairCommand struct {
	inst *Installer
	id   orchestrator.ItemID
}

// NewRepairCommand returns the operation-stage command repairing id.
func (i *Installer) NewRepairCommand(id orchestrator.ItemID) *RepairCommand {
	return &RepairCommand{inst: i, id: id}
}

func (c *RepairCommand) Stage() orchestrator.Stage { return orchestrator.StageOperation }

func (c *RepairCommand) Name() string { return "repair" }

func (c *RepairCommand) Execute(ctx context.Context, ic *orchestrator.ItemContext) error {
	logger := c.inst.commandLogger(ctx)
	existing, err := c.inst.registry.GetInstalled(ctx, c.id.PackageID, c.id.SourceID)
	if err != nil {
		return fmt.Errorf("look up installed package: %w", err)
	}
	if existing == nil {
		return services.Wrap(services.ErrNotFound, "operation", "repair", c.id.String()+" is not installed", nil)
	}
	if existing.PayloadPath == "" {
		return services.Wrap(services.ErrValidation, "operation", "repair", c.id.String()+" has no recorded payload", nil)
	}

	installed := filepath.Join(existing.InstallPath, filepath.Base(existing.PayloadPath))
	if fileutil.MatchesSHA256(installed, existing.SHA256) {
		logger.Info("package intact",
			logging.String("path", installed),
			logging.String(logging.FieldEventType, "repair_not_needed"),
		)
		ic.ReportProgress(orchestrator.Progress{Stage: orchestrator.StageOperation, Message: "intact"})
		return nil
	}

	if !fileutil.MatchesSHA256(existing.PayloadPath, existing.SHA256) {
		return services.Wrap(services.ErrNotFound, "operation", "repair",
			fmt.Sprintf("cached payload %s is missing or damaged; reinstall %s", existing.PayloadPath, c.id.PackageID), nil)
	}
	if err := fileutil.CopyVerified(existing.PayloadPath, installed, existing.SHA256, 0o755); err != nil {
		return fmt.Errorf("restore %s: %w", installed, err)
	}
	ic.ReportProgress(orchestrator.Progress{Stage: orchestrator.StageOperation, Message: "repaired"})
	logging.WarnWithContext(logger, "package repaired from cache", "repair_completed",
		logging.String("path", installed),
		logging.String(logging.FieldErrorHint, "installed files were missing or modified"),
	)
	return nil
}
