package installer

import (
	"context"
	"fmt"

	"stevedore/internal/manifest"
	"stevedore/internal/orchestrator"
	"stevedore/internal/services"
)

// BuildItem assembles a queue item for op against m. The item's context
// derives from parent, so cancelling parent terminates running commands.
//
//	install, upgrade: download + install
//	download:         download
//	uninstall:        uninstall
//	repair:           repair
func (i *Installer) BuildItem(parent context.Context, op orchestrator.OperationType, m *manifest.Manifest) (*orchestrator.QueueItem, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: manifest is required", services.ErrValidation)
	}
	id := orchestrator.ItemID{PackageID: m.ID, SourceID: m.Source}

	var cmds []orchestrator.Command
	switch op {
	case orchestrator.OperationInstall:
		cmds = []orchestrator.Command{i.NewDownloadCommand(m), i.NewInstallCommand(m, false)}
	case orchestrator.OperationUpgrade:
		cmds = []orchestrator.Command{i.NewDownloadCommand(m), i.NewInstallCommand(m, true)}
	case orchestrator.OperationDownload:
		cmds = []orchestrator.Command{i.NewDownloadCommand(m)}
	case orchestrator.OperationUninstall:
		cmds = []orchestrator.Command{i.NewUninstallCommand(id)}
	case orchestrator.OperationRepair:
		cmds = []orchestrator.Command{i.NewRepairCommand(id)}
	default:
		return nil, fmt.Errorf("%w: unsupported operation %q", services.ErrValidation, op)
	}

	item := orchestrator.NewQueueItem(id, orchestrator.NewItemContext(parent), op)
	for _, cmd := range cmds {
		if err := item.AddCommand(cmd); err != nil {
			return nil, err
		}
	}
	return item, nil
}

// InstallItem is BuildItem with OperationInstall.
func (i *Installer) InstallItem(parent context.Context, m *manifest.Manifest) (*orchestrator.QueueItem, error) {
	return i.BuildItem(parent, orchestrator.OperationInstall, m)
}

// UpgradeItem is BuildItem with OperationUpgrade.
func (i *Installer) UpgradeItem(parent context.Context, m *manifest.Manifest) (*orchestrator.QueueItem, error) {
	return i.BuildItem(parent, orchestrator.OperationUpgrade, m)
}

// DownloadItem is BuildItem with OperationDownload.
func (i *Installer) DownloadItem(parent context.Context, m *manifest.Manifest) (*orchestrator.QueueItem, error) {
	return i.BuildItem(parent, orchestrator.OperationDownload, m)
}

// UninstallItem builds an uninstall item from an identity alone, for packages
// whose manifest has left the catalog.
func (i *Installer) UninstallItem(parent context.Context, id orchestrator.ItemID) (*orchestrator.QueueItem, error) {
	return i.BuildItem(parent, orchestrator.OperationUninstall, &manifest.Manifest{ID: id.PackageID, Source: id.SourceID})
}

// RepairItem builds a repair item from an identity alone.
func (i *Installer) RepairItem(parent context.Context, id orchestrator.ItemID) (*orchestrator.QueueItem, error) {
	return i.BuildItem(parent, orchestrator.OperationRepair, &manifest.Manifest{ID: id.PackageID, Source: id.SourceID})
}
