package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stevedore/internal/daemon"
	"stevedore/internal/daemonrun"
	"stevedore/internal/ipc"
	"stevedore/internal/services"
)

const waitPollInterval = 250 * time.Millisecond

type packageOperation struct {
	name  string
	short string
}

var packageOperations = []packageOperation{
	{name: "install", short: "Download and install a package from the catalog"},
	{name: "upgrade", short: "Replace an installed package with the catalog version"},
	{name: "download", short: "Fetch and verify a package payload without installing it"},
	{name: "uninstall", short: "Remove an installed package"},
	{name: "repair", short: "Restore an installed package from the download cache"},
}

func newPackageCommands(ctx *commandContext) []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(packageOperations))
	for _, op := range packageOperations {
		cmds = append(cmds, newPackageCommand(ctx, op))
	}
	return cmds
}

func newPackageCommand(ctx *commandContext, op packageOperation) *cobra.Command {
	var source string
	var local bool
	var wait bool

	cmd := &cobra.Command{
		Use:   op.name + " <package-id>",
		Short: op.short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := daemon.SubmitRequest{
				Operation: op.name,
				PackageID: args[0],
				SourceID:  source,
			}
			var (
				view daemon.ItemView
				err  error
			)
			if local {
				view, err = runLocal(cmd, ctx, req)
			} else {
				view, err = submitRemote(cmd, ctx, req, wait)
			}
			if err != nil {
				return err
			}
			return reportItem(cmd, ctx, view)
		},
	}
	cmd.Flags().StringVarP(&source, "source", "s", "", "Catalog source to resolve the package from")
	cmd.Flags().BoolVar(&local, "local", false, "Run in this process instead of the daemon")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the daemon to finish the request")
	return cmd
}

func runLocal(cmd *cobra.Command, ctx *commandContext, req daemon.SubmitRequest) (daemon.ItemView, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return daemon.ItemView{}, err
	}
	logger, err := ctx.cliLogger()
	if err != nil {
		return daemon.ItemView{}, err
	}
	signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return daemonrun.RunLocal(signalCtx, cfg, logger, req, progressPrinter(cmd.ErrOrStderr(), ctx.jsonOutput()))
}

func submitRemote(cmd *cobra.Command, ctx *commandContext, req daemon.SubmitRequest, wait bool) (daemon.ItemView, error) {
	var view daemon.ItemView
	err := ctx.withClient(func(client *ipc.Client) error {
		resp, err := client.Submit(req)
		if err != nil {
			return err
		}
		view = resp.Item
		if !wait {
			return nil
		}
		view, err = waitForItem(cmd.Context(), client, view.Handle, progressPrinter(cmd.ErrOrStderr(), ctx.jsonOutput()))
		return err
	})
	return view, err
}

func waitForItem(ctx context.Context, client *ipc.Client, handle string, onProgress func(daemon.ItemView)) (daemon.ItemView, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		resp, err := client.Describe(handle)
		if err != nil {
			return daemon.ItemView{}, err
		}
		if resp.Item.Finished() {
			return resp.Item, nil
		}
		if onProgress != nil {
			onProgress(resp.Item)
		}
		select {
		case <-ctx.Done():
			return resp.Item, ctx.Err()
		case <-ticker.C:
		}
	}
}

// progressPrinter writes a line whenever an item's progress text changes.
func progressPrinter(out io.Writer, quiet bool) func(daemon.ItemView) {
	if quiet {
		return nil
	}
	var last string
	return func(item daemon.ItemView) {
		text := progressText(item.Progress)
		if text == "" || text == last {
			return
		}
		last = text
		fmt.Fprintf(out, "%s: %s\n", titleLabel(item.Stage), text)
	}
}

func reportItem(cmd *cobra.Command, ctx *commandContext, view daemon.ItemView) error {
	if ctx.jsonOutput() {
		if err := writeJSON(cmd, view); err != nil {
			return err
		}
	} else {
		out := cmd.OutOrStdout()
		if view.Finished() {
			describeItem(out, view, shouldColorize(out))
		} else {
			fmt.Fprintf(out, "Queued %s %s as %s\n", view.Operation, view.PackageID, view.Handle)
		}
	}
	if view.Finished() && view.Result != services.ResultSuccess {
		if view.Error != "" {
			return fmt.Errorf("%s %s %s: %s", view.Operation, view.PackageID, view.Result, view.Error)
		}
		return fmt.Errorf("%s %s %s", view.Operation, view.PackageID, view.Result)
	}
	return nil
}
