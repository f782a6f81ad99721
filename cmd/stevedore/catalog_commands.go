package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"stevedore/internal/ipc"
)

func newInstalledCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "installed",
		Short: "List installed packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Installed()
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp.Packages)
				}
				out := cmd.OutOrStdout()
				if len(resp.Packages) == 0 {
					fmt.Fprintln(out, "No packages installed")
					return nil
				}
				rows := make([][]string, 0, len(resp.Packages))
				for _, pkg := range resp.Packages {
					rows = append(rows, []string{
						pkg.PackageID,
						pkg.SourceID,
						pkg.Version,
						relativeTime(pkg.UpdatedAt),
						pkg.InstallPath,
					})
				}
				fmt.Fprint(out, renderTable([]string{"Package", "Source", "Version", "Updated", "Path"}, rows, nil))
				return nil
			})
		},
	}
}

func newCatalogCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List packages available from catalog sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Catalog()
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				if resp.Warning != "" {
					fmt.Fprintln(cmd.ErrOrStderr(), renderStatusLine("Catalog", statusWarn, resp.Warning, shouldColorize(cmd.ErrOrStderr())))
				}
				if len(resp.Packages) == 0 {
					fmt.Fprintln(out, "Catalog is empty")
					return nil
				}
				rows := make([][]string, 0, len(resp.Packages))
				for _, pkg := range resp.Packages {
					rows = append(rows, []string{pkg.PackageID, pkg.SourceID, pkg.Version, pkg.Name, pkg.Publisher})
				}
				fmt.Fprint(out, renderTable([]string{"Package", "Source", "Version", "Name", "Publisher"}, rows, nil))
				return nil
			})
		},
	}
}
