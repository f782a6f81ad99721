package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"stevedore/internal/ipc"
)

func newItemCommands(ctx *commandContext) []*cobra.Command {
	var history int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List active requests and recent history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.List(history)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp.Items)
				}
				out := cmd.OutOrStdout()
				if len(resp.Items) == 0 {
					fmt.Fprintln(out, "No requests")
					return nil
				}
				fmt.Fprint(out, renderTable(itemHeaders, itemRows(resp.Items), nil))
				return nil
			})
		},
	}
	listCmd.Flags().IntVar(&history, "history", 20, "Number of finished requests to include (0 for none)")

	showCmd := &cobra.Command{
		Use:   "show <handle>",
		Short: "Show one request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Describe(args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp.Item)
				}
				out := cmd.OutOrStdout()
				describeItem(out, resp.Item, shouldColorize(out))
				return nil
			})
		},
	}

	var queued bool
	cancelCmd := &cobra.Command{
		Use:   "cancel [handle]",
		Short: "Cancel a request, or every queued request with --queued",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if queued == (len(args) == 1) {
				return errors.New("pass either a handle or --queued")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				var (
					resp *ipc.CancelResponse
					err  error
				)
				if queued {
					resp, err = client.CancelQueued()
				} else {
					resp, err = client.Cancel(args[0])
				}
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				if queued {
					fmt.Fprintf(out, "Cancelled %d queued requests\n", resp.Cancelled)
					return nil
				}
				fmt.Fprintf(out, "Cancellation requested for %s\n", args[0])
				return nil
			})
		},
	}
	cancelCmd.Flags().BoolVar(&queued, "queued", false, "Cancel every request that has not started")

	return []*cobra.Command{listCmd, showCmd, cancelCmd}
}
