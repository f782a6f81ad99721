package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stevedore/internal/daemonctl"
	"stevedore/internal/daemonrun"
	"stevedore/internal/ipc"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var development bool
	runCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the stevedore daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if socket := ctx.socketPath(); socket != cfg.SocketPath() {
				return fmt.Errorf("--socket %s does not match configured state dir socket %s", socket, cfg.SocketPath())
			}
			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return daemonrun.Run(signalCtx, cfg, daemonrun.Options{
				LogLevel:    ctx.logLevel(),
				Development: development,
			})
		},
	}
	runCmd.Flags().BoolVar(&development, "development", false, "Include source locations in log output")

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the stevedore daemon in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			result, err := daemonctl.EnsureStarted(ctx.socketPath(), exe, daemonctl.LaunchOptions{
				ConfigPath: ctx.configPath,
				LogLevel:   ctx.logLevel(),
			}, 10*time.Second)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintf(out, "Daemon started (pid %d)\n", result.PID)
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintf(out, "Daemon already running (pid %d)\n", result.PID)
			}
			return nil
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the stevedore daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg := ctx.configValue()
			grace := 10 * time.Second
			if cfg != nil {
				grace = cfg.DrainTimeout() + 5*time.Second
			}
			result, err := daemonctl.StopAndTerminate(ctx.socketPath(), cfg, grace)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(out, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(out, "Daemon did not drain in time; killed pid %d\n", result.PID)
				return nil
			}
			fmt.Fprintln(out, "Daemon stopped")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and stage queue status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			alive, pid, err := daemonctl.ProcessInfo(ctx.socketPath())
			if !alive {
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, ipc.StatusResponse{Running: false})
				}
				fmt.Fprintln(out, renderStatusLine("Daemon", statusWarn, "not running", shouldColorize(out)))
				return nil
			}
			if err != nil {
				return fmt.Errorf("daemon is answering but status failed: %w", err)
			}
			client, err := ctx.dialClient()
			if err != nil {
				return fmt.Errorf("daemon pid %d stopped answering: %w", pid, err)
			}
			defer client.Close()
			status, err := client.Status()
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, status)
			}
			renderStatus(out, status, shouldColorize(out))
			return nil
		},
	}

	return []*cobra.Command{runCmd, startCmd, stopCmd, statusCmd}
}

func renderStatus(out io.Writer, status *ipc.StatusResponse, colorize bool) {
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(out, line)
	}
	daemonKind, daemonText := statusOK, "running (pid "+strconv.Itoa(status.PID)+")"
	if !status.Running {
		daemonKind, daemonText = statusWarn, "stopped"
	}
	fmt.Fprintln(out, renderStatusLine("Daemon", daemonKind, daemonText, colorize))
	if !status.StartedAt.IsZero() {
		fmt.Fprintln(out, renderStatusLine("Started", statusInfo, relativeTime(status.StartedAt), colorize))
	}
	accepting := statusOK
	acceptText := "accepting requests"
	if !status.Orchestrator.Accepting {
		accepting = statusWarn
		acceptText = "not accepting"
		if status.Orchestrator.DisableReason != "" {
			acceptText += ": " + status.Orchestrator.DisableReason
		}
	}
	fmt.Fprintln(out, renderStatusLine("Orchestrator", accepting, acceptText, colorize))
	fmt.Fprintln(out, renderStatusLine("Active", statusInfo, strconv.Itoa(status.Orchestrator.ActiveItems), colorize))
	fmt.Fprintln(out, renderStatusLine("Installed", statusInfo, strconv.Itoa(status.Installed), colorize))
	fmt.Fprintln(out, renderStatusLine("Database", statusInfo, status.DatabasePath, colorize))
	fmt.Fprintln(out, renderStatusLine("Catalog", statusInfo, status.CatalogDir, colorize))
	if status.APIAddress != "" {
		fmt.Fprintln(out, renderStatusLine("HTTP API", statusInfo, status.APIAddress, colorize))
	}
	fmt.Fprintln(out)

	if len(status.Checks) > 0 {
		for _, line := range renderSectionHeader("System Checks", colorize) {
			fmt.Fprintln(out, line)
		}
		for _, check := range status.Checks {
			kind := statusOK
			if !check.Passed {
				kind = statusError
			}
			fmt.Fprintln(out, renderStatusLine(check.Name, kind, check.Detail, colorize))
		}
		fmt.Fprintln(out)
	}

	for _, line := range renderSectionHeader("Stages", colorize) {
		fmt.Fprintln(out, line)
	}
	rows := make([][]string, 0, len(status.Orchestrator.Stages))
	for _, st := range status.Orchestrator.Stages {
		limit := "unbounded"
		if st.MaxConcurrency > 0 {
			limit = strconv.Itoa(st.MaxConcurrency)
		}
		rows = append(rows, []string{titleLabel(st.Name), strconv.Itoa(st.Queued), strconv.Itoa(st.Running), limit})
	}
	fmt.Fprint(out, renderTable([]string{"Stage", "Queued", "Running", "Limit"}, rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight}))
}
