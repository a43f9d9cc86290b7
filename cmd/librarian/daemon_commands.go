package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"librarian/internal/config"
	"librarian/internal/daemonctl"
	"librarian/internal/daemonrun"
	"librarian/internal/ipc"
	"librarian/internal/preflight"
)

const (
	stopGracePeriod  = 10 * time.Second
	startWaitTimeout = 10 * time.Second
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var startLogLevel string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the librarian daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			result, err := daemonctl.EnsureStarted(ctx.socketPath(), exe, launchOptions(ctx, startLogLevel), startWaitTimeout)
			if err != nil {
				return err
			}
			if result.Launched {
				fmt.Fprintln(stdout, "Daemon not running, launching...")
			}
			printStartState(stdout, result, "Daemon started")
			return nil
		},
	}
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "", "Daemon log level (debug, info, warn, error)")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Drain the workers and terminate the daemon process",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.socketPath(), ctx.configValue(), stopGracePeriod)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.StopAcknowledged {
				fmt.Fprintln(stdout, "Workers drained")
			}
			if result.ForcedKill {
				fmt.Fprintf(stdout, "Daemon did not exit in %s; killed pid %d\n", stopGracePeriod, result.PID)
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	var restartLogLevel string
	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the librarian daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			result, err := daemonctl.Restart(
				ctx.socketPath(),
				ctx.configValue(),
				exe,
				launchOptions(ctx, restartLogLevel),
				stopGracePeriod,
				startWaitTimeout,
			)
			if err != nil {
				return err
			}
			if result.WasRunning {
				if result.Stop.ForcedKill {
					fmt.Fprintf(stdout, "Killed daemon process (pid %d)\n", result.Stop.PID)
				}
				fmt.Fprintln(stdout, "Daemon stopped")
			}
			printStartState(stdout, result.Start, "Daemon restarted")
			return nil
		},
	}
	restartCmd.Flags().StringVar(&restartLogLevel, "log-level", "", "Daemon log level (debug, info, warn, error)")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, broker and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			snapshot, err := daemonctl.BuildStatusSnapshot(cmd.Context(), ctx.socketPath(), cfg)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, snapshot.Status)
			}
			renderStatus(cmd.Context(), cmd.OutOrStdout(), cfg, snapshot)
			return nil
		},
	}

	return []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd}
}

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	var development bool
	var noAPI bool
	cmd := &cobra.Command{
		Use:     "daemon",
		Aliases: []string{"run"},
		Short:   "Run the daemon in the foreground until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    logLevel,
				Development: development,
				NoAPI:       noAPI,
			})
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	cmd.Flags().BoolVar(&development, "development", false, "Human-friendly development logging")
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "Do not start the HTTP API server")
	return cmd
}

func renderStatus(ctx context.Context, out io.Writer, cfg *config.Config, snapshot daemonctl.StatusSnapshot) {
	colorize := shouldColorize(out)
	status := snapshot.Status

	printSection(out, "Daemon", colorize)
	switch {
	case snapshot.Offline:
		fmt.Fprintln(out, renderStatusLine("Daemon", statusInfo, "Not running", colorize))
	case status.Running:
		fmt.Fprintln(out, renderStatusLine("Daemon", statusOK, "Running (pid "+strconv.Itoa(status.PID)+")", colorize))
	default:
		fmt.Fprintln(out, renderStatusLine("Daemon", statusWarn, "Process up, workers stopped", colorize))
	}
	brokerKind, brokerDetail := statusOK, status.BrokerDriver
	if !status.BrokerEnabled {
		brokerKind, brokerDetail = statusWarn, "Disabled (jobs are not queued)"
	}
	fmt.Fprintln(out, renderStatusLine("Broker", brokerKind, brokerDetail, colorize))
	if status.LastError != "" {
		fmt.Fprintln(out, renderStatusLine("Last error", statusWarn, status.LastError, colorize))
	}
	if job := status.LastJob; job != nil {
		fmt.Fprintln(out, renderStatusLine("Last job", statusInfo,
			fmt.Sprintf("%s/%s %s (attempt %d, %s)", job.Queue, job.ID, job.State, job.Attempt, job.At.Local().Format(time.RFC3339)), colorize))
	}
	if cfg != nil && !snapshot.Offline {
		check := preflight.CheckAPI(ctx, cfg.Paths.APIBind)
		kind := statusOK
		if !check.Passed {
			kind = statusWarn
		}
		fmt.Fprintln(out, renderStatusLine("HTTP API", kind, check.Detail, colorize))
	}
	fmt.Fprintln(out)

	printSection(out, "Queues", colorize)
	if status.StatsError != "" {
		fmt.Fprintln(out, renderStatusLine("Counts", statusError, status.StatsError, colorize))
		return
	}
	fmt.Fprint(out, queueTable(status.Queues))
}

func queueTable(stats []ipc.QueueStats) string {
	rows := make([][]string, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, []string{
			s.Queue,
			strconv.FormatInt(s.Counts.Waiting, 10),
			strconv.FormatInt(s.Counts.Delayed, 10),
			strconv.FormatInt(s.Counts.Active, 10),
			strconv.FormatInt(s.Counts.Completed, 10),
			strconv.FormatInt(s.Counts.Failed, 10),
			strconv.Itoa(s.Concurrency),
		})
	}
	right := []columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight}
	return renderTable([]string{"Queue", "Waiting", "Delayed", "Active", "Completed", "Failed", "Workers"}, rows, right)
}

func printStartState(out io.Writer, result daemonctl.StartResult, startedMessage string) {
	switch result.State {
	case daemonctl.StartStateStarted:
		fmt.Fprintln(out, startedMessage)
	case daemonctl.StartStateAlreadyRunning:
		fmt.Fprintln(out, "Daemon already running")
	default:
		if msg := strings.TrimSpace(result.Message); msg != "" {
			fmt.Fprintln(out, msg)
			return
		}
		fmt.Fprintln(out, "Start request sent")
	}
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

func launchOptions(ctx *commandContext, logLevel string) daemonctl.LaunchOptions {
	return daemonctl.LaunchOptions{
		ConfigPath: ctx.configPath(),
		LogLevel:   strings.TrimSpace(logLevel),
	}
}
