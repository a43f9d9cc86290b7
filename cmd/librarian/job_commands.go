package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"librarian/internal/archive"
	"librarian/internal/config"
	"librarian/internal/ipc"
	"librarian/internal/queue"
	"librarian/internal/queueaccess"
)

func newJobCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newStatsCommand(ctx),
		newDeleteCommand(ctx),
		newZipCommand(ctx),
		newZipStatusCommand(ctx),
		newSweepCommand(ctx),
		newJobCommand(ctx),
	}
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-queue job counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withAccess(cmd, func(access queueaccess.Access) error {
				stats, err := access.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, ipc.StatsResponse{Queues: stats})
				}
				fmt.Fprint(cmd.OutOrStdout(), queueTable(stats))
				return nil
			})
		},
	}
}

func newDeleteCommand(ctx *commandContext) *cobra.Command {
	var materialID string
	var priority int
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "delete <path>",
		Short: "Queue an uploaded file for deletion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.ExpandPath(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}
			if delay < 0 {
				return errors.New("--delay must not be negative")
			}
			return ctx.withAccess(cmd, func(access queueaccess.Access) error {
				job, err := access.EnqueueDeletion(cmd.Context(), ipc.EnqueueDeletionRequest{
					FilePath:   path,
					MaterialID: strings.TrimSpace(materialID),
					Priority:   priority,
					DelayMs:    delay.Milliseconds(),
				})
				if err != nil {
					return err
				}
				return printJob(cmd, ctx, job)
			})
		},
	}
	cmd.Flags().StringVar(&materialID, "material", "", "Material ID that owned the file")
	cmd.Flags().IntVar(&priority, "priority", 0, "Job priority (1 runs first)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Wait this long before deleting")
	return cmd
}

func newZipCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "zip <material-id>...",
		Short: "Schedule a ZIP archive of materials",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withAccess(cmd, func(access queueaccess.Access) error {
				requestID, err := access.ScheduleZip(cmd.Context(), args)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, ipc.ScheduleZipResponse{RequestID: requestID})
				}
				if requestID == "" {
					fmt.Fprintln(cmd.OutOrStdout(), "Broker disabled; nothing was scheduled")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Scheduled ZIP request %s\n", requestID)
				return nil
			})
		},
	}
}

func newZipStatusCommand(ctx *commandContext) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "zip-status <request-id>",
		Short: "Show the progress of a ZIP request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			requestID := strings.TrimSpace(args[0])
			return ctx.withAccess(cmd, func(access queueaccess.Access) error {
				status, err := pollZipStatus(cmd.Context(), access, requestID, wait)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, ipc.ZipStatusResponse{Status: status})
				}
				if status == nil {
					return fmt.Errorf("zip request %s not found", requestID)
				}
				renderZipStatus(cmd.OutOrStdout(), status)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "Poll until the request finishes or this much time passes")
	return cmd
}

func pollZipStatus(ctx context.Context, access queueaccess.Access, requestID string, wait time.Duration) (*archive.Status, error) {
	deadline := time.Now().Add(wait)
	for {
		status, err := access.ZipStatus(ctx, requestID)
		if err != nil || status == nil || wait <= 0 {
			return status, err
		}
		if status.Status == archive.StatusCompleted || status.Status == archive.StatusFailed {
			return status, nil
		}
		if time.Now().After(deadline) {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func renderZipStatus(out io.Writer, status *archive.Status) {
	rows := [][]string{
		{"Request", status.RequestID},
		{"Status", string(status.Status)},
		{"Progress", strconv.FormatFloat(status.Progress, 'f', 0, 64) + "%"},
	}
	if r := status.Result; r != nil {
		rows = append(rows,
			[]string{"Archive", r.FilePath},
			[]string{"Download", r.DownloadURL},
			[]string{"Materials", strconv.Itoa(r.MaterialCount)},
		)
	}
	if status.Error != "" {
		rows = append(rows, []string{"Error", status.Error})
	}
	fmt.Fprint(out, renderTable([]string{"Field", "Value"}, rows, nil))
}

func newSweepCommand(ctx *commandContext) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Queue an immediate orphaned file sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withAccess(cmd, func(access queueaccess.Access) error {
				job, err := access.Sweep(cmd.Context(), dryRun)
				if err != nil {
					return err
				}
				return printJob(cmd, ctx, job)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report expired tombstones without deleting them")
	return cmd
}

func newJobCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "job <queue> <id>",
		Short: "Show a single job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withAccess(cmd, func(access queueaccess.Access) error {
				job, err := access.Job(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return printJob(cmd, ctx, job)
			})
		},
	}
}

func printJob(cmd *cobra.Command, ctx *commandContext, job *queue.Job) error {
	if ctx.jsonOutput() {
		return writeJSON(cmd, ipc.JobResponse{Job: job})
	}
	out := cmd.OutOrStdout()
	if job == nil {
		fmt.Fprintln(out, "Broker disabled; nothing was queued")
		return nil
	}
	rows := [][]string{
		{"Queue", job.Queue},
		{"ID", job.ID},
		{"Name", job.Name},
		{"State", string(job.State)},
		{"Attempts", fmt.Sprintf("%d/%d", job.AttemptsMade, job.Opts.Attempts)},
		{"Created", formatTime(job.CreatedAt)},
	}
	if !job.RunAt.IsZero() && job.State == queue.StateDelayed {
		rows = append(rows, []string{"Runs at", formatTime(job.RunAt)})
	}
	if !job.FinishedAt.IsZero() {
		rows = append(rows, []string{"Finished", formatTime(job.FinishedAt)})
	}
	if job.FailedReason != "" {
		rows = append(rows, []string{"Failure", job.FailedReason})
	}
	if len(job.ReturnValue) > 0 && string(job.ReturnValue) != "null" {
		rows = append(rows, []string{"Result", compactJSON(job.ReturnValue)})
	}
	fmt.Fprint(out, renderTable([]string{"Field", "Value"}, rows, nil))
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(time.RFC3339)
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
