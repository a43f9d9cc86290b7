package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"librarian/internal/fileops"
)

type tombstoneView struct {
	Path     string    `json:"path"`
	Original string    `json:"original"`
	MarkedAt time.Time `json:"markedAt"`
	Failed   bool      `json:"failed"`
}

func newTombstonesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "tombstones",
		Short: "List files marked deleted or failed in the uploads directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			entries, err := fileops.ListTombstones(cfg.Paths.UploadsDir)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				views := make([]tombstoneView, 0, len(entries))
				for _, e := range entries {
					views = append(views, tombstoneView(e))
				}
				return writeJSON(cmd, views)
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No tombstoned files")
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				kind := "deleted"
				if e.Failed {
					kind = "failed"
				}
				rows = append(rows, []string{e.Original, kind, formatTime(e.MarkedAt), time.Since(e.MarkedAt).Round(time.Minute).String()})
			}
			fmt.Fprint(out, renderTable([]string{"File", "Kind", "Marked", "Age"}, rows, []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight}))
			return nil
		},
	}
}
