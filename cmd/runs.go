package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/civitas-labs/civicsync/internal/ingest"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent pipeline runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		pool, err := dbPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("output")

		runs, err := ingest.NewRunLog(pool).ListRecent(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "runs")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		return renderRuns(os.Stdout, runs, format)
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one pipeline run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Errorf("runs show: invalid run id %q", args[0])
		}

		pool, err := dbPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		run, err := ingest.NewRunLog(pool).Get(ctx, id)
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		if run == nil {
			return eris.Errorf("runs show: run %d not found", id)
		}

		format, _ := cmd.Flags().GetString("output")
		return renderRuns(os.Stdout, []ingest.Run{*run}, format)
	},
}

func init() {
	runsCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsCmd.PersistentFlags().StringP("output", "o", "table", "output format: table, json, yaml")
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

// renderRuns writes runs in the requested format.
func renderRuns(w io.Writer, runs []ingest.Run, format string) error {
	switch format {
	case "table", "":
		formatRunsTable(w, runs)
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	case "yaml":
		out, err := yaml.Marshal(runs)
		if err != nil {
			return eris.Wrap(err, "runs: marshal yaml")
		}
		_, err = w.Write(out)
		return err
	default:
		return eris.Errorf("runs: unknown output format %q", format)
	}
}

// formatRunsTable writes a tabular run list.
func formatRunsTable(out io.Writer, runs []ingest.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPIPELINE\tSTATUS\tSTARTED\tDURATION\tPROCESSED\tINSERTED\tNOTES")

	for _, r := range runs {
		dur := ""
		if r.EndedAt != nil {
			dur = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		notes := r.Notes
		if len(notes) > 48 {
			notes = notes[:45] + "..."
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID,
			r.Pipeline,
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			r.RowsProcessed,
			r.RowsInserted,
			notes,
		)
	}
	_ = w.Flush()
}
