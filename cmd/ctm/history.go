package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chattomap/ctm/internal/api"
	"github.com/chattomap/ctm/internal/store"
)

func newHistoryCmd(g *globals) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past export runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, g, args, limit, asJSON)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "show at most N runs (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func runHistory(cmd *cobra.Command, g *globals, args []string, limit int, asJSON bool) error {
	e, err := g.open()
	if err != nil {
		return err
	}
	defer e.close()

	db, err := openHistory(e.log)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		run, ok, err := db.GetRun(args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("run %s not found", args[0])
		}
		if asJSON {
			return writeJSON(out, api.RunFromStore(run))
		}
		printRun(out, run)
		return nil
	}

	runs, err := db.ListRuns(limit)
	if err != nil {
		return err
	}
	if asJSON {
		views := make([]api.Run, 0, len(runs))
		for _, r := range runs {
			views = append(views, api.RunFromStore(r))
		}
		return writeJSON(out, views)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No export runs yet.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED\tSTATUS\tCHATS\tMESSAGES\tJOB")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, r.StartedAt.Local().Format("2006-01-02 15:04"), runStatus(r),
			r.Conversations, r.Messages, dash(r.JobID))
	}
	return w.Flush()
}

func printRun(w io.Writer, r *store.Run) {
	fmt.Fprintf(w, "Run:           %s\n", r.ID)
	fmt.Fprintf(w, "Status:        %s\n", runStatus(r))
	fmt.Fprintf(w, "Database:      %s\n", r.DBPath)
	fmt.Fprintf(w, "Conversations: %s\n", joinInts(r.ConversationIDs))
	fmt.Fprintf(w, "Messages:      %d (%d attachments, %d missing)\n", r.Messages, r.Attachments, r.MissingAttachments)
	fmt.Fprintf(w, "Started:       %s\n", r.StartedAt.Local().Format(time.RFC3339))
	if !r.FinishedAt.IsZero() {
		fmt.Fprintf(w, "Took:          %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	if r.ArchivePath != "" {
		fmt.Fprintf(w, "Archive:       %s\n", r.ArchivePath)
	}
	if r.JobID != "" {
		fmt.Fprintf(w, "Job:           %s (%s)\n", r.JobID, dash(r.JobState))
		fmt.Fprintf(w, "Results:       %s\n", r.ResultsURL)
	}
	if r.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:         [%s] %s\n", r.ErrorClass, r.ErrorMessage)
	}
}

func runStatus(r *store.Run) string {
	if r.Status == store.RunFailed && r.ErrorClass != "" {
		return r.Status + " (" + r.ErrorClass + ")"
	}
	return r.Status
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func joinInts(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}
