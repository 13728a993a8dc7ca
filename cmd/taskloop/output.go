package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fyrsmithlabs/taskloop/internal/checkpoint"
	"github.com/fyrsmithlabs/taskloop/internal/orchestrator"
	"github.com/fyrsmithlabs/taskloop/internal/session"
)

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// printReport writes a human readable session report. Subtasks before the
// cursor are marked done and the cursor subtask is marked with an arrow,
// which is where a failed or cancelled run stopped.
func printReport(w io.Writer, r orchestrator.Report) {
	fmt.Fprintf(w, "Session:  %s\n", r.SessionID)
	fmt.Fprintf(w, "Task:     %s\n", r.Task)
	fmt.Fprintf(w, "State:    %s\n", r.State)
	if r.Reason != "" {
		fmt.Fprintf(w, "Reason:   %s\n", r.Reason)
	}

	fmt.Fprintf(w, "\nPlan (revision %d, cursor %d/%d):\n", r.Plans, r.Cursor, len(r.Plan))
	if len(r.Plan) == 0 {
		fmt.Fprintln(w, "  (no plan)")
	}
	for i, step := range r.Plan {
		mark := "[ ]"
		switch {
		case i < r.Cursor:
			mark = "[x]"
		case i == r.Cursor && r.State != session.StateCompleted:
			mark = "-->"
		}
		fmt.Fprintf(w, "  %s %d. %s\n", mark, i+1, step)
	}

	if len(r.Subtasks) > 0 {
		fmt.Fprintln(w, "\nSubtasks:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  #\tOUTCOME\tACTIONS\tCYCLES\tDESCRIPTION")
		for _, st := range r.Subtasks {
			desc := truncate(st.Description, 60)
			if st.Reason != "" {
				desc += " (" + truncate(st.Reason, 40) + ")"
			}
			fmt.Fprintf(tw, "  %d\t%s\t%d\t%d\t%s\n", st.Index+1, st.Outcome, st.Actions, st.InnerCycles, desc)
		}
		_ = tw.Flush()
	}

	fmt.Fprintf(w, "\nCycles:   %d inner, %d outer\n", r.InnerCycles, r.OuterCycles)
	fmt.Fprintf(w, "Actions:  %d (%d blocked)\n", r.Actions, r.Blocks)
	c := r.Cache
	fmt.Fprintf(w, "Cache:    content %d/%d, listing %d/%d, %d invalidations\n",
		c.ContentHits, c.ContentHits+c.ContentMisses,
		c.ListingHits, c.ListingHits+c.ListingMisses,
		c.Invalidations)
}

func printRecords(w io.Writer, records []checkpoint.Record, similarity bool) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No checkpoints found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := "SESSION\tSTATE\tPROGRESS\tUPDATED\tTASK"
	if similarity {
		header = "SCORE\t" + header
	}
	fmt.Fprintln(tw, header)
	for _, r := range records {
		row := fmt.Sprintf("%s\t%s\t%d/%d\t%s\t%s",
			r.SessionID, r.State, r.Cursor, r.Steps,
			r.UpdatedAt.Format("2006-01-02 15:04"), truncate(r.Task, 50))
		if similarity {
			row = fmt.Sprintf("%.3f\t%s", r.Similarity, row)
		}
		fmt.Fprintln(tw, row)
	}
	_ = tw.Flush()
}

// truncate shortens s to max runes, ending in "...".
func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
