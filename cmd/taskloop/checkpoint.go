package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskloop/internal/orchestrator"
)

func newCheckpointCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect and manage session checkpoints",
		Long: `Every session is checkpointed after each state change. Checkpoints of
interrupted sessions can be resumed with "taskloop run --resume <id>".`,
	}
	cmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output results as JSON")

	cmd.AddCommand(newCheckpointListCmd(&jsonOut))
	cmd.AddCommand(newCheckpointShowCmd(&jsonOut))
	cmd.AddCommand(newCheckpointSearchCmd(&jsonOut))
	cmd.AddCommand(newCheckpointDeleteCmd())
	return cmd
}

func newCheckpointListCmd(jsonOut *bool) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.close(ctx)
			store, err := a.requireStore()
			if err != nil {
				return err
			}

			records, err := store.List(ctx, limit)
			if err != nil {
				return err
			}
			if *jsonOut {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			printRecords(cmd.OutOrStdout(), records, false)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of checkpoints to list")
	return cmd
}

func newCheckpointShowCmd(jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show the report of a checkpointed session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.close(ctx)
			store, err := a.requireStore()
			if err != nil {
				return err
			}

			snap, err := store.Load(ctx, args[0])
			if err != nil {
				return err
			}
			rep, err := orchestrator.SnapshotReport(snap)
			if err != nil {
				return fmt.Errorf("checkpoint %s is unreadable: %w", args[0], err)
			}
			if *jsonOut {
				return writeJSON(cmd.OutOrStdout(), rep)
			}
			printReport(cmd.OutOrStdout(), rep)
			return nil
		},
	}
}

func newCheckpointSearchCmd(jsonOut *bool) *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "search <task>",
		Short: "Find checkpoints of sessions with a similar task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if k <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", k)
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.close(ctx)
			store, err := a.requireStore()
			if err != nil {
				return err
			}

			records, err := store.Similar(ctx, strings.Join(args, " "), k)
			if err != nil {
				return err
			}
			if *jsonOut {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			printRecords(cmd.OutOrStdout(), records, true)
			return nil
		},
	}
	cmd.Flags().IntVar(&k, "limit", 5, "maximum number of matches")
	return cmd
}

func newCheckpointDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>...",
		Short: "Delete checkpoints",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.close(ctx)
			store, err := a.requireStore()
			if err != nil {
				return err
			}

			for _, id := range args {
				if err := store.Delete(ctx, id); err != nil {
					return fmt.Errorf("failed to delete %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
			}
			return nil
		},
	}
}
