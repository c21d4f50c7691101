// Maestroctl is the operator CLI for the maestro checkpoint store. It talks
// straight to PostgreSQL; the server does not need to be running.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/maestro/pkg/checkpoint"
	"github.com/codeready-toolchain/maestro/pkg/database"
	"github.com/codeready-toolchain/maestro/pkg/fault"
)

const (
	exitOK       = 0
	exitError    = 1
	exitMisuse   = 2
	exitNotFound = 3
	exitConflict = 4
)

// errMisuse marks invocation errors so main can map them to exit code 2.
var errMisuse = errors.New("misuse")

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, errMisuse) {
		return exitMisuse
	}
	switch fault.KindOf(err) {
	case fault.NotFound:
		return exitNotFound
	case fault.Conflict, fault.FailedPrecondition:
		return exitConflict
	}
	return exitError
}

func buildRootCmd() *cobra.Command {
	var dbURL string
	cmd := &cobra.Command{
		Use:           "maestroctl",
		Short:         "Inspect and manage maestro workflows",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&dbURL, "db",
		os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	cmd.AddCommand(
		buildListCmd(&dbURL),
		buildShowCmd(&dbURL),
		buildCancelCmd(&dbURL),
		buildReplayCmd(&dbURL),
		buildGCCmd(&dbURL),
	)
	return cmd
}

// openStore connects to the database. Migrations are not run here; the CLI
// never mutates schema.
func openStore(ctx context.Context, dbURL string) (*checkpoint.Store, func(), error) {
	if dbURL == "" {
		return nil, nil, fmt.Errorf("%w: --db or DATABASE_URL is required", errMisuse)
	}
	client, err := database.NewClient(ctx, dbURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, nil, err
	}
	return checkpoint.NewStore(client.DB()), func() { _ = client.Close() }, nil
}

func buildListCmd(dbURL *string) *cobra.Command {
	var status string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeFn, err := openStore(ctx, *dbURL)
			if err != nil {
				return err
			}
			defer closeFn()

			rows, err := store.ListWorkflows(ctx, status, limit, offset)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-36s  %-20s  %-20s  %s\n", "WORKFLOW", "STATUS", "UPDATED", "SESSION")
			for _, r := range rows {
				fmt.Fprintf(w, "%-36s  %-20s  %-20s  %s\n",
					r.WorkflowID, r.Status, r.UpdatedAt.Format(time.RFC3339), r.SessionID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by workflow status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "Rows to skip")
	return cmd
}

func buildShowCmd(dbURL *string) *cobra.Command {
	var eventCount int
	cmd := &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show a workflow snapshot and its recent events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeFn, err := openStore(ctx, *dbURL)
			if err != nil {
				return err
			}
			defer closeFn()

			state, version, err := store.LoadSnapshot(ctx, args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "workflow:     %s\n", state.WorkflowID)
			fmt.Fprintf(w, "session:      %s\n", state.SessionID)
			fmt.Fprintf(w, "status:       %s\n", state.Status)
			fmt.Fprintf(w, "current node: %s\n", state.CurrentNode)
			fmt.Fprintf(w, "risk:         %s\n", state.RiskLevel)
			fmt.Fprintf(w, "last seq:     %d (snapshot version %d)\n", state.LastSeq, version)
			fmt.Fprintf(w, "created:      %s\n", state.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(w, "updated:      %s\n", state.UpdatedAt.Format(time.RFC3339))
			if state.Approval != nil {
				fmt.Fprintf(w, "approval:     %s decision=%q deadline=%s\n",
					state.Approval.ID, state.Approval.Decision,
					state.Approval.Deadline.Format(time.RFC3339))
			}
			for _, t := range state.SubTasks {
				fmt.Fprintf(w, "subtask:      %s [%s] role=%s attempts=%d\n",
					t.ID, t.Status, t.AgentRole, t.Attempts)
			}

			if eventCount > 0 {
				from := state.LastSeq - int64(eventCount) + 1
				if from < 1 {
					from = 1
				}
				events, err := store.ReadEvents(ctx, args[0], from, state.LastSeq)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "\nrecent events:")
				for _, ev := range events {
					fmt.Fprintf(w, "  %6d  %-20s  %s\n", ev.Seq, ev.Kind,
						ev.Timestamp.Format(time.RFC3339))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&eventCount, "events", 20, "Number of trailing events to print (0 disables)")
	return cmd
}

func buildCancelCmd(dbURL *string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "Cancel a non-terminal workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeFn, err := openStore(ctx, *dbURL)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := cancelWorkflow(ctx, store, args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workflow %s cancelled\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "Cancelled by operator.", "Cancellation reason recorded on the workflow")
	return cmd
}

func buildReplayCmd(dbURL *string) *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "replay <workflow-id>",
		Short: "Rebuild a workflow's state from its event log",
		Long: `Replay folds the full event log into a fresh state and compares it to the
stored snapshot. With --write the snapshot is replaced by the replayed state,
repairing a corrupt or stale snapshot.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeFn, err := openStore(ctx, *dbURL)
			if err != nil {
				return err
			}
			defer closeFn()

			replayed, err := store.Replay(ctx, args[0])
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			snapshot, version, err := store.LoadSnapshot(ctx, args[0])
			if err != nil && fault.KindOf(err) != fault.NotFound {
				return err
			}

			fmt.Fprintf(w, "replayed:  status=%s last_seq=%d node=%s\n",
				replayed.Status, replayed.LastSeq, replayed.CurrentNode)
			if snapshot != nil {
				fmt.Fprintf(w, "snapshot:  status=%s last_seq=%d node=%s (version %d)\n",
					snapshot.Status, snapshot.LastSeq, snapshot.CurrentNode, version)
				if snapshot.LastSeq == replayed.LastSeq && snapshot.Status == replayed.Status {
					fmt.Fprintln(w, "snapshot matches the event log")
				} else {
					fmt.Fprintln(w, "snapshot DIVERGES from the event log")
				}
			} else {
				fmt.Fprintln(w, "snapshot:  missing")
				version = 0
			}

			if !write {
				return nil
			}
			if _, err := store.WriteSnapshot(ctx, args[0], replayed, version); err != nil {
				return err
			}
			fmt.Fprintln(w, "snapshot rewritten from event log")
			return nil
		},
	}
	cmd.Flags().BoolVar(&write, "write", false, "Replace the stored snapshot with the replayed state")
	return cmd
}

func buildGCCmd(dbURL *string) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete terminal workflows and stale sessions past the cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("%w: --older-than must be positive", errMisuse)
			}
			ctx := cmd.Context()
			store, closeFn, err := openStore(ctx, *dbURL)
			if err != nil {
				return err
			}
			defer closeFn()

			cutoff := time.Now().UTC().Add(-olderThan)
			workflows, events, err := store.DeleteTerminalOlderThan(ctx, cutoff)
			if err != nil {
				return err
			}
			sessions, err := store.DeleteStaleSessions(ctx, cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"deleted %d workflows, %d events, %d sessions older than %s\n",
				workflows, events, sessions, cutoff.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age cutoff, e.g. 720h")
	return cmd
}
