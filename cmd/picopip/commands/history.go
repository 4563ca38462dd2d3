package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/picopip/picopip/pkg/config"
	"github.com/picopip/picopip/pkg/engine"
	"github.com/picopip/picopip/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "Show past reconciliation sessions",
		Long: `Show the session journal: what was installed, upgraded or removed,
when, and on which target. With a session ID, show that session's
individual actions.`,
		Example: `  # Show the last ten sessions
  picopip history

  # Show one session in detail
  picopip history 2f1f3c9a-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openJournal(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				record, err := store.GetSession(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printSessionDetail(record)
			}

			records, err := store.ListSessions(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}
			return printSessionList(records)
		},
	}

	cmd.AddCommand(newHistoryPruneCommand())
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of sessions to show")
	return cmd
}

func newHistoryPruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune <keep>",
		Short: "Delete all but the newest sessions from the journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keep, err := strconv.Atoi(args[0])
			if err != nil || keep < 0 {
				return fmt.Errorf("keep count must be a non-negative number, got %q", args[0])
			}
			store, err := openJournal(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			pruned, err := store.PruneSessions(cmd.Context(), keep)
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d session(s).\n", pruned)
			return nil
		},
	}
}

func openJournal(ctx context.Context) (*stores.SQLiteStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if !cfg.Journal.Enabled {
		return nil, fmt.Errorf("session journal is disabled in the configuration")
	}
	path := cfg.Journal.Path
	if path == "" {
		path, err = config.DefaultJournalPath()
		if err != nil {
			return nil, err
		}
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func printSessionList(records []*engine.SessionRecord) error {
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(records)
	}
	if len(records) == 0 {
		fmt.Println("No sessions recorded.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWhen\tKind\tTarget\tStatus")
	for _, r := range records {
		status := "ok"
		if r.Error != "" {
			status = "failed"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Kind, r.Target, status)
	}
	return w.Flush()
}

func printSessionDetail(record *engine.SessionRecord) error {
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(record)
	}
	fmt.Printf("Session %s\n", record.ID)
	fmt.Printf("  Kind:      %s\n", record.Kind)
	fmt.Printf("  Target:    %s\n", record.Target)
	fmt.Printf("  Started:   %s\n", record.StartedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("  Duration:  %s\n", record.CompletedAt.Sub(record.StartedAt).Round(10*time.Millisecond))
	if record.Error != "" {
		fmt.Printf("  Error:     %s\n", record.Error)
	}
	if record.Skipped > 0 {
		fmt.Printf("  Skipped:   %d file(s)\n", record.Skipped)
	}
	if len(record.Actions) > 0 {
		fmt.Println("  Actions:")
		for _, a := range record.Actions {
			switch a.Type {
			case engine.ActionInstall:
				fmt.Printf("    install %s %s\n", a.Name, a.VersionAfter)
			case engine.ActionUpgrade:
				fmt.Printf("    upgrade %s %s -> %s\n", a.Name, a.VersionBefore, a.VersionAfter)
			case engine.ActionRemove:
				fmt.Printf("    remove  %s %s\n", a.Name, a.VersionBefore)
			}
		}
	}
	return nil
}
