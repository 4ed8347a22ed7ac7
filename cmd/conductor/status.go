package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/persistence"
)

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func newStatusCmd(a *app) *cobra.Command {
	var audit bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show persisted tasks, gates and escalations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			path := a.cfg.Storage.Path
			if path == "" {
				return errors.New("no storage path configured; state is kept in memory only")
			}
			if !fileExists(path) {
				fmt.Fprintln(w, "No runs recorded yet. Run 'conductor run <description>' to start.")
				return nil
			}

			store, err := persistence.NewSQLiteStore(cmd.Context(), path)
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			printTasks(w, st.Tasks)
			printGates(w, st.Gates)
			printTickets(w, st.Tickets)

			if audit {
				entries, err := store.ListAudit(cmd.Context())
				if err != nil {
					return err
				}
				heading.Fprintln(w, "Audit")
				for _, e := range entries {
					fmt.Fprintf(w, "  %s %-20s %-12s %-24s %s\n",
						e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, e.Actor, e.Target, e.Detail)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&audit, "audit", false, "include the audit log")
	return cmd
}
