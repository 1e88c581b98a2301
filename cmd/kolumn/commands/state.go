package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kolumn-data/kolumn/pkg/stores"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect stored state",
	}
	cmd.AddCommand(newStateListCommand())
	cmd.AddCommand(newStateShowCommand())
	return cmd
}

func newStateListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List resources in state",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openState(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			snaps, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(snaps)
			}
			for _, snap := range snaps {
				fmt.Printf("%s (serial %d, updated %s)\n",
					snap.ResourceID, snap.Serial, snap.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func newStateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <resource-id>",
		Short: "Show one resource snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openState(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			snap, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if snap == nil {
				return fmt.Errorf("no state for %s", args[0])
			}
			return printJSON(snap)
		},
	}
}

func openState(cmd *cobra.Command) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: statePath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(cmd.Context()); err != nil {
		return nil, err
	}
	if err := store.Migrate(cmd.Context()); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
