package main

import (
	"github.com/spf13/cobra"

	"github.com/pulsehq/pulse/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations and backfills, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		// Opening runs the schema steps; the backfills run to completion
		// here instead of in the background.
		if bf, ok := store.(storage.Backfiller); ok {
			if err := bf.RunBackfills(ctx); err != nil {
				return err
			}
		}
		log.Info().Msg("migration complete")
		return nil
	},
}
