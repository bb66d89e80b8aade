package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pulsehq/pulse/internal/types"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load a JSON export document, updating rows on id conflicts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var doc types.Export
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse export document: %w", err)
		}

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		if err := store.Import(ctx, &doc); err != nil {
			return err
		}
		for table, n := range doc.Counts() {
			log.Info().Str("table", table).Int("rows", n).Msg("imported")
		}
		return nil
	},
}
