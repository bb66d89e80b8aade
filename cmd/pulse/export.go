package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var exportOutput string

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "write to file instead of stdout")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Dump every table, trash included, as a JSON document",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		doc, err := store.Export(ctx)
		if err != nil {
			return err
		}
		data, err := doc.MarshalIndent()
		if err != nil {
			return err
		}
		if exportOutput == "" {
			_, err = os.Stdout.Write(append(data, '\n'))
			return err
		}
		if err := os.WriteFile(exportOutput, data, 0o600); err != nil {
			return err
		}
		for table, n := range doc.Counts() {
			log.Info().Str("table", table).Int("rows", n).Msg("exported")
		}
		fmt.Fprintln(os.Stderr, "wrote", exportOutput)
		return nil
	},
}
