package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulsehq/pulse/internal/auth"
	"github.com/pulsehq/pulse/internal/ingest"
	"github.com/pulsehq/pulse/internal/server"
	"github.com/pulsehq/pulse/internal/storage"
	"github.com/pulsehq/pulse/internal/telemetry"
)

// trashRetention is how long trashed events survive before the janitor
// purges them.
const trashRetention = 30 * 24 * time.Hour

const janitorInterval = 24 * time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the telemetry HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := telemetry.Init(ctx, "pulse", Version); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.Shutdown(shutdownCtx)
		}()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		store = telemetry.WrapStore(store)

		// Backfills run behind the server; a failure is retried next start.
		if bf, ok := store.(storage.Backfiller); ok {
			go func() {
				if err := bf.RunBackfills(ctx); err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Msg("startup backfill failed")
				}
			}()
		}
		go runJanitor(ctx, store)

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", cfg.Port),
			Handler: server.New(store,
				ingest.New(store, log),
				auth.New(store, log),
				cfg, log).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		log.Info().Int("port", cfg.Port).Str("db_type", cfg.DBType).Msg("pulse serving")

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return err
			}
		}
		return nil
	},
}

// runJanitor purges old trash on a fixed cadence.
func runJanitor(ctx context.Context, store storage.Store) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.CleanupOldDeletedEvents(ctx, trashRetention)
			if err != nil {
				log.Warn().Err(err).Msg("trash cleanup failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("purged", n).Msg("trash cleanup")
			}
		}
	}
}
