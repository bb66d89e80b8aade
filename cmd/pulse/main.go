// Command pulse runs the telemetry service: an ingest and analytics
// server over an embedded SQLite or networked PostgreSQL backend.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pulsehq/pulse/internal/auth"
	"github.com/pulsehq/pulse/internal/config"
	"github.com/pulsehq/pulse/internal/storage"
	"github.com/pulsehq/pulse/internal/storage/factory"
)

// Version is stamped by the release build.
var Version = "dev"

var (
	cfg *config.Config
	log zerolog.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:     "pulse",
	Short:   "Telemetry ingestion and analytics service",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}
		log = newLogger(cfg)
		return nil
	},
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // MiB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// openStore hashes the operator seed password and opens the configured
// backend, running migrations on the way up.
func openStore(ctx context.Context) (storage.Store, error) {
	var hash string
	if cfg.OperatorPassword != "" {
		var err error
		if hash, err = auth.HashPassword(cfg.OperatorPassword); err != nil {
			return nil, fmt.Errorf("hash operator password: %w", err)
		}
	}
	return factory.Open(ctx, cfg, hash)
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	rootCmd.AddCommand(serveCmd, migrateCmd, exportCmd, importCmd)
	if err := rootCmd.ExecuteContext(rootCtx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
