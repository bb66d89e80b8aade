// Package factory opens the configured storage backend.
package factory

import (
	"context"
	"fmt"

	"github.com/pulsehq/pulse/internal/config"
	"github.com/pulsehq/pulse/internal/storage"
	"github.com/pulsehq/pulse/internal/storage/postgres"
	"github.com/pulsehq/pulse/internal/storage/sqlite"
)

// Open creates the Store selected by DB_TYPE. The operator seed options
// are shared by both backends and applied during migration.
func Open(ctx context.Context, cfg *config.Config, operatorPasswordHash string) (storage.Store, error) {
	switch cfg.DBType {
	case config.DBTypeSQLite:
		return sqlite.New(ctx, cfg.DBPath, sqlite.Options{
			TemplatePath:     cfg.DBTemplatePath,
			OperatorUsername: cfg.OperatorUsername,
			OperatorPassword: operatorPasswordHash,
			OperatorRole:     cfg.OperatorRole,
		})
	case config.DBTypePostgres:
		dsn, err := cfg.PostgresDSN()
		if err != nil {
			return nil, err
		}
		return postgres.New(ctx, dsn, postgres.Options{
			OperatorUsername: cfg.OperatorUsername,
			OperatorPassword: operatorPasswordHash,
			OperatorRole:     cfg.OperatorRole,
		})
	default:
		return nil, fmt.Errorf("unsupported DB_TYPE %q", cfg.DBType)
	}
}
