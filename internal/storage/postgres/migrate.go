package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pulsehq/pulse/internal/types"
)

// migrate upgrades databases created before the current schema. Every
// step introspects before mutating, so reruns are no-ops.
func (s *Store) migrate(ctx context.Context, opts Options) error {
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"legacy event column", s.migrateLegacyEventColumn},
		{"denormalized columns", s.migrateDenormalizedColumns},
		{"org and team columns", s.migrateOrgTeamColumns},
	}
	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("migrate %s: %w", step.name, err)
		}
	}
	return s.seedOperator(ctx, opts)
}

func (s *Store) tableHasColumn(ctx context.Context, table, column string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM information_schema.columns
		WHERE table_name = $1 AND column_name = $2`, table, column).Scan(&n)
	if err != nil {
		return false, wrapDBError("column introspection", err)
	}
	return n > 0, nil
}

// migrateLegacyEventColumn converts the original text event column to
// the event_types reference. ALTER, UPDATE, and constraint addition run
// in one transaction; failure rolls everything back.
func (s *Store) migrateLegacyEventColumn(ctx context.Context) error {
	hasLegacy, err := s.tableHasColumn(ctx, "telemetry_events", "event")
	if err != nil || !hasLegacy {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`ALTER TABLE telemetry_events ADD COLUMN IF NOT EXISTS event_id BIGINT`); err != nil {
			return wrapDBError("add event_id column", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE telemetry_events SET event_id = et.id
			FROM event_types et
			WHERE telemetry_events.event = et.name AND telemetry_events.event_id IS NULL`); err != nil {
			return wrapDBError("populate event_id", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE telemetry_events
			SET event_id = (SELECT id FROM event_types WHERE name = 'custom')
			WHERE event_id IS NULL`); err != nil {
			return wrapDBError("default event_id", err)
		}
		if _, err := tx.ExecContext(ctx, `
			ALTER TABLE telemetry_events
				ALTER COLUMN event_id SET NOT NULL,
				ADD CONSTRAINT telemetry_events_event_id_fkey
					FOREIGN KEY (event_id) REFERENCES event_types(id)`); err != nil {
			return wrapDBError("constrain event_id", err)
		}
		for _, idx := range []string{"idx_event", "idx_created_at", "idx_session_id"} {
			if _, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS `+idx); err != nil {
				return wrapDBError("drop legacy index", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`ALTER TABLE telemetry_events DROP COLUMN event`); err != nil {
			return wrapDBError("drop legacy event column", err)
		}
		return nil
	})
}

// migrateDenormalizedColumns adds query-path columns to databases
// predating them. New columns stay NULL until the startup backfill
// populates them.
func (s *Store) migrateDenormalizedColumns(ctx context.Context) error {
	alters := []string{
		`ALTER TABLE telemetry_events ADD COLUMN IF NOT EXISTS org_id TEXT`,
		`ALTER TABLE telemetry_events ADD COLUMN IF NOT EXISTS user_name TEXT`,
		`ALTER TABLE telemetry_events ADD COLUMN IF NOT EXISTS tool_name TEXT`,
		`ALTER TABLE telemetry_events ADD COLUMN IF NOT EXISTS company_name TEXT`,
		`ALTER TABLE telemetry_events ADD COLUMN IF NOT EXISTS error_message TEXT`,
		`ALTER TABLE telemetry_events ADD COLUMN IF NOT EXISTS team_id BIGINT`,
		`ALTER TABLE telemetry_events ADD COLUMN IF NOT EXISTS deleted_at TIMESTAMPTZ`,
		`ALTER TABLE telemetry_events ADD COLUMN IF NOT EXISTS area TEXT`,
		`ALTER TABLE telemetry_events ADD COLUMN IF NOT EXISTS success BOOLEAN`,
		`ALTER TABLE telemetry_events ADD COLUMN IF NOT EXISTS telemetry_schema_version INTEGER`,
		`ALTER TABLE telemetry_events ADD COLUMN IF NOT EXISTS parent_session_id TEXT`,
		`ALTER TABLE people ADD COLUMN IF NOT EXISTS initials TEXT`,
	}
	for _, stmt := range alters {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return wrapDBError("add column", err)
		}
	}
	return nil
}

func (s *Store) migrateOrgTeamColumns(ctx context.Context) error {
	alters := []string{
		`ALTER TABLE orgs ADD COLUMN IF NOT EXISTS alias TEXT`,
		`ALTER TABLE orgs ADD COLUMN IF NOT EXISTS color TEXT`,
		`ALTER TABLE orgs ADD COLUMN IF NOT EXISTS team_id BIGINT`,
		`ALTER TABLE teams ADD COLUMN IF NOT EXISTS logo_data BYTEA`,
		`ALTER TABLE teams ADD COLUMN IF NOT EXISTS logo_mime TEXT`,
	}
	for _, stmt := range alters {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return wrapDBError("add column", err)
		}
	}
	return nil
}

// seedOperator creates the configured operator account if it does not
// already exist. An existing account keeps its password.
func (s *Store) seedOperator(ctx context.Context, opts Options) error {
	if opts.OperatorUsername == "" || opts.OperatorPassword == "" {
		return nil
	}
	role := types.NormalizeRole(opts.OperatorRole)
	if opts.OperatorRole == "" {
		role = types.RoleAdministrator
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (username) DO NOTHING`,
		opts.OperatorUsername, opts.OperatorPassword, string(role))
	if err != nil {
		return wrapDBError("seed operator", err)
	}
	return nil
}
