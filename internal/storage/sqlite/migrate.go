package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pulsehq/pulse/internal/types"
)

// migrate applies forward-only evolutions on top of the base schema. Every
// step is idempotent and guarded by introspection, so running it twice
// yields the same schema. After it returns, the fact table and every index
// the query engine relies on exist.
func (s *Store) migrate(ctx context.Context, opts Options) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"legacy_event_column", s.migrateLegacyEventColumn},
		{"denormalized_columns", s.migrateDenormalizedColumns},
		{"org_team_columns", s.migrateOrgTeamColumns},
		{"prune_redundant_indexes", s.migratePruneIndexes},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("migration %s: %w", step.name, err)
		}
	}
	if opts.OperatorUsername != "" && opts.OperatorPassword != "" {
		if err := s.seedOperator(ctx, opts); err != nil {
			return fmt.Errorf("migration seed_operator: %w", err)
		}
	}
	return nil
}

// tableHasColumn introspects via pragma_table_info.
func tableHasColumn(ctx context.Context, exec dbExecutor, table, column string) (bool, error) {
	var n int
	err := exec.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// migrateLegacyEventColumn converts databases that still carry the legacy
// text "event" column: populate event_id by name, assign the custom type
// to anything unmatched, then drop the column and the single-column
// indexes that covered it.
func (s *Store) migrateLegacyEventColumn(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		hasLegacy, err := tableHasColumn(ctx, tx, "telemetry_events", "event")
		if err != nil {
			return err
		}
		if !hasLegacy {
			return nil
		}

		hasEventID, err := tableHasColumn(ctx, tx, "telemetry_events", "event_id")
		if err != nil {
			return err
		}
		if !hasEventID {
			if _, err := tx.ExecContext(ctx,
				`ALTER TABLE telemetry_events ADD COLUMN event_id INTEGER REFERENCES event_types(id)`); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE telemetry_events
			SET event_id = (SELECT id FROM event_types WHERE name = telemetry_events.event)
			WHERE event_id IS NULL`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE telemetry_events
			SET event_id = (SELECT id FROM event_types WHERE name = 'custom')
			WHERE event_id IS NULL`); err != nil {
			return err
		}

		for _, idx := range []string{"idx_event", "idx_created_at", "idx_session_id"} {
			if _, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS `+idx); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `ALTER TABLE telemetry_events DROP COLUMN event`)
		return err
	})
}

// migrateDenormalizedColumns adds the denormalized and lifecycle columns
// to fact tables created before they existed.
func (s *Store) migrateDenormalizedColumns(ctx context.Context) error {
	columns := []struct{ table, column, ddl string }{
		{"telemetry_events", "org_id", "ALTER TABLE telemetry_events ADD COLUMN org_id TEXT"},
		{"telemetry_events", "user_name", "ALTER TABLE telemetry_events ADD COLUMN user_name TEXT"},
		{"telemetry_events", "tool_name", "ALTER TABLE telemetry_events ADD COLUMN tool_name TEXT"},
		{"telemetry_events", "company_name", "ALTER TABLE telemetry_events ADD COLUMN company_name TEXT"},
		{"telemetry_events", "error_message", "ALTER TABLE telemetry_events ADD COLUMN error_message TEXT"},
		{"telemetry_events", "team_id", "ALTER TABLE telemetry_events ADD COLUMN team_id INTEGER"},
		{"telemetry_events", "deleted_at", "ALTER TABLE telemetry_events ADD COLUMN deleted_at DATETIME"},
		{"telemetry_events", "area", "ALTER TABLE telemetry_events ADD COLUMN area TEXT NOT NULL DEFAULT 'general'"},
		{"telemetry_events", "success", "ALTER TABLE telemetry_events ADD COLUMN success INTEGER NOT NULL DEFAULT 1"},
		{"telemetry_events", "telemetry_schema_version", "ALTER TABLE telemetry_events ADD COLUMN telemetry_schema_version INTEGER NOT NULL DEFAULT 2"},
		{"telemetry_events", "parent_session_id", "ALTER TABLE telemetry_events ADD COLUMN parent_session_id TEXT"},
		{"people", "initials", "ALTER TABLE people ADD COLUMN initials TEXT"},
	}
	for _, c := range columns {
		has, err := tableHasColumn(ctx, s.db, c.table, c.column)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := s.db.ExecContext(ctx, c.ddl); err != nil {
			return err
		}
	}
	return nil
}

// migrateOrgTeamColumns adds the org/team relational columns.
func (s *Store) migrateOrgTeamColumns(ctx context.Context) error {
	columns := []struct{ table, column, ddl string }{
		{"orgs", "alias", "ALTER TABLE orgs ADD COLUMN alias TEXT"},
		{"orgs", "color", "ALTER TABLE orgs ADD COLUMN color TEXT"},
		{"orgs", "team_id", "ALTER TABLE orgs ADD COLUMN team_id INTEGER"},
		{"teams", "logo_data", "ALTER TABLE teams ADD COLUMN logo_data BLOB"},
		{"teams", "logo_mime", "ALTER TABLE teams ADD COLUMN logo_mime TEXT"},
	}
	for _, c := range columns {
		has, err := tableHasColumn(ctx, s.db, c.table, c.column)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := s.db.ExecContext(ctx, c.ddl); err != nil {
			return err
		}
	}
	return nil
}

// migratePruneIndexes drops single-column indexes that are strict prefixes
// of the composite indexes the schema creates.
func (s *Store) migratePruneIndexes(ctx context.Context) error {
	for _, idx := range []string{
		"idx_created_at",
		"idx_event",
		"idx_session_id",
		"idx_user_id",
		"idx_deleted_at",
		"idx_parent_session_id",
	} {
		if _, err := s.db.ExecContext(ctx, `DROP INDEX IF EXISTS `+idx); err != nil {
			return err
		}
	}
	return nil
}

// seedOperator creates the copilot operator account when configured.
// Idempotent: an existing username is left untouched.
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
		VALUES (?, ?, ?)
		ON CONFLICT(username) DO NOTHING`,
		opts.OperatorUsername, opts.OperatorPassword, string(role))
	return err
}
