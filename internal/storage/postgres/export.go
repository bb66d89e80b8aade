package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/pulsehq/pulse/internal/storage"
	"github.com/pulsehq/pulse/internal/types"
)

// Export snapshots every counted table, trash included, into a portable
// document.
func (s *Store) Export(ctx context.Context) (*types.Export, error) {
	if s.closed.Load() {
		return nil, storage.ErrNotReady
	}
	doc := &types.Export{
		Version:    types.ExportVersion,
		ExportedAt: time.Now().UTC(),
		DBType:     "postgresql",
	}

	rows, err := s.query(ctx, `
		SELECT `+eventColumns+`
		FROM telemetry_events e JOIN event_types t ON t.id = e.event_id
		ORDER BY e.id`)
	if err != nil {
		return nil, wrapDBError("export events", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		ev, err := s.scanEvent(rows)
		if err != nil {
			return nil, wrapDBError("export scan event", err)
		}
		doc.Tables.TelemetryEvents = append(doc.Tables.TelemetryEvents, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("export iterate events", err)
	}

	if doc.Tables.Users, err = s.exportUsers(ctx); err != nil {
		return nil, err
	}
	if doc.Tables.Orgs, err = s.ListOrgs(ctx); err != nil {
		return nil, err
	}
	if doc.Tables.Teams, err = s.exportTeams(ctx); err != nil {
		return nil, err
	}
	if doc.Tables.Settings, err = s.exportSettings(ctx); err != nil {
		return nil, err
	}
	if doc.Tables.RememberTokens, err = s.exportRememberTokens(ctx); err != nil {
		return nil, err
	}
	if doc.Tables.EventUserTeams, err = s.exportEventUserTeams(ctx); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) exportUsers(ctx context.Context) ([]*types.ExportUser, error) {
	rows, err := s.query(ctx,
		`SELECT id, username, password_hash, role, last_login FROM users ORDER BY id`)
	if err != nil {
		return nil, wrapDBError("export users", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.ExportUser
	for rows.Next() {
		var (
			u    types.ExportUser
			role string
			last sql.NullTime
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &last); err != nil {
			return nil, wrapDBError("export scan user", err)
		}
		u.Role = types.Role(role)
		if last.Valid {
			t := last.Time.UTC()
			u.LastLogin = &t
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (s *Store) exportTeams(ctx context.Context) ([]*types.ExportTeam, error) {
	rows, err := s.query(ctx, `
		SELECT id, name, COALESCE(color, ''), logo_data, COALESCE(logo_mime, '')
		FROM teams ORDER BY id`)
	if err != nil {
		return nil, wrapDBError("export teams", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.ExportTeam
	for rows.Next() {
		var team types.ExportTeam
		if err := rows.Scan(&team.ID, &team.Name, &team.Color, &team.LogoData, &team.LogoMime); err != nil {
			return nil, wrapDBError("export scan team", err)
		}
		out = append(out, &team)
	}
	return out, rows.Err()
}

func (s *Store) exportSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, wrapDBError("export settings", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, wrapDBError("export scan setting", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *Store) exportRememberTokens(ctx context.Context) ([]*types.ExportRememberToken, error) {
	rows, err := s.query(ctx, `
		SELECT id, user_id, token_hash, expires_at, revoked_at,
			COALESCE(user_agent, ''), COALESCE(host(ip), ''), created_at
		FROM remember_tokens ORDER BY id`)
	if err != nil {
		return nil, wrapDBError("export remember tokens", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.ExportRememberToken
	for rows.Next() {
		var (
			t       types.ExportRememberToken
			revoked sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &revoked,
			&t.UserAgent, &t.IP, &t.CreatedAt); err != nil {
			return nil, wrapDBError("export scan remember token", err)
		}
		if revoked.Valid {
			at := revoked.Time.UTC()
			t.RevokedAt = &at
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *Store) exportEventUserTeams(ctx context.Context) ([]*types.EventUserTeam, error) {
	rows, err := s.query(ctx,
		`SELECT user_id, team_id FROM event_user_teams ORDER BY user_id`)
	if err != nil {
		return nil, wrapDBError("export user teams", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.EventUserTeam
	for rows.Next() {
		var ut types.EventUserTeam
		if err := rows.Scan(&ut.UserID, &ut.TeamID); err != nil {
			return nil, wrapDBError("export scan user team", err)
		}
		out = append(out, &ut)
	}
	return out, rows.Err()
}

const importEventSQL = `
	INSERT INTO telemetry_events (
		id, event_id, area, timestamp, server_id, version,
		session_id, parent_session_id, user_id, data, received_at, created_at,
		org_id, user_name, tool_name, company_name, error_message,
		team_id, deleted_at, success, telemetry_schema_version
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	ON CONFLICT (id) DO UPDATE SET
		event_id = excluded.event_id, area = excluded.area,
		timestamp = excluded.timestamp, server_id = excluded.server_id,
		version = excluded.version, session_id = excluded.session_id,
		parent_session_id = excluded.parent_session_id, user_id = excluded.user_id,
		data = excluded.data, received_at = excluded.received_at,
		created_at = excluded.created_at, org_id = excluded.org_id,
		user_name = excluded.user_name, tool_name = excluded.tool_name,
		company_name = excluded.company_name, error_message = excluded.error_message,
		team_id = excluded.team_id, deleted_at = excluded.deleted_at,
		success = excluded.success, telemetry_schema_version = excluded.telemetry_schema_version`

// Import applies a backup document in one transaction, updating on
// primary-key conflicts, then rebuilds the rollups from the imported
// facts. Serial sequences are bumped past imported ids so later inserts
// do not collide.
func (s *Store) Import(ctx context.Context, doc *types.Export) error {
	if doc == nil {
		return storage.ErrValidation
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, importEventSQL)
		if err != nil {
			return wrapDBError("prepare import", err)
		}
		defer func() { _ = stmt.Close() }()
		for _, ev := range doc.Tables.TelemetryEvents {
			data := string(ev.Data)
			if data == "" {
				data = "{}"
			}
			var teamID, deletedAt any
			if ev.TeamID != nil {
				teamID = *ev.TeamID
			}
			if ev.DeletedAt != nil {
				deletedAt = ev.DeletedAt.UTC()
			}
			if _, err := stmt.ExecContext(ctx,
				ev.ID, s.typeID(ev.Type), string(ev.Area), ev.Timestamp.UTC(),
				nullStr(ev.ServerID), nullStr(ev.Version),
				nullStr(ev.SessionID), nullStr(ev.ParentSessionID), nullStr(ev.UserID),
				data, ev.ReceivedAt.UTC(), ev.CreatedAt.UTC(),
				ev.OrgID, ev.UserName, ev.ToolName, ev.CompanyName, ev.ErrorMessage,
				teamID, deletedAt, ev.Success,
				schemaVersionOrDefault(ev.SchemaVersion)); err != nil {
				return wrapDBError("import event", err)
			}
		}

		for _, u := range doc.Tables.Users {
			var last any
			if u.LastLogin != nil {
				last = u.LastLogin.UTC()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO users (id, username, password_hash, role, last_login)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (id) DO UPDATE SET
					username = excluded.username, password_hash = excluded.password_hash,
					role = excluded.role, last_login = excluded.last_login`,
				u.ID, u.Username, u.PasswordHash, string(u.Role), last); err != nil {
				return wrapDBError("import user", err)
			}
		}

		for _, org := range doc.Tables.Orgs {
			var teamID any
			if org.TeamID != nil {
				teamID = *org.TeamID
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO orgs (server_id, company_name, alias, color, team_id)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (server_id) DO UPDATE SET
					company_name = excluded.company_name, alias = excluded.alias,
					color = excluded.color, team_id = excluded.team_id`,
				org.ServerID, org.CompanyName, org.Alias, org.Color, teamID); err != nil {
				return wrapDBError("import org", err)
			}
		}

		for _, team := range doc.Tables.Teams {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO teams (id, name, color, logo_data, logo_mime)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (id) DO UPDATE SET
					name = excluded.name, color = excluded.color,
					logo_data = excluded.logo_data, logo_mime = excluded.logo_mime`,
				team.ID, team.Name, team.Color, team.LogoData, team.LogoMime); err != nil {
				return wrapDBError("import team", err)
			}
		}

		for k, v := range doc.Tables.Settings {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO settings (key, value) VALUES ($1, $2)
				ON CONFLICT (key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
				return wrapDBError("import setting", err)
			}
		}

		for _, t := range doc.Tables.RememberTokens {
			var revoked any
			if t.RevokedAt != nil {
				revoked = t.RevokedAt.UTC()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO remember_tokens (id, user_id, token_hash, expires_at, revoked_at, user_agent, ip, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (id) DO UPDATE SET
					user_id = excluded.user_id, token_hash = excluded.token_hash,
					expires_at = excluded.expires_at, revoked_at = excluded.revoked_at,
					user_agent = excluded.user_agent, ip = excluded.ip,
					created_at = excluded.created_at`,
				t.ID, t.UserID, t.TokenHash, t.ExpiresAt.UTC(), revoked,
				t.UserAgent, nullInet(t.IP), t.CreatedAt.UTC()); err != nil {
				return wrapDBError("import remember token", err)
			}
		}

		for _, ut := range doc.Tables.EventUserTeams {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO event_user_teams (user_id, team_id) VALUES ($1, $2)
				ON CONFLICT (user_id) DO UPDATE SET team_id = excluded.team_id`,
				ut.UserID, ut.TeamID); err != nil {
				return wrapDBError("import user team", err)
			}
		}

		for _, seq := range []struct{ table, col string }{
			{"telemetry_events", "id"},
			{"users", "id"},
			{"teams", "id"},
			{"remember_tokens", "id"},
		} {
			if _, err := tx.ExecContext(ctx,
				`SELECT setval(pg_get_serial_sequence('`+seq.table+`', '`+seq.col+`'),
					GREATEST((SELECT COALESCE(MAX(`+seq.col+`), 0) FROM `+seq.table+`), 1))`); err != nil {
				return wrapDBError("bump sequence", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.BackfillStats(ctx)
}
