package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/pulsehq/pulse/internal/storage"
	"github.com/pulsehq/pulse/internal/types"
)

// GetOrg fetches one org by server id.
func (s *Store) GetOrg(ctx context.Context, serverID string) (*types.Org, error) {
	org, err := scanOrg(s.queryRow(ctx, `
		SELECT server_id, COALESCE(company_name, ''), COALESCE(alias, ''),
			COALESCE(color, ''), team_id
		FROM orgs WHERE server_id = $1`, serverID))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapDBError("get org", err)
	}
	return org, nil
}

// ListOrgs returns all orgs ordered by server id.
func (s *Store) ListOrgs(ctx context.Context) ([]*types.Org, error) {
	rows, err := s.query(ctx, `
		SELECT server_id, COALESCE(company_name, ''), COALESCE(alias, ''),
			COALESCE(color, ''), team_id
		FROM orgs ORDER BY server_id`)
	if err != nil {
		return nil, wrapDBError("list orgs", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Org
	for rows.Next() {
		org, err := scanOrg(rows)
		if err != nil {
			return nil, wrapDBError("scan org", err)
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

func scanOrg(row rowScanner) (*types.Org, error) {
	var org types.Org
	var teamID sql.NullInt64
	if err := row.Scan(&org.ServerID, &org.CompanyName, &org.Alias, &org.Color, &teamID); err != nil {
		return nil, err
	}
	if teamID.Valid {
		id := teamID.Int64
		org.TeamID = &id
	}
	return &org, nil
}

// UpsertOrg creates or updates an org. The update is coalescing: nil
// fields keep whatever value the row already has.
func (s *Store) UpsertOrg(ctx context.Context, serverID string, upd types.OrgUpdate) error {
	var company, alias, color any
	if upd.CompanyName != nil {
		company = *upd.CompanyName
	}
	if upd.Alias != nil {
		alias = *upd.Alias
	}
	if upd.Color != nil {
		color = *upd.Color
	}
	var teamID any
	if upd.TeamID != nil {
		teamID = *upd.TeamID
	}
	_, err := s.exec(ctx, `
		INSERT INTO orgs (server_id, company_name, alias, color, team_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (server_id) DO UPDATE SET
			company_name = COALESCE(excluded.company_name, orgs.company_name),
			alias = COALESCE(excluded.alias, orgs.alias),
			color = COALESCE(excluded.color, orgs.color),
			team_id = COALESCE(excluded.team_id, orgs.team_id)`,
		serverID, company, alias, color, teamID)
	if err != nil {
		return wrapDBError("upsert org", err)
	}
	return nil
}

// MoveOrgToTeam reassigns an org and rewrites the snapshot team_id on its
// events so team analytics pick up the new assignment.
func (s *Store) MoveOrgToTeam(ctx context.Context, serverID string, teamID *int64) error {
	var tid any
	if teamID != nil {
		tid = *teamID
	}
	res, err := s.exec(ctx, `UPDATE orgs SET team_id = $1 WHERE server_id = $2`, tid, serverID)
	if err != nil {
		return wrapDBError("move org to team", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	_, err = s.RecalculateTeamIDsForOrg(ctx, serverID)
	return err
}

// RecalculateTeamIDsForOrg rewrites telemetry_events.team_id for every
// event of the org from its current assignment, and refreshes the
// user→team snapshot for that org's users. Returns how many event rows
// changed.
func (s *Store) RecalculateTeamIDsForOrg(ctx context.Context, serverID string) (int64, error) {
	var changed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var teamID sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT team_id FROM orgs WHERE server_id = $1`, serverID).Scan(&teamID)
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		if err != nil {
			return wrapDBError("org team lookup", err)
		}

		var tid any
		if teamID.Valid {
			tid = teamID.Int64
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE telemetry_events SET team_id = $1
			WHERE COALESCE(NULLIF(org_id, ''), server_id) = $2`, tid, serverID)
		if err != nil {
			return wrapDBError("recalculate event team ids", err)
		}
		changed, _ = res.RowsAffected()

		if teamID.Valid {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO event_user_teams (user_id, team_id)
				SELECT DISTINCT user_id, $1::bigint FROM telemetry_events
				WHERE COALESCE(NULLIF(org_id, ''), server_id) = $2
					AND user_id IS NOT NULL AND user_id <> ''
				ON CONFLICT (user_id) DO UPDATE SET team_id = excluded.team_id`,
				teamID.Int64, serverID)
		} else {
			_, err = tx.ExecContext(ctx, `
				DELETE FROM event_user_teams WHERE user_id IN (
					SELECT DISTINCT user_id FROM telemetry_events
					WHERE COALESCE(NULLIF(org_id, ''), server_id) = $1
						AND user_id IS NOT NULL AND user_id <> '')`, serverID)
		}
		if err != nil {
			return wrapDBError("refresh user teams", err)
		}
		return nil
	})
	return changed, err
}

// CreateTeam inserts a team. A duplicate name is ErrConflict.
func (s *Store) CreateTeam(ctx context.Context, team *types.Team) error {
	err := s.queryRow(ctx,
		`INSERT INTO teams (name, color, logo_data, logo_mime) VALUES ($1, $2, $3, $4) RETURNING id`,
		team.Name, team.Color, team.LogoData, team.LogoMime).Scan(&team.ID)
	if err != nil {
		return wrapDBError("create team", err)
	}
	return nil
}

func (s *Store) GetTeam(ctx context.Context, id int64) (*types.Team, error) {
	var team types.Team
	err := s.queryRow(ctx, `
		SELECT id, name, COALESCE(color, ''), logo_data, COALESCE(logo_mime, '')
		FROM teams WHERE id = $1`, id).
		Scan(&team.ID, &team.Name, &team.Color, &team.LogoData, &team.LogoMime)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapDBError("get team", err)
	}
	return &team, nil
}

// ListTeams returns all teams by name. Logos are omitted; fetch one team
// to get its logo bytes.
func (s *Store) ListTeams(ctx context.Context) ([]*types.Team, error) {
	rows, err := s.query(ctx, `
		SELECT id, name, COALESCE(color, ''), COALESCE(logo_mime, '')
		FROM teams ORDER BY name`)
	if err != nil {
		return nil, wrapDBError("list teams", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Team
	for rows.Next() {
		var team types.Team
		if err := rows.Scan(&team.ID, &team.Name, &team.Color, &team.LogoMime); err != nil {
			return nil, wrapDBError("scan team", err)
		}
		out = append(out, &team)
	}
	return out, rows.Err()
}

// UpdateTeam rewrites name and color. The logo has its own setter so the
// blob is not resent on every edit.
func (s *Store) UpdateTeam(ctx context.Context, team *types.Team) error {
	res, err := s.exec(ctx,
		`UPDATE teams SET name = $1, color = $2 WHERE id = $3`,
		team.Name, team.Color, team.ID)
	if err != nil {
		return wrapDBError("update team", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetTeamLogo replaces the logo atomically. Empty data clears it.
func (s *Store) SetTeamLogo(ctx context.Context, id int64, data []byte, mime string) error {
	var blob, mimeVal any
	if len(data) > 0 {
		blob, mimeVal = data, mime
	}
	res, err := s.exec(ctx,
		`UPDATE teams SET logo_data = $1, logo_mime = $2 WHERE id = $3`, blob, mimeVal, id)
	if err != nil {
		return wrapDBError("set team logo", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteTeam removes a team and nulls out every reference to it.
func (s *Store) DeleteTeam(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM teams WHERE id = $1`, id)
		if err != nil {
			return wrapDBError("delete team", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE orgs SET team_id = NULL WHERE team_id = $1`, id); err != nil {
			return wrapDBError("clear org team refs", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE telemetry_events SET team_id = NULL WHERE team_id = $1`, id); err != nil {
			return wrapDBError("clear event team refs", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM event_user_teams WHERE team_id = $1`, id); err != nil {
			return wrapDBError("clear user team refs", err)
		}
		return nil
	})
}

// CreatePerson inserts a person and any attached usernames.
func (s *Store) CreatePerson(ctx context.Context, p *types.Person) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO people (name, email, initials) VALUES ($1, $2, $3) RETURNING id`,
			p.Name, p.Email, p.Initials).Scan(&p.ID)
		if err != nil {
			return wrapDBError("create person", err)
		}
		for _, u := range p.Usernames {
			u.PersonID = p.ID
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO person_usernames (person_id, username, org_id) VALUES ($1, $2, $3)`,
				p.ID, u.Username, nullStr(u.OrgID)); err != nil {
				return wrapDBError("attach username", err)
			}
		}
		return nil
	})
}

func (s *Store) GetPerson(ctx context.Context, id int64) (*types.Person, error) {
	var p types.Person
	err := s.queryRow(ctx, `
		SELECT id, name, COALESCE(email, ''), COALESCE(initials, '')
		FROM people WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Email, &p.Initials)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapDBError("get person", err)
	}
	if p.Usernames, err = s.personUsernames(ctx, id); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) personUsernames(ctx context.Context, personID int64) ([]*types.PersonUsername, error) {
	rows, err := s.query(ctx, `
		SELECT person_id, username, COALESCE(org_id, '')
		FROM person_usernames WHERE person_id = $1 ORDER BY username`, personID)
	if err != nil {
		return nil, wrapDBError("list usernames", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.PersonUsername
	for rows.Next() {
		var u types.PersonUsername
		if err := rows.Scan(&u.PersonID, &u.Username, &u.OrgID); err != nil {
			return nil, wrapDBError("scan username", err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (s *Store) ListPeople(ctx context.Context) ([]*types.Person, error) {
	rows, err := s.query(ctx, `
		SELECT id, name, COALESCE(email, ''), COALESCE(initials, '')
		FROM people ORDER BY name, id`)
	if err != nil {
		return nil, wrapDBError("list people", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Person
	for rows.Next() {
		var p types.Person
		if err := rows.Scan(&p.ID, &p.Name, &p.Email, &p.Initials); err != nil {
			return nil, wrapDBError("scan person", err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, p := range out {
		var err error
		if p.Usernames, err = s.personUsernames(ctx, p.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) UpdatePerson(ctx context.Context, p *types.Person) error {
	res, err := s.exec(ctx,
		`UPDATE people SET name = $1, email = $2, initials = $3 WHERE id = $4`,
		p.Name, p.Email, p.Initials, p.ID)
	if err != nil {
		return wrapDBError("update person", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeletePerson removes a person; usernames cascade via the foreign key.
func (s *Store) DeletePerson(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM people WHERE id = $1`, id)
	if err != nil {
		return wrapDBError("delete person", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// AddUsernameToPerson links a telemetry username. Duplicate pairs are
// ErrConflict.
func (s *Store) AddUsernameToPerson(ctx context.Context, personID int64, username, orgID string) error {
	_, err := s.exec(ctx,
		`INSERT INTO person_usernames (person_id, username, org_id) VALUES ($1, $2, $3)`,
		personID, username, nullStr(orgID))
	if err != nil {
		return wrapDBError("add username", err)
	}
	return nil
}

func (s *Store) RemoveUsernameFromPerson(ctx context.Context, personID int64, username string) error {
	res, err := s.exec(ctx,
		`DELETE FROM person_usernames WHERE person_id = $1 AND username = $2`,
		personID, username)
	if err != nil {
		return wrapDBError("remove username", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CreateSystemUser inserts an operator account. The password must arrive
// already hashed.
func (s *Store) CreateSystemUser(ctx context.Context, u *types.SystemUser) error {
	err := s.queryRow(ctx,
		`INSERT INTO users (username, password_hash, role) VALUES ($1, $2, $3) RETURNING id`,
		u.Username, u.PasswordHash, string(types.NormalizeRole(string(u.Role)))).Scan(&u.ID)
	if err != nil {
		return wrapDBError("create system user", err)
	}
	return nil
}

func (s *Store) GetSystemUserByUsername(ctx context.Context, username string) (*types.SystemUser, error) {
	var (
		u    types.SystemUser
		role string
		last sql.NullTime
	)
	err := s.queryRow(ctx, `
		SELECT id, username, password_hash, role, last_login
		FROM users WHERE username = $1`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &last)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapDBError("get system user", err)
	}
	u.Role = types.NormalizeRole(role)
	if last.Valid {
		t := last.Time.UTC()
		u.LastLogin = &t
	}
	return &u, nil
}

func (s *Store) TouchLastLogin(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE users SET last_login = $1 WHERE id = $2`, at.UTC(), userID)
	if err != nil {
		return wrapDBError("touch last login", err)
	}
	return nil
}

// CreateRememberToken stores a hashed token. The plaintext never reaches
// this layer.
func (s *Store) CreateRememberToken(ctx context.Context, t *types.RememberToken) error {
	now := time.Now().UTC()
	err := s.queryRow(ctx, `
		INSERT INTO remember_tokens (user_id, token_hash, expires_at, user_agent, ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		t.UserID, t.TokenHash, t.ExpiresAt.UTC(), t.UserAgent, nullInet(t.IP), now).Scan(&t.ID)
	if err != nil {
		return wrapDBError("create remember token", err)
	}
	t.CreatedAt = now
	return nil
}

// GetRememberTokenByHash looks up a live token: unexpired and unrevoked.
func (s *Store) GetRememberTokenByHash(ctx context.Context, hash string) (*types.RememberToken, error) {
	var (
		t       types.RememberToken
		revoked sql.NullTime
	)
	err := s.queryRow(ctx, `
		SELECT id, user_id, token_hash, expires_at, revoked_at,
			COALESCE(user_agent, ''), COALESCE(host(ip), ''), created_at
		FROM remember_tokens
		WHERE token_hash = $1 AND expires_at > $2 AND revoked_at IS NULL`,
		hash, time.Now().UTC()).
		Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &revoked,
			&t.UserAgent, &t.IP, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapDBError("get remember token", err)
	}
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func (s *Store) RevokeRememberToken(ctx context.Context, id int64, at time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE remember_tokens SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`,
		at.UTC(), id)
	if err != nil {
		return wrapDBError("revoke remember token", err)
	}
	return nil
}

// AppendLoginAudit records one authentication attempt.
func (s *Store) AppendLoginAudit(ctx context.Context, a *types.LoginAudit) error {
	now := time.Now().UTC()
	var userID any
	if a.UserID != nil {
		userID = *a.UserID
	}
	err := s.queryRow(ctx, `
		INSERT INTO login_audit (username, user_id, success, ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		a.Username, userID, a.Success, nullInet(a.IP), a.UserAgent, now).Scan(&a.ID)
	if err != nil {
		return wrapDBError("append login audit", err)
	}
	a.CreatedAt = now
	return nil
}
