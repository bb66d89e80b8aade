package sqlite

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/pulsehq/pulse/internal/storage"
	"github.com/pulsehq/pulse/internal/types"
)

// activeWindow bounds session activeness: a session counts as active
// while it has a start, no end, and its last event is this recent.
const activeWindow = 2 * time.Hour

// GetSessions lists logical sessions, most recently active first. Events
// without a session id are folded into per-user daily pseudo-sessions.
func (s *Store) GetSessions(ctx context.Context, limit, offset int) ([]*types.SessionInfo, error) {
	if s.closed.Load() {
		return nil, storage.ErrNotReady
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	real, err := s.querySessionGroups(ctx)
	if err != nil {
		return nil, err
	}
	pseudo, err := s.queryPseudoSessions(ctx)
	if err != nil {
		return nil, err
	}

	sessions := append(real, pseudo...)
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].Last.Equal(sessions[j].Last) {
			return sessions[i].Last.After(sessions[j].Last)
		}
		return sessions[i].SessionID < sessions[j].SessionID
	})

	now := time.Now().UTC()
	for _, si := range sessions {
		si.IsActive = si.HasStart && !si.HasEnd && now.Sub(si.Last) < activeWindow
	}

	if offset >= len(sessions) {
		return []*types.SessionInfo{}, nil
	}
	sessions = sessions[offset:]
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// querySessionGroups groups session-carrying events by their logical
// session: the parent link when reconciled, the physical id otherwise.
func (s *Store) querySessionGroups(ctx context.Context) ([]*types.SessionInfo, error) {
	// Aliases are not visible to correlated subqueries, so the grouped
	// query is wrapped and the representatives resolved outside it. The
	// representative user is the earliest event's; the display name comes
	// from the first session_start that carried one.
	query := `
		SELECT g.sess, g.cnt, g.first_ts, g.last_ts, g.has_start, g.has_end,
			(SELECT e2.user_id FROM telemetry_events e2
				WHERE e2.deleted_at IS NULL
					AND COALESCE(NULLIF(e2.parent_session_id, ''), e2.session_id) = g.sess
					AND e2.user_id IS NOT NULL AND e2.user_id <> ''
				ORDER BY e2.timestamp ASC, e2.id ASC LIMIT 1),
			(SELECT e2.user_name FROM telemetry_events e2
				WHERE e2.deleted_at IS NULL
					AND COALESCE(NULLIF(e2.parent_session_id, ''), e2.session_id) = g.sess
					AND e2.event_id = ? AND e2.user_name <> ''
				ORDER BY e2.timestamp ASC, e2.id ASC LIMIT 1)
		FROM (
			SELECT COALESCE(NULLIF(parent_session_id, ''), session_id) AS sess,
				COUNT(*) AS cnt,
				MIN(timestamp) AS first_ts,
				MAX(timestamp) AS last_ts,
				MAX(CASE WHEN event_id = ? THEN 1 ELSE 0 END) AS has_start,
				MAX(CASE WHEN event_id = ? THEN 1 ELSE 0 END) AS has_end
			FROM telemetry_events
			WHERE deleted_at IS NULL AND session_id IS NOT NULL AND session_id <> ''
			GROUP BY sess
		) g`
	rows, err := s.query(ctx, query,
		s.typeID(types.EventSessionStart),
		s.typeID(types.EventSessionStart), s.typeID(types.EventSessionEnd))
	if err != nil {
		return nil, wrapDBError("list sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.SessionInfo
	for rows.Next() {
		var (
			si                 types.SessionInfo
			firstRaw, lastRaw  string
			hasStart, hasEnd   int
			userID, userName   sql.NullString
		)
		if err := rows.Scan(&si.SessionID, &si.Count, &firstRaw, &lastRaw,
			&hasStart, &hasEnd, &userID, &userName); err != nil {
			return nil, wrapDBError("scan session", err)
		}
		si.First = parseTimeString(firstRaw)
		si.Last = parseTimeString(lastRaw)
		si.HasStart = hasStart != 0
		si.HasEnd = hasEnd != 0
		si.UserID = userID.String
		si.UserName = userName.String
		out = append(out, &si)
	}
	return out, rows.Err()
}

// queryPseudoSessions buckets session-less events into synthetic
// user_<uid>_<YYYY-MM-DD> sessions. Session-less events without a user
// do not form sessions.
func (s *Store) queryPseudoSessions(ctx context.Context) ([]*types.SessionInfo, error) {
	query := `
		SELECT p.user_id, p.day, p.cnt, p.first_ts, p.last_ts,
			(SELECT e2.user_name FROM telemetry_events e2
				WHERE e2.deleted_at IS NULL AND e2.user_id = p.user_id AND e2.user_name <> ''
				ORDER BY e2.timestamp DESC, e2.id DESC LIMIT 1)
		FROM (
			SELECT user_id,
				date(timestamp) AS day,
				COUNT(*) AS cnt,
				MIN(timestamp) AS first_ts,
				MAX(timestamp) AS last_ts
			FROM telemetry_events
			WHERE deleted_at IS NULL
				AND (session_id IS NULL OR session_id = '')
				AND user_id IS NOT NULL AND user_id <> ''
			GROUP BY user_id, day
		) p`
	rows, err := s.query(ctx, query)
	if err != nil {
		return nil, wrapDBError("list pseudo sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.SessionInfo
	for rows.Next() {
		var (
			si                types.SessionInfo
			day               string
			firstRaw, lastRaw string
			userName          sql.NullString
		)
		if err := rows.Scan(&si.UserID, &day, &si.Count, &firstRaw, &lastRaw, &userName); err != nil {
			return nil, wrapDBError("scan pseudo session", err)
		}
		si.SessionID = "user_" + si.UserID + "_" + day
		si.First = parseTimeString(firstRaw)
		si.Last = parseTimeString(lastRaw)
		si.UserName = userName.String
		out = append(out, &si)
	}
	return out, rows.Err()
}
