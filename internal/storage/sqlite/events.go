package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pulsehq/pulse/internal/storage"
	"github.com/pulsehq/pulse/internal/types"
)

const insertEventSQL = `
	INSERT INTO telemetry_events (
		event_id, area, timestamp, server_id, version,
		session_id, parent_session_id, user_id, data, received_at, created_at,
		org_id, user_name, tool_name, company_name, error_message,
		team_id, success, telemetry_schema_version
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// insertEventArgs flattens an event into the insert parameter list.
// Denormalized columns store '' rather than NULL when the payload lacks
// the value; NULL is reserved for rows awaiting backfill.
func (s *Store) insertEventArgs(ev *types.Event, now time.Time) []any {
	data := string(ev.Data)
	if data == "" {
		data = "{}"
	}
	received := ev.ReceivedAt
	if received.IsZero() {
		received = now
	}
	var teamID any
	if ev.TeamID != nil {
		teamID = *ev.TeamID
	}
	return []any{
		s.typeID(ev.Type), string(ev.Area), ev.Timestamp.UTC(),
		nullStr(ev.ServerID), nullStr(ev.Version),
		nullStr(ev.SessionID), nullStr(ev.ParentSessionID), nullStr(ev.UserID),
		data, received.UTC(), now,
		ev.OrgID, ev.UserName, ev.ToolName, ev.CompanyName, ev.ErrorMessage,
		teamID, boolToInt(ev.Success), schemaVersionOrDefault(ev.SchemaVersion),
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func schemaVersionOrDefault(v int) int {
	if v == 0 {
		return 2
	}
	return v
}

// InsertEvent writes one canonical row and returns its id.
func (s *Store) InsertEvent(ctx context.Context, ev *types.Event) (int64, error) {
	now := time.Now().UTC()
	res, err := s.exec(ctx, insertEventSQL, s.insertEventArgs(ev, now)...)
	if err != nil {
		return 0, wrapDBError("insert event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapDBError("insert event id", err)
	}
	ev.ID = id
	ev.CreatedAt = now
	return id, nil
}

// InsertEvents writes a batch of canonical rows in one transaction.
func (s *Store) InsertEvents(ctx context.Context, evs []*types.Event) error {
	if len(evs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insertEventSQL)
		if err != nil {
			return wrapDBError("prepare batch insert", err)
		}
		defer func() { _ = stmt.Close() }()
		for _, ev := range evs {
			res, err := stmt.ExecContext(ctx, s.insertEventArgs(ev, now)...)
			if err != nil {
				return wrapDBError("batch insert event", err)
			}
			if id, err := res.LastInsertId(); err == nil {
				ev.ID = id
			}
			ev.CreatedAt = now
		}
		return nil
	})
}

// LatestParentForSession returns the parent chosen by the most recent
// prior event carrying the same physical session id.
func (s *Store) LatestParentForSession(ctx context.Context, sessionID string) (string, bool, error) {
	var parent string
	err := s.queryRow(ctx, `
		SELECT parent_session_id FROM telemetry_events
		WHERE session_id = ? AND parent_session_id IS NOT NULL AND parent_session_id <> ''
		ORDER BY timestamp DESC, id DESC LIMIT 1`, sessionID).Scan(&parent)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapDBError("latest parent for session", err)
	}
	return parent, true, nil
}

// SessionStartForSession returns the most recent prior session_start with
// the same physical session id, or nil when none exists.
func (s *Store) SessionStartForSession(ctx context.Context, sessionID string) (*types.SessionStartRef, error) {
	return s.scanStartRef(s.queryRow(ctx, `
		SELECT session_id, COALESCE(parent_session_id, ''), timestamp FROM telemetry_events
		WHERE session_id = ? AND event_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT 1`,
		sessionID, s.typeID(types.EventSessionStart)))
}

// RecentSessionStart returns the most recent prior session_start for the
// (user, server) pair, or nil when none exists. The caller applies the
// 4-hour window.
func (s *Store) RecentSessionStart(ctx context.Context, userID, serverID string) (*types.SessionStartRef, error) {
	return s.scanStartRef(s.queryRow(ctx, `
		SELECT session_id, COALESCE(parent_session_id, ''), timestamp FROM telemetry_events
		WHERE user_id = ? AND server_id = ? AND event_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT 1`,
		userID, serverID, s.typeID(types.EventSessionStart)))
}

func (s *Store) scanStartRef(row *sql.Row) (*types.SessionStartRef, error) {
	var ref types.SessionStartRef
	err := row.Scan(&ref.SessionID, &ref.ParentSessionID, &ref.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("session start lookup", err)
	}
	ref.Timestamp = ref.Timestamp.UTC()
	return &ref, nil
}

const eventColumns = `
	e.id, e.event_id, e.area, e.timestamp, e.server_id, e.version,
	e.session_id, e.parent_session_id, e.user_id, e.data, e.received_at, e.created_at,
	e.org_id, e.user_name, e.tool_name, e.company_name, e.error_message,
	e.team_id, e.deleted_at, e.success, e.telemetry_schema_version`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanEvent(row rowScanner) (*types.Event, error) {
	var (
		ev       types.Event
		typeID   int64
		area     string
		serverID, version, sessionID, parentID, userID       sql.NullString
		orgID, userName, toolName, companyName, errorMessage sql.NullString
		data     string
		received sql.NullTime
		teamID   sql.NullInt64
		deleted  sql.NullTime
		success  int
	)
	err := row.Scan(
		&ev.ID, &typeID, &area, &ev.Timestamp, &serverID, &version,
		&sessionID, &parentID, &userID, &data, &received, &ev.CreatedAt,
		&orgID, &userName, &toolName, &companyName, &errorMessage,
		&teamID, &deleted, &success, &ev.SchemaVersion,
	)
	if err != nil {
		return nil, err
	}
	ev.Type = s.typeNames[typeID]
	ev.Area = types.Area(area)
	ev.Timestamp = ev.Timestamp.UTC()
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.ServerID = serverID.String
	ev.Version = version.String
	ev.SessionID = sessionID.String
	ev.ParentSessionID = parentID.String
	ev.UserID = userID.String
	ev.Data = []byte(data)
	if received.Valid {
		ev.ReceivedAt = received.Time.UTC()
	}
	ev.OrgID = orgID.String
	ev.UserName = userName.String
	ev.ToolName = toolName.String
	ev.CompanyName = companyName.String
	ev.ErrorMessage = errorMessage.String
	if teamID.Valid {
		id := teamID.Int64
		ev.TeamID = &id
	}
	if deleted.Valid {
		t := deleted.Time.UTC()
		ev.DeletedAt = &t
	}
	ev.Success = success != 0
	return &ev, nil
}

// GetEvent fetches one row by id regardless of trash state.
func (s *Store) GetEvent(ctx context.Context, id int64) (*types.Event, error) {
	ev, err := s.scanEvent(s.queryRow(ctx,
		`SELECT `+eventColumns+` FROM telemetry_events e WHERE e.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapDBError("get event", err)
	}
	return ev, nil
}

// orderColumns whitelists sortable columns for event listings.
var orderColumns = map[types.EventOrder]string{
	types.OrderByID:        "e.id",
	types.OrderByEvent:     "t.name",
	types.OrderByTimestamp: "e.timestamp",
	types.OrderByCreatedAt: "e.created_at",
	types.OrderByServerID:  "e.server_id",
}

// GetEvents returns one page of a filtered listing. The COUNT is skipped
// for deep pagination (offset > 0 and limit > 100); Total is then -1 and
// HasMore is derived by over-fetching one row.
func (s *Store) GetEvents(ctx context.Context, filter types.EventFilter) (*types.EventPage, error) {
	if s.closed.Load() {
		return nil, storage.ErrNotReady
	}

	where, args := s.buildEventFilter(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	orderCol, ok := orderColumns[filter.OrderBy]
	if !ok {
		orderCol = "e.id"
	}
	direction := "ASC"
	if filter.Desc {
		direction = "DESC"
	}

	skipCount := offset > 0 && limit > 100
	total := -1
	if !skipCount {
		countSQL := `SELECT COUNT(*) FROM telemetry_events e JOIN event_types t ON t.id = e.event_id` + where
		if err := s.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
			return nil, wrapDBError("count events", err)
		}
	}

	querySQL := fmt.Sprintf(
		`SELECT %s FROM telemetry_events e JOIN event_types t ON t.id = e.event_id%s ORDER BY %s %s LIMIT ? OFFSET ?`,
		eventColumns, where, orderCol, direction)
	rows, err := s.db.QueryContext(ctx, querySQL, append(args, limit+1, offset)...)
	if err != nil {
		return nil, wrapDBError("list events", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]*types.Event, 0, limit)
	for rows.Next() {
		ev, err := s.scanEvent(rows)
		if err != nil {
			return nil, wrapDBError("scan event", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate events", err)
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}
	if !skipCount {
		hasMore = offset+len(events) < total
	}
	return &types.EventPage{
		Events:  events,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: hasMore,
	}, nil
}

// buildEventFilter renders the WHERE clause for a listing filter.
func (s *Store) buildEventFilter(filter types.EventFilter) (string, []any) {
	var clauses []string
	var args []any

	if !filter.IncludeDeleted {
		clauses = append(clauses, "e.deleted_at IS NULL")
	}
	if len(filter.Areas) > 0 {
		clauses = append(clauses, "e.area IN ("+inPlaceholders(len(filter.Areas))+")")
		for _, a := range filter.Areas {
			args = append(args, string(a))
		}
	}
	if len(filter.Types) > 0 {
		clauses = append(clauses, "e.event_id IN ("+inPlaceholders(len(filter.Types))+")")
		for _, t := range filter.Types {
			args = append(args, s.typeID(t))
		}
	}
	if filter.ServerID != "" {
		clauses = append(clauses, "e.server_id = ?")
		args = append(args, filter.ServerID)
	}
	if filter.SessionID != "" {
		// Logical-session match: direct parent link, or an unreconciled row
		// whose physical id is the logical id.
		clauses = append(clauses,
			"(e.parent_session_id = ? OR ((e.parent_session_id IS NULL OR e.parent_session_id = '') AND e.session_id = ?))")
		args = append(args, filter.SessionID, filter.SessionID)
	}
	if filter.StartDate != nil {
		clauses = append(clauses, "e.timestamp >= ?")
		args = append(args, filter.StartDate.UTC())
	}
	if filter.EndDate != nil {
		clauses = append(clauses, "e.timestamp <= ?")
		args = append(args, filter.EndDate.UTC())
	}
	if len(filter.UserIDs) > 0 {
		clauses = append(clauses, "e.user_id IN ("+inPlaceholders(len(filter.UserIDs))+")")
		for _, u := range filter.UserIDs {
			args = append(args, u)
		}
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
