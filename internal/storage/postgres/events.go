package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/pulsehq/pulse/internal/storage"
	"github.com/pulsehq/pulse/internal/types"
)

const insertEventSQL = `
	INSERT INTO telemetry_events (
		event_id, area, timestamp, server_id, version,
		session_id, parent_session_id, user_id, data, received_at, created_at,
		org_id, user_name, tool_name, company_name, error_message,
		team_id, success, telemetry_schema_version
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	RETURNING id`

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
		teamID, ev.Success, schemaVersionOrDefault(ev.SchemaVersion),
	}
}

func schemaVersionOrDefault(v int) int {
	if v == 0 {
		return 2
	}
	return v
}

// InsertEvent writes one canonical row and returns its id.
func (s *Store) InsertEvent(ctx context.Context, ev *types.Event) (int64, error) {
	if s.closed.Load() {
		return 0, storage.ErrNotReady
	}
	now := time.Now().UTC()
	var id int64
	if err := s.db.QueryRowContext(ctx, insertEventSQL,
		s.insertEventArgs(ev, now)...).Scan(&id); err != nil {
		return 0, wrapDBError("insert event", err)
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
			if err := stmt.QueryRowContext(ctx,
				s.insertEventArgs(ev, now)...).Scan(&ev.ID); err != nil {
				return wrapDBError("batch insert event", err)
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
		WHERE session_id = $1 AND parent_session_id IS NOT NULL AND parent_session_id <> ''
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
		WHERE session_id = $1 AND event_id = $2
		ORDER BY timestamp DESC, id DESC LIMIT 1`,
		sessionID, s.typeID(types.EventSessionStart)))
}

// RecentSessionStart returns the most recent prior session_start for the
// (user, server) pair, or nil when none exists. The caller applies the
// 4-hour window.
func (s *Store) RecentSessionStart(ctx context.Context, userID, serverID string) (*types.SessionStartRef, error) {
	return s.scanStartRef(s.queryRow(ctx, `
		SELECT session_id, COALESCE(parent_session_id, ''), timestamp FROM telemetry_events
		WHERE user_id = $1 AND server_id = $2 AND event_id = $3
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
		ev     types.Event
		typeID int64
		area   string
		serverID, version, sessionID, parentID, userID       sql.NullString
		orgID, userName, toolName, companyName, errorMessage sql.NullString
		data     []byte
		received sql.NullTime
		teamID   sql.NullInt64
		deleted  sql.NullTime
		version2 sql.NullInt64
	)
	err := row.Scan(
		&ev.ID, &typeID, &area, &ev.Timestamp, &serverID, &version,
		&sessionID, &parentID, &userID, &data, &received, &ev.CreatedAt,
		&orgID, &userName, &toolName, &companyName, &errorMessage,
		&teamID, &deleted, &ev.Success, &version2,
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
	ev.Data = append([]byte(nil), data...)
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
	if version2.Valid {
		ev.SchemaVersion = int(version2.Int64)
	}
	return &ev, nil
}

// GetEvent fetches one row by id regardless of trash state.
func (s *Store) GetEvent(ctx context.Context, id int64) (*types.Event, error) {
	ev, err := s.scanEvent(s.queryRow(ctx,
		`SELECT `+eventColumns+` FROM telemetry_events e WHERE e.id = $1`, id))
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

	var args argList
	where := s.buildEventFilter(filter, &args)
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
		if err := s.db.QueryRowContext(ctx, countSQL, args.vals...).Scan(&total); err != nil {
			return nil, wrapDBError("count events", err)
		}
	}

	querySQL := fmt.Sprintf(
		`SELECT %s FROM telemetry_events e JOIN event_types t ON t.id = e.event_id%s ORDER BY %s %s LIMIT %s OFFSET %s`,
		eventColumns, where, orderCol, direction, args.add(limit+1), args.add(offset))
	rows, err := s.db.QueryContext(ctx, querySQL, args.vals...)
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
func (s *Store) buildEventFilter(filter types.EventFilter, args *argList) string {
	var clauses []string

	if !filter.IncludeDeleted {
		clauses = append(clauses, "e.deleted_at IS NULL")
	}
	if len(filter.Areas) > 0 {
		areas := make([]string, len(filter.Areas))
		for i, a := range filter.Areas {
			areas[i] = string(a)
		}
		clauses = append(clauses, "e.area = ANY("+args.add(pq.Array(areas))+")")
	}
	if len(filter.Types) > 0 {
		ids := make([]int64, len(filter.Types))
		for i, t := range filter.Types {
			ids[i] = s.typeID(t)
		}
		clauses = append(clauses, "e.event_id = ANY("+args.add(pq.Array(ids))+")")
	}
	if filter.ServerID != "" {
		clauses = append(clauses, "e.server_id = "+args.add(filter.ServerID))
	}
	if filter.SessionID != "" {
		// Logical-session match: direct parent link, or an unreconciled row
		// whose physical id is the logical id.
		p1 := args.add(filter.SessionID)
		p2 := args.add(filter.SessionID)
		clauses = append(clauses,
			"(e.parent_session_id = "+p1+" OR ((e.parent_session_id IS NULL OR e.parent_session_id = '') AND e.session_id = "+p2+"))")
	}
	if filter.StartDate != nil {
		clauses = append(clauses, "e.timestamp >= "+args.add(filter.StartDate.UTC()))
	}
	if filter.EndDate != nil {
		clauses = append(clauses, "e.timestamp <= "+args.add(filter.EndDate.UTC()))
	}
	if len(filter.UserIDs) > 0 {
		clauses = append(clauses, "e.user_id = ANY("+args.add(pq.Array(filter.UserIDs))+")")
	}

	if len(clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(clauses, " AND ")
}
