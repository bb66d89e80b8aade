package sqlite

import (
	"context"
	"time"

	"github.com/pulsehq/pulse/internal/storage"
	"github.com/pulsehq/pulse/internal/types"
)

// DeleteEvent moves one event to the trash. Repeating the call is a
// no-op. Rollups for the affected user and org are repaired.
func (s *Store) DeleteEvent(ctx context.Context, id int64) (bool, error) {
	ev, err := s.GetEvent(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	res, err := s.exec(ctx,
		`UPDATE telemetry_events SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return false, wrapDBError("delete event", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	return true, s.repairAggregates(ctx, []*types.Event{ev})
}

// DeleteAllEvents trashes every live event and rebuilds the rollups.
func (s *Store) DeleteAllEvents(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx,
		`UPDATE telemetry_events SET deleted_at = ? WHERE deleted_at IS NULL`,
		time.Now().UTC())
	if err != nil {
		return 0, wrapDBError("delete all events", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, nil
	}
	return n, s.BackfillStats(ctx)
}

// DeleteEventsBySession trashes every live event of one logical session.
// Pseudo-session ids of the form user_<uid>_<YYYY-MM-DD> match that
// user's session-less events on that UTC day.
func (s *Store) DeleteEventsBySession(ctx context.Context, sessionID string) (int64, error) {
	where := `(parent_session_id = ? OR ((parent_session_id IS NULL OR parent_session_id = '') AND session_id = ?))`
	args := []any{sessionID, sessionID}
	if userID, day, ok := types.PseudoSessionDate(sessionID); ok {
		where = `user_id = ? AND (session_id IS NULL OR session_id = '') AND date(timestamp) = ?`
		args = []any{userID, day.Format("2006-01-02")}
	}

	affected, err := s.affectedEvents(ctx, where+` AND deleted_at IS NULL`, args)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE telemetry_events SET deleted_at = ? WHERE `+where+` AND deleted_at IS NULL`,
		append([]any{time.Now().UTC()}, args...)...)
	if err != nil {
		return 0, wrapDBError("delete session events", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, nil
	}
	return n, s.repairAggregates(ctx, affected)
}

// RecoverEvent restores a trashed event. Repeating the call is a no-op.
func (s *Store) RecoverEvent(ctx context.Context, id int64) (bool, error) {
	ev, err := s.GetEvent(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	res, err := s.exec(ctx,
		`UPDATE telemetry_events SET deleted_at = NULL WHERE id = ? AND deleted_at IS NOT NULL`, id)
	if err != nil {
		return false, wrapDBError("recover event", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	return true, s.repairAggregates(ctx, []*types.Event{ev})
}

// PermanentlyDeleteEvent removes a trashed event for good. Live events
// must be trashed first. Rollups for the affected user and org are
// repaired afterwards.
func (s *Store) PermanentlyDeleteEvent(ctx context.Context, id int64) (bool, error) {
	ev, err := s.GetEvent(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	res, err := s.exec(ctx,
		`DELETE FROM telemetry_events WHERE id = ? AND deleted_at IS NOT NULL`, id)
	if err != nil {
		return false, wrapDBError("permanently delete event", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	return true, s.repairAggregates(ctx, []*types.Event{ev})
}

// EmptyTrash removes every trashed event and repairs the affected
// rollups.
func (s *Store) EmptyTrash(ctx context.Context) (int64, error) {
	affected, err := s.affectedEvents(ctx, `deleted_at IS NOT NULL`, nil)
	if err != nil {
		return 0, err
	}
	res, err := s.exec(ctx, `DELETE FROM telemetry_events WHERE deleted_at IS NOT NULL`)
	if err != nil {
		return 0, wrapDBError("empty trash", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, nil
	}
	return n, s.repairAggregates(ctx, affected)
}

// CleanupOldDeletedEvents purges trash entries older than the retention
// window and repairs the affected rollups.
func (s *Store) CleanupOldDeletedEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	affected, err := s.affectedEvents(ctx,
		`deleted_at IS NOT NULL AND deleted_at < ?`, []any{cutoff})
	if err != nil {
		return 0, err
	}
	res, err := s.exec(ctx,
		`DELETE FROM telemetry_events WHERE deleted_at IS NOT NULL AND deleted_at < ?`, cutoff)
	if err != nil {
		return 0, wrapDBError("cleanup trash", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, nil
	}
	return n, s.repairAggregates(ctx, affected)
}

// GetDeletedEvents pages through the trash, most recently deleted first.
func (s *Store) GetDeletedEvents(ctx context.Context, limit, offset int) (*types.EventPage, error) {
	if s.closed.Load() {
		return nil, storage.ErrNotReady
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM telemetry_events WHERE deleted_at IS NOT NULL`).Scan(&total); err != nil {
		return nil, wrapDBError("count trash", err)
	}

	rows, err := s.query(ctx, `
		SELECT `+eventColumns+`
		FROM telemetry_events e JOIN event_types t ON t.id = e.event_id
		WHERE e.deleted_at IS NOT NULL
		ORDER BY e.deleted_at DESC, e.id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, wrapDBError("list trash", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]*types.Event, 0, limit)
	for rows.Next() {
		ev, err := s.scanEvent(rows)
		if err != nil {
			return nil, wrapDBError("scan trash event", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate trash", err)
	}
	return &types.EventPage{
		Events:  events,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(events) < total,
	}, nil
}

// affectedEvents snapshots the user and org keys of rows about to change
// trash state so their rollups can be repaired afterwards.
func (s *Store) affectedEvents(ctx context.Context, where string, args []any) ([]*types.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT COALESCE(user_id, ''), COALESCE(org_id, ''), COALESCE(server_id, '')
		FROM telemetry_events WHERE `+where, args...)
	if err != nil {
		return nil, wrapDBError("snapshot affected events", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Event
	for rows.Next() {
		var ev types.Event
		if err := rows.Scan(&ev.UserID, &ev.OrgID, &ev.ServerID); err != nil {
			return nil, wrapDBError("scan affected event", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// repairAggregates recomputes rollups for the distinct users and orgs
// named by the given events.
func (s *Store) repairAggregates(ctx context.Context, evs []*types.Event) error {
	userSet := make(map[string]struct{})
	orgSet := make(map[string]struct{})
	for _, ev := range evs {
		if ev.UserID != "" {
			userSet[ev.UserID] = struct{}{}
		}
		if key := ev.OrgKey(); key != "" {
			orgSet[key] = struct{}{}
		}
	}
	users := make([]string, 0, len(userSet))
	for u := range userSet {
		users = append(users, u)
	}
	orgs := make([]string, 0, len(orgSet))
	for o := range orgSet {
		orgs = append(orgs, o)
	}
	if err := s.RecomputeUserStats(ctx, users); err != nil {
		return err
	}
	return s.RecomputeOrgStats(ctx, orgs)
}
