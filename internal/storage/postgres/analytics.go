package postgres

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pulsehq/pulse/internal/storage"
	"github.com/pulsehq/pulse/internal/types"
)

// clampDays bounds the window to [1, 365]; zero means unset and takes
// the 30-day default.
func clampDays(days int) int {
	switch {
	case days == 0:
		return 30
	case days < 1:
		return 1
	case days > 365:
		return 365
	}
	return days
}

func clampTopN(n int) int {
	if n <= 0 {
		return 1
	}
	if n > 500 {
		return 500
	}
	return n
}

// windowStart returns UTC midnight of the first day in an N-day window
// ending today.
func windowStart(days int) time.Time {
	now := time.Now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -(days - 1))
}

// denseDays emits one bucket per UTC day with explicit zeros.
func denseDays(days int, counts map[string]int64) []*types.DailyCount {
	start := windowStart(days)
	out := make([]*types.DailyCount, 0, days)
	for i := 0; i < days; i++ {
		day := start.AddDate(0, 0, i).Format("2006-01-02")
		out = append(out, &types.DailyCount{Day: day, Count: counts[day]})
	}
	return out
}

// GetDailyStats returns a dense daily event count series for the last N
// days (UTC), trashed rows excluded.
func (s *Store) GetDailyStats(ctx context.Context, days int) ([]*types.DailyCount, error) {
	days = clampDays(days)
	rows, err := s.query(ctx, `
		SELECT to_char(timestamp AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*)
		FROM telemetry_events
		WHERE deleted_at IS NULL AND timestamp >= $1
		GROUP BY day`, windowStart(days))
	if err != nil {
		return nil, wrapDBError("daily stats", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int64, days)
	for rows.Next() {
		var day string
		var n int64
		if err := rows.Scan(&day, &n); err != nil {
			return nil, wrapDBError("scan daily stats", err)
		}
		counts[day] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate daily stats", err)
	}
	return denseDays(days, counts), nil
}

// GetDailyStatsByType splits the daily series into dashboard categories:
// session starts whose logical session never ended, tool events
// (tool_call plus tool_error), and tool errors.
func (s *Store) GetDailyStatsByType(ctx context.Context, days int) ([]*types.DailyTypeCount, error) {
	days = clampDays(days)

	rows, err := s.query(ctx, `
		SELECT to_char(e.timestamp AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
			SUM(CASE WHEN e.event_id = $1 AND NOT EXISTS (
				SELECT 1 FROM telemetry_events e3
				WHERE e3.deleted_at IS NULL AND e3.event_id = $2
					AND COALESCE(NULLIF(e3.parent_session_id, ''), e3.session_id) =
						COALESCE(NULLIF(e.parent_session_id, ''), e.session_id)
			) THEN 1 ELSE 0 END),
			SUM(CASE WHEN e.event_id IN ($3, $4) THEN 1 ELSE 0 END),
			SUM(CASE WHEN e.event_id = $4 THEN 1 ELSE 0 END)
		FROM telemetry_events e
		WHERE e.deleted_at IS NULL AND e.timestamp >= $5
		GROUP BY day`,
		s.typeID(types.EventSessionStart), s.typeID(types.EventSessionEnd),
		s.typeID(types.EventToolCall), s.typeID(types.EventToolError),
		windowStart(days))
	if err != nil {
		return nil, wrapDBError("daily stats by type", err)
	}
	defer func() { _ = rows.Close() }()

	byDay := make(map[string]*types.DailyTypeCount, days)
	for rows.Next() {
		var dc types.DailyTypeCount
		if err := rows.Scan(&dc.Day, &dc.StartSessionsWithoutEnd, &dc.ToolEvents, &dc.ErrorEvents); err != nil {
			return nil, wrapDBError("scan daily type stats", err)
		}
		byDay[dc.Day] = &dc
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate daily type stats", err)
	}

	startDay := windowStart(days)
	out := make([]*types.DailyTypeCount, 0, days)
	for i := 0; i < days; i++ {
		day := startDay.AddDate(0, 0, i).Format("2006-01-02")
		if dc, ok := byDay[day]; ok {
			out = append(out, dc)
		} else {
			out = append(out, &types.DailyTypeCount{Day: day})
		}
	}
	return out, nil
}

// GetTopUsers ranks users by event count over the last D days.
func (s *Store) GetTopUsers(ctx context.Context, days, limit int) ([]*types.TopEntry, error) {
	days = clampDays(days)
	limit = clampTopN(limit)
	rows, err := s.query(ctx, `
		SELECT g.user_id, g.cnt,
			COALESCE((SELECT e2.user_name FROM telemetry_events e2
				WHERE e2.user_id = g.user_id AND e2.user_name <> '' AND e2.deleted_at IS NULL
				ORDER BY e2.timestamp DESC, e2.id DESC LIMIT 1), '')
		FROM (
			SELECT user_id, COUNT(*) AS cnt
			FROM telemetry_events
			WHERE deleted_at IS NULL AND timestamp >= $1
				AND user_id IS NOT NULL AND user_id <> ''
			GROUP BY user_id
			ORDER BY cnt DESC, user_id ASC
			LIMIT $2
		) g
		ORDER BY g.cnt DESC, g.user_id ASC`, windowStart(days), limit)
	if err != nil {
		return nil, wrapDBError("top users", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.TopEntry
	for rows.Next() {
		var te types.TopEntry
		if err := rows.Scan(&te.Key, &te.Count, &te.DisplayName); err != nil {
			return nil, wrapDBError("scan top user", err)
		}
		out = append(out, &te)
	}
	return out, rows.Err()
}

// GetTopTeams ranks teams by event count over the last D days. The
// org→team mapping comes from the caller when supplied, otherwise from
// the orgs table. Team names group case-insensitively; the first-seen
// spelling is reported.
func (s *Store) GetTopTeams(ctx context.Context, days, limit int, orgTeams map[string]string) ([]*types.TopEntry, error) {
	days = clampDays(days)
	limit = clampTopN(limit)

	if len(orgTeams) == 0 {
		var err error
		if orgTeams, err = s.orgTeamNames(ctx); err != nil {
			return nil, err
		}
	}
	if len(orgTeams) == 0 {
		return []*types.TopEntry{}, nil
	}

	rows, err := s.query(ctx, `
		SELECT COALESCE(NULLIF(org_id, ''), server_id) AS org_key, COUNT(*)
		FROM telemetry_events
		WHERE deleted_at IS NULL AND timestamp >= $1
			AND COALESCE(NULLIF(org_id, ''), server_id) IS NOT NULL
		GROUP BY org_key`, windowStart(days))
	if err != nil {
		return nil, wrapDBError("top teams", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int64)    // lowercased team name -> count
	spelling := make(map[string]string) // lowercased team name -> first-seen name
	for rows.Next() {
		var orgKey string
		var n int64
		if err := rows.Scan(&orgKey, &n); err != nil {
			return nil, wrapDBError("scan top team", err)
		}
		team, ok := orgTeams[orgKey]
		if !ok || team == "" {
			continue
		}
		key := strings.ToLower(team)
		if _, seen := spelling[key]; !seen {
			spelling[key] = team
		}
		counts[key] += n
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate top teams", err)
	}

	out := make([]*types.TopEntry, 0, len(counts))
	for key, n := range counts {
		out = append(out, &types.TopEntry{Key: key, DisplayName: spelling[key], Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// orgTeamNames derives the org→team-name mapping from org assignments.
func (s *Store) orgTeamNames(ctx context.Context) (map[string]string, error) {
	rows, err := s.query(ctx, `
		SELECT o.server_id, t.name
		FROM orgs o JOIN teams t ON t.id = o.team_id`)
	if err != nil {
		return nil, wrapDBError("org team names", err)
	}
	defer func() { _ = rows.Close() }()

	m := make(map[string]string)
	for rows.Next() {
		var serverID, name string
		if err := rows.Scan(&serverID, &name); err != nil {
			return nil, wrapDBError("scan org team", err)
		}
		m[serverID] = name
	}
	return m, rows.Err()
}

// GetToolUsageStats splits tool activity into successful calls and
// errors per tool, limited to the six busiest tools. The denormalized
// tool_name column is preferred; JSONB extraction covers rows ingested
// before the column was backfilled.
func (s *Store) GetToolUsageStats(ctx context.Context) ([]*types.ToolUsage, error) {
	if s.closed.Load() {
		return nil, storage.ErrNotReady
	}
	rows, err := s.query(ctx, `
		SELECT f.tool,
			SUM(CASE WHEN f.event_id = $1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN f.event_id = $2 THEN 1 ELSE 0 END)
		FROM (
			SELECT COALESCE(NULLIF(tool_name, ''),
				data->'data'->>'toolName',
				data->'data'->>'tool',
				data->'data'->'error'->>'toolName') AS tool, event_id
			FROM telemetry_events
			WHERE deleted_at IS NULL AND event_id IN ($1, $2)
		) f
		WHERE f.tool IS NOT NULL AND f.tool <> ''
		GROUP BY f.tool
		ORDER BY COUNT(*) DESC, f.tool ASC
		LIMIT 6`, s.typeID(types.EventToolCall), s.typeID(types.EventToolError))
	if err != nil {
		return nil, wrapDBError("tool usage stats", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.ToolUsage
	for rows.Next() {
		var tu types.ToolUsage
		if err := rows.Scan(&tu.Tool, &tu.Successful, &tu.Errors); err != nil {
			return nil, wrapDBError("scan tool usage", err)
		}
		out = append(out, &tu)
	}
	return out, rows.Err()
}
