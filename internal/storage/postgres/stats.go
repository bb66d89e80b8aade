package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/pulsehq/pulse/internal/storage"
	"github.com/pulsehq/pulse/internal/types"
)

// BumpUserStats increments the per-user rollup for one ingested event.
// GREATEST skips NULLs here, so last_event only moves forward.
func (s *Store) BumpUserStats(ctx context.Context, userID string, ts time.Time, displayName string) error {
	_, err := s.exec(ctx, `
		INSERT INTO user_event_stats (user_id, count, last_event, display_name)
		VALUES ($1, 1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			count = user_event_stats.count + 1,
			last_event = GREATEST(user_event_stats.last_event, excluded.last_event),
			display_name = CASE
				WHEN excluded.display_name <> '' THEN excluded.display_name
				ELSE user_event_stats.display_name END`,
		userID, ts.UTC(), displayName)
	if err != nil {
		return wrapDBError("bump user stats", err)
	}
	return nil
}

// BumpOrgStats increments the per-org rollup. The display name is owned
// by the org record and filled in during recompute.
func (s *Store) BumpOrgStats(ctx context.Context, orgID string, ts time.Time) error {
	_, err := s.exec(ctx, `
		INSERT INTO org_event_stats (org_id, count, last_event, display_name)
		VALUES ($1, 1, $2, '')
		ON CONFLICT (org_id) DO UPDATE SET
			count = org_event_stats.count + 1,
			last_event = GREATEST(org_event_stats.last_event, excluded.last_event)`,
		orgID, ts.UTC())
	if err != nil {
		return wrapDBError("bump org stats", err)
	}
	return nil
}

const recomputeUserStatsSQL = `
	INSERT INTO user_event_stats (user_id, count, last_event, display_name)
	SELECT $1, COUNT(*), MAX(timestamp),
		COALESCE((SELECT e2.user_name FROM telemetry_events e2
			WHERE e2.user_id = $1 AND e2.user_name <> '' AND e2.deleted_at IS NULL
			ORDER BY e2.timestamp DESC, e2.id DESC LIMIT 1), '')
	FROM telemetry_events
	WHERE user_id = $1 AND deleted_at IS NULL
	ON CONFLICT (user_id) DO UPDATE SET
		count = excluded.count,
		last_event = excluded.last_event,
		display_name = excluded.display_name`

// RecomputeUserStats rebuilds rollup rows for the given users from the
// fact table. Trashed events do not count.
func (s *Store) RecomputeUserStats(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range userIDs {
			if _, err := tx.ExecContext(ctx, recomputeUserStatsSQL, id); err != nil {
				return wrapDBError("recompute user stats", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM user_event_stats WHERE count = 0 AND user_id = ANY($1)`,
			pq.Array(userIDs)); err != nil {
			return wrapDBError("prune user stats", err)
		}
		return nil
	})
}

const recomputeOrgStatsSQL = `
	INSERT INTO org_event_stats (org_id, count, last_event, display_name)
	SELECT $1, COUNT(*), MAX(timestamp),
		COALESCE((SELECT e2.company_name FROM telemetry_events e2
			WHERE COALESCE(NULLIF(e2.org_id, ''), e2.server_id) = $1
				AND e2.company_name <> '' AND e2.deleted_at IS NULL
			ORDER BY e2.timestamp DESC, e2.id DESC LIMIT 1), '')
	FROM telemetry_events
	WHERE COALESCE(NULLIF(org_id, ''), server_id) = $1 AND deleted_at IS NULL
	ON CONFLICT (org_id) DO UPDATE SET
		count = excluded.count,
		last_event = excluded.last_event,
		display_name = excluded.display_name`

// RecomputeOrgStats rebuilds rollup rows for the given orgs. An org's key
// is its normalized org id when present, otherwise its server id.
func (s *Store) RecomputeOrgStats(ctx context.Context, orgIDs []string) error {
	if len(orgIDs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range orgIDs {
			if _, err := tx.ExecContext(ctx, recomputeOrgStatsSQL, id); err != nil {
				return wrapDBError("recompute org stats", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM org_event_stats WHERE count = 0 AND org_id = ANY($1)`,
			pq.Array(orgIDs)); err != nil {
			return wrapDBError("prune org stats", err)
		}
		return nil
	})
}

func (s *Store) GetUserStats(ctx context.Context, userID string) (*types.KeyStats, error) {
	return s.getKeyStats(ctx,
		`SELECT user_id, count, last_event, display_name FROM user_event_stats WHERE user_id = $1`,
		userID)
}

func (s *Store) GetOrgStats(ctx context.Context, orgID string) (*types.KeyStats, error) {
	return s.getKeyStats(ctx,
		`SELECT org_id, count, last_event, display_name FROM org_event_stats WHERE org_id = $1`,
		orgID)
}

func (s *Store) getKeyStats(ctx context.Context, query, key string) (*types.KeyStats, error) {
	var (
		ks   types.KeyStats
		last sql.NullTime
	)
	err := s.queryRow(ctx, query, key).Scan(&ks.Key, &ks.Count, &last, &ks.DisplayName)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapDBError("get stats", err)
	}
	if last.Valid {
		t := last.Time.UTC()
		ks.LastEvent = &t
	}
	return &ks, nil
}

// BackfillStats rebuilds both rollup tables from scratch. Used after
// import and by the startup backfill when the tables are empty.
func (s *Store) BackfillStats(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_event_stats`); err != nil {
			return wrapDBError("clear user stats", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_event_stats (user_id, count, last_event, display_name)
			SELECT g.user_id, g.cnt, g.last_ts,
				COALESCE((SELECT e2.user_name FROM telemetry_events e2
					WHERE e2.user_id = g.user_id AND e2.user_name <> '' AND e2.deleted_at IS NULL
					ORDER BY e2.timestamp DESC, e2.id DESC LIMIT 1), '')
			FROM (
				SELECT user_id, COUNT(*) AS cnt, MAX(timestamp) AS last_ts
				FROM telemetry_events
				WHERE deleted_at IS NULL AND user_id IS NOT NULL AND user_id <> ''
				GROUP BY user_id
			) g`); err != nil {
			return wrapDBError("rebuild user stats", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM org_event_stats`); err != nil {
			return wrapDBError("clear org stats", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO org_event_stats (org_id, count, last_event, display_name)
			SELECT g.org_key, g.cnt, g.last_ts,
				COALESCE((SELECT e2.company_name FROM telemetry_events e2
					WHERE COALESCE(NULLIF(e2.org_id, ''), e2.server_id) = g.org_key
						AND e2.company_name <> '' AND e2.deleted_at IS NULL
					ORDER BY e2.timestamp DESC, e2.id DESC LIMIT 1), '')
			FROM (
				SELECT COALESCE(NULLIF(org_id, ''), server_id) AS org_key,
					COUNT(*) AS cnt, MAX(timestamp) AS last_ts
				FROM telemetry_events
				WHERE deleted_at IS NULL
					AND COALESCE(NULLIF(org_id, ''), server_id) IS NOT NULL
					AND COALESCE(NULLIF(org_id, ''), server_id) <> ''
				GROUP BY org_key
			) g`); err != nil {
			return wrapDBError("rebuild org stats", err)
		}
		return nil
	})
}
