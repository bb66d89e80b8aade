package sqlite

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/pulsehq/pulse/internal/types"
)

// backfillBatch bounds how many rows one backfill pass rewrites.
const backfillBatch = 1000

// RunBackfills populates denormalized columns and derives v2 fields on
// legacy rows, then seeds the rollup tables if they are empty. Each
// worker loops in batches until no NULL remains in its target columns.
// Transient failures retry with exponential backoff; a worker that
// exhausts retries reports the error so the next start picks it up.
func (s *Store) RunBackfills(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.backfillLoop(ctx, "denormalized columns", s.backfillDenormalized) })
	g.Go(func() error { return s.backfillLoop(ctx, "schema v2 fields", s.backfillSchemaV2) })
	if err := g.Wait(); err != nil {
		return err
	}
	return s.seedStatsIfEmpty(ctx)
}

func (s *Store) backfillLoop(ctx context.Context, name string, step func(context.Context) (int64, error)) error {
	for {
		var n int64
		op := func() error {
			var err error
			n, err = step(ctx)
			if err != nil && ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := backoff.Retry(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
			return fmt.Errorf("backfill %s: %w", name, err)
		}
		if n == 0 {
			return nil
		}
	}
}

// backfillDenormalized fills NULL denormalized columns from the stored
// payload. Missing values become '' so the loop terminates; team_id is
// filled from the org assignment and may legitimately stay NULL.
func (s *Store) backfillDenormalized(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE telemetry_events SET
			org_id = COALESCE(org_id,
				json_extract(data, '$.data.orgId'),
				json_extract(data, '$.data.state.org.id'), ''),
			user_name = COALESCE(user_name,
				json_extract(data, '$.data.userName'), json_extract(data, '$.data.user_name'),
				json_extract(data, '$.data.user.name'), ''),
			tool_name = COALESCE(tool_name,
				json_extract(data, '$.data.toolName'), json_extract(data, '$.data.tool'),
				json_extract(data, '$.data.error.toolName'), ''),
			company_name = COALESCE(company_name,
				json_extract(data, '$.data.state.org.companyDetails.Name'),
				json_extract(data, '$.data.companyDetails.Name'), ''),
			error_message = COALESCE(error_message,
				json_extract(data, '$.data.errorMessage'),
				json_extract(data, '$.data.error.message'), ''),
			team_id = COALESCE(team_id, (
				SELECT o.team_id FROM orgs o
				WHERE o.server_id = COALESCE(NULLIF(telemetry_events.org_id, ''), telemetry_events.server_id)))
		WHERE id IN (
			SELECT id FROM telemetry_events
			WHERE org_id IS NULL OR user_name IS NULL OR tool_name IS NULL
				OR company_name IS NULL OR error_message IS NULL
			LIMIT ?)`, backfillBatch)
	if err != nil {
		return 0, wrapDBError("backfill denormalized columns", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// backfillSchemaV2 derives area and success on rows ingested before the
// v2 schema and stamps them as schema version 1.
func (s *Store) backfillSchemaV2(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE telemetry_events SET
			area = CASE
				WHEN event_id IN (?, ?) THEN 'tool'
				WHEN event_id IN (?, ?) THEN 'session'
				ELSE 'general' END,
			success = CASE WHEN event_id IN (?, ?) THEN 0 ELSE 1 END,
			telemetry_schema_version = 1
		WHERE id IN (
			SELECT id FROM telemetry_events
			WHERE telemetry_schema_version IS NULL OR area IS NULL OR success IS NULL
			LIMIT ?)`,
		s.typeID(types.EventToolCall), s.typeID(types.EventToolError),
		s.typeID(types.EventSessionStart), s.typeID(types.EventSessionEnd),
		s.typeID(types.EventToolError), s.typeID(types.EventError),
		backfillBatch)
	if err != nil {
		return 0, wrapDBError("backfill schema v2 fields", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// seedStatsIfEmpty runs the one-time rollup seed: only when both rollup
// tables are empty while events exist.
func (s *Store) seedStatsIfEmpty(ctx context.Context) error {
	var userRows, orgRows, eventRows int64
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM user_event_stats`).Scan(&userRows); err != nil {
		return wrapDBError("count user stats", err)
	}
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM org_event_stats`).Scan(&orgRows); err != nil {
		return wrapDBError("count org stats", err)
	}
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM telemetry_events`).Scan(&eventRows); err != nil {
		return wrapDBError("count events", err)
	}
	if userRows > 0 || orgRows > 0 || eventRows == 0 {
		return nil
	}
	return s.BackfillStats(ctx)
}
