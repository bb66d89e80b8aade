package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsehq/pulse/internal/types"
)

// insertLegacyRow writes a row the way a pre-denormalization build would
// have: payload only, NULL derived columns.
func insertLegacyRow(t *testing.T, s *Store, data string) int64 {
	t.Helper()
	res, err := s.db.Exec(`
		INSERT INTO telemetry_events (event_id, area, timestamp, user_id, data)
		VALUES (?, 'tool', ?, 'u1', ?)`,
		s.typeID(types.EventToolCall), time.Now().UTC(), data)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestBackfillDenormalizedColumns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	team := &types.Team{Name: "Platform"}
	require.NoError(t, s.CreateTeam(ctx, team))
	require.NoError(t, s.UpsertOrg(ctx, "org-1", types.OrgUpdate{TeamID: &team.ID}))

	id := insertLegacyRow(t, s, `{
		"area": "tool",
		"data": {
			"orgId": "org-1",
			"userName": "User One",
			"error": {"toolName": "bash", "message": "boom"},
			"state": {"org": {"companyDetails": {"Name": "Acme"}}}
		}
	}`)
	// A payload with none of the paths still terminates: columns become ''.
	bare := insertLegacyRow(t, s, `{"area":"tool"}`)

	require.NoError(t, s.RunBackfills(ctx))

	ev, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "org-1", ev.OrgID)
	assert.Equal(t, "User One", ev.UserName)
	assert.Equal(t, "bash", ev.ToolName)
	assert.Equal(t, "Acme", ev.CompanyName)
	assert.Equal(t, "boom", ev.ErrorMessage)
	require.NotNil(t, ev.TeamID)
	assert.Equal(t, team.ID, *ev.TeamID)

	ev, err = s.GetEvent(ctx, bare)
	require.NoError(t, err)
	assert.Empty(t, ev.OrgID)
	assert.Empty(t, ev.ToolName)
	assert.Nil(t, ev.TeamID)
}

func TestBackfillSeedsStatsWhenEmpty(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.UserID = "u1"
		ev.ServerID = "srv1"
	}))
	require.NoError(t, s.RunBackfills(ctx))

	ks, err := s.GetUserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ks.Count)

	// A second run does not clobber incrementally maintained counters.
	require.NoError(t, s.BumpUserStats(ctx, "u1", time.Now().UTC(), ""))
	require.NoError(t, s.RunBackfills(ctx))
	ks, err = s.GetUserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ks.Count)
}

func TestBackfillIdempotentOnCleanStore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.RunBackfills(ctx))
	require.NoError(t, s.RunBackfills(ctx))
}
