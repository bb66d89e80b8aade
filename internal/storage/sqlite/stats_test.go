package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsehq/pulse/internal/storage"
	"github.com/pulsehq/pulse/internal/types"
)

func TestBumpUserStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	t1 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	require.NoError(t, s.BumpUserStats(ctx, "u1", t1, ""))
	require.NoError(t, s.BumpUserStats(ctx, "u1", t2, "User One"))

	ks, err := s.GetUserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ks.Count)
	assert.Equal(t, "User One", ks.DisplayName)
	require.NotNil(t, ks.LastEvent)
	assert.True(t, t2.Equal(*ks.LastEvent))

	// An out-of-order bump counts but never moves last_event backwards,
	// and an empty display name never clobbers a known one.
	require.NoError(t, s.BumpUserStats(ctx, "u1", t1.Add(-time.Hour), ""))
	ks, err = s.GetUserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), ks.Count)
	assert.True(t, t2.Equal(*ks.LastEvent))
	assert.Equal(t, "User One", ks.DisplayName)
}

func TestBumpOrgStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	t1 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.BumpOrgStats(ctx, "org-1", t1))
	require.NoError(t, s.BumpOrgStats(ctx, "org-1", t1.Add(time.Minute)))

	ks, err := s.GetOrgStats(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ks.Count)
	require.NotNil(t, ks.LastEvent)
	assert.True(t, t1.Add(time.Minute).Equal(*ks.LastEvent))
}

func TestGetStatsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetUserStats(ctx, "nobody")
	assert.True(t, storage.IsNotFound(err))
	_, err = s.GetOrgStats(ctx, "norg")
	assert.True(t, storage.IsNotFound(err))
}

func TestRecomputeUserStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		mustInsert(t, s, testEvent(func(ev *types.Event) {
			ev.UserID = "u1"
			ev.UserName = "User One"
			ev.Timestamp = ts.Add(time.Duration(i) * time.Minute)
		}))
	}
	// Drifted rollup gets rebuilt from the fact table.
	require.NoError(t, s.BumpUserStats(ctx, "u1", ts, ""))
	require.NoError(t, s.RecomputeUserStats(ctx, []string{"u1"}))

	ks, err := s.GetUserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), ks.Count)
	assert.Equal(t, "User One", ks.DisplayName)
	assert.True(t, ts.Add(2*time.Minute).Equal(*ks.LastEvent))
}

func TestRecomputePrunesEmptyRollups(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// A rollup whose user has no live events disappears on recompute.
	require.NoError(t, s.BumpUserStats(ctx, "ghost", time.Now().UTC(), ""))
	require.NoError(t, s.RecomputeUserStats(ctx, []string{"ghost"}))
	_, err := s.GetUserStats(ctx, "ghost")
	assert.True(t, storage.IsNotFound(err))

	require.NoError(t, s.BumpOrgStats(ctx, "ghost-org", time.Now().UTC()))
	require.NoError(t, s.RecomputeOrgStats(ctx, []string{"ghost-org"}))
	_, err = s.GetOrgStats(ctx, "ghost-org")
	assert.True(t, storage.IsNotFound(err))
}

func TestRecomputeOrgStatsCoalescesKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	// Same org reached via an explicit org id and via the server id
	// fallback: both count under the org key.
	mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.OrgID = "org-1"
		ev.ServerID = "srv1"
		ev.Timestamp = ts
	}))
	mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.ServerID = "org-1"
		ev.CompanyName = "Acme"
		ev.Timestamp = ts.Add(time.Minute)
	}))

	require.NoError(t, s.RecomputeOrgStats(ctx, []string{"org-1"}))
	ks, err := s.GetOrgStats(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ks.Count)
	assert.Equal(t, "Acme", ks.DisplayName)
}

func TestBackfillStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.UserID = "u1"
		ev.ServerID = "srv1"
		ev.Timestamp = ts
	}))
	mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.UserID = "u1"
		ev.ServerID = "srv1"
		ev.Timestamp = ts.Add(time.Minute)
	}))
	mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.UserID = "u2"
		ev.OrgID = "org-2"
		ev.Timestamp = ts
	}))
	// Trashed rows never count.
	id := mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.UserID = "u1"
		ev.ServerID = "srv1"
		ev.Timestamp = ts.Add(2 * time.Minute)
	}))
	_, err := s.DeleteEvent(ctx, id)
	require.NoError(t, err)

	require.NoError(t, s.BackfillStats(ctx))

	u1, err := s.GetUserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), u1.Count)

	u2, err := s.GetUserStats(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), u2.Count)

	srv1, err := s.GetOrgStats(ctx, "srv1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), srv1.Count)

	org2, err := s.GetOrgStats(ctx, "org-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), org2.Count)
}
