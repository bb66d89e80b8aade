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

func TestDeleteAndRecoverEvent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := mustInsert(t, s, testEvent(func(ev *types.Event) { ev.UserID = "u1" }))

	deleted, err := s.DeleteEvent(ctx, id)
	require.NoError(t, err)
	assert.True(t, deleted)

	got, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)

	// Repeat delete is a no-op.
	deleted, err = s.DeleteEvent(ctx, id)
	require.NoError(t, err)
	assert.False(t, deleted)

	recovered, err := s.RecoverEvent(ctx, id)
	require.NoError(t, err)
	assert.True(t, recovered)

	got, err = s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got.DeletedAt)

	// Recovering a live event is a no-op too.
	recovered, err = s.RecoverEvent(ctx, id)
	require.NoError(t, err)
	assert.False(t, recovered)

	// Unknown ids are no-ops, not errors.
	deleted, err = s.DeleteEvent(ctx, 99999)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDeleteEventRepairsRollups(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	var ids []int64
	for i := 0; i < 2; i++ {
		ev := testEvent(func(ev *types.Event) {
			ev.UserID = "u1"
			ev.ServerID = "srv1"
			ev.Timestamp = ts.Add(time.Duration(i) * time.Minute)
		})
		ids = append(ids, mustInsert(t, s, ev))
		require.NoError(t, s.BumpUserStats(ctx, "u1", ev.Timestamp, ""))
		require.NoError(t, s.BumpOrgStats(ctx, "srv1", ev.Timestamp))
	}

	_, err := s.DeleteEvent(ctx, ids[0])
	require.NoError(t, err)
	ks, err := s.GetUserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ks.Count)

	// Trashing the last event prunes the rollup entirely.
	_, err = s.DeleteEvent(ctx, ids[1])
	require.NoError(t, err)
	_, err = s.GetUserStats(ctx, "u1")
	assert.True(t, storage.IsNotFound(err))
	_, err = s.GetOrgStats(ctx, "srv1")
	assert.True(t, storage.IsNotFound(err))

	// Recovery restores it.
	_, err = s.RecoverEvent(ctx, ids[0])
	require.NoError(t, err)
	ks, err = s.GetUserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ks.Count)
}

func TestDeleteAllEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		mustInsert(t, s, testEvent(func(ev *types.Event) { ev.UserID = "u1" }))
	}

	n, err := s.DeleteAllEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	page, err := s.GetEvents(ctx, types.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)

	n, err = s.DeleteAllEvents(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteEventsBySession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.SessionID = "s1"
		ev.ParentSessionID = "s1"
		ev.UserID = "u1"
	}))
	mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.SessionID = "s2"
		ev.ParentSessionID = "s1"
		ev.UserID = "u1"
	}))
	keep := mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.SessionID = "s9"
		ev.UserID = "u1"
	}))

	n, err := s.DeleteEventsBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "the whole logical session goes")

	got, err := s.GetEvent(ctx, keep)
	require.NoError(t, err)
	assert.Nil(t, got.DeletedAt)

	n, err = s.DeleteEventsBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteEventsByPseudoSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	day := time.Date(2026, 3, 12, 10, 0, 0, 0, time.UTC)

	mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.UserID = "u1"
		ev.Timestamp = day
	}))
	mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.UserID = "u1"
		ev.Timestamp = day.Add(time.Hour)
	}))
	// Different day and different user stay put.
	mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.UserID = "u1"
		ev.Timestamp = day.AddDate(0, 0, 1)
	}))
	mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.UserID = "u2"
		ev.Timestamp = day
	}))

	n, err := s.DeleteEventsBySession(ctx, "user_u1_2026-03-12")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	page, err := s.GetEvents(ctx, types.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}

func TestPermanentDeleteRequiresTrash(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := mustInsert(t, s, testEvent(func(ev *types.Event) { ev.UserID = "u1" }))

	// Live events cannot be permanently deleted.
	deleted, err := s.PermanentlyDeleteEvent(ctx, id)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = s.DeleteEvent(ctx, id)
	require.NoError(t, err)
	deleted, err = s.PermanentlyDeleteEvent(ctx, id)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetEvent(ctx, id)
	assert.True(t, storage.IsNotFound(err))
}

func TestEmptyTrash(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id1 := mustInsert(t, s, testEvent(func(ev *types.Event) { ev.UserID = "u1" }))
	id2 := mustInsert(t, s, testEvent(func(ev *types.Event) { ev.UserID = "u2" }))
	_, err := s.DeleteEvent(ctx, id1)
	require.NoError(t, err)

	n, err := s.EmptyTrash(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The live event survives.
	_, err = s.GetEvent(ctx, id2)
	require.NoError(t, err)
}

func TestCleanupOldDeletedEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	oldID := mustInsert(t, s, testEvent(func(ev *types.Event) { ev.UserID = "u1" }))
	newID := mustInsert(t, s, testEvent(func(ev *types.Event) { ev.UserID = "u2" }))

	// Backdate one trash entry past the retention window.
	_, err := s.DeleteEvent(ctx, oldID)
	require.NoError(t, err)
	_, err = s.DeleteEvent(ctx, newID)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx,
		`UPDATE telemetry_events SET deleted_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-40*24*time.Hour), oldID)
	require.NoError(t, err)

	n, err := s.CleanupOldDeletedEvents(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetEvent(ctx, oldID)
	assert.True(t, storage.IsNotFound(err))
	_, err = s.GetEvent(ctx, newID)
	require.NoError(t, err)
}

func TestGetDeletedEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id1 := mustInsert(t, s, testEvent(func(ev *types.Event) { ev.UserID = "u1" }))
	id2 := mustInsert(t, s, testEvent(func(ev *types.Event) { ev.UserID = "u2" }))
	mustInsert(t, s, testEvent(func(ev *types.Event) { ev.UserID = "u3" }))

	_, err := s.DeleteEvent(ctx, id1)
	require.NoError(t, err)
	_, err = s.DeleteEvent(ctx, id2)
	require.NoError(t, err)

	page, err := s.GetDeletedEvents(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Events, 2)
	for _, ev := range page.Events {
		assert.NotNil(t, ev.DeletedAt)
	}

	page, err = s.GetDeletedEvents(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Events, 1)
	assert.False(t, page.HasMore)
}

func TestHardDeleteRepairsRollups(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustInsert(t, s, testEvent(func(ev *types.Event) { ev.UserID = "u1"; ev.ServerID = "srv1" }))
	gone := mustInsert(t, s, testEvent(func(ev *types.Event) { ev.UserID = "u1"; ev.ServerID = "srv1" }))
	require.NoError(t, s.BackfillStats(ctx))

	_, err := s.DeleteEvent(ctx, gone)
	require.NoError(t, err)
	deleted, err := s.PermanentlyDeleteEvent(ctx, gone)
	require.NoError(t, err)
	require.True(t, deleted)

	// Counters match the surviving facts after the purge.
	ks, err := s.GetUserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ks.Count)
	os, err := s.GetOrgStats(ctx, "srv1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), os.Count)
}

func TestEmptyTrashRepairsRollups(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id := mustInsert(t, s, testEvent(func(ev *types.Event) { ev.UserID = "u1"; ev.ServerID = "srv1" }))
	require.NoError(t, s.BackfillStats(ctx))

	_, err := s.DeleteEvent(ctx, id)
	require.NoError(t, err)
	n, err := s.EmptyTrash(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// No facts left for the key: the rollup row is pruned.
	_, err = s.GetUserStats(ctx, "u1")
	assert.True(t, storage.IsNotFound(err))
	_, err = s.GetOrgStats(ctx, "srv1")
	assert.True(t, storage.IsNotFound(err))
}
