package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsehq/pulse/internal/types"
)

func findSession(sessions []*types.SessionInfo, id string) *types.SessionInfo {
	for _, si := range sessions {
		if si.SessionID == id {
			return si
		}
	}
	return nil
}

func TestGetSessionsGroupsByLogicalSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	// s1 and its reconciled continuation s2 form one logical session.
	mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.Type = types.EventSessionStart
		ev.Area = types.AreaSession
		ev.SessionID = "s1"
		ev.ParentSessionID = "s1"
		ev.UserID = "u1"
		ev.UserName = "User One"
		ev.Timestamp = now.Add(-90 * time.Minute)
	}))
	mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.Type = types.EventToolCall
		ev.Area = types.AreaTool
		ev.SessionID = "s2"
		ev.ParentSessionID = "s1"
		ev.UserID = "u1"
		ev.Timestamp = now.Add(-30 * time.Minute)
	}))

	// A finished session from yesterday.
	mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.Type = types.EventSessionStart
		ev.Area = types.AreaSession
		ev.SessionID = "s9"
		ev.ParentSessionID = "s9"
		ev.UserID = "u2"
		ev.Timestamp = now.Add(-25 * time.Hour)
	}))
	mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.Type = types.EventSessionEnd
		ev.Area = types.AreaSession
		ev.SessionID = "s9"
		ev.ParentSessionID = "s9"
		ev.UserID = "u2"
		ev.Timestamp = now.Add(-24 * time.Hour)
	}))

	sessions, err := s.GetSessions(ctx, 50, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s1", sessions[0].SessionID, "most recently active first")

	s1 := findSession(sessions, "s1")
	require.NotNil(t, s1)
	assert.Equal(t, int64(2), s1.Count)
	assert.Equal(t, "u1", s1.UserID)
	assert.Equal(t, "User One", s1.UserName)
	assert.True(t, s1.HasStart)
	assert.False(t, s1.HasEnd)
	assert.True(t, s1.IsActive, "started, unended, last event 30m ago")
	assert.True(t, s1.First.Equal(now.Add(-90*time.Minute)))
	assert.True(t, s1.Last.Equal(now.Add(-30*time.Minute)))

	s9 := findSession(sessions, "s9")
	require.NotNil(t, s9)
	assert.True(t, s9.HasStart)
	assert.True(t, s9.HasEnd)
	assert.False(t, s9.IsActive)
}

func TestGetSessionsActivenessWindow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	// Started but idle for three hours: not active any more.
	mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.Type = types.EventSessionStart
		ev.Area = types.AreaSession
		ev.SessionID = "stale"
		ev.ParentSessionID = "stale"
		ev.UserID = "u1"
		ev.Timestamp = now.Add(-3 * time.Hour)
	}))

	sessions, err := s.GetSessions(ctx, 50, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].IsActive)
}

func TestGetSessionsRepresentativeUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	// The earliest event's user represents the session even when later
	// events carry a different user id.
	mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.SessionID = "s1"
		ev.UserID = "first"
		ev.Timestamp = now.Add(-2 * time.Hour)
	}))
	mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.SessionID = "s1"
		ev.UserID = "second"
		ev.Timestamp = now.Add(-1 * time.Hour)
	}))

	sessions, err := s.GetSessions(ctx, 50, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "first", sessions[0].UserID)
}

func TestGetSessionsPseudoSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ts := time.Date(2026, 3, 12, 10, 0, 0, 0, time.UTC)

	// Session-less events bucket per user per UTC day.
	for i := 0; i < 3; i++ {
		mustInsert(t, s, testEvent(func(ev *types.Event) {
			ev.UserID = "u1"
			ev.UserName = "User One"
			ev.Timestamp = ts.Add(time.Duration(i) * time.Minute)
		}))
	}
	mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.UserID = "u1"
		ev.Timestamp = ts.AddDate(0, 0, 1)
	}))
	// No user id and no session: contributes to no session listing.
	mustInsert(t, s, testEvent(func(ev *types.Event) {
		ev.Timestamp = ts
	}))

	sessions, err := s.GetSessions(ctx, 50, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	day1 := findSession(sessions, "user_u1_2026-03-12")
	require.NotNil(t, day1)
	assert.Equal(t, int64(3), day1.Count)
	assert.Equal(t, "u1", day1.UserID)
	assert.Equal(t, "User One", day1.UserName)
	assert.False(t, day1.HasStart)
	assert.False(t, day1.IsActive)

	day2 := findSession(sessions, "user_u1_2026-03-13")
	require.NotNil(t, day2)
	assert.Equal(t, int64(1), day2.Count)
}

func TestGetSessionsPagination(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	for i, id := range []string{"a", "b", "c"} {
		mustInsert(t, s, testEvent(func(ev *types.Event) {
			ev.SessionID = id
			ev.UserID = "u1"
			ev.Timestamp = now.Add(time.Duration(-i) * time.Hour)
		}))
	}

	page1, err := s.GetSessions(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "a", page1[0].SessionID)
	assert.Equal(t, "b", page1[1].SessionID)

	page2, err := s.GetSessions(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "c", page2[0].SessionID)

	empty, err := s.GetSessions(ctx, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
