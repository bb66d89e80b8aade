package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsehq/pulse/internal/types"
)

func seedListingFixture(t *testing.T, s *Store) {
	t.Helper()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rows := []struct {
		typ     types.EventType
		area    types.Area
		server  string
		user    string
		session string
		parent  string
		offset  time.Duration
	}{
		{types.EventSessionStart, types.AreaSession, "srv1", "u1", "s1", "s1", 0},
		{types.EventToolCall, types.AreaTool, "srv1", "u1", "s1", "s1", time.Minute},
		{types.EventToolError, types.AreaTool, "srv1", "u2", "s2", "s1", 2 * time.Minute},
		{types.EventError, types.AreaGeneral, "srv2", "u2", "s3", "", 3 * time.Minute},
		{types.EventCustom, types.AreaGeneral, "srv2", "u3", "", "", 24 * time.Hour},
	}
	for _, r := range rows {
		r := r
		mustInsert(t, s, testEvent(func(ev *types.Event) {
			ev.Type = r.typ
			ev.Area = r.area
			ev.ServerID = r.server
			ev.UserID = r.user
			ev.SessionID = r.session
			ev.ParentSessionID = r.parent
			ev.Timestamp = base.Add(r.offset)
		}))
	}
}

func TestGetEventsUnfiltered(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedListingFixture(t, s)

	page, err := s.GetEvents(ctx, types.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Len(t, page.Events, 5)
	assert.False(t, page.HasMore)
	assert.Equal(t, 50, page.Limit, "limit defaults when unset")
}

func TestGetEventsFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedListingFixture(t, s)

	page, err := s.GetEvents(ctx, types.EventFilter{Areas: []types.Area{types.AreaTool}})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = s.GetEvents(ctx, types.EventFilter{
		Types: []types.EventType{types.EventToolError, types.EventError},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = s.GetEvents(ctx, types.EventFilter{ServerID: "srv2"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = s.GetEvents(ctx, types.EventFilter{UserIDs: []string{"u1", "u3"}})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	start := time.Date(2026, 3, 10, 12, 2, 0, 0, time.UTC)
	end := time.Date(2026, 3, 10, 12, 3, 0, 0, time.UTC)
	page, err = s.GetEvents(ctx, types.EventFilter{StartDate: &start, EndDate: &end})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total, "time bounds are inclusive")
}

func TestGetEventsLogicalSessionFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedListingFixture(t, s)

	// s1's logical session covers the reconciled s2 rows.
	page, err := s.GetEvents(ctx, types.EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	// s3 never reconciled; its physical id is its logical id.
	page, err = s.GetEvents(ctx, types.EventFilter{SessionID: "s3"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	// s2 is not a logical session of its own.
	page, err = s.GetEvents(ctx, types.EventFilter{SessionID: "s2"})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
}

func TestGetEventsOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedListingFixture(t, s)

	page, err := s.GetEvents(ctx, types.EventFilter{OrderBy: types.OrderByTimestamp, Desc: true})
	require.NoError(t, err)
	require.Len(t, page.Events, 5)
	for i := 1; i < len(page.Events); i++ {
		assert.False(t, page.Events[i-1].Timestamp.Before(page.Events[i].Timestamp))
	}

	// An unknown column falls back to id order instead of erroring.
	page, err = s.GetEvents(ctx, types.EventFilter{OrderBy: "sneaky; DROP TABLE"})
	require.NoError(t, err)
	require.Len(t, page.Events, 5)
	assert.Less(t, page.Events[0].ID, page.Events[1].ID)
}

func TestGetEventsPagination(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i := 0; i < 7; i++ {
		mustInsert(t, s, testEvent(func(ev *types.Event) {
			ev.UserID = fmt.Sprintf("u%d", i)
		}))
	}

	page, err := s.GetEvents(ctx, types.EventFilter{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, page.Total)
	assert.Len(t, page.Events, 3)
	assert.True(t, page.HasMore)

	page, err = s.GetEvents(ctx, types.EventFilter{Limit: 3, Offset: 6})
	require.NoError(t, err)
	assert.Len(t, page.Events, 1)
	assert.False(t, page.HasMore)
}

func TestGetEventsSkipsCountOnDeepPagination(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i := 0; i < 105; i++ {
		mustInsert(t, s, testEvent(func(ev *types.Event) {
			ev.UserID = fmt.Sprintf("u%03d", i)
		}))
	}

	page, err := s.GetEvents(ctx, types.EventFilter{Limit: 101, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, -1, page.Total, "COUNT skipped for deep pages")
	assert.Len(t, page.Events, 101)
	assert.True(t, page.HasMore, "over-fetch detected a further page")

	page, err = s.GetEvents(ctx, types.EventFilter{Limit: 101, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, -1, page.Total)
	assert.Len(t, page.Events, 101)
	assert.False(t, page.HasMore)
}

func TestGetEventsExcludesTrashByDefault(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := mustInsert(t, s, testEvent(func(ev *types.Event) { ev.UserID = "u1" }))
	mustInsert(t, s, testEvent(func(ev *types.Event) { ev.UserID = "u2" }))

	_, err := s.DeleteEvent(ctx, id)
	require.NoError(t, err)

	page, err := s.GetEvents(ctx, types.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	page, err = s.GetEvents(ctx, types.EventFilter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}
