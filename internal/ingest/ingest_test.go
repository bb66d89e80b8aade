package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsehq/pulse/internal/storage"
	"github.com/pulsehq/pulse/internal/storage/sqlite"
	"github.com/pulsehq/pulse/internal/types"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "pulse.db"), sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestIngestor(t *testing.T) (*Ingestor, storage.Store) {
	t.Helper()
	st := newTestStore(t)
	return New(st, zerolog.Nop()), st
}

func TestIngestStoresEvent(t *testing.T) {
	ctx := context.Background()
	in, st := newTestIngestor(t)

	raw := []byte(`{"area":"tool","userId":"u1","serverId":"srv1","sessionId":"s1","data":{"toolName":"bash","userName":"User One"}}`)
	res, err := in.Ingest(ctx, raw, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, res.Quarantined)
	require.NotZero(t, res.Event.ID)

	got, err := st.GetEvent(ctx, res.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EventToolCall, got.Type)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "bash", got.ToolName)
	assert.Equal(t, "User One", got.UserName)
	assert.JSONEq(t, string(raw), string(got.Data))

	// Side effects: both rollups bumped.
	us, err := st.GetUserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), us.Count)
	assert.Equal(t, "User One", us.DisplayName)

	os, err := st.GetOrgStats(ctx, "srv1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), os.Count)
}

func TestIngestQuarantinesMalformed(t *testing.T) {
	ctx := context.Background()
	in, st := newTestIngestor(t)

	res, err := in.Ingest(ctx, []byte(`{"garbage":`), time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, res.Quarantined)
	assert.Equal(t, "malformed payload", res.Reason)

	got, err := st.GetEvent(ctx, res.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EventError, got.Type)
	assert.Equal(t, types.AreaGeneral, got.Area)
	assert.False(t, got.Success)
	assert.Equal(t, "malformed payload", got.ErrorMessage)
	assert.Equal(t, `{"garbage":`, string(got.Data), "raw bytes preserved for inspection")
}

func TestIngestQuarantinesUnknownSchema(t *testing.T) {
	ctx := context.Background()
	in, _ := newTestIngestor(t)

	res, err := in.Ingest(ctx, []byte(`{"hello":"world"}`), time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, res.Quarantined)
	assert.Equal(t, "unknown schema", res.Reason)
}

func TestIngestQuarantinesMissingUser(t *testing.T) {
	ctx := context.Background()
	in, _ := newTestIngestor(t)

	res, err := in.Ingest(ctx, []byte(`{"area":"general"}`), time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, res.Quarantined)
	assert.Equal(t, "missing userId", res.Reason)
}

func TestIngestUserExemptions(t *testing.T) {
	ctx := context.Background()
	in, _ := newTestIngestor(t)

	for name, raw := range map[string]string{
		"session start":    `{"event":"session_start","sessionId":"s1"}`,
		"server boot":      `{"schemaVersion":1,"event":"server_boot"}`,
		"client connect":   `{"schemaVersion":1,"event":"client_connect"}`,
		"explicit opt-out": `{"area":"general","allowMissingUser":true}`,
	} {
		res, err := in.Ingest(ctx, []byte(raw), time.Now().UTC())
		require.NoError(t, err, name)
		assert.False(t, res.Quarantined, name)
	}
}

func TestIngestChainsSessions(t *testing.T) {
	ctx := context.Background()
	in, st := newTestIngestor(t)
	now := time.Now().UTC()

	payload := func(event, session, ts string) []byte {
		return []byte(fmt.Sprintf(
			`{"event":%q,"sessionId":%q,"userId":"u1","serverId":"srv1","timestamp":%q}`,
			event, session, ts))
	}

	r1, err := in.Ingest(ctx, payload("session_start", "s1", "2026-03-14T08:00:00Z"), now)
	require.NoError(t, err)
	assert.Equal(t, "s1", r1.Event.ParentSessionID, "first start roots itself")

	// 3.5h gap: chains into s1.
	r2, err := in.Ingest(ctx, payload("session_start", "s2", "2026-03-14T11:30:00Z"), now)
	require.NoError(t, err)
	assert.Equal(t, "s1", r2.Event.ParentSessionID)

	// Non-start traffic on s2 inherits the chain.
	r3, err := in.Ingest(ctx, payload("tool_call", "s2", "2026-03-14T11:45:00Z"), now)
	require.NoError(t, err)
	assert.Equal(t, "s1", r3.Event.ParentSessionID)

	// 4.5h after s2's start: a fresh root.
	r4, err := in.Ingest(ctx, payload("session_start", "s3", "2026-03-14T16:00:00Z"), now)
	require.NoError(t, err)
	assert.Equal(t, "s3", r4.Event.ParentSessionID)

	// The logical-session filter folds s1 and s2 together.
	page, err := st.GetEvents(ctx, types.EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
}

func TestIngestSnapshotsTeam(t *testing.T) {
	ctx := context.Background()
	in, st := newTestIngestor(t)

	team := &types.Team{Name: "Platform"}
	require.NoError(t, st.CreateTeam(ctx, team))
	require.NoError(t, st.UpsertOrg(ctx, "srv1", types.OrgUpdate{TeamID: &team.ID}))

	res, err := in.Ingest(ctx, []byte(`{"area":"general","userId":"u1","serverId":"srv1"}`), time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, res.Event.TeamID)
	assert.Equal(t, team.ID, *res.Event.TeamID)

	got, err := st.GetEvent(ctx, res.Event.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TeamID)
	assert.Equal(t, team.ID, *got.TeamID)
}

func TestIngestUpsertsOrgFromCompanyName(t *testing.T) {
	ctx := context.Background()
	in, st := newTestIngestor(t)

	raw := []byte(`{"area":"general","userId":"u1","serverId":"srv1","data":{"state":{"org":{"companyDetails":{"Name":"Acme"}}}}}`)
	_, err := in.Ingest(ctx, raw, time.Now().UTC())
	require.NoError(t, err)

	org, err := st.GetOrg(ctx, "srv1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", org.CompanyName)
}

func TestIngestBatchMixedOutcomes(t *testing.T) {
	ctx := context.Background()
	in, _ := newTestIngestor(t)

	raws := [][]byte{
		[]byte(`{"area":"general","userId":"u1"}`),
		[]byte(`broken`),
		[]byte(`{"area":"tool","userId":"u2"}`),
		[]byte(`{"area":"general"}`),
	}
	res, err := in.IngestBatch(ctx, raws, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 2, res.Errors)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, 1, res.Failures[0].Index)
	assert.Equal(t, "malformed payload", res.Failures[0].Reason)
	assert.Equal(t, 3, res.Failures[1].Index)
	assert.Equal(t, "missing userId", res.Failures[1].Reason)
}

func TestIngestBatchChainsWithinBatch(t *testing.T) {
	ctx := context.Background()
	in, st := newTestIngestor(t)

	// All three rows arrive in one batch against an empty store; chaining
	// must see the earlier rows before anything is written.
	raws := [][]byte{
		[]byte(`{"event":"session_start","sessionId":"s1","userId":"u1","serverId":"srv1","timestamp":"2026-03-14T08:00:00Z"}`),
		[]byte(`{"event":"session_start","sessionId":"s2","userId":"u1","serverId":"srv1","timestamp":"2026-03-14T11:30:00Z"}`),
		[]byte(`{"event":"tool_call","sessionId":"s2","userId":"u1","serverId":"srv1","timestamp":"2026-03-14T11:45:00Z"}`),
	}
	res, err := in.IngestBatch(ctx, raws, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 3, res.Successful)
	require.Empty(t, res.Failures)

	page, err := st.GetEvents(ctx, types.EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total, "s2 and its traffic fold into the s1 logical session")

	for _, ev := range page.Events {
		assert.Equal(t, "s1", ev.ParentSessionID)
	}
}

func TestIngestBatchTooLarge(t *testing.T) {
	ctx := context.Background()
	in, st := newTestIngestor(t)

	raws := make([][]byte, MaxBatchSize+1)
	for i := range raws {
		raws[i] = []byte(`{"area":"general","userId":"u1"}`)
	}
	_, err := in.IngestBatch(ctx, raws, time.Now().UTC())
	require.ErrorIs(t, err, ErrBatchTooLarge)

	// Rejected whole: nothing was written.
	page, err := st.GetEvents(ctx, types.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
}
