package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsehq/pulse/internal/auth"
	"github.com/pulsehq/pulse/internal/config"
	"github.com/pulsehq/pulse/internal/ingest"
	"github.com/pulsehq/pulse/internal/storage/sqlite"
	"github.com/pulsehq/pulse/internal/types"
)

func newTestServer(t *testing.T) (http.Handler, *sqlite.Store, *config.Config) {
	t.Helper()
	st, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "pulse.db"), sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{MaxDBSize: config.DefaultMaxDBSize}
	srv := New(st, ingest.New(st, zerolog.Nop()), auth.New(st, zerolog.Nop()), cfg, zerolog.Nop())
	return srv.Handler(), st, cfg
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rr.Body).Decode(v))
}

func TestIngestSingleEvent(t *testing.T) {
	h, _, _ := newTestServer(t)

	rr := do(t, h, http.MethodPost, "/api/events",
		`{"schemaVersion":2,"area":"tool","success":true,"userId":"u1","serverId":"srv1","sessionId":"s1","data":{"toolName":"bash"}}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var res map[string]string
	decodeBody(t, rr, &res)
	assert.Equal(t, "ok", res["status"])

	rr = do(t, h, http.MethodGet, "/api/events", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var page types.EventPage
	decodeBody(t, rr, &page)
	require.Len(t, page.Events, 1)
	assert.Equal(t, types.EventToolCall, page.Events[0].Type)
	assert.Equal(t, "u1", page.Events[0].UserID)
	assert.Equal(t, "bash", page.Events[0].ToolName)
}

func TestIngestQuarantinedResponse(t *testing.T) {
	h, _, _ := newTestServer(t)

	rr := do(t, h, http.MethodPost, "/api/events", `not json at all`)
	require.Equal(t, http.StatusOK, rr.Code)

	var res map[string]string
	decodeBody(t, rr, &res)
	assert.Equal(t, "quarantined", res["status"])
	assert.Equal(t, "malformed payload", res["reason"])

	rr = do(t, h, http.MethodPost, "/api/events", `{"schemaVersion":2,"area":"tool"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	decodeBody(t, rr, &res)
	assert.Equal(t, "quarantined", res["status"])
	assert.Equal(t, "missing userId", res["reason"])
}

func TestIngestDisabledDiscards(t *testing.T) {
	h, st, cfg := newTestServer(t)
	cfg.TelemetryDisabled = true

	rr := do(t, h, http.MethodPost, "/api/events",
		`{"schemaVersion":2,"area":"tool","userId":"u1"}`)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Zero(t, rr.Body.Len())

	page, err := st.GetEvents(context.Background(), types.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
}

func TestIngestBatch(t *testing.T) {
	h, _, _ := newTestServer(t)

	body := `[
		{"schemaVersion":2,"area":"tool","success":true,"userId":"u1"},
		{"schemaVersion":2,"area":"tool"},
		{"schemaVersion":2,"area":"general","userId":"u2"}
	]`
	rr := do(t, h, http.MethodPost, "/api/events", body)
	require.Equal(t, http.StatusOK, rr.Code)

	var res ingest.BatchResult
	decodeBody(t, rr, &res)
	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 1, res.Errors)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 1, res.Failures[0].Index)
	assert.Equal(t, "missing userId", res.Failures[0].Reason)
}

func TestIngestBatchTooLarge(t *testing.T) {
	h, st, _ := newTestServer(t)

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i := 0; i <= ingest.MaxBatchSize; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, `{"schemaVersion":2,"area":"tool","userId":"u%d"}`, i)
	}
	buf.WriteByte(']')

	rr := do(t, h, http.MethodPost, "/api/events", buf.String())
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Rejected whole: nothing was written.
	page, err := st.GetEvents(context.Background(), types.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
}

func TestGetEventsFilterValidation(t *testing.T) {
	h, _, _ := newTestServer(t)

	rr := do(t, h, http.MethodGet, "/api/events?area=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/events?eventType=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetEventsFiltered(t *testing.T) {
	h, _, _ := newTestServer(t)

	do(t, h, http.MethodPost, "/api/events",
		`{"schemaVersion":2,"area":"tool","success":true,"userId":"u1","serverId":"srv1"}`)
	do(t, h, http.MethodPost, "/api/events",
		`{"schemaVersion":2,"area":"general","userId":"u2","serverId":"srv2"}`)

	rr := do(t, h, http.MethodGet, "/api/events?area=tool&userId=u1", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var page types.EventPage
	decodeBody(t, rr, &page)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, types.AreaTool, page.Events[0].Area)

	rr = do(t, h, http.MethodGet, "/api/events?serverId=srv2", "")
	decodeBody(t, rr, &page)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, "u2", page.Events[0].UserID)
}

func TestGetEventByID(t *testing.T) {
	h, _, _ := newTestServer(t)

	do(t, h, http.MethodPost, "/api/events",
		`{"schemaVersion":2,"area":"tool","userId":"u1"}`)

	rr := do(t, h, http.MethodGet, "/api/events/1", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var ev types.Event
	decodeBody(t, rr, &ev)
	assert.Equal(t, int64(1), ev.ID)

	rr = do(t, h, http.MethodGet, "/api/events/999", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/events/abc", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTrashFlowOverHTTP(t *testing.T) {
	h, _, _ := newTestServer(t)

	do(t, h, http.MethodPost, "/api/events",
		`{"schemaVersion":2,"area":"tool","userId":"u1"}`)

	// Permanent delete refuses events that are still live.
	rr := do(t, h, http.MethodDelete, "/api/events/1/permanent", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var boolRes map[string]bool
	decodeBody(t, rr, &boolRes)
	assert.False(t, boolRes["deleted"])

	rr = do(t, h, http.MethodDelete, "/api/events/1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	decodeBody(t, rr, &boolRes)
	assert.True(t, boolRes["deleted"])

	rr = do(t, h, http.MethodGet, "/api/trash", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var page types.EventPage
	decodeBody(t, rr, &page)
	require.Equal(t, 1, page.Total)
	assert.NotNil(t, page.Events[0].DeletedAt)

	rr = do(t, h, http.MethodPost, "/api/events/1/recover", "")
	require.Equal(t, http.StatusOK, rr.Code)
	decodeBody(t, rr, &boolRes)
	assert.True(t, boolRes["recovered"])

	rr = do(t, h, http.MethodGet, "/api/trash", "")
	decodeBody(t, rr, &page)
	assert.Equal(t, 0, page.Total)
}

func TestEmptyTrashOverHTTP(t *testing.T) {
	h, _, _ := newTestServer(t)

	do(t, h, http.MethodPost, "/api/events",
		`{"schemaVersion":2,"area":"tool","userId":"u1"}`)
	do(t, h, http.MethodPost, "/api/events",
		`{"schemaVersion":2,"area":"tool","userId":"u2"}`)
	do(t, h, http.MethodDelete, "/api/events/1", "")
	do(t, h, http.MethodDelete, "/api/events/2", "")

	rr := do(t, h, http.MethodPost, "/api/trash/empty", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var res map[string]int64
	decodeBody(t, rr, &res)
	assert.Equal(t, int64(2), res["deleted"])
}

func TestDeleteAllEventsOverHTTP(t *testing.T) {
	h, _, _ := newTestServer(t)

	do(t, h, http.MethodPost, "/api/events",
		`{"schemaVersion":2,"area":"tool","userId":"u1"}`)

	rr := do(t, h, http.MethodDelete, "/api/events", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var res map[string]int64
	decodeBody(t, rr, &res)
	assert.Equal(t, int64(1), res["deleted"])
}

func TestSessionsEndpoint(t *testing.T) {
	h, _, _ := newTestServer(t)

	do(t, h, http.MethodPost, "/api/events",
		`{"schemaVersion":1,"event":"session_start","userId":"u1","serverId":"srv1","sessionId":"s1"}`)
	do(t, h, http.MethodPost, "/api/events",
		`{"schemaVersion":2,"area":"tool","success":true,"userId":"u1","serverId":"srv1","sessionId":"s1"}`)

	rr := do(t, h, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var sessions []*types.SessionInfo
	decodeBody(t, rr, &sessions)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)
	assert.Equal(t, int64(2), sessions[0].Count)
	assert.True(t, sessions[0].HasStart)

	rr = do(t, h, http.MethodDelete, "/api/sessions/s1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var res map[string]int64
	decodeBody(t, rr, &res)
	assert.Equal(t, int64(2), res["deleted"])
}

func TestStatsEndpoints(t *testing.T) {
	h, _, _ := newTestServer(t)

	do(t, h, http.MethodPost, "/api/events",
		`{"schemaVersion":2,"area":"tool","success":true,"userId":"u1","serverId":"srv1","data":{"toolName":"bash"}}`)

	rr := do(t, h, http.MethodGet, "/api/stats/daily", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var daily []*types.DailyCount
	decodeBody(t, rr, &daily)
	require.Len(t, daily, 30)
	assert.Equal(t, int64(1), daily[len(daily)-1].Count)

	rr = do(t, h, http.MethodGet, "/api/stats/daily?days=7", "")
	decodeBody(t, rr, &daily)
	assert.Len(t, daily, 7)

	rr = do(t, h, http.MethodGet, "/api/stats/daily/by-type", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var byType []*types.DailyTypeCount
	decodeBody(t, rr, &byType)
	require.Len(t, byType, 30)
	assert.Equal(t, int64(1), byType[len(byType)-1].ToolEvents)

	rr = do(t, h, http.MethodGet, "/api/stats/top-users", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var top []*types.TopEntry
	decodeBody(t, rr, &top)
	require.Len(t, top, 1)
	assert.Equal(t, "u1", top[0].Key)

	rr = do(t, h, http.MethodGet, "/api/stats/tools", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var tools []*types.ToolUsage
	decodeBody(t, rr, &tools)
	require.Len(t, tools, 1)
	assert.Equal(t, "bash", tools[0].Tool)
	assert.Equal(t, int64(1), tools[0].Successful)
}

func TestTopTeamsEndpoint(t *testing.T) {
	h, st, _ := newTestServer(t)
	ctx := context.Background()

	team := &types.Team{Name: "Platform"}
	require.NoError(t, st.CreateTeam(ctx, team))
	require.NoError(t, st.UpsertOrg(ctx, "srv1", types.OrgUpdate{TeamID: &team.ID}))

	do(t, h, http.MethodPost, "/api/events",
		`{"schemaVersion":2,"area":"tool","success":true,"userId":"u1","serverId":"srv1"}`)

	rr := do(t, h, http.MethodGet, "/api/stats/top-teams", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var top []*types.TopEntry
	decodeBody(t, rr, &top)
	require.Len(t, top, 1)
	assert.Equal(t, "platform", top[0].Key)
	assert.Equal(t, "Platform", top[0].DisplayName)
}

func TestDBSizeEndpoint(t *testing.T) {
	h, _, cfg := newTestServer(t)

	rr := do(t, h, http.MethodGet, "/api/stats/db-size", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var size types.DatabaseSize
	decodeBody(t, rr, &size)
	assert.Positive(t, size.Bytes)
	assert.Equal(t, cfg.MaxDBSize, size.MaxBytes)
}

func TestTeamEndpoints(t *testing.T) {
	h, _, _ := newTestServer(t)

	rr := do(t, h, http.MethodPost, "/api/teams", `{"name":"Platform","color":"#ff0000"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	var team types.Team
	decodeBody(t, rr, &team)
	assert.Equal(t, int64(1), team.ID)

	rr = do(t, h, http.MethodPost, "/api/teams", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Team names are unique.
	rr = do(t, h, http.MethodPost, "/api/teams", `{"name":"Platform"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/teams/1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	decodeBody(t, rr, &team)
	assert.Equal(t, "Platform", team.Name)

	rr = do(t, h, http.MethodPut, "/api/teams/1", `{"name":"Infra"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/teams", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var teams []*types.Team
	decodeBody(t, rr, &teams)
	require.Len(t, teams, 1)
	assert.Equal(t, "Infra", teams[0].Name)

	rr = do(t, h, http.MethodDelete, "/api/teams/1", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/teams/1", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestOrgEndpoints(t *testing.T) {
	h, _, _ := newTestServer(t)

	do(t, h, http.MethodPost, "/api/events",
		`{"schemaVersion":2,"area":"tool","userId":"u1","serverId":"srv1"}`)

	rr := do(t, h, http.MethodPut, "/api/orgs/srv1", `{"company_name":"Acme","alias":"acme"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/orgs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var orgs []*types.Org
	decodeBody(t, rr, &orgs)
	require.Len(t, orgs, 1)
	assert.Equal(t, "Acme", orgs[0].CompanyName)

	rr = do(t, h, http.MethodPut, "/api/orgs/", `{}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMoveOrgToTeamEndpoint(t *testing.T) {
	h, st, _ := newTestServer(t)
	ctx := context.Background()

	team := &types.Team{Name: "Platform"}
	require.NoError(t, st.CreateTeam(ctx, team))
	require.NoError(t, st.UpsertOrg(ctx, "srv1", types.OrgUpdate{}))

	do(t, h, http.MethodPost, "/api/events",
		`{"schemaVersion":2,"area":"tool","userId":"u1","serverId":"srv1"}`)

	rr := do(t, h, http.MethodPut, "/api/orgs/srv1/team", fmt.Sprintf(`{"team_id":%d}`, team.ID))
	require.Equal(t, http.StatusOK, rr.Code)

	ev, err := st.GetEvent(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, ev.TeamID)
	assert.Equal(t, team.ID, *ev.TeamID)

	rr = do(t, h, http.MethodPost, "/api/orgs/srv1/recalculate", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var res map[string]int64
	decodeBody(t, rr, &res)
	assert.Equal(t, int64(1), res["updated"])

	rr = do(t, h, http.MethodPost, "/api/orgs/ghost/recalculate", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPeopleEndpoints(t *testing.T) {
	h, _, _ := newTestServer(t)

	rr := do(t, h, http.MethodPost, "/api/people", `{"name":"Ada","email":"ada@example.com"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	var p types.Person
	decodeBody(t, rr, &p)
	require.Equal(t, int64(1), p.ID)

	rr = do(t, h, http.MethodPost, "/api/people", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/people/1/usernames", `{"username":"ada","org_id":"srv1"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/people/1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	decodeBody(t, rr, &p)
	require.Len(t, p.Usernames, 1)
	assert.Equal(t, "ada", p.Usernames[0].Username)

	rr = do(t, h, http.MethodDelete, "/api/people/1/usernames/ada", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodDelete, "/api/people/1", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/people/1", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTeamLogoEndpoint(t *testing.T) {
	h, st, _ := newTestServer(t)
	ctx := context.Background()

	team := &types.Team{Name: "Platform"}
	require.NoError(t, st.CreateTeam(ctx, team))

	req := httptest.NewRequest(http.MethodPut, "/api/teams/1/logo", bytes.NewReader([]byte{0x89, 'P', 'N', 'G'}))
	req.Header.Set("Content-Type", "image/png")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	got, err := st.GetTeam(ctx, team.ID)
	require.NoError(t, err)
	assert.Equal(t, "image/png", got.LogoMime)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, got.LogoData)
}

func TestExportImportOverHTTP(t *testing.T) {
	h, _, _ := newTestServer(t)

	do(t, h, http.MethodPost, "/api/events",
		`{"schemaVersion":2,"area":"tool","success":true,"userId":"u1","serverId":"srv1"}`)
	do(t, h, http.MethodPost, "/api/teams", `{"name":"Platform"}`)

	rr := do(t, h, http.MethodGet, "/api/export", "")
	require.Equal(t, http.StatusOK, rr.Code)
	exported := rr.Body.String()

	var doc types.Export
	require.NoError(t, json.Unmarshal([]byte(exported), &doc))
	assert.Len(t, doc.Tables.TelemetryEvents, 1)
	assert.Len(t, doc.Tables.Teams, 1)

	// A fresh deployment restores from the same document.
	h2, st2, _ := newTestServer(t)
	rr = do(t, h2, http.MethodPost, "/api/import", exported)
	require.Equal(t, http.StatusOK, rr.Code)

	page, err := st2.GetEvents(context.Background(), types.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	rr = do(t, h2, http.MethodPost, "/api/import", `{broken`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLoginLogout(t *testing.T) {
	h, st, _ := newTestServer(t)
	ctx := context.Background()

	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)
	require.NoError(t, st.CreateSystemUser(ctx, &types.SystemUser{
		Username: "op", PasswordHash: hash, Role: types.RoleAdministrator,
	}))

	rr := do(t, h, http.MethodPost, "/api/auth/login", `{"username":"op","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/auth/login", `{"username":"op","password":"s3cret"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var res struct {
		User  *types.SystemUser `json:"user"`
		Token string            `json:"token"`
	}
	decodeBody(t, rr, &res)
	assert.Equal(t, "op", res.User.Username)
	require.NotEmpty(t, res.Token)

	rr = do(t, h, http.MethodPost, "/api/auth/logout", fmt.Sprintf(`{"token":%q}`, res.Token))
	require.Equal(t, http.StatusOK, rr.Code)

	// Logout is idempotent, even for tokens that never existed.
	rr = do(t, h, http.MethodPost, "/api/auth/logout", `{"token":"deadbeef"}`)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/auth/login", `{"password":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealthProbes(t *testing.T) {
	h, _, _ := newTestServer(t)

	for _, path := range []string{"/health", "/healthz", "/readyz"} {
		rr := do(t, h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rr.Code, path)
	}
}
