package payload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsehq/pulse/internal/types"
)

var received = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func TestParseV1Canonical(t *testing.T) {
	raw := []byte(`{"event":"tool_call","userId":"u1","sessionId":"s1","serverId":"srv1","version":"1.2.3","timestamp":"2026-03-14T09:30:00Z"}`)
	ev, err := Parse(raw, received)
	require.NoError(t, err)

	assert.Equal(t, types.EventToolCall, ev.Type)
	assert.Equal(t, types.AreaTool, ev.Area)
	assert.Equal(t, 1, ev.SchemaVersion)
	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "srv1", ev.ServerID)
	assert.Equal(t, "1.2.3", ev.Version)
	assert.True(t, ev.Success)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC), ev.Timestamp)
	assert.Equal(t, "tool_call", ev.RawEventName)
	assert.JSONEq(t, string(raw), string(ev.Data))
}

func TestParseV1AreaFromEventName(t *testing.T) {
	for name, want := range map[string]types.Area{
		"tool_call":     types.AreaTool,
		"tool_error":    types.AreaTool,
		"session_start": types.AreaSession,
		"session_end":   types.AreaSession,
		"error":         types.AreaGeneral,
		"custom":        types.AreaGeneral,
	} {
		ev, err := Parse([]byte(`{"event":"`+name+`","userId":"u1"}`), received)
		require.NoError(t, err, name)
		assert.Equal(t, want, ev.Area, name)
	}
}

func TestParseV1SuccessDefaults(t *testing.T) {
	ev, err := Parse([]byte(`{"event":"error","userId":"u1"}`), received)
	require.NoError(t, err)
	assert.False(t, ev.Success, "v1 error events default to failure")

	ev, err = Parse([]byte(`{"event":"tool_error","userId":"u1"}`), received)
	require.NoError(t, err)
	assert.False(t, ev.Success)

	ev, err = Parse([]byte(`{"event":"session_end","userId":"u1"}`), received)
	require.NoError(t, err)
	assert.True(t, ev.Success)

	// An explicit flag always wins over the type-derived default.
	ev, err = Parse([]byte(`{"event":"error","success":true,"userId":"u1"}`), received)
	require.NoError(t, err)
	assert.True(t, ev.Success)
}

func TestParseV1NonCanonicalName(t *testing.T) {
	ev, err := Parse([]byte(`{"schemaVersion":1,"event":"server_boot"}`), received)
	require.NoError(t, err)
	assert.Equal(t, 1, ev.SchemaVersion)
	assert.Equal(t, types.EventCustom, ev.Type)
	assert.Equal(t, types.AreaGeneral, ev.Area)
	assert.Equal(t, "server_boot", ev.RawEventName)
}

func TestParseV2(t *testing.T) {
	ev, err := Parse([]byte(`{"area":"tool","success":false,"userId":"u1"}`), received)
	require.NoError(t, err)
	assert.Equal(t, 2, ev.SchemaVersion)
	assert.Equal(t, types.AreaTool, ev.Area)
	assert.Equal(t, types.EventToolError, ev.Type)
	assert.False(t, ev.Success)

	ev, err = Parse([]byte(`{"area":"tool","userId":"u1"}`), received)
	require.NoError(t, err)
	assert.Equal(t, types.EventToolCall, ev.Type)
	assert.True(t, ev.Success)

	ev, err = Parse([]byte(`{"area":"general","success":false,"userId":"u1"}`), received)
	require.NoError(t, err)
	assert.Equal(t, types.EventError, ev.Type)

	ev, err = Parse([]byte(`{"area":"general","userId":"u1"}`), received)
	require.NoError(t, err)
	assert.Equal(t, types.EventCustom, ev.Type)
	assert.True(t, ev.Success, "absent success flag reads as success")
}

func TestParseExplicitSchemaVersionWins(t *testing.T) {
	// schemaVersion 2 with no area still parses as v2.
	ev, err := Parse([]byte(`{"schemaVersion":2,"userId":"u1"}`), received)
	require.NoError(t, err)
	assert.Equal(t, 2, ev.SchemaVersion)
	assert.Equal(t, types.AreaGeneral, ev.Area)
	assert.Equal(t, types.EventCustom, ev.Type)
}

func TestParseRejectsUnknownSchema(t *testing.T) {
	_, err := Parse([]byte(`{"foo":"bar"}`), received)
	assert.ErrorIs(t, err, ErrUnknownSchema)

	// A non-canonical event name without a version stamp is unknown.
	_, err = Parse([]byte(`{"event":"server_boot"}`), received)
	assert.ErrorIs(t, err, ErrUnknownSchema)
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, raw := range []string{`not json`, `null`, `[1,2]`, `"str"`, ``} {
		_, err := Parse([]byte(raw), received)
		assert.ErrorIs(t, err, ErrMalformed, raw)
	}
}

func TestParseUserIDFallbacks(t *testing.T) {
	// The user name is accepted as the user id when no id path matches,
	// and non-ASCII names survive untouched.
	ev, err := Parse([]byte(`{"area":"general","data":{"userName":"María"}}`), received)
	require.NoError(t, err)
	assert.Equal(t, "María", ev.UserID)
	assert.Equal(t, "María", ev.UserName)

	// An explicit id beats the name fallback.
	ev, err = Parse([]byte(`{"area":"general","userId":"u9","data":{"userName":"María"}}`), received)
	require.NoError(t, err)
	assert.Equal(t, "u9", ev.UserID)
	assert.Equal(t, "María", ev.UserName)

	// Nested user object.
	ev, err = Parse([]byte(`{"area":"general","data":{"user":{"id":"u3"}}}`), received)
	require.NoError(t, err)
	assert.Equal(t, "u3", ev.UserID)
}

func TestParseSessionIDFallbacks(t *testing.T) {
	for _, raw := range []string{
		`{"area":"general","sessionId":"sX","userId":"u1"}`,
		`{"area":"general","session_id":"sX","userId":"u1"}`,
		`{"area":"general","session":"sX","userId":"u1"}`,
		`{"area":"general","session":{"id":"sX"},"userId":"u1"}`,
		`{"area":"general","data":{"sessionId":"sX"},"userId":"u1"}`,
	} {
		ev, err := Parse([]byte(raw), received)
		require.NoError(t, err, raw)
		assert.Equal(t, "sX", ev.SessionID, raw)
	}
}

func TestParseDenormalizedFields(t *testing.T) {
	raw := []byte(`{
		"area": "tool",
		"userId": "u1",
		"data": {
			"orgId": "org-1",
			"error": {"toolName": "bash", "message": "boom"},
			"state": {"org": {"companyDetails": {"Name": "Acme"}}}
		}
	}`)
	ev, err := Parse(raw, received)
	require.NoError(t, err)
	assert.Equal(t, "org-1", ev.OrgID)
	assert.Equal(t, "bash", ev.ToolName)
	assert.Equal(t, "Acme", ev.CompanyName)
	assert.Equal(t, "boom", ev.ErrorMessage)
}

func TestParseTimestamps(t *testing.T) {
	// Epoch seconds.
	ev, err := Parse([]byte(`{"area":"general","userId":"u1","timestamp":1750000000}`), received)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1750000000, 0).UTC(), ev.Timestamp)

	// Epoch milliseconds.
	ev, err = Parse([]byte(`{"area":"general","userId":"u1","timestamp":1750000000000}`), received)
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1750000000000).UTC(), ev.Timestamp)

	// Unparsable falls back to the server receive time.
	ev, err = Parse([]byte(`{"area":"general","userId":"u1","timestamp":"yesterday"}`), received)
	require.NoError(t, err)
	assert.Equal(t, received, ev.Timestamp)

	// Missing falls back too.
	ev, err = Parse([]byte(`{"area":"general","userId":"u1"}`), received)
	require.NoError(t, err)
	assert.Equal(t, received, ev.Timestamp)
}

func TestParseTrimsWhitespace(t *testing.T) {
	ev, err := Parse([]byte(`{"area":"general","userId":"  u1  ","serverId":" srv "}`), received)
	require.NoError(t, err)
	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, "srv", ev.ServerID)
}

func TestAllowsMissingUser(t *testing.T) {
	assert.True(t, AllowsMissingUser([]byte(`{"allowMissingUser":true}`)))
	assert.True(t, AllowsMissingUser([]byte(`{"data":{"allowMissingUser":true}}`)))
	assert.False(t, AllowsMissingUser([]byte(`{"allowMissingUser":false}`)))
	assert.False(t, AllowsMissingUser([]byte(`{"allowMissingUser":"yes"}`)))
	assert.False(t, AllowsMissingUser([]byte(`{}`)))
	assert.False(t, AllowsMissingUser([]byte(`garbage`)))
}
