// Package payload normalizes raw telemetry payloads into canonical events.
//
// Two payload generations exist in the wild: v1 identifies events by a
// top-level "event" name, v2 by an "area" plus a success flag. Both are
// arbitrary JSON objects with many optional identifier paths, so
// normalization is a set of explicit fallback chains over a generic tree.
// The raw bytes are preserved on the event untouched for audit.
package payload

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/pulsehq/pulse/internal/types"
)

// Sentinel parse failures. Both route the payload to quarantine.
var (
	// ErrMalformed indicates the payload is not a JSON object.
	ErrMalformed = errors.New("malformed payload")

	// ErrUnknownSchema indicates the payload matched neither generation.
	ErrUnknownSchema = errors.New("unknown schema")
)

// Parse normalizes raw into a canonical event. receivedAt is the server
// receive time, used when the payload carries no parsable timestamp.
// The returned event has no ParentSessionID; reconciliation happens later.
func Parse(raw []byte, receivedAt time.Time) (*types.Event, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return nil, ErrMalformed
	}

	version, err := detectVersion(m)
	if err != nil {
		return nil, err
	}

	rawName := firstString(m, [][]string{{"event"}, {"eventType"}})
	area := normalizeArea(m, version, rawName)
	eventType := normalizeType(m, version, rawName, area)
	success := normalizeSuccess(m, version, eventType)

	ev := &types.Event{
		Type:          eventType,
		Area:          area,
		Timestamp:     normalizeTimestamp(m, receivedAt),
		ServerID:      firstString(m, [][]string{{"serverId"}, {"server_id"}}),
		Version:       firstString(m, [][]string{{"version"}}),
		SessionID:     normalizeSessionID(m),
		UserID:        normalizeUserID(m),
		Success:       success,
		Data:          json.RawMessage(append([]byte(nil), raw...)),
		ReceivedAt:    receivedAt.UTC(),
		SchemaVersion: version,
		RawEventName:  rawName,

		UserName: firstString(m, [][]string{
			{"data", "userName"}, {"data", "user_name"}, {"data", "user", "name"},
		}),
		OrgID: firstString(m, [][]string{
			{"data", "orgId"}, {"data", "state", "org", "id"},
		}),
		ToolName: firstString(m, [][]string{
			{"data", "toolName"}, {"data", "tool"},
			{"data", "error", "toolName"}, {"data", "error", "tool"},
		}),
		CompanyName: firstString(m, [][]string{
			{"data", "state", "org", "companyDetails", "Name"},
			{"data", "companyDetails", "Name"},
		}),
		ErrorMessage: firstString(m, [][]string{
			{"data", "errorMessage"}, {"data", "error", "message"},
		}),
	}
	return ev, nil
}

// AllowsMissingUser reports whether the payload opted out of the user-id
// requirement via the allowMissingUser override.
func AllowsMissingUser(raw []byte) bool {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	if b, ok := valueAt(m, "allowMissingUser").(bool); ok {
		return b
	}
	if b, ok := valueAt(m, "data", "allowMissingUser").(bool); ok {
		return b
	}
	return false
}

// detectVersion applies the version rules in order: explicit integer
// schemaVersion wins, then a v2 area, then a canonical v1 event name.
func detectVersion(m map[string]any) (int, error) {
	if v, ok := valueAt(m, "schemaVersion").(float64); ok && v == math.Trunc(v) {
		if int(v) >= 2 {
			return 2, nil
		}
		return 1, nil
	}
	if area, ok := valueAt(m, "area").(string); ok && types.IsValidArea(strings.TrimSpace(area)) {
		return 2, nil
	}
	if name, ok := valueAt(m, "event").(string); ok && types.IsValidEventType(strings.TrimSpace(name)) {
		return 1, nil
	}
	return 0, ErrUnknownSchema
}

func normalizeArea(m map[string]any, version int, rawName string) types.Area {
	if s, ok := valueAt(m, "area").(string); ok && types.IsValidArea(strings.TrimSpace(s)) {
		return types.Area(strings.TrimSpace(s))
	}
	if version == 2 {
		return types.AreaGeneral
	}
	switch types.EventType(rawName) {
	case types.EventToolCall, types.EventToolError:
		return types.AreaTool
	case types.EventSessionStart, types.EventSessionEnd:
		return types.AreaSession
	default:
		return types.AreaGeneral
	}
}

func normalizeType(m map[string]any, version int, rawName string, area types.Area) types.EventType {
	if types.IsValidEventType(rawName) {
		return types.EventType(rawName)
	}
	if version == 1 {
		// Explicit schemaVersion=1 with a non-canonical name.
		return types.EventCustom
	}
	// v2 without an explicit canonical name: derive from area and success.
	switch area {
	case types.AreaTool:
		if ok, present := explicitSuccess(m); present && !ok {
			return types.EventToolError
		}
		return types.EventToolCall
	case types.AreaGeneral:
		if ok, present := explicitSuccess(m); present && !ok {
			return types.EventError
		}
		return types.EventCustom
	default:
		return types.EventCustom
	}
}

func normalizeSuccess(m map[string]any, version int, eventType types.EventType) bool {
	if ok, present := explicitSuccess(m); present {
		return ok
	}
	if version == 1 {
		switch eventType {
		case types.EventToolError, types.EventError:
			return false
		}
		return true
	}
	// v2 requires an explicit flag; absence reads as success.
	return true
}

func explicitSuccess(m map[string]any) (value, present bool) {
	if b, ok := valueAt(m, "success").(bool); ok {
		return b, true
	}
	return false, false
}

func normalizeSessionID(m map[string]any) string {
	return firstString(m, [][]string{
		{"sessionId"}, {"session_id"}, {"session"}, {"session", "id"},
		{"data", "sessionId"}, {"data", "session_id"}, {"data", "session", "id"},
	})
}

func normalizeUserID(m map[string]any) string {
	return firstString(m, [][]string{
		{"userId"}, {"user_id"},
		{"data", "userId"}, {"data", "user_id"}, {"data", "user", "id"},
		{"data", "userName"}, {"data", "user_name"}, {"data", "user", "name"},
	})
}

// normalizeTimestamp accepts RFC3339 strings or numeric epochs (seconds or
// milliseconds). Anything unparsable defaults to the server receive time.
func normalizeTimestamp(m map[string]any, receivedAt time.Time) time.Time {
	switch v := valueAt(m, "timestamp").(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
				return t.UTC()
			}
		}
	case float64:
		if v > 1e12 { // epoch milliseconds
			return time.UnixMilli(int64(v)).UTC()
		}
		if v > 0 {
			return time.Unix(int64(v), 0).UTC()
		}
	}
	return receivedAt.UTC()
}

// valueAt walks nested objects along path. A missing segment or a
// non-object intermediate yields nil.
func valueAt(m map[string]any, path ...string) any {
	var cur any = m
	for _, seg := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = obj[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// firstString returns the first path whose value is a non-empty string
// after trimming. Empty strings are treated as absent.
func firstString(m map[string]any, paths [][]string) string {
	for _, p := range paths {
		if s, ok := valueAt(m, p...).(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}
