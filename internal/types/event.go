// Package types defines core data structures for the pulse telemetry service.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the canonical event classification.
type EventType string

const (
	EventToolCall     EventType = "tool_call"
	EventToolError    EventType = "tool_error"
	EventSessionStart EventType = "session_start"
	EventSessionEnd   EventType = "session_end"
	EventError        EventType = "error"
	EventCustom       EventType = "custom"
)

// EventTypes lists the canonical event type names in seed order.
var EventTypes = []EventType{
	EventToolCall,
	EventToolError,
	EventSessionStart,
	EventSessionEnd,
	EventError,
	EventCustom,
}

// IsValidEventType reports whether name is one of the canonical event types.
func IsValidEventType(name string) bool {
	for _, t := range EventTypes {
		if string(t) == name {
			return true
		}
	}
	return false
}

// Area classifies which part of the client emitted an event.
type Area string

const (
	AreaTool    Area = "tool"
	AreaSession Area = "session"
	AreaGeneral Area = "general"
)

// IsValidArea reports whether name is a known event area.
func IsValidArea(name string) bool {
	switch Area(name) {
	case AreaTool, AreaSession, AreaGeneral:
		return true
	}
	return false
}

// Event is the canonical fact row. Immutable once written except for
// DeletedAt and backfilled denormalized columns.
type Event struct {
	ID        int64     `json:"id"`
	Type      EventType `json:"event_type"`
	Area      Area      `json:"area"`
	Timestamp time.Time `json:"timestamp"`
	ServerID  string    `json:"server_id,omitempty"`
	Version   string    `json:"version,omitempty"`

	// SessionID is the physical session id reported by the client.
	// ParentSessionID is the logical session chosen by the reconciler;
	// empty means the event has no logical parent.
	SessionID       string `json:"session_id,omitempty"`
	ParentSessionID string `json:"parent_session_id,omitempty"`

	UserID  string `json:"user_id,omitempty"`
	Success bool   `json:"success"`

	// Data is the payload exactly as received, preserved for audit.
	Data json.RawMessage `json:"data,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
	CreatedAt  time.Time `json:"created_at"`

	// Denormalized columns, extracted from Data at write time or by backfill.
	OrgID        string `json:"org_id,omitempty"`
	UserName     string `json:"user_name,omitempty"`
	ToolName     string `json:"tool_name,omitempty"`
	CompanyName  string `json:"company_name,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// TeamID is a snapshot of the org's team at write time. Reassigning the
	// org does not touch it until RecalculateTeamIDsForOrg rewrites it.
	TeamID *int64 `json:"team_id,omitempty"`

	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	// SchemaVersion records which payload generation produced this row (1 or 2).
	SchemaVersion int `json:"telemetry_schema_version"`

	// RawEventName is the verbatim event name from the payload, kept for
	// validation exemptions (server_boot, client_connect). Not persisted.
	RawEventName string `json:"-"`
}

// OrgKey returns the identifier aggregate counters use for this event's org:
// the normalized orgId when present, otherwise the transport server id.
func (e *Event) OrgKey() string {
	if e.OrgID != "" {
		return e.OrgID
	}
	return e.ServerID
}

// EventOrder is a sortable column for event listings.
type EventOrder string

const (
	OrderByID        EventOrder = "id"
	OrderByEvent     EventOrder = "event"
	OrderByTimestamp EventOrder = "timestamp"
	OrderByCreatedAt EventOrder = "created_at"
	OrderByServerID  EventOrder = "server_id"
)

// EventFilter narrows an event listing. Zero values mean "no constraint".
type EventFilter struct {
	Areas      []Area
	Types      []EventType
	ServerID   string
	SessionID  string // matches the logical session
	StartDate  *time.Time
	EndDate    *time.Time
	UserIDs    []string
	IncludeDeleted bool

	OrderBy EventOrder
	Desc    bool
	Limit   int
	Offset  int
}

// EventPage is one page of a filtered event listing. Total is -1 when the
// COUNT was skipped for deep pagination.
type EventPage struct {
	Events  []*Event `json:"events"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
	HasMore bool     `json:"hasMore"`
}

// PseudoSessionDate parses a synthetic session id of the form
// user_<userID>_<YYYY-MM-DD>, returned by GetSessions for session-less
// events. The date is interpreted in UTC.
func PseudoSessionDate(sessionID string) (userID string, day time.Time, ok bool) {
	const prefix = "user_"
	if len(sessionID) < len(prefix)+len("_2006-01-02") || sessionID[:len(prefix)] != prefix {
		return "", time.Time{}, false
	}
	rest := sessionID[len(prefix):]
	if len(rest) < len("2006-01-02")+1 {
		return "", time.Time{}, false
	}
	datePart := rest[len(rest)-len("2006-01-02"):]
	if rest[len(rest)-len("2006-01-02")-1] != '_' {
		return "", time.Time{}, false
	}
	day, err := time.ParseInLocation("2006-01-02", datePart, time.UTC)
	if err != nil {
		return "", time.Time{}, false
	}
	userID = rest[:len(rest)-len("2006-01-02")-1]
	if userID == "" {
		return "", time.Time{}, false
	}
	return userID, day, true
}

// PseudoSessionID builds the synthetic session id for session-less events.
func PseudoSessionID(userID string, day time.Time) string {
	return fmt.Sprintf("user_%s_%s", userID, day.UTC().Format("2006-01-02"))
}
