package types

import "time"

// KeyStats is one rollup row, keyed by user id or org id. Count and
// LastEvent are maintained incrementally on ingest and reconstructable
// from the fact table via recompute.
type KeyStats struct {
	Key         string     `json:"key"`
	Count       int64      `json:"count"`
	LastEvent   *time.Time `json:"last_event,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
}

// SessionInfo is one logical session row in a session listing.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	Count     int64     `json:"count"`
	First     time.Time `json:"first_event"`
	Last      time.Time `json:"last_event"`
	UserID    string    `json:"user_id,omitempty"`
	UserName  string    `json:"user_name,omitempty"`
	HasStart  bool      `json:"has_session_start"`
	HasEnd    bool      `json:"has_session_end"`
	IsActive  bool      `json:"is_active"`
}

// DailyCount is one bucket of a dense daily time series (UTC days).
type DailyCount struct {
	Day   string `json:"date"` // YYYY-MM-DD
	Count int64  `json:"count"`
}

// DailyTypeCount splits a day's events into the dashboard categories.
type DailyTypeCount struct {
	Day                      string `json:"date"`
	StartSessionsWithoutEnd  int64  `json:"startSessionsWithoutEnd"`
	ToolEvents               int64  `json:"toolEvents"`
	ErrorEvents              int64  `json:"errorEvents"`
}

// TopEntry is one row of a top-N ranking.
type TopEntry struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name,omitempty"`
	Count       int64  `json:"count"`
}

// ToolUsage is the success/error split for one tool.
type ToolUsage struct {
	Tool       string `json:"tool"`
	Successful int64  `json:"successful"`
	Errors     int64  `json:"errors"`
}

// DatabaseSize reports backend bytes used against the configured soft cap.
type DatabaseSize struct {
	Bytes    int64 `json:"bytes"`
	MaxBytes int64 `json:"maxBytes"`
}

// SessionStartRef identifies a prior session_start for the reconciler.
type SessionStartRef struct {
	SessionID       string
	ParentSessionID string
	Timestamp       time.Time
}

// Parent returns the logical parent this start would pass on: its own
// parent when set, otherwise its physical session id.
func (r *SessionStartRef) Parent() string {
	if r.ParentSessionID != "" {
		return r.ParentSessionID
	}
	return r.SessionID
}
