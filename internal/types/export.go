package types

import (
	"encoding/json"
	"time"
)

// ExportVersion is the version stamp written into export documents.
const ExportVersion = "1.0"

// Export is the portable backup document. Import applies it
// conflict-update by primary key inside one transaction.
type Export struct {
	Version    string       `json:"version"`
	ExportedAt time.Time    `json:"exportedAt"`
	DBType     string       `json:"dbType"`
	Tables     ExportTables `json:"tables"`
}

// ExportTables holds the exported rows per table. Events carry their raw
// payloads verbatim. Users, teams and tokens use dedicated row types:
// the API-facing structs hide credential hashes and logo blobs from
// JSON, and a backup that dropped them would not restore.
type ExportTables struct {
	TelemetryEvents []*Event               `json:"telemetry_events"`
	Users           []*ExportUser          `json:"users"`
	Orgs            []*Org                 `json:"orgs"`
	Teams           []*ExportTeam          `json:"teams"`
	Settings        map[string]string      `json:"settings"`
	RememberTokens  []*ExportRememberToken `json:"remember_tokens"`
	EventUserTeams  []*EventUserTeam       `json:"event_user_teams"`
}

// ExportUser is a users row including the password hash.
type ExportUser struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"password_hash"`
	Role         Role       `json:"role"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// ExportTeam is a teams row including the logo blob (base64 in JSON).
type ExportTeam struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Color    string `json:"color,omitempty"`
	LogoData []byte `json:"logo_data,omitempty"`
	LogoMime string `json:"logo_mime,omitempty"`
}

// ExportRememberToken is a remember_tokens row including the token hash.
type ExportRememberToken struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	TokenHash string     `json:"token_hash"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	UserAgent string     `json:"user_agent,omitempty"`
	IP        string     `json:"ip,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// EventUserTeam maps a telemetry user id to a team.
type EventUserTeam struct {
	UserID string `json:"user_id"`
	TeamID int64  `json:"team_id"`
}

// Counts returns per-table row counts, used to verify round trips.
func (e *Export) Counts() map[string]int {
	return map[string]int{
		"telemetry_events": len(e.Tables.TelemetryEvents),
		"users":            len(e.Tables.Users),
		"orgs":             len(e.Tables.Orgs),
		"teams":            len(e.Tables.Teams),
		"settings":         len(e.Tables.Settings),
		"remember_tokens":  len(e.Tables.RememberTokens),
		"event_user_teams": len(e.Tables.EventUserTeams),
	}
}

// MarshalIndent renders the document for file output.
func (e *Export) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(e, "", "  ")
}
