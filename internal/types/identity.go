package types

import (
	"strings"
	"time"
)

// Role is a system-user authorization level. Telemetry user ids are
// unrelated to roles; roles apply only to operator accounts.
type Role string

const (
	RoleBasic         Role = "basic"
	RoleAdvanced      Role = "advanced"
	RoleAdministrator Role = "administrator"
	RoleGod           Role = "god"
)

// NormalizeRole maps arbitrary input to a known role. Input is
// case-insensitive; unknown values normalize to basic.
func NormalizeRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdvanced:
		return RoleAdvanced
	case RoleAdministrator:
		return RoleAdministrator
	case RoleGod:
		return RoleGod
	default:
		return RoleBasic
	}
}

// Org is keyed by the server id clients report. Upserted on first sighting,
// never deleted.
type Org struct {
	ServerID    string `json:"server_id"`
	CompanyName string `json:"company_name,omitempty"`
	Alias       string `json:"alias,omitempty"`
	Color       string `json:"color,omitempty"`
	TeamID      *int64 `json:"team_id,omitempty"`
}

// OrgUpdate carries coalescing updates for an org: nil fields do not
// overwrite existing values.
type OrgUpdate struct {
	CompanyName *string
	Alias       *string
	Color       *string
	TeamID      *int64
}

// Team groups orgs for analytics. Name is unique case-sensitively.
type Team struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Color    string `json:"color,omitempty"`
	LogoData []byte `json:"-"`
	LogoMime string `json:"logo_mime,omitempty"`
}

// Person is a human identity owning zero or more usernames.
type Person struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Initials  string `json:"initials,omitempty"`
	Usernames []*PersonUsername `json:"usernames,omitempty"`
}

// PersonUsername links a telemetry username to a person, optionally scoped
// to an org. Unique on (person_id, username).
type PersonUsername struct {
	PersonID int64  `json:"person_id"`
	Username string `json:"username"`
	OrgID    string `json:"org_id,omitempty"`
}

// SystemUser is an operator account, independent of telemetry user ids.
type SystemUser struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// RememberToken is a hashed-only persistent login token. The plaintext is
// returned once at issue time and never stored.
type RememberToken struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	TokenHash string     `json:"-"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	UserAgent string     `json:"user_agent,omitempty"`
	IP        string     `json:"ip,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// LoginAudit is one append-only authentication record.
type LoginAudit struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	UserID    *int64    `json:"user_id,omitempty"`
	Success   bool      `json:"success"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
