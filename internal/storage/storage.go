// Package storage defines the interface the telemetry engine is written
// against.
//
// The concrete implementations live in the sqlite and postgres
// sub-packages. This package holds the interface, sentinel errors, and
// option types referenced by both backends and their consumers (ingest,
// server, cmd/pulse). Consumers depend on the interface rather than a
// concrete type so the instrumentation decorator and test fakes can be
// substituted.
package storage

import (
	"context"
	"time"

	"github.com/pulsehq/pulse/internal/types"
)

// Store is the uniform surface over both database backends.
//
// Every operation is atomic at the row level. Batch ingest uses one
// transaction per batch. Aggregate upserts use conditional
// conflict-updates so concurrent increments never lose counts.
type Store interface {
	// Ingest
	InsertEvent(ctx context.Context, ev *types.Event) (int64, error)
	InsertEvents(ctx context.Context, evs []*types.Event) error

	// Session reconciliation lookups (§ session reconciler). All three are
	// "most recent prior" scans ordered timestamp DESC, id DESC.
	LatestParentForSession(ctx context.Context, sessionID string) (string, bool, error)
	SessionStartForSession(ctx context.Context, sessionID string) (*types.SessionStartRef, error)
	RecentSessionStart(ctx context.Context, userID, serverID string) (*types.SessionStartRef, error)

	// Queries
	GetEvent(ctx context.Context, id int64) (*types.Event, error)
	GetEvents(ctx context.Context, filter types.EventFilter) (*types.EventPage, error)
	GetSessions(ctx context.Context, limit, offset int) ([]*types.SessionInfo, error)
	GetDailyStats(ctx context.Context, days int) ([]*types.DailyCount, error)
	GetDailyStatsByType(ctx context.Context, days int) ([]*types.DailyTypeCount, error)
	GetTopUsers(ctx context.Context, days, limit int) ([]*types.TopEntry, error)
	GetTopTeams(ctx context.Context, days, limit int, orgTeams map[string]string) ([]*types.TopEntry, error)
	GetToolUsageStats(ctx context.Context) ([]*types.ToolUsage, error)
	SizeBytes(ctx context.Context) (int64, error)

	// Lifecycle (trash). Delete operations return how many rows changed
	// state; repeating them is a no-op.
	DeleteEvent(ctx context.Context, id int64) (bool, error)
	DeleteAllEvents(ctx context.Context) (int64, error)
	DeleteEventsBySession(ctx context.Context, sessionID string) (int64, error)
	RecoverEvent(ctx context.Context, id int64) (bool, error)
	PermanentlyDeleteEvent(ctx context.Context, id int64) (bool, error)
	EmptyTrash(ctx context.Context) (int64, error)
	CleanupOldDeletedEvents(ctx context.Context, olderThan time.Duration) (int64, error)
	GetDeletedEvents(ctx context.Context, limit, offset int) (*types.EventPage, error)

	// Aggregate rollups
	BumpUserStats(ctx context.Context, userID string, ts time.Time, displayName string) error
	BumpOrgStats(ctx context.Context, orgID string, ts time.Time) error
	RecomputeUserStats(ctx context.Context, userIDs []string) error
	RecomputeOrgStats(ctx context.Context, orgIDs []string) error
	GetUserStats(ctx context.Context, userID string) (*types.KeyStats, error)
	GetOrgStats(ctx context.Context, orgID string) (*types.KeyStats, error)
	BackfillStats(ctx context.Context) error

	// Orgs
	GetOrg(ctx context.Context, serverID string) (*types.Org, error)
	ListOrgs(ctx context.Context) ([]*types.Org, error)
	UpsertOrg(ctx context.Context, serverID string, upd types.OrgUpdate) error
	MoveOrgToTeam(ctx context.Context, serverID string, teamID *int64) error
	RecalculateTeamIDsForOrg(ctx context.Context, serverID string) (int64, error)

	// Teams
	CreateTeam(ctx context.Context, team *types.Team) error
	GetTeam(ctx context.Context, id int64) (*types.Team, error)
	ListTeams(ctx context.Context) ([]*types.Team, error)
	UpdateTeam(ctx context.Context, team *types.Team) error
	SetTeamLogo(ctx context.Context, id int64, data []byte, mime string) error
	DeleteTeam(ctx context.Context, id int64) error

	// People
	CreatePerson(ctx context.Context, p *types.Person) error
	GetPerson(ctx context.Context, id int64) (*types.Person, error)
	ListPeople(ctx context.Context) ([]*types.Person, error)
	UpdatePerson(ctx context.Context, p *types.Person) error
	DeletePerson(ctx context.Context, id int64) error
	AddUsernameToPerson(ctx context.Context, personID int64, username, orgID string) error
	RemoveUsernameFromPerson(ctx context.Context, personID int64, username string) error

	// System users and authentication state
	CreateSystemUser(ctx context.Context, u *types.SystemUser) error
	GetSystemUserByUsername(ctx context.Context, username string) (*types.SystemUser, error)
	TouchLastLogin(ctx context.Context, userID int64, at time.Time) error
	CreateRememberToken(ctx context.Context, t *types.RememberToken) error
	GetRememberTokenByHash(ctx context.Context, hash string) (*types.RememberToken, error)
	RevokeRememberToken(ctx context.Context, id int64, at time.Time) error
	AppendLoginAudit(ctx context.Context, a *types.LoginAudit) error

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	// Backup protocol
	Export(ctx context.Context) (*types.Export, error)
	Import(ctx context.Context, doc *types.Export) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// Backfiller is implemented by backends that run asynchronous startup
// backfills (denormalized columns, v2 field derivation). Failures are
// logged and retried on next start; they never block reads or writes.
type Backfiller interface {
	RunBackfills(ctx context.Context) error
}
