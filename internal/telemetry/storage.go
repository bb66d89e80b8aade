package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pulsehq/pulse/internal/storage"
	"github.com/pulsehq/pulse/internal/types"
)

const storageScopeName = "github.com/pulsehq/pulse/storage"

// InstrumentedStore wraps storage.Store with OTel tracing and metrics.
// Every method gets a span and is counted in pulse.storage.* metrics.
// Use WrapStore to create one; it returns the original store unchanged
// when telemetry is disabled.
type InstrumentedStore struct {
	inner     storage.Store
	tracer    trace.Tracer
	ops       metric.Int64Counter
	dur       metric.Float64Histogram
	errs      metric.Int64Counter
	sizeGauge metric.Int64Gauge
}

// WrapStore returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStore(s storage.Store) storage.Store {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("pulse.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("pulse.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("pulse.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	sizeGauge, _ := m.Int64Gauge("pulse.db.size_bytes",
		metric.WithDescription("Database size in bytes (snapshot from SizeBytes)"),
	)
	return &InstrumentedStore{
		inner:     s,
		tracer:    Tracer(storageScopeName),
		ops:       ops,
		dur:       dur,
		errs:      errs,
		sizeGauge: sizeGauge,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

// ── Ingest ──────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) InsertEvent(ctx context.Context, ev *types.Event) (int64, error) {
	attrs := []attribute.KeyValue{attribute.String("pulse.event.type", string(ev.Type))}
	ctx, span, t := s.op(ctx, "InsertEvent", attrs...)
	id, err := s.inner.InsertEvent(ctx, ev)
	s.done(ctx, span, t, err, attrs...)
	return id, err
}

func (s *InstrumentedStore) InsertEvents(ctx context.Context, evs []*types.Event) error {
	attrs := []attribute.KeyValue{attribute.Int("pulse.event.count", len(evs))}
	ctx, span, t := s.op(ctx, "InsertEvents", attrs...)
	err := s.inner.InsertEvents(ctx, evs)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Reconciliation lookups ──────────────────────────────────────────────────

func (s *InstrumentedStore) LatestParentForSession(ctx context.Context, sessionID string) (string, bool, error) {
	ctx, span, t := s.op(ctx, "LatestParentForSession")
	parent, found, err := s.inner.LatestParentForSession(ctx, sessionID)
	s.done(ctx, span, t, err)
	return parent, found, err
}

func (s *InstrumentedStore) SessionStartForSession(ctx context.Context, sessionID string) (*types.SessionStartRef, error) {
	ctx, span, t := s.op(ctx, "SessionStartForSession")
	v, err := s.inner.SessionStartForSession(ctx, sessionID)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) RecentSessionStart(ctx context.Context, userID, serverID string) (*types.SessionStartRef, error) {
	ctx, span, t := s.op(ctx, "RecentSessionStart")
	v, err := s.inner.RecentSessionStart(ctx, userID, serverID)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Queries ─────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) GetEvent(ctx context.Context, id int64) (*types.Event, error) {
	attrs := []attribute.KeyValue{attribute.Int64("pulse.event.id", id)}
	ctx, span, t := s.op(ctx, "GetEvent", attrs...)
	v, err := s.inner.GetEvent(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) GetEvents(ctx context.Context, filter types.EventFilter) (*types.EventPage, error) {
	attrs := []attribute.KeyValue{
		attribute.Int("pulse.limit", filter.Limit),
		attribute.Int("pulse.offset", filter.Offset),
	}
	ctx, span, t := s.op(ctx, "GetEvents", attrs...)
	page, err := s.inner.GetEvents(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("pulse.result.count", len(page.Events)))
	}
	s.done(ctx, span, t, err, attrs...)
	return page, err
}

func (s *InstrumentedStore) GetSessions(ctx context.Context, limit, offset int) ([]*types.SessionInfo, error) {
	ctx, span, t := s.op(ctx, "GetSessions")
	v, err := s.inner.GetSessions(ctx, limit, offset)
	if err == nil {
		span.SetAttributes(attribute.Int("pulse.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) GetDailyStats(ctx context.Context, days int) ([]*types.DailyCount, error) {
	attrs := []attribute.KeyValue{attribute.Int("pulse.days", days)}
	ctx, span, t := s.op(ctx, "GetDailyStats", attrs...)
	v, err := s.inner.GetDailyStats(ctx, days)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) GetDailyStatsByType(ctx context.Context, days int) ([]*types.DailyTypeCount, error) {
	attrs := []attribute.KeyValue{attribute.Int("pulse.days", days)}
	ctx, span, t := s.op(ctx, "GetDailyStatsByType", attrs...)
	v, err := s.inner.GetDailyStatsByType(ctx, days)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) GetTopUsers(ctx context.Context, days, limit int) ([]*types.TopEntry, error) {
	attrs := []attribute.KeyValue{attribute.Int("pulse.days", days), attribute.Int("pulse.limit", limit)}
	ctx, span, t := s.op(ctx, "GetTopUsers", attrs...)
	v, err := s.inner.GetTopUsers(ctx, days, limit)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) GetTopTeams(ctx context.Context, days, limit int, orgTeams map[string]string) ([]*types.TopEntry, error) {
	attrs := []attribute.KeyValue{attribute.Int("pulse.days", days), attribute.Int("pulse.limit", limit)}
	ctx, span, t := s.op(ctx, "GetTopTeams", attrs...)
	v, err := s.inner.GetTopTeams(ctx, days, limit, orgTeams)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) GetToolUsageStats(ctx context.Context) ([]*types.ToolUsage, error) {
	ctx, span, t := s.op(ctx, "GetToolUsageStats")
	v, err := s.inner.GetToolUsageStats(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) SizeBytes(ctx context.Context) (int64, error) {
	ctx, span, t := s.op(ctx, "SizeBytes")
	n, err := s.inner.SizeBytes(ctx)
	s.done(ctx, span, t, err)
	if err == nil {
		s.sizeGauge.Record(ctx, n)
	}
	return n, err
}

// ── Lifecycle (trash) ───────────────────────────────────────────────────────

func (s *InstrumentedStore) DeleteEvent(ctx context.Context, id int64) (bool, error) {
	attrs := []attribute.KeyValue{attribute.Int64("pulse.event.id", id)}
	ctx, span, t := s.op(ctx, "DeleteEvent", attrs...)
	ok, err := s.inner.DeleteEvent(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return ok, err
}

func (s *InstrumentedStore) DeleteAllEvents(ctx context.Context) (int64, error) {
	ctx, span, t := s.op(ctx, "DeleteAllEvents")
	n, err := s.inner.DeleteAllEvents(ctx)
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedStore) DeleteEventsBySession(ctx context.Context, sessionID string) (int64, error) {
	ctx, span, t := s.op(ctx, "DeleteEventsBySession")
	n, err := s.inner.DeleteEventsBySession(ctx, sessionID)
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedStore) RecoverEvent(ctx context.Context, id int64) (bool, error) {
	attrs := []attribute.KeyValue{attribute.Int64("pulse.event.id", id)}
	ctx, span, t := s.op(ctx, "RecoverEvent", attrs...)
	ok, err := s.inner.RecoverEvent(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return ok, err
}

func (s *InstrumentedStore) PermanentlyDeleteEvent(ctx context.Context, id int64) (bool, error) {
	attrs := []attribute.KeyValue{attribute.Int64("pulse.event.id", id)}
	ctx, span, t := s.op(ctx, "PermanentlyDeleteEvent", attrs...)
	ok, err := s.inner.PermanentlyDeleteEvent(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return ok, err
}

func (s *InstrumentedStore) EmptyTrash(ctx context.Context) (int64, error) {
	ctx, span, t := s.op(ctx, "EmptyTrash")
	n, err := s.inner.EmptyTrash(ctx)
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedStore) CleanupOldDeletedEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, span, t := s.op(ctx, "CleanupOldDeletedEvents")
	n, err := s.inner.CleanupOldDeletedEvents(ctx, olderThan)
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedStore) GetDeletedEvents(ctx context.Context, limit, offset int) (*types.EventPage, error) {
	ctx, span, t := s.op(ctx, "GetDeletedEvents")
	v, err := s.inner.GetDeletedEvents(ctx, limit, offset)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Aggregates ──────────────────────────────────────────────────────────────

func (s *InstrumentedStore) BumpUserStats(ctx context.Context, userID string, ts time.Time, displayName string) error {
	ctx, span, t := s.op(ctx, "BumpUserStats")
	err := s.inner.BumpUserStats(ctx, userID, ts, displayName)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) BumpOrgStats(ctx context.Context, orgID string, ts time.Time) error {
	ctx, span, t := s.op(ctx, "BumpOrgStats")
	err := s.inner.BumpOrgStats(ctx, orgID, ts)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) RecomputeUserStats(ctx context.Context, userIDs []string) error {
	attrs := []attribute.KeyValue{attribute.Int("pulse.key.count", len(userIDs))}
	ctx, span, t := s.op(ctx, "RecomputeUserStats", attrs...)
	err := s.inner.RecomputeUserStats(ctx, userIDs)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) RecomputeOrgStats(ctx context.Context, orgIDs []string) error {
	attrs := []attribute.KeyValue{attribute.Int("pulse.key.count", len(orgIDs))}
	ctx, span, t := s.op(ctx, "RecomputeOrgStats", attrs...)
	err := s.inner.RecomputeOrgStats(ctx, orgIDs)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) GetUserStats(ctx context.Context, userID string) (*types.KeyStats, error) {
	ctx, span, t := s.op(ctx, "GetUserStats")
	v, err := s.inner.GetUserStats(ctx, userID)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) GetOrgStats(ctx context.Context, orgID string) (*types.KeyStats, error) {
	ctx, span, t := s.op(ctx, "GetOrgStats")
	v, err := s.inner.GetOrgStats(ctx, orgID)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) BackfillStats(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "BackfillStats")
	err := s.inner.BackfillStats(ctx)
	s.done(ctx, span, t, err)
	return err
}

// ── Orgs ────────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) GetOrg(ctx context.Context, serverID string) (*types.Org, error) {
	ctx, span, t := s.op(ctx, "GetOrg")
	v, err := s.inner.GetOrg(ctx, serverID)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) ListOrgs(ctx context.Context) ([]*types.Org, error) {
	ctx, span, t := s.op(ctx, "ListOrgs")
	v, err := s.inner.ListOrgs(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) UpsertOrg(ctx context.Context, serverID string, upd types.OrgUpdate) error {
	ctx, span, t := s.op(ctx, "UpsertOrg")
	err := s.inner.UpsertOrg(ctx, serverID, upd)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) MoveOrgToTeam(ctx context.Context, serverID string, teamID *int64) error {
	ctx, span, t := s.op(ctx, "MoveOrgToTeam")
	err := s.inner.MoveOrgToTeam(ctx, serverID, teamID)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) RecalculateTeamIDsForOrg(ctx context.Context, serverID string) (int64, error) {
	ctx, span, t := s.op(ctx, "RecalculateTeamIDsForOrg")
	n, err := s.inner.RecalculateTeamIDsForOrg(ctx, serverID)
	s.done(ctx, span, t, err)
	return n, err
}

// ── Teams ───────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) CreateTeam(ctx context.Context, team *types.Team) error {
	ctx, span, t := s.op(ctx, "CreateTeam")
	err := s.inner.CreateTeam(ctx, team)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) GetTeam(ctx context.Context, id int64) (*types.Team, error) {
	ctx, span, t := s.op(ctx, "GetTeam")
	v, err := s.inner.GetTeam(ctx, id)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) ListTeams(ctx context.Context) ([]*types.Team, error) {
	ctx, span, t := s.op(ctx, "ListTeams")
	v, err := s.inner.ListTeams(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) UpdateTeam(ctx context.Context, team *types.Team) error {
	ctx, span, t := s.op(ctx, "UpdateTeam")
	err := s.inner.UpdateTeam(ctx, team)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) SetTeamLogo(ctx context.Context, id int64, data []byte, mime string) error {
	attrs := []attribute.KeyValue{attribute.Int("pulse.logo.bytes", len(data))}
	ctx, span, t := s.op(ctx, "SetTeamLogo", attrs...)
	err := s.inner.SetTeamLogo(ctx, id, data, mime)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) DeleteTeam(ctx context.Context, id int64) error {
	ctx, span, t := s.op(ctx, "DeleteTeam")
	err := s.inner.DeleteTeam(ctx, id)
	s.done(ctx, span, t, err)
	return err
}

// ── People ──────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) CreatePerson(ctx context.Context, p *types.Person) error {
	ctx, span, t := s.op(ctx, "CreatePerson")
	err := s.inner.CreatePerson(ctx, p)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) GetPerson(ctx context.Context, id int64) (*types.Person, error) {
	ctx, span, t := s.op(ctx, "GetPerson")
	v, err := s.inner.GetPerson(ctx, id)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) ListPeople(ctx context.Context) ([]*types.Person, error) {
	ctx, span, t := s.op(ctx, "ListPeople")
	v, err := s.inner.ListPeople(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) UpdatePerson(ctx context.Context, p *types.Person) error {
	ctx, span, t := s.op(ctx, "UpdatePerson")
	err := s.inner.UpdatePerson(ctx, p)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) DeletePerson(ctx context.Context, id int64) error {
	ctx, span, t := s.op(ctx, "DeletePerson")
	err := s.inner.DeletePerson(ctx, id)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) AddUsernameToPerson(ctx context.Context, personID int64, username, orgID string) error {
	ctx, span, t := s.op(ctx, "AddUsernameToPerson")
	err := s.inner.AddUsernameToPerson(ctx, personID, username, orgID)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) RemoveUsernameFromPerson(ctx context.Context, personID int64, username string) error {
	ctx, span, t := s.op(ctx, "RemoveUsernameFromPerson")
	err := s.inner.RemoveUsernameFromPerson(ctx, personID, username)
	s.done(ctx, span, t, err)
	return err
}

// ── System users and authentication state ───────────────────────────────────

func (s *InstrumentedStore) CreateSystemUser(ctx context.Context, u *types.SystemUser) error {
	ctx, span, t := s.op(ctx, "CreateSystemUser")
	err := s.inner.CreateSystemUser(ctx, u)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) GetSystemUserByUsername(ctx context.Context, username string) (*types.SystemUser, error) {
	ctx, span, t := s.op(ctx, "GetSystemUserByUsername")
	v, err := s.inner.GetSystemUserByUsername(ctx, username)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) TouchLastLogin(ctx context.Context, userID int64, at time.Time) error {
	ctx, span, t := s.op(ctx, "TouchLastLogin")
	err := s.inner.TouchLastLogin(ctx, userID, at)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) CreateRememberToken(ctx context.Context, token *types.RememberToken) error {
	ctx, span, t := s.op(ctx, "CreateRememberToken")
	err := s.inner.CreateRememberToken(ctx, token)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) GetRememberTokenByHash(ctx context.Context, hash string) (*types.RememberToken, error) {
	ctx, span, t := s.op(ctx, "GetRememberTokenByHash")
	v, err := s.inner.GetRememberTokenByHash(ctx, hash)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) RevokeRememberToken(ctx context.Context, id int64, at time.Time) error {
	ctx, span, t := s.op(ctx, "RevokeRememberToken")
	err := s.inner.RevokeRememberToken(ctx, id, at)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) AppendLoginAudit(ctx context.Context, a *types.LoginAudit) error {
	ctx, span, t := s.op(ctx, "AppendLoginAudit")
	err := s.inner.AppendLoginAudit(ctx, a)
	s.done(ctx, span, t, err)
	return err
}

// ── Settings ────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) GetSetting(ctx context.Context, key string) (string, error) {
	attrs := []attribute.KeyValue{attribute.String("pulse.setting.key", key)}
	ctx, span, t := s.op(ctx, "GetSetting", attrs...)
	v, err := s.inner.GetSetting(ctx, key)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) SetSetting(ctx context.Context, key, value string) error {
	attrs := []attribute.KeyValue{attribute.String("pulse.setting.key", key)}
	ctx, span, t := s.op(ctx, "SetSetting", attrs...)
	err := s.inner.SetSetting(ctx, key, value)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Backup protocol ─────────────────────────────────────────────────────────

func (s *InstrumentedStore) Export(ctx context.Context) (*types.Export, error) {
	ctx, span, t := s.op(ctx, "Export")
	doc, err := s.inner.Export(ctx)
	if err == nil {
		span.SetAttributes(attribute.Int("pulse.export.events", len(doc.Tables.TelemetryEvents)))
	}
	s.done(ctx, span, t, err)
	return doc, err
}

func (s *InstrumentedStore) Import(ctx context.Context, doc *types.Export) error {
	ctx, span, t := s.op(ctx, "Import")
	err := s.inner.Import(ctx, doc)
	s.done(ctx, span, t, err)
	return err
}

// ── Lifecycle ───────────────────────────────────────────────────────────────

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "Ping")
	err := s.inner.Ping(ctx)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
