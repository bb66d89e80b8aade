// Package ingest accepts raw telemetry payloads and turns them into
// canonical rows: parse, validate, reconcile the logical session, snapshot
// the team assignment, insert, then fan out best-effort side effects.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsehq/pulse/internal/payload"
	"github.com/pulsehq/pulse/internal/storage"
	"github.com/pulsehq/pulse/internal/types"
)

// MaxBatchSize bounds one ingest call. Larger batches are rejected whole
// rather than split, so the caller's retry logic stays simple.
const MaxBatchSize = 1000

// ErrBatchTooLarge is returned for batches above MaxBatchSize.
var ErrBatchTooLarge = fmt.Errorf("batch exceeds %d events", MaxBatchSize)

// exemptEvents may arrive without a user id: they are emitted by
// infrastructure, not humans.
var exemptEvents = map[string]struct{}{
	"server_boot":    {},
	"client_connect": {},
}

// Ingestor is the write path. Safe for concurrent use.
type Ingestor struct {
	store storage.Store
	log   zerolog.Logger
}

func New(store storage.Store, log zerolog.Logger) *Ingestor {
	return &Ingestor{store: store, log: log.With().Str("component", "ingest").Logger()}
}

// Result reports what happened to one payload.
type Result struct {
	Event       *types.Event
	Quarantined bool
	Reason      string
}

// BatchResult is the per-event outcome summary for a batch call.
type BatchResult struct {
	Successful int            `json:"successful"`
	Errors     int            `json:"errors"`
	Failures   []BatchFailure `json:"failures"`
}

// BatchFailure names one event that was quarantined or dropped.
type BatchFailure struct {
	Index  int    `json:"index"`
	Reason string `json:"error"`
}

// Ingest processes one raw payload. Unparsable or invalid payloads are
// stored in quarantine rather than dropped; only storage failures
// surface as errors.
func (in *Ingestor) Ingest(ctx context.Context, raw []byte, receivedAt time.Time) (*Result, error) {
	ev, err := payload.Parse(raw, receivedAt)
	if err != nil {
		return in.quarantine(ctx, raw, receivedAt, err.Error())
	}

	if reason, ok := in.validate(ev, raw); !ok {
		return in.quarantine(ctx, raw, receivedAt, reason)
	}

	parent, err := ResolveParentSession(ctx, in.store, ev)
	if err != nil {
		return nil, err
	}
	ev.ParentSessionID = parent

	// Snapshot the team at write time. Later org reassignment does not
	// rewrite history unless explicitly recalculated.
	if key := ev.OrgKey(); key != "" {
		if org, err := in.store.GetOrg(ctx, key); err == nil && org.TeamID != nil {
			id := *org.TeamID
			ev.TeamID = &id
		}
	}

	if _, err := in.store.InsertEvent(ctx, ev); err != nil {
		return nil, err
	}
	in.sideEffects(ctx, ev)
	return &Result{Event: ev}, nil
}

// IngestBatch parses, validates and reconciles every payload first,
// then writes the resulting rows, quarantine rows included, in one
// transaction. Later events observe the sessions earlier ones
// established through a batch-local overlay. Per-event failures never
// fail the batch.
func (in *Ingestor) IngestBatch(ctx context.Context, raws [][]byte, receivedAt time.Time) (*BatchResult, error) {
	if len(raws) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}
	out := &BatchResult{}
	fail := func(i int, reason string) {
		out.Errors++
		out.Failures = append(out.Failures, BatchFailure{Index: i, Reason: reason})
	}

	view := newBatchSessionView(in.store)
	rows := make([]*types.Event, 0, len(raws))
	var accepted []*types.Event
	for i, raw := range raws {
		ev, err := payload.Parse(raw, receivedAt)
		if err != nil {
			rows = append(rows, quarantineEvent(raw, receivedAt, err.Error()))
			fail(i, err.Error())
			continue
		}
		if reason, ok := in.validate(ev, raw); !ok {
			rows = append(rows, quarantineEvent(raw, receivedAt, reason))
			fail(i, reason)
			continue
		}
		parent, err := ResolveParentSession(ctx, view, ev)
		if err != nil {
			if errors.Is(err, storage.ErrNotReady) {
				return nil, err
			}
			fail(i, err.Error())
			in.log.Error().Err(err).Int("index", i).Msg("batch event failed")
			continue
		}
		ev.ParentSessionID = parent
		if key := ev.OrgKey(); key != "" {
			if org, err := in.store.GetOrg(ctx, key); err == nil && org.TeamID != nil {
				id := *org.TeamID
				ev.TeamID = &id
			}
		}
		view.observe(ev)
		rows = append(rows, ev)
		accepted = append(accepted, ev)
		out.Successful++
	}

	if len(rows) > 0 {
		if err := in.store.InsertEvents(ctx, rows); err != nil {
			return nil, err
		}
	}
	for _, ev := range accepted {
		in.sideEffects(ctx, ev)
	}
	return out, nil
}

// validate applies the drop rules. A missing user id is acceptable for
// session starts, for the infrastructure-emitted exempt events, and when
// the payload carries the allowMissingUser override.
func (in *Ingestor) validate(ev *types.Event, raw []byte) (reason string, ok bool) {
	if ev.UserID != "" {
		return "", true
	}
	if ev.Type == types.EventSessionStart {
		return "", true
	}
	if _, exempt := exemptEvents[ev.RawEventName]; exempt {
		return "", true
	}
	if payload.AllowsMissingUser(raw) {
		return "", true
	}
	return "missing userId", false
}

// quarantineEvent builds the error row for a rejected payload. The raw
// bytes ride along for later inspection.
func quarantineEvent(raw []byte, receivedAt time.Time, reason string) *types.Event {
	now := receivedAt.UTC()
	return &types.Event{
		Type:          types.EventError,
		Area:          types.AreaGeneral,
		Success:       false,
		ErrorMessage:  reason,
		Timestamp:     now,
		ReceivedAt:    now,
		Data:          append([]byte(nil), raw...),
		SchemaVersion: 2,
	}
}

// quarantine stores a rejected payload as an error row so nothing is
// silently lost.
func (in *Ingestor) quarantine(ctx context.Context, raw []byte, receivedAt time.Time, reason string) (*Result, error) {
	ev := quarantineEvent(raw, receivedAt, reason)
	if _, err := in.store.InsertEvent(ctx, ev); err != nil {
		return nil, err
	}
	in.log.Warn().Str("reason", reason).Msg("payload quarantined")
	return &Result{Event: ev, Quarantined: true, Reason: reason}, nil
}

// sideEffects fans out the derived writes. Each is best effort: a
// failure is logged and never aborts the ingest.
func (in *Ingestor) sideEffects(ctx context.Context, ev *types.Event) {
	if ev.CompanyName != "" && ev.ServerID != "" {
		name := ev.CompanyName
		if err := in.store.UpsertOrg(ctx, ev.ServerID, types.OrgUpdate{CompanyName: &name}); err != nil {
			in.log.Warn().Err(err).Str("server_id", ev.ServerID).Msg("org upsert failed")
		}
	}
	if ev.UserID != "" {
		if err := in.store.BumpUserStats(ctx, ev.UserID, ev.Timestamp, ev.UserName); err != nil {
			in.log.Warn().Err(err).Str("user_id", ev.UserID).Msg("user stats bump failed")
		}
	}
	if key := ev.OrgKey(); key != "" {
		if err := in.store.BumpOrgStats(ctx, key, ev.Timestamp); err != nil {
			in.log.Warn().Err(err).Str("org_id", key).Msg("org stats bump failed")
		}
	}
}
