package ingest

import (
	"context"
	"time"

	"github.com/pulsehq/pulse/internal/storage"
	"github.com/pulsehq/pulse/internal/types"
)

// SessionWindow is the sliding window that links physically distinct
// session ids from the same (user, server) into one logical session.
const SessionWindow = 4 * time.Hour

// ResolveParentSession computes the logical parent for an incoming
// event from the state visible right now. The rules, in order:
//
//   - no session id: no parent;
//   - non-start events inherit from prior events of the same physical
//     session, falling back to the session's own start, falling back to
//     the session id itself;
//   - a session_start chains to the most recent prior start of the same
//     (user, server) when that start is within the window, otherwise it
//     roots a new logical session.
func ResolveParentSession(ctx context.Context, store storage.Store, ev *types.Event) (string, error) {
	if ev.SessionID == "" {
		return "", nil
	}

	if ev.Type != types.EventSessionStart {
		parent, found, err := store.LatestParentForSession(ctx, ev.SessionID)
		if err != nil {
			return "", err
		}
		if found {
			return parent, nil
		}
		ref, err := store.SessionStartForSession(ctx, ev.SessionID)
		if err != nil {
			return "", err
		}
		if ref != nil {
			return ref.Parent(), nil
		}
		return ev.SessionID, nil
	}

	if ev.UserID == "" || ev.ServerID == "" {
		return ev.SessionID, nil
	}
	ref, err := store.RecentSessionStart(ctx, ev.UserID, ev.ServerID)
	if err != nil {
		return "", err
	}
	if ref == nil {
		return ev.SessionID, nil
	}
	// A re-sent start of the same physical session inherits that start's
	// parent too, so an already chained logical session never splits.
	gap := ev.Timestamp.Sub(ref.Timestamp)
	if gap < 0 {
		gap = -gap
	}
	if gap <= SessionWindow {
		return ref.Parent(), nil
	}
	return ev.SessionID, nil
}

// batchSessionView overlays the sessions established earlier in a batch
// on top of the store, so reconciliation sees them before their rows
// are written.
type batchSessionView struct {
	storage.Store
	parents map[string]string
	starts  map[string]*types.SessionStartRef
	recent  map[[2]string]*types.SessionStartRef
}

func newBatchSessionView(store storage.Store) *batchSessionView {
	return &batchSessionView{
		Store:   store,
		parents: make(map[string]string),
		starts:  make(map[string]*types.SessionStartRef),
		recent:  make(map[[2]string]*types.SessionStartRef),
	}
}

// observe records a reconciled event so later batch entries can chain
// off it.
func (v *batchSessionView) observe(ev *types.Event) {
	if ev.SessionID == "" {
		return
	}
	if ev.ParentSessionID != "" {
		v.parents[ev.SessionID] = ev.ParentSessionID
	}
	if ev.Type != types.EventSessionStart {
		return
	}
	ref := &types.SessionStartRef{
		SessionID:       ev.SessionID,
		ParentSessionID: ev.ParentSessionID,
		Timestamp:       ev.Timestamp,
	}
	if _, seen := v.starts[ev.SessionID]; !seen {
		v.starts[ev.SessionID] = ref
	}
	if ev.UserID != "" && ev.ServerID != "" {
		key := [2]string{ev.UserID, ev.ServerID}
		if cur := v.recent[key]; cur == nil || !ref.Timestamp.Before(cur.Timestamp) {
			v.recent[key] = ref
		}
	}
}

func (v *batchSessionView) LatestParentForSession(ctx context.Context, sessionID string) (string, bool, error) {
	if parent, ok := v.parents[sessionID]; ok {
		return parent, true, nil
	}
	return v.Store.LatestParentForSession(ctx, sessionID)
}

func (v *batchSessionView) SessionStartForSession(ctx context.Context, sessionID string) (*types.SessionStartRef, error) {
	if ref, ok := v.starts[sessionID]; ok {
		return ref, nil
	}
	return v.Store.SessionStartForSession(ctx, sessionID)
}

func (v *batchSessionView) RecentSessionStart(ctx context.Context, userID, serverID string) (*types.SessionStartRef, error) {
	stored, err := v.Store.RecentSessionStart(ctx, userID, serverID)
	if err != nil {
		return nil, err
	}
	local := v.recent[[2]string{userID, serverID}]
	if local == nil {
		return stored, nil
	}
	if stored == nil || !local.Timestamp.Before(stored.Timestamp) {
		return local, nil
	}
	return stored, nil
}
