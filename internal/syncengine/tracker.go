package syncengine

import (
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

type Reason string

const (
	ReasonChanged     Reason = "changed"
	ReasonConfirmed   Reason = "confirmed"
	ReasonNotLoaded   Reason = "not_loaded"
	ReasonUnchanged   Reason = "unchanged"
	ReasonFromSocket  Reason = "from_socket"
	ReasonEmptyGuard  Reason = "empty_guard"
	ReasonStaleTenant Reason = "stale_tenant"
)

// Decision is the outcome of a persistence check.
type Decision struct {
	Persist bool
	Reason  Reason
}

// Change is a detected, not yet committed, candidate transition.
type Change struct {
	Key       string
	TenantID  string
	Candidate json.RawMessage
	// Confirmed marks an authoritative full replacement that bypasses the
	// empty collection guard.
	Confirmed bool
	Reason    Reason

	epoch   Epoch
	version uint64
}

// DirtyTracker decides whether an observed value is a real local change that
// must be persisted. It owns the snapshot of every entity.
type DirtyTracker struct {
	c      *core
	logger *zap.Logger
}

func newDirtyTracker(c *core, logger *zap.Logger) *DirtyTracker {
	return &DirtyTracker{c: c, logger: logger}
}

// ShouldPersist runs DetectChange and CommitOrSkip in one critical section.
func (t *DirtyTracker) ShouldPersist(key, tenantID string, candidate json.RawMessage) Decision {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.shouldPersistLocked(key, tenantID, candidate, false)
}

// DetectChange classifies candidate against the current snapshot without
// mutating anything. The echo flag is reported but not consumed.
func (t *DirtyTracker) DetectChange(key, tenantID string, candidate json.RawMessage) Change {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.detectLocked(key, tenantID, candidate, false)
}

// DetectReplacement is DetectChange for a confirmed full replacement.
func (t *DirtyTracker) DetectReplacement(key, tenantID string, candidate json.RawMessage) Change {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.detectLocked(key, tenantID, candidate, true)
}

// CommitOrSkip applies a detected change. If the state moved since
// detection the change is re-detected first; a change detected for another
// tenant activation is never committed.
func (t *DirtyTracker) CommitOrSkip(change Change) Decision {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.commitLocked(change)
}

func (t *DirtyTracker) shouldPersistLocked(key, tenantID string, candidate json.RawMessage, confirmed bool) Decision {
	return t.commitLocked(t.detectLocked(key, tenantID, candidate, confirmed))
}

func (t *DirtyTracker) detectLocked(key, tenantID string, candidate json.RawMessage, confirmed bool) Change {
	change := Change{
		Key:       key,
		TenantID:  tenantID,
		Candidate: candidate,
		Confirmed: confirmed,
		epoch:     t.c.epoch,
	}
	st, ok := t.c.stateLocked(key, tenantID)
	if !ok {
		change.Reason = ReasonStaleTenant
		return change
	}
	change.version = st.version
	change.Reason = classify(st, candidate, confirmed)
	return change
}

func classify(st *EntitySyncState, candidate json.RawMessage, confirmed bool) Reason {
	switch {
	case st.FromSocket:
		return ReasonFromSocket
	case !st.Loaded:
		return ReasonNotLoaded
	case equalCanonical(st.Snapshot, candidate):
		return ReasonUnchanged
	case confirmed:
		return ReasonConfirmed
	case isEmptyCollection(candidate) && hasItems(st.Snapshot):
		return ReasonEmptyGuard
	default:
		return ReasonChanged
	}
}

func (t *DirtyTracker) commitLocked(change Change) Decision {
	if change.Reason == ReasonStaleTenant || !t.c.isCurrentLocked(change.epoch) {
		return Decision{Reason: ReasonStaleTenant}
	}
	st, ok := t.c.stateLocked(change.Key, change.TenantID)
	if !ok {
		return Decision{Reason: ReasonStaleTenant}
	}
	if st.version != change.version {
		change.Reason = classify(st, change.Candidate, change.Confirmed)
	}

	switch change.Reason {
	case ReasonFromSocket:
		st.FromSocket = false
		st.Snapshot = cloneRaw(change.Candidate)
		st.touch()
		return Decision{Reason: ReasonFromSocket}
	case ReasonEmptyGuard:
		t.logger.Warn("refusing to replace non-empty collection with empty value",
			zap.String("key", change.Key),
			zap.String("tenant_id", change.TenantID),
		)
		return Decision{Reason: ReasonEmptyGuard}
	case ReasonChanged, ReasonConfirmed:
		st.Snapshot = cloneRaw(change.Candidate)
		st.touch()
		return Decision{Persist: true, Reason: change.Reason}
	default:
		return Decision{Reason: change.Reason}
	}
}

// markLoadedLocked records an authoritative value for the active tenant.
func (t *DirtyTracker) markLoadedLocked(st *EntitySyncState, value json.RawMessage) {
	st.Current = cloneRaw(value)
	st.Snapshot = cloneRaw(value)
	st.Loaded = true
	st.Unsaved = false
	st.touch()
}

// Snapshot returns the last value reconciled with the backend.
func (t *DirtyTracker) Snapshot(key, tenantID string) (json.RawMessage, bool) {
	st, ok := t.c.snapshotState(key, tenantID)
	if !ok || !st.Loaded {
		return nil, false
	}
	return st.Snapshot, true
}

func (t *DirtyTracker) IsLoaded(key, tenantID string) bool {
	st, ok := t.c.snapshotState(key, tenantID)
	return ok && st.Loaded
}
