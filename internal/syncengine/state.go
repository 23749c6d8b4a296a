package syncengine

import (
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Epoch identifies one tenant activation. It increases on every switch.
type Epoch uint64

const recentRequestIDs = 8

// EntitySyncState is the synchronization record of one (key, tenant).
type EntitySyncState struct {
	Key      string
	TenantID string
	Current  json.RawMessage
	Snapshot json.RawMessage
	Loaded   bool
	// FromSocket marks the next observed change as an echo of a push
	// refresh. It is consumed by the first persistence check.
	FromSocket    bool
	LastSave      time.Time
	Unsaved       bool
	LastRequestID string

	// requestIDs holds ids of writes issued by this session that have not
	// been echoed back yet.
	requestIDs []string
	version    uint64
}

func (s *EntitySyncState) touch() {
	s.version++
}

func (s *EntitySyncState) rememberRequest(id string) {
	if id == "" {
		return
	}
	s.requestIDs = append(s.requestIDs, id)
	if len(s.requestIDs) > recentRequestIDs {
		s.requestIDs = s.requestIDs[len(s.requestIDs)-recentRequestIDs:]
	}
}

func (s *EntitySyncState) consumeRequest(id string) bool {
	if id == "" {
		return false
	}
	for i, candidate := range s.requestIDs {
		if candidate == id {
			s.requestIDs = append(s.requestIDs[:i], s.requestIDs[i+1:]...)
			return true
		}
	}
	return false
}

// arena owns every EntitySyncState of one tenant activation. A new arena is
// allocated on each switch, so no state crosses tenants.
type arena struct {
	tenantID string
	epoch    Epoch
	states   map[string]*EntitySyncState
}

func newArena(tenantID string, epoch Epoch) *arena {
	return &arena{
		tenantID: tenantID,
		epoch:    epoch,
		states:   map[string]*EntitySyncState{},
	}
}

func (a *arena) state(key string) *EntitySyncState {
	st, ok := a.states[key]
	if !ok {
		st = &EntitySyncState{Key: key, TenantID: a.tenantID}
		a.states[key] = st
	}
	return st
}

func (a *arena) peek(key string) (*EntitySyncState, bool) {
	st, ok := a.states[key]
	return st, ok
}

func (a *arena) loadedKeys() []string {
	out := make([]string, 0, len(a.states))
	for key, st := range a.states {
		if st.Loaded {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// core is the shared, mutex-guarded state behind every engine component.
type core struct {
	mu    sync.Mutex
	now   Clock
	epoch Epoch
	arena *arena
}

func newCore(now Clock) *core {
	if now == nil {
		now = time.Now
	}
	return &core{now: now, arena: newArena("", 0)}
}

// stateLocked returns the state for (key, tenantID) when tenantID is the
// active tenant.
func (c *core) stateLocked(key, tenantID string) (*EntitySyncState, bool) {
	if tenantID == "" || c.arena.tenantID != tenantID {
		return nil, false
	}
	return c.arena.state(key), true
}

func (c *core) isCurrentLocked(epoch Epoch) bool {
	return c.arena.tenantID != "" && c.epoch == epoch
}

func (c *core) isCurrent(epoch Epoch) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isCurrentLocked(epoch)
}

func (c *core) active() (string, Epoch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.arena.tenantID, c.epoch
}

// snapshotState returns a copy of the state record for inspection.
func (c *core) snapshotState(key, tenantID string) (EntitySyncState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tenantID == "" || c.arena.tenantID != tenantID {
		return EntitySyncState{}, false
	}
	st, ok := c.arena.peek(key)
	if !ok {
		return EntitySyncState{}, false
	}
	out := *st
	out.Current = cloneRaw(st.Current)
	out.Snapshot = cloneRaw(st.Snapshot)
	out.requestIDs = append([]string(nil), st.requestIDs...)
	return out, true
}
