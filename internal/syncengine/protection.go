package syncengine

import (
	"bytes"
	"time"

	"github.com/goccy/go-json"
)

const defaultProtectionWindow = 3 * time.Second

// SaveProtectionWindow keeps refreshes from clobbering a value that was just
// written or is being edited.
type SaveProtectionWindow struct {
	c      *core
	window time.Duration
}

// RecordSave records a successful write. The unsaved flag is cleared only
// when the written value is still the current one.
func (p *SaveProtectionWindow) RecordSave(key, tenantID, requestID string) {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	p.recordSaveLocked(key, tenantID, requestID, nil)
}

func (p *SaveProtectionWindow) recordSaveLocked(key, tenantID, requestID string, written json.RawMessage) {
	st, ok := p.c.stateLocked(key, tenantID)
	if !ok {
		return
	}
	st.LastSave = p.c.now()
	if requestID != "" {
		st.LastRequestID = requestID
	}
	if written == nil || bytes.Equal(st.Current, written) {
		st.Unsaved = false
	}
}

// rememberPendingLocked registers a request id before the write goes out so
// an echo racing the response is still recognised.
func (p *SaveProtectionWindow) rememberPendingLocked(key, tenantID, requestID string) {
	if st, ok := p.c.stateLocked(key, tenantID); ok {
		st.rememberRequest(requestID)
	}
}

func (p *SaveProtectionWindow) IsProtected(key, tenantID string) bool {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.isProtectedLocked(key, tenantID)
}

func (p *SaveProtectionWindow) isProtectedLocked(key, tenantID string) bool {
	st, ok := p.c.stateLocked(key, tenantID)
	if !ok || st.LastSave.IsZero() {
		return false
	}
	return p.c.now().Sub(st.LastSave) < p.window
}

// HasUnsavedChanges reports local edits not yet persisted, or a save that is
// still inside its protection window.
func (p *SaveProtectionWindow) HasUnsavedChanges(key, tenantID string) bool {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.hasUnsavedLocked(key, tenantID)
}

func (p *SaveProtectionWindow) hasUnsavedLocked(key, tenantID string) bool {
	st, ok := p.c.stateLocked(key, tenantID)
	if !ok {
		return false
	}
	return st.Unsaved || p.isProtectedLocked(key, tenantID)
}

// IsOwnEcho reports whether requestID belongs to a write of this session.
// A matching id is consumed.
func (p *SaveProtectionWindow) IsOwnEcho(key, tenantID, requestID string) bool {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.isOwnEchoLocked(key, tenantID, requestID)
}

func (p *SaveProtectionWindow) isOwnEchoLocked(key, tenantID, requestID string) bool {
	st, ok := p.c.stateLocked(key, tenantID)
	if !ok {
		return false
	}
	return st.consumeRequest(requestID)
}
