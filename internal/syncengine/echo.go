package syncengine

// SocketEchoSuppressor marks values that arrived from the push channel so the
// DirtyTracker accepts them without writing them back.
type SocketEchoSuppressor struct {
	c *core
}

// MarkFromSocket returns false when tenantID is not the active tenant.
func (s *SocketEchoSuppressor) MarkFromSocket(key, tenantID string) bool {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.markLocked(key, tenantID)
}

func (s *SocketEchoSuppressor) markLocked(key, tenantID string) bool {
	st, ok := s.c.stateLocked(key, tenantID)
	if !ok {
		return false
	}
	st.FromSocket = true
	st.touch()
	return true
}

func (s *SocketEchoSuppressor) IsFromSocket(key, tenantID string) bool {
	st, ok := s.c.snapshotState(key, tenantID)
	return ok && st.FromSocket
}

func (s *SocketEchoSuppressor) Clear(key, tenantID string) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if st, ok := s.c.stateLocked(key, tenantID); ok && st.FromSocket {
		st.FromSocket = false
		st.touch()
	}
}
