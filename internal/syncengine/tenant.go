package syncengine

import (
	"go.uber.org/zap"
)

type SwitchState int

const (
	StateIdle SwitchState = iota
	StateSwitching
)

func (s SwitchState) String() string {
	if s == StateSwitching {
		return "switching"
	}
	return "idle"
}

// TenantSwitchCoordinator owns the active tenant. Every switch allocates a
// fresh state arena and bumps the epoch so late results are discarded.
type TenantSwitchCoordinator struct {
	c      *core
	logger *zap.Logger
	// onBegin runs after the new arena is in place, outside the lock.
	onBegin []func(previous, next string)

	state       SwitchState
	adminLoaded bool
}

// Begin activates tenantID and returns its epoch.
func (t *TenantSwitchCoordinator) Begin(tenantID string) Epoch {
	t.c.mu.Lock()
	previous := t.c.arena.tenantID
	t.c.epoch++
	epoch := t.c.epoch
	t.c.arena = newArena(tenantID, epoch)
	t.state = StateSwitching
	t.adminLoaded = false
	t.c.mu.Unlock()

	t.logger.Info("tenant switch started",
		zap.String("previous_tenant_id", previous),
		zap.String("tenant_id", tenantID),
		zap.Uint64("epoch", uint64(epoch)),
	)
	for _, fn := range t.onBegin {
		fn(previous, tenantID)
	}
	return epoch
}

// Settle ends the switch started at epoch. It returns false when a newer
// switch superseded it.
func (t *TenantSwitchCoordinator) Settle(epoch Epoch, err error) bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.c.epoch != epoch {
		return false
	}
	t.state = StateIdle
	if err != nil {
		t.logger.Warn("tenant switch settled with load failure",
			zap.String("tenant_id", t.c.arena.tenantID),
			zap.Error(err),
		)
	}
	return true
}

func (t *TenantSwitchCoordinator) IsCurrent(epoch Epoch) bool {
	return t.c.isCurrent(epoch)
}

// Active returns the active tenant and its epoch.
func (t *TenantSwitchCoordinator) Active() (string, Epoch) {
	return t.c.active()
}

func (t *TenantSwitchCoordinator) State() SwitchState {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.state
}

// claimAdminLoad returns true once per tenant activation.
func (t *TenantSwitchCoordinator) claimAdminLoad(epoch Epoch) bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if !t.c.isCurrentLocked(epoch) || t.adminLoaded {
		return false
	}
	t.adminLoaded = true
	return true
}

func (t *TenantSwitchCoordinator) releaseAdminLoad(epoch Epoch) {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.c.isCurrentLocked(epoch) {
		t.adminLoaded = false
	}
}
