package syncengine

import (
	"errors"
	"fmt"

	"github.com/agentworkforce/tenantsync/internal/entities"
)

var (
	ErrStaleApply        = errors.New("tenant changed before result could be applied")
	ErrTenantNotResolved = errors.New("tenant could not be resolved")
	ErrInvalidValue      = errors.New("invalid entity value")
	ErrUnknownEntity     = errors.New("unknown entity key")
	ErrNoActiveTenant    = errors.New("no active tenant")
	ErrClosed            = errors.New("engine closed")
)

// LoadFailure reports that a tier load failed. Entities of that tier stay
// unloaded and are therefore never persisted.
type LoadFailure struct {
	Tier     entities.Tier
	TenantID string
	Err      error
}

func (e *LoadFailure) Error() string {
	return fmt.Sprintf("%s load for tenant %s failed: %v", e.Tier, e.TenantID, e.Err)
}

func (e *LoadFailure) Unwrap() error {
	return e.Err
}

type WriteFailure struct {
	Key       string
	TenantID  string
	RequestID string
	Err       error
}

func (e *WriteFailure) Error() string {
	return fmt.Sprintf("write %s for tenant %s failed: %v", e.Key, e.TenantID, e.Err)
}

func (e *WriteFailure) Unwrap() error {
	return e.Err
}

type TenantResolutionFailure struct {
	Slug string
	Err  error
}

func (e *TenantResolutionFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve tenant %q: %v", e.Slug, e.Err)
	}
	return fmt.Sprintf("resolve tenant %q: not found", e.Slug)
}

func (e *TenantResolutionFailure) Unwrap() error {
	return e.Err
}

func (e *TenantResolutionFailure) Is(target error) bool {
	return target == ErrTenantNotResolved
}

// StaleApply is returned when a load or refresh completed after the active
// tenant changed. It is informational; the result has been discarded.
type StaleApply struct {
	Key      string
	TenantID string
}

func (e *StaleApply) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("discarded result for tenant %s: %v", e.TenantID, ErrStaleApply)
	}
	return fmt.Sprintf("discarded %s for tenant %s: %v", e.Key, e.TenantID, ErrStaleApply)
}

func (e *StaleApply) Is(target error) bool {
	return target == ErrStaleApply
}
