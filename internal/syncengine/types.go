package syncengine

import (
	"context"
	"time"

	"github.com/goccy/go-json"
)

// Bundle maps entity keys to their values as returned by a tier load.
type Bundle map[string]json.RawMessage

type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Subdomain string `json:"subdomain"`
}

type TenantRef struct {
	ID        string `json:"id"`
	Subdomain string `json:"subdomain"`
}

// WriteOptions travel with every persistence call. RequestID is echoed back
// by the backend on the push channel so the writer can recognise its own
// change.
type WriteOptions struct {
	RequestID string
}

// DataService is the authoritative backend.
type DataService interface {
	Bootstrap(ctx context.Context, tenantID string) (Bundle, error)
	GetSecondaryData(ctx context.Context, tenantID string) (Bundle, error)
	GetCatalog(ctx context.Context, catalogKey string, def json.RawMessage, tenantID string) (json.RawMessage, error)
	Get(ctx context.Context, key string, def json.RawMessage, tenantID string) (json.RawMessage, error)
	Save(ctx context.Context, key string, value json.RawMessage, tenantID string, opts WriteOptions) error
	SaveImmediate(ctx context.Context, key string, value json.RawMessage, tenantID string, opts WriteOptions) error
	ListTenants(ctx context.Context, forceRefresh bool) ([]Tenant, error)
	ResolveTenantBySubdomain(ctx context.Context, slug string) (*TenantRef, error)
}

// EntityCache is the tenant-scoped local cache used for instant render.
// Every method is best effort; failures are logged, never surfaced.
type EntityCache interface {
	Read(ctx context.Context, tenantID, key string) (json.RawMessage, bool, error)
	Write(ctx context.Context, tenantID, key string, value json.RawMessage) error
	HasTenant(ctx context.Context, tenantID string) (bool, error)
	RememberTenant(ctx context.Context, userID, tenantID string) error
}

// RoomSubscriber is the push channel's room membership.
type RoomSubscriber interface {
	JoinTenantRoom(tenantID string)
	LeaveTenantRoom(tenantID string)
}

type Source string

const (
	SourceCache   Source = "cache"
	SourceLoad    Source = "load"
	SourceRefresh Source = "refresh"
	SourceLocal   Source = "local"
)

// Update describes a value that became visible for a key.
type Update struct {
	Key      string
	TenantID string
	Value    json.RawMessage
	Source   Source
}

// IdleScheduler runs fn once the engine is idle or a fallback delay passed.
type IdleScheduler interface {
	Schedule(ctx context.Context, fn func())
}

// Clock returns the current time.
type Clock func() time.Time
