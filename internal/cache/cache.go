// Package cache is the tenant-scoped local cache used to render a tenant
// before the backend answers. It is best effort and never authoritative.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/agentworkforce/tenantsync/internal/metrics"
)

const defaultUserKey = "default"

// ManifestEntry describes one cached entity of a tenant.
type ManifestEntry struct {
	UpdatedAt time.Time `json:"updatedAt"`
	Size      int       `json:"size"`
}

// Manifest lists what is cached for a tenant. A tenant without a manifest
// has never been cached on this host.
type Manifest struct {
	TenantID  string                   `json:"tenantId"`
	Entries   map[string]ManifestEntry `json:"entries"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

// Session remembers the last active tenant of a user.
type Session struct {
	UserID         string    `json:"userId"`
	ActiveTenantID string    `json:"activeTenantId"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Cache struct {
	backend Backend
	name    string
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// mu serializes manifest read-modify-write cycles.
	mu sync.Mutex
	// written remembers keys this process wrote so the watcher can ignore
	// its own changes.
	written map[string]time.Time
}

func New(backend Backend, name string, logger *zap.Logger, m *metrics.Metrics) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		backend: backend,
		name:    name,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		written: map[string]time.Time{},
	}
}

// Open builds the backend named by dsn and wraps it.
func Open(dsn string, logger *zap.Logger, m *metrics.Metrics) (*Cache, error) {
	backend, name, err := BuildBackendFromDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache %q: %w", dsn, err)
	}
	return New(backend, name, logger, m), nil
}

func (c *Cache) Backend() Backend {
	return c.backend
}

func entityKey(tenantID, key string) string {
	return "tenants/" + tenantID + "/entities/" + key
}

func manifestKey(tenantID string) string {
	return "tenants/" + tenantID + "/manifest"
}

func sessionKey(userID string) string {
	if strings.TrimSpace(userID) == "" {
		userID = defaultUserKey
	}
	return "sessions/" + userID
}

// parseEntityKey splits a backend key into tenant and entity key.
func parseEntityKey(key string) (tenantID, entity string, ok bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[0] != "tenants" || parts[2] != "entities" {
		return "", "", false
	}
	return parts[1], parts[3], true
}

func validIDs(ids ...string) error {
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || strings.Contains(id, "/") {
			return ErrInvalidInput
		}
	}
	return nil
}

func (c *Cache) Read(ctx context.Context, tenantID, key string) (json.RawMessage, bool, error) {
	if err := validIDs(tenantID, key); err != nil {
		return nil, false, err
	}
	value, ok, err := c.backend.Get(ctx, entityKey(tenantID, key))
	c.metrics.ObserveCacheOp(c.name, "read", err)
	if err != nil || !ok {
		return nil, false, err
	}
	return json.RawMessage(value), true, nil
}

// Write stores value and records it in the tenant manifest.
func (c *Cache) Write(ctx context.Context, tenantID, key string, value json.RawMessage) error {
	if err := validIDs(tenantID, key); err != nil {
		return err
	}
	k := entityKey(tenantID, key)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written[k] = c.now()

	err := c.backend.Put(ctx, k, value)
	c.metrics.ObserveCacheOp(c.name, "write", err)
	if err != nil {
		return err
	}

	manifest, err := c.manifestLocked(ctx, tenantID)
	if err != nil {
		return err
	}
	if manifest == nil {
		manifest = &Manifest{TenantID: tenantID, Entries: map[string]ManifestEntry{}}
	}
	now := c.now().UTC()
	manifest.Entries[key] = ManifestEntry{UpdatedAt: now, Size: len(value)}
	manifest.UpdatedAt = now
	return c.putJSONLocked(ctx, manifestKey(tenantID), manifest)
}

func (c *Cache) putJSONLocked(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.written[key] = c.now()
	return c.backend.Put(ctx, key, data)
}

func (c *Cache) Manifest(ctx context.Context, tenantID string) (*Manifest, error) {
	if err := validIDs(tenantID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manifestLocked(ctx, tenantID)
}

func (c *Cache) manifestLocked(ctx context.Context, tenantID string) (*Manifest, error) {
	data, ok, err := c.backend.Get(ctx, manifestKey(tenantID))
	if err != nil || !ok {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		c.logger.Warn("discarding corrupt cache manifest", zap.String("tenant_id", tenantID), zap.Error(err))
		return nil, nil
	}
	if manifest.Entries == nil {
		manifest.Entries = map[string]ManifestEntry{}
	}
	return &manifest, nil
}

// HasTenant reports whether anything is cached for tenantID.
func (c *Cache) HasTenant(ctx context.Context, tenantID string) (bool, error) {
	manifest, err := c.Manifest(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return manifest != nil && len(manifest.Entries) > 0, nil
}

// ClearTenant removes every cached entity and the manifest of tenantID.
func (c *Cache) ClearTenant(ctx context.Context, tenantID string) error {
	if err := validIDs(tenantID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	keys, err := c.backend.Keys(ctx, "tenants/"+tenantID+"/")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := c.backend.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) RememberTenant(ctx context.Context, userID, tenantID string) error {
	if err := validIDs(tenantID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.putJSONLocked(ctx, sessionKey(userID), Session{
		UserID:         userID,
		ActiveTenantID: tenantID,
		UpdatedAt:      c.now().UTC(),
	})
	c.metrics.ObserveCacheOp(c.name, "session", err)
	return err
}

// Session returns the remembered session of userID, or nil.
func (c *Cache) Session(ctx context.Context, userID string) (*Session, error) {
	data, ok, err := c.backend.Get(ctx, sessionKey(userID))
	if err != nil || !ok {
		return nil, err
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, nil
	}
	return &session, nil
}

// wroteRecently reports whether this process wrote key within window.
func (c *Cache) wroteRecently(key string, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.written[key]
	if !ok {
		return false
	}
	if c.now().Sub(at) > window {
		delete(c.written, key)
		return false
	}
	return true
}

func (c *Cache) Close() error {
	return c.backend.Close()
}
