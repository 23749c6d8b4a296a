package backend

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/tenantsync/internal/entities"
)

func newTestStore(t *testing.T, backend StateBackend) *Store {
	t.Helper()
	s, err := NewStoreWithOptions(StoreOptions{StateBackend: backend})
	require.NoError(t, err)
	return s
}

func TestCreateTenantValidatesSubdomain(t *testing.T) {
	s := NewStore()

	tenant, err := s.CreateTenant(Tenant{Name: "Shop", Subdomain: " Shop-One "})
	require.NoError(t, err)
	assert.Equal(t, "shop-one", tenant.Subdomain)
	assert.NotEmpty(t, tenant.ID)

	_, err = s.CreateTenant(Tenant{Name: "Other", Subdomain: "shop-one"})
	assert.ErrorIs(t, err, ErrSubdomainTaken)

	_, err = s.CreateTenant(Tenant{Name: "Bad", Subdomain: "-bad-"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	resolved, err := s.ResolveSubdomain("SHOP-ONE")
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, resolved.ID)

	_, err = s.ResolveSubdomain("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListTenantsSorted(t *testing.T) {
	s := NewStore()
	_, err := s.CreateTenant(Tenant{ID: "b", Name: "Beta", Subdomain: "beta"})
	require.NoError(t, err)
	_, err = s.CreateTenant(Tenant{ID: "a", Name: "Alpha", Subdomain: "alpha"})
	require.NoError(t, err)

	tenants := s.ListTenants()
	require.Len(t, tenants, 2)
	assert.Equal(t, "Alpha", tenants[0].Name)
	assert.Equal(t, "Beta", tenants[1].Name)
}

func TestPutAssignsRevisionsAndEmitsChanges(t *testing.T) {
	var events []ChangeEvent
	s, err := NewStoreWithOptions(StoreOptions{OnChange: func(ev ChangeEvent) { events = append(events, ev) }})
	require.NoError(t, err)
	_, err = s.CreateTenant(Tenant{ID: "t1", Name: "Shop", Subdomain: "shop"})
	require.NoError(t, err)

	first, err := s.Put(WriteRequest{TenantID: "t1", Key: entities.ThemeConfig, Value: json.RawMessage(`{"primaryColor":"#000"}`), RequestID: "r1", SessionID: "s1"})
	require.NoError(t, err)
	second, err := s.Put(WriteRequest{TenantID: "t1", Key: entities.ThemeConfig, Value: json.RawMessage(`{"primaryColor":"#111"}`), IfMatch: first.Revision})
	require.NoError(t, err)
	assert.NotEqual(t, first.Revision, second.Revision)

	_, err = s.Put(WriteRequest{TenantID: "t1", Key: entities.ThemeConfig, Value: json.RawMessage(`{}`), IfMatch: first.Revision})
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, second.Revision, conflict.CurrentRevision)
	assert.ErrorIs(t, err, ErrRevisionConflict)

	require.Len(t, events, 2)
	assert.Equal(t, ChangeEvent{TenantID: "t1", Key: entities.ThemeConfig, Revision: first.Revision, RequestID: "r1", SessionID: "s1"}, events[0])

	entity, err := s.Get("t1", entities.ThemeConfig)
	require.NoError(t, err)
	assert.JSONEq(t, `{"primaryColor":"#111"}`, string(entity.Value))
}

func TestPutRejectsBadInput(t *testing.T) {
	s := NewStore()
	_, err := s.CreateTenant(Tenant{ID: "t1", Name: "Shop", Subdomain: "shop"})
	require.NoError(t, err)

	_, err = s.Put(WriteRequest{TenantID: "t1", Key: "nope", Value: json.RawMessage(`1`)})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = s.Put(WriteRequest{TenantID: "t1", Key: entities.Products, Value: json.RawMessage(`[`)})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = s.Put(WriteRequest{TenantID: "t2", Key: entities.Products, Value: json.RawMessage(`[]`)})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBundleFillsDefaultsExceptCatalogs(t *testing.T) {
	s := NewStore()
	_, err := s.CreateTenant(Tenant{ID: "t1", Name: "Shop", Subdomain: "shop"})
	require.NoError(t, err)
	_, err = s.Put(WriteRequest{TenantID: "t1", Key: entities.Products, Value: json.RawMessage(`[{"id":"p1"}]`)})
	require.NoError(t, err)
	_, err = s.Put(WriteRequest{TenantID: "t1", Key: entities.Brands, Value: json.RawMessage(`["acme"]`)})
	require.NoError(t, err)

	bootstrap, err := s.Bundle("t1", entities.TierBootstrap)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"p1"}]`, string(bootstrap[entities.Products]))
	assert.JSONEq(t, `{"primaryColor":"#22c55e"}`, string(bootstrap[entities.ThemeConfig]))

	secondary, err := s.Bundle("t1", entities.TierSecondary)
	require.NoError(t, err)
	assert.JSONEq(t, `["acme"]`, string(secondary[entities.Brands]))
	_, hasCategories := secondary[entities.Categories]
	assert.False(t, hasCategories)
	assert.JSONEq(t, `[]`, string(secondary[entities.Orders]))

	_, err = s.Bundle("t9", entities.TierBootstrap)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStateSurvivesReload(t *testing.T) {
	backends := map[string]StateBackend{
		"memory": NewInMemoryStateBackend(),
		"file":   NewJSONFileStateBackend(filepath.Join(t.TempDir(), "state", "store.json")),
	}
	if dsn := os.Getenv("TENANTSYNC_TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := NewPostgresStateBackend(dsn)
		require.NoError(t, err)
		backends["postgres"] = pg
	}
	for name, backend := range backends {
		backend := backend
		t.Run(name, func(t *testing.T) {
			s := newTestStore(t, backend)
			_, err := s.CreateTenant(Tenant{ID: "t-" + name, Name: "Shop", Subdomain: "shop-" + name})
			require.NoError(t, err)
			first, err := s.Put(WriteRequest{TenantID: "t-" + name, Key: entities.Logo, Value: json.RawMessage(`"logo.png"`)})
			require.NoError(t, err)

			reloaded := newTestStore(t, backend)
			entity, err := reloaded.Get("t-"+name, entities.Logo)
			require.NoError(t, err)
			assert.Equal(t, `"logo.png"`, string(entity.Value))

			tenant, err := reloaded.ResolveSubdomain("shop-" + name)
			require.NoError(t, err)
			assert.Equal(t, "t-"+name, tenant.ID)

			next, err := reloaded.Put(WriteRequest{TenantID: "t-" + name, Key: entities.Logo, Value: json.RawMessage(`"b.png"`)})
			require.NoError(t, err)
			assert.NotEqual(t, first.Revision, next.Revision)
		})
	}
}

func TestBuildStateBackendFromDSN(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("")
	require.NoError(t, err)
	assert.Nil(t, backend)

	backend, err = BuildStateBackendFromDSN("memory://")
	require.NoError(t, err)
	assert.IsType(t, &InMemoryStateBackend{}, backend)

	path := filepath.Join(t.TempDir(), "state.json")
	backend, err = BuildStateBackendFromDSN("file://" + path)
	require.NoError(t, err)
	assert.Equal(t, path, backend.(*JSONFileStateBackend).Path)

	backend, err = BuildStateBackendFromDSN("postgres://localhost/tenantsync?sslmode=disable")
	require.NoError(t, err)
	assert.IsType(t, &PostgresStateBackend{}, backend)

	_, err = BuildStateBackendFromDSN("sqlite://x")
	assert.ErrorIs(t, err, ErrNotImplemented)

	RegisterStateBackendFactory("teststate", func(dsn string) (StateBackend, error) {
		return NewInMemoryStateBackend(), nil
	})
	backend, err = BuildStateBackendFromDSN("teststate://anything")
	require.NoError(t, err)
	assert.NotNil(t, backend)
}
