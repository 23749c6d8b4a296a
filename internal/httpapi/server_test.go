package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/tenantsync/internal/backend"
	"github.com/agentworkforce/tenantsync/internal/push"
	"github.com/agentworkforce/tenantsync/internal/syncengine"
)

var allScopes = []string{ScopeDataRead, ScopeDataWrite, ScopeTenantsRead, ScopeTenantsAdmin}

type request struct {
	method  string
	path    string
	token   string
	headers map[string]string
	body    any
}

func doRequest(t *testing.T, handler http.Handler, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if req.body != nil {
		data, err := json.Marshal(req.body)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	r := httptest.NewRequest(req.method, req.path, body)
	if req.token != "" {
		r.Header.Set("Authorization", "Bearer "+req.token)
	}
	r.Header.Set("X-Correlation-Id", "corr_test")
	for k, v := range req.headers {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	return rec
}

func mustToken(t *testing.T, tenants, scopes []string) string {
	t.Helper()
	token, err := IssueToken("dev-secret", "user-1", tenants, scopes, time.Hour)
	require.NoError(t, err)
	return token
}

func newTestServer(t *testing.T) (*Server, *backend.Store) {
	t.Helper()
	store := backend.NewStore()
	_, err := store.CreateTenant(backend.Tenant{ID: "t1", Name: "Shop One", Subdomain: "shop-one"})
	require.NoError(t, err)
	_, err = store.CreateTenant(backend.Tenant{ID: "t2", Name: "Shop Two", Subdomain: "shop-two"})
	require.NoError(t, err)
	return NewServer(store, nil), store
}

func TestAuthRequired(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/tenants/t1/bootstrap"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRejectsBadTokens(t *testing.T) {
	server, _ := newTestServer(t)

	expired, err := IssueToken("dev-secret", "user-1", []string{"*"}, allScopes, -time.Minute)
	require.NoError(t, err)
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/tenants", token: expired})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "token expired")

	wrongKey, err := IssueToken("other-secret", "user-1", []string{"*"}, allScopes, time.Hour)
	require.NoError(t, err)
	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/tenants", token: wrongKey})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/tenants/t1/bootstrap", token: mustToken(t, []string{"t2"}, allScopes)})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, server, request{method: http.MethodPut, path: "/v1/tenants/t1/entities/logo", token: mustToken(t, []string{"t1"}, []string{ScopeDataRead}), body: map[string]any{"value": "x"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing required scope: data:write")
}

func TestRequiresCorrelationID(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/tenants",
		token:   mustToken(t, []string{"*"}, allScopes),
		headers: map[string]string{"X-Correlation-Id": ""},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTenantsFiltersByGrant(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/tenants", token: mustToken(t, []string{"t2"}, allScopes)})
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Tenants []backend.Tenant `json:"tenants"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Tenants, 1)
	assert.Equal(t, "t2", out.Tenants[0].ID)
}

func TestCreateAndResolveTenant(t *testing.T) {
	server, _ := newTestServer(t)
	admin := mustToken(t, []string{"*"}, allScopes)

	rec := doRequest(t, server, request{method: http.MethodPost, path: "/v1/tenants", token: admin, body: map[string]any{"id": "t3", "name": "Three", "subdomain": "three"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doRequest(t, server, request{method: http.MethodPost, path: "/v1/tenants", token: admin, body: map[string]any{"name": "Dup", "subdomain": "three"}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, server, request{method: http.MethodPost, path: "/v1/tenants", token: mustToken(t, []string{"*"}, []string{ScopeTenantsRead}), body: map[string]any{"name": "X", "subdomain": "x"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/tenants/resolve?subdomain=three", token: admin})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"t3","subdomain":"three"}`, rec.Body.String())

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/tenants/resolve?subdomain=three", token: mustToken(t, []string{"t1"}, allScopes)})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEntityLifecycle(t *testing.T) {
	server, _ := newTestServer(t)
	token := mustToken(t, []string{"t1"}, allScopes)

	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/tenants/t1/entities/logo", token: token})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/v1/tenants/t1/entities/logo",
		token:   token,
		headers: map[string]string{"X-Request-Id": "req-1", "If-Match": `"0"`},
		body:    map[string]any{"value": "logo.png", "mode": "immediate"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result backend.WriteResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))

	rec = doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/v1/tenants/t1/entities/logo",
		token:   token,
		headers: map[string]string{"If-Match": "rev_stale"},
		body:    map[string]any{"value": "other.png"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), result.Revision)

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/tenants/t1/entities/logo", token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	var entity backend.Entity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entity))
	assert.Equal(t, `"logo.png"`, string(entity.Value))
	assert.Equal(t, "req-1", entity.RequestID)

	rec = doRequest(t, server, request{method: http.MethodPut, path: "/v1/tenants/t1/entities/unknown", token: token, body: map[string]any{"value": 1}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCatalogRouteOnlyServesCatalogEntities(t *testing.T) {
	server, store := newTestServer(t)
	token := mustToken(t, []string{"t1"}, allScopes)
	_, err := store.Put(backend.WriteRequest{TenantID: "t1", Key: "brands", Value: json.RawMessage(`["acme"]`)})
	require.NoError(t, err)

	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/tenants/t1/catalog/brands", token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "acme")

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/tenants/t1/catalog/products", token: token})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBootstrapBundle(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/tenants/t1/bootstrap", token: mustToken(t, []string{"t1"}, allScopes)})
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		TenantID string                     `json:"tenantId"`
		Entities map[string]json.RawMessage `json:"entities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "t1", out.TenantID)
	assert.Contains(t, out.Entities, "products")
	assert.Contains(t, out.Entities, "theme_config")
}

func TestRateLimit(t *testing.T) {
	store := backend.NewStore()
	server := NewServerWithConfig(store, nil, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	token := mustToken(t, []string{"*"}, allScopes)

	for i := 0; i < 2; i++ {
		rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/tenants", token: token})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/tenants", token: token})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestBodyLimit(t *testing.T) {
	store := backend.NewStore()
	_, err := store.CreateTenant(backend.Tenant{ID: "t1", Name: "Shop", Subdomain: "shop"})
	require.NoError(t, err)
	server := NewServerWithConfig(store, nil, ServerConfig{MaxBodyBytes: 16})
	rec := doRequest(t, server, request{
		method: http.MethodPut,
		path:   "/v1/tenants/t1/entities/logo",
		token:  mustToken(t, []string{"t1"}, allScopes),
		body:   map[string]any{"value": "a-very-long-logo-file-name.png"},
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestWritesBroadcastToHub(t *testing.T) {
	store := backend.NewStore()
	_, err := store.CreateTenant(backend.Tenant{ID: "t1", Name: "Shop", Subdomain: "shop"})
	require.NoError(t, err)
	hub := push.NewHub(nil, nil)
	server := NewServer(store, hub)
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	token := mustToken(t, []string{"t1"}, allScopes)
	events := make(chan push.Message, 8)
	client := push.NewClient(push.ClientOptions{
		URL:       "ws" + httpServer.URL[len("http"):] + "/v1/push",
		Token:     token,
		JoinDelay: -1,
		OnEvent: func(ev syncengine.RefreshEvent) {
			events <- push.Message{Key: ev.Key, TenantID: ev.TenantID, RequestID: ev.RequestID}
		},
	})
	runPushClient(t, client)
	client.JoinTenantRoom("t1")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		rec := doRequest(t, server, request{
			method:  http.MethodPut,
			path:    "/v1/tenants/t1/entities/orders",
			token:   token,
			headers: map[string]string{"X-Request-Id": "req-9"},
			body:    map[string]any{"value": []any{}},
		})
		if rec.Code != http.StatusOK {
			return false
		}
		select {
		case msg := <-events:
			return msg.Key == "orders" && msg.RequestID == "req-9"
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPushRequiresAuth(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/push"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
