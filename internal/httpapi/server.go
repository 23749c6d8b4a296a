package httpapi

import (
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/agentworkforce/tenantsync/internal/backend"
	"github.com/agentworkforce/tenantsync/internal/entities"
	"github.com/agentworkforce/tenantsync/internal/metrics"
	"github.com/agentworkforce/tenantsync/internal/push"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

type Server struct {
	store       *backend.Store
	hub         *push.Hub
	cfg         ServerConfig
	logger      *zap.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *backend.Store, hub *push.Hub) *Server {
	return NewServerWithConfig(store, hub, ServerConfig{})
}

// NewServerWithConfig wires store changes into hub broadcasts.
func NewServerWithConfig(store *backend.Store, hub *push.Hub, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if hub == nil {
		hub = push.NewHub(cfg.Logger, cfg.Metrics)
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	store.SetOnChange(func(ev backend.ChangeEvent) {
		hub.Broadcast(push.Message{
			Type:      push.TypeDataRefresh,
			TenantID:  ev.TenantID,
			Key:       ev.Key,
			RequestID: ev.RequestID,
			SessionID: ev.SessionID,
		})
	})
	return &Server{
		store:       store,
		hub:         hub,
		cfg:         cfg,
		logger:      cfg.Logger,
		rateLimiter: limiter,
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v1/push" && r.Method == http.MethodGet {
		// The websocket upgrade needs the unwrapped writer.
		s.handlePush(w, r)
		return
	}
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	route := s.serve(rec, r)
	s.cfg.Metrics.ObserveHTTPRequest(route, strconv.Itoa(rec.status))
}

func splitPath(r *http.Request) []string {
	raw := strings.Split(strings.Trim(r.URL.EscapedPath(), "/"), "/")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		decoded, err := url.PathUnescape(part)
		if err != nil {
			decoded = part
		}
		parts = append(parts, decoded)
	}
	return parts
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) string {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pushClients": s.hub.Clients()})
		return "health"
	}

	parts := splitPath(r)
	if len(parts) < 2 || parts[0] != "v1" || parts[1] != "tenants" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return "not_found"
	}

	var (
		tenantID      string
		requiredScope string
		route         string
	)
	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		requiredScope, route = ScopeTenantsRead, "list_tenants"
	case len(parts) == 2 && r.Method == http.MethodPost:
		requiredScope, route = ScopeTenantsAdmin, "create_tenant"
	case len(parts) == 3 && parts[2] == "resolve" && r.Method == http.MethodGet:
		requiredScope, route = ScopeTenantsRead, "resolve_tenant"
	case len(parts) == 4 && parts[3] == "bootstrap" && r.Method == http.MethodGet:
		tenantID, requiredScope, route = parts[2], ScopeDataRead, "bootstrap"
	case len(parts) == 4 && parts[3] == "secondary" && r.Method == http.MethodGet:
		tenantID, requiredScope, route = parts[2], ScopeDataRead, "secondary"
	case len(parts) == 5 && parts[3] == "entities" && r.Method == http.MethodGet:
		tenantID, requiredScope, route = parts[2], ScopeDataRead, "get_entity"
	case len(parts) == 5 && parts[3] == "catalog" && r.Method == http.MethodGet:
		tenantID, requiredScope, route = parts[2], ScopeDataRead, "get_catalog"
	case len(parts) == 5 && parts[3] == "entities" && r.Method == http.MethodPut:
		tenantID, requiredScope, route = parts[2], ScopeDataWrite, "put_entity"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return "not_found"
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, tenantID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return route
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return route
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return route
	}

	switch route {
	case "list_tenants":
		s.handleListTenants(w, claims)
	case "create_tenant":
		s.handleCreateTenant(w, r, correlationID)
	case "resolve_tenant":
		s.handleResolveTenant(w, r, claims, correlationID)
	case "bootstrap":
		s.handleBundle(w, tenantID, entities.TierBootstrap, correlationID)
	case "secondary":
		s.handleBundle(w, tenantID, entities.TierSecondary, correlationID)
	case "get_entity":
		s.handleGetEntity(w, tenantID, parts[4], false, correlationID)
	case "get_catalog":
		s.handleGetEntity(w, tenantID, parts[4], true, correlationID)
	case "put_entity":
		s.handlePutEntity(w, r, tenantID, parts[4], correlationID)
	}
	return route
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, "", ScopeDataRead, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		s.cfg.Metrics.ObserveHTTPRequest("push", strconv.Itoa(authErr.status))
		return
	}
	s.cfg.Metrics.ObserveHTTPRequest("push", strconv.Itoa(http.StatusSwitchingProtocols))
	s.hub.Serve(w, r, claims.canAccess)
}

func (s *Server) handleListTenants(w http.ResponseWriter, claims *tokenClaims) {
	all := s.store.ListTenants()
	visible := make([]backend.Tenant, 0, len(all))
	for _, tenant := range all {
		if claims.canAccess(tenant.ID) {
			visible = append(visible, tenant)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": visible})
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req backend.Tenant
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	tenant, err := s.store.CreateTenant(req)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.logger.Info("tenant created",
		zap.String("tenant_id", tenant.ID),
		zap.String("subdomain", tenant.Subdomain),
		zap.String("correlation_id", correlationID),
	)
	writeJSON(w, http.StatusCreated, tenant)
}

func (s *Server) handleResolveTenant(w http.ResponseWriter, r *http.Request, claims *tokenClaims, correlationID string) {
	slug := strings.TrimSpace(r.URL.Query().Get("subdomain"))
	if slug == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing subdomain query parameter", correlationID)
		return
	}
	tenant, err := s.store.ResolveSubdomain(slug)
	if err == nil && !claims.canAccess(tenant.ID) {
		// Unknown and inaccessible tenants look the same.
		err = backend.ErrNotFound
	}
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": tenant.ID, "subdomain": tenant.Subdomain})
}

func (s *Server) handleBundle(w http.ResponseWriter, tenantID string, tier entities.Tier, correlationID string) {
	bundle, err := s.store.Bundle(tenantID, tier)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenantId": tenantID, "entities": bundle})
}

func (s *Server) handleGetEntity(w http.ResponseWriter, tenantID, key string, catalog bool, correlationID string) {
	spec, ok := s.store.Registry().Lookup(key)
	if !ok || spec.Catalog != catalog {
		writeError(w, http.StatusNotFound, "not_found", "unknown entity", correlationID)
		return
	}
	entity, err := s.store.Get(tenantID, key)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (s *Server) handlePutEntity(w http.ResponseWriter, r *http.Request, tenantID, key, correlationID string) {
	var req struct {
		Value     json.RawMessage `json:"value"`
		Mode      string          `json:"mode"`
		RequestID string          `json:"requestId"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = req.RequestID
	}
	result, err := s.store.Put(backend.WriteRequest{
		TenantID:      tenantID,
		Key:           key,
		Value:         req.Value,
		RequestID:     requestID,
		SessionID:     r.Header.Get("X-Session-Id"),
		IfMatch:       normalizeIfMatchHeader(r.Header.Get("If-Match")),
		CorrelationID: correlationID,
	})
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.logger.Debug("entity written",
		zap.String("tenant_id", tenantID),
		zap.String("key", key),
		zap.String("mode", req.Mode),
		zap.String("revision", result.Revision),
		zap.String("request_id", requestID),
	)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *backend.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":             "revision_conflict",
			"message":          "revision conflict",
			"correlationId":    correlationID,
			"expectedRevision": conflict.ExpectedRevision,
			"currentRevision":  conflict.CurrentRevision,
		})
	case errors.Is(err, backend.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found", correlationID)
	case errors.Is(err, backend.ErrSubdomainTaken):
		writeError(w, http.StatusConflict, "subdomain_taken", "subdomain already in use", correlationID)
	case errors.Is(err, backend.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		s.logger.Error("store operation failed", zap.String("correlation_id", correlationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{count: 1, resetAt: now.Add(r.window)}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func normalizeIfMatchHeader(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "W/")
	return strings.Trim(value, `"`)
}
