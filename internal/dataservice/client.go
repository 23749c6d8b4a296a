// Package dataservice is the HTTP client of the tenantsync backend API.
package dataservice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/agentworkforce/tenantsync/internal/syncengine"
)

var ErrNotFound = errors.New("not found")

type HTTPError struct {
	StatusCode    int
	Code          string
	Message       string
	CorrelationID string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

type ClientOptions struct {
	// SessionID identifies this client session to the backend; push events
	// carry it back. Generated when empty.
	SessionID  string
	TenantsTTL time.Duration
	MaxRetries int
	Logger     *zap.Logger
}

// Client implements syncengine.DataService over HTTP.
type Client struct {
	baseURL    string
	token      string
	sessionID  string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	tenantsTTL time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu        sync.Mutex
	tenants   []syncengine.Tenant
	tenantsAt time.Time
}

var _ syncengine.DataService = (*Client)(nil)

func NewClient(baseURL, token string, httpClient *http.Client, opts ClientOptions) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.TenantsTTL <= 0 {
		opts.TenantsTTL = 5 * time.Minute
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		sessionID:  opts.SessionID,
		httpClient: httpClient,
		maxRetries: opts.MaxRetries,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
		tenantsTTL: opts.TenantsTTL,
		logger:     opts.Logger,
		now:        time.Now,
	}
}

func (c *Client) SessionID() string {
	return c.sessionID
}

type bundleResponse struct {
	TenantID string             `json:"tenantId"`
	Entities syncengine.Bundle `json:"entities"`
}

type entityResponse struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	Revision int64           `json:"revision"`
}

type writeRequest struct {
	Value json.RawMessage `json:"value"`
	Mode  string          `json:"mode"`
}

func tenantPath(tenantID string, parts ...string) string {
	var b strings.Builder
	b.WriteString("/v1/tenants/")
	b.WriteString(url.PathEscape(tenantID))
	for _, part := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(part))
	}
	return b.String()
}

func (c *Client) Bootstrap(ctx context.Context, tenantID string) (syncengine.Bundle, error) {
	var out bundleResponse
	if err := c.doJSON(ctx, http.MethodGet, tenantPath(tenantID, "bootstrap"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Entities, nil
}

func (c *Client) GetSecondaryData(ctx context.Context, tenantID string) (syncengine.Bundle, error) {
	var out bundleResponse
	if err := c.doJSON(ctx, http.MethodGet, tenantPath(tenantID, "secondary"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Entities, nil
}

func (c *Client) GetCatalog(ctx context.Context, catalogKey string, def json.RawMessage, tenantID string) (json.RawMessage, error) {
	return c.getEntity(ctx, tenantPath(tenantID, "catalog", catalogKey), def)
}

func (c *Client) Get(ctx context.Context, key string, def json.RawMessage, tenantID string) (json.RawMessage, error) {
	return c.getEntity(ctx, tenantPath(tenantID, "entities", key), def)
}

// getEntity returns def when the backend has no value for the entity.
func (c *Client) getEntity(ctx context.Context, path string, def json.RawMessage) (json.RawMessage, error) {
	var out entityResponse
	err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return nil, err
	}
	if len(out.Value) == 0 {
		return def, nil
	}
	return out.Value, nil
}

func (c *Client) Save(ctx context.Context, key string, value json.RawMessage, tenantID string, opts syncengine.WriteOptions) error {
	return c.put(ctx, key, value, tenantID, opts, "debounced")
}

func (c *Client) SaveImmediate(ctx context.Context, key string, value json.RawMessage, tenantID string, opts syncengine.WriteOptions) error {
	return c.put(ctx, key, value, tenantID, opts, "immediate")
}

func (c *Client) put(ctx context.Context, key string, value json.RawMessage, tenantID string, opts syncengine.WriteOptions, mode string) error {
	headers := map[string]string{}
	if opts.RequestID != "" {
		headers["X-Request-Id"] = opts.RequestID
	}
	// Writes are sent once; a replayed PUT could commit twice.
	return c.do(ctx, 0, http.MethodPut, tenantPath(tenantID, "entities", key), headers, writeRequest{Value: value, Mode: mode}, nil)
}

// ListTenants returns the tenants of the session, memoized for the TTL.
func (c *Client) ListTenants(ctx context.Context, forceRefresh bool) ([]syncengine.Tenant, error) {
	c.mu.Lock()
	if !forceRefresh && c.tenants != nil && c.now().Sub(c.tenantsAt) < c.tenantsTTL {
		out := append([]syncengine.Tenant(nil), c.tenants...)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	var out struct {
		Tenants []syncengine.Tenant `json:"tenants"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/tenants", nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Tenants == nil {
		out.Tenants = []syncengine.Tenant{}
	}

	c.mu.Lock()
	c.tenants = out.Tenants
	c.tenantsAt = c.now()
	c.mu.Unlock()
	return append([]syncengine.Tenant(nil), out.Tenants...), nil
}

// ResolveTenantBySubdomain returns nil when no tenant owns slug.
func (c *Client) ResolveTenantBySubdomain(ctx context.Context, slug string) (*syncengine.TenantRef, error) {
	q := url.Values{}
	q.Set("subdomain", slug)
	var out syncengine.TenantRef
	err := c.doJSON(ctx, http.MethodGet, "/v1/tenants/resolve?"+q.Encode(), nil, nil, &out)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateTenant registers a tenant. It requires the tenants:admin scope.
func (c *Client) CreateTenant(ctx context.Context, tenant syncengine.Tenant) (syncengine.Tenant, error) {
	var out syncengine.Tenant
	err := c.doJSON(ctx, http.MethodPost, "/v1/tenants", nil, tenant, &out)
	if err == nil {
		c.mu.Lock()
		c.tenants = nil
		c.mu.Unlock()
	}
	return out, err
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	return c.do(ctx, c.maxRetries, method, requestPath, headers, body, out)
}

// do sends one request and retries network errors, 429 and 5xx up to
// maxRetries times.
func (c *Client) do(
	ctx context.Context,
	maxRetries int,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		correlationID := ulid.Make().String()
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID)
		req.Header.Set("X-Session-Id", c.sessionID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries {
				c.logger.Debug("request failed, retrying",
					zap.String("method", method),
					zap.String("path", requestPath),
					zap.Int("attempt", attempt+1),
					zap.Error(err),
				)
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code          string `json:"code"`
			Message       string `json:"message"`
			CorrelationID string `json:"correlationId"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if errPayload.CorrelationID == "" {
			errPayload.CorrelationID = correlationID
		}
		return &HTTPError{
			StatusCode:    resp.StatusCode,
			Code:          errPayload.Code,
			Message:       errPayload.Message,
			CorrelationID: errPayload.CorrelationID,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
