package syncengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentworkforce/tenantsync/internal/entities"
)

type savedWrite struct {
	Key       string
	TenantID  string
	Value     string
	Immediate bool
	RequestID string
}

// fakeData is an in-memory DataService. Writes update the stored values the
// way the real backend does.
type fakeData struct {
	mu       sync.Mutex
	registry *entities.Registry
	values   map[string]map[string]json.RawMessage
	slugs    map[string]string
	saves    []savedWrite
	saveErr  error

	bootstrapErr     error
	bootstrapStarted map[string]chan struct{}
	bootstrapGate    map[string]chan struct{}
	omitSecondary    map[string]bool

	bootstrapCalls int
	secondaryCalls int
	catalogCalls   map[string]int
	getCalls       map[string]int
}

func newFakeData() *fakeData {
	return &fakeData{
		registry:         entities.Default(),
		values:           map[string]map[string]json.RawMessage{},
		slugs:            map[string]string{},
		bootstrapStarted: map[string]chan struct{}{},
		bootstrapGate:    map[string]chan struct{}{},
		omitSecondary:    map[string]bool{},
		catalogCalls:     map[string]int{},
		getCalls:         map[string]int{},
	}
}

func (f *fakeData) put(tenantID, key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values[tenantID] == nil {
		f.values[tenantID] = map[string]json.RawMessage{}
	}
	f.values[tenantID][key] = json.RawMessage(value)
}

// gate blocks the next bootstrap of tenantID until the returned func runs.
func (f *fakeData) gate(tenantID string) (started <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := make(chan struct{})
	g := make(chan struct{})
	f.bootstrapStarted[tenantID] = s
	f.bootstrapGate[tenantID] = g
	return s, func() { close(g) }
}

func (f *fakeData) tierBundle(tenantID string, tier entities.Tier, skipCatalog bool) Bundle {
	out := Bundle{}
	for _, spec := range f.registry.ByTier(tier) {
		if skipCatalog && (spec.Catalog || f.omitSecondary[spec.Key]) {
			continue
		}
		if v, ok := f.values[tenantID][spec.Key]; ok {
			out[spec.Key] = v
		} else {
			out[spec.Key] = spec.Default
		}
	}
	return out
}

func (f *fakeData) Bootstrap(ctx context.Context, tenantID string) (Bundle, error) {
	f.mu.Lock()
	f.bootstrapCalls++
	started := f.bootstrapStarted[tenantID]
	gate := f.bootstrapGate[tenantID]
	delete(f.bootstrapStarted, tenantID)
	delete(f.bootstrapGate, tenantID)
	f.mu.Unlock()
	if started != nil {
		close(started)
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bootstrapErr != nil {
		return nil, f.bootstrapErr
	}
	return f.tierBundle(tenantID, entities.TierBootstrap, false), nil
}

func (f *fakeData) GetSecondaryData(ctx context.Context, tenantID string) (Bundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secondaryCalls++
	return f.tierBundle(tenantID, entities.TierSecondary, true), nil
}

func (f *fakeData) GetCatalog(ctx context.Context, key string, def json.RawMessage, tenantID string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.catalogCalls[key]++
	if v, ok := f.values[tenantID][key]; ok {
		return v, nil
	}
	return def, nil
}

func (f *fakeData) Get(ctx context.Context, key string, def json.RawMessage, tenantID string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls[key]++
	if v, ok := f.values[tenantID][key]; ok {
		return v, nil
	}
	return def, nil
}

func (f *fakeData) save(key string, value json.RawMessage, tenantID string, opts WriteOptions, immediate bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves = append(f.saves, savedWrite{
		Key:       key,
		TenantID:  tenantID,
		Value:     string(value),
		Immediate: immediate,
		RequestID: opts.RequestID,
	})
	if f.values[tenantID] == nil {
		f.values[tenantID] = map[string]json.RawMessage{}
	}
	f.values[tenantID][key] = value
	return nil
}

func (f *fakeData) Save(ctx context.Context, key string, value json.RawMessage, tenantID string, opts WriteOptions) error {
	return f.save(key, value, tenantID, opts, false)
}

func (f *fakeData) SaveImmediate(ctx context.Context, key string, value json.RawMessage, tenantID string, opts WriteOptions) error {
	return f.save(key, value, tenantID, opts, true)
}

func (f *fakeData) ListTenants(ctx context.Context, forceRefresh bool) ([]Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Tenant, 0, len(f.slugs))
	for slug, id := range f.slugs {
		out = append(out, Tenant{ID: id, Name: slug, Subdomain: slug})
	}
	return out, nil
}

func (f *fakeData) ResolveTenantBySubdomain(ctx context.Context, slug string) (*TenantRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if slug == "broken" {
		return nil, errors.New("upstream unavailable")
	}
	id, ok := f.slugs[slug]
	if !ok {
		return nil, nil
	}
	return &TenantRef{ID: id, Subdomain: slug}, nil
}

func (f *fakeData) savedWrites() []savedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]savedWrite(nil), f.saves...)
}

func (f *fakeData) getCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls[key] + f.catalogCalls[key]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// syncIdle runs idle work inline so loads finish before SwitchTenant returns.
type syncIdle struct{}

func (syncIdle) Schedule(ctx context.Context, fn func()) { fn() }

type fakeCache struct {
	mu       sync.Mutex
	values   map[string]json.RawMessage
	tenants  map[string]bool
	sessions map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		values:   map[string]json.RawMessage{},
		tenants:  map[string]bool{},
		sessions: map[string]string{},
	}
}

func (c *fakeCache) Read(ctx context.Context, tenantID, key string) (json.RawMessage, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[tenantID+"/"+key]
	return v, ok, nil
}

func (c *fakeCache) Write(ctx context.Context, tenantID, key string, value json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[tenantID+"/"+key] = value
	c.tenants[tenantID] = true
	return nil
}

func (c *fakeCache) HasTenant(ctx context.Context, tenantID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tenants[tenantID], nil
}

func (c *fakeCache) RememberTenant(ctx context.Context, userID, tenantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[userID] = tenantID
	return nil
}

func (c *fakeCache) value(tenantID, key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.values[tenantID+"/"+key])
}

type fakeRooms struct {
	mu     sync.Mutex
	events []string
}

func (r *fakeRooms) JoinTenantRoom(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "join:"+tenantID)
}

func (r *fakeRooms) LeaveTenantRoom(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "leave:"+tenantID)
}

func newTestEngine(t *testing.T, data DataService, mutate func(*Options)) (*Engine, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts := Options{
		Data:           data,
		Logger:         zap.NewNop(),
		Idle:           syncIdle{},
		Clock:          clock.Now,
		DebounceWindow: 20 * time.Millisecond,
		WriteTimeout:   time.Second,
		LoadTimeout:    time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	engine, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine.Close(ctx)
	})
	return engine, clock
}

func flush(t *testing.T, engine *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, engine.Flush(ctx))
}

// heldIdle keeps idle work until run is called.
type heldIdle struct {
	mu  sync.Mutex
	fns []func()
}

func (h *heldIdle) Schedule(ctx context.Context, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fns = append(h.fns, fn)
}

func (h *heldIdle) run() {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
