// Package syncengine keeps tenant-scoped entities consistent between the
// local cache, the authoritative backend and the push channel.
package syncengine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/tenantsync/internal/entities"
	"github.com/agentworkforce/tenantsync/internal/metrics"
)

const defaultLoadTimeout = 30 * time.Second

type Options struct {
	Data     DataService
	Registry *entities.Registry
	Cache    EntityCache
	Rooms    RoomSubscriber
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Idle     IdleScheduler
	Clock    Clock
	UserID   string

	DebounceWindow   time.Duration
	ProtectionWindow time.Duration
	IdleFallback     time.Duration
	WriteTimeout     time.Duration
	LoadTimeout      time.Duration

	NewRequestID func() string
	OnApply      func(Update)
	OnWriteError func(error)
}

func (o Options) withDefaults() Options {
	if o.Registry == nil {
		o.Registry = entities.Default()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = defaultDebounceWindow
	}
	if o.ProtectionWindow <= 0 {
		o.ProtectionWindow = defaultProtectionWindow
	}
	if o.IdleFallback <= 0 {
		o.IdleFallback = defaultIdleFallback
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = defaultLoadTimeout
	}
	if o.NewRequestID == nil {
		o.NewRequestID = func() string { return ulid.Make().String() }
	}
	return o
}

// Status is a point-in-time view of the engine for UI surfaces.
type Status struct {
	TenantID  string
	Epoch     Epoch
	State     SwitchState
	Loading   bool
	FromCache bool
}

type Engine struct {
	opts    Options
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	metrics *metrics.Metrics

	c           *core
	tracker     *DirtyTracker
	echo        *SocketEchoSuppressor
	protection  *SaveProtectionWindow
	scheduler   *PersistenceScheduler
	coordinator *TenantSwitchCoordinator
	bootstrap   *BootstrapLoader
	secondary   *SecondaryLoader
	admin       *AdminDataLoader
	dispatcher  *RefreshDispatcher
	validator   *validator

	fetches singleflight.Group
	closed  atomic.Bool

	// guarded by c.mu
	loading   bool
	fromCache bool
}

func New(opts Options) (*Engine, error) {
	if opts.Data == nil {
		return nil, errors.New("data service is required")
	}
	opts = opts.withDefaults()
	v, err := newValidator(opts.Registry)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := newCore(opts.Clock)
	e := &Engine{
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		c:         c,
		validator: v,
	}
	e.tracker = newDirtyTracker(c, opts.Logger)
	e.echo = &SocketEchoSuppressor{c: c}
	e.protection = &SaveProtectionWindow{c: c, window: opts.ProtectionWindow}
	e.scheduler = &PersistenceScheduler{
		ctx:          ctx,
		c:            c,
		protection:   e.protection,
		data:         opts.Data,
		cache:        opts.Cache,
		registry:     opts.Registry,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		debounce:     opts.DebounceWindow,
		writeTimeout: opts.WriteTimeout,
		newRequestID: opts.NewRequestID,
		onError:      opts.OnWriteError,
		pending:      map[string]*pendingWrite{},
		lanes:        map[string]*lane{},
	}
	e.coordinator = &TenantSwitchCoordinator{c: c, logger: opts.Logger}
	e.coordinator.onBegin = append(e.coordinator.onBegin, e.onTenantChange)
	e.bootstrap = &BootstrapLoader{data: opts.Data}
	e.secondary = &SecondaryLoader{data: opts.Data, registry: opts.Registry, logger: opts.Logger}
	e.admin = &AdminDataLoader{data: opts.Data, registry: opts.Registry, logger: opts.Logger}
	e.dispatcher = NewRefreshDispatcher(ctx, e.HandleRefresh, opts.DebounceWindow, opts.Logger)
	if e.opts.Idle == nil {
		e.opts.Idle = &busyIdleScheduler{
			busy:     e.scheduler.Busy,
			poll:     defaultIdlePoll,
			fallback: opts.IdleFallback,
		}
	}
	return e, nil
}

func (e *Engine) onTenantChange(previous, next string) {
	e.scheduler.Cancel()
	e.metrics.ObserveTenantSwitch()
	if e.opts.Rooms == nil {
		return
	}
	if previous != "" && previous != next {
		e.opts.Rooms.LeaveTenantRoom(previous)
	}
	e.opts.Rooms.JoinTenantRoom(next)
}

// Dispatcher returns the dispatcher that feeds push events into the engine.
func (e *Engine) Dispatcher() *RefreshDispatcher {
	return e.dispatcher
}

// SwitchTenant makes tenantID the active tenant and runs its bootstrap
// load. Secondary entities are loaded in the background once the engine is
// idle.
func (e *Engine) SwitchTenant(ctx context.Context, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ErrNoActiveTenant
	}
	if e.closed.Load() {
		return ErrClosed
	}
	epoch := e.coordinator.Begin(tenantID)

	fromCache := e.renderFromCache(ctx, epoch, tenantID)
	e.c.mu.Lock()
	if e.c.isCurrentLocked(epoch) {
		e.fromCache = fromCache
		e.loading = !fromCache
	}
	e.c.mu.Unlock()
	if e.opts.Cache != nil {
		if err := e.opts.Cache.RememberTenant(ctx, e.opts.UserID, tenantID); err != nil {
			e.logger.Debug("remember tenant failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}

	started := time.Now()
	loadCtx, cancel := context.WithTimeout(ctx, e.opts.LoadTimeout)
	bundle, err := e.bootstrap.Load(loadCtx, tenantID)
	cancel()
	if !e.coordinator.IsCurrent(epoch) {
		return &StaleApply{TenantID: tenantID}
	}
	if err != nil {
		e.metrics.ObserveLoad(entities.TierBootstrap.String(), "error", time.Since(started).Seconds())
		e.logger.Warn("bootstrap load failed", zap.String("tenant_id", tenantID), zap.Error(err))
		e.finishLoading(epoch)
		e.coordinator.Settle(epoch, err)
		return err
	}
	e.metrics.ObserveLoad(entities.TierBootstrap.String(), "ok", time.Since(started).Seconds())
	e.applyBundle(epoch, tenantID, bundle)
	e.finishLoading(epoch)
	e.coordinator.Settle(epoch, nil)

	e.opts.Idle.Schedule(e.ctx, func() { e.loadSecondary(epoch, tenantID) })
	return nil
}

// SwitchTenantBySubdomain resolves slug and switches to the resulting
// tenant.
func (e *Engine) SwitchTenantBySubdomain(ctx context.Context, slug string) (string, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return "", &TenantResolutionFailure{Slug: slug}
	}
	ref, err := e.opts.Data.ResolveTenantBySubdomain(ctx, slug)
	if err != nil {
		e.logger.Warn("tenant resolution failed", zap.String("subdomain", slug), zap.Error(err))
		return "", &TenantResolutionFailure{Slug: slug, Err: err}
	}
	if ref == nil || ref.ID == "" {
		e.logger.Warn("tenant not found for subdomain", zap.String("subdomain", slug))
		return "", &TenantResolutionFailure{Slug: slug}
	}
	return ref.ID, e.SwitchTenant(ctx, ref.ID)
}

// Tenants lists the tenants visible to the session.
func (e *Engine) Tenants(ctx context.Context, forceRefresh bool) ([]Tenant, error) {
	return e.opts.Data.ListTenants(ctx, forceRefresh)
}

func (e *Engine) finishLoading(epoch Epoch) {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	if e.c.isCurrentLocked(epoch) {
		e.loading = false
	}
}

// renderFromCache fills Current of cached entities from the local cache. It
// reports whether the tenant had a cache manifest. Cached values are never
// treated as loaded.
func (e *Engine) renderFromCache(ctx context.Context, epoch Epoch, tenantID string) bool {
	cache := e.opts.Cache
	if cache == nil {
		return false
	}
	has, err := cache.HasTenant(ctx, tenantID)
	if err != nil {
		e.logger.Debug("cache manifest read failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return false
	}
	if !has {
		return false
	}
	var updates []Update
	for _, key := range e.opts.Registry.Keys() {
		spec, _ := e.opts.Registry.Lookup(key)
		if !spec.Cached {
			continue
		}
		raw, ok, err := cache.Read(ctx, tenantID, key)
		if err != nil || !ok {
			continue
		}
		value, err := Canonicalize(raw)
		if err != nil {
			continue
		}
		e.c.mu.Lock()
		if !e.c.isCurrentLocked(epoch) {
			e.c.mu.Unlock()
			return false
		}
		st := e.c.arena.state(key)
		if !st.Loaded {
			st.Current = value
			st.touch()
			updates = append(updates, Update{Key: key, TenantID: tenantID, Value: cloneRaw(value), Source: SourceCache})
		}
		e.c.mu.Unlock()
	}
	for _, u := range updates {
		e.emit(u)
	}
	return true
}

// applyBundle records every registered key of bundle as an authoritative
// value. It returns false when epoch is no longer current.
func (e *Engine) applyBundle(epoch Epoch, tenantID string, bundle Bundle) bool {
	keys := make([]string, 0, len(bundle))
	for key := range bundle {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var updates []Update
	e.c.mu.Lock()
	if !e.c.isCurrentLocked(epoch) {
		e.c.mu.Unlock()
		return false
	}
	for _, key := range keys {
		if _, ok := e.opts.Registry.Lookup(key); !ok {
			e.logger.Debug("ignoring unregistered key in bundle", zap.String("key", key))
			continue
		}
		value, err := Canonicalize(bundle[key])
		if err != nil {
			e.logger.Warn("ignoring malformed value in bundle",
				zap.String("key", key),
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
			continue
		}
		st := e.c.arena.state(key)
		if st.Loaded && st.Unsaved {
			continue
		}
		if guarded := emptyOverNonEmpty(st, value); guarded {
			e.logger.Warn("refusing to replace non-empty collection with empty load",
				zap.String("key", key),
				zap.String("tenant_id", tenantID),
				zap.Bool("loaded", st.Loaded),
			)
			e.metrics.ObserveSkip(key, string(ReasonEmptyGuard))
			continue
		}
		e.tracker.markLoadedLocked(st, value)
		updates = append(updates, Update{Key: key, TenantID: tenantID, Value: cloneRaw(value), Source: SourceLoad})
	}
	e.c.mu.Unlock()

	for _, u := range updates {
		e.cacheWrite(u)
		e.emit(u)
	}
	return true
}

// emptyOverNonEmpty reports whether value is an empty collection about to
// replace items. A loaded key is compared against its snapshot. A key not
// yet loaded is compared against what is rendered, usually the cached
// value; it stays unloaded so a later refresh can still settle it.
func emptyOverNonEmpty(st *EntitySyncState, value json.RawMessage) bool {
	if !isEmptyCollection(value) {
		return false
	}
	if st.Loaded {
		return hasItems(st.Snapshot)
	}
	return hasItems(st.Current)
}

func (e *Engine) loadSecondary(epoch Epoch, tenantID string) {
	if !e.coordinator.IsCurrent(epoch) {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.opts.LoadTimeout)
	defer cancel()
	started := time.Now()
	bundle, err := e.secondary.Load(ctx, tenantID)
	if err != nil {
		e.metrics.ObserveLoad(entities.TierSecondary.String(), "error", time.Since(started).Seconds())
		e.logger.Warn("secondary load failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}
	if !e.applyBundle(epoch, tenantID, bundle) {
		e.metrics.ObserveLoad(entities.TierSecondary.String(), "stale", time.Since(started).Seconds())
		e.logger.Debug("discarding secondary load for inactive tenant", zap.String("tenant_id", tenantID))
		return
	}
	e.metrics.ObserveLoad(entities.TierSecondary.String(), "ok", time.Since(started).Seconds())
}

// EnterAdminView loads admin entities the first time it is called for the
// active tenant.
func (e *Engine) EnterAdminView(ctx context.Context) error {
	tenantID, epoch := e.c.active()
	if tenantID == "" {
		return ErrNoActiveTenant
	}
	if !e.coordinator.claimAdminLoad(epoch) {
		return nil
	}
	started := time.Now()
	bundle, err := e.admin.Load(ctx, tenantID)
	if !e.coordinator.IsCurrent(epoch) {
		return &StaleApply{TenantID: tenantID}
	}
	if err != nil {
		e.coordinator.releaseAdminLoad(epoch)
		e.metrics.ObserveLoad(entities.TierAdmin.String(), "error", time.Since(started).Seconds())
		e.logger.Warn("admin load failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return err
	}
	e.applyBundle(epoch, tenantID, bundle)
	e.metrics.ObserveLoad(entities.TierAdmin.String(), "ok", time.Since(started).Seconds())
	return nil
}

func (e *Engine) prepare(key string, value any) (entities.Spec, json.RawMessage, error) {
	spec, ok := e.opts.Registry.Lookup(key)
	if !ok {
		return entities.Spec{}, nil, ErrUnknownEntity
	}
	raw, err := Canonicalize(value)
	if err != nil {
		return spec, nil, err
	}
	if err := e.validator.Validate(key, raw); err != nil {
		return spec, nil, err
	}
	return spec, raw, nil
}

// Set is the UI mutation path: value becomes current and is persisted when
// it is a real change.
func (e *Engine) Set(key string, value any) (Decision, error) {
	return e.set(key, value, false)
}

// ReplaceAll is Set for an authoritative full replacement. It may replace a
// non-empty collection with an empty one.
func (e *Engine) ReplaceAll(key string, value any) (Decision, error) {
	return e.set(key, value, true)
}

func (e *Engine) set(key string, value any, confirmed bool) (Decision, error) {
	spec, raw, err := e.prepare(key, value)
	if err != nil {
		return Decision{}, err
	}
	e.c.mu.Lock()
	tenantID, epoch := e.c.arena.tenantID, e.c.epoch
	if tenantID == "" {
		e.c.mu.Unlock()
		return Decision{}, ErrNoActiveTenant
	}
	st := e.c.arena.state(key)
	st.Current = cloneRaw(raw)
	st.touch()
	d := e.tracker.shouldPersistLocked(key, tenantID, raw, confirmed)
	if d.Persist {
		st.Unsaved = true
	}
	e.c.mu.Unlock()

	e.afterDecision(spec, tenantID, epoch, raw, d, spec.Mode)
	return d, nil
}

func (e *Engine) afterDecision(spec entities.Spec, tenantID string, epoch Epoch, raw json.RawMessage, d Decision, mode entities.Mode) {
	if d.Persist {
		e.scheduler.schedule(writeJob{key: spec.Key, tenantID: tenantID, epoch: epoch, value: raw, mode: mode})
		return
	}
	e.metrics.ObserveSkip(spec.Key, string(d.Reason))
	e.logger.Debug("persistence skipped",
		zap.String("key", spec.Key),
		zap.String("tenant_id", tenantID),
		zap.String("reason", string(d.Reason)),
	)
}

// Stage records a local edit without persisting it.
func (e *Engine) Stage(key string, value any) error {
	_, raw, err := e.prepare(key, value)
	if err != nil {
		return err
	}
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	if e.c.arena.tenantID == "" {
		return ErrNoActiveTenant
	}
	st := e.c.arena.state(key)
	st.Current = raw
	st.Unsaved = !st.Loaded || !equalCanonical(raw, st.Snapshot)
	st.touch()
	return nil
}

// Save persists the staged value of key right away.
func (e *Engine) Save(key string) (Decision, error) {
	spec, ok := e.opts.Registry.Lookup(key)
	if !ok {
		return Decision{}, ErrUnknownEntity
	}
	e.c.mu.Lock()
	tenantID, epoch := e.c.arena.tenantID, e.c.epoch
	if tenantID == "" {
		e.c.mu.Unlock()
		return Decision{}, ErrNoActiveTenant
	}
	st := e.c.arena.state(key)
	raw := cloneRaw(st.Current)
	if raw == nil {
		raw = cloneRaw(st.Snapshot)
	}
	d := e.tracker.shouldPersistLocked(key, tenantID, raw, false)
	if d.Reason == ReasonUnchanged && st.Loaded && st.Unsaved {
		// The snapshot already advanced but the write never succeeded.
		d = Decision{Persist: true, Reason: ReasonChanged}
	}
	switch {
	case d.Persist:
		st.Unsaved = true
	case d.Reason == ReasonUnchanged:
		st.Unsaved = false
	}
	e.c.mu.Unlock()

	e.afterDecision(spec, tenantID, epoch, raw, d, entities.ModeImmediate)
	return d, nil
}

// Discard reverts key to its last reconciled value.
func (e *Engine) Discard(key string) error {
	if _, ok := e.opts.Registry.Lookup(key); !ok {
		return ErrUnknownEntity
	}
	e.c.mu.Lock()
	tenantID := e.c.arena.tenantID
	if tenantID == "" {
		e.c.mu.Unlock()
		return ErrNoActiveTenant
	}
	st := e.c.arena.state(key)
	st.Current = cloneRaw(st.Snapshot)
	st.Unsaved = false
	st.touch()
	u := Update{Key: key, TenantID: tenantID, Value: cloneRaw(st.Current), Source: SourceLocal}
	e.c.mu.Unlock()
	e.emit(u)
	return nil
}

// Value returns the value to render for key and whether it is loaded. An
// entity that has no value yet yields its default.
func (e *Engine) Value(key string) (json.RawMessage, bool) {
	spec, ok := e.opts.Registry.Lookup(key)
	if !ok {
		return nil, false
	}
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	if st, ok := e.c.arena.peek(key); ok && st.Current != nil {
		return cloneRaw(st.Current), st.Loaded
	}
	return cloneRaw(spec.Default), false
}

// Decode unmarshals the value of key into dst.
func (e *Engine) Decode(key string, dst any) error {
	if _, ok := e.opts.Registry.Lookup(key); !ok {
		return ErrUnknownEntity
	}
	raw, _ := e.Value(key)
	return json.Unmarshal(raw, dst)
}

// HandleDataRefresh re-reads key from the backend and applies it.
func (e *Engine) HandleDataRefresh(ctx context.Context, key, tenantID string, fromSocket bool) error {
	return e.HandleRefresh(ctx, RefreshEvent{Key: key, TenantID: tenantID, FromSocket: fromSocket})
}

// HandleRefresh applies a refresh event. Refreshes for another tenant, for
// the session's own writes, inside the protection window or over unsaved
// edits are dropped.
func (e *Engine) HandleRefresh(ctx context.Context, ev RefreshEvent) error {
	spec, ok := e.opts.Registry.Lookup(ev.Key)
	if !ok {
		return ErrUnknownEntity
	}
	active, epoch := e.c.active()
	tenantID := ev.TenantID
	if tenantID == "" {
		tenantID = active
	}
	if active == "" || tenantID != active {
		e.metrics.ObserveRefresh(ev.Key, "stale")
		return &StaleApply{Key: ev.Key, TenantID: tenantID}
	}

	e.c.mu.Lock()
	reason := e.refreshBlockedLocked(ev, tenantID)
	e.c.mu.Unlock()
	if reason != "" {
		e.dropRefresh(ev.Key, tenantID, reason)
		return nil
	}

	value, err := e.fetch(ctx, spec, tenantID)
	if err != nil {
		e.metrics.ObserveRefresh(ev.Key, "error")
		e.logger.Warn("refresh fetch failed",
			zap.String("key", ev.Key),
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return &LoadFailure{Tier: spec.Tier, TenantID: tenantID, Err: err}
	}

	e.c.mu.Lock()
	if !e.c.isCurrentLocked(epoch) {
		e.c.mu.Unlock()
		e.metrics.ObserveRefresh(ev.Key, "stale")
		return &StaleApply{Key: ev.Key, TenantID: tenantID}
	}
	if reason := e.refreshBlockedLocked(RefreshEvent{Key: ev.Key}, tenantID); reason != "" {
		e.c.mu.Unlock()
		e.dropRefresh(ev.Key, tenantID, reason)
		return nil
	}
	st := e.c.arena.state(ev.Key)
	if st.Loaded && hasItems(st.Snapshot) && isEmptyCollection(value) {
		e.c.mu.Unlock()
		e.logger.Warn("refusing to replace non-empty collection with empty refresh",
			zap.String("key", ev.Key),
			zap.String("tenant_id", tenantID),
		)
		e.metrics.ObserveRefresh(ev.Key, string(ReasonEmptyGuard))
		return nil
	}
	if ev.FromSocket {
		e.echo.markLocked(ev.Key, tenantID)
		st.Current = cloneRaw(value)
		e.tracker.shouldPersistLocked(ev.Key, tenantID, value, false)
		st.Loaded = true
		st.Unsaved = false
	} else {
		e.tracker.markLoadedLocked(st, value)
	}
	u := Update{Key: ev.Key, TenantID: tenantID, Value: cloneRaw(value), Source: SourceRefresh}
	e.c.mu.Unlock()

	e.metrics.ObserveRefresh(ev.Key, "applied")
	e.cacheWrite(u)
	e.emit(u)
	return nil
}

func (e *Engine) refreshBlockedLocked(ev RefreshEvent, tenantID string) string {
	if e.protection.isOwnEchoLocked(ev.Key, tenantID, ev.RequestID) {
		return "own_echo"
	}
	if e.protection.isProtectedLocked(ev.Key, tenantID) {
		return "protected"
	}
	if st, ok := e.c.arena.peek(ev.Key); ok && st.Unsaved {
		return "unsaved"
	}
	return ""
}

func (e *Engine) dropRefresh(key, tenantID, reason string) {
	e.metrics.ObserveRefresh(key, reason)
	e.logger.Debug("refresh dropped",
		zap.String("key", key),
		zap.String("tenant_id", tenantID),
		zap.String("reason", reason),
	)
}

func (e *Engine) fetch(ctx context.Context, spec entities.Spec, tenantID string) (json.RawMessage, error) {
	v, err, _ := e.fetches.Do(tenantID+"\x00"+spec.Key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, e.opts.LoadTimeout)
		defer cancel()
		raw, err := fetchOne(fetchCtx, e.opts.Data, spec, tenantID)
		if err != nil {
			return nil, err
		}
		return Canonicalize(raw)
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// HasUnsavedChanges reports unsaved edits or a save still inside its
// protection window.
func (e *Engine) HasUnsavedChanges(key, tenantID string) bool {
	return e.protection.HasUnsavedChanges(key, tenantID)
}

func (e *Engine) Status() Status {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return Status{
		TenantID:  e.c.arena.tenantID,
		Epoch:     e.c.epoch,
		State:     e.coordinator.state,
		Loading:   e.loading,
		FromCache: e.fromCache,
	}
}

// LoadedKeys lists the keys holding an authoritative value for the active
// tenant.
func (e *Engine) LoadedKeys() []string {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return e.c.arena.loadedKeys()
}

// Flush sends pending debounced writes and waits for all writes.
func (e *Engine) Flush(ctx context.Context) error {
	e.scheduler.Flush()
	return e.scheduler.Wait(ctx)
}

// Close flushes pending writes and stops background work.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.dispatcher.Stop()
	err := e.Flush(ctx)
	e.scheduler.close()
	e.cancel()
	return err
}

func (e *Engine) cacheWrite(u Update) {
	spec, ok := e.opts.Registry.Lookup(u.Key)
	if !ok || !spec.Cached || e.opts.Cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.opts.WriteTimeout)
	defer cancel()
	if err := e.opts.Cache.Write(ctx, u.TenantID, u.Key, u.Value); err != nil {
		e.logger.Debug("cache write failed",
			zap.String("key", u.Key),
			zap.String("tenant_id", u.TenantID),
			zap.Error(err),
		)
	}
}

func (e *Engine) emit(u Update) {
	if e.opts.OnApply != nil {
		e.opts.OnApply(u)
	}
}
