package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/tenantsync/internal/entities"
)

const (
	defaultLoadConcurrency = 4
	defaultIdleFallback    = 2 * time.Second
	defaultIdlePoll        = 25 * time.Millisecond
)

// BootstrapLoader fetches the core entities of a tenant in one request.
type BootstrapLoader struct {
	data  DataService
	group singleflight.Group
}

func (l *BootstrapLoader) Load(ctx context.Context, tenantID string) (Bundle, error) {
	v, err, _ := l.group.Do("bootstrap\x00"+tenantID, func() (any, error) {
		return l.data.Bootstrap(ctx, tenantID)
	})
	if err != nil {
		return nil, &LoadFailure{Tier: entities.TierBootstrap, TenantID: tenantID, Err: err}
	}
	return v.(Bundle), nil
}

// SecondaryLoader fetches the remaining storefront entities. Catalog
// entities missing from the secondary bundle are fetched individually.
type SecondaryLoader struct {
	data     DataService
	registry *entities.Registry
	logger   *zap.Logger
	group    singleflight.Group
}

func (l *SecondaryLoader) Load(ctx context.Context, tenantID string) (Bundle, error) {
	v, err, _ := l.group.Do("secondary\x00"+tenantID, func() (any, error) {
		return l.load(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return v.(Bundle), nil
}

func (l *SecondaryLoader) load(ctx context.Context, tenantID string) (Bundle, error) {
	bundle, err := l.data.GetSecondaryData(ctx, tenantID)
	if err != nil {
		return nil, &LoadFailure{Tier: entities.TierSecondary, TenantID: tenantID, Err: err}
	}
	out := make(Bundle, len(bundle))
	for key, value := range bundle {
		out[key] = value
	}

	var missing []entities.Spec
	for _, spec := range l.registry.ByTier(entities.TierSecondary) {
		if _, ok := out[spec.Key]; !ok && spec.Catalog {
			missing = append(missing, spec)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultLoadConcurrency)
	for _, spec := range missing {
		spec := spec
		g.Go(func() error {
			value, err := l.data.GetCatalog(gctx, spec.Key, spec.Default, tenantID)
			if err != nil {
				// One missing catalog does not fail the tier.
				l.logger.Warn("catalog fetch failed",
					zap.String("key", spec.Key),
					zap.String("tenant_id", tenantID),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			out[spec.Key] = value
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// AdminDataLoader fetches admin-only entities with one Get per key.
type AdminDataLoader struct {
	data     DataService
	registry *entities.Registry
	logger   *zap.Logger
	group    singleflight.Group
}

func (l *AdminDataLoader) Load(ctx context.Context, tenantID string) (Bundle, error) {
	v, err, _ := l.group.Do("admin\x00"+tenantID, func() (any, error) {
		return l.load(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return v.(Bundle), nil
}

func (l *AdminDataLoader) load(ctx context.Context, tenantID string) (Bundle, error) {
	specs := l.registry.ByTier(entities.TierAdmin)
	out := make(Bundle, len(specs))
	var (
		mu      sync.Mutex
		lastErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultLoadConcurrency)
	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			value, err := l.data.Get(gctx, spec.Key, spec.Default, tenantID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				l.logger.Warn("admin entity fetch failed",
					zap.String("key", spec.Key),
					zap.String("tenant_id", tenantID),
					zap.Error(err),
				)
				return nil
			}
			out[spec.Key] = value
			return nil
		})
	}
	_ = g.Wait()
	if len(out) == 0 && lastErr != nil {
		return nil, &LoadFailure{Tier: entities.TierAdmin, TenantID: tenantID, Err: lastErr}
	}
	return out, nil
}

// fetchOne loads a single entity the way its tier would.
func fetchOne(ctx context.Context, data DataService, spec entities.Spec, tenantID string) (json.RawMessage, error) {
	if spec.Catalog {
		return data.GetCatalog(ctx, spec.Key, spec.Default, tenantID)
	}
	return data.Get(ctx, spec.Key, spec.Default, tenantID)
}

// busyIdleScheduler runs work once the persistence scheduler has nothing in
// flight, or after a fallback delay, whichever comes first.
type busyIdleScheduler struct {
	busy     func() bool
	poll     time.Duration
	fallback time.Duration
}

func (s *busyIdleScheduler) Schedule(ctx context.Context, fn func()) {
	go func() {
		deadline := time.NewTimer(s.fallback)
		defer deadline.Stop()
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		if !s.busy() {
			fn()
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-deadline.C:
				fn()
				return
			case <-ticker.C:
				if !s.busy() {
					fn()
					return
				}
			}
		}
	}()
}
