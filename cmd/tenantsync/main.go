package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/tenantsync/internal/cache"
	"github.com/agentworkforce/tenantsync/internal/config"
	"github.com/agentworkforce/tenantsync/internal/dataservice"
	"github.com/agentworkforce/tenantsync/internal/metrics"
	"github.com/agentworkforce/tenantsync/internal/push"
	"github.com/agentworkforce/tenantsync/internal/syncengine"
)

const reconcileJitter = 0.2

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("TENANTSYNC_CONFIG")), "YAML config file")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the environment is read")
	tenant := flag.String("tenant", "", "tenant ID to activate (overrides config)")
	subdomain := flag.String("subdomain", "", "tenant subdomain to activate (overrides config)")
	once := flag.Bool("once", false, "load the tenant, flush and exit")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("failed to load env file: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyTenantFlags(cfg, *tenant, *subdomain)
	if strings.TrimSpace(cfg.Client.Token) == "" {
		log.Fatalf("token is required (client.token or TENANTSYNC_TOKEN)")
	}

	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(rootCtx, cfg, logger, *once); err != nil {
		logger.Fatal("tenantsync stopped", zap.Error(err))
	}
}

func applyTenantFlags(cfg *config.Config, tenant, subdomain string) {
	tenant = strings.TrimSpace(tenant)
	subdomain = strings.TrimSpace(subdomain)
	if tenant != "" {
		cfg.Client.Tenant = tenant
		cfg.Client.Subdomain = ""
	} else if subdomain != "" {
		cfg.Client.Subdomain = subdomain
		cfg.Client.Tenant = ""
	}
}

type daemon struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	cache   *cache.Cache
	data    *dataservice.Client
	push    *push.Client
	engine  *syncengine.Engine
}

func newDaemon(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*daemon, error) {
	m := metrics.New(reg)
	c, err := cache.Open(cfg.Cache.DSN, logger.Named("cache"), m)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	data := dataservice.NewClient(cfg.Client.BaseURL, cfg.Client.Token, &http.Client{Timeout: cfg.Client.RequestTimeout}, dataservice.ClientOptions{
		TenantsTTL: cfg.Client.TenantsTTL,
		Logger:     logger.Named("data"),
	})

	d := &daemon{cfg: cfg, logger: logger, metrics: m, cache: c, data: data}
	opts := syncengine.Options{
		Data:             data,
		Cache:            c,
		Logger:           logger.Named("engine"),
		Metrics:          m,
		UserID:           cfg.Client.UserID,
		DebounceWindow:   cfg.Sync.DebounceWindow,
		ProtectionWindow: cfg.Sync.ProtectionWindow,
		IdleFallback:     cfg.Sync.IdleFallback,
		WriteTimeout:     cfg.Sync.WriteTimeout,
		LoadTimeout:      cfg.Sync.LoadTimeout,
		OnApply: func(u syncengine.Update) {
			logger.Debug("entity applied",
				zap.String("key", u.Key),
				zap.String("tenant_id", u.TenantID),
				zap.String("source", string(u.Source)),
			)
		},
		OnWriteError: func(err error) {
			logger.Warn("write failed", zap.Error(err))
		},
	}
	if cfg.Push.Enabled {
		d.push = push.NewClient(push.ClientOptions{
			URL:        cfg.PushURL(),
			Token:      cfg.Client.Token,
			JoinDelay:  cfg.Push.JoinDelay,
			MinBackoff: cfg.Push.MinBackoff,
			MaxBackoff: cfg.Push.MaxBackoff,
			Logger:     logger.Named("push"),
			Metrics:    m,
		})
		opts.Rooms = d.push
	}
	engine, err := syncengine.New(opts)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	d.engine = engine
	if d.push != nil {
		d.push.SetOnEvent(engine.Dispatcher().Enqueue)
	}
	return d, nil
}

// activate picks the initial tenant: explicit ID, then subdomain, then the
// tenant remembered from the last session, then the first accessible one.
func (d *daemon) activate(ctx context.Context) (string, error) {
	switch {
	case d.cfg.Client.Tenant != "":
		return d.cfg.Client.Tenant, d.engine.SwitchTenant(ctx, d.cfg.Client.Tenant)
	case d.cfg.Client.Subdomain != "":
		return d.engine.SwitchTenantBySubdomain(ctx, d.cfg.Client.Subdomain)
	}
	if d.cfg.Client.UserID != "" {
		session, err := d.cache.Session(ctx, d.cfg.Client.UserID)
		if err != nil {
			d.logger.Debug("session lookup failed", zap.Error(err))
		}
		if session != nil && session.ActiveTenantID != "" {
			return session.ActiveTenantID, d.engine.SwitchTenant(ctx, session.ActiveTenantID)
		}
	}
	tenants, err := d.engine.Tenants(ctx, false)
	if err != nil {
		return "", fmt.Errorf("list tenants: %w", err)
	}
	if len(tenants) == 0 {
		return "", syncengine.ErrNoActiveTenant
	}
	return tenants[0].ID, d.engine.SwitchTenant(ctx, tenants[0].ID)
}

// reconcile enqueues a refresh for every loaded key so that changes missed
// while the push channel was down are picked up.
func (d *daemon) reconcile() {
	status := d.engine.Status()
	if status.TenantID == "" {
		return
	}
	keys := d.engine.LoadedKeys()
	for _, key := range keys {
		d.engine.Dispatcher().Enqueue(syncengine.RefreshEvent{Key: key, TenantID: status.TenantID})
	}
	d.logger.Debug("reconcile enqueued", zap.String("tenant_id", status.TenantID), zap.Int("keys", len(keys)))
}

func (d *daemon) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Sync.WriteTimeout)
	defer cancel()
	err := d.engine.Close(ctx)
	return errors.Join(err, d.cache.Close())
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, once bool) error {
	reg := prometheus.NewRegistry()
	d, err := newDaemon(cfg, logger, reg)
	if err != nil {
		return err
	}

	tenantID, err := d.activate(ctx)
	if err != nil {
		_ = d.close()
		return fmt.Errorf("activate tenant: %w", err)
	}
	logger.Info("tenant active", zap.String("tenant_id", tenantID), zap.Bool("from_cache", d.engine.Status().FromCache))
	if once {
		return d.close()
	}

	g, gctx := errgroup.WithContext(ctx)
	if d.push != nil {
		g.Go(func() error { return d.push.Run(gctx) })
	}
	if cfg.Cache.Watch {
		g.Go(func() error {
			err := d.cache.Watch(gctx, func(tenantID, key string) {
				d.engine.Dispatcher().Enqueue(syncengine.RefreshEvent{Key: key, TenantID: tenantID})
			})
			if errors.Is(err, cache.ErrNotImplemented) {
				logger.Info("cache watch unavailable for this backend", zap.String("dsn", cfg.Cache.DSN))
				return nil
			}
			return err
		})
	}
	if cfg.Metrics.Enabled {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics, reg, logger) })
	}
	if cfg.Client.ReconcileInterval > 0 {
		g.Go(func() error {
			timer := time.NewTimer(jitteredIntervalWithSample(cfg.Client.ReconcileInterval, reconcileJitter, rand.Float64()))
			defer timer.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-timer.C:
					d.reconcile()
					timer.Reset(jitteredIntervalWithSample(cfg.Client.ReconcileInterval, reconcileJitter, rand.Float64()))
				}
			}
		})
	}

	<-gctx.Done()
	logger.Info("tenantsync stopping", zap.Error(context.Cause(gctx)))
	runErr := g.Wait()
	return errors.Join(runErr, d.close())
}

func serveMetrics(ctx context.Context, mc config.MetricsConfig, reg *prometheus.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(mc.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: mc.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("metrics listening", zap.String("addr", mc.Addr), zap.String("path", mc.Path))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by +/- jitterRatio using a sample
// in [0, 1].
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	sample = min(max(sample, 0), 1)
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
