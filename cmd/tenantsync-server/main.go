package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentworkforce/tenantsync/internal/backend"
	"github.com/agentworkforce/tenantsync/internal/config"
	"github.com/agentworkforce/tenantsync/internal/httpapi"
	"github.com/agentworkforce/tenantsync/internal/metrics"
	"github.com/agentworkforce/tenantsync/internal/push"
)

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("TENANTSYNC_CONFIG")), "YAML config file")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the environment is read")
	seed := flag.String("seed", strings.TrimSpace(os.Getenv("TENANTSYNC_SEED_TENANTS")), "tenants to create at startup, as id:subdomain[:name],...")
	issueFor := flag.String("issue-token", "", "print a development token for this subject and exit")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("failed to load env file: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *issueFor != "" {
		token, err := httpapi.IssueToken(jwtSecret(cfg), *issueFor, []string{"*"}, []string{
			httpapi.ScopeDataRead, httpapi.ScopeDataWrite, httpapi.ScopeTenantsRead, httpapi.ScopeTenantsAdmin,
		}, 24*time.Hour)
		if err != nil {
			log.Fatalf("failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	stateDSN, err := stateDSNFromEnv(cfg.Server.StateDSN)
	if err != nil {
		logger.Fatal("failed to resolve state backend", zap.Error(err))
	}
	stateBackend, err := backend.BuildStateBackendFromDSN(stateDSN)
	if err != nil {
		logger.Fatal("failed to initialize state backend", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store, err := backend.NewStoreWithOptions(backend.StoreOptions{
		StateBackend: stateBackend,
		Logger:       logger.Named("store"),
	})
	if err != nil {
		logger.Fatal("failed to load store", zap.Error(err))
	}
	defer store.Close()
	if err := seedTenants(store, *seed); err != nil {
		logger.Fatal("failed to seed tenants", zap.Error(err))
	}

	hub := push.NewHub(logger.Named("push"), m)
	server := httpapi.NewServerWithConfig(store, hub, httpapi.ServerConfig{
		JWTSecret:       cfg.Server.JWTSecret,
		RateLimitMax:    cfg.Server.RateLimitMax,
		RateLimitWindow: cfg.Server.RateLimitWindow,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		Logger:          logger.Named("http"),
		Metrics:         m,
	})

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", server)
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-rootCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	logger.Info("tenantsync server listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("state_dsn", redactDSN(stateDSN)),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func jwtSecret(cfg *config.Config) string {
	if cfg.Server.JWTSecret != "" {
		return cfg.Server.JWTSecret
	}
	return "dev-secret"
}

// stateDSNFromEnv prefers an explicit DSN, then TENANTSYNC_BACKEND_PROFILE.
func stateDSNFromEnv(explicit string) (string, error) {
	if dsn := strings.TrimSpace(explicit); dsn != "" {
		return dsn, nil
	}
	return stateDSNForProfile(
		os.Getenv("TENANTSYNC_BACKEND_PROFILE"),
		os.Getenv("TENANTSYNC_DATA_DIR"),
		os.Getenv("TENANTSYNC_POSTGRES_DSN"),
	)
}

func stateDSNForProfile(profile, dataDir, postgresDSN string) (string, error) {
	profile = strings.ToLower(strings.TrimSpace(profile))
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		dataDir = ".tenantsync"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	case "production", "prod":
		postgresDSN = strings.TrimSpace(postgresDSN)
		if postgresDSN == "" {
			return "", fmt.Errorf("TENANTSYNC_POSTGRES_DSN is required when TENANTSYNC_BACKEND_PROFILE=%s", profile)
		}
		return postgresDSN, nil
	default:
		return "", fmt.Errorf("unsupported TENANTSYNC_BACKEND_PROFILE: %s", profile)
	}
}

// seedTenants creates the listed tenants unless their ID or subdomain
// already exists, so restarts against durable state are harmless.
func seedTenants(store *backend.Store, spec string) error {
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, ":", 3)
		if len(parts) < 2 {
			return fmt.Errorf("invalid seed %q, want id:subdomain[:name]", item)
		}
		tenant := backend.Tenant{ID: parts[0], Subdomain: parts[1], Name: parts[1]}
		if len(parts) == 3 && parts[2] != "" {
			tenant.Name = parts[2]
		}
		if _, err := store.GetTenant(tenant.ID); err == nil {
			continue
		}
		if _, err := store.CreateTenant(tenant); err != nil && !errors.Is(err, backend.ErrSubdomainTaken) {
			return fmt.Errorf("seed %s: %w", tenant.ID, err)
		}
	}
	return nil
}

func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}
