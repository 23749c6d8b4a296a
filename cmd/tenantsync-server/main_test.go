package main

import (
	"path/filepath"
	"testing"

	"github.com/agentworkforce/tenantsync/internal/backend"
	"github.com/agentworkforce/tenantsync/internal/config"
)

func TestStateDSNForProfile(t *testing.T) {
	tests := []struct {
		profile  string
		dataDir  string
		postgres string
		want     string
		wantErr  bool
	}{
		{profile: "", want: ""},
		{profile: "custom", want: ""},
		{profile: "memory", want: "memory://"},
		{profile: "durable-local", dataDir: "/var/lib/ts", want: "file://" + filepath.Join("/var/lib/ts", "state.json")},
		{profile: "local-durable", want: "file://" + filepath.Join(".tenantsync", "state.json")},
		{profile: "production", postgres: "postgres://u:p@db/ts", want: "postgres://u:p@db/ts"},
		{profile: "prod", wantErr: true},
		{profile: "cloud", wantErr: true},
	}
	for _, tt := range tests {
		got, err := stateDSNForProfile(tt.profile, tt.dataDir, tt.postgres)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("profile %q: expected error", tt.profile)
			}
			continue
		}
		if err != nil {
			t.Fatalf("profile %q: unexpected error %v", tt.profile, err)
		}
		if got != tt.want {
			t.Fatalf("profile %q: expected %q, got %q", tt.profile, tt.want, got)
		}
	}
}

func TestStateDSNFromEnvPrefersExplicit(t *testing.T) {
	t.Setenv("TENANTSYNC_BACKEND_PROFILE", "memory")
	got, err := stateDSNFromEnv("file:///tmp/state.json")
	if err != nil || got != "file:///tmp/state.json" {
		t.Fatalf("expected explicit DSN, got %q err=%v", got, err)
	}
	got, err = stateDSNFromEnv(" ")
	if err != nil || got != "memory://" {
		t.Fatalf("expected profile DSN, got %q err=%v", got, err)
	}
}

func TestSeedTenantsIsIdempotent(t *testing.T) {
	store := backend.NewStore()
	if err := seedTenants(store, "t1:alpha:Alpha Inc, t2:beta"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := seedTenants(store, "t1:alpha:Alpha Inc"); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	tenants := store.ListTenants()
	if len(tenants) != 2 {
		t.Fatalf("expected 2 tenants, got %d", len(tenants))
	}
	if tenants[0].Name != "Alpha Inc" || tenants[1].Name != "beta" {
		t.Fatalf("unexpected tenants %+v", tenants)
	}
	if err := seedTenants(store, "broken"); err == nil {
		t.Fatal("expected error for malformed seed")
	}
}

func TestRedactDSN(t *testing.T) {
	if got := redactDSN("postgres://user:secret@db:5432/ts"); got != "postgres://***@db:5432/ts" {
		t.Fatalf("unexpected redaction %q", got)
	}
	if got := redactDSN("file:///tmp/state.json"); got != "file:///tmp/state.json" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestJWTSecretDefault(t *testing.T) {
	cfg := config.Default()
	if got := jwtSecret(cfg); got != "dev-secret" {
		t.Fatalf("expected dev-secret, got %q", got)
	}
	cfg.Server.JWTSecret = "s3cret"
	if got := jwtSecret(cfg); got != "s3cret" {
		t.Fatalf("expected configured secret, got %q", got)
	}
}
