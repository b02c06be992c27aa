package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/rickgao/ovh-sniper/internal/cryptoutils"
	"github.com/rickgao/ovh-sniper/internal/model"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: test-sniper
api:
  endpoint: https://ca.api.ovh.com/1.0
  app_key: ak
  app_secret: as
  consumer_key: ck
poller:
  interval: 2m
watches:
  - plan_code: 24ska01
    datacenter: gra
    quantity: 2
`
	path := writeTempFile(t, "config.yaml", yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "test-sniper" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "test-sniper")
	}
	if cfg.API.Endpoint != "https://ca.api.ovh.com/1.0" {
		t.Errorf("API.Endpoint = %q", cfg.API.Endpoint)
	}
	if cfg.Poller.Interval != 2*time.Minute {
		t.Errorf("Poller.Interval = %v, want %v", cfg.Poller.Interval, 2*time.Minute)
	}
	if len(cfg.Watches) != 1 || cfg.Watches[0].Quantity != 2 {
		t.Errorf("Watches = %+v", cfg.Watches)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_OVH_SECRET", "secret123")

	yaml := `
api:
  app_key: ak
  app_secret: ${TEST_OVH_SECRET}
  consumer_key: ck
`
	path := writeTempFile(t, "config.yaml", yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.API.AppSecret != "secret123" {
		t.Errorf("API.AppSecret = %q, want %q", cfg.API.AppSecret, "secret123")
	}
}

func TestLoadEnvFile(t *testing.T) {
	envPath := writeTempFile(t, ".env", "TEST_SNIPER_CONSUMER=from-dotenv\n")
	t.Setenv("TEST_SNIPER_CONSUMER", "")
	os.Unsetenv("TEST_SNIPER_CONSUMER")

	if err := LoadEnvFile(envPath); err != nil {
		t.Fatalf("LoadEnvFile failed: %v", err)
	}
	if got := os.Getenv("TEST_SNIPER_CONSUMER"); got != "from-dotenv" {
		t.Errorf("TEST_SNIPER_CONSUMER = %q, want %q", got, "from-dotenv")
	}

	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing env file should be ignored, got %v", err)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
api:
  app_key: ak
  app_secret: as
  consumer_key: ck
watches:
  - plan_code: 24ska01
    datacenter: rbx
`
	path := writeTempFile(t, "config.yaml", yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.API.Endpoint != DefaultEndpoint {
		t.Errorf("API.Endpoint = %q, want default %q", cfg.API.Endpoint, DefaultEndpoint)
	}
	if cfg.Poller.Interval != DefaultPollInterval {
		t.Errorf("Poller.Interval = %v, want default %v", cfg.Poller.Interval, DefaultPollInterval)
	}
	if cfg.Backoff.Ceiling != DefaultBackoffCeiling {
		t.Errorf("Backoff.Ceiling = %v, want default %v", cfg.Backoff.Ceiling, DefaultBackoffCeiling)
	}
	if rl := cfg.RateLimits[ClassOrder]; rl.RPS != DefaultOrderRPS || rl.Burst != DefaultOrderBurst {
		t.Errorf("RateLimits[order] = %+v", rl)
	}
	if cfg.Watches[0].Quantity != DefaultWatchQuantity {
		t.Errorf("Watches[0].Quantity = %d, want %d", cfg.Watches[0].Quantity, DefaultWatchQuantity)
	}
	if cfg.Database.Postgres.Port != 0 {
		t.Errorf("Database.Postgres.Port = %d, want 0 when no host is set", cfg.Database.Postgres.Port)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() after defaults: %v", err)
	}
}

func TestOpenSealed(t *testing.T) {
	sealed, err := cryptoutils.Seal("plain-secret", "site-secret")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	cfg := &Config{API: APIConfig{
		AppSecret:  SealedPrefix + sealed,
		SiteSecret: "site-secret",
	}}
	if err := cfg.OpenSealed(); err != nil {
		t.Fatalf("OpenSealed failed: %v", err)
	}
	if cfg.API.AppSecret != "plain-secret" {
		t.Errorf("AppSecret = %q, want %q", cfg.API.AppSecret, "plain-secret")
	}

	cfg = &Config{API: APIConfig{AppSecret: SealedPrefix + sealed}}
	err = cfg.OpenSealed()
	if err == nil || !strings.Contains(err.Error(), "site_secret is empty") {
		t.Errorf("OpenSealed without site secret: err = %v", err)
	}

	cfg = &Config{API: APIConfig{AppSecret: SealedPrefix + sealed, SiteSecret: "other"}}
	if err := cfg.OpenSealed(); err == nil {
		t.Error("OpenSealed with wrong site secret should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "missing app key",
			mutate:  func(c *Config) { c.API.AppKey = "" },
			wantErr: "api.app_key is required",
		},
		{
			name:    "poll interval below minimum",
			mutate:  func(c *Config) { c.Poller.Interval = 30 * time.Second },
			wantErr: "poller.interval must be >= 1m0s, got 30s",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: `log.level must be one of debug, info, warn, error, got "loud"`,
		},
		{
			name: "ceiling below base",
			mutate: func(c *Config) {
				c.Backoff.Base = time.Minute
				c.Backoff.Ceiling = time.Second
			},
			wantErr: "backoff.ceiling (1s) cannot be below backoff.base (1m0s)",
		},
		{
			name:    "zero rate",
			mutate:  func(c *Config) { c.RateLimits[ClassOrder] = RateLimitConfig{RPS: 0, Burst: 1} },
			wantErr: "rate_limits.order.rps must be > 0",
		},
		{
			name:    "unknown datacenter",
			mutate:  func(c *Config) { c.Watches = []WatchConfig{{PlanCode: "x", Datacenter: "mars", Quantity: 1}} },
			wantErr: `watches[0].datacenter "mars" is not a known datacenter`,
		},
		{
			name: "unknown datacenter in list",
			mutate: func(c *Config) {
				c.Watches = []WatchConfig{{PlanCode: "x", Datacenters: []string{"gra", "mars"}, Quantity: 1}}
			},
			wantErr: `watches[0].datacenters[1] "mars" is not a known datacenter`,
		},
		{
			name:   "watch without datacenter",
			mutate: func(c *Config) { c.Watches = []WatchConfig{{PlanCode: "x", Quantity: 1}} },
		},
		{
			name: "database url only",
			mutate: func(c *Config) {
				c.Database.Postgres = DBConfig{URL: "postgres://app:pw@pg/registry", MaxConns: 5, MinConns: 1}
			},
		},
		{
			name: "negative connect timeout",
			mutate: func(c *Config) {
				c.Database.Postgres = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 5, ConnectTimeout: -time.Second}
			},
			wantErr: "database.postgres.connect_timeout must be >= 0",
		},
		{
			name: "min_conns exceeds max_conns",
			mutate: func(c *Config) {
				c.Database.Postgres = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 5, MinConns: 10}
			},
			wantErr: "database.postgres.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name:    "webhook without url",
			mutate:  func(c *Config) { c.Notify.Webhooks = []WebhookConfig{{Secret: "s"}} },
			wantErr: "notify.webhooks[0].url is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func TestWatchZones(t *testing.T) {
	tests := []struct {
		name string
		in   WatchConfig
		want []string
	}{
		{"single", WatchConfig{Datacenter: "GRA"}, []string{"gra"}},
		{"list", WatchConfig{Datacenters: []string{"rbx", " SBG "}}, []string{"rbx", "sbg"}},
		{"single and list deduplicated", WatchConfig{Datacenter: "gra", Datacenters: []string{"rbx", "gra"}}, []string{"gra", "rbx"}},
		{"none means all", WatchConfig{}, model.Datacenters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.Zones(); !slices.Equal(got, tt.want) {
				t.Errorf("Zones() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadDatabaseApplicationName(t *testing.T) {
	yaml := `
instance:
  id: sniper-7
api:
  app_key: ak
  app_secret: as
  consumer_key: ck
database:
  postgres:
    url: postgres://app:pw@pg/registry
`
	cfg, err := LoadWithDefaults(writeTempFile(t, "config.yaml", yaml))
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}
	if got := cfg.Database.Postgres.ApplicationName; got != "sniper-7" {
		t.Errorf("ApplicationName = %q, want instance id", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func validConfig() *Config {
	cfg := &Config{
		API: APIConfig{AppKey: "ak", AppSecret: "as", ConsumerKey: "ck"},
		Watches: []WatchConfig{
			{PlanCode: "24ska01", Datacenter: "gra"},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
