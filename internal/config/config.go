package config

import (
	"slices"
	"time"

	"github.com/rickgao/ovh-sniper/internal/model"
)

// Config is the root configuration for a sniper instance.
type Config struct {
	Instance     InstanceConfig             `yaml:"instance"`
	Log          LogConfig                  `yaml:"log"`
	API          APIConfig                  `yaml:"api"`
	Database     DatabaseConfig             `yaml:"database"`
	Poller       PollerConfig               `yaml:"poller"`
	Catalog      CatalogConfig              `yaml:"catalog"`
	Orchestrator OrchestratorConfig         `yaml:"orchestrator"`
	RateLimits   map[string]RateLimitConfig `yaml:"rate_limits"` // keyed by endpoint class
	Backoff      BackoffConfig              `yaml:"backoff"`
	Notify       NotifyConfig               `yaml:"notify"`
	Metrics      MetricsConfig              `yaml:"metrics"`
	Watches      []WatchConfig              `yaml:"watches"`
}

// InstanceConfig identifies this sniper.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// LogConfig selects the slog level.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// APIConfig holds OVH API settings.
type APIConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	AppKey       string        `yaml:"app_key"`
	AppSecret    string        `yaml:"app_secret"`   // may be sealed
	ConsumerKey  string        `yaml:"consumer_key"` // may be sealed
	SiteSecret   string        `yaml:"site_secret"`  // usually ${SITE_SECRET}
	Subsidiary   string        `yaml:"subsidiary"`   // OVH subsidiary for carts (e.g., "FR")
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	Breaker      BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the per-endpoint circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	MinRequests      int           `yaml:"min_requests"`
	Interval         time.Duration `yaml:"interval"`
	RecoveryTime     time.Duration `yaml:"recovery_time"`
	HalfOpenRequests int           `yaml:"half_open_requests"`
}

// DatabaseConfig holds the PostgreSQL connection for the watch registry.
// An empty host selects the in-memory registry.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	URL             string        `yaml:"url"` // Full DSN; replaces host, port, name, user and password
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`
	ApplicationName string        `yaml:"application_name"` // Shown in pg_stat_activity; defaults to the instance ID
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	MaxConns        int           `yaml:"max_conns"`
	MinConns        int           `yaml:"min_conns"`
}

// Enabled reports whether a database is configured.
func (db DBConfig) Enabled() bool {
	return db.Host != "" || db.URL != ""
}

// PollerConfig holds availability poller settings.
type PollerConfig struct {
	Interval          time.Duration `yaml:"interval"`
	Jitter            time.Duration `yaml:"jitter"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// CatalogConfig holds new-server detection settings.
type CatalogConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// OrchestratorConfig holds order submission settings.
type OrchestratorConfig struct {
	OrderTimeout     time.Duration `yaml:"order_timeout"`
	SubmitRetries    int           `yaml:"submit_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureCooldown  time.Duration `yaml:"failure_cooldown"`
	Product          string        `yaml:"product"`      // cart product path, e.g. "eco"
	Duration         string        `yaml:"duration"`     // commitment, e.g. "P1M"
	PricingMode      string        `yaml:"pricing_mode"` // e.g. "default"
	AutoPay          bool          `yaml:"auto_pay"`
}

// RateLimitConfig is a token bucket for one endpoint class.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// BackoffConfig holds the multiplicative cooldown policy.
type BackoffConfig struct {
	Base    time.Duration `yaml:"base"`
	Ceiling time.Duration `yaml:"ceiling"`
}

// NotifyConfig holds notification sink settings.
type NotifyConfig struct {
	MaxPending int             `yaml:"max_pending"`
	Timeout    time.Duration   `yaml:"timeout"`
	Telegram   TelegramConfig  `yaml:"telegram"`
	Webhooks   []WebhookConfig `yaml:"webhooks"`
}

// TelegramConfig configures the Telegram bot sink.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
	APIURL   string `yaml:"api_url"`
}

// Enabled reports whether the Telegram sink is configured.
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != ""
}

// WebhookConfig configures a webhook sink.
type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Secret  string   `yaml:"secret"`
	Events  []string `yaml:"events"` // empty = all kinds
	Enabled *bool    `yaml:"enabled"`
}

// MetricsConfig holds the status/metrics HTTP server settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// WatchConfig seeds a watch target at startup.
type WatchConfig struct {
	PlanCode          string   `yaml:"plan_code"`
	Datacenter        string   `yaml:"datacenter"`
	Datacenters       []string `yaml:"datacenters"`
	Memory            string   `yaml:"memory"`
	Storage           string   `yaml:"storage"`
	ServerName        string   `yaml:"server_name"`
	Quantity          int      `yaml:"quantity"`
	AutoOrder         *bool    `yaml:"auto_order"`
	NotifyAvailable   *bool    `yaml:"notify_available"`
	NotifyUnavailable bool     `yaml:"notify_unavailable"`
}

// Zones returns the datacenters the watch expands to, one target each, in
// configured order without duplicates. A watch naming no datacenter covers
// every known zone.
func (w WatchConfig) Zones() []string {
	configured := w.Datacenters
	if w.Datacenter != "" {
		configured = append([]string{w.Datacenter}, configured...)
	}
	if len(configured) == 0 {
		return slices.Clone(model.Datacenters)
	}

	zones := make([]string, 0, len(configured))
	for _, dc := range configured {
		dc = model.NormalizeDatacenter(dc)
		if !slices.Contains(zones, dc) {
			zones = append(zones, dc)
		}
	}
	return zones
}
