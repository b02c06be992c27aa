package config

import "time"

// Endpoint classes shared with the rate limiter.
const (
	ClassAvailability = "availability"
	ClassOrder        = "order"
	ClassCatalog      = "catalog"
)

// Default values for optional configuration fields.
const (
	DefaultInstanceID         = "ovh-sniper"
	DefaultLogLevel           = "info"
	DefaultEndpoint           = "https://eu.api.ovh.com/1.0"
	DefaultSubsidiary         = "FR"
	DefaultAPITimeout         = 10 * time.Second
	DefaultMaxRetries         = 3
	DefaultRetryBackoff       = time.Second
	DefaultBreakerThreshold   = 5
	DefaultBreakerMinRequests = 10
	DefaultBreakerInterval    = 60 * time.Second
	DefaultBreakerRecovery    = 30 * time.Second
	DefaultBreakerHalfOpen    = 1
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 5
	DefaultMinConns           = 1
	DefaultPollInterval       = 60 * time.Second
	MinPollInterval           = 60 * time.Second
	DefaultPollJitter         = 5 * time.Second
	DefaultPollTimeout        = 10 * time.Second
	DefaultPollMaxAttempts    = 3
	DefaultPollRetryBackoff   = 500 * time.Millisecond
	DefaultReconcileInterval  = 30 * time.Second
	DefaultCatalogInterval    = 10 * time.Minute
	DefaultOrderTimeout       = 20 * time.Second
	DefaultSubmitRetries      = 2
	DefaultOrderRetryDelay    = 2 * time.Second
	DefaultFailureThreshold   = 3
	DefaultFailureCooldown    = 5 * time.Minute
	DefaultOrderProduct       = "eco"
	DefaultOrderDuration      = "P1M"
	DefaultPricingMode        = "default"
	DefaultBackoffBase        = 30 * time.Second
	DefaultBackoffCeiling     = 30 * time.Minute
	DefaultNotifyMaxPending   = 1000
	DefaultNotifyTimeout      = 10 * time.Second
	DefaultTelegramAPIURL     = "https://api.telegram.org"
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
	DefaultWatchQuantity      = 1
	DefaultAvailabilityRPS    = 2.0
	DefaultAvailabilityBurst  = 4
	DefaultOrderRPS           = 1.0
	DefaultOrderBurst         = 2
	DefaultCatalogRPS         = 0.2
	DefaultCatalogBurst       = 1
)

func (c *Config) applyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}

	// API defaults
	if c.API.Endpoint == "" {
		c.API.Endpoint = DefaultEndpoint
	}
	if c.API.Subsidiary == "" {
		c.API.Subsidiary = DefaultSubsidiary
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}
	if c.API.RetryBackoff == 0 {
		c.API.RetryBackoff = DefaultRetryBackoff
	}
	b := &c.API.Breaker
	if b.FailureThreshold == 0 {
		b.FailureThreshold = DefaultBreakerThreshold
	}
	if b.MinRequests == 0 {
		b.MinRequests = DefaultBreakerMinRequests
	}
	if b.Interval == 0 {
		b.Interval = DefaultBreakerInterval
	}
	if b.RecoveryTime == 0 {
		b.RecoveryTime = DefaultBreakerRecovery
	}
	if b.HalfOpenRequests == 0 {
		b.HalfOpenRequests = DefaultBreakerHalfOpen
	}

	// Database defaults
	if c.Database.Postgres.Enabled() {
		applyDBDefaults(&c.Database.Postgres)
		if c.Database.Postgres.ApplicationName == "" {
			c.Database.Postgres.ApplicationName = c.Instance.ID
		}
	}

	// Poller defaults
	if c.Poller.Interval == 0 {
		c.Poller.Interval = DefaultPollInterval
	}
	if c.Poller.Jitter == 0 {
		c.Poller.Jitter = DefaultPollJitter
	}
	if c.Poller.Timeout == 0 {
		c.Poller.Timeout = DefaultPollTimeout
	}
	if c.Poller.MaxAttempts == 0 {
		c.Poller.MaxAttempts = DefaultPollMaxAttempts
	}
	if c.Poller.RetryBackoff == 0 {
		c.Poller.RetryBackoff = DefaultPollRetryBackoff
	}
	if c.Poller.ReconcileInterval == 0 {
		c.Poller.ReconcileInterval = DefaultReconcileInterval
	}
	if c.Catalog.Interval == 0 {
		c.Catalog.Interval = DefaultCatalogInterval
	}

	// Orchestrator defaults
	o := &c.Orchestrator
	if o.OrderTimeout == 0 {
		o.OrderTimeout = DefaultOrderTimeout
	}
	if o.SubmitRetries == 0 {
		o.SubmitRetries = DefaultSubmitRetries
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = DefaultOrderRetryDelay
	}
	if o.FailureThreshold == 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.FailureCooldown == 0 {
		o.FailureCooldown = DefaultFailureCooldown
	}
	if o.Product == "" {
		o.Product = DefaultOrderProduct
	}
	if o.Duration == "" {
		o.Duration = DefaultOrderDuration
	}
	if o.PricingMode == "" {
		o.PricingMode = DefaultPricingMode
	}

	// Rate limit defaults
	if c.RateLimits == nil {
		c.RateLimits = make(map[string]RateLimitConfig)
	}
	applyRateDefault(c.RateLimits, ClassAvailability, DefaultAvailabilityRPS, DefaultAvailabilityBurst)
	applyRateDefault(c.RateLimits, ClassOrder, DefaultOrderRPS, DefaultOrderBurst)
	applyRateDefault(c.RateLimits, ClassCatalog, DefaultCatalogRPS, DefaultCatalogBurst)

	if c.Backoff.Base == 0 {
		c.Backoff.Base = DefaultBackoffBase
	}
	if c.Backoff.Ceiling == 0 {
		c.Backoff.Ceiling = DefaultBackoffCeiling
	}

	// Notify defaults
	if c.Notify.MaxPending == 0 {
		c.Notify.MaxPending = DefaultNotifyMaxPending
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = DefaultNotifyTimeout
	}
	if c.Notify.Telegram.APIURL == "" {
		c.Notify.Telegram.APIURL = DefaultTelegramAPIURL
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	for i := range c.Watches {
		if c.Watches[i].Quantity == 0 {
			c.Watches[i].Quantity = DefaultWatchQuantity
		}
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}

func applyRateDefault(m map[string]RateLimitConfig, class string, rps float64, burst int) {
	rl := m[class]
	if rl.RPS == 0 {
		rl.RPS = rps
	}
	if rl.Burst == 0 {
		rl.Burst = burst
	}
	m[class] = rl
}
