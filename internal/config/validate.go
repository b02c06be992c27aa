package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rickgao/ovh-sniper/internal/model"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}

	if c.API.Endpoint == "" {
		return errors.New("api.endpoint is required")
	}
	if c.API.AppKey == "" {
		return errors.New("api.app_key is required")
	}
	if c.API.AppSecret == "" {
		return errors.New("api.app_secret is required")
	}
	if c.API.ConsumerKey == "" {
		return errors.New("api.consumer_key is required")
	}
	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}

	if c.Database.Postgres.Enabled() {
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
	}

	if c.Poller.Interval < MinPollInterval {
		return fmt.Errorf("poller.interval must be >= %s, got %s", MinPollInterval, c.Poller.Interval)
	}
	if c.Poller.Jitter < 0 {
		return errors.New("poller.jitter must be >= 0")
	}
	if c.Poller.Timeout <= 0 {
		return errors.New("poller.timeout must be > 0")
	}
	if c.Poller.MaxAttempts < 1 {
		return errors.New("poller.max_attempts must be >= 1")
	}

	if c.Orchestrator.OrderTimeout <= 0 {
		return errors.New("orchestrator.order_timeout must be > 0")
	}
	if c.Orchestrator.FailureThreshold < 1 {
		return errors.New("orchestrator.failure_threshold must be >= 1")
	}

	for class, rl := range c.RateLimits {
		if rl.RPS <= 0 {
			return fmt.Errorf("rate_limits.%s.rps must be > 0", class)
		}
		if rl.Burst < 1 {
			return fmt.Errorf("rate_limits.%s.burst must be >= 1", class)
		}
	}

	if c.Backoff.Base <= 0 {
		return errors.New("backoff.base must be > 0")
	}
	if c.Backoff.Ceiling < c.Backoff.Base {
		return fmt.Errorf("backoff.ceiling (%s) cannot be below backoff.base (%s)", c.Backoff.Ceiling, c.Backoff.Base)
	}

	if c.Notify.MaxPending < 1 {
		return errors.New("notify.max_pending must be >= 1")
	}
	for i, hook := range c.Notify.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("notify.webhooks[%d].url is required", i)
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	for i, w := range c.Watches {
		if w.PlanCode == "" {
			return fmt.Errorf("watches[%d].plan_code is required", i)
		}
		if w.Datacenter != "" && !model.IsDatacenter(w.Datacenter) {
			return fmt.Errorf("watches[%d].datacenter %q is not a known datacenter", i, w.Datacenter)
		}
		for j, dc := range w.Datacenters {
			if !model.IsDatacenter(dc) {
				return fmt.Errorf("watches[%d].datacenters[%d] %q is not a known datacenter", i, j, dc)
			}
		}
		if w.Quantity < 1 {
			return fmt.Errorf("watches[%d].quantity must be >= 1", i)
		}
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.URL == "" {
		if db.Name == "" {
			return fmt.Errorf("%s.name is required", prefix)
		}
		if db.User == "" {
			return fmt.Errorf("%s.user is required", prefix)
		}
		if db.Password == "" {
			return fmt.Errorf("%s.password is required", prefix)
		}
	}
	if db.ConnectTimeout < 0 {
		return fmt.Errorf("%s.connect_timeout must be >= 0", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
