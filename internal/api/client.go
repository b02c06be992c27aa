package api

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/ovh-sniper/internal/auth"
	"github.com/rickgao/ovh-sniper/internal/ratelimit"
)

// Gate is the outbound call gate consulted before provider calls.
type Gate interface {
	Acquire(class string) ratelimit.Decision
	Penalize(class string, d time.Duration)
}

// OrderOptions are the cart settings applied to every submission.
type OrderOptions struct {
	Subsidiary  string // e.g. "FR"
	Product     string // cart product path, e.g. "eco" or "baremetalServers"
	Duration    string // e.g. "P1M"
	PricingMode string // e.g. "default"
	AutoPay     bool
	OS          string // dedicated_os configuration value
}

// DefaultOrderOptions returns sensible defaults.
func DefaultOrderOptions() OrderOptions {
	return OrderOptions{
		Subsidiary:  "FR",
		Product:     "eco",
		Duration:    "P1M",
		PricingMode: "default",
		OS:          "none_64.en",
	}
}

// Client provides access to the OVH REST API.
type Client struct {
	baseURL    string
	creds      *auth.Store
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration

	gate     Gate
	breakers map[string]CircuitBreaker
	order    OrderOptions

	// Server clock offset in seconds, for signatures.
	timeOffset atomic.Int64
	timeSynced atomic.Bool
	timeGroup  singleflight.Group
	now        func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST API client. creds may be nil for unsigned calls.
func NewClient(baseURL string, creds *auth.Store, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		creds:   creds,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: time.Second,
		breakers:     make(map[string]CircuitBreaker),
		order:        DefaultOrderOptions(),
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration for idempotent reads.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithGate routes every outbound call through the given gate.
func WithGate(g Gate) ClientOption {
	return func(c *Client) {
		c.gate = g
	}
}

// WithBreaker installs a circuit breaker for an endpoint class.
func WithBreaker(class string, cb CircuitBreaker) ClientOption {
	return func(c *Client) {
		c.breakers[class] = cb
	}
}

// WithOrderOptions sets the cart settings.
func WithOrderOptions(o OrderOptions) ClientOption {
	return func(c *Client) {
		c.order = o
	}
}

// WithClock sets the local time source used for signatures.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// Credentials returns the credential store the client signs with.
func (c *Client) Credentials() *auth.Store {
	return c.creds
}
