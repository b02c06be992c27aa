package api

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreaker guards calls to one endpoint class.
type CircuitBreaker interface {
	Execute(fn func() error) error
}

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	FailureThreshold int
	MinRequests      int
	Interval         time.Duration // closed-state window for clearing counts
	RecoveryTime     time.Duration // open duration before half-open
	HalfOpenRequests int
}

type noopBreaker struct{}

func (noopBreaker) Execute(fn func() error) error {
	return fn()
}

// NoopBreaker returns a breaker that always passes calls through.
func NoopBreaker() CircuitBreaker {
	return noopBreaker{}
}

type gobreakerWrapper struct {
	cb *gobreaker.CircuitBreaker
}

func (g *gobreakerWrapper) Execute(fn func() error) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// NewBreaker creates a gobreaker-backed breaker named after the endpoint class.
// Only transient failures count against it: an auth or validation error says
// nothing about the health of the endpoint.
func NewBreaker(name string, cfg BreakerConfig, logger *slog.Logger) CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(max(cfg.HalfOpenRequests, 1)),
		Interval:    cfg.Interval,
		Timeout:     cfg.RecoveryTime,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(cfg.MinRequests) {
				return false
			}
			return counts.TotalFailures >= uint32(cfg.FailureThreshold)
		},

		IsSuccessful: func(err error) bool {
			return Classify(err) != ClassTransient
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"class", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}

	return &gobreakerWrapper{
		cb: gobreaker.NewCircuitBreaker(settings),
	}
}
