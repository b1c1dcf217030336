package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig configures the per-host circuit breaker on outbound sends
type BreakerConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxFailures is the number of consecutive failures that opens the breaker
	MaxFailures uint32 `yaml:"maxFailures"`
	// OpenTimeout is how long the breaker stays open before letting a probe through
	OpenTimeout time.Duration `yaml:"openTimeout"`
}

type breakers struct {
	config BreakerConfig
	logger *slog.Logger

	mu     sync.Mutex
	byHost map[string]*gobreaker.CircuitBreaker
}

func newBreakers(config BreakerConfig, logger *slog.Logger) *breakers {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.OpenTimeout == 0 {
		config.OpenTimeout = time.Minute
	}
	return &breakers{
		config: config,
		logger: logger,
		byHost: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (b *breakers) get(host string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.byHost[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     b.config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.config.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("partner circuit breaker state changed",
				"host", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	b.byHost[host] = cb
	return cb
}

func (b *breakers) execute(host string, fn func() error) error {
	_, err := b.get(host).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("send to %s suspended: %w", host, err)
	}
	return err
}
