package fetcher

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cuongbtq/transform-adapter/internal/worker/domain"
)

// breakers holds one circuit breaker per data source host
type breakers struct {
	failures uint32
	cooldown time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	hosts map[string]*gobreaker.CircuitBreaker
}

func newBreakers(failures int, cooldown time.Duration, logger *slog.Logger) *breakers {
	if failures < 0 {
		failures = 0
	}
	return &breakers{
		failures: uint32(failures),
		cooldown: cooldown,
		logger:   logger,
		hosts:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (b *breakers) forHost(host string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.hosts[host]; ok {
		return cb
	}

	threshold := b.failures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     b.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// only transient failures count against the host
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("Fetch circuit breaker changed state",
				slog.String("host", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	b.hosts[host] = cb
	return cb
}

// execute runs one attempt against host. A disabled breaker runs fn directly.
func (b *breakers) execute(host, rawURL string, fn func() error) error {
	if b.failures == 0 {
		return fn()
	}

	_, err := b.forHost(host).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.FetchError{
			URL: rawURL,
			Err: fmt.Errorf("circuit open for host %s: %w", host, err),
		}
	}
	return err
}

func isPermanent(err error) bool {
	var fetchErr *domain.FetchError
	return errors.As(err, &fetchErr) && fetchErr.Permanent
}
