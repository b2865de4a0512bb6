// Package resilience protects the language-model backend: a retrying
// provider wrapper for transient upstream errors and a circuit breaker that
// stops hammering a backend that keeps failing.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Allow] while the breaker is open and
// its cooldown has not yet elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// Threshold is the number of consecutive failures before the breaker
	// opens. Default: 5.
	Threshold int

	// Cooldown is how long the breaker rejects calls after opening before a
	// probe call is let through. Default: 30s.
	Cooldown time.Duration
}

// Breaker is a consecutive-failure circuit breaker. After Threshold failures
// in a row it rejects calls for Cooldown, then lets a single probe through;
// a successful probe closes it again, a failed one restarts the cooldown.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a Breaker, filling in defaults for zero config fields.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{name: cfg.Name, threshold: cfg.Threshold, cooldown: cfg.Cooldown}
}

// Allow reports whether a call may proceed. It returns ErrBreakerOpen while
// the breaker is open. The caller must report the call's outcome via
// [Breaker.Record].
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.threshold {
		return nil
	}
	if time.Since(b.openedAt) < b.cooldown {
		return ErrBreakerOpen
	}
	if b.probing {
		return ErrBreakerOpen
	}
	b.probing = true
	slog.Info("breaker letting probe call through", "name", b.name)
	return nil
}

// Record reports the outcome of an allowed call.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.failures >= b.threshold {
			slog.Info("breaker closed", "name", b.name)
		}
		b.failures = 0
		b.probing = false
		return
	}

	b.failures++
	b.probing = false
	if b.failures >= b.threshold {
		b.openedAt = time.Now()
		if b.failures == b.threshold {
			slog.Warn("breaker opened",
				"name", b.name,
				"consecutive_failures", b.failures)
		}
	}
}

// Open reports whether the breaker currently rejects calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures >= b.threshold && time.Since(b.openedAt) < b.cooldown
}
