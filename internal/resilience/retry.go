package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/MrWong99/fabula/pkg/provider/llm"
)

// RetryConfig tunes a [RetryProvider]. Zero fields take defaults.
type RetryConfig struct {
	// Attempts is the total number of tries per call. Default: 5.
	Attempts int

	// BaseDelay is the first backoff interval; it doubles per attempt with up
	// to 25% random jitter. Default: 500ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff interval. Default: 10s.
	MaxDelay time.Duration
}

func (c *RetryConfig) applyDefaults() {
	if c.Attempts <= 0 {
		c.Attempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
}

// RetryProvider wraps an [llm.Provider] with bounded retries and an optional
// circuit breaker. Only transient upstream errors (timeouts, rate limits,
// 5xx) are retried; anything else fails immediately. For streaming calls only
// establishing the stream is retried, never a stream that already started
// emitting.
type RetryProvider struct {
	inner   llm.Provider
	cfg     RetryConfig
	breaker *Breaker
}

// Compile-time interface check.
var _ llm.Provider = (*RetryProvider)(nil)

// NewRetryProvider wraps inner. breaker may be nil to retry without one.
func NewRetryProvider(inner llm.Provider, cfg RetryConfig, breaker *Breaker) *RetryProvider {
	cfg.applyDefaults()
	return &RetryProvider{inner: inner, cfg: cfg, breaker: breaker}
}

// Complete implements [llm.Provider].
func (p *RetryProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return retry(ctx, p, func() (*llm.CompletionResponse, error) {
		return p.inner.Complete(ctx, req)
	})
}

// StreamCompletion implements [llm.Provider]. A stream whose first chunk has
// already been produced is not retried on later failure.
func (p *RetryProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return retry(ctx, p, func() (<-chan llm.Chunk, error) {
		return p.inner.StreamCompletion(ctx, req)
	})
}

// CountTokens implements [llm.Provider]. Token counting is local, so it is
// delegated without retry.
func (p *RetryProvider) CountTokens(messages []llm.Message) (int, error) {
	return p.inner.CountTokens(messages)
}

// Capabilities implements [llm.Provider].
func (p *RetryProvider) Capabilities() llm.ModelCapabilities {
	return p.inner.Capabilities()
}

func retry[T any](ctx context.Context, p *RetryProvider, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		if p.breaker != nil {
			if err := p.breaker.Allow(); err != nil {
				return zero, err
			}
		}

		v, err := fn()
		if p.breaker != nil {
			p.breaker.Record(err)
		}
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !Transient(err) {
			return zero, err
		}
		if attempt == p.cfg.Attempts {
			break
		}

		delay := backoff(p.cfg.BaseDelay, p.cfg.MaxDelay, attempt)
		slog.Warn("language model call failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, fmt.Errorf("resilience: %d attempts exhausted: %w", p.cfg.Attempts, lastErr)
}

// Transient reports whether err is worth retrying: upstream API errors marked
// transient, or context deadline expiry of the single attempt.
func Transient(err error) bool {
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	return false
}

// backoff returns the exponential delay for the given attempt with up to 25%
// random jitter added.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		d = max
	}
	jitter := time.Duration(rand.Int64N(int64(d) / 4))
	return d + jitter
}
