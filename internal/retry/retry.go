// Package retry bounds transient upstream failures with exponential backoff.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ChrisColeTech/qwen-gateway/internal/domain"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
)

// Policy holds the retry budget for one class of upstream call. The zero
// value is unusable; construct with NewPolicy.
type Policy struct {
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithMaxAttempts sets the total attempt budget, first try included.
func WithMaxAttempts(n int) PolicyOption {
	return func(p *Policy) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithInitialBackoff sets the delay before the first retry.
func WithInitialBackoff(d time.Duration) PolicyOption {
	return func(p *Policy) {
		if d > 0 {
			p.initialBackoff = d
		}
	}
}

// WithMaxBackoff caps the delay between attempts.
func WithMaxBackoff(d time.Duration) PolicyOption {
	return func(p *Policy) {
		if d > 0 {
			p.maxBackoff = d
		}
	}
}

// WithLogger sets the logger used for retry notifications.
func WithLogger(logger *slog.Logger) PolicyOption {
	return func(p *Policy) {
		p.logger = logger
	}
}

// NewPolicy builds a Policy with the given options.
func NewPolicy(opts ...PolicyOption) Policy {
	p := Policy{
		maxAttempts:    defaultMaxAttempts,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func (p Policy) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialBackoff
	b.MaxInterval = p.maxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.maxAttempts-1)), ctx)
}

// Do runs fn up to the policy's attempt budget. Only errors classified as
// retryable by the domain package are retried; everything else returns
// immediately. Context cancellation stops the loop between attempts.
//
// Do must only wrap calls with no observable side effects on failure. A call
// that has already delivered part of its result, such as an open response
// stream, may not be retried.
func Do[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	attempt := 0
	notify := func(err error, next time.Duration) {
		p.logger.Warn("retrying upstream call",
			slog.String("operation", op),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", next),
			slog.String("error", err.Error()))
	}

	return backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		result, err := fn(ctx)
		if err != nil && !domain.IsRetryable(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}, p.newBackOff(ctx), notify)
}
