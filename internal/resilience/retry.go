package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Retryable reports whether err deserves another attempt. Nil retries every error.
	Retryable func(error) bool
}

// DefaultPolicy retries attempts times starting at 200ms, capped at 10s.
func DefaultPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, BaseDelay: 200 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// Do runs fn until it succeeds, the policy gives up or ctx ends. The delay doubles
// from BaseDelay up to MaxDelay; each sleep is drawn from [0, delay] (full jitter).
func Do[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if p.Attempts <= 0 {
		return zero, fmt.Errorf("%s: retry policy allows no attempts", op)
	}
	attrs := metric.WithAttributes(attribute.String("op", op))
	meter := otel.Meter("memscan")
	attempts, _ := meter.Int64Counter("memscan_retry_attempts_total")
	giveUps, _ := meter.Int64Counter("memscan_retry_giveups_total")

	cur := p.BaseDelay
	var lastErr error
	for i := 1; ; i++ {
		v, err := fn(ctx)
		attempts.Add(ctx, 1, attrs)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if i >= p.Attempts || (p.Retryable != nil && !p.Retryable(err)) {
			break
		}
		if p.MaxDelay > 0 && cur > p.MaxDelay {
			cur = p.MaxDelay
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		slog.Debug("retrying", "op", op, "attempt", i, "sleep", sleep, "error", err)
		select {
		case <-ctx.Done():
			giveUps.Add(ctx, 1, attrs)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	giveUps.Add(ctx, 1, attrs)
	return zero, fmt.Errorf("%s: %w", op, lastErr)
}
