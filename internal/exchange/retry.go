package exchange

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// Retrier wraps venue calls with retry and exponential backoff. It is
// venue-agnostic and shared by every connector.
type Retrier struct {
	maxRetries int
	delay      time.Duration
	logger     *zap.Logger
}

// NewRetrier creates a Retrier. maxRetries is the total number of attempts,
// delay the base backoff (attempt n waits delay * 2^n).
func NewRetrier(maxRetries int, delay time.Duration, logger *zap.Logger) *Retrier {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Retrier{
		maxRetries: maxRetries,
		delay:      delay,
		logger:     logger,
	}
}

// Do executes fn, retrying transient failures. Non-transient errors (venue
// 4xx rejections, caller faults) surface immediately; after the last attempt
// the last observed error is returned.
func (r *Retrier) Do(ctx context.Context, op string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if !IsTransient(err) {
			r.logger.Error("Non-retryable error", zap.String("op", op), zap.Error(err))
			return err
		}
		lastErr = err

		if attempt == r.maxRetries-1 {
			break
		}

		backoff := time.Duration(float64(r.delay) * math.Pow(2, float64(attempt)))
		r.logger.Warn("Transient error, retrying...",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, r.maxRetries, lastErr)
}

// DoWithResult is Do for calls that produce a value.
func DoWithResult[T any](r *Retrier, ctx context.Context, op string, fn func() (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, op, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
