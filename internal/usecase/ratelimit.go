package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/glaucoscan/internal/logging"
	"github.com/example/glaucoscan/internal/retry"
)

// RateLimiter admits at most limit requests per client within each fixed
// window. The counters live in Redis so every replica shares them.
type RateLimiter struct {
	counter        Counter
	limit          int64
	window         time.Duration
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

// NewRateLimiter constructs a limiter over counter.
func NewRateLimiter(counter Counter, limit int64, window time.Duration, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		counter:        counter,
		limit:          limit,
		window:         window,
		logger:         logger.Named("rate_limiter"),
		retryAttempts:  3,
		initialBackoff: 20 * time.Millisecond,
		maxBackoff:     200 * time.Millisecond,
		now:            time.Now,
	}
}

// Window returns the length of one admission window.
func (l *RateLimiter) Window() time.Duration {
	return l.window
}

// Allow counts a request from clientKey and reports whether it is admitted.
// When the counter store fails the request is admitted and the error is
// returned for logging.
func (l *RateLimiter) Allow(ctx context.Context, clientKey string) (bool, error) {
	windowStart := l.now().Truncate(l.window)
	key := fmt.Sprintf("ratelimit:%s:%d", clientKey, windowStart.Unix())

	var count int64
	err := l.withRedisRetry(ctx, clientKey, "ratelimit.incr", func() error {
		n, err := l.counter.Incr(ctx, key)
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	if err != nil {
		logging.WithOperation(l.logger, "ratelimit.allow", "").
			Warn("rate limiter unavailable, admitting request", zap.Error(err), zap.String("client", clientKey))
		return true, err
	}

	if count == 1 {
		if err := l.withRedisRetry(ctx, clientKey, "ratelimit.expire", func() error {
			_, err := l.counter.Expire(ctx, key, l.window+time.Second)
			return err
		}); err != nil {
			logging.WithOperation(l.logger, "ratelimit.allow", "").
				Warn("failed to set window expiry", zap.Error(err), zap.String("key", key))
		}
	}

	return count <= l.limit, nil
}

func (l *RateLimiter) withRedisRetry(ctx context.Context, clientKey, operation string, fn func() error) error {
	opLogger := logging.WithOperation(l.logger, operation, "").With(zap.String("client", clientKey))

	policy := retry.Policy{Attempts: l.retryAttempts, InitialInterval: l.initialBackoff, MaxInterval: l.maxBackoff}
	attempt, err := retry.Do(ctx, policy, fn, func(err error, attempt int, wait time.Duration) {
		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt), zap.Duration("retry_in", wait))
	})
	if err != nil {
		opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt))
		return logging.NewOperationError(operation, "", err)
	}
	if attempt > 1 {
		opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt))
	}
	return nil
}
