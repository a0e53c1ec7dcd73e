// Package retry runs operations against Redis and Postgres with bounded
// exponential backoff, retrying only errors that look transient.
package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how often and how quickly an operation is retried.
type Policy struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Do runs fn until it succeeds, returns a non-transient error, the attempts
// run out or ctx is done. notify, when set, is called before every retry.
// The number of attempts made is returned alongside the final error.
func Do(ctx context.Context, p Policy, fn func() error, notify func(err error, attempt int, wait time.Duration)) (int, error) {
	policy := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		policy.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		policy.MaxInterval = p.MaxInterval
	}
	policy.MaxElapsedTime = 0

	retries := 0
	if p.Attempts > 1 {
		retries = p.Attempts - 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(err, attempt, wait)
		}
	})
	return attempt, err
}

// IsTransient reports whether err is worth retrying: deadlines, broken
// driver connections and network errors that report a timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
