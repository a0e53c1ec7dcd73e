package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"
)

type timeoutError struct{}

func (timeoutError) Error() string { return "i/o timeout" }
func (timeoutError) Timeout() bool { return true }

var fastPolicy = Policy{Attempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	var notified []int
	attempts, err := Do(context.Background(), fastPolicy, func() error {
		calls++
		if calls < 3 {
			return timeoutError{}
		}
		return nil
	}, func(err error, attempt int, wait time.Duration) {
		notified = append(notified, attempt)
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("expected 3 attempts, got %d (calls %d)", attempts, calls)
	}
	if len(notified) != 2 || notified[0] != 1 || notified[1] != 2 {
		t.Fatalf("unexpected notifications: %v", notified)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	base := errors.New("syntax error")
	attempts, err := Do(context.Background(), fastPolicy, func() error {
		return base
	}, nil)
	if !errors.Is(err, base) {
		t.Fatalf("expected the original error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("non-transient errors must not be retried, got %d attempts", attempts)
	}
}

func TestDoGivesUpAfterAttempts(t *testing.T) {
	attempts, err := Do(context.Background(), fastPolicy, func() error {
		return timeoutError{}
	}, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoSingleAttempt(t *testing.T) {
	attempts, err := Do(context.Background(), Policy{Attempts: 1}, func() error {
		return timeoutError{}
	}, nil)
	if err == nil || attempts != 1 {
		t.Fatalf("expected one failed attempt, got %d %v", attempts, err)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("boom"), false},
		{context.DeadlineExceeded, true},
		{fmt.Errorf("ping: %w", driver.ErrBadConn), true},
		{fmt.Errorf("dial: %w", timeoutError{}), true},
		{context.Canceled, false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Fatalf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
