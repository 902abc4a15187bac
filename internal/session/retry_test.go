package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/bxxmzilla1/calliope/internal/session"
)

func TestRetryPolicy_SucceedsMidway(t *testing.T) {
	policy := session.RetryPolicy{MaxAttempts: 5, Delay: time.Millisecond}
	var sleeps int
	sleep := func(ctx context.Context, d time.Duration) error {
		sleeps++
		return nil
	}

	var attempts []int
	done, err := policy.Poll(context.Background(), sleep, func(attempt int) bool {
		attempts = append(attempts, attempt)
		return attempt == 3
	})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !done {
		t.Fatal("expected done")
	}
	if len(attempts) != 3 || attempts[2] != 3 {
		t.Fatalf("expected attempts 1..3, got %v", attempts)
	}
	// No sleep after the final, successful attempt.
	if sleeps != 2 {
		t.Fatalf("expected 2 sleeps, got %d", sleeps)
	}
}

func TestRetryPolicy_Exhaustion(t *testing.T) {
	policy := session.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}
	var calls int
	done, err := policy.Poll(context.Background(), noSleep, func(int) bool {
		calls++
		return false
	})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if done {
		t.Fatal("expected exhaustion")
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestRetryPolicy_ContextCancelStopsEarly(t *testing.T) {
	policy := session.RetryPolicy{MaxAttempts: 10, Delay: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())

	var calls int
	done, err := policy.Poll(ctx, func(c context.Context, d time.Duration) error {
		cancel()
		return c.Err()
	}, func(int) bool {
		calls++
		return false
	})
	if done {
		t.Fatal("expected not done")
	}
	if err == nil {
		t.Fatal("expected the context error")
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt before cancellation, got %d", calls)
	}
}
