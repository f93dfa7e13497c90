package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), "test", func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), "test", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("still broken")
	calls := 0
	err := Retry(context.Background(), "test", func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Retry error = %v, want %v", err, wantErr)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_StopsOnFatal(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("bad credentials")
	calls := 0
	err := Retry(context.Background(), "test", func() error {
		calls++
		return Fatal(wantErr)
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Retry error = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Errorf("fatal error should stop retries, got %d calls", calls)
	}
	if IsFatal(err) {
		t.Error("returned error should be unwrapped from the fatal marker")
	}
}

func TestRetry_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, "test", func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("cancelled context should stop retries, got %d calls", calls)
	}
}

func TestFatal_NilStaysNil(t *testing.T) {
	t.Parallel()

	if Fatal(nil) != nil {
		t.Error("Fatal(nil) should return nil")
	}
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	if IsFatal(base) {
		t.Error("plain error should not be fatal")
	}
	if !IsFatal(Fatal(base)) {
		t.Error("wrapped error should be fatal")
	}
}

func TestBackoff_Bounds(t *testing.T) {
	t.Parallel()

	for attempt := 1; attempt <= 5; attempt++ {
		d := backoff(attempt)
		if d < baseBackoff {
			t.Errorf("backoff(%d) = %v, below base %v", attempt, d, baseBackoff)
		}
		if d > maxBackoff {
			t.Errorf("backoff(%d) = %v, above cap %v", attempt, d, maxBackoff)
		}
	}
}

func TestBackoff_Grows(t *testing.T) {
	t.Parallel()

	// Jitter aside, attempt 2 starts from double the base delay.
	if got := backoff(2); got < 100*time.Millisecond {
		t.Errorf("backoff(2) = %v, want >= 100ms", got)
	}
}
