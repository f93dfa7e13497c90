package admission

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func monthLimits(maxCalls, includedMinutes int, active bool) EffectivePlanLimits {
	lim := DefaultLimits(time.Now())
	lim.MaxConcurrentCalls = maxCalls
	lim.IncludedMinutes = includedMinutes
	lim.SubscriptionActive = active
	return lim
}

func testRequest(tenant, call string) Request {
	return Request{
		TenantID:    tenant,
		CallID:      call,
		Direction:   "web",
		STTProvider: "deepgram",
		LLMProvider: "openai",
		TTSProvider: "sarvam",
	}
}

func TestReserveWithinLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewController(NewMemStore(), &StaticLimits{Defaults: monthLimits(2, 300, true)}, nil)

	res, err := c.Reserve(ctx, testRequest("t1", "c1"))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.ID != "c1" || res.Current != 1 || res.Max != 2 {
		t.Errorf("unexpected reservation: %+v", res)
	}
}

func TestReserveConcurrencyDenial(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewController(NewMemStore(), &StaticLimits{Defaults: monthLimits(2, 300, true)}, nil)

	for i := range 2 {
		if _, err := c.Reserve(ctx, testRequest("t1", fmt.Sprintf("c%d", i))); err != nil {
			t.Fatalf("Reserve %d: %v", i, err)
		}
	}

	_, err := c.Reserve(ctx, testRequest("t1", "c-over"))
	de, ok := Denied(err)
	if !ok {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if de.Code != CodeConcurrencyLimit {
		t.Errorf("code = %q, want %q", de.Code, CodeConcurrencyLimit)
	}
	if de.Current != 2 || de.Max != 2 {
		t.Errorf("details = {current: %d, max: %d}, want {2, 2}", de.Current, de.Max)
	}

	// The denial must not have consumed a slot or registered the call.
	stats, err := c.Stats(ctx, "t1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Active != 2 {
		t.Errorf("active = %d after denial, want 2", stats.Active)
	}
}

func TestReserveOtherTenantUnaffected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewController(NewMemStore(), &StaticLimits{Defaults: monthLimits(1, 300, true)}, nil)

	if _, err := c.Reserve(ctx, testRequest("t1", "c1")); err != nil {
		t.Fatalf("Reserve t1: %v", err)
	}
	if _, err := c.Reserve(ctx, testRequest("t2", "c2")); err != nil {
		t.Errorf("Reserve t2 should not be blocked by t1's slot: %v", err)
	}
}

func TestProviderAllowlist(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	lim := monthLimits(5, 300, true)
	lim.AllowedTTS = []string{"sarvam"}
	c := NewController(NewMemStore(), &StaticLimits{Defaults: lim}, nil)

	req := testRequest("t1", "c1")
	req.TTSProvider = "cartesia"
	_, err := c.Reserve(ctx, req)
	de, ok := Denied(err)
	if !ok || de.Code != CodeProviderNotAllowed {
		t.Fatalf("expected PROVIDER_NOT_ALLOWED, got %v", err)
	}

	// Allowed slug matches case-insensitively.
	req.CallID = "c2"
	req.TTSProvider = "Sarvam"
	if _, err := c.Reserve(ctx, req); err != nil {
		t.Errorf("case-insensitive allowlist match failed: %v", err)
	}
}

func TestUsageLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemStore()

	// Burn through the allotment with a finished call.
	if _, _, err := store.Reserve(ctx, testRequest("t1", "old"), 5); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Release(ctx, "old", CallCompleted, "normal"); err != nil {
		t.Fatal(err)
	}
	store.SetBilledMinutes("old", 10)

	t.Run("inactive subscription denied", func(t *testing.T) {
		c := NewController(store, &StaticLimits{Defaults: monthLimits(5, 10, false)}, nil)
		_, err := c.Reserve(ctx, testRequest("t1", "c1"))
		de, ok := Denied(err)
		if !ok || de.Code != CodeUsageLimitExceeded {
			t.Fatalf("expected USAGE_LIMIT_EXCEEDED, got %v", err)
		}
	})

	t.Run("active subscription grants overage", func(t *testing.T) {
		c := NewController(store, &StaticLimits{Defaults: monthLimits(5, 10, true)}, nil)
		if _, err := c.Reserve(ctx, testRequest("t1", "c2")); err != nil {
			t.Fatalf("overage should be allowed: %v", err)
		}
	})
}

func TestReleaseIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewController(NewMemStore(), &StaticLimits{Defaults: monthLimits(1, 300, true)}, nil)

	if _, err := c.Reserve(ctx, testRequest("t1", "c1")); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if err := c.Release(ctx, "c1", CallCompleted, "normal"); err != nil {
			t.Fatalf("Release: %v", err)
		}
	}

	stats, err := c.Stats(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Active != 0 {
		t.Errorf("active = %d after release, want 0", stats.Active)
	}

	// The freed slot is reusable.
	if _, err := c.Reserve(ctx, testRequest("t1", "c2")); err != nil {
		t.Errorf("slot not freed after release: %v", err)
	}
}

func TestReserveConcurrentRacers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	const limit = 3
	c := NewController(NewMemStore(), &StaticLimits{Defaults: monthLimits(limit, 300, true)}, nil)

	var wg sync.WaitGroup
	granted := make(chan struct{}, 32)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Reserve(ctx, testRequest("t1", fmt.Sprintf("c%d", i))); err == nil {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	n := 0
	for range granted {
		n++
	}
	if n != limit {
		t.Errorf("granted %d reservations under limit %d", n, limit)
	}
}

func TestReclaimStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemStore()
	c := NewController(store, &StaticLimits{Defaults: monthLimits(5, 300, true)}, nil)

	if _, err := c.Reserve(ctx, testRequest("t1", "dead")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Reserve(ctx, testRequest("t1", "live")); err != nil {
		t.Fatal(err)
	}
	store.SetStartedAt("dead", time.Now().Add(-2*time.Hour))

	reclaimed, err := c.ReclaimStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if reclaimed != 1 {
		t.Errorf("reclaimed = %d, want 1", reclaimed)
	}

	stats, err := c.Stats(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Active != 1 {
		t.Errorf("active = %d after reclaim, want 1 (the live call)", stats.Active)
	}
	if reason := store.CallEndReason("dead"); reason != "timeout" {
		t.Errorf("reclaimed call end reason = %q, want %q", reason, "timeout")
	}
	if reason := store.CallEndReason("live"); reason != "" {
		t.Errorf("live call end reason = %q, want empty", reason)
	}
}
