package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg.Store = NewRedisStoreWithClient(client, time.Hour)
	m := NewManager(cfg)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManagerCreatePersists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newTestManager(t, ManagerConfig{TTL: time.Hour})

	s, err := m.Create(ctx, validSpec())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID == "" {
		t.Error("Create assigned no session id")
	}
	if s.Status != StatusInitializing {
		t.Errorf("status = %s, want initializing", s.Status)
	}

	// Evict the hot cache so Get exercises the store round-trip.
	m.evict(s.ID)
	got, err := m.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get after evict: %v", err)
	}
	if got.ID != s.ID || got.Spec.TenantID != "tenant-a" {
		t.Errorf("stored session = %+v", got)
	}
}

func TestManagerCreateRejectsInvalidSpec(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, ManagerConfig{TTL: time.Hour})
	if _, err := m.Create(context.Background(), Spec{}); err == nil {
		t.Error("Create accepted an empty spec")
	}
}

func TestManagerEndLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newTestManager(t, ManagerConfig{TTL: time.Hour})

	s, err := m.Create(ctx, validSpec())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ended, err := m.End(ctx, s.ID, EndReasonNormal)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ended.Status != StatusEnded || ended.EndReason != EndReasonNormal {
		t.Errorf("status=%s reason=%s, want ended/normal", ended.Status, ended.EndReason)
	}
	if ended.EndedAt == nil || ended.Metrics.Duration <= 0 {
		t.Error("terminal bookkeeping missing after End")
	}

	// Ending again is a no-op against the stored terminal state.
	again, err := m.End(ctx, s.ID, EndReasonError)
	if err != nil {
		t.Fatalf("second End: %v", err)
	}
	if again.EndReason != EndReasonNormal {
		t.Errorf("second End rewrote reason to %q", again.EndReason)
	}
}

func TestManagerFail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newTestManager(t, ManagerConfig{TTL: time.Hour})

	s, err := m.Create(ctx, validSpec())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	failed, err := m.Fail(ctx, s.ID, EndReasonError)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if failed.Status != StatusError || failed.EndReason != EndReasonError {
		t.Errorf("status=%s reason=%s, want error/error", failed.Status, failed.EndReason)
	}

	got, err := m.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusError {
		t.Errorf("persisted status = %s, want error", got.Status)
	}
}

func TestManagerReapStale(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	forceEnded := make(chan *Session, 4)
	m := newTestManager(t, ManagerConfig{
		TTL:        time.Hour,
		OnForceEnd: func(_ context.Context, s *Session) { forceEnded <- s },
	})

	stale, err := m.Create(ctx, validSpec())
	if err != nil {
		t.Fatalf("Create stale: %v", err)
	}
	stale.StartedAt = time.Now().UTC().Add(-2 * time.Hour)
	if err := m.Update(ctx, stale); err != nil {
		t.Fatalf("Update: %v", err)
	}

	liveSpec := validSpec()
	liveSpec.CallID = "call-2"
	live, err := m.Create(ctx, liveSpec)
	if err != nil {
		t.Fatalf("Create live: %v", err)
	}

	if n := m.ReapStale(ctx); n != 1 {
		t.Fatalf("ReapStale = %d, want 1", n)
	}

	select {
	case reaped := <-forceEnded:
		if reaped.ID != stale.ID {
			t.Errorf("force-ended %s, want %s", reaped.ID, stale.ID)
		}
		if reaped.Status != StatusError || reaped.EndReason != EndReasonTimeout {
			t.Errorf("status=%s reason=%s, want error/timeout", reaped.Status, reaped.EndReason)
		}
		if reaped.EndedAt == nil || reaped.Metrics.Duration <= 0 {
			t.Error("reaped session missing terminal bookkeeping")
		}
	default:
		t.Fatal("OnForceEnd not invoked for the stale session")
	}

	got, err := m.Get(ctx, live.ID)
	if err != nil {
		t.Fatalf("Get live: %v", err)
	}
	if got.Status != StatusInitializing {
		t.Errorf("live session status = %s, want untouched", got.Status)
	}

	// A second sweep finds nothing: the reaped session is terminal.
	if n := m.ReapStale(ctx); n != 0 {
		t.Errorf("second ReapStale = %d, want 0", n)
	}
}
