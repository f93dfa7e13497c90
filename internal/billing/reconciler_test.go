package billing

import (
	"context"
	"testing"
	"time"

	"github.com/voxplane/voxplane/internal/admission"
)

func testFinalizeRequest(callID string) FinalizeRequest {
	started := time.Now().UTC().Add(-2 * time.Minute)
	return FinalizeRequest{
		TenantID:    "t1",
		CallID:      callID,
		Direction:   "web",
		StartedAt:   started,
		EndedAt:     started.Add(90 * time.Second),
		STTProvider: "deepgram",
		LLMProvider: "openai",
		TTSProvider: "sarvam",
		Quantities: Quantities{
			Duration: 90 * time.Second,
			STTAudio: 30 * time.Second,
			TTSAudio: 45 * time.Second,
			Tokens:   800,
		},
		EndReason: "normal",
	}
}

func newTestReconciler(t *testing.T) (*Reconciler, *MemStore, *admission.MemStore) {
	t.Helper()
	store := NewMemStore()
	admStore := admission.NewMemStore()
	ctrl := admission.NewController(admStore, nil, nil)
	rec := NewReconciler(ReconcilerConfig{
		Store:     store,
		Admission: ctrl,
	})
	return rec, store, admStore
}

func TestFinalizeWritesRecordAndUsage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store, admStore := newTestReconciler(t)

	req := testFinalizeRequest("c1")
	if _, _, err := admStore.Reserve(ctx, admission.Request{TenantID: "t1", CallID: "c1"}, 5); err != nil {
		t.Fatal(err)
	}

	rec, err := r.Finalize(ctx, req)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if rec.Status != admission.CallCompleted {
		t.Errorf("status = %q, want completed", rec.Status)
	}
	if rec.BilledMinutes != 2 {
		t.Errorf("billed minutes = %d, want 2 (ceil 90s/60)", rec.BilledMinutes)
	}
	if rec.TotalCostMinor <= 0 {
		t.Errorf("total cost = %d, want positive", rec.TotalCostMinor)
	}

	usage := store.Usage("c1")
	if usage == nil {
		t.Fatal("no usage record emitted")
	}
	if usage.Quantity != 2 {
		t.Errorf("usage quantity = %d, want 2", usage.Quantity)
	}
	if usage.UsageType != UsageTypeCallMinutes {
		t.Errorf("usage type = %q", usage.UsageType)
	}
	if usage.Metadata["stt_provider"] != "deepgram" {
		t.Errorf("usage metadata missing provider snapshot: %v", usage.Metadata)
	}

	// Slot released.
	active, err := admStore.ActiveCount(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if active != 0 {
		t.Errorf("active = %d after finalize, want 0", active)
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store, _ := newTestReconciler(t)

	first, err := r.Finalize(ctx, testFinalizeRequest("c1"))
	if err != nil {
		t.Fatal(err)
	}

	// Repeat with different quantities: must not change the record.
	repeat := testFinalizeRequest("c1")
	repeat.Quantities.Tokens = 99999
	second, err := r.Finalize(ctx, repeat)
	if err != nil {
		t.Fatalf("repeated Finalize: %v", err)
	}

	if second.TotalCostMinor != first.TotalCostMinor {
		t.Errorf("repeat changed total: %d != %d", second.TotalCostMinor, first.TotalCostMinor)
	}
	if second.BilledMinutes != first.BilledMinutes {
		t.Errorf("repeat changed billed minutes: %d != %d", second.BilledMinutes, first.BilledMinutes)
	}

	usage := store.Usage("c1")
	if usage == nil || usage.TotalCostMinor != first.TotalCostMinor {
		t.Errorf("usage record changed on repeat: %+v", usage)
	}
}

func TestFinalizeErrorReasonFailsCall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _, _ := newTestReconciler(t)

	req := testFinalizeRequest("c1")
	req.EndReason = "error"
	req.Error = "llm provider authentication failed"

	rec, err := r.Finalize(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != admission.CallFailed {
		t.Errorf("status = %q, want failed", rec.Status)
	}
	if rec.Error == "" {
		t.Error("error description not recorded")
	}
}

func TestSweepEmitsMissingUsage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store, _ := newTestReconciler(t)

	// A terminal call with no usage record, as left behind by a crashed
	// finalizer.
	started := time.Now().UTC().Add(-time.Hour)
	ok, err := store.FinalizeCall(ctx, &CallRecord{
		CallID:         "orphan",
		TenantID:       "t1",
		Status:         admission.CallCompleted,
		StartedAt:      started,
		EndedAt:        started.Add(3 * time.Minute),
		BilledMinutes:  3,
		TotalCostMinor: 210,
		EndReason:      "normal",
	})
	if err != nil || !ok {
		t.Fatalf("seed call: ok=%v err=%v", ok, err)
	}

	if n := r.Sweep(ctx); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	usage := store.Usage("orphan")
	if usage == nil {
		t.Fatal("sweep did not emit usage record")
	}
	if usage.Quantity != 3 {
		t.Errorf("quantity = %d, want 3", usage.Quantity)
	}

	// A second sweep finds nothing.
	if n := r.Sweep(ctx); n != 0 {
		t.Errorf("second Sweep = %d, want 0", n)
	}
}
