package admission

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore is an in-memory [Store] for tests and single-process
// deployments without a database. Reserve's check-and-insert runs under
// one mutex, giving the same atomicity as the row-locked SQL path.
type MemStore struct {
	mu    sync.Mutex
	calls map[string]*memCall
	now   func() time.Time
}

type memCall struct {
	tenantID      string
	status        string
	endReason     string
	startedAt     time.Time
	endedAt       time.Time
	billedMinutes int64
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		calls: make(map[string]*memCall),
		now:   time.Now,
	}
}

// Reserve implements [Store].
func (m *MemStore) Reserve(_ context.Context, req Request, maxConcurrent int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.calls[req.CallID]; ok {
		return 0, false, fmt.Errorf("admission: call %s already registered (status %s)", req.CallID, existing.status)
	}

	current := m.activeLocked(req.TenantID)
	if current >= maxConcurrent {
		return current, false, nil
	}

	m.calls[req.CallID] = &memCall{
		tenantID:  req.TenantID,
		status:    CallInProgress,
		startedAt: m.now().UTC(),
	}
	return current, true, nil
}

// Release implements [Store]. The fallback billed-minute value written
// here is overwritten by the billing reconciler when it finalizes the
// call with measured quantities.
func (m *MemStore) Release(_ context.Context, callID, status, endReason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call, ok := m.calls[callID]
	if !ok || call.status != CallInProgress {
		return false, nil
	}
	call.status = status
	call.endReason = endReason
	call.endedAt = m.now().UTC()
	elapsed := call.endedAt.Sub(call.startedAt)
	call.billedMinutes = int64((elapsed + time.Minute - 1) / time.Minute)
	return true, nil
}

// ActiveCount implements [Store].
func (m *MemStore) ActiveCount(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked(tenantID), nil
}

// UsedMinutes implements [Store].
func (m *MemStore) UsedMinutes(_ context.Context, tenantID string, from, to time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, call := range m.calls {
		if call.tenantID != tenantID || call.status == CallInProgress {
			continue
		}
		if call.startedAt.Before(from) || !call.startedAt.Before(to) {
			continue
		}
		total += call.billedMinutes
	}
	return total, nil
}

// StaleCalls implements [Store].
func (m *MemStore) StaleCalls(_ context.Context, cutoff time.Time) ([]StaleCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []StaleCall
	for id, call := range m.calls {
		if call.status == CallInProgress && call.startedAt.Before(cutoff) {
			stale = append(stale, StaleCall{
				CallID:    id,
				TenantID:  call.tenantID,
				StartedAt: call.startedAt,
			})
		}
	}
	return stale, nil
}

// Close implements [Store].
func (m *MemStore) Close() error { return nil }

// SetBilledMinutes overrides a terminal call's billed minutes. Tests use
// this to simulate the billing reconciler's exact accounting.
func (m *MemStore) SetBilledMinutes(callID string, minutes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if call, ok := m.calls[callID]; ok {
		call.billedMinutes = minutes
	}
}

// CallEndReason returns the stored end reason for callID, or "". Test
// helper.
func (m *MemStore) CallEndReason(callID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if call, ok := m.calls[callID]; ok {
		return call.endReason
	}
	return ""
}

// SetStartedAt backdates a call. Tests use this to trigger stale
// reclamation without real waiting.
func (m *MemStore) SetStartedAt(callID string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if call, ok := m.calls[callID]; ok {
		call.startedAt = t
	}
}

func (m *MemStore) activeLocked(tenantID string) int {
	n := 0
	for _, call := range m.calls {
		if call.tenantID == tenantID && call.status == CallInProgress {
			n++
		}
	}
	return n
}
