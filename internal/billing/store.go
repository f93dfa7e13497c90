package billing

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCallNotFound is returned by [Store.GetCall] for unknown call ids.
var ErrCallNotFound = errors.New("billing: call not found")

// Store persists terminal call records and write-once usage records.
// Implementations must be safe for concurrent use.
type Store interface {
	// FinalizeCall writes rec's terminal fields. Returns applied=false
	// when the call is already terminal; the stored record is left
	// untouched in that case.
	FinalizeCall(ctx context.Context, rec *CallRecord) (applied bool, err error)

	// GetCall retrieves the call record. Returns [ErrCallNotFound] for
	// unknown ids.
	GetCall(ctx context.Context, callID string) (*CallRecord, error)

	// InsertUsage appends the usage record unless one already exists for
	// its call id. Returns inserted=false on the duplicate path.
	InsertUsage(ctx context.Context, u *UsageRecord) (inserted bool, err error)

	// MissingUsage lists terminal calls that have no usage record yet,
	// up to limit. The background sweep drains this set.
	MissingUsage(ctx context.Context, limit int) ([]*CallRecord, error)

	// Close releases the underlying resources.
	Close() error
}

// MemStore is an in-memory [Store] for tests and database-free
// deployments.
type MemStore struct {
	mu    sync.Mutex
	calls map[string]*CallRecord
	usage map[string]*UsageRecord
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		calls: make(map[string]*CallRecord),
		usage: make(map[string]*UsageRecord),
	}
}

// FinalizeCall implements [Store]. Calls unknown to the store are
// created terminal directly — the reaper may finalize a call this
// replica never registered.
func (m *MemStore) FinalizeCall(_ context.Context, rec *CallRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.calls[rec.CallID]; ok && existing.Status != "in_progress" {
		return false, nil
	}
	cp := *rec
	m.calls[rec.CallID] = &cp
	return true, nil
}

// GetCall implements [Store].
func (m *MemStore) GetCall(_ context.Context, callID string) (*CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.calls[callID]
	if !ok {
		return nil, ErrCallNotFound
	}
	cp := *rec
	return &cp, nil
}

// InsertUsage implements [Store].
func (m *MemStore) InsertUsage(_ context.Context, u *UsageRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.usage[u.CallID]; ok {
		return false, nil
	}
	cp := *u
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.usage[u.CallID] = &cp
	return true, nil
}

// MissingUsage implements [Store].
func (m *MemStore) MissingUsage(_ context.Context, limit int) ([]*CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var missing []*CallRecord
	for id, rec := range m.calls {
		if rec.Status == "in_progress" {
			continue
		}
		if _, ok := m.usage[id]; ok {
			continue
		}
		cp := *rec
		missing = append(missing, &cp)
		if len(missing) >= limit {
			break
		}
	}
	return missing, nil
}

// Close implements [Store].
func (m *MemStore) Close() error { return nil }

// Usage returns the stored usage record for callID, or nil. Test helper.
func (m *MemStore) Usage(callID string) *UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.usage[callID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// RegisterInProgress seeds an in-progress call row the way the admission
// controller would. Test helper.
func (m *MemStore) RegisterInProgress(callID, tenantID string, startedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[callID] = &CallRecord{
		CallID:    callID,
		TenantID:  tenantID,
		Status:    "in_progress",
		StartedAt: startedAt,
	}
}
