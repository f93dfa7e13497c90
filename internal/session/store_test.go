package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestStore returns a RedisStore backed by an in-process miniredis.
func newTestStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, ttl)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func newTestSession(id, tenant string) *Session {
	spec := validSpec()
	spec.TenantID = tenant
	return &Session{
		ID:        id,
		Spec:      spec,
		Status:    StatusActive,
		StartedAt: time.Now().UTC(),
	}
}

func TestRedisStore_PutGet(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	s := newTestSession("s1", "tenant-a")
	s.Append("user", "hello")
	if err := store.Put(ctx, s); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != "s1" || got.Status != StatusActive {
		t.Errorf("unexpected session: %+v", got)
	}
	if len(got.History) != 1 || got.History[0].Content != "hello" {
		t.Errorf("history not persisted: %+v", got.History)
	}
}

func TestRedisStore_GetMissing(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)

	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	store, mr := newTestStore(t, 2*time.Second)
	ctx := context.Background()

	if err := store.Put(ctx, newTestSession("s1", "tenant-a")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	mr.FastForward(3 * time.Second)

	if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired session Get error = %v, want ErrNotFound", err)
	}
}

func TestRedisStore_Delete(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	if err := store.Put(ctx, newTestSession("s1", "tenant-a")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete error = %v, want ErrNotFound", err)
	}

	// Tenant index entry is removed too.
	ids, err := store.ListIDsByTenant(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("ListIDsByTenant: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("tenant index still lists %v after delete", ids)
	}
}

func TestRedisStore_DeleteMissing(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)

	if err := store.Delete(context.Background(), "nope"); err != nil {
		t.Errorf("deleting a missing session should not error: %v", err)
	}
}

func TestRedisStore_ListIDsByTenant(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2"} {
		if err := store.Put(ctx, newTestSession(id, "tenant-a")); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}
	if err := store.Put(ctx, newTestSession("s3", "tenant-b")); err != nil {
		t.Fatalf("Put s3: %v", err)
	}

	ids, err := store.ListIDsByTenant(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("ListIDsByTenant: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("tenant-a ids = %v, want 2 entries", ids)
	}

	ids, err = store.ListIDsByTenant(ctx, "tenant-b")
	if err != nil {
		t.Fatalf("ListIDsByTenant: %v", err)
	}
	if len(ids) != 1 || ids[0] != "s3" {
		t.Errorf("tenant-b ids = %v, want [s3]", ids)
	}
}
