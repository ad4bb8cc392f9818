package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, found, err := store.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if found {
		t.Error("Get() found missing key")
	}

	if err := store.Set(ctx, "k1", []byte("v1")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, found, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found || string(got) != "v1" {
		t.Errorf("Get() = %q, %v, want v1, true", got, found)
	}

	if err := store.Set(ctx, "k1", []byte("v2")); err != nil {
		t.Fatalf("Set() overwrite error = %v", err)
	}
	got, _, _ = store.Get(ctx, "k1")
	if string(got) != "v2" {
		t.Errorf("Get() after overwrite = %q, want v2", got)
	}

	if err := store.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, found, _ := store.Get(ctx, "k1"); found {
		t.Error("Get() found deleted key")
	}
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore(0))
}

func TestMemoryStore_TTL(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	store.Set(ctx, "k", []byte("v"))
	if _, found, _ := store.Get(ctx, "k"); !found {
		t.Fatal("Get() expected hit before expiry")
	}

	now = now.Add(2 * time.Minute)
	if _, found, _ := store.Get(ctx, "k"); found {
		t.Error("Get() expected miss after expiry")
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after expired read", store.Len())
	}
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	buf := []byte("abc")
	store.Set(ctx, "k", buf)
	buf[0] = 'x'

	got, _, _ := store.Get(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("Get() = %q, want abc", got)
	}
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	store, err := NewRedisStore(context.Background(), RedisOptions{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer store.Close()

	testStore(t, store)
}

func TestRedisStore_TTL(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, 10*time.Second)
	defer store.Close()
	ctx := context.Background()

	if err := store.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if ttl := mr.TTL("k"); ttl != 10*time.Second {
		t.Errorf("TTL = %v, want 10s", ttl)
	}

	mr.FastForward(11 * time.Second)
	if _, found, _ := store.Get(ctx, "k"); found {
		t.Error("Get() expected miss after expiry")
	}
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	store, err := NewRedisStore(ctx, RedisOptions{Addr: addr})
	if err == nil {
		t.Fatal("NewRedisStore() expected error for closed server")
	}
	if store != nil {
		t.Errorf("NewRedisStore() store = %v, want nil on error", store)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Close() on nil store error = %v", err)
	}
}
