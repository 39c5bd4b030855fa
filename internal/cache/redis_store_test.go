package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, "test:")
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	if err := store.Set(ctx, "ratelimit:u1", []byte(`{"count":1}`), time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !mr.Exists("test:ratelimit:u1") {
		t.Fatalf("expected prefixed key in redis")
	}
	val, ok, err := store.Get(ctx, "ratelimit:u1")
	if err != nil || !ok || string(val) != `{"count":1}` {
		t.Fatalf("get: val=%q ok=%v err=%v", val, ok, err)
	}

	mr.FastForward(time.Hour)
	if _, ok, err := store.Get(ctx, "ratelimit:u1"); ok || err != nil {
		t.Fatalf("expected expiry after ttl, got ok=%v err=%v", ok, err)
	}
}

func TestRedisStoreDelete(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, "")
	ctx := context.Background()

	_ = store.Set(ctx, "library:u1", []byte("[]"), 0)
	if err := store.Delete(ctx, "library:u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "library:u1"); ok {
		t.Fatalf("expected miss after delete")
	}
	if err := store.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
}
