package sessionstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestRedisStore создаёт RedisStore поверх miniredis.
func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	store := NewRedisStoreWithClient(client, "tm:test:", testLogger())
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestRedisStore_Contract(t *testing.T) {
	store, _ := newTestRedisStore(t)
	runStoreContract(t, store)
}

func TestRedisStore_KeyLayout(t *testing.T) {
	store, s := newTestRedisStore(t)
	ctx := context.Background()

	sess := newTestSession("alice", "report.pdf", 0, time.Now())
	if err := store.Put(ctx, sess); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if !s.Exists("tm:test:alice/report.pdf") {
		t.Errorf("ожидался ключ tm:test:alice/report.pdf, ключи: %v", s.Keys())
	}
	if ttl := s.TTL("tm:test:alice/report.pdf"); ttl != 0 {
		t.Errorf("сессия не должна иметь TTL, получили %v", ttl)
	}
}

func TestRedisStore_ListSkipsForeignAndCorrupt(t *testing.T) {
	store, s := newTestRedisStore(t)
	ctx := context.Background()

	_ = store.Put(ctx, newTestSession("alice", "a.bin", 0, time.Now()))
	_ = s.Set("other:key", "x")
	_ = s.Set("tm:test:broken/x.bin", "{not json")

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Filename != "a.bin" {
		t.Errorf("List: ожидалась одна сессия a.bin, получили %+v", list)
	}
}

func TestRedisStore_PingFailsWhenClosed(t *testing.T) {
	store, s := newTestRedisStore(t)
	s.Close()

	if err := store.Ping(context.Background()); err == nil {
		t.Error("Ping после остановки Redis должен вернуть ошибку")
	}
}
