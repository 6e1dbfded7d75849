package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"coedit/internal/models"
)

func setupStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	store := NewRedisStore(mr.Addr(), time.Hour)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestLoadMissingDocument(t *testing.T) {
	store, _ := setupStore(t)
	doc, ok, err := store.Load(context.Background(), "missing")
	if err != nil || ok {
		t.Fatalf("expected not found, got %#v ok=%v err=%v", doc, ok, err)
	}
}

func TestSaveThenLoad(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()
	want := models.DocState{Text: "int main(){}\n", Revision: 4}
	if err := store.Save(ctx, "abc", want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := store.Load(ctx, "abc")
	if err != nil || !ok || got != want {
		t.Fatalf("expected %#v, got %#v ok=%v err=%v", want, got, ok, err)
	}
	if ttl := mr.TTL("doc:abc"); ttl != time.Hour {
		t.Fatalf("expected ttl of one hour, got %s", ttl)
	}
	if mr.HGet("doc:abc", "updatedAt") == "" {
		t.Fatalf("expected updatedAt field")
	}
}

func TestLoadCorruptRevision(t *testing.T) {
	store, mr := setupStore(t)
	mr.HSet("doc:bad", "text", "x", "revision", "nope")
	if _, _, err := store.Load(context.Background(), "bad"); err == nil {
		t.Fatalf("expected corrupt revision error")
	}
}

func TestLoadRedisDown(t *testing.T) {
	store, mr := setupStore(t)
	mr.Close()
	if _, _, err := store.Load(context.Background(), "abc"); err == nil {
		t.Fatalf("expected error when redis is down")
	}
	if err := store.Ping(context.Background()); err == nil {
		t.Fatalf("expected ping error when redis is down")
	}
}

func TestPublishAndSubscribeClosed(t *testing.T) {
	store, _ := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []models.DocumentClosedEvent
	done := make(chan struct{})
	go func() {
		store.SubscribeClosed(ctx, func(ev models.DocumentClosedEvent) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		})
		close(done)
	}()

	ev := models.DocumentClosedEvent{DocumentID: "abc", InstanceID: "i1", Revision: 3, Length: 5}
	waitUntil(t, 2*time.Second, func() bool {
		_ = store.rdb.Publish(context.Background(), DocumentsChannel, "{not json").Err()
		if err := store.PublishClosed(context.Background(), ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	})

	mu.Lock()
	first := got[0]
	mu.Unlock()
	if first != ev {
		t.Fatalf("expected %#v, got %#v", ev, first)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("subscriber did not stop")
	}
}
