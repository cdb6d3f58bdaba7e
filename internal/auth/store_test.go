package auth

import (
	"context"
	"testing"
	"time"
)

// newTestStore connects to a local Redis instance; tests are skipped when it
// is not reachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("localhost:6379")
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		iter := store.Client().Scan(ctx, 0, TokenPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			store.Client().Del(ctx, iter.Val())
		}
		store.Close()
	})
	return store
}

func seedToken(t *testing.T, store *Store, token string, id int64, name string) {
	t.Helper()
	ctx := context.Background()
	key := TokenPrefix + token
	if err := store.Client().HSet(ctx, key, "id", id, "name", name).Err(); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	store.Client().Expire(ctx, key, time.Minute)
}

func TestResolve_KnownToken(t *testing.T) {
	store := newTestStore(t)
	seedToken(t, store, "test_tok1", 7, "reader7")

	u, err := store.Resolve(context.Background(), "test_tok1")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if u == nil {
		t.Fatal("expected resolved user")
	}
	if u.ID != 7 || u.Name != "reader7" {
		t.Errorf("Resolve() = %+v, want id=7 name=reader7", u)
	}
}

func TestResolve_EmptyToken(t *testing.T) {
	store := newTestStore(t)

	u, err := store.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if u != nil {
		t.Errorf("empty token must resolve to guest, got %+v", u)
	}
}

func TestResolve_UnknownToken(t *testing.T) {
	store := newTestStore(t)

	u, err := store.Resolve(context.Background(), "test_never_issued")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if u != nil {
		t.Errorf("unknown token must resolve to guest, got %+v", u)
	}
}
