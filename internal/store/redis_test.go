package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })
	return NewRedisStoreFromClient(cli), mr
}

func TestRedisStore_ListBackends_OrderPreserved(t *testing.T) {
	s, mr := newTestRedisStore(t)

	mr.RPush(backendsKey,
		`{"name":"A","url":"http://a:11434","models":["m1"],"timeout_seconds":60}`,
		`{"url":"http://b:11434","models":["m1","m2"]}`,
	)

	specs, err := s.ListBackends(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(specs) != 2 {
		t.Fatalf("specs = %d, want 2", len(specs))
	}
	if specs[0].Name != "A" || specs[0].TimeoutSeconds != 60 {
		t.Errorf("spec[0] = %+v", specs[0])
	}
	if specs[1].Name != "http://b:11434" {
		t.Errorf("unnamed backend should fall back to URL, got %q", specs[1].Name)
	}
	if len(specs[1].Models) != 2 {
		t.Errorf("spec[1].Models = %v", specs[1].Models)
	}
}

func TestRedisStore_ListBackends_Empty(t *testing.T) {
	s, _ := newTestRedisStore(t)

	specs, err := s.ListBackends(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 0 {
		t.Errorf("specs = %d, want 0", len(specs))
	}
}

func TestRedisStore_ListBackends_BadEntry(t *testing.T) {
	s, mr := newTestRedisStore(t)

	mr.RPush(backendsKey, `{not json`)

	if _, err := s.ListBackends(context.Background()); err == nil {
		t.Fatal("expected a decode error for a corrupt entry")
	}
}

func TestRedisStore_ListUsers(t *testing.T) {
	s, mr := newTestRedisStore(t)

	mr.HSet(usersKey, "alice", "sk1")
	mr.HSet(usersKey, "bob", "key:with:colons")

	users, err := s.ListUsers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if users["alice"] != "sk1" || users["bob"] != "key:with:colons" {
		t.Errorf("users = %v", users)
	}
}

func TestNewRedisStoreFromURL_BadURL(t *testing.T) {
	if _, err := NewRedisStoreFromURL(context.Background(), "not-a-url"); err == nil {
		t.Fatal("expected a parse error")
	}
}
