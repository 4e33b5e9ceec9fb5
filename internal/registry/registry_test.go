package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nulpointcorp/model-proxy/internal/store"
)

// fakeStore returns canned data or an error.
type fakeStore struct {
	backends []store.BackendSpec
	users    map[string]string
	err      error
}

func (s *fakeStore) ListBackends(_ context.Context) ([]store.BackendSpec, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.backends, nil
}

func (s *fakeStore) ListUsers(_ context.Context) (map[string]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.users, nil
}

func TestBackend_ServesModel(t *testing.T) {
	b := NewBackend("A", "http://a:11434", []string{"m1", "m2"}, 0)
	if !b.ServesModel("m1") || !b.ServesModel("m2") {
		t.Error("expected m1 and m2 to be served")
	}
	if b.ServesModel("m9") {
		t.Error("m9 should not be served")
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	b := NewBackend("", "http://a:11434", nil, 0)
	if b.Name != "http://a:11434" {
		t.Errorf("name = %q, want URL fallback", b.Name)
	}
	if b.Timeout != DefaultBackendTimeout {
		t.Errorf("timeout = %v, want %v", b.Timeout, DefaultBackendTimeout)
	}
}

func TestSnapshot_CandidatesPreserveOrder(t *testing.T) {
	snap := &Snapshot{Backends: []*Backend{
		NewBackend("A", "http://a", []string{"m1"}, 0),
		NewBackend("B", "http://b", []string{"m2"}, 0),
		NewBackend("C", "http://c", []string{"m1"}, 0),
	}}

	got := snap.CandidatesFor("m1")
	if len(got) != 2 || got[0].Name != "A" || got[1].Name != "C" {
		names := make([]string, len(got))
		for i, b := range got {
			names[i] = b.Name
		}
		t.Errorf("candidates = %v, want [A C]", names)
	}

	if got := snap.CandidatesFor("m9"); len(got) != 0 {
		t.Errorf("candidates for unknown model = %d, want 0", len(got))
	}
}

func TestSnapshot_Default(t *testing.T) {
	if (&Snapshot{}).Default() != nil {
		t.Error("empty pool should have no default backend")
	}

	snap := &Snapshot{Backends: []*Backend{
		NewBackend("A", "http://a", nil, 0),
		NewBackend("B", "http://b", nil, 0),
	}}
	if got := snap.Default(); got == nil || got.Name != "A" {
		t.Errorf("default = %v, want A", got)
	}
}

func TestRefresher_InitialSnapshotIsEmptyNotNil(t *testing.T) {
	r := NewRefresher(&fakeStore{}, Options{})
	snap := r.Current()
	if snap == nil {
		t.Fatal("Current returned nil before first refresh")
	}
	if len(snap.Backends) != 0 {
		t.Errorf("backends = %d, want 0", len(snap.Backends))
	}
}

func TestRefresher_RefreshPublishes(t *testing.T) {
	st := &fakeStore{
		backends: []store.BackendSpec{
			{Name: "A", URL: "http://a:11434", Models: []string{"m1"}, TimeoutSeconds: 60},
			{URL: "http://b:11434", Models: []string{"m2"}},
		},
		users: map[string]string{"alice": "sk1"},
	}
	r := NewRefresher(st, Options{RetryAttempts: 4, SecurityDisabled: true})

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	snap := r.Current()
	if len(snap.Backends) != 2 {
		t.Fatalf("backends = %d, want 2", len(snap.Backends))
	}
	if snap.Backends[0].Name != "A" || snap.Backends[0].Timeout != 60*time.Second {
		t.Errorf("backend A = %+v", snap.Backends[0])
	}
	if snap.Backends[1].Name != "http://b:11434" {
		t.Errorf("unnamed backend should fall back to URL, got %q", snap.Backends[1].Name)
	}
	if snap.Backends[1].Timeout != DefaultBackendTimeout {
		t.Errorf("timeout = %v, want default", snap.Backends[1].Timeout)
	}
	if snap.Users["alice"] != "sk1" {
		t.Errorf("users = %v", snap.Users)
	}
	if snap.RetryAttempts != 4 || !snap.SecurityDisabled {
		t.Errorf("knobs not stamped: %+v", snap)
	}
}

func TestRefresher_LoadFailureKeepsPreviousSnapshot(t *testing.T) {
	st := &fakeStore{
		backends: []store.BackendSpec{{Name: "A", URL: "http://a", Models: []string{"m1"}}},
		users:    map[string]string{"alice": "sk1"},
	}
	r := NewRefresher(st, Options{})

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	good := r.Current()

	st.err = fmt.Errorf("store down")
	if err := r.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}

	if r.Current() != good {
		t.Error("failed refresh must leave the previous snapshot in place")
	}
}

func TestRefresher_SnapshotIsImmutableAcrossRefresh(t *testing.T) {
	st := &fakeStore{
		backends: []store.BackendSpec{{Name: "A", URL: "http://a", Models: []string{"m1"}}},
		users:    map[string]string{},
	}
	r := NewRefresher(st, Options{})
	_ = r.Refresh(context.Background())

	held := r.Current()

	st.backends = []store.BackendSpec{{Name: "B", URL: "http://b", Models: []string{"m2"}}}
	_ = r.Refresh(context.Background())

	// The snapshot held by an in-flight request still sees the old pool.
	if len(held.Backends) != 1 || held.Backends[0].Name != "A" {
		t.Errorf("held snapshot changed: %+v", held.Backends)
	}
	if cur := r.Current(); len(cur.Backends) != 1 || cur.Backends[0].Name != "B" {
		t.Errorf("current snapshot not updated: %+v", cur.Backends)
	}
}

func TestRefresher_BackgroundLoop(t *testing.T) {
	st := &fakeStore{users: map[string]string{}}
	r := NewRefresher(st, Options{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	defer r.Close()

	st.backends = []store.BackendSpec{{Name: "A", URL: "http://a", Models: []string{"m1"}}}

	deadline := time.After(2 * time.Second)
	for {
		if len(r.Current().Backends) == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("background refresh never picked up the new backend")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
