// Package registry maintains the proxy's view of the backend pool.
//
// A Snapshot is an immutable value: backends, authorized users, and the
// dispatch knobs that must stay coherent for the lifetime of one request.
// The Refresher rebuilds it from the external store on an interval and
// publishes it with a single atomic pointer swap — readers never observe a
// half-updated pool, and a refresh mid-request cannot change which backend
// that request targets.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/model-proxy/internal/store"
)

// DefaultBackendTimeout is the per-attempt upstream deadline used when the
// store does not specify one for a backend.
const DefaultBackendTimeout = 300 * time.Second

// Backend is one inference endpoint in a snapshot.
type Backend struct {
	// Name is the stable identifier used in logs and queue accounting.
	Name string

	// URL is the base URL (scheme + host + port, no path).
	URL string

	// Timeout is the per-attempt upstream deadline.
	Timeout time.Duration

	models map[string]struct{}
}

// ServesModel reports whether this backend hosts the named model.
func (b *Backend) ServesModel(model string) bool {
	_, ok := b.models[model]
	return ok
}

// Models returns the model names this backend serves, in no particular order.
func (b *Backend) Models() []string {
	out := make([]string, 0, len(b.models))
	for m := range b.models {
		out = append(out, m)
	}
	return out
}

// Snapshot is one coherent view of the pool configuration. It is never
// mutated after construction.
type Snapshot struct {
	// Backends is the pool in store order. The first entry is the default
	// backend for non-model paths.
	Backends []*Backend

	// Users maps username → key for bearer authentication.
	Users map[string]string

	// RetryAttempts is the total number of forward tries per backend (≥ 1).
	RetryAttempts int

	// SecurityDisabled skips bearer authentication entirely.
	SecurityDisabled bool
}

// CandidatesFor returns the backends that serve model, preserving pool order.
func (s *Snapshot) CandidatesFor(model string) []*Backend {
	var out []*Backend
	for _, b := range s.Backends {
		if b.ServesModel(model) {
			out = append(out, b)
		}
	}
	return out
}

// Default returns the first backend in the pool, or nil when the pool is empty.
func (s *Snapshot) Default() *Backend {
	if len(s.Backends) == 0 {
		return nil
	}
	return s.Backends[0]
}

// Options tunes a Refresher.
type Options struct {
	// Interval between store reloads. Default: 10 s.
	Interval time.Duration

	// RetryAttempts is stamped into every snapshot. Values < 1 become 1.
	RetryAttempts int

	// SecurityDisabled is stamped into every snapshot.
	SecurityDisabled bool

	// DefaultTimeout replaces a missing per-backend timeout.
	// Default: DefaultBackendTimeout.
	DefaultTimeout time.Duration

	// Logger for refresh diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
}

// Refresher loads snapshots from the store and publishes them atomically.
type Refresher struct {
	st   store.Store
	cur  atomic.Pointer[Snapshot]
	opts Options
	log  *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRefresher creates a Refresher. It publishes an empty snapshot so Current
// never returns nil; call Refresh before serving traffic to load the real one.
func NewRefresher(st store.Store, opts Options) *Refresher {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultBackendTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &Refresher{
		st:   st,
		opts: opts,
		log:  opts.Logger,
		done: make(chan struct{}),
	}
	r.cur.Store(&Snapshot{
		Users:            map[string]string{},
		RetryAttempts:    opts.RetryAttempts,
		SecurityDisabled: opts.SecurityDisabled,
	})
	return r
}

// Current returns the latest published snapshot. Never nil.
func (r *Refresher) Current() *Snapshot {
	return r.cur.Load()
}

// Refresh performs one synchronous load and publishes the result.
// On error the previous snapshot stays in place.
func (r *Refresher) Refresh(ctx context.Context) error {
	specs, err := r.st.ListBackends(ctx)
	if err != nil {
		return err
	}
	users, err := r.st.ListUsers(ctx)
	if err != nil {
		return err
	}

	backends := make([]*Backend, 0, len(specs))
	for _, spec := range specs {
		timeout := r.opts.DefaultTimeout
		if spec.TimeoutSeconds > 0 {
			timeout = time.Duration(spec.TimeoutSeconds) * time.Second
		}
		backends = append(backends, NewBackend(spec.Name, spec.URL, spec.Models, timeout))
	}

	r.cur.Store(&Snapshot{
		Backends:         backends,
		Users:            users,
		RetryAttempts:    r.opts.RetryAttempts,
		SecurityDisabled: r.opts.SecurityDisabled,
	})

	r.log.Debug("snapshot_refreshed",
		slog.Int("backends", len(backends)),
		slog.Int("users", len(users)),
	)
	return nil
}

// Start launches the background refresh loop. Stop with Close or by
// cancelling ctx.
func (r *Refresher) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

// Close stops the background loop and waits for it to exit. Safe to call
// multiple times.
func (r *Refresher) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

func (r *Refresher) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.log.Warn("snapshot_refresh_failed",
					slog.String("error", err.Error()),
				)
			}
		case <-ctx.Done():
			return
		case <-r.done:
			return
		}
	}
}

// NewBackend constructs a Backend. timeout ≤ 0 uses DefaultBackendTimeout.
func NewBackend(name, url string, models []string, timeout time.Duration) *Backend {
	if name == "" {
		name = url
	}
	if timeout <= 0 {
		timeout = DefaultBackendTimeout
	}
	set := make(map[string]struct{}, len(models))
	for _, m := range models {
		set[m] = struct{}{}
	}
	return &Backend{Name: name, URL: url, Timeout: timeout, models: set}
}
