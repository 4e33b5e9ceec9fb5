package proxy

import (
	"log/slog"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/model-proxy/internal/accesslog"
	"github.com/nulpointcorp/model-proxy/internal/metrics"
	"github.com/nulpointcorp/model-proxy/internal/registry"
)

// SnapshotSource supplies the current configuration snapshot. Implemented by
// registry.Refresher; test doubles swap in fixed snapshots.
type SnapshotSource interface {
	Current() *registry.Snapshot
}

// Options holds optional tuning parameters for a Proxy. All fields have
// sensible defaults and can be omitted.
type Options struct {
	// Logger is the structured logger used for request events and dispatch
	// diagnostics. Defaults to slog.Default.
	Logger *slog.Logger

	// AccessLog receives the gen_request / gen_done / rejected rows.
	// nil disables access logging.
	AccessLog *accesslog.Logger

	// Metrics enables Prometheus metrics collection. nil disables metrics.
	Metrics *metrics.Registry

	// ProbeTimeout is the liveness probe deadline. Default: 2 s.
	ProbeTimeout time.Duration
}

// Proxy is the dispatch engine — all dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Proxy struct {
	source    SnapshotSource
	acct      *Accountant
	prober    *Prober
	forwarder *Forwarder
	accessLog *accesslog.Logger
	metrics   *metrics.Registry
	log       *slog.Logger

	srv *fasthttp.Server
}

// New creates a Proxy reading snapshots from source.
func New(source SnapshotSource, opts Options) *Proxy {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Proxy{
		source:    source,
		acct:      NewAccountant(),
		prober:    NewProber(opts.ProbeTimeout, log),
		forwarder: NewForwarder(log, opts.Metrics),
		accessLog: opts.AccessLog,
		metrics:   opts.Metrics,
		log:       log,
	}
}

// Accountant exposes the queue accountant (used by tests and diagnostics).
func (p *Proxy) Accountant() *Accountant {
	return p.acct
}

// Handler returns the full request handler: routing plus middleware.
//
// The four model endpoints get their own routes; everything else falls
// through NotFound into default-backend dispatch — the proxy owns no path,
// so redirects and auto-OPTIONS are disabled.
func (p *Proxy) Handler() fasthttp.RequestHandler {
	r := router.New()
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.HandleMethodNotAllowed = false
	r.HandleOPTIONS = false
	r.NotFound = p.Dispatch

	for path := range modelEndpoints {
		r.ANY(path, p.Dispatch)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
	)
}

// Start serves HTTP on addr (e.g. ":8000") and blocks until Shutdown.
func (p *Proxy) Start(addr string) error {
	p.srv = p.newServer()
	return p.srv.ListenAndServe(addr)
}

// Serve serves HTTP on an existing listener (e.g. an in-memory listener) and
// blocks until Shutdown.
func (p *Proxy) Serve(ln net.Listener) error {
	p.srv = p.newServer()
	return p.srv.Serve(ln)
}

// Shutdown stops accepting new connections and waits for in-flight requests
// to drain.
func (p *Proxy) Shutdown() error {
	if p.srv == nil {
		return nil
	}
	return p.srv.Shutdown()
}

func (p *Proxy) newServer() *fasthttp.Server {
	return &fasthttp.Server{
		Handler:     p.Handler(),
		ReadTimeout: 60 * time.Second,
		// No WriteTimeout: relayed bodies stream for as long as the backend
		// keeps generating.
		IdleTimeout: 120 * time.Second,
	}
}
