// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore    — external store connection (file paths or Redis)
//  2. initServices — access logger (+ optional ClickHouse mirror), metrics
//  3. initRegistry — snapshot refresher, one synchronous load
//  4. initProxy    — dispatch engine
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/model-proxy/internal/accesslog"
	"github.com/nulpointcorp/model-proxy/internal/config"
	"github.com/nulpointcorp/model-proxy/internal/metrics"
	"github.com/nulpointcorp/model-proxy/internal/proxy"
	"github.com/nulpointcorp/model-proxy/internal/registry"
	"github.com/nulpointcorp/model-proxy/internal/store"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	st         store.Store
	redisStore *store.RedisStore // non-nil only in redis mode, for Close

	alog      *accesslog.Logger
	prom      *metrics.Registry
	refresher *registry.Refresher
	px        *proxy.Proxy

	metricsSrv *http.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"services", a.initServices},
		{"registry", a.initRegistry},
		{"proxy", a.initProxy},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP listeners and blocks until ctx is cancelled or an error
// occurs. In-flight requests drain before it returns.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting proxy",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("store_mode", a.cfg.Store.Mode),
		slog.Int("backends", len(a.refresher.Current().Backends)),
	)

	a.refresher.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.px.Start(addr)
	})

	if a.metricsSrv != nil {
		g.Go(func() error {
			err := a.metricsSrv.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		// Stop accepting, drain in-flight requests, then release resources.
		if err := a.px.Shutdown(); err != nil {
			a.log.Error("proxy shutdown error", slog.String("error", err.Error()))
		}
		if a.metricsSrv != nil {
			_ = a.metricsSrv.Shutdown(context.Background())
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines is not required — it is called from the
// run group or from New on init failure.
func (a *App) Close() {
	if a.refresher != nil {
		a.refresher.Close()
		a.refresher = nil
	}
	if a.alog != nil {
		if err := a.alog.Close(); err != nil {
			a.log.Error("access log close error", slog.String("error", err.Error()))
		}
		a.alog = nil
	}
	if a.redisStore != nil {
		if err := a.redisStore.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.redisStore = nil
	}
}
