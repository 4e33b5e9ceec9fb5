package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nulpointcorp/model-proxy/internal/accesslog"
	"github.com/nulpointcorp/model-proxy/internal/metrics"
	"github.com/nulpointcorp/model-proxy/internal/proxy"
	"github.com/nulpointcorp/model-proxy/internal/registry"
	"github.com/nulpointcorp/model-proxy/internal/store"
)

// initStore selects the external store backend.
func (a *App) initStore(ctx context.Context) error {
	switch a.cfg.Store.Mode {
	case "file":
		a.st = store.NewFileStore(a.cfg.Store.BackendsFile, a.cfg.Store.UsersFile, a.log)
		a.log.Info("store backend: file",
			slog.String("backends", a.cfg.Store.BackendsFile),
			slog.String("users", a.cfg.Store.UsersFile),
		)

	case "redis":
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Store.RedisURL)))
		rs, err := store.NewRedisStoreFromURL(ctx, a.cfg.Store.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.redisStore = rs
		a.st = rs
		a.log.Info("store backend: redis")

	default:
		return fmt.Errorf("unknown store mode: %s", a.cfg.Store.Mode)
	}

	return nil
}

// initServices creates the access logger (with the optional ClickHouse
// mirror) and the Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	var sink accesslog.Sink
	if a.cfg.ClickHouse.Addr != "" {
		chSink, err := accesslog.NewClickHouseSink(ctx,
			a.cfg.ClickHouse.Addr,
			a.cfg.ClickHouse.Database,
			a.cfg.ClickHouse.Username,
			a.cfg.ClickHouse.Password,
		)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = chSink
		a.log.Info("access log mirror: clickhouse", slog.String("addr", a.cfg.ClickHouse.Addr))
	}

	alog, err := accesslog.New(a.cfg.AccessLogPath, sink)
	if err != nil {
		return err
	}
	a.alog = alog
	a.log.Info("access log open", slog.String("path", a.cfg.AccessLogPath))

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if a.cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.prom.Handler())
		a.metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", a.cfg.MetricsPort),
			Handler: mux,
		}
		a.log.Info("management listener enabled", slog.Int("port", a.cfg.MetricsPort))
	}

	return nil
}

// initRegistry builds the snapshot refresher and performs one synchronous
// load so the first requests see a populated pool. A failed initial load is
// not fatal — the proxy serves 503s until a refresh succeeds.
func (a *App) initRegistry(ctx context.Context) error {
	a.refresher = registry.NewRefresher(a.st, registry.Options{
		Interval:         a.cfg.RefreshInterval,
		RetryAttempts:    a.cfg.RetryAttempts,
		SecurityDisabled: a.cfg.SecurityDisabled,
		DefaultTimeout:   a.cfg.DefaultTimeout,
		Logger:           a.log,
	})

	if err := a.refresher.Refresh(ctx); err != nil {
		a.log.Warn("initial snapshot load failed; serving empty pool until a refresh succeeds",
			slog.String("error", err.Error()),
		)
	}

	if a.cfg.SecurityDisabled {
		a.log.Warn("security disabled — requests are not authenticated")
	}

	return nil
}

// initProxy wires together the dispatch engine.
func (a *App) initProxy(_ context.Context) error {
	a.px = proxy.New(a.refresher, proxy.Options{
		Logger:       a.log,
		AccessLog:    a.alog,
		Metrics:      a.prom,
		ProbeTimeout: a.cfg.ProbeTimeout,
	})
	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
