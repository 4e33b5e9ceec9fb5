package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultProbeTimeout = 2 * time.Second

// Prober answers "is this backend alive right now?" with one bounded HEAD
// request against the backend's root URL. No scoring, no history — a single
// probe per dispatch attempt.
type Prober struct {
	client  *http.Client
	timeout time.Duration
	log     *slog.Logger
}

// NewProber creates a Prober. timeout ≤ 0 uses the 2 s default; log may be nil.
func NewProber(timeout time.Duration, log *slog.Logger) *Prober {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Prober{
		client:  &http.Client{Transport: http.DefaultTransport},
		timeout: timeout,
		log:     log,
	}
}

// Probe reports whether baseURL answered with a 2xx within the deadline.
// Any transport error, non-2xx status or deadline expiry yields false.
func (p *Prober) Probe(ctx context.Context, baseURL string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, baseURL, nil)
	if err != nil {
		p.log.Debug("probe_bad_url", slog.String("url", baseURL), slog.String("error", err.Error()))
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug("probe_failed", slog.String("url", baseURL), slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
