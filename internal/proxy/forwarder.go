package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/model-proxy/internal/metrics"
)

// queryParam is one query-string pair. Pairs are forwarded in first-seen
// order, repeated names included.
type queryParam struct {
	key   string
	value string
}

// upstreamRequest carries everything the Forwarder needs to re-issue the
// client's request against a backend. The header set is already filtered
// (no Authorization, no Host).
type upstreamRequest struct {
	method  string
	baseURL string
	path    string
	query   []queryParam

	// body is the parsed JSON payload; re-serialized for body-bearing methods
	// when non-empty, omitted otherwise.
	body map[string]any

	header http.Header
}

// upstreamResponse is a live handle on a backend response. The body streams;
// callers must Close the body and then call release to free the underlying
// request context.
type upstreamResponse struct {
	status  int
	header  http.Header
	body    io.ReadCloser
	release context.CancelFunc
}

// Forwarder issues upstream requests with bounded retries.
//
// A try counts as successful the moment any response arrives — whatever its
// status. Backends stream token output; retrying a 5xx or a partial stream
// would double-charge the backend and could emit duplicate tokens to the
// client. Retries cover only the "never got a response" case: transport
// errors and deadline expiry.
type Forwarder struct {
	client  *http.Client
	log     *slog.Logger
	metrics *metrics.Registry
}

// NewForwarder creates a Forwarder. log may be nil; met may be nil.
func NewForwarder(log *slog.Logger, met *metrics.Registry) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	return &Forwarder{
		client: &http.Client{
			Transport: &http.Transport{
				// Bytes are relayed verbatim; never decompress on behalf of
				// the client.
				DisableCompression:  true,
				MaxIdleConnsPerHost: 32,
			},
		},
		log:     log,
		metrics: met,
	}
}

// Forward tries the backend up to attempts times with a fresh per-attempt
// deadline. Returns nil when every attempt failed without a response.
//
// The deadline bounds the wait for response headers only. Once a response
// arrives its body may stream for as long as the backend keeps sending; the
// attempt context stays alive until the caller invokes release.
func (f *Forwarder) Forward(ctx context.Context, backend string, req *upstreamRequest, attempts int, timeout time.Duration) *upstreamResponse {
	if attempts < 1 {
		attempts = 1
	}

	target := buildTargetURL(req)

	var payload []byte
	if bodyBearing(req.method) && len(req.body) > 0 {
		data, err := json.Marshal(req.body)
		if err != nil {
			f.log.Error("forward_encode_failed",
				slog.String("backend", backend),
				slog.String("error", err.Error()),
			)
			return nil
		}
		payload = data
	}

	for i := 1; i <= attempts; i++ {
		resp, outcome := f.attempt(ctx, target, req, payload, timeout)
		if f.metrics != nil {
			f.metrics.RecordAttempt(backend, outcome)
		}
		if resp != nil {
			return resp
		}

		f.log.Warn("forward_attempt_failed",
			slog.String("backend", backend),
			slog.String("url", target),
			slog.String("outcome", outcome),
			slog.Int("attempt", i),
			slog.Int("attempts", attempts),
		)
	}

	if f.metrics != nil {
		f.metrics.RecordExhausted(backend)
	}
	return nil
}

// attempt issues one try. outcome is "response", "timeout" or
// "transport_error".
func (f *Forwarder) attempt(ctx context.Context, target string, req *upstreamRequest, payload []byte, timeout time.Duration) (*upstreamResponse, string) {
	attemptCtx, cancel := context.WithCancel(ctx)

	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		cancel()
	})

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.method, target, body)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, "transport_error"
	}

	httpReq.Header = req.header.Clone()
	if httpReq.Header == nil {
		httpReq.Header = make(http.Header)
	}
	if payload != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		timer.Stop()
		cancel()
		if timedOut.Load() {
			return nil, "timeout"
		}
		return nil, "transport_error"
	}

	// Headers received within the deadline — the try succeeded. Stop the
	// timer so the streaming body is not cut off at the attempt deadline.
	timer.Stop()

	return &upstreamResponse{
		status:  resp.StatusCode,
		header:  resp.Header,
		body:    resp.Body,
		release: cancel,
	}, "response"
}

// bodyBearing reports whether the method carries a re-serialized JSON body.
func bodyBearing(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// buildTargetURL joins base URL, path and the ordered query pairs. Encoding
// by hand keeps repeated names in first-seen order — url.Values would
// re-group and re-sort them.
func buildTargetURL(req *upstreamRequest) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSuffix(req.baseURL, "/"))
	sb.WriteString(req.path)

	for i, p := range req.query {
		if i == 0 {
			sb.WriteByte('?')
		} else {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(p.key))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(p.value))
	}

	return sb.String()
}
