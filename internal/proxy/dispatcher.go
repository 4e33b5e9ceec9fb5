// Package proxy is the model-aware request dispatch engine.
//
// The Dispatcher authenticates the caller, extracts the requested model,
// selects candidate backends from the current snapshot, and walks them in
// load order: probe, account, forward, stream. Upstream responses are relayed
// verbatim — any HTTP status from a backend is final and never retried.
//
// Key design constraints:
//   - Access log, metrics and logger are optional and nil-safe.
//   - Queue counters balance on every exit path, panics included.
//   - Response bodies stream; the proxy never buffers a full body.
package proxy

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/model-proxy/internal/accesslog"
	"github.com/nulpointcorp/model-proxy/internal/registry"
	"github.com/nulpointcorp/model-proxy/pkg/apierr"
)

// modelEndpoints are the paths where model selection is required and
// load-aware backend picking applies. Every other path goes to the default
// backend (the first backend in the snapshot).
var modelEndpoints = map[string]struct{}{
	"/api/generate": {},
	"/api/chat":     {},
	"/generate":     {},
	"/chat":         {},
}

// Dispatch is the entry point for every proxied request.
func (p *Proxy) Dispatch(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())
	_, modelRoute := modelEndpoints[path]

	route := "default"
	if modelRoute {
		route = "model"
	}
	defer func() {
		if p.metrics != nil {
			p.metrics.ObserveDispatch(route, ctx.Response.StatusCode(), time.Since(start))
		}
	}()

	snap := p.source.Current()
	ip := ctx.RemoteIP().String()

	// 1. Authenticate.
	user, logName, ok := authenticate(ctx, snap)
	if !ok {
		if p.metrics != nil {
			p.metrics.RecordAuthRejection()
		}
		p.appendLog(accesslog.Entry{
			Event:  accesslog.EventRejected,
			User:   logName,
			IP:     ip,
			Access: accesslog.AccessDenied,
			Server: "None",
			Queued: -1,
			Err:    "Authentication failed",
		})
		p.log.Warn("auth_rejected", slog.String("ip", ip), slog.String("path", path))
		apierr.WriteForbidden(ctx)
		return
	}

	// 2. Parse.
	method := string(ctx.Method())
	query := parseQuery(ctx)
	body := parseRequestBody(ctx, method, p.log)
	model := extractModel(body, query)

	p.log.Debug("request",
		slog.String("method", method),
		slog.String("path", path),
		slog.String("model", model),
		slog.String("user", user),
		slog.String("ip", ip),
	)

	// 3. Route.
	var candidates []*registry.Backend
	var exhaustedMsg string

	if modelRoute {
		if model == "" {
			apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.MsgMissingModel)
			return
		}
		candidates = snap.CandidatesFor(model)
		if len(candidates) == 0 {
			p.log.Warn("no_backend_for_model", slog.String("model", model))
			apierr.Write(ctx, fasthttp.StatusServiceUnavailable, apierr.MsgNoModelSupport)
			return
		}
		exhaustedMsg = apierr.MsgNoAvailableServers
	} else {
		def := snap.Default()
		if def == nil {
			apierr.Write(ctx, fasthttp.StatusServiceUnavailable, apierr.MsgDefaultUnavailable)
			return
		}
		candidates = []*registry.Backend{def}
		exhaustedMsg = apierr.MsgDefaultForwardFail
	}

	fwdReq := &upstreamRequest{
		method: method,
		path:   path,
		query:  query,
		body:   body,
		header: filterRequestHeaders(ctx),
	}

	// 4. Attempt loop: least-loaded live candidate first, drop on failure.
	for len(candidates) > 0 {
		// Stable sort keeps snapshot order on depth ties.
		sort.SliceStable(candidates, func(i, j int) bool {
			return p.acct.Depth(candidates[i].Name) < p.acct.Depth(candidates[j].Name)
		})
		b := candidates[0]
		candidates = candidates[1:]

		if !p.prober.Probe(ctx, b.URL) {
			if p.metrics != nil {
				p.metrics.RecordProbe(b.Name, false)
			}
			p.log.Warn("backend_dead", slog.String("backend", b.Name), slog.String("url", b.URL))
			continue
		}
		if p.metrics != nil {
			p.metrics.RecordProbe(b.Name, true)
		}

		resp := p.forwardAccounted(ctx, b, user, ip, fwdReq, snap.RetryAttempts)
		if resp != nil {
			p.log.Debug("relaying",
				slog.String("backend", b.Name),
				slog.Int("status", resp.status),
				slog.Duration("elapsed", time.Since(start)),
			)
			relayResponse(ctx, resp)
			return
		}
	}

	apierr.Write(ctx, fasthttp.StatusServiceUnavailable, exhaustedMsg)
}

// forwardAccounted wraps one backend's forward attempts in queue accounting:
// inc before the first try, dec on every exit path including panics, with a
// gen_request / gen_done log pair around the whole thing.
func (p *Proxy) forwardAccounted(ctx *fasthttp.RequestCtx, b *registry.Backend, user, ip string, req *upstreamRequest, attempts int) *upstreamResponse {
	depth := p.acct.Inc(b.Name)
	if p.metrics != nil {
		p.metrics.SetInFlight(b.Name, depth)
	}
	p.appendLog(accesslog.Entry{
		Event:  accesslog.EventGenRequest,
		User:   user,
		IP:     ip,
		Access: accesslog.AccessAuthorized,
		Server: b.Name,
		Queued: int(depth),
	})

	defer func() {
		d := p.acct.Dec(b.Name)
		if p.metrics != nil {
			p.metrics.SetInFlight(b.Name, d)
		}
		p.appendLog(accesslog.Entry{
			Event:  accesslog.EventGenDone,
			User:   user,
			IP:     ip,
			Access: accesslog.AccessAuthorized,
			Server: b.Name,
			Queued: int(d),
		})
	}()

	req.baseURL = b.URL
	return p.forwarder.Forward(ctx, b.Name, req, attempts, b.Timeout)
}

// authenticate validates the bearer token against the snapshot's user map.
//
// The token form is USERNAME:KEY, split on the first ':'. On failure logName
// carries what the rejected row should record: the raw token when a Bearer
// header was present, "unknown" otherwise.
func authenticate(ctx *fasthttp.RequestCtx, snap *registry.Snapshot) (user, logName string, ok bool) {
	if snap.SecurityDisabled {
		return "unknown", "", true
	}

	const prefix = "Bearer "
	raw := string(ctx.Request.Header.Peek("Authorization"))
	if !strings.HasPrefix(raw, prefix) {
		return "", "unknown", false
	}

	token := raw[len(prefix):]
	name, key, found := strings.Cut(token, ":")
	if !found {
		return "", token, false
	}

	stored, exists := snap.Users[name]
	if !exists || stored != key {
		return "", token, false
	}

	return name, "", true
}

// parseQuery decodes the query string into ordered pairs, repeated names
// accumulated in first-seen order.
func parseQuery(ctx *fasthttp.RequestCtx) []queryParam {
	var pairs []queryParam
	ctx.QueryArgs().VisitAll(func(k, v []byte) {
		pairs = append(pairs, queryParam{key: string(k), value: string(v)})
	})
	return pairs
}

// parseRequestBody reads and JSON-decodes the body of body-bearing methods.
// A body that fails to decode is treated as empty — the request continues.
func parseRequestBody(ctx *fasthttp.RequestCtx, method string, log *slog.Logger) map[string]any {
	if !bodyBearing(method) {
		return nil
	}
	data := ctx.PostBody()
	if len(data) == 0 {
		return nil
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		log.Debug("body_decode_failed", slog.String("error", err.Error()))
		return nil
	}
	return m
}

// extractModel picks the requested model: body "model" field first, then the
// first "model" query value.
func extractModel(body map[string]any, query []queryParam) string {
	if v, ok := body["model"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	for _, p := range query {
		if p.key == "model" {
			return p.value
		}
	}
	return ""
}

// filterRequestHeaders copies the client's headers for the upstream request,
// dropping Authorization (the proxy's credential scheme) and Host (the
// upstream gets its own). Content-Length is dropped too: the body is
// re-serialized, so the client library recomputes the framing.
func filterRequestHeaders(ctx *fasthttp.RequestCtx) http.Header {
	h := make(http.Header)
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		switch http.CanonicalHeaderKey(string(k)) {
		case "Authorization", "Host", "Content-Length":
			return
		}
		h.Add(string(k), string(v))
	})
	return h
}

func (p *Proxy) appendLog(e accesslog.Entry) {
	if p.accessLog == nil {
		return
	}
	p.accessLog.Append(e)
}
