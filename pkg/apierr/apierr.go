// Package apierr writes the proxy's locally generated error responses.
//
// Errors produced by the proxy itself are plain text — upstream responses,
// whatever their status, are relayed verbatim and never pass through here.
package apierr

import (
	"github.com/valyala/fasthttp"
)

// Locally generated error bodies. These are part of the client contract; do
// not reword them.
const (
	MsgMissingModel       = "Missing 'model' in request"
	MsgNoModelSupport     = "No servers support the requested model."
	MsgNoAvailableServers = "No available servers could handle the request."
	MsgDefaultUnavailable = "Default server is not available."
	MsgDefaultForwardFail = "Failed to forward request to default server."
	MsgInternal           = "Internal server error"
)

// Write writes a plain-text error with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, msg string) {
	ctx.ResetBody()
	ctx.SetStatusCode(status)
	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.SetBodyString(msg)
}

// WriteForbidden writes the empty-body 403 used for authentication failures.
func WriteForbidden(ctx *fasthttp.RequestCtx) {
	ctx.ResetBody()
	ctx.SetStatusCode(fasthttp.StatusForbidden)
}
