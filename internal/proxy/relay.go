package proxy

import (
	"bufio"
	"net/http"

	"github.com/valyala/fasthttp"
)

const relayBufferSize = 32 * 1024

// Response headers that must not be copied downstream: framing is re-decided
// here (chunked), and bytes are relayed verbatim without re-encoding.
var skippedResponseHeaders = map[string]struct{}{
	"Content-Length":    {},
	"Transfer-Encoding": {},
	"Content-Encoding":  {},
}

// relayResponse streams an upstream response to the client using chunked
// transfer encoding, one chunk per upstream read, without buffering the body.
//
// A client disconnect mid-stream stops the upstream read and releases the
// attempt context; it is not an error.
func relayResponse(ctx *fasthttp.RequestCtx, resp *upstreamResponse) {
	ctx.SetStatusCode(resp.status)

	for name, values := range resp.header {
		if _, skip := skippedResponseHeaders[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, v := range values {
			ctx.Response.Header.Add(name, v)
		}
	}

	body, release := resp.body, resp.release

	// Body size is unknown; fasthttp frames the stream as chunked and each
	// Flush emits one chunk, preserving upstream read boundaries.
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer release()
		defer body.Close()

		buf := make([]byte, relayBufferSize)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return // client gone
				}
				if werr := w.Flush(); werr != nil {
					return
				}
			}
			if err != nil {
				return // io.EOF or upstream failure — stream ends either way
			}
		}
	})
}
