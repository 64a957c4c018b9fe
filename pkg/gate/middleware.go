package gate

import (
	"bytes"
	"net/http"
	"time"

	"nexus/pkg/features"
	"nexus/pkg/httpx"
)

// BlockedMessage is the error body returned when the gate enforces a block.
const BlockedMessage = "Blocked by AI"

type MiddlewareConfig struct {
	// ClientID resolves the correlation key; defaults to the peer address.
	ClientID func(*http.Request) string
	// Skip exempts requests from gating, e.g. long-lived streams.
	Skip func(*http.Request) bool
}

// Middleware runs the wrapped handler, feeds its latency and status into the
// gate and swaps the response for a 403 when the policy says block. The
// response is buffered so it can still be replaced after the handler ran.
func Middleware(g *Gate, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	clientID := cfg.ClientID
	if clientID == nil {
		clientID = httpx.ClientIPResolver{}.ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if g == nil || (cfg.Skip != nil && cfg.Skip(r)) {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			buf := newBufferedResponse()
			next.ServeHTTP(buf, r)
			elapsed := time.Since(start)

			d := g.Evaluate(r.Context(), features.Signal{
				ClientID:  clientID(r),
				LatencyMS: float64(elapsed.Microseconds()) / 1000,
				IsError:   buf.code >= http.StatusBadRequest,
			}, "middleware")
			if d.Enforced {
				g.logger.Warn("request blocked",
					"client", d.ClientID,
					"reason", d.Verdict.Reason,
					"confidence", d.Verdict.Confidence,
					"path", r.URL.Path,
				)
				httpx.WriteJSON(w, http.StatusForbidden, map[string]string{
					"error":  BlockedMessage,
					"reason": d.Verdict.Reason,
				})
				return
			}
			buf.flush(w)
		})
	}
}

type bufferedResponse struct {
	header      http.Header
	code        int
	wroteHeader bool
	body        bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: http.Header{}, code: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) {
	if b.wroteHeader {
		return
	}
	b.wroteHeader = true
	b.code = code
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	b.WriteHeader(http.StatusOK)
	return b.body.Write(p)
}

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	w.WriteHeader(b.code)
	_, _ = w.Write(b.body.Bytes())
}
