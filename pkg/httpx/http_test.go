package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
})

func TestErrorBody(t *testing.T) {
	rr := httptest.NewRecorder()
	Error(rr, http.StatusBadGateway, "embedding provider unavailable")
	if rr.Code != http.StatusBadGateway || rr.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected response %d %v", rr.Code, rr.Header())
	}
	if strings.TrimSpace(rr.Body.String()) != `{"error":"embedding provider unavailable"}` {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestSecurityHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	SecurityHeadersMiddleware(okHandler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	for _, kv := range securityHeaders {
		if got := rr.Header().Get(kv[0]); got != kv[1] {
			t.Errorf("%s: want %q, got %q", kv[0], kv[1], got)
		}
	}
}

func TestCORS(t *testing.T) {
	h := CORSMiddleware(" https://console.example.com, ,https://ops.example.com")(okHandler)
	cases := []struct {
		name        string
		method      string
		origin      string
		preflight   bool
		reqHeaders  string
		wantCode    int
		wantOrigin  string
		wantHeaders string
	}{
		{name: "no origin", method: http.MethodGet, wantCode: 200},
		{name: "allowed simple", method: http.MethodPost, origin: "https://ops.example.com", wantCode: 200, wantOrigin: "https://ops.example.com"},
		{name: "foreign simple", method: http.MethodGet, origin: "https://evil.example.net", wantCode: 200},
		{name: "foreign preflight", method: http.MethodOptions, origin: "https://evil.example.net", preflight: true, wantCode: 403},
		{name: "allowed preflight", method: http.MethodOptions, origin: "https://console.example.com", preflight: true, wantCode: 204,
			wantOrigin: "https://console.example.com", wantHeaders: defaultCORSHeaders},
		{name: "preflight echoes requested headers", method: http.MethodOptions, origin: "https://console.example.com", preflight: true,
			reqHeaders: "X-Trace", wantCode: 204, wantOrigin: "https://console.example.com", wantHeaders: "X-Trace"},
		{name: "bare options is not a preflight", method: http.MethodOptions, origin: "https://console.example.com", wantCode: 200,
			wantOrigin: "https://console.example.com"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/api/route-query", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			if tc.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			if tc.reqHeaders != "" {
				req.Header.Set("Access-Control-Request-Headers", tc.reqHeaders)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tc.wantCode {
				t.Fatalf("code: want %d, got %d", tc.wantCode, rr.Code)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tc.wantOrigin {
				t.Fatalf("allow-origin: want %q, got %q", tc.wantOrigin, got)
			}
			if got := rr.Header().Get("Access-Control-Allow-Headers"); got != tc.wantHeaders {
				t.Fatalf("allow-headers: want %q, got %q", tc.wantHeaders, got)
			}
		})
	}
}

func TestCORSWildcardEchoesOrigin(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/router/services", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	CORSMiddleware("*")(okHandler).ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://anywhere.example" {
		t.Fatalf("expected the request origin, got %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestDecodeJSON(t *testing.T) {
	type validateReq struct {
		IP      string  `json:"ip"`
		Latency float64 `json:"latency"`
	}
	decodeVia := func(limit int64, body string) (*httptest.ResponseRecorder, validateReq, bool) {
		var v validateReq
		var ok bool
		h := LimitBodyMiddleware(limit)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok = DecodeJSON(w, r, &v)
		}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/security/validate", strings.NewReader(body)))
		return rr, v, ok
	}

	if _, v, ok := decodeVia(0, `{"ip":"10.0.0.1","latency":12.5}`); !ok || v.IP != "10.0.0.1" || v.Latency != 12.5 {
		t.Fatalf("decode failed: %+v", v)
	}
	if rr, _, ok := decodeVia(1<<10, `{"ip":`); ok || rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "invalid json") {
		t.Fatalf("expected 400 invalid json, got %d %s", rr.Code, rr.Body.String())
	}
	if rr, _, ok := decodeVia(8, `{"ip":"203.0.113.250"}`); ok || rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Body = nil
	var out map[string]any
	if DecodeJSON(rr, req, &out) || rr.Code != http.StatusBadRequest {
		t.Fatalf("nil body should be rejected, got %d", rr.Code)
	}
}

func TestRequireToken(t *testing.T) {
	guarded := RequireToken("X-Service-Token", "s3cret")(okHandler)
	cases := map[string]int{"": 401, "wrong": 401, "s3cret": 200, " s3cret ": 200}
	for token, want := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/security/validate", nil)
		if token != "" {
			req.Header.Set("X-Service-Token", token)
		}
		rr := httptest.NewRecorder()
		guarded.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Errorf("token %q: want %d, got %d", token, want, rr.Code)
		}
	}

	for _, open := range []http.Handler{RequireToken("", "s3cret")(okHandler), RequireToken("X-Service-Token", " ")(okHandler)} {
		rr := httptest.NewRecorder()
		open.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("route without a configured token must stay open, got %d", rr.Code)
		}
	}
}
