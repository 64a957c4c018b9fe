package httpx

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func TestClientIP(t *testing.T) {
	resolver := ClientIPResolver{TrustedProxies: ParseCIDRs("10.0.0.0/8, 192.168.1.5, bogus")}
	cases := []struct {
		name, remote, xff, realIP, want string
	}{
		{name: "direct peer", remote: "203.0.113.7:51234", want: "203.0.113.7"},
		{name: "headers from untrusted peer", remote: "203.0.113.7:51234", xff: "1.1.1.1", realIP: "2.2.2.2", want: "203.0.113.7"},
		{name: "single proxy hop", remote: "10.1.2.3:80", xff: "198.51.100.9", want: "198.51.100.9"},
		{name: "chained proxies", remote: "10.1.2.3:80", xff: "6.6.6.6, 198.51.100.9, 10.4.4.4", want: "198.51.100.9"},
		{name: "garbage hop stops walk", remote: "10.1.2.3:80", xff: "198.51.100.9, junk", realIP: "198.51.100.10", want: "198.51.100.10"},
		{name: "real ip fallback", remote: "192.168.1.5:443", realIP: "198.51.100.10", want: "198.51.100.10"},
		{name: "all hops trusted", remote: "10.9.9.9:80", xff: "10.1.1.1", want: "10.9.9.9"},
		{name: "mapped ipv6 peer", remote: "[::ffff:203.0.113.8]:443", want: "203.0.113.8"},
		{name: "ipv6 peer", remote: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "bare address", remote: "203.0.113.9", want: "203.0.113.9"},
		{name: "opaque remote", remote: "pipe", want: "pipe"},
		{name: "empty remote", remote: "", want: "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/router/services", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := resolver.ClientIP(req); got != tc.want {
				t.Fatalf("want %q, got %q", tc.want, got)
			}
		})
	}
}

func TestParseCIDRs(t *testing.T) {
	if got := ParseCIDRs(" , "); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	got := ParseCIDRs("10.1.2.3/8, ::1, not-an-ip, 300.1.1.1/8")
	want := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8"), netip.MustParsePrefix("::1/128")}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}
