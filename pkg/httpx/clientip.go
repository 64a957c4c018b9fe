package httpx

import (
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPResolver derives the gate's client key from a request. Forwarding
// headers are only believed when the direct peer is one of TrustedProxies.
type ClientIPResolver struct {
	TrustedProxies []netip.Prefix
}

// ClientIP returns the first address, walking X-Forwarded-For from the right,
// that is not a trusted proxy. X-Real-IP is consulted when X-Forwarded-For
// holds nothing usable. Requests without a parseable peer map to "unknown".
func (c ClientIPResolver) ClientIP(r *http.Request) string {
	peer, ok := peerAddr(r.RemoteAddr)
	if !ok {
		if raw := strings.TrimSpace(r.RemoteAddr); raw != "" {
			return raw
		}
		return "unknown"
	}
	if !c.trusted(peer) {
		return peer.String()
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop, ok := peerAddr(hops[i])
		if !ok {
			break
		}
		if !c.trusted(hop) {
			return hop.String()
		}
	}
	if ip, ok := peerAddr(r.Header.Get("X-Real-IP")); ok {
		return ip.String()
	}
	return peer.String()
}

func (c ClientIPResolver) trusted(addr netip.Addr) bool {
	for _, p := range c.TrustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// peerAddr accepts "ip", "ip:port" and "[ipv6]:port". IPv4-mapped IPv6
// addresses are unmapped so both spellings share one key.
func peerAddr(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap(), true
	}
	addr, err := netip.ParseAddr(strings.Trim(raw, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// ParseCIDRs reads a comma separated list of prefixes or bare addresses and
// drops entries that do not parse.
func ParseCIDRs(raw string) []netip.Prefix {
	var out []netip.Prefix
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if p, err := netip.ParsePrefix(part); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(part); err == nil {
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return out
}
