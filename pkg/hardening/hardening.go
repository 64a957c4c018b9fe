// Package hardening refuses unsafe configuration in production-like
// environments.
package hardening

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var productionLike = map[string]bool{"prod": true, "production": true, "stage": true, "staging": true}

// Policy accumulates posture violations for one service. Checks are no-ops
// unless the environment is production-like and strict mode is on.
type Policy struct {
	service    string
	active     bool
	violations []error
}

// For starts a policy. strict defaults to on when empty.
func For(service, environment, strict string) *Policy {
	if service = strings.TrimSpace(service); service == "" {
		service = "service"
	}
	return &Policy{
		service: service,
		active:  productionLike[strings.ToLower(strings.TrimSpace(environment))] && flag(strict, true),
	}
}

// Active reports whether checks are enforced.
func (p *Policy) Active() bool { return p.active }

func (p *Policy) fail(format string, args ...any) *Policy {
	if p.active {
		p.violations = append(p.violations, fmt.Errorf("%s: strict production hardening "+format, append([]any{p.service}, args...)...))
	}
	return p
}

// Require fails when value is blank.
func (p *Policy) Require(name, value string) *Policy {
	if strings.TrimSpace(value) == "" {
		return p.fail("requires %s", name)
	}
	return p
}

// RequireTrue fails unless value is "true".
func (p *Policy) RequireTrue(name, value string) *Policy {
	if !flag(value, false) {
		return p.fail("requires %s=true", name)
	}
	return p
}

// ForbidTrue fails when value is "true".
func (p *Policy) ForbidTrue(name, value string) *Policy {
	if flag(value, false) {
		return p.fail("forbids %s=true", name)
	}
	return p
}

// CORSOrigins demands at least one origin, each an https URL that is neither
// a wildcard nor a loopback host.
func (p *Policy) CORSOrigins(raw string) *Policy {
	seen := 0
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o == "" {
			continue
		}
		seen++
		if o == "*" {
			p.fail("forbids CORS wildcard origin")
			continue
		}
		u, err := url.Parse(o)
		if err != nil || !strings.EqualFold(u.Scheme, "https") || u.Host == "" {
			p.fail("requires HTTPS CORS origin, got %q", o)
			continue
		}
		if host := strings.ToLower(u.Hostname()); host == "localhost" || strings.HasPrefix(host, "127.") || host == "::1" {
			p.fail("forbids localhost CORS origin %q", o)
		}
	}
	if seen == 0 {
		p.fail("requires explicit CORS_ALLOWED_ORIGINS")
	}
	return p
}

// Err joins every violation, or returns nil.
func (p *Policy) Err() error { return errors.Join(p.violations...) }

func flag(raw string, def bool) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	return strings.EqualFold(raw, "true")
}
