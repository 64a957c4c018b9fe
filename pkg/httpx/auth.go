package httpx

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequireToken guards a route with a shared service token carried in header.
// With an empty header name or token the route is left open.
func RequireToken(header, token string) func(http.Handler) http.Handler {
	header, token = strings.TrimSpace(header), strings.TrimSpace(token)
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		if header == "" || token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(strings.TrimSpace(r.Header.Get(header)))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
