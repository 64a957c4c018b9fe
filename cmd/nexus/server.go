package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nexus/pkg/audit"
	"nexus/pkg/embedding"
	"nexus/pkg/features"
	"nexus/pkg/gate"
	"nexus/pkg/httpx"
	"nexus/pkg/knowledge"
	"nexus/pkg/metrics"
	"nexus/pkg/ratelimit"
	"nexus/pkg/router"
	"nexus/pkg/stream"
	"nexus/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

const (
	statusOnline    = "AI System Online"
	sentinelActive  = "Active"
	sentinelOffline = "Offline"
	routerOnline    = "Online"
	routerDisabled  = "Disabled"

	generalAnalysis = "general"
	noMatchReason   = "No clear match found"
)

type auditStats interface {
	Stats(ctx context.Context, since time.Time) (audit.Stats, error)
}

type Server struct {
	Gate    *gate.Gate
	Router  *router.Router
	Window  *features.MemoryWindow
	Metrics *metrics.Registry
	Events  *stream.Hub
	Audit   auditStats
	Quota   ratelimit.Limiter
	Logger  *slog.Logger

	ClientIP            httpx.ClientIPResolver
	ServiceAuthHeader   string
	ServiceAuthToken    string
	CORSAllowedOrigins  string
	WSOriginPatterns    []string
	MaxRequestBodyBytes int64
	SweepInterval       time.Duration
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("nexus"))
	r.Use(httpx.LimitBodyMiddleware(s.MaxRequestBodyBytes))
	r.Use(gate.Middleware(s.Gate, gate.MiddlewareConfig{
		ClientID: s.ClientIP.ClientIP,
		Skip:     ungated,
	}))

	r.Get("/api/health", s.health)
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Get("/api/security/events", s.streamEvents)
	r.With(httpx.RequireToken(s.ServiceAuthHeader, s.ServiceAuthToken)).Post("/api/security/validate", s.validate)
	r.With(httpx.RequireToken(s.ServiceAuthHeader, s.ServiceAuthToken)).Get("/api/security/stats", s.stats)
	r.With(ratelimit.Middleware(s.Quota, s.ClientIP.ClientIP)).Post("/api/route-query", s.routeQuery)
	r.Get("/api/router/services", s.services)
	return r
}

// ungated lists paths the middleware must not count: probes, scrapes, the
// long-lived event stream, and validate, which scores the client it is given.
func ungated(r *http.Request) bool {
	switch r.URL.Path {
	case "/api/health", "/metrics", "/metrics/prometheus", "/api/security/events", "/api/security/validate":
		return true
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

// Unwrap lets the websocket upgrade reach the underlying hijacker.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + routeLabel(r)
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
	})
}

// unmatchedRoute labels requests no route answered, so scanners cannot mint
// a series per path.
const unmatchedRoute = "unmatched"

// routeLabel is the chi pattern that served r. It must be read after the
// handler ran, once routing filled the context.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return unmatchedRoute
}

func (s *Server) sentinelStatus() string {
	if s.Gate.Online() {
		return sentinelActive
	}
	return sentinelOffline
}

func (s *Server) routerStatus() string {
	if s.Router.Available() {
		return routerOnline
	}
	return routerDisabled
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"status":   statusOnline,
		"sentinel": s.sentinelStatus(),
		"router":   s.routerStatus(),
	})
}

type validateRequest struct {
	IP      string  `json:"ip"`
	Latency float64 `json:"latency"`
	IsError bool    `json:"is_error"`
}

type validateResponse struct {
	gate.Verdict
	Enforced bool `json:"enforced"`
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !httpx.DecodeJSON(w, r, &req) {
		return
	}
	req.IP = strings.TrimSpace(req.IP)
	if req.IP == "" {
		httpx.Error(w, http.StatusBadRequest, "ip required")
		return
	}
	if req.Latency < 0 {
		httpx.Error(w, http.StatusBadRequest, "latency must be non-negative")
		return
	}
	if s.Gate == nil {
		httpx.WriteJSON(w, http.StatusOK, validateResponse{Verdict: gate.Verdict{Reason: gate.ReasonOffline}})
		return
	}
	d := s.Gate.Evaluate(r.Context(), features.Signal{
		ClientID:  req.IP,
		LatencyMS: req.Latency,
		IsError:   req.IsError,
	}, "validate")
	httpx.WriteJSON(w, http.StatusOK, validateResponse{Verdict: d.Verdict, Enforced: d.Enforced})
}

type routeRequest struct {
	Description string `json:"description"`
	Source      string `json:"source"`
}

type routeMatch struct {
	Service    string `json:"target_service"`
	Confidence string `json:"confidence"`
	Reason     string `json:"reason"`
}

type routeResponse struct {
	Analysis   string       `json:"analysis"`
	Confidence string       `json:"confidence,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Error      string       `json:"error,omitempty"`
	Source     string       `json:"source,omitempty"`
	Matches    []routeMatch `json:"matches,omitempty"`
}

func (s *Server) routeQuery(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if !httpx.DecodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		httpx.Error(w, http.StatusBadRequest, "description required")
		return
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "Web"
	}
	matches, err := s.Router.Route(r.Context(), req.Description)
	switch {
	case errors.Is(err, router.ErrUnavailable), errors.Is(err, embedding.ErrUnavailable):
		s.Metrics.ObserveRoute(metrics.RouteUnavailable, "")
		httpx.WriteJSON(w, http.StatusOK, routeResponse{
			Analysis: generalAnalysis,
			Error:    "AI Router not loaded: " + unavailableReason(),
			Source:   source,
		})
		return
	case err != nil:
		s.Metrics.ObserveRoute(metrics.RouteError, "")
		s.logger().Warn("route query failed", "source", source, "err", err)
		httpx.WriteJSON(w, http.StatusBadGateway, routeResponse{
			Analysis: generalAnalysis,
			Error:    "routing failed",
			Source:   source,
		})
		return
	}
	if len(matches) == 0 {
		s.Metrics.ObserveRoute(metrics.RouteNoMatch, "")
		httpx.WriteJSON(w, http.StatusOK, routeResponse{
			Analysis:   generalAnalysis,
			Confidence: "0%",
			Reason:     noMatchReason,
			Source:     source,
		})
		return
	}
	top := matches[0]
	s.Metrics.ObserveRoute(metrics.RouteMatched, top.Service)
	out := make([]routeMatch, len(matches))
	for i, m := range matches {
		out[i] = routeMatch{Service: m.Service, Confidence: m.Confidence(), Reason: m.Reason}
	}
	httpx.WriteJSON(w, http.StatusOK, routeResponse{
		Analysis:   top.Service,
		Confidence: top.Confidence(),
		Reason:     top.Reason,
		Source:     source,
		Matches:    out,
	})
}

func unavailableReason() string {
	return router.Unavailable()[0].Reason
}

func (s *Server) services(w http.ResponseWriter, r *http.Request) {
	services := s.Router.Services()
	if services == nil {
		services = []knowledge.Summary{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"router":   s.routerStatus(),
		"services": services,
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "audit disabled")
		return
	}
	window := 24 * time.Hour
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			httpx.Error(w, http.StatusBadRequest, "since must be a positive duration")
			return
		}
		window = d
	}
	st, err := s.Audit.Stats(r.Context(), time.Now().UTC().Add(-window))
	if err != nil {
		s.logger().Warn("audit stats failed", "err", err)
		httpx.Error(w, http.StatusBadGateway, "audit query failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"since": window.String(),
		"stats": st,
	})
}

func (s *Server) sweepLoop(ctx context.Context) {
	if s.Window == nil {
		return
	}
	s.Window.Run(ctx, s.SweepInterval, func(removed, tracked int) {
		s.Metrics.SetGauge("gate_window_clients", float64(tracked))
		if removed > 0 {
			s.logger().Debug("swept idle clients", "removed", removed, "tracked", tracked)
		}
	})
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics()
		}
	}
}

func (s *Server) updateOperationalMetrics() {
	if s.Window != nil {
		s.Metrics.SetGauge("gate_window_clients", float64(s.Window.Len()))
	}
	if s.Events != nil {
		s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Subscribers()))
		s.Metrics.SetGauge("stream_dropped_events", float64(s.Events.Dropped()))
	}
	s.Metrics.SetGauge("gate_model_loaded", boolGauge(s.Gate.Online()))
	s.Metrics.SetGauge("router_available", boolGauge(s.Router.Available()))
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
