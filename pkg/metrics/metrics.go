package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Route outcomes.
const (
	RouteMatched     = "matched"
	RouteNoMatch     = "no_match"
	RouteUnavailable = "unavailable"
	RouteError       = "error"
)

type Registry struct {
	mu           sync.RWMutex
	endpoint     map[string]*EndpointStat
	gateReason   map[string]int64
	gateSource   map[string]int64
	gateEnforced int64
	routeOutcome map[string]int64
	routeService map[string]int64
	gauges       map[string]float64
	Histograms   *HistogramRegistry
	promOnce     sync.Once
	promHandler  http.Handler
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt   string                  `json:"generated_at"`
	Endpoints     map[string]EndpointStat `json:"endpoints"`
	GateReasons   map[string]int64        `json:"gate_reasons"`
	GateSources   map[string]int64        `json:"gate_sources"`
	GateEnforced  int64                   `json:"gate_enforced_total"`
	RouteOutcomes map[string]int64        `json:"route_outcomes"`
	RouteServices map[string]int64        `json:"route_top_services"`
	Gauges        map[string]float64      `json:"gauges"`
	Histograms    []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:     map[string]*EndpointStat{},
		gateReason:   map[string]int64{},
		gateSource:   map[string]int64{},
		routeOutcome: map[string]int64{},
		routeService: map[string]int64{},
		gauges:       map[string]float64{},
		Histograms:   NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// ObserveGate counts one gate decision.
func (r *Registry) ObserveGate(source, reason string, enforced bool) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "UNKNOWN"
	}
	source = strings.TrimSpace(source)
	r.mu.Lock()
	r.gateReason[reason]++
	if source != "" {
		r.gateSource[source]++
	}
	if enforced {
		r.gateEnforced++
	}
	r.mu.Unlock()
}

// ObserveRoute counts one routing request. top is the best service when the
// outcome is RouteMatched.
func (r *Registry) ObserveRoute(outcome, top string) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.routeOutcome[outcome]++
	if top != "" {
		r.routeService[top]++
	}
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Endpoints:     make(map[string]EndpointStat, len(r.endpoint)),
		GateReasons:   copyCounts(r.gateReason),
		GateSources:   copyCounts(r.gateSource),
		GateEnforced:  r.gateEnforced,
		RouteOutcomes: copyCounts(r.routeOutcome),
		RouteServices: copyCounts(r.routeService),
		Gauges:        make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

// PrometheusHandler exposes the registry, plus Go runtime and process
// collectors, in the Prometheus text format.
func (r *Registry) PrometheusHandler() http.HandlerFunc {
	r.promOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			NewCollector(r),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		r.promHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	})
	return r.promHandler.ServeHTTP
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
