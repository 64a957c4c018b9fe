package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /api/health", 200, 15*time.Millisecond)
	r.Observe("GET /api/health", 503, 35*time.Millisecond)
	r.ObserveGate("middleware", "Normal", false)
	r.ObserveGate("middleware", "Suspicious Scraping Behavior", true)
	r.ObserveGate("", "", false)
	r.ObserveRoute(RouteMatched, "urban")
	r.ObserveRoute(RouteNoMatch, "")
	r.ObserveRoute("", "ignored")
	r.SetGauge("window_clients", 3)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /api/health"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 || ep.ErrorCount != 1 || ep.MaxMillis != 35 {
		t.Fatalf("unexpected endpoint stat %+v", ep)
	}
	if snap.GateReasons["Normal"] != 1 || snap.GateReasons["UNKNOWN"] != 1 {
		t.Fatalf("unexpected gate reasons %v", snap.GateReasons)
	}
	if snap.GateSources["middleware"] != 2 || snap.GateEnforced != 1 {
		t.Fatalf("unexpected gate totals %v enforced=%d", snap.GateSources, snap.GateEnforced)
	}
	if snap.RouteOutcomes[RouteMatched] != 1 || snap.RouteOutcomes[RouteNoMatch] != 1 || len(snap.RouteOutcomes) != 2 {
		t.Fatalf("unexpected route outcomes %v", snap.RouteOutcomes)
	}
	if snap.RouteServices["urban"] != 1 || len(snap.RouteServices) != 1 {
		t.Fatalf("unexpected route services %v", snap.RouteServices)
	}
	if snap.Gauges["window_clients"] != 3 {
		t.Fatalf("expected gauge window_clients=3 got=%v", snap.Gauges["window_clients"])
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	r := NewRegistry()
	r.ObserveGate("validate", "Normal", false)
	snap := r.Snapshot()
	snap.GateReasons["Normal"] = 99
	if r.Snapshot().GateReasons["Normal"] != 1 {
		t.Fatal("snapshot must not alias registry state")
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys got=%d", len(keys))
	}
	if keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestJSONHandler(t *testing.T) {
	r := NewRegistry()
	r.ObserveRoute(RouteUnavailable, "")

	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	var snap Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.RouteOutcomes[RouteUnavailable] != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /api/route-query", 200, 12*time.Millisecond)
	r.Observe("POST /api/route-query", 500, 20*time.Millisecond)
	r.ObserveLatency("POST /api/route-query", 12*time.Millisecond)
	r.ObserveGate("validate", "High Volumetric Traffic (DDoS Pattern)", true)
	r.ObserveRoute(RouteMatched, "health")
	r.SetGauge("window_clients", 7)

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
		r.PrometheusHandler().ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		body := rr.Body.String()
		for _, want := range []string{
			`nexus_endpoint_requests_total{endpoint="POST /api/route-query"} 2`,
			`nexus_endpoint_errors_total{endpoint="POST /api/route-query"} 1`,
			`nexus_gate_decisions_total{reason="High Volumetric Traffic (DDoS Pattern)"} 1`,
			`nexus_gate_enforced_total 1`,
			`nexus_route_requests_total{outcome="matched"} 1`,
			`nexus_route_top_service_total{service="health"} 1`,
			`nexus_gauge{name="window_clients"} 7`,
			`nexus_latency_seconds_count{endpoint="POST /api/route-query"} 1`,
			`go_goroutines`,
		} {
			if !strings.Contains(body, want) {
				t.Fatalf("missing %q in:\n%s", want, body)
			}
		}
	}
}
