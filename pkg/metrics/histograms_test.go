package metrics

import (
	"testing"
	"time"
)

func TestHistogramBucketsAreCumulative(t *testing.T) {
	h := NewHistogramWithBuckets("gate", []float64{0.1, 0.01, 1})
	for _, d := range []time.Duration{
		-time.Second, 5 * time.Millisecond, 10 * time.Millisecond,
		50 * time.Millisecond, 700 * time.Millisecond, 3 * time.Second,
	} {
		h.Observe(d)
	}
	s := h.Snapshot()
	want := []HistogramBucket{{Le: 0.01, Count: 3}, {Le: 0.1, Count: 4}, {Le: 1, Count: 5}}
	if len(s.Buckets) != len(want) {
		t.Fatalf("unexpected buckets %+v", s.Buckets)
	}
	for i := range want {
		if s.Buckets[i] != want[i] {
			t.Fatalf("bucket %d: want %+v, got %+v", i, want[i], s.Buckets[i])
		}
	}
	if s.Count != 6 {
		t.Fatalf("overflow observation must still be counted, got %d", s.Count)
	}
	if s.Sum < 3.76 || s.Sum > 3.77 {
		t.Fatalf("unexpected sum %v", s.Sum)
	}
	cum := s.Cumulative()
	if cum[0.01] != 3 || cum[1] != 5 {
		t.Fatalf("unexpected cumulative map %v", cum)
	}
}

func TestHistogramQuantiles(t *testing.T) {
	h := NewHistogram("route")
	if h.Percentile(0.5) != 0 {
		t.Fatal("empty histogram should report 0")
	}
	for i := 0; i < 90; i++ {
		h.Observe(3 * time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		h.Observe(2 * time.Second)
	}
	s := h.Snapshot()
	if s.P50 != 0.005 || s.P95 != 2.5 || s.P99 != 2.5 {
		t.Fatalf("unexpected quantiles p50=%v p95=%v p99=%v", s.P50, s.P95, s.P99)
	}
	if got := h.Percentile(0.9); got != 0.005 {
		t.Fatalf("90th of 90 fast observations should stay in the fast bucket, got %v", got)
	}

	slow := NewHistogramWithBuckets("slow", []float64{1})
	slow.Observe(time.Minute)
	if slow.Percentile(0.5) != 1 {
		t.Fatal("overflow quantile should clamp to the last bound")
	}
}

func TestHistogramRegistry(t *testing.T) {
	reg := NewHistogramRegistry()
	reg.ObserveDuration("POST /api/route-query", 40*time.Millisecond)
	reg.ObserveDuration("GET /api/health", time.Millisecond)
	reg.ObserveDuration("POST /api/route-query", 60*time.Millisecond)

	if reg.Get("GET /api/health") != reg.Get("GET /api/health") {
		t.Fatal("Get must return one histogram per name")
	}
	snaps := reg.Snapshots()
	if len(snaps) != 2 || snaps[0].Name != "GET /api/health" || snaps[1].Name != "POST /api/route-query" {
		t.Fatalf("unexpected snapshots %+v", snaps)
	}
	if snaps[1].Count != 2 {
		t.Fatalf("expected 2 route observations, got %d", snaps[1].Count)
	}
}

func TestRegistryLatencyFeedsSnapshot(t *testing.T) {
	reg := NewRegistry()
	reg.ObserveLatency("POST /api/security/validate", 2*time.Millisecond)
	reg.ObserveLatency("POST /api/security/validate", 4*time.Millisecond)
	hs := reg.Snapshot().Histograms
	if len(hs) != 1 || hs[0].Count != 2 || hs[0].P99 != 0.005 {
		t.Fatalf("unexpected histograms %+v", hs)
	}
}
