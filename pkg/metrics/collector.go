package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector reads a Registry snapshot on every scrape.
type Collector struct {
	reg *Registry

	endpointCount  *prometheus.Desc
	endpointErrors *prometheus.Desc
	endpointAvg    *prometheus.Desc
	endpointMax    *prometheus.Desc
	gateDecisions  *prometheus.Desc
	gateSources    *prometheus.Desc
	gateEnforced   *prometheus.Desc
	routeRequests  *prometheus.Desc
	routeServices  *prometheus.Desc
	gauge          *prometheus.Desc
	latency        *prometheus.Desc
}

func NewCollector(reg *Registry) *Collector {
	return &Collector{
		reg:            reg,
		endpointCount:  prometheus.NewDesc("nexus_endpoint_requests_total", "Total requests by endpoint", []string{"endpoint"}, nil),
		endpointErrors: prometheus.NewDesc("nexus_endpoint_errors_total", "Total endpoint responses with status >= 400", []string{"endpoint"}, nil),
		endpointAvg:    prometheus.NewDesc("nexus_endpoint_avg_millis", "Endpoint average latency in milliseconds", []string{"endpoint"}, nil),
		endpointMax:    prometheus.NewDesc("nexus_endpoint_max_millis", "Endpoint max latency in milliseconds", []string{"endpoint"}, nil),
		gateDecisions:  prometheus.NewDesc("nexus_gate_decisions_total", "Gate decisions by verdict reason", []string{"reason"}, nil),
		gateSources:    prometheus.NewDesc("nexus_gate_evaluations_total", "Gate evaluations by call site", []string{"source"}, nil),
		gateEnforced:   prometheus.NewDesc("nexus_gate_enforced_total", "Gate decisions that crossed the block threshold", nil, nil),
		routeRequests:  prometheus.NewDesc("nexus_route_requests_total", "Routing requests by outcome", []string{"outcome"}, nil),
		routeServices:  prometheus.NewDesc("nexus_route_top_service_total", "Routing requests by best matching service", []string{"service"}, nil),
		gauge:          prometheus.NewDesc("nexus_gauge", "Operational gauges", []string{"name"}, nil),
		latency:        prometheus.NewDesc("nexus_latency_seconds", "Request latency", []string{"endpoint"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.endpointCount
	ch <- c.endpointErrors
	ch <- c.endpointAvg
	ch <- c.endpointMax
	ch <- c.gateDecisions
	ch <- c.gateSources
	ch <- c.gateEnforced
	ch <- c.routeRequests
	ch <- c.routeServices
	ch <- c.gauge
	ch <- c.latency
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.reg.Snapshot()
	for _, ep := range SortedKeys(snap.Endpoints) {
		stat := snap.Endpoints[ep]
		ch <- prometheus.MustNewConstMetric(c.endpointCount, prometheus.CounterValue, float64(stat.Count), ep)
		ch <- prometheus.MustNewConstMetric(c.endpointErrors, prometheus.CounterValue, float64(stat.ErrorCount), ep)
		ch <- prometheus.MustNewConstMetric(c.endpointAvg, prometheus.GaugeValue, stat.AverageMillis, ep)
		ch <- prometheus.MustNewConstMetric(c.endpointMax, prometheus.GaugeValue, float64(stat.MaxMillis), ep)
	}
	for _, reason := range SortedKeys(snap.GateReasons) {
		ch <- prometheus.MustNewConstMetric(c.gateDecisions, prometheus.CounterValue, float64(snap.GateReasons[reason]), reason)
	}
	for _, source := range SortedKeys(snap.GateSources) {
		ch <- prometheus.MustNewConstMetric(c.gateSources, prometheus.CounterValue, float64(snap.GateSources[source]), source)
	}
	ch <- prometheus.MustNewConstMetric(c.gateEnforced, prometheus.CounterValue, float64(snap.GateEnforced))
	for _, outcome := range SortedKeys(snap.RouteOutcomes) {
		ch <- prometheus.MustNewConstMetric(c.routeRequests, prometheus.CounterValue, float64(snap.RouteOutcomes[outcome]), outcome)
	}
	for _, service := range SortedKeys(snap.RouteServices) {
		ch <- prometheus.MustNewConstMetric(c.routeServices, prometheus.CounterValue, float64(snap.RouteServices[service]), service)
	}
	for _, name := range SortedKeys(snap.Gauges) {
		ch <- prometheus.MustNewConstMetric(c.gauge, prometheus.GaugeValue, snap.Gauges[name], name)
	}
	for _, h := range snap.Histograms {
		ch <- prometheus.MustNewConstHistogram(c.latency, uint64(h.Count), h.Sum, h.Cumulative(), h.Name)
	}
}
