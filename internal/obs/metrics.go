package obs

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultLatencyBucketsMs fits webhook handling, which is dominated by one short transaction.
var DefaultLatencyBucketsMs = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// HTTPMetrics groups the HTTP server collectors.
type HTTPMetrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

// NewHTTPMetrics builds and registers the HTTP collectors. Registering twice
// against the same registry reuses the existing collectors.
func NewHTTPMetrics(namespace string, bucketsMs []float64, reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if len(bucketsMs) == 0 {
		bucketsMs = DefaultLatencyBucketsMs
	}
	bucketsMs = slices.Sorted(slices.Values(bucketsMs))

	m := &HTTPMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests handled, by method, route and status.",
		}, []string{"method", "route", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   bucketsMs,
		}, []string{"method", "route"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "HTTP requests currently being served.",
		}),
	}
	mustRegisterCollector(reg, m.Requests, func(c prometheus.Collector) {
		if v, ok := c.(*prometheus.CounterVec); ok {
			m.Requests = v
		}
	})
	mustRegisterCollector(reg, m.Duration, func(c prometheus.Collector) {
		if v, ok := c.(*prometheus.HistogramVec); ok {
			m.Duration = v
		}
	})
	mustRegisterCollector(reg, m.InFlight, func(c prometheus.Collector) {
		if v, ok := c.(prometheus.Gauge); ok {
			m.InFlight = v
		}
	})
	return m
}

// ParseBucketsCSV reads "5,10,25" style bucket bounds. Invalid or non-positive
// entries are dropped; an empty result means defaults.
func ParseBucketsCSV(csv string) []float64 {
	var out []float64
	for _, part := range strings.Split(csv, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || v <= 0 {
			continue
		}
		out = append(out, v)
	}
	return out
}

func DurationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
