package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "polychat"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by handler, method and status code.",
	}, []string{"handler", "method", "code"})

	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_request_errors_total",
		Help:      "HTTP requests answered with a 5xx status.",
	}, []string{"handler", "method"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	branchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "branches_total",
		Help:      "Finished branches by provider family and outcome.",
	}, []string{"family", "status"})

	branchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "branch_duration_seconds",
		Help:      "Time from branch start to its terminal event.",
		Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"family"})

	branchesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "branches_in_flight",
		Help:      "Branches currently streaming.",
	})

	noticesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "run_notices_total",
		Help:      "Run notices by publisher outcome.",
	}, []string{"outcome"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpErrors, httpLatency,
		branchTotal, branchDuration, branchesInFlight,
		noticesTotal,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// BranchStarted marks a branch as streaming and returns the func that
// records its outcome.
func BranchStarted(family string) func(status string) {
	branchesInFlight.Inc()
	start := time.Now()
	return func(status string) {
		branchesInFlight.Dec()
		branchTotal.WithLabelValues(family, status).Inc()
		branchDuration.WithLabelValues(family).Observe(time.Since(start).Seconds())
	}
}

// ObserveNotice counts a run notice publish attempt.
func ObserveNotice(outcome string) {
	noticesTotal.WithLabelValues(outcome).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
