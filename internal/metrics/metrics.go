// Package metrics exposes Prometheus collectors for the crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	targetsProcessedTotal      *prometheus.CounterVec
	enqueueTotal               *prometheus.CounterVec
	clicksTotal                *prometheus.CounterVec
	sessionRenewalsTotal       prometheus.Counter
	frontierPending            prometheus.Gauge
	pageLoadSeconds            *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call repeatedly; the
// Observe helpers call it themselves.
func Init() {
	once.Do(func() {
		targetsProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statecrawler_targets_processed_total",
				Help: "Targets taken off the frontier, labeled by site, kind and outcome.",
			},
			[]string{"site", "kind", "outcome"},
		)

		enqueueTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statecrawler_enqueue_total",
				Help: "Frontier admission decisions, labeled by verdict.",
			},
			[]string{"verdict"},
		)

		clicksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statecrawler_clicks_total",
				Help: "Click attempts during click-path replay, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		sessionRenewalsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "statecrawler_session_renewals_total",
				Help: "Number of browser context renewals.",
			},
		)

		frontierPending = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "statecrawler_frontier_pending",
				Help: "Targets currently waiting in the frontier.",
			},
		)

		pageLoadSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "statecrawler_page_load_seconds",
				Help:    "Histogram of page load durations, labeled by result.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname, or "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTarget counts one processed target.
func ObserveTarget(rawURL string, interaction bool, outcome string) {
	Init()
	kind := "url"
	if interaction {
		kind = "interaction"
	}
	targetsProcessedTotal.WithLabelValues(SanitizeSite(rawURL), kind, outcome).Inc()
}

// ObserveEnqueue counts one frontier admission decision.
func ObserveEnqueue(verdict string) {
	Init()
	enqueueTotal.WithLabelValues(verdict).Inc()
}

// ObserveClick counts one click attempt.
func ObserveClick(outcome string) {
	Init()
	clicksTotal.WithLabelValues(outcome).Inc()
}

// ObserveRenewal counts a context renewal.
func ObserveRenewal() {
	Init()
	sessionRenewalsTotal.Inc()
}

// SetFrontierPending records the current frontier length.
func SetFrontierPending(n int) {
	Init()
	frontierPending.Set(float64(n))
}

// ObservePageLoad records how long a page load took.
func ObservePageLoad(ok bool, duration time.Duration) {
	Init()
	result := "ok"
	if !ok {
		result = "failed"
	}
	pageLoadSeconds.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the status server request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
