// Package metrics exposes Prometheus collectors for the negotiation service.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	markdownResponsesTotal     *prometheus.CounterVec
	markdownTokensTotal        *prometheus.CounterVec
	converterCacheTotal        *prometheus.CounterVec
	fallthroughTotal           *prometheus.CounterVec
	requestLogTrimmedTotal     prometheus.Counter
	upstreamResponsesTotal     *prometheus.CounterVec
	discoveryInjectedTotal     prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		markdownResponsesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdagent_markdown_responses_total",
				Help: "Total number of Markdown responses served, labeled by bot type and format.",
			},
			[]string{"bot_type", "format"},
		)

		markdownTokensTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdagent_markdown_tokens_total",
				Help: "Estimated tokens served as Markdown, labeled by bot type.",
			},
			[]string{"bot_type"},
		)

		converterCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdagent_converter_cache_total",
				Help: "Converter cache lookups, labeled by artifact kind and result.",
			},
			[]string{"kind", "result"},
		)

		fallthroughTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdagent_negotiation_fallthrough_total",
				Help: "Markdown requests that fell through to the HTML origin, labeled by reason.",
			},
			[]string{"reason"},
		)

		requestLogTrimmedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mdagent_request_log_trimmed_rows_total",
				Help: "Total number of request log rows deleted by retention trimming.",
			},
		)

		upstreamResponsesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdagent_upstream_responses_total",
				Help: "Responses received from the HTML origin, labeled by host and code.",
			},
			[]string{"host", "code"},
		)

		discoveryInjectedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mdagent_discovery_links_injected_total",
				Help: "Total number of HTML responses that received a Markdown discovery link.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
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
	Init()
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveMarkdownResponse records one served Markdown response.
func ObserveMarkdownResponse(botType, format string, tokens int) {
	Init()
	markdownResponsesTotal.WithLabelValues(botType, format).Inc()
	if tokens > 0 {
		markdownTokensTotal.WithLabelValues(botType).Add(float64(tokens))
	}
}

// ObserveCacheLookup records a converter cache hit or miss for kind (single, archive, home).
func ObserveCacheLookup(kind string, hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	converterCacheTotal.WithLabelValues(kind, result).Inc()
}

// ObserveFallthrough records a Markdown request that was handed to the HTML origin.
func ObserveFallthrough(reason string) {
	Init()
	fallthroughTotal.WithLabelValues(reason).Inc()
}

// ObserveLogTrim records rows removed by request log retention.
func ObserveLogTrim(rows int64) {
	Init()
	if rows > 0 {
		requestLogTrimmedTotal.Add(float64(rows))
	}
}

// ObserveUpstream records a response from the HTML origin.
func ObserveUpstream(rawURL string, code int) {
	Init()
	upstreamResponsesTotal.WithLabelValues(SanitizeSite(rawURL), strconv.Itoa(code)).Inc()
}

// ObserveDiscoveryInjected increments the discovery link counter.
func ObserveDiscoveryInjected() {
	Init()
	discoveryInjectedTotal.Inc()
}
