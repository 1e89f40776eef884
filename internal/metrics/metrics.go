// Package metrics exposes the runtime's Prometheus collectors. Collectors
// register on the default registry at init.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TokensGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qwenrt_tokens_generated_total",
		Help: "Total number of tokens sampled by generation loops",
	})

	PromptTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qwenrt_prompt_tokens_total",
		Help: "Total number of prompt tokens prefilled",
	})

	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qwenrt_forward_duration_seconds",
		Help:    "Latency of one forward pass",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"phase"})

	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qwenrt_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qwenrt_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qwenrt_rate_limited_total",
		Help: "Requests rejected by the per-client rate limiter",
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qwenrt_errors_total",
		Help: "Failed operations by error kind",
	}, []string{"op", "kind"})

	ModelsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qwenrt_models_loaded",
		Help: "Number of models currently loaded",
	})

	ArenaBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qwenrt_arena_bytes",
		Help: "Bytes reserved by loaded model arenas",
	})

	KVCacheTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qwenrt_kv_cache_tokens",
		Help: "Tokens held in the KV cache of the active session",
	})
)

// Forward phases.
const (
	PhasePrefill = "prefill"
	PhaseDecode  = "decode"
)

func RecordForward(phase string, tokens int, d time.Duration) {
	ForwardDuration.WithLabelValues(phase).Observe(d.Seconds())
	if phase == PhasePrefill {
		PromptTokens.Add(float64(tokens))
	}
}

func RecordTokens(n int) {
	TokensGenerated.Add(float64(n))
}

func RecordRequest(route string, status int, d time.Duration) {
	Requests.WithLabelValues(route, statusLabel(status)).Inc()
	RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func RecordError(op, kind string) {
	Errors.WithLabelValues(op, kind).Inc()
}

// RecordModelLoaded adjusts the loaded-model gauges; pass a negative
// arenaBytes on unload.
func RecordModelLoaded(delta int, arenaBytes int64) {
	ModelsLoaded.Add(float64(delta))
	ArenaBytes.Add(float64(arenaBytes))
}

func RecordCacheTokens(n int) {
	KVCacheTokens.Set(float64(n))
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		if code == 429 || code == 413 || code == 404 {
			return strconv.Itoa(code)
		}
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
