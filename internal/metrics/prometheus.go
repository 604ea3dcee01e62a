// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_requests_total{provider,status}
	requestsTotal *prometheus.CounterVec

	// gateway_request_duration_seconds{provider,route,cache}
	requestDuration *prometheus.HistogramVec

	// gateway_ttfb_seconds{provider}
	ttfb *prometheus.HistogramVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// gateway_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// provider_errors_total{provider,error_type}
	providerErrors *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_auth_cache_total{result}
	authCache *prometheus.CounterVec

	// gateway_wallet_gate_total{decision}
	walletGate *prometheus.CounterVec

	// gateway_tokens_total{provider,route,direction,cache}
	tokensTotal *prometheus.CounterVec

	// gateway_log_records_total{outcome}
	logRecords *prometheus.CounterVec

	// gateway_log_records_dropped_total
	logDropped prometheus.Counter

	// gateway_queue_depth{stream}
	queueDepth *prometheus.GaugeVec

	// gateway_queue_redelivery_total{stream}
	queueRedelivery *prometheus.CounterVec

	// gateway_queue_dead_letters_total{stream}
	deadLetters *prometheus.CounterVec

	// gateway_consumer_batch_persist_seconds{pool}
	persistDuration *prometheus.HistogramVec

	// gateway_congestion_alerted
	congestionAlerted prometheus.Gauge

	// gateway_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of proxy requests",
			},
			[]string{"provider", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end request duration (gateway perspective) in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "route", "cache"},
		),

		ttfb: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_ttfb_seconds",
				Help:    "Time to first upstream byte for streamed responses",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"provider"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_errors_total",
				Help: "Total provider errors by type",
			},
			[]string{"provider", "error_type"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		authCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_auth_cache_total",
				Help: "Credential cache lookups by result",
			},
			[]string{"result"},
		),

		walletGate: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_wallet_gate_total",
				Help: "Wallet pre-check decisions",
			},
			[]string{"decision"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "route", "direction", "cache"},
		),

		logRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_log_records_total",
				Help: "Telemetry records by enqueue outcome",
			},
			[]string{"outcome"},
		),

		logDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_log_records_dropped_total",
			Help: "Telemetry records dropped because the producer buffer was full",
		}),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_queue_depth",
				Help: "Current backlog per queue stream",
			},
			[]string{"stream"},
		),

		queueRedelivery: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_queue_redelivery_total",
				Help: "Messages reclaimed from stalled consumers",
			},
			[]string{"stream"},
		),

		deadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_queue_dead_letters_total",
				Help: "Messages diverted to the dead-letter stream",
			},
			[]string{"stream"},
		),

		persistDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_consumer_batch_persist_seconds",
				Help:    "Consumer batch persist duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"pool"},
		),

		congestionAlerted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_congestion_alerted",
			Help: "Whether the queue backlog congestion signal is raised (1) or clear (0)",
		}),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.requestDuration,
		r.ttfb,
		r.cacheHits,
		r.cacheMisses,
		r.cacheOps,
		r.providerErrors,
		r.rateLimitTotal,
		r.authCache,
		r.walletGate,
		r.tokensTotal,
		r.logRecords,
		r.logDropped,
		r.queueDepth,
		r.queueRedelivery,
		r.deadLetters,
		r.persistDuration,
		r.congestionAlerted,
		r.providerHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

func (r *Registry) RecordRequest(provider string, statusCode int) {
	r.requestsTotal.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
}

// ObserveGatewayRequest records per-provider request latency and cache status.
func (r *Registry) ObserveGatewayRequest(provider, route, cache string, dur time.Duration) {
	r.requestDuration.WithLabelValues(provider, route, cache).Observe(dur.Seconds())
}

func (r *Registry) ObserveTTFB(provider string, dur time.Duration) {
	r.ttfb.WithLabelValues(provider).Observe(dur.Seconds())
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AuthCacheHit()  { r.authCache.WithLabelValues("hit").Inc() }
func (r *Registry) AuthCacheMiss() { r.authCache.WithLabelValues("miss").Inc() }

func (r *Registry) WalletAdmitted() { r.walletGate.WithLabelValues("admitted").Inc() }
func (r *Registry) WalletBlocked()  { r.walletGate.WithLabelValues("blocked").Inc() }

func (r *Registry) CacheGetHit() {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheGetBypass() {
	r.cacheOps.WithLabelValues("get", "bypass").Inc()
}

func (r *Registry) CacheSetOK() {
	r.cacheOps.WithLabelValues("set", "ok").Inc()
}

func (r *Registry) CacheSetError() {
	r.cacheOps.WithLabelValues("set", "error").Inc()
}

func (r *Registry) AddTokens(provider, route string, inputTokens, outputTokens int, cached bool) {
	cache := "miss"
	if cached {
		cache = "hit"
	}
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, route, "input", cache).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, route, "output", cache).Add(float64(outputTokens))
	}
	if inputTokens+outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, route, "total", cache).Add(float64(inputTokens + outputTokens))
	}
}

func (r *Registry) RecordLogEnqueued() { r.logRecords.WithLabelValues("enqueued").Inc() }
func (r *Registry) RecordLogFailed()   { r.logRecords.WithLabelValues("failed").Inc() }
func (r *Registry) RecordLogDropped()  { r.logDropped.Inc() }

func (r *Registry) SetQueueDepth(stream string, depth int64) {
	r.queueDepth.WithLabelValues(stream).Set(float64(depth))
}

func (r *Registry) RecordRedelivery(stream string) {
	r.queueRedelivery.WithLabelValues(stream).Inc()
}

func (r *Registry) RecordDeadLetter(stream string) {
	r.deadLetters.WithLabelValues(stream).Inc()
}

func (r *Registry) ObservePersist(pool string, dur time.Duration) {
	r.persistDuration.WithLabelValues(pool).Observe(dur.Seconds())
}

func (r *Registry) SetCongestion(alerted bool) {
	if alerted {
		r.congestionAlerted.Set(1)
		return
	}
	r.congestionAlerted.Set(0)
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
