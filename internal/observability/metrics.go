package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/prediction-subnet/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate on miner and registry servers.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency. Watch for: p99 near the validator call timeout.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Outbound calls to price/candle APIs, the registry and miners, by upstream and status.
	UpstreamCallsTotal *prometheus.CounterVec

	// Outbound call latency. Watch for: kraken/binance p95 > 2s.
	UpstreamDuration *prometheus.HistogramVec

	// Retry attempts by upstream. High values mean an unstable upstream.
	UpstreamRetriesTotal *prometheus.CounterVec

	// Candle cache hits by cache type.
	CacheHitsTotal *prometheus.CounterVec

	// Candle cache errors by operation and category.
	CacheErrorsTotal *prometheus.CounterVec

	// Candle fetches that joined an in-flight fetch for the same pair.
	CandleFetchesCoalescedTotal prometheus.Counter

	// Candle warming runs, latency and failures.
	CandleWarmingTotal           prometheus.Counter
	CandleWarmingDurationSeconds prometheus.Histogram
	CandleWarmingErrorsTotal     prometheus.Counter

	// Predictions answered by the miner, by category and outcome (answered, unsupported, error).
	PredictionsServedTotal *prometheus.CounterVec

	// Rate limit denials (429) on the miner.
	RateLimitDeniedTotal prometheus.Counter

	// Requests rejected by signature or whitelist checks, by reason.
	AuthRejectedTotal *prometheus.CounterVec

	// Validator: miner calls by outcome (answered, empty, error).
	MinerCallsTotal *prometheus.CounterVec

	// Validator: loop iterations by loop and status.
	ValidatorIterationsTotal *prometheus.CounterVec

	// Validator: loop iteration latency by loop.
	ValidatorIterationDuration *prometheus.HistogramVec

	// Validator: real prices stored, by status (stored, no_data, error).
	PricesFetchedTotal *prometheus.CounterVec

	// Validator: weight votes by status.
	WeightVotesTotal *prometheus.CounterVec

	// Validator: miners that received a non-zero weight in the last vote.
	LastVoteMiners prometheus.Gauge

	// Circuit breaker state per component (0=closed, 1=open, 2=half_open).
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Registry: modules registered per subnet.
	RegistryModules *prometheus.GaugeVec

	// Registry: votes accepted per subnet.
	RegistryVotesTotal *prometheus.CounterVec

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamCallsTotal",
			Help: "Total number of outbound calls by upstream and status",
		},
		[]string{"upstream", "status"},
	)
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstreamDurationSeconds",
			Help:    "Outbound call latency in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 65},
		},
		[]string{"upstream", "status"},
	)
	UpstreamRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamRetriesTotal",
			Help: "Total number of retry attempts by upstream",
		},
		[]string{"upstream"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of candle cache hits",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Candle cache errors by operation and category",
		},
		[]string{"op", "category"},
	)
	CandleFetchesCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "candleFetchesCoalescedTotal",
			Help: "Candle fetches that shared the result of an in-flight fetch",
		},
	)
	CandleWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "candleWarmingTotal",
			Help: "Candle cache warming runs",
		},
	)
	CandleWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "candleWarmingDurationSeconds",
			Help:    "Candle cache warming duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
	CandleWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "candleWarmingErrorsTotal",
			Help: "Candle cache warming runs with at least one failed pair",
		},
	)
	PredictionsServedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predictionsServedTotal",
			Help: "Prediction requests handled by the miner, by category and outcome",
		},
		[]string{"category", "outcome"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	AuthRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authRejectedTotal",
			Help: "Requests rejected by signature or whitelist checks",
		},
		[]string{"reason"},
	)
	MinerCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minerCallsTotal",
			Help: "Validator calls to miners by outcome",
		},
		[]string{"outcome"},
	)
	ValidatorIterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validatorIterationsTotal",
			Help: "Validator loop iterations by loop and status",
		},
		[]string{"loop", "status"},
	)
	ValidatorIterationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "validatorIterationDurationSeconds",
			Help:    "Validator loop iteration duration in seconds",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 65, 120},
		},
		[]string{"loop"},
	)
	PricesFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricesFetchedTotal",
			Help: "Real prices fetched for prompts, by status",
		},
		[]string{"status"},
	)
	WeightVotesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weightVotesTotal",
			Help: "Weight votes sent by the validator, by status",
		},
		[]string{"status"},
	)
	LastVoteMiners = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lastVoteMiners",
			Help: "Miners with non-zero weight in the last vote",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	RegistryModules = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "registryModules",
			Help: "Modules registered per subnet",
		},
		[]string{"netuid"},
	)
	RegistryVotesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registryVotesTotal",
			Help: "Weight votes accepted per subnet",
		},
		[]string{"netuid"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		UpstreamCallsTotal, UpstreamDuration, UpstreamRetriesTotal,
		CacheHitsTotal, CacheErrorsTotal, CandleFetchesCoalescedTotal,
		CandleWarmingTotal, CandleWarmingDurationSeconds, CandleWarmingErrorsTotal,
		PredictionsServedTotal, RateLimitDeniedTotal, AuthRejectedTotal,
		MinerCallsTotal, ValidatorIterationsTotal, ValidatorIterationDuration,
		PricesFetchedTotal, WeightVotesTotal, LastVoteMiners,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		RegistryModules, RegistryVotesTotal,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the rate-limited path.
// Call from main after config load. window is the sliding window to report.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// RecordUpstreamCall records one outbound call outcome and its latency.
func RecordUpstreamCall(upstream, status string, d time.Duration) {
	UpstreamCallsTotal.WithLabelValues(upstream, status).Inc()
	UpstreamDuration.WithLabelValues(upstream, status).Observe(d.Seconds())
}

// RecordIteration records a validator loop iteration.
func RecordIteration(loop string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ValidatorIterationsTotal.WithLabelValues(loop, status).Inc()
	ValidatorIterationDuration.WithLabelValues(loop).Observe(d.Seconds())
}

// RecordCircuitBreakerTransition counts a state change for component.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// SetCircuitBreakerStateGauge sets the state gauge for component.
func SetCircuitBreakerStateGauge(component string, state int) {
	CircuitBreakerState.WithLabelValues(component).Set(float64(state))
}

// SetRegistryModules sets the module count gauge for netuid.
func SetRegistryModules(netuid, count int) {
	RegistryModules.WithLabelValues(strconv.Itoa(netuid)).Set(float64(count))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
