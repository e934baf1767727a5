package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	httpDurationHistogram *prometheus.HistogramVec
	railCallCounter       *prometheus.CounterVec
	breakerStateGauge     *prometheus.GaugeVec
	settlementCounter     *prometheus.CounterVec
	idempotencyCounter    *prometheus.CounterVec
	workerRunCounter      *prometheus.CounterVec
	receiptCounter        *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		railCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rail_calls_total",
			Help: "External payment rail invocations by caller and outcome",
		}, []string{"caller", "outcome"})

		breakerStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_halt",
			Help: "Whether the breaker currently halts the given operation class",
		}, []string{"halt"})

		settlementCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlements_total",
			Help: "Envelope settlements by outcome",
		}, []string{"outcome"})

		idempotencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_events_total",
			Help: "Idempotency middleware outcomes",
		}, []string{"outcome"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		receiptCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipts_stamped_total",
			Help: "Canonical receipts stamped by artifact kind",
		}, []string{"kind"})

		prometheus.MustRegister(
			httpDurationHistogram,
			railCallCounter,
			breakerStateGauge,
			settlementCounter,
			idempotencyCounter,
			workerRunCounter,
			receiptCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementRailCall(caller, outcome string) {
	if railCallCounter == nil {
		return
	}
	railCallCounter.WithLabelValues(caller, outcome).Inc()
}

func SetBreakerHalt(halt string, active bool) {
	if breakerStateGauge == nil {
		return
	}
	v := 0.0
	if active {
		v = 1.0
	}
	breakerStateGauge.WithLabelValues(halt).Set(v)
}

func IncrementSettlement(outcome string) {
	if settlementCounter == nil {
		return
	}
	settlementCounter.WithLabelValues(outcome).Inc()
}

func IncrementIdempotencyEvent(outcome string) {
	if idempotencyCounter == nil {
		return
	}
	idempotencyCounter.WithLabelValues(outcome).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}

func IncrementReceipt(kind string) {
	if receiptCounter == nil {
		return
	}
	receiptCounter.WithLabelValues(kind).Inc()
}
