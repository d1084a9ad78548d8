package metricsx

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"event-tracking-service/shared/httpx"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	gatedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_gated_requests_total",
			Help: "Requests that passed through the API key gate, by endpoint and status.",
		},
		[]string{"endpoint", "status"},
	)
	eventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_events_ingested_total",
			Help: "Ingested events by outcome (processed, duplicate, invalid, failed).",
		},
		[]string{"outcome"},
	)
	dedupeCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_dedupe_cache_total",
			Help: "Dedupe cache lookups by result (hit, miss, error).",
		},
		[]string{"result"},
	)
	outboxDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_outbox_dispatch_total",
			Help: "Outbox dispatch attempts by result (delivered, failed, dead, skipped).",
		},
		[]string{"result"},
	)
	rollupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tracking_rollup_duration_seconds",
			Help:    "Daily stats rollup duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	kafkaConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_consumer_messages_total",
			Help: "Consumed Kafka messages by result (written, skipped, dropped, retried).",
		},
		[]string{"topic", "result"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests,
		httpLatency,
		gatedRequests,
		eventsIngested,
		dedupeCache,
		outboxDispatched,
		rollupDuration,
		kafkaConsumerLag,
		kafkaConsumed,
		influxWriteFailures,
		asynqQueueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// UnmatchedRoute labels requests that no registered route serves.
const UnmatchedRoute = "unmatched"

// RouteLabel maps a request to the path of the route mux would serve it with, so
// arbitrary client paths collapse into UnmatchedRoute and the label set stays bounded.
func RouteLabel(mux *http.ServeMux) func(*http.Request) string {
	return func(r *http.Request) string {
		if mux == nil {
			return UnmatchedRoute
		}
		_, pattern := mux.Handler(r)
		if pattern == "" {
			return UnmatchedRoute
		}
		if _, path, ok := strings.Cut(pattern, " "); ok {
			return path
		}
		return pattern
	}
}

// Instrument records every request into the Prometheus HTTP collectors. The path label
// comes from RouteLabel.
func Instrument(mux *http.ServeMux, next http.Handler) http.Handler {
	label := RouteLabel(mux)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		srw := httpx.NewStatusRecorder(w)
		next.ServeHTTP(srw, r)
		status := strconv.Itoa(srw.Status())
		path := label(r)
		httpRequests.WithLabelValues(r.Method, path, status).Inc()
		httpLatency.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

func AddEventsIngested(outcome string, n int) {
	if n <= 0 {
		return
	}
	eventsIngested.WithLabelValues(outcome).Add(float64(n))
}

func IncDedupeCache(result string) {
	dedupeCache.WithLabelValues(result).Inc()
}

func IncOutboxDispatch(result string) {
	outboxDispatched.WithLabelValues(result).Inc()
}

func ObserveRollupDuration(d time.Duration) {
	rollupDuration.Observe(d.Seconds())
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncKafkaConsumed(topic string, result string) {
	kafkaConsumed.WithLabelValues(topic, result).Inc()
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}
