package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "replydesk", Name: "http_requests_total", Help: "HTTP requests."},
		[]string{"route", "method", "status"},
	)
	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "replydesk", Name: "http_request_duration_seconds",
			Help:    "HTTP request duration seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
	ExternalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "replydesk", Name: "external_requests_total", Help: "Outbound requests."},
		[]string{"service", "endpoint", "status"},
	)
	ExternalLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "replydesk", Name: "external_request_duration_seconds",
			Help: "Outbound request duration seconds.",
			// load and reply calls may proxy browser automation
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 180},
		},
		[]string{"service", "endpoint"},
	)
	CacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "replydesk", Name: "cache_events_total", Help: "Cache hits/misses/sets/dels."},
		[]string{"cache", "event"}, // event: hit|miss|set|del
	)
	TaskPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "replydesk", Name: "task_polls_total", Help: "Task status reads."},
		[]string{"kind", "result"}, // result: ok|error
	)
	TaskOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "replydesk", Name: "task_outcomes_total", Help: "Tasks by terminal outcome."},
		[]string{"kind", "outcome"}, // outcome: completed|failed|local|canceled
	)
	ActiveTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "replydesk", Name: "active_tasks", Help: "Tasks currently being polled."},
	)
)

// Serve exposes reg on a separate listener; an empty addr disables it and
// returns nil.
func Serve(addr string, reg *prometheus.Registry) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler(reg))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}

func InitRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(HTTPRequests, HTTPLatency, ExternalRequests, ExternalLatency, CacheEvents,
		TaskPolls, TaskOutcomes, ActiveTasks)
	return reg
}

func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func ObserveHTTP(route, method string, status int, dur time.Duration) {
	HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPLatency.WithLabelValues(route, method).Observe(dur.Seconds())
}

func ObserveExternal(service, endpoint string, status int, dur time.Duration) {
	ExternalRequests.WithLabelValues(service, endpoint, strconv.Itoa(status)).Inc()
	ExternalLatency.WithLabelValues(service, endpoint).Observe(dur.Seconds())
}

func ObserveCache(cache, event string) { // event: hit|miss|set|del
	CacheEvents.WithLabelValues(cache, event).Inc()
}

func ObservePoll(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	TaskPolls.WithLabelValues(kind, result).Inc()
}

func ObserveTaskStart() { ActiveTasks.Inc() }

func ObserveTaskEnd(kind, outcome string) {
	ActiveTasks.Dec()
	TaskOutcomes.WithLabelValues(kind, outcome).Inc()
}
