// Package metrics holds the Prometheus instruments shared by the poller, the
// cloud client, the publishers and the HTTP server. Every method is safe to
// call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	pollsTotal        *prometheus.CounterVec
	pollDuration      prometheus.Histogram
	readingsStored    prometheus.Counter
	cloudRequests     *prometheus.CounterVec
	tokenRefreshes    prometheus.Counter
	publishTotal      *prometheus.CounterVec
	lastCollection    *prometheus.GaugeVec
}

// New creates the instruments on a private registry. Go runtime and process
// collectors are registered too.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		pollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_polls_total",
			Help: "Total poll cycles by result.",
		}, []string{"result"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_poll_duration_seconds",
			Help:    "Histogram of poll cycle durations.",
			Buckets: prometheus.DefBuckets,
		}),
		readingsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_readings_stored_total",
			Help: "Total readings written to storage.",
		}),
		cloudRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloud_requests_total",
			Help: "Total requests made to the inverter cloud by endpoint and status.",
		}, []string{"endpoint", "status"}),
		tokenRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloud_token_refreshes_total",
			Help: "Total access token logins.",
		}),
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publish_snapshots_total",
			Help: "Total snapshots published by sink and result.",
		}, []string{"sink", "result"}),
		lastCollection: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "device_last_collection_timestamp_seconds",
			Help: "Unix time of the newest collection stored per device.",
		}, []string{"device"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpDuration,
		m.pollsTotal,
		m.pollDuration,
		m.readingsStored,
		m.cloudRequests,
		m.tokenRefreshes,
		m.publishTotal,
		m.lastCollection,
	)

	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts and times every request served by next under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Poll(duration time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.pollsTotal.WithLabelValues(result).Inc()
	m.pollDuration.Observe(duration.Seconds())
}

func (m *Metrics) ReadingsStored(n int) {
	if m == nil {
		return
	}
	m.readingsStored.Add(float64(n))
}

func (m *Metrics) CloudRequest(endpoint string, status int) {
	if m == nil {
		return
	}
	m.cloudRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

func (m *Metrics) TokenRefresh() {
	if m == nil {
		return
	}
	m.tokenRefreshes.Inc()
}

func (m *Metrics) Publish(sink string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.publishTotal.WithLabelValues(sink, result).Inc()
}

func (m *Metrics) LastCollection(device string, t time.Time) {
	if m == nil {
		return
	}
	m.lastCollection.WithLabelValues(device).Set(float64(t.Unix()))
}
