// Package metrics exposes pipeline, cache and HTTP instrumentation to
// Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smukkama/aqgrid/internal/validation"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec

	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	cacheComputations  *prometheus.CounterVec
	cacheInvalidations prometheus.Counter

	interpolationDuration *prometheus.HistogramVec
	interpolationErrors   *prometheus.CounterVec
	fallbacks             *prometheus.CounterVec

	calibrationFits *prometheus.CounterVec

	validationRMSE       *prometheus.GaugeVec
	validationCoverage95 *prometheus.GaugeVec
	validationBias       *prometheus.GaugeVec

	readingsIngested *prometheus.CounterVec
	alertsRaised     *prometheus.CounterVec
}

// New registers the collectors with reg, or the default registry when reg
// is nil.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_cache_hits_total",
			Help: "Total grid cache hits by method.",
		}, []string{"method"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_cache_misses_total",
			Help: "Total grid cache misses by method.",
		}, []string{"method"}),
		cacheComputations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_cache_computations_total",
			Help: "Grid computations run by the cache, by method and result.",
		}, []string{"method", "result"}),
		cacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grid_cache_invalidated_entries_total",
			Help: "Grid cache entries removed by invalidation.",
		}),
		interpolationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "interpolation_duration_seconds",
			Help:    "Histogram of grid interpolation durations by method.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),
		interpolationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interpolation_errors_total",
			Help: "Grid interpolations that failed, by method.",
		}, []string{"method"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interpolation_fallbacks_total",
			Help: "Grids that fell back to IDW in whole or part, by requested method.",
		}, []string{"method"}),
		calibrationFits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calibration_fits_total",
			Help: "Calibration attempts by outcome (fitted, current, failed).",
		}, []string{"outcome"}),
		validationRMSE: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "validation_rmse",
			Help: "RMSE of the latest leave-one-site-out run by method.",
		}, []string{"method"}),
		validationCoverage95: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "validation_coverage95",
			Help: "95% interval coverage of the latest run by method.",
		}, []string{"method"}),
		validationBias: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "validation_bias",
			Help: "Signed bias of the latest run by method.",
		}, []string{"method"}),
		readingsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "readings_ingested_total",
			Help: "Raw readings processed by the ingestor, by result.",
		}, []string{"result"}),
		alertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "validation_alerts_total",
			Help: "Alert notifications published, by metric and status.",
		}, []string{"metric", "status"}),
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	m.gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer, m.gatherer = reg, reg
	}
	registerer.MustRegister(
		m.httpRequestsTotal,
		m.httpDuration,
		m.cacheHits,
		m.cacheMisses,
		m.cacheComputations,
		m.cacheInvalidations,
		m.interpolationDuration,
		m.interpolationErrors,
		m.fallbacks,
		m.calibrationFits,
		m.validationRMSE,
		m.validationCoverage95,
		m.validationBias,
		m.readingsIngested,
		m.alertsRaised,
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

func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		duration := time.Since(start).Seconds()
		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(duration)
		}
	})
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheHit(method string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(method).Inc()
}

func (m *Metrics) CacheMiss(method string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(method).Inc()
}

func (m *Metrics) CacheComputed(method string, _ time.Duration, err error) {
	if m == nil {
		return
	}
	m.cacheComputations.WithLabelValues(method, result(err)).Inc()
}

func (m *Metrics) CacheInvalidated(n int) {
	if m == nil {
		return
	}
	m.cacheInvalidations.Add(float64(n))
}

func (m *Metrics) InterpolationDone(method string, d time.Duration, fallback bool, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.interpolationErrors.WithLabelValues(method).Inc()
		return
	}
	m.interpolationDuration.WithLabelValues(method).Observe(d.Seconds())
	if fallback {
		m.fallbacks.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) CalibrationFit(outcome string) {
	if m == nil {
		return
	}
	m.calibrationFits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ValidationDone(res *validation.Result) {
	if m == nil || res == nil {
		return
	}
	method := string(res.Method)
	m.validationRMSE.WithLabelValues(method).Set(res.Metrics.RMSE)
	m.validationCoverage95.WithLabelValues(method).Set(res.Metrics.Coverage95)
	m.validationBias.WithLabelValues(method).Set(res.Metrics.Bias)
}

func (m *Metrics) ReadingsIngested(result string, n int) {
	if m == nil {
		return
	}
	m.readingsIngested.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) AlertPublished(metric, status string) {
	if m == nil {
		return
	}
	m.alertsRaised.WithLabelValues(metric, status).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
