package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the global container of Prometheus collectors for the
// calibration core.
type Metrics struct {
	// Modbus transport
	ModbusOperationsTotal   *prometheus.CounterVec
	ModbusOperationDuration *prometheus.HistogramVec

	// Analysis client
	AnalysisRequestsTotal   *prometheus.CounterVec
	AnalysisRequestDuration *prometheus.HistogramVec

	// Stage controllers
	StageAttemptsTotal  *prometheus.CounterVec
	StarvationEventsTotal *prometheus.CounterVec
	HoppersActive         prometheus.Gauge
	SessionsCompletedTotal prometheus.Counter

	// System metrics
	MemoryUsage *prometheus.GaugeVec
	Goroutines  prometheus.Gauge

	// Service info
	ServiceInfo *prometheus.GaugeVec
}

var defaultMetrics *Metrics

// InitMetrics initializes and registers the metrics container.
func InitMetrics(namespace, subsystem string) *Metrics {
	m := &Metrics{
		ModbusOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "modbus_operations_total",
				Help:      "Total number of Modbus/TCP operations",
			},
			[]string{"op", "status"},
		),

		ModbusOperationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "modbus_operation_duration_seconds",
				Help:      "Duration of Modbus/TCP operations",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"op"},
		),

		AnalysisRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "analysis_requests_total",
				Help:      "Total number of analysis-service requests",
			},
			[]string{"stage", "status"},
		),

		AnalysisRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "analysis_request_duration_seconds",
				Help:      "Duration of analysis-service requests",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"stage"},
		),

		StageAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "stage_attempts_total",
				Help:      "Total number of stage-controller attempts",
			},
			[]string{"stage", "outcome"},
		),

		StarvationEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "starvation_events_total",
				Help:      "Total number of starvation events detected per hopper",
			},
			[]string{"hopper"},
		),

		HoppersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "hoppers_active",
				Help:      "Current number of hoppers with an active stage controller",
			},
		),

		SessionsCompletedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sessions_completed_total",
				Help:      "Total number of calibration sessions that reached on-all-completed",
			},
		),

		MemoryUsage: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage",
			},
			[]string{"type"},
		),

		Goroutines: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "goroutines",
				Help:      "Current number of goroutines",
			},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Service build information",
			},
			[]string{"version", "environment"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics container, lazily initializing it.
func Get() *Metrics {
	if defaultMetrics == nil {
		return InitMetrics("calibration", "")
	}
	return defaultMetrics
}

// RecordModbusOperation records the outcome and duration of a Modbus call.
func (m *Metrics) RecordModbusOperation(op string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	m.ModbusOperationsTotal.WithLabelValues(op, status).Inc()
	m.ModbusOperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordAnalysisRequest records the outcome and duration of an analysis call.
func (m *Metrics) RecordAnalysisRequest(stage string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	m.AnalysisRequestsTotal.WithLabelValues(stage, status).Inc()
	m.AnalysisRequestDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordStageAttempt records one stage-controller attempt outcome
// (accepted, rejected, budget_exhausted, starvation, cancelled).
func (m *Metrics) RecordStageAttempt(stage, outcome string) {
	m.StageAttemptsTotal.WithLabelValues(stage, outcome).Inc()
}

// RecordStarvation records a starvation event for a given hopper.
func (m *Metrics) RecordStarvation(hopper int) {
	m.StarvationEventsTotal.WithLabelValues(strconv.Itoa(hopper)).Inc()
}

// SetHoppersActive sets the current count of actively-controlled hoppers.
func (m *Metrics) SetHoppersActive(n int) {
	m.HoppersActive.Set(float64(n))
}

// RecordSessionCompleted increments the completed-sessions counter.
func (m *Metrics) RecordSessionCompleted() {
	m.SessionsCompletedTotal.Inc()
}

// SetServiceInfo sets the build-info gauge.
func (m *Metrics) SetServiceInfo(version, environment string) {
	m.ServiceInfo.WithLabelValues(version, environment).Set(1)
}

// Handler returns the HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts a dedicated HTTP server serving /metrics.
func StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck // health endpoint, write error is not actionable
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
