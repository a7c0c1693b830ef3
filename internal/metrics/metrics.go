// Package metrics exposes the wallet's Prometheus collectors on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/internal/jobs"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector of the wallet service.
type Metrics struct {
	registry *prometheus.Registry

	OperationsTotal        *prometheus.CounterVec
	OperationDuration      *prometheus.HistogramVec
	OperationTokensTotal   *prometheus.CounterVec
	InsufficientFundsTotal prometheus.Counter
	AlertsTotal            *prometheus.CounterVec
	NotificationFailures   *prometheus.CounterVec
	JobRunsTotal           *prometheus.CounterVec
	JobRowsUpdatedTotal    *prometheus.CounterVec
	HTTPRequestsTotal      *prometheus.CounterVec
	HTTPRequestDuration    *prometheus.HistogramVec
	ServerStartTime        prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenwallet_operations_total",
			Help: "Wallet operations by operation and status.",
		}, []string{"operation", "status"}),

		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tokenwallet_operation_duration_seconds",
			Help:    "Wallet operation duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		OperationTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenwallet_operation_tokens_total",
			Help: "Tokens moved by successful wallet operations.",
		}, []string{"operation"}),

		InsufficientFundsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenwallet_insufficient_funds_total",
			Help: "Holds rejected for insufficient tokens.",
		}),

		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenwallet_alerts_total",
			Help: "Committed guardrail alerts by type and severity.",
		}, []string{"type", "severity"}),

		NotificationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenwallet_alert_notification_failures_total",
			Help: "Failed alert deliveries by channel.",
		}, []string{"channel"}),

		JobRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenwallet_job_runs_total",
			Help: "Background job passes by job and status.",
		}, []string{"job", "status"}),

		JobRowsUpdatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenwallet_job_rows_updated_total",
			Help: "Rows changed by background jobs.",
		}, []string{"job"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenwallet_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tokenwallet_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tokenwallet_server_start_time_seconds",
			Help: "Unix timestamp when the process started.",
		}),
	}

	registry.MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.OperationTokensTotal,
		m.InsufficientFundsTotal,
		m.AlertsTotal,
		m.NotificationFailures,
		m.JobRunsTotal,
		m.JobRowsUpdatedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ServerStartTime,
	)
	m.ServerStartTime.Set(float64(time.Now().Unix()))

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// AlertRaised counts a committed alert.
func (m *Metrics) AlertRaised(alert ledger.Alert) {
	m.AlertsTotal.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()
}

// NotificationFailed counts a failed delivery.
func (m *Metrics) NotificationFailed(channel string) {
	m.NotificationFailures.WithLabelValues(channel).Inc()
}

// JobRan counts a finished job pass.
func (m *Metrics) JobRan(name string, report jobs.Report, err error) {
	status := statusOK
	if err != nil {
		status = statusError
	}
	m.JobRunsTotal.WithLabelValues(name, status).Inc()
	m.JobRowsUpdatedTotal.WithLabelValues(name).Add(float64(report.Updated))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method string, route string, statusCode int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
