package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Project metrics
	ProjectsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_projects_total",
			Help: "Total number of projects by state",
		},
		[]string{"state"},
	)

	ProjectTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_project_transitions_total",
			Help: "Total number of project state transitions by signal",
		},
		[]string{"from", "signal"},
	)

	ProjectWakeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_project_wake_duration_seconds",
			Help:    "Time from wake request until the project is routable",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
	)

	// Scheduler metrics
	TasksQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_tasks_queued",
			Help: "Number of tasks currently queued",
		},
	)

	TasksExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_tasks_executed_total",
			Help: "Total number of tasks executed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	AdmissionWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_admission_waits_total",
			Help: "Total number of tasks that waited at the admission gate",
		},
	)

	AdmissionRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_admission_rejections_total",
			Help: "Total number of tasks rejected after exhausting the admission wait",
		},
	)

	ContainersResident = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_containers_resident",
			Help: "Number of containers counted against the residency limit",
		},
	)

	StartsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_starts_in_flight",
			Help: "Number of container starts currently in flight",
		},
	)

	// Proxy metrics
	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_proxy_requests_total",
			Help: "Total number of proxied requests by status class",
		},
		[]string{"status"},
	)

	ProxyWakes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_proxy_wakes_total",
			Help: "Total number of idle wakes triggered by incoming traffic",
		},
	)

	// Certificate metrics
	CertificatesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_certificates_total",
			Help: "Total number of managed certificates",
		},
	)

	CertificateRenewals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_certificate_renewals_total",
			Help: "Total number of certificate renewal attempts by outcome",
		},
		[]string{"outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ProjectsTotal)
	prometheus.MustRegister(ProjectTransitionsTotal)
	prometheus.MustRegister(ProjectWakeDuration)
	prometheus.MustRegister(TasksQueued)
	prometheus.MustRegister(TasksExecuted)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(AdmissionWaits)
	prometheus.MustRegister(AdmissionRejections)
	prometheus.MustRegister(ContainersResident)
	prometheus.MustRegister(StartsInFlight)
	prometheus.MustRegister(ProxyRequestsTotal)
	prometheus.MustRegister(ProxyWakes)
	prometheus.MustRegister(CertificatesTotal)
	prometheus.MustRegister(CertificateRenewals)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
