package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Spool repository and queue metrics
var (
	SpoolOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoold_spool_operations_total",
			Help: "Total number of spool repository operations",
		},
		[]string{"operation", "status"}, // operation: store, retrieve, remove, lock, unlock, list; status: success, error, contended
	)

	SpoolOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spoold_spool_operation_duration_seconds",
			Help:    "Duration of spool repository operations",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	SpoolEnvelopes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spoold_spool_envelopes",
			Help: "Number of envelopes in the spool by state",
		},
		[]string{"state"},
	)

	AcceptWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spoold_accept_wait_seconds",
			Help:    "Time a worker spent blocked in accept before receiving an envelope",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 60, 300},
		},
	)

	AcceptScans = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spoold_accept_scans_total",
			Help: "Total number of spool scans performed by accept",
		},
	)
)

// Processing metrics
var (
	ProcessorEnvelopes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoold_processor_envelopes_total",
			Help: "Envelopes leaving a processor by outcome",
		},
		[]string{"processor", "result"}, // result: ghost, error, rerouted, split
	)

	MailetDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spoold_mailet_duration_seconds",
			Help:    "Duration of mailet service calls",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"processor", "mailet"},
	)

	MailetErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoold_mailet_errors_total",
			Help: "Matcher or mailet failures converted to the error state",
		},
		[]string{"processor", "step"},
	)

	ManagerBusyWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spoold_manager_busy_workers",
			Help: "Number of spool manager workers currently processing an envelope",
		},
	)

	ManagerFilingErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoold_manager_filing_errors_total",
			Help: "Storage errors while filing processing results back into the spool",
		},
		[]string{"operation"},
	)
)

// Body storage metrics
var (
	BodyStoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoold_body_store_operations_total",
			Help: "Total number of message body storage operations",
		},
		[]string{"operation", "status"},
	)

	BodyStoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spoold_body_store_operation_duration_seconds",
			Help:    "Duration of message body storage operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"operation"},
	)

	BodyStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoold_body_store_errors_total",
			Help: "Body storage errors by classification",
		},
		[]string{"operation", "error_type"},
	)

	CleanupDeletedBodies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spoold_cleanup_deleted_bodies_total",
			Help: "Unreferenced message bodies removed by the cleaner",
		},
	)

	CleanupRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoold_cleanup_runs_total",
			Help: "Cleaner runs by result",
		},
		[]string{"result"},
	)
)

// Delivery and resilience metrics
var (
	RelayDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoold_relay_deliveries_total",
			Help: "Outbound delivery attempts by mailet and result",
		},
		[]string{"mailet", "result"}, // result: success, temporary, permanent, circuit_breaker_open
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spoold_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// Admin API metrics
var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoold_http_api_requests_total",
			Help: "Admin API requests by route and status code",
		},
		[]string{"route", "code"},
	)
)
