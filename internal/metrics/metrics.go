package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vehicledetect_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vehicledetect_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Run Metrics
	RunsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vehicledetect_runs_started_total",
			Help: "Total number of pipeline stages started",
		},
		[]string{"stage"},
	)

	RunsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vehicledetect_runs_completed_total",
			Help: "Total number of pipeline stages finished by outcome",
		},
		[]string{"stage", "outcome"},
	)

	RunsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vehicledetect_runs_in_progress",
			Help: "Number of pipeline stages currently running",
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vehicledetect_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17 minutes
		},
		[]string{"stage"},
	)

	RunProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vehicledetect_run_progress_percent",
			Help: "Progress of the active run",
		},
	)

	// Frame Metrics
	FramesExtractedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vehicledetect_frames_extracted_total",
			Help: "Total number of frames decoded and stored",
		},
	)

	FramesExportedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vehicledetect_frames_exported_total",
			Help: "Total number of frames rendered into output videos",
		},
	)

	// Detection Metrics
	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vehicledetect_detections_total",
			Help: "Total number of detections by class",
		},
		[]string{"class"},
	)

	DetectorLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vehicledetect_detector_latency_seconds",
			Help:    "Time spent in the detector per frame",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	DetectorFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vehicledetect_detector_failures_total",
			Help: "Total number of frames the detector failed on",
		},
		[]string{"policy"},
	)

	// Storage Metrics
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vehicledetect_storage_operations_total",
			Help: "Total number of object storage operations",
		},
		[]string{"operation", "status"},
	)

	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vehicledetect_storage_operation_duration_seconds",
			Help:    "Object storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	StorageBytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vehicledetect_storage_bytes_transferred_total",
			Help: "Total bytes transferred to or from object storage",
		},
		[]string{"operation"},
	)

	// Database Metrics
	DatabaseOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vehicledetect_database_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "status"},
	)

	DatabaseOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vehicledetect_database_operation_duration_seconds",
			Help:    "Database operation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	// Queue Metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vehicledetect_queue_depth",
			Help: "Run requests waiting, by queue",
		},
		[]string{"queue"},
	)

	// Error Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vehicledetect_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordStageStarted records the start of a pipeline stage
func RecordStageStarted(stage string) {
	RunsStartedTotal.WithLabelValues(stage).Inc()
	RunsInProgress.Inc()
}

// RecordStageCompleted records the end of a pipeline stage
func RecordStageCompleted(stage, outcome string, duration float64) {
	RunsCompletedTotal.WithLabelValues(stage, outcome).Inc()
	StageDuration.WithLabelValues(stage).Observe(duration)
	RunsInProgress.Dec()
}

// UpdateRunProgress sets the progress gauge
func UpdateRunProgress(percent int) {
	RunProgress.Set(float64(percent))
}

// RecordFrameExtracted records one stored frame and its detections by class name
func RecordFrameExtracted(classes []string) {
	FramesExtractedTotal.Inc()
	for _, c := range classes {
		DetectionsTotal.WithLabelValues(c).Inc()
	}
}

// RecordFrameExported records one rendered frame
func RecordFrameExported() {
	FramesExportedTotal.Inc()
}

// RecordDetectorCall records detector latency and failures
func RecordDetectorCall(duration float64, err error, policy string) {
	DetectorLatency.Observe(duration)
	if err != nil {
		DetectorFailuresTotal.WithLabelValues(policy).Inc()
	}
}

// RecordStorageOperation records a storage operation
func RecordStorageOperation(operation, status string, duration float64, bytesTransferred int64) {
	StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	StorageOperationDuration.WithLabelValues(operation).Observe(duration)
	StorageBytesTransferred.WithLabelValues(operation).Add(float64(bytesTransferred))
}

// RecordDatabaseOperation records a database operation
func RecordDatabaseOperation(operation, status string, duration float64) {
	DatabaseOperationsTotal.WithLabelValues(operation, status).Inc()
	DatabaseOperationDuration.WithLabelValues(operation).Observe(duration)
}

// UpdateQueueDepth sets the waiting and dead-lettered request gauges
func UpdateQueueDepth(waiting, deadLettered int) {
	QueueDepth.WithLabelValues("runs").Set(float64(waiting))
	QueueDepth.WithLabelValues("dead_letter").Set(float64(deadLettered))
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
