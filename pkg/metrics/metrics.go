// Package metrics provides Prometheus metrics for storage and backup operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oxen_storage_operations_total",
			Help: "Total number of storage backend operations",
		},
		[]string{"backend", "op", "result"},
	)

	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oxen_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	storageRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oxen_storage_retries_total",
			Help: "Total number of retried storage attempts",
		},
		[]string{"backend", "op"},
	)

	backupRepositoriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oxen_backup_repositories_total",
			Help: "Repositories processed by backup runs",
		},
		[]string{"result"},
	)

	backupLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oxen_backup_last_success_timestamp_seconds",
			Help: "Unix time of the last fully verified backup run",
		},
	)

	migrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oxen_migrations_total",
			Help: "Per-repository migration outcomes",
		},
		[]string{"migration", "result"},
	)
)

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// RecordStorageOperation records one completed backend call.
func RecordStorageOperation(backend, op string, duration time.Duration, ok bool) {
	storageOperationsTotal.WithLabelValues(backend, op, result(ok)).Inc()
	storageOperationDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// RecordStorageRetry records a retried attempt.
func RecordStorageRetry(backend, op string) {
	storageRetriesTotal.WithLabelValues(backend, op).Inc()
}

// RecordBackupRepository records the outcome of backing up one repository.
func RecordBackupRepository(ok bool) {
	backupRepositoriesTotal.WithLabelValues(result(ok)).Inc()
}

// RecordBackupSuccess marks a fully verified run.
func RecordBackupSuccess(at time.Time) {
	backupLastSuccess.Set(float64(at.Unix()))
}

// RecordMigration records the outcome of a migration against one repository.
func RecordMigration(name string, ok bool) {
	migrationsTotal.WithLabelValues(name, result(ok)).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
