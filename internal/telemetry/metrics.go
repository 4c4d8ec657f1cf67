package telemetry

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"topicarchive/internal/logging"
)

var (
	// Backup metrics
	BackupRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicarchive_backup_records_total",
			Help: "Records drained from the source topic",
		},
		[]string{"topic", "partition"},
	)

	BackupBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicarchive_backup_bytes_written_total",
			Help: "Compressed bytes written to the archive",
		},
		[]string{"topic"},
	)

	BackupBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicarchive_backup_batches_total",
			Help: "Batches packed into frames",
		},
		[]string{"topic"},
	)

	PartitionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicarchive_backup_partitions_finished_total",
			Help: "Partitions that reached their snapshotted high watermark",
		},
		[]string{"topic"},
	)

	// Restore metrics
	RestoreRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicarchive_restore_records_total",
			Help: "Records published to the destination topic",
		},
		[]string{"topic", "worker"},
	)

	RestoreBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicarchive_restore_bytes_read_total",
			Help: "Compressed bytes read from the archive",
		},
		[]string{"topic"},
	)

	RestoreRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicarchive_restore_queue_full_retries_total",
			Help: "Publish attempts retried because the producer queue was full",
		},
		[]string{"topic"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "topicarchive_run_duration_seconds",
			Help:    "Duration of backup and restore runs",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode", "outcome"},
	)
)

// Expose serves /metrics on port until the returned server is shut down.
// A zero port disables the endpoint and returns nil.
func Expose(port int) *http.Server {
	if port == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.With("telemetry").Error("metrics endpoint stopped", "port", port, "err", err)
		}
	}()
	return srv
}
