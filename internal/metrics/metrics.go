// Package metrics exposes Prometheus instrumentation for backup and restore.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result labels.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
	ResultBusy    = "busy"
)

var (
	backupAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletbackup_backup_attempts_total",
		Help: "Backup attempts by provider and result",
	}, []string{"provider", "result"})

	backupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "walletbackup_backup_duration_seconds",
		Help:    "Duration of backup attempts that reached the remote store",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"provider"})

	uploadedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletbackup_uploaded_bytes_total",
		Help: "Bytes uploaded in successful backups",
	}, []string{"provider"})

	restoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletbackup_restores_total",
		Help: "Restore attempts by provider and result",
	}, []string{"provider", "result"})

	// uploadProgress is the fraction of the current upload completed.
	uploadProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "walletbackup_upload_progress_ratio",
		Help: "Fraction of the in-flight upload completed",
	}, []string{"provider"})

	lastSuccessTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "walletbackup_last_success_timestamp_seconds",
		Help: "Unix time of the last successful backup",
	}, []string{"provider"})
)

// RecordBackup counts one backup attempt.
func RecordBackup(provider, result string, d time.Duration) {
	backupAttemptsTotal.WithLabelValues(provider, result).Inc()
	if result == ResultSuccess || result == ResultFailure {
		backupDuration.WithLabelValues(provider).Observe(d.Seconds())
	}
}

// RecordUploaded adds n uploaded bytes and stamps the success time.
func RecordUploaded(provider string, n int64, at time.Time) {
	uploadedBytesTotal.WithLabelValues(provider).Add(float64(n))
	lastSuccessTimestamp.WithLabelValues(provider).Set(float64(at.Unix()))
}

// RecordRestore counts one restore attempt.
func RecordRestore(provider, result string) {
	restoresTotal.WithLabelValues(provider, result).Inc()
}

// SetProgress publishes upload progress for provider.
func SetProgress(provider string, fraction float64) {
	uploadProgress.WithLabelValues(provider).Set(fraction)
}
