// Package metrics holds the Prometheus collectors of gocheckpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the backup lifecycle.
var (
	// backupAttempts counts backup attempts by configuration and outcome.
	backupAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gocheckpoint_backup_attempts_total",
		Help: "Total number of backup attempts",
	}, []string{"configuration", "status"})

	// backupDuration measures end-to-end backup duration.
	backupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gocheckpoint_backup_duration_seconds",
		Help:    "Backup duration in seconds",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"configuration"})

	// backupBytes is the size of the newest successful bundle.
	backupBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gocheckpoint_backup_size_bytes",
		Help: "Size of the most recent successful backup in bytes",
	}, []string{"configuration"})

	// lastSuccess is the unix time of the newest successful backup.
	lastSuccess = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gocheckpoint_backup_last_success_timestamp_seconds",
		Help: "Unix time of the most recent successful backup",
	}, []string{"configuration"})

	// restoreAttempts counts restore attempts by outcome.
	restoreAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gocheckpoint_restore_attempts_total",
		Help: "Total number of restore attempts",
	}, []string{"configuration", "status"})

	// retentionDeleted counts artifacts removed by retention.
	retentionDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gocheckpoint_retention_deleted_total",
		Help: "Total number of artifacts deleted by retention",
	}, []string{"kind"})

	// schedulerSkipped counts fires that did not run.
	schedulerSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gocheckpoint_scheduler_skipped_total",
		Help: "Total number of scheduled runs skipped",
	}, []string{"job", "reason"})

	// notifications counts notification deliveries by target and result.
	notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gocheckpoint_notifications_total",
		Help: "Total number of notification deliveries",
	}, []string{"target", "result"})

	// applianceUp is 1 while the last reachability check succeeded.
	applianceUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gocheckpoint_appliance_up",
		Help: "Whether the last appliance reachability check succeeded",
	})
)

// Skip reasons.
const (
	SkipRunning = "running"
	SkipMisfire = "misfire"
)

// RecordBackup records the outcome of one backup attempt.
func RecordBackup(configuration string, err error, duration time.Duration, size int64, at time.Time) {
	backupDuration.WithLabelValues(configuration).Observe(duration.Seconds())
	if err != nil {
		backupAttempts.WithLabelValues(configuration, "failed").Inc()
		return
	}
	backupAttempts.WithLabelValues(configuration, "success").Inc()
	backupBytes.WithLabelValues(configuration).Set(float64(size))
	lastSuccess.WithLabelValues(configuration).Set(float64(at.Unix()))
}

// RecordRestore records the outcome of one restore attempt.
func RecordRestore(configuration string, err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	restoreAttempts.WithLabelValues(configuration, status).Inc()
}

// RecordRetention records retention deletions of successful and failed records.
func RecordRetention(successful, failed int) {
	retentionDeleted.WithLabelValues("success").Add(float64(successful))
	retentionDeleted.WithLabelValues("failed").Add(float64(failed))
}

// RecordSkip records a scheduled run that was not executed.
func RecordSkip(job, reason string) {
	schedulerSkipped.WithLabelValues(job, reason).Inc()
}

// RecordNotification records a delivery attempt to a notification target.
func RecordNotification(target string, err error) {
	result := "sent"
	if err != nil {
		result = "error"
	}
	notifications.WithLabelValues(target, result).Inc()
}

// RecordNotificationDropped records an event dropped because the queue was full.
func RecordNotificationDropped() {
	notifications.WithLabelValues("queue", "dropped").Inc()
}

// SetApplianceUp records the result of a reachability check.
func SetApplianceUp(up bool) {
	if up {
		applianceUp.Set(1)
		return
	}
	applianceUp.Set(0)
}
