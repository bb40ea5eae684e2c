package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertUnlockFailureSpike AlertType = "unlock_failure_spike"
	AlertBulkDelete         AlertType = "bulk_delete"
	AlertFilesNuked         AlertType = "files_nuked"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	unlockFailures  []time.Time
	unlockWindow    time.Duration
	unlockThreshold int

	deletes         []time.Time
	deleteWindow    time.Duration
	deleteThreshold int

	alertFn AlertFunc
}

const (
	defaultUnlockFailureWindow    = 1 * time.Minute
	defaultUnlockFailureThreshold = 30
	defaultDeleteWindow           = 5 * time.Minute
	defaultDeleteThreshold        = 25
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		unlockWindow:    defaultUnlockFailureWindow,
		unlockThreshold: defaultUnlockFailureThreshold,
		deleteWindow:    defaultDeleteWindow,
		deleteThreshold: defaultDeleteThreshold,
		alertFn:         alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditUnlockFailure:
		m.recordWindowed(&m.unlockFailures, m.unlockWindow, m.unlockThreshold,
			AlertUnlockFailureSpike, "unlock failure rate exceeds threshold")
	case AuditFileDeleted:
		m.recordWindowed(&m.deletes, m.deleteWindow, m.deleteThreshold,
			AlertBulkDelete, "file deletion rate exceeds threshold")
	case AuditFilesNuked:
		m.alertFn(AlertEvent{
			Type:      AlertFilesNuked,
			Message:   "all stored files were deleted",
			Count:     1,
			Threshold: 1,
			Timestamp: time.Now(),
		})
	}
}

func (m *metricsCollector) recordWindowed(times *[]time.Time, window time.Duration, threshold int, typ AlertType, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	*times = trimWindow(append(*times, now), now, window)

	if len(*times) >= threshold {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     len(*times),
			Threshold: threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		*times = (*times)[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
