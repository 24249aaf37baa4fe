package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertSendBurst         AlertType = "send_burst"
	AlertDescriptorExport  AlertType = "descriptor_export_burst"
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

// slidingWindow counts events seen within the trailing window.
type slidingWindow struct {
	alert     AlertType
	message   string
	window    time.Duration
	threshold int
	hits      []time.Time
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu      sync.Mutex
	now     func() time.Time
	rules   map[AuditEvent]*slidingWindow
	alertFn AlertFunc
}

const (
	defaultLoginFailureWindow    = time.Minute
	defaultLoginFailureThreshold = 50
	defaultSendWindow            = 10 * time.Minute
	defaultSendThreshold         = 20
	defaultExportWindow          = 5 * time.Minute
	defaultExportThreshold       = 10
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		now:     time.Now,
		alertFn: alertFn,
		rules: map[AuditEvent]*slidingWindow{
			AuditLoginFailure: {
				alert:     AlertLoginFailureSpike,
				message:   "login failure rate exceeds threshold",
				window:    defaultLoginFailureWindow,
				threshold: defaultLoginFailureThreshold,
			},
			AuditSend: {
				alert:     AlertSendBurst,
				message:   "wallet send rate exceeds threshold",
				window:    defaultSendWindow,
				threshold: defaultSendThreshold,
			},
			AuditDescriptorsExport: {
				alert:     AlertDescriptorExport,
				message:   "descriptor export rate exceeds threshold",
				window:    defaultExportWindow,
				threshold: defaultExportThreshold,
			},
		},
	}
}

// recordEvent inspects an audit event and updates the relevant counter.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	m.mu.Lock()
	rule, ok := m.rules[event]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.now()
	rule.hits = trimWindow(append(rule.hits, now), now, rule.window)
	if len(rule.hits) < rule.threshold {
		m.mu.Unlock()
		return
	}
	alert := AlertEvent{
		Type:      rule.alert,
		Message:   rule.message,
		Count:     len(rule.hits),
		Threshold: rule.threshold,
		Timestamp: now,
	}
	// Reset to avoid repeated alerts within the same spike.
	rule.hits = rule.hits[:0]
	m.mu.Unlock()

	m.alertFn(alert)
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
