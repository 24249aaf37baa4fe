package api

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertSink struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (s *alertSink) record(e AlertEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, e)
}

func (s *alertSink) snapshot() []AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AlertEvent(nil), s.alerts...)
}

func newTestCollector(t *testing.T) (*metricsCollector, *alertSink, *fakeClock) {
	t.Helper()
	sink := &alertSink{}
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := newMetricsCollector(sink.record)
	c.now = clock.now
	return c, sink, clock
}

func TestLoginFailureSpikeAlert(t *testing.T) {
	c, sink, _ := newTestCollector(t)
	c.rules[AuditLoginFailure].threshold = 5

	for range 4 {
		c.recordEvent(AuditLoginFailure)
	}
	assert.Empty(t, sink.snapshot())

	c.recordEvent(AuditLoginFailure)
	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLoginFailureSpike, alerts[0].Type)
	assert.Equal(t, 5, alerts[0].Count)
	assert.Equal(t, 5, alerts[0].Threshold)
}

func TestSendBurstAlert(t *testing.T) {
	c, sink, _ := newTestCollector(t)
	c.rules[AuditSend].threshold = 3

	for range 3 {
		c.recordEvent(AuditSend)
	}
	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSendBurst, alerts[0].Type)
}

func TestDescriptorExportAlert(t *testing.T) {
	c, sink, _ := newTestCollector(t)
	c.rules[AuditDescriptorsExport].threshold = 2

	c.recordEvent(AuditDescriptorsExport)
	c.recordEvent(AuditDescriptorsImport)
	assert.Empty(t, sink.snapshot(), "imports do not count as exports")

	c.recordEvent(AuditDescriptorsExport)
	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDescriptorExport, alerts[0].Type)
}

func TestMetricsIgnoresUntrackedEvents(t *testing.T) {
	c, sink, _ := newTestCollector(t)
	for range 100 {
		c.recordEvent(AuditLoginSuccess)
	}
	assert.Empty(t, sink.snapshot())
}

func TestMetricsNoAlertWithoutCallback(t *testing.T) {
	c := newMetricsCollector(nil)
	c.recordEvent(AuditLoginFailure)
}

func TestMetricsNilCollector(t *testing.T) {
	var c *metricsCollector
	c.recordEvent(AuditLoginFailure)
}

func TestMetricsSlidingWindowExpiry(t *testing.T) {
	c, sink, clock := newTestCollector(t)
	c.rules[AuditLoginFailure].threshold = 3

	c.recordEvent(AuditLoginFailure)
	c.recordEvent(AuditLoginFailure)
	clock.advance(defaultLoginFailureWindow + time.Second)
	c.recordEvent(AuditLoginFailure)

	assert.Empty(t, sink.snapshot(), "old failures fall out of the window")
	assert.Len(t, c.rules[AuditLoginFailure].hits, 1)
}

func TestMetricsResetAfterAlert(t *testing.T) {
	c, sink, _ := newTestCollector(t)
	c.rules[AuditLoginFailure].threshold = 2

	for range 3 {
		c.recordEvent(AuditLoginFailure)
	}
	assert.Len(t, sink.snapshot(), 1, "the counter restarts after an alert")

	c.recordEvent(AuditLoginFailure)
	assert.Len(t, sink.snapshot(), 2)
}

func TestTrimWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{now.Add(-3 * time.Minute), now.Add(-90 * time.Second), now.Add(-10 * time.Second), now}

	got := trimWindow(times, now, time.Minute)
	assert.Equal(t, times[2:], got)
	assert.Empty(t, trimWindow(nil, now, time.Minute))
}
