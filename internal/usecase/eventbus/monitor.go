package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"persona-hub/internal/domain"
)

const frequencyWindow = time.Minute

// MonitorConfig holds the thresholds used by Sweep.
type MonitorConfig struct {
	HighFrequencyThreshold int           // publishes per minute
	SlowEventThreshold     time.Duration // average processing time
}

type metricState struct {
	metric   domain.EventMetric
	failures int64
	window   []time.Time
}

// Monitor keeps rolling per-event-type publish and processing statistics.
type Monitor struct {
	mu       sync.Mutex
	metrics  map[domain.EventType]*metricState
	cfg      MonitorConfig
	now      func() time.Time
	logger   *slog.Logger
	security domain.SecurityLogger
}

// NewMonitor creates a monitor. A nil now uses time.Now.
func NewMonitor(cfg MonitorConfig, security domain.SecurityLogger, logger *slog.Logger, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	if cfg.HighFrequencyThreshold <= 0 {
		cfg.HighFrequencyThreshold = 100
	}
	if cfg.SlowEventThreshold <= 0 {
		cfg.SlowEventThreshold = time.Second
	}
	return &Monitor{
		metrics:  make(map[domain.EventType]*metricState),
		cfg:      cfg,
		now:      now,
		logger:   logger,
		security: security,
	}
}

func (m *Monitor) state(t domain.EventType) *metricState {
	s, ok := m.metrics[t]
	if !ok {
		s = &metricState{metric: domain.EventMetric{EventType: t}}
		m.metrics[t] = s
	}
	return s
}

// RecordPublished counts one validated publish of t.
func (m *Monitor) RecordPublished(t domain.EventType) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state(t)
	s.metric.TotalPublished++
	s.metric.LastPublished = now
	s.window = append(pruneWindow(s.window, now), now)
	s.metric.FrequencyPerMinute = len(s.window)
}

// RecordProcessed folds one dispatch outcome into t's running averages.
func (m *Monitor) RecordProcessed(t domain.EventType, d time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state(t)
	prev := s.metric.TotalSubscriptions
	next := prev + 1
	ms := float64(d) / float64(time.Millisecond)
	s.metric.AverageProcessingTime = (s.metric.AverageProcessingTime*float64(prev) + ms) / float64(next)
	if !success {
		s.failures++
	}
	s.metric.TotalSubscriptions = next
	s.metric.ErrorRate = float64(s.failures) / float64(next)
}

// Metrics returns a snapshot for t.
func (m *Monitor) Metrics(t domain.EventType) (domain.EventMetric, bool) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.metrics[t]
	if !ok {
		return domain.EventMetric{}, false
	}
	return snapshot(s, now), true
}

// AllMetrics returns a snapshot of every tracked event type.
func (m *Monitor) AllMetrics() map[domain.EventType]domain.EventMetric {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.EventType]domain.EventMetric, len(m.metrics))
	for t, s := range m.metrics {
		out[t] = snapshot(s, now)
	}
	return out
}

// HighFrequencyEvents lists event types published more than threshold times
// in the last minute.
func (m *Monitor) HighFrequencyEvents(threshold int) []domain.EventMetric {
	return m.filter(func(em domain.EventMetric) bool { return em.FrequencyPerMinute > threshold })
}

// SlowEvents lists event types whose average processing time exceeds threshold.
func (m *Monitor) SlowEvents(threshold time.Duration) []domain.EventMetric {
	limit := float64(threshold) / float64(time.Millisecond)
	return m.filter(func(em domain.EventMetric) bool { return em.AverageProcessingTime > limit })
}

func (m *Monitor) filter(keep func(domain.EventMetric) bool) []domain.EventMetric {
	var out []domain.EventMetric
	for _, em := range m.AllMetrics() {
		if keep(em) {
			out = append(out, em)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventType < out[j].EventType })
	return out
}

// Reset drops every metric.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.metrics = make(map[domain.EventType]*metricState)
	m.mu.Unlock()
}

// SweepReport is the outcome of one health sweep.
type SweepReport struct {
	HighFrequency []domain.EventMetric
	Slow          []domain.EventMetric
}

// Sweep logs a warning for every high-frequency or slow event type. It only
// reads metrics.
func (m *Monitor) Sweep(ctx context.Context) SweepReport {
	report := SweepReport{
		HighFrequency: m.HighFrequencyEvents(m.cfg.HighFrequencyThreshold),
		Slow:          m.SlowEvents(m.cfg.SlowEventThreshold),
	}
	for _, em := range report.HighFrequency {
		m.warn(ctx, "high-frequency event detected", em, "frequency_per_minute", fmt.Sprint(em.FrequencyPerMinute))
	}
	for _, em := range report.Slow {
		m.warn(ctx, "slow event processing detected", em, "average_processing_ms", fmt.Sprintf("%.2f", em.AverageProcessingTime))
	}
	return report
}

func (m *Monitor) warn(ctx context.Context, msg string, em domain.EventMetric, key, value string) {
	if m.logger != nil {
		m.logger.Warn(msg, "event_type", string(em.EventType), key, value)
	}
	logSecurity(ctx, m.security, m.logger, m.now, domain.SecurityEvent{
		Type:        domain.SecHealthWarning,
		Severity:    domain.SeverityMedium,
		Description: msg,
		Details:     map[string]string{"event_type": string(em.EventType), key: value},
	})
}

func snapshot(s *metricState, now time.Time) domain.EventMetric {
	em := s.metric
	n := 0
	for _, ts := range s.window {
		if now.Sub(ts) < frequencyWindow {
			n++
		}
	}
	em.FrequencyPerMinute = n
	return em
}

// pruneWindow drops timestamps older than the frequency window. window is
// ordered oldest first.
func pruneWindow(window []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(window) && now.Sub(window[i]) >= frequencyWindow {
		i++
	}
	if i == 0 {
		return window
	}
	return append(window[:0], window[i:]...)
}
