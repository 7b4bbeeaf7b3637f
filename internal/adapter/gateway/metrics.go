package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"slices"
	"strings"
	"time"

	"persona-hub/internal/domain"
	"persona-hub/internal/usecase/bridge"
)

// MetricsHandler serves the bus performance metrics in Prometheus text format.
// Callers must present a gateway token as a Bearer credential.
func (s *Server) MetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if _, err := s.auth.Authenticate(token); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		perf := s.bridge.PerformanceMetrics(r.Context(), bridge.PerformanceMetricsRequest{})
		if !perf.Success {
			http.Error(w, perf.Error, http.StatusInternalServerError)
			return
		}
		stats := s.bridge.SubscriptionStats(r.Context())

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		types := make([]domain.EventType, 0, len(perf.Metrics))
		for t := range perf.Metrics {
			types = append(types, t)
		}
		slices.Sort(types)

		writeFamily(w, "personahub_events_published_total", "counter", "Events published per type.", types, func(m domain.EventMetric) string {
			return fmt.Sprintf("%d", m.TotalPublished)
		}, perf.Metrics)
		writeFamily(w, "personahub_event_dispatches_total", "counter", "Handler dispatches per type.", types, func(m domain.EventMetric) string {
			return fmt.Sprintf("%d", m.TotalSubscriptions)
		}, perf.Metrics)
		writeFamily(w, "personahub_event_processing_ms", "gauge", "Running average handler time in milliseconds.", types, func(m domain.EventMetric) string {
			return fmt.Sprintf("%g", m.AverageProcessingTime)
		}, perf.Metrics)
		writeFamily(w, "personahub_event_error_rate", "gauge", "Fraction of failed dispatches.", types, func(m domain.EventMetric) string {
			return fmt.Sprintf("%g", m.ErrorRate)
		}, perf.Metrics)
		writeFamily(w, "personahub_event_frequency_per_minute", "gauge", "Publishes in the last minute.", types, func(m domain.EventMetric) string {
			return fmt.Sprintf("%d", m.FrequencyPerMinute)
		}, perf.Metrics)

		if stats.Stats != nil {
			fmt.Fprintf(w, "# HELP personahub_subscriptions_active Number of live subscriptions.\n")
			fmt.Fprintf(w, "# TYPE personahub_subscriptions_active gauge\n")
			fmt.Fprintf(w, "personahub_subscriptions_active %d\n", stats.Stats.TotalSubscriptions)
		}

		fmt.Fprintf(w, "# HELP personahub_gateway_connections Open gateway connections.\n")
		fmt.Fprintf(w, "# TYPE personahub_gateway_connections gauge\n")
		fmt.Fprintf(w, "personahub_gateway_connections %d\n", s.Connections())

		if !s.started.IsZero() {
			fmt.Fprintf(w, "# HELP personahub_uptime_seconds Seconds since the gateway started.\n")
			fmt.Fprintf(w, "# TYPE personahub_uptime_seconds gauge\n")
			fmt.Fprintf(w, "personahub_uptime_seconds %.0f\n", time.Since(s.started).Seconds())
		}

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

		fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Bytes of allocated heap objects.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", mem.Alloc)
	})
}

func writeFamily(w http.ResponseWriter, name, kind, help string, types []domain.EventType, value func(domain.EventMetric) string, metrics map[domain.EventType]domain.EventMetric) {
	if len(types) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	for _, t := range types {
		fmt.Fprintf(w, "%s{event_type=%q} %s\n", name, string(t), value(metrics[t]))
	}
}
