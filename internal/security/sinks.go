package security

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"persona-hub/internal/domain"
	"persona-hub/internal/infra/config"
)

// SlogLogger writes security events to a *slog.Logger, mapping severity to level.
type SlogLogger struct {
	logger *slog.Logger
}

var _ domain.SecurityLogger = (*SlogLogger)(nil)

func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger.With("component", "security")}
}

func (s *SlogLogger) Log(ctx context.Context, event domain.SecurityEvent) error {
	attrs := make([]any, 0, 4+2*len(event.Details))
	attrs = append(attrs, "type", string(event.Type), "severity", string(event.Severity))

	keys := make([]string, 0, len(event.Details))
	for k := range event.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, event.Details[k])
	}

	s.logger.Log(ctx, severityLevel(event.Severity), event.Description, attrs...)
	return nil
}

func (s *SlogLogger) Close() error { return nil }

func severityLevel(sev domain.Severity) slog.Level {
	switch sev {
	case domain.SeverityCritical:
		return slog.LevelError
	case domain.SeverityHigh, domain.SeverityMedium:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// MultiLogger fans a security event out to several sinks. Every sink is
// attempted; the returned error joins the individual failures.
type MultiLogger struct {
	sinks []domain.SecurityLogger
}

var _ domain.SecurityLogger = (*MultiLogger)(nil)

func NewMultiLogger(sinks ...domain.SecurityLogger) *MultiLogger {
	return &MultiLogger{sinks: sinks}
}

func (m *MultiLogger) Log(ctx context.Context, event domain.SecurityEvent) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Log(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiLogger) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NopLogger discards every event.
type NopLogger struct{}

func (NopLogger) Log(context.Context, domain.SecurityEvent) error { return nil }
func (NopLogger) Close() error                                    { return nil }

// RecordingLogger keeps events in memory.
type RecordingLogger struct {
	mu     sync.Mutex
	events []domain.SecurityEvent
}

func NewRecordingLogger() *RecordingLogger {
	return &RecordingLogger{}
}

func (r *RecordingLogger) Log(_ context.Context, event domain.SecurityEvent) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *RecordingLogger) Close() error { return nil }

// Events returns a copy of everything logged so far.
func (r *RecordingLogger) Events() []domain.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.SecurityEvent(nil), r.events...)
}

// OfType returns the logged events of type t.
func (r *RecordingLogger) OfType(t domain.SecurityEventType) []domain.SecurityEvent {
	var out []domain.SecurityEvent
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// FromConfig builds the security logger described by cfg. The returned
// *FileLogger is non-nil when a file sink is configured so callers can
// schedule retention on it.
func FromConfig(cfg config.AuditConfig, logger *slog.Logger) (domain.SecurityLogger, *FileLogger, error) {
	if !cfg.Enabled {
		return NopLogger{}, nil, nil
	}

	var file *FileLogger
	if cfg.Sink == "file" || cfg.Sink == "both" {
		fl, err := NewFileLogger(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		maxSize, err := config.ParseSize(cfg.MaxSize)
		if err != nil {
			fl.Close()
			return nil, nil, err
		}
		fl.SetRetention(RetentionPolicy{MaxAge: cfg.MaxAge, MaxSize: maxSize})
		file = fl
	}

	switch cfg.Sink {
	case "file":
		return file, file, nil
	case "both":
		return NewMultiLogger(file, NewSlogLogger(logger)), file, nil
	default:
		return NewSlogLogger(logger), nil, nil
	}
}
