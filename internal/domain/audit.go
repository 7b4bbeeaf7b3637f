package domain

import (
	"context"
	"time"
)

// SecurityEventType classifies security log entries.
type SecurityEventType string

const (
	SecAccessGranted       SecurityEventType = "access_granted"
	SecAccessRevoked       SecurityEventType = "access_revoked"
	SecAccessViolation     SecurityEventType = "access_violation"
	SecSubscriptionCreated SecurityEventType = "subscription_created"
	SecSubscriptionRemoved SecurityEventType = "subscription_removed"
	SecSubscriptionPruned  SecurityEventType = "subscription_pruned"
	SecEventPublished      SecurityEventType = "event_published"
	SecSchemaViolation     SecurityEventType = "schema_violation"
	SecHandlerError        SecurityEventType = "handler_error"
	SecBusShutdown         SecurityEventType = "bus_shutdown"
	SecHealthWarning       SecurityEventType = "health_warning"
)

// Severity grades a security log entry.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SecurityEvent is a single structured security/audit log entry.
type SecurityEvent struct {
	Type        SecurityEventType `json:"type"`
	Severity    Severity          `json:"severity"`
	Description string            `json:"description"`
	Timestamp   time.Time         `json:"timestamp"`
	Details     map[string]string `json:"details,omitempty"`
}

// SecurityLogger records security events. Implementations must be safe for
// concurrent use. Callers treat a returned error as advisory only.
type SecurityLogger interface {
	Log(ctx context.Context, event SecurityEvent) error
	Close() error
}
