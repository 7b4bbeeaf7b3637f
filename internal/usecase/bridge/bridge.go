// Package bridge is the transport-neutral boundary in front of the event bus.
// Every operation returns a response value carrying success and error fields;
// no Go error or panic escapes a bridge method.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"persona-hub/internal/domain"
	"persona-hub/internal/usecase/eventbus"
)

// Core is the subset of the event bus the bridge drives.
type Core interface {
	Subscribe(ctx context.Context, eventType domain.EventType, pluginID string, handler domain.EventHandler, opts domain.SubscribeOptions) (string, error)
	Publish(ctx context.Context, eventType domain.EventType, payload any, opts domain.PublishOptions) (*domain.PublishResult, error)
	Unsubscribe(ctx context.Context, id string) bool
	GrantPluginAccess(ctx context.Context, pluginID, personaID string, perms []domain.Permission, expiration time.Duration) (string, error)
	RevokePluginAccess(ctx context.Context, pluginID, personaID string) eventbus.RevokeResult
	PerformanceMetrics(eventType domain.EventType) (map[domain.EventType]domain.EventMetric, error)
	SubscriptionStats() domain.SubscriptionStats
	EventTypes() []domain.EventType
	ValidatePayload(eventType domain.EventType, payload any) (json.RawMessage, error)
}

var _ Core = (*eventbus.Bus)(nil)

// Bridge adapts Core to request/response values and pushes notifications
// for boundary subscriptions to registered sinks.
type Bridge struct {
	core    Core
	logger  *slog.Logger
	breaker BreakerConfig
	now     func() time.Time

	mu     sync.Mutex
	sinks  map[string]*sink
	owners map[string]string // subscription id -> sink id
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithBreaker sets the circuit breaker settings used for every sink.
func WithBreaker(cfg BreakerConfig) Option {
	return func(b *Bridge) { b.breaker = cfg }
}

// WithClock overrides the notification timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// New creates a bridge over core.
func New(core Core, logger *slog.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		core:   core,
		logger: logger.With("component", "bridge"),
		now:    time.Now,
		sinks:  make(map[string]*sink),
		owners: make(map[string]string),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Status is embedded in every response.
type Status struct {
	Success bool             `json:"success"`
	Error   string           `json:"error,omitempty"`
	Code    domain.ErrorCode `json:"code,omitempty"`
}

// Err returns the failure as an error, or nil on success.
func (s Status) Err() error {
	if s.Success {
		return nil
	}
	return errors.New(s.Error)
}

func ok() Status { return Status{Success: true} }

func fail(err error) Status {
	return Status{Error: err.Error(), Code: domain.ErrorCodeOf(err)}
}

func (b *Bridge) panicked(op string, r any) Status {
	b.logger.Error("bridge operation panicked", "op", op, "panic", fmt.Sprint(r))
	return Status{Error: fmt.Sprintf("%s: internal error", op), Code: domain.CodeUnknown}
}

type SubscribeRequest struct {
	EventType           domain.EventType `json:"eventType"`
	PluginID            string           `json:"pluginId"`
	AccessToken         string           `json:"accessToken"`
	RequiredPermissions []string         `json:"requiredPermissions,omitempty"`
}

type SubscribeResponse struct {
	Status
	SubscriptionID string `json:"subscriptionId,omitempty"`
}

// Subscribe creates a bus subscription whose deliveries are pushed to the
// sink registered as sinkID.
func (b *Bridge) Subscribe(ctx context.Context, sinkID string, req SubscribeRequest) (resp SubscribeResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = SubscribeResponse{Status: b.panicked("subscribe", r)}
		}
	}()

	b.mu.Lock()
	s, found := b.sinks[sinkID]
	b.mu.Unlock()
	if !found {
		return SubscribeResponse{Status: fail(domain.NewDomainError("Bridge.Subscribe", domain.ErrInvalidInput, "unknown sink "+sinkID))}
	}

	id, err := b.core.Subscribe(ctx, req.EventType, req.PluginID, b.deliver(s, req.PluginID), domain.SubscribeOptions{
		AccessToken:         req.AccessToken,
		RequiredPermissions: toPermissions(req.RequiredPermissions),
	})
	if err != nil {
		return SubscribeResponse{Status: fail(err)}
	}

	b.mu.Lock()
	// The sink may have been released while the subscription was created.
	if cur, live := b.sinks[sinkID]; !live || cur != s {
		b.mu.Unlock()
		b.core.Unsubscribe(ctx, id)
		return SubscribeResponse{Status: fail(domain.NewDomainError("Bridge.Subscribe", domain.ErrInvalidInput, "sink released"))}
	}
	s.subs[id] = struct{}{}
	b.owners[id] = sinkID
	b.mu.Unlock()

	return SubscribeResponse{Status: ok(), SubscriptionID: id}
}

type PublishRequest struct {
	EventType   domain.EventType `json:"eventType"`
	Payload     json.RawMessage  `json:"payload"`
	TriggeredBy string           `json:"triggeredBy,omitempty"`
	Priority    domain.Priority  `json:"priority,omitempty"`
}

type PublishResponse struct {
	Status
	Result *domain.PublishResult `json:"result,omitempty"`
}

func (b *Bridge) Publish(ctx context.Context, req PublishRequest) (resp PublishResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = PublishResponse{Status: b.panicked("publish", r)}
		}
	}()
	res, err := b.core.Publish(ctx, req.EventType, req.Payload, domain.PublishOptions{
		TriggeredBy: req.TriggeredBy,
		Priority:    req.Priority,
	})
	if err != nil {
		return PublishResponse{Status: fail(err)}
	}
	return PublishResponse{Status: ok(), Result: res}
}

type UnsubscribeRequest struct {
	SubscriptionID string `json:"subscriptionId"`
}

type UnsubscribeResponse struct {
	Status
}

// Unsubscribe removes a subscription. An unknown id is reported as a failure
// with code NOT_FOUND.
func (b *Bridge) Unsubscribe(ctx context.Context, req UnsubscribeRequest) (resp UnsubscribeResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = UnsubscribeResponse{Status: b.panicked("unsubscribe", r)}
		}
	}()
	removed := b.core.Unsubscribe(ctx, req.SubscriptionID)
	b.forget(req.SubscriptionID)
	if !removed {
		return UnsubscribeResponse{Status: fail(domain.NewDomainError("Bridge.Unsubscribe", domain.ErrNotFound, req.SubscriptionID))}
	}
	return UnsubscribeResponse{Status: ok()}
}

type GrantAccessRequest struct {
	PluginID          string   `json:"pluginId"`
	PersonaID         string   `json:"personaId"`
	Permissions       []string `json:"permissions"`
	ExpirationMinutes int      `json:"expirationMinutes,omitempty"`
}

type GrantAccessResponse struct {
	Status
	AccessToken string `json:"accessToken,omitempty"`
}

func (b *Bridge) GrantAccess(ctx context.Context, req GrantAccessRequest) (resp GrantAccessResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = GrantAccessResponse{Status: b.panicked("grantPluginAccess", r)}
		}
	}()
	if req.ExpirationMinutes < 0 {
		return GrantAccessResponse{Status: fail(domain.NewDomainError("Bridge.GrantAccess", domain.ErrInvalidInput, "expirationMinutes must not be negative"))}
	}
	token, err := b.core.GrantPluginAccess(ctx, req.PluginID, req.PersonaID, toPermissions(req.Permissions),
		time.Duration(req.ExpirationMinutes)*time.Minute)
	if err != nil {
		return GrantAccessResponse{Status: fail(err)}
	}
	return GrantAccessResponse{Status: ok(), AccessToken: token}
}

type RevokeAccessRequest struct {
	PluginID  string `json:"pluginId"`
	PersonaID string `json:"personaId,omitempty"`
}

type RevokeAccessResponse struct {
	Status
	Revoked *eventbus.RevokeResult `json:"revoked,omitempty"`
}

func (b *Bridge) RevokeAccess(ctx context.Context, req RevokeAccessRequest) (resp RevokeAccessResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = RevokeAccessResponse{Status: b.panicked("revokePluginAccess", r)}
		}
	}()
	if req.PluginID == "" {
		return RevokeAccessResponse{Status: fail(domain.NewDomainError("Bridge.RevokeAccess", domain.ErrInvalidInput, "pluginId is required"))}
	}
	res := b.core.RevokePluginAccess(ctx, req.PluginID, req.PersonaID)
	return RevokeAccessResponse{Status: ok(), Revoked: &res}
}

type PerformanceMetricsRequest struct {
	EventType domain.EventType `json:"eventType,omitempty"`
}

type PerformanceMetricsResponse struct {
	Status
	Metrics map[domain.EventType]domain.EventMetric `json:"metrics,omitempty"`
}

func (b *Bridge) PerformanceMetrics(_ context.Context, req PerformanceMetricsRequest) (resp PerformanceMetricsResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = PerformanceMetricsResponse{Status: b.panicked("getPerformanceMetrics", r)}
		}
	}()
	m, err := b.core.PerformanceMetrics(req.EventType)
	if err != nil {
		return PerformanceMetricsResponse{Status: fail(err)}
	}
	return PerformanceMetricsResponse{Status: ok(), Metrics: m}
}

type SubscriptionStatsResponse struct {
	Status
	Stats *domain.SubscriptionStats `json:"stats,omitempty"`
}

func (b *Bridge) SubscriptionStats(context.Context) (resp SubscriptionStatsResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = SubscriptionStatsResponse{Status: b.panicked("getSubscriptionStats", r)}
		}
	}()
	stats := b.core.SubscriptionStats()
	return SubscriptionStatsResponse{Status: ok(), Stats: &stats}
}

type EventTypesResponse struct {
	Status
	EventTypes []domain.EventType `json:"eventTypes,omitempty"`
}

func (b *Bridge) EventTypes(context.Context) (resp EventTypesResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = EventTypesResponse{Status: b.panicked("getEventTypes", r)}
		}
	}()
	return EventTypesResponse{Status: ok(), EventTypes: b.core.EventTypes()}
}

type ValidatePayloadRequest struct {
	EventType domain.EventType `json:"eventType"`
	Payload   json.RawMessage  `json:"payload"`
}

type ValidatePayloadResponse struct {
	Status
	ValidatedPayload json.RawMessage `json:"validatedPayload,omitempty"`
}

func (b *Bridge) ValidatePayload(_ context.Context, req ValidatePayloadRequest) (resp ValidatePayloadResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = ValidatePayloadResponse{Status: b.panicked("validatePayload", r)}
		}
	}()
	out, err := b.core.ValidatePayload(req.EventType, req.Payload)
	if err != nil {
		return ValidatePayloadResponse{Status: fail(err)}
	}
	return ValidatePayloadResponse{Status: ok(), ValidatedPayload: out}
}

// toPermissions converts without filtering so unknown names reach the access
// layer and are rejected there.
func toPermissions(ss []string) []domain.Permission {
	if len(ss) == 0 {
		return nil
	}
	out := make([]domain.Permission, len(ss))
	for i, s := range ss {
		out[i] = domain.Permission(s)
	}
	return out
}
