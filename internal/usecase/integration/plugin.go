package integration

import (
	"context"
	"log/slog"
	"time"

	"persona-hub/internal/domain"
)

// GrantLookup resolves an access token to its grant.
type GrantLookup interface {
	Grant(token string) (domain.AccessGrant, bool)
}

// AccessRequest is a plugin asking for access to a persona.
type AccessRequest struct {
	PluginID    string              `json:"pluginId"`
	PersonaID   string              `json:"personaId"`
	Permissions []domain.Permission `json:"permissions"`
	Reason      string              `json:"reason,omitempty"`
}

type accessGranted struct {
	PluginID    string              `json:"pluginId"`
	PersonaID   string              `json:"personaId"`
	Permissions []domain.Permission `json:"permissions"`
	ExpiresAt   *time.Time          `json:"expiresAt,omitempty"`
}

type accessDenied struct {
	PluginID  string `json:"pluginId"`
	PersonaID string `json:"personaId"`
	Reason    string `json:"reason,omitempty"`
}

// Violation describes misbehavior by a plugin.
type Violation struct {
	PluginID  string            `json:"pluginId"`
	Violation string            `json:"violation"`
	Severity  domain.Severity   `json:"severity"`
	EventType domain.EventType  `json:"eventType,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// PluginAccess drives the request/approve/deny workflow for plugin grants and
// broadcasts plugin security violations.
type PluginAccess struct {
	bus    Bus
	grants GrantLookup
	logger *slog.Logger
	subs   subscriptionSet
}

// NewPluginAccess creates the plugin access adapter. grants may be nil, in
// which case granted events carry no expiry.
func NewPluginAccess(bus Bus, grants GrantLookup, logger *slog.Logger) *PluginAccess {
	return &PluginAccess{
		bus:    bus,
		grants: grants,
		logger: defaultLogger(logger).With("component", "plugin_access"),
	}
}

// RequestAccess publishes plugin.request.persona.access.
func (a *PluginAccess) RequestAccess(ctx context.Context, req AccessRequest) (*domain.PublishResult, error) {
	const op = "PluginAccess.RequestAccess"
	if len(req.Permissions) == 0 {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "at least one permission is required")
	}
	res, err := a.bus.Publish(ctx, domain.EventPluginAccessRequested, req, domain.PublishOptions{TriggeredBy: req.PluginID})
	return res, domain.WrapOp(op, err)
}

// Approve grants the requested permissions and publishes
// plugin.persona.permission.granted. The token goes to the caller only; it
// is never part of the event.
func (a *PluginAccess) Approve(ctx context.Context, req AccessRequest, expiration time.Duration) (string, error) {
	const op = "PluginAccess.Approve"
	token, err := a.bus.GrantPluginAccess(ctx, req.PluginID, req.PersonaID, req.Permissions, expiration)
	if err != nil {
		return "", domain.WrapOp(op, err)
	}
	ev := accessGranted{PluginID: req.PluginID, PersonaID: req.PersonaID, Permissions: req.Permissions}
	if a.grants != nil {
		if g, ok := a.grants.Grant(token); ok {
			ev.Permissions = g.Permissions
			ev.ExpiresAt = &g.ExpiresAt
		}
	}
	a.logger.Info("plugin access approved", "plugin_id", req.PluginID, "persona_id", req.PersonaID)
	if _, err := a.bus.Publish(ctx, domain.EventPluginAccessGranted, ev, publishOpts(ctx)); err != nil {
		return token, domain.WrapOp(op, err)
	}
	return token, nil
}

// Deny publishes plugin.persona.permission.denied.
func (a *PluginAccess) Deny(ctx context.Context, req AccessRequest, reason string) (*domain.PublishResult, error) {
	a.logger.Info("plugin access denied", "plugin_id", req.PluginID, "persona_id", req.PersonaID, "reason", reason)
	res, err := a.bus.Publish(ctx, domain.EventPluginAccessDenied, accessDenied{
		PluginID:  req.PluginID,
		PersonaID: req.PersonaID,
		Reason:    reason,
	}, publishOpts(ctx))
	return res, domain.WrapOp("PluginAccess.Deny", err)
}

// ReportViolation publishes plugin.security.violation. A critical violation
// also revokes every grant the plugin holds.
func (a *PluginAccess) ReportViolation(ctx context.Context, v Violation) (*domain.PublishResult, error) {
	const op = "PluginAccess.ReportViolation"
	if v.Severity == "" {
		v.Severity = domain.SeverityMedium
	}
	res, err := a.bus.Publish(ctx, domain.EventPluginViolation, v, publishOpts(ctx))
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if v.Severity == domain.SeverityCritical {
		revoked := a.bus.RevokePluginAccess(ctx, v.PluginID, "")
		a.logger.Warn("plugin access revoked after critical violation",
			"plugin_id", v.PluginID, "grants", revoked.Grants, "subscriptions", revoked.Subscriptions)
	}
	return res, nil
}

// SubscribeToAccessEvents subscribes handler to the plugin access event
// types. These events need no grant beyond a valid token.
func (a *PluginAccess) SubscribeToAccessEvents(ctx context.Context, pluginID, token string, handler domain.EventHandler) ([]string, error) {
	return subscribeAll(ctx, a.bus, &a.subs, "PluginAccess.SubscribeToAccessEvents", pluginID, []domain.EventType{
		domain.EventPluginAccessRequested,
		domain.EventPluginAccessGranted,
		domain.EventPluginAccessDenied,
		domain.EventPluginViolation,
	}, handler, domain.SubscribeOptions{AccessToken: token})
}

// Close removes every subscription made through this adapter.
func (a *PluginAccess) Close(ctx context.Context) int {
	return closeSet(ctx, a.bus, &a.subs, a.logger)
}
