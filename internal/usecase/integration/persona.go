package integration

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/oklog/ulid/v2"

	"persona-hub/internal/domain"
	"persona-hub/internal/usecase/eventbus"
)

// PersonaEventTypes lists the persona event types in publish order.
var PersonaEventTypes = []domain.EventType{
	domain.EventPersonaCreated,
	domain.EventPersonaUpdated,
	domain.EventPersonaActivated,
	domain.EventPersonaDeleted,
}

// PersonaUpdate carries the fields to change. Nil fields are left alone.
type PersonaUpdate struct {
	Name        *string
	Description *string
	Personality *string
	Metadata    map[string]string
}

type personaCreated struct {
	Persona *domain.Persona `json:"persona"`
}

type personaUpdated struct {
	PersonaID string          `json:"personaId"`
	Before    *domain.Persona `json:"before"`
	After     *domain.Persona `json:"after"`
	Changes   []string        `json:"changes"`
}

type personaActivated struct {
	PersonaID         string `json:"personaId"`
	PreviousPersonaID string `json:"previousPersonaId,omitempty"`
}

type personaDeleted struct {
	PersonaID string          `json:"personaId"`
	Persona   *domain.Persona `json:"persona,omitempty"`
}

// PersonaEvents performs persona mutations and publishes the matching events.
type PersonaEvents struct {
	bus    Bus
	store  domain.PersonaStore
	logger *slog.Logger
	now    func() time.Time
	subs   subscriptionSet
}

// NewPersonaEvents creates the persona adapter.
func NewPersonaEvents(bus Bus, store domain.PersonaStore, logger *slog.Logger) *PersonaEvents {
	return &PersonaEvents{
		bus:    bus,
		store:  store,
		logger: defaultLogger(logger).With("component", "persona_events"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreatePersona stores p and publishes persona.created. An empty ID is
// filled with a fresh ULID.
func (a *PersonaEvents) CreatePersona(ctx context.Context, p *domain.Persona) (*domain.PublishResult, error) {
	const op = "PersonaEvents.CreatePersona"
	if p == nil || p.Name == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "persona name is required")
	}
	if p.ID == "" {
		p.ID = ulid.Make().String()
	}
	now := a.now()
	p.CreatedAt, p.UpdatedAt = now, now

	if err := a.store.CreatePersona(ctx, p); err != nil {
		return nil, domain.WrapOp(op, err)
	}
	a.logger.Info("persona created", "persona_id", p.ID)
	res, err := a.bus.Publish(ctx, domain.EventPersonaCreated, personaCreated{Persona: p}, publishOpts(ctx))
	return res, domain.WrapOp(op, err)
}

// UpdatePersona applies upd and publishes persona.updated with before/after
// snapshots and the names of the changed fields. An update that changes
// nothing is not stored or published and returns a nil result.
func (a *PersonaEvents) UpdatePersona(ctx context.Context, id string, upd PersonaUpdate) (*domain.PublishResult, error) {
	const op = "PersonaEvents.UpdatePersona"
	if upd.Name != nil && *upd.Name == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "persona name cannot be empty")
	}
	before, err := a.store.GetPersona(ctx, id)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	after := *before
	after.Metadata = maps.Clone(before.Metadata)

	var changes []string
	setString := func(field string, dst *string, v *string) {
		if v != nil && *v != *dst {
			*dst = *v
			changes = append(changes, field)
		}
	}
	setString("name", &after.Name, upd.Name)
	setString("description", &after.Description, upd.Description)
	setString("personality", &after.Personality, upd.Personality)
	if upd.Metadata != nil && !maps.Equal(upd.Metadata, before.Metadata) {
		after.Metadata = maps.Clone(upd.Metadata)
		changes = append(changes, "metadata")
	}
	if len(changes) == 0 {
		return nil, nil
	}
	after.UpdatedAt = a.now()

	if err := a.store.UpdatePersona(ctx, &after); err != nil {
		return nil, domain.WrapOp(op, err)
	}
	a.logger.Info("persona updated", "persona_id", id, "changes", changes)
	res, err := a.bus.Publish(ctx, domain.EventPersonaUpdated, personaUpdated{
		PersonaID: id,
		Before:    before,
		After:     &after,
		Changes:   changes,
	}, publishOpts(ctx))
	return res, domain.WrapOp(op, err)
}

// ActivatePersona makes id the active persona and publishes persona.activated.
func (a *PersonaEvents) ActivatePersona(ctx context.Context, id string) (*domain.PublishResult, error) {
	const op = "PersonaEvents.ActivatePersona"
	prev, err := a.store.SetActivePersona(ctx, id)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	a.logger.Info("persona activated", "persona_id", id, "previous", prev)
	res, err := a.bus.Publish(ctx, domain.EventPersonaActivated, personaActivated{
		PersonaID:         id,
		PreviousPersonaID: prev,
	}, publishOpts(ctx))
	return res, domain.WrapOp(op, err)
}

// DeletePersona removes id and publishes persona.deleted with the last
// known state of the persona.
func (a *PersonaEvents) DeletePersona(ctx context.Context, id string) (*domain.PublishResult, error) {
	const op = "PersonaEvents.DeletePersona"
	p, err := a.store.GetPersona(ctx, id)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if err := a.store.DeletePersona(ctx, id); err != nil {
		return nil, domain.WrapOp(op, err)
	}
	a.logger.Info("persona deleted", "persona_id", id)
	res, err := a.bus.Publish(ctx, domain.EventPersonaDeleted, personaDeleted{PersonaID: id, Persona: p}, publishOpts(ctx))
	return res, domain.WrapOp(op, err)
}

// EnablePersonaAccess grants pluginID access to personaID. With no
// permissions the plugin gets read.
func (a *PersonaEvents) EnablePersonaAccess(ctx context.Context, pluginID, personaID string, perms []domain.Permission, expiration time.Duration) (string, error) {
	if len(perms) == 0 {
		perms = []domain.Permission{domain.PermRead}
	}
	token, err := a.bus.GrantPluginAccess(ctx, pluginID, personaID, perms, expiration)
	return token, domain.WrapOp("PersonaEvents.EnablePersonaAccess", err)
}

// RevokePersonaAccess revokes pluginID's grant on personaID.
func (a *PersonaEvents) RevokePersonaAccess(ctx context.Context, pluginID, personaID string) eventbus.RevokeResult {
	return a.bus.RevokePluginAccess(ctx, pluginID, personaID)
}

// SubscribeToPersonaEvents subscribes handler to types with the read
// permission required. Empty types means every persona type the token's
// grant can receive. Either every subscription is made or none is.
func (a *PersonaEvents) SubscribeToPersonaEvents(ctx context.Context, pluginID, token string, types []domain.EventType, handler domain.EventHandler) ([]string, error) {
	if len(types) == 0 {
		types = defaultTypes(a.bus, pluginID, token, PersonaEventTypes, domain.PermRead)
	}
	return subscribeAll(ctx, a.bus, &a.subs, "PersonaEvents.SubscribeToPersonaEvents", pluginID, types, handler, domain.SubscribeOptions{
		AccessToken:         token,
		RequiredPermissions: []domain.Permission{domain.PermRead},
	})
}

// Unsubscribe removes a subscription made through this adapter.
func (a *PersonaEvents) Unsubscribe(ctx context.Context, id string) bool {
	return unsubscribeOwned(ctx, a.bus, &a.subs, id)
}

// Close removes every subscription made through this adapter and returns
// how many were still live.
func (a *PersonaEvents) Close(ctx context.Context) int {
	return closeSet(ctx, a.bus, &a.subs, a.logger)
}
