package integration

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"

	"persona-hub/internal/domain"
	"persona-hub/internal/usecase/eventbus"
)

// MemoryEventTypes lists the memory event types.
var MemoryEventTypes = []domain.EventType{
	domain.EventMemoryAdded,
	domain.EventMemoryUpdated,
	domain.EventMemorySearched,
}

// MemoryUpdate carries the fields to change. Nil fields are left alone.
type MemoryUpdate struct {
	Content    *string
	Importance *float64
	Type       *domain.MemoryType
	Tags       []string
}

type memoryAdded struct {
	Memory *domain.Memory `json:"memory"`
}

type memoryUpdated struct {
	MemoryID  string         `json:"memoryId"`
	PersonaID string         `json:"personaId"`
	Before    *domain.Memory `json:"before"`
	After     *domain.Memory `json:"after"`
	Changes   []string       `json:"changes"`
}

type memorySearched struct {
	PersonaID   string            `json:"personaId,omitempty"`
	Query       string            `json:"query"`
	MemoryType  domain.MemoryType `json:"memoryType,omitempty"`
	Limit       int               `json:"limit,omitempty"`
	ResultCount int               `json:"resultCount"`
}

var memoryTypes = []domain.MemoryType{
	domain.MemoryEpisodic, domain.MemorySemantic, domain.MemoryProcedural, domain.MemoryWorking,
}

// MemoryEvents performs memory mutations and searches and publishes the
// matching events.
type MemoryEvents struct {
	bus    Bus
	store  domain.MemoryStore
	logger *slog.Logger
	now    func() time.Time
	subs   subscriptionSet
}

// NewMemoryEvents creates the memory adapter.
func NewMemoryEvents(bus Bus, store domain.MemoryStore, logger *slog.Logger) *MemoryEvents {
	return &MemoryEvents{
		bus:    bus,
		store:  store,
		logger: defaultLogger(logger).With("component", "memory_events"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func validMemoryType(t domain.MemoryType) bool { return slices.Contains(memoryTypes, t) }

func validImportance(v float64) bool { return v >= 0 && v <= 1 }

// AddMemory stores m and publishes memory.added. An empty type defaults to
// episodic.
func (a *MemoryEvents) AddMemory(ctx context.Context, m *domain.Memory) (*domain.PublishResult, error) {
	const op = "MemoryEvents.AddMemory"
	switch {
	case m == nil || m.PersonaID == "":
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "personaId is required")
	case m.Content == "":
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "content is required")
	case !validImportance(m.Importance):
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "importance must be within [0,1]")
	}
	if m.Type == "" {
		m.Type = domain.MemoryEpisodic
	}
	if !validMemoryType(m.Type) {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "unknown memory type "+string(m.Type))
	}
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	now := a.now()
	m.CreatedAt, m.UpdatedAt = now, now

	if err := a.store.AddMemory(ctx, m); err != nil {
		return nil, domain.WrapOp(op, err)
	}
	a.logger.Debug("memory added", "memory_id", m.ID, "persona_id", m.PersonaID)
	res, err := a.bus.Publish(ctx, domain.EventMemoryAdded, memoryAdded{Memory: m}, publishOpts(ctx))
	return res, domain.WrapOp(op, err)
}

// UpdateMemory applies upd and publishes memory.updated. An update that
// changes nothing is not stored or published and returns a nil result.
func (a *MemoryEvents) UpdateMemory(ctx context.Context, id string, upd MemoryUpdate) (*domain.PublishResult, error) {
	const op = "MemoryEvents.UpdateMemory"
	if upd.Importance != nil && !validImportance(*upd.Importance) {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "importance must be within [0,1]")
	}
	if upd.Type != nil && !validMemoryType(*upd.Type) {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "unknown memory type "+string(*upd.Type))
	}
	if upd.Content != nil && *upd.Content == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "content cannot be empty")
	}

	before, err := a.store.GetMemory(ctx, id)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	after := *before
	after.Tags = slices.Clone(before.Tags)

	var changes []string
	if upd.Content != nil && *upd.Content != before.Content {
		after.Content = *upd.Content
		changes = append(changes, "content")
	}
	if upd.Importance != nil && *upd.Importance != before.Importance {
		after.Importance = *upd.Importance
		changes = append(changes, "importance")
	}
	if upd.Type != nil && *upd.Type != before.Type {
		after.Type = *upd.Type
		changes = append(changes, "type")
	}
	if upd.Tags != nil && !slices.Equal(upd.Tags, before.Tags) {
		after.Tags = slices.Clone(upd.Tags)
		changes = append(changes, "tags")
	}
	if len(changes) == 0 {
		return nil, nil
	}
	after.UpdatedAt = a.now()

	if err := a.store.UpdateMemory(ctx, &after); err != nil {
		return nil, domain.WrapOp(op, err)
	}
	a.logger.Debug("memory updated", "memory_id", id, "changes", changes)
	res, err := a.bus.Publish(ctx, domain.EventMemoryUpdated, memoryUpdated{
		MemoryID:  id,
		PersonaID: after.PersonaID,
		Before:    before,
		After:     &after,
		Changes:   changes,
	}, publishOpts(ctx))
	return res, domain.WrapOp(op, err)
}

// SearchMemories runs q against the store and publishes memory.searched with
// the query and the number of results. The results are returned even if the
// publish fails.
func (a *MemoryEvents) SearchMemories(ctx context.Context, q domain.MemoryQuery) ([]domain.Memory, error) {
	const op = "MemoryEvents.SearchMemories"
	if q.Limit < 0 {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "limit must not be negative")
	}
	if q.Type != "" && !validMemoryType(q.Type) {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "unknown memory type "+string(q.Type))
	}
	results, err := a.store.SearchMemories(ctx, q)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	_, err = a.bus.Publish(ctx, domain.EventMemorySearched, memorySearched{
		PersonaID:   q.PersonaID,
		Query:       q.Text,
		MemoryType:  q.Type,
		Limit:       q.Limit,
		ResultCount: len(results),
	}, publishOpts(ctx))
	return results, domain.WrapOp(op, err)
}

// EnableMemoryAccess grants pluginID access to personaID's memories. With no
// permissions the plugin gets memory.read.
func (a *MemoryEvents) EnableMemoryAccess(ctx context.Context, pluginID, personaID string, perms []domain.Permission, expiration time.Duration) (string, error) {
	if len(perms) == 0 {
		perms = []domain.Permission{domain.PermMemoryRead}
	}
	token, err := a.bus.GrantPluginAccess(ctx, pluginID, personaID, perms, expiration)
	return token, domain.WrapOp("MemoryEvents.EnableMemoryAccess", err)
}

// RevokeMemoryAccess revokes pluginID's grant on personaID.
func (a *MemoryEvents) RevokeMemoryAccess(ctx context.Context, pluginID, personaID string) eventbus.RevokeResult {
	return a.bus.RevokePluginAccess(ctx, pluginID, personaID)
}

// SubscribeToMemoryEvents subscribes handler to types with memory.read
// required. Empty types means every memory type the token's grant can
// receive. Either every subscription is made or none is.
func (a *MemoryEvents) SubscribeToMemoryEvents(ctx context.Context, pluginID, token string, types []domain.EventType, handler domain.EventHandler) ([]string, error) {
	if len(types) == 0 {
		types = defaultTypes(a.bus, pluginID, token, MemoryEventTypes, domain.PermMemoryRead)
	}
	return subscribeAll(ctx, a.bus, &a.subs, "MemoryEvents.SubscribeToMemoryEvents", pluginID, types, handler, domain.SubscribeOptions{
		AccessToken:         token,
		RequiredPermissions: []domain.Permission{domain.PermMemoryRead},
	})
}

// Unsubscribe removes a subscription made through this adapter.
func (a *MemoryEvents) Unsubscribe(ctx context.Context, id string) bool {
	return unsubscribeOwned(ctx, a.bus, &a.subs, id)
}

// Close removes every subscription made through this adapter.
func (a *MemoryEvents) Close(ctx context.Context) int {
	return closeSet(ctx, a.bus, &a.subs, a.logger)
}
