package integration

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"persona-hub/internal/domain"
	"persona-hub/internal/infra/logger"
)

func strPtr(s string) *string { return &s }

func TestPersonaLifecyclePublishesEvents(t *testing.T) {
	bus, _ := newTestBus(t)
	store := newMemPersonaStore()
	a := NewPersonaEvents(bus, store, logger.Discard())
	ctx := domain.ContextWithActor(context.Background(), "operator")

	token, err := a.EnablePersonaAccess(ctx, "notes", "p1", []domain.Permission{domain.PermRead, domain.PermWrite}, 0)
	require.NoError(t, err)
	rec := &recorder{}
	ids, err := a.SubscribeToPersonaEvents(ctx, "notes", token, nil, rec.handle)
	require.NoError(t, err)
	assert.Len(t, ids, 4)

	res, err := a.CreatePersona(ctx, &domain.Persona{ID: "p1", Name: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	res, err = a.UpdatePersona(ctx, "p1", PersonaUpdate{Name: strPtr("Ada Lovelace"), Personality: strPtr("curious")})
	require.NoError(t, err)
	require.NotNil(t, res)

	_, err = a.ActivatePersona(ctx, "p1")
	require.NoError(t, err)
	_, err = a.DeletePersona(ctx, "p1")
	require.NoError(t, err)

	assert.Equal(t, PersonaEventTypes, rec.types())
	events := rec.all()
	for _, ev := range events {
		assert.Equal(t, "operator", ev.TriggeredBy)
	}

	created := decodePayload(t, events[0])["persona"].(map[string]any)
	assert.Equal(t, "Ada", created["name"])

	updated := decodePayload(t, events[1])
	assert.Equal(t, "p1", updated["personaId"])
	assert.Equal(t, []any{"name", "personality"}, updated["changes"])
	assert.Equal(t, "Ada", updated["before"].(map[string]any)["name"])
	assert.Equal(t, "Ada Lovelace", updated["after"].(map[string]any)["name"])

	activated := decodePayload(t, events[2])
	assert.Equal(t, "p1", activated["personaId"])
	assert.NotContains(t, activated, "previousPersonaId")

	deleted := decodePayload(t, events[3])
	assert.Equal(t, "Ada Lovelace", deleted["persona"].(map[string]any)["name"])

	_, err = store.GetPersona(ctx, "p1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreatePersonaAssignsID(t *testing.T) {
	bus, _ := newTestBus(t)
	a := NewPersonaEvents(bus, newMemPersonaStore(), logger.Discard())

	p := &domain.Persona{Name: "Ada"}
	_, err := a.CreatePersona(context.Background(), p)
	require.NoError(t, err)
	assert.Len(t, p.ID, 26)
	assert.False(t, p.CreatedAt.IsZero())
	assert.Equal(t, p.CreatedAt, p.UpdatedAt)
}

func TestPersonaMutationErrors(t *testing.T) {
	bus, _ := newTestBus(t)
	store := newMemPersonaStore()
	a := NewPersonaEvents(bus, store, logger.Discard())
	ctx := context.Background()

	_, err := a.CreatePersona(ctx, &domain.Persona{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	store.failNext = errors.New("disk full")
	_, err = a.CreatePersona(ctx, &domain.Persona{ID: "p1", Name: "Ada"})
	assert.ErrorContains(t, err, "disk full")

	_, err = a.UpdatePersona(ctx, "ghost", PersonaUpdate{Name: strPtr("x")})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = a.UpdatePersona(ctx, "ghost", PersonaUpdate{Name: strPtr("")})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = a.ActivatePersona(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = a.DeletePersona(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	m := bus.Monitor().AllMetrics()
	assert.Empty(t, m, "failed mutations must not publish")
}

func TestUpdatePersonaWithoutChanges(t *testing.T) {
	bus, _ := newTestBus(t)
	store := newMemPersonaStore()
	a := NewPersonaEvents(bus, store, logger.Discard())
	ctx := context.Background()
	_, err := a.CreatePersona(ctx, &domain.Persona{ID: "p1", Name: "Ada", Metadata: map[string]string{"k": "v"}})
	require.NoError(t, err)

	res, err := a.UpdatePersona(ctx, "p1", PersonaUpdate{Name: strPtr("Ada"), Metadata: map[string]string{"k": "v"}})
	require.NoError(t, err)
	assert.Nil(t, res)

	metric, _ := bus.Monitor().Metrics(domain.EventPersonaUpdated)
	assert.Zero(t, metric.TotalPublished)
}

func TestSubscribeToPersonaEventsIsAllOrNothing(t *testing.T) {
	bus, _ := newTestBus(t)
	a := NewPersonaEvents(bus, newMemPersonaStore(), logger.Discard())
	ctx := context.Background()

	// read only: persona.updated needs write.
	token, err := a.EnablePersonaAccess(ctx, "notes", "p1", nil, 0)
	require.NoError(t, err)

	_, err = a.SubscribeToPersonaEvents(ctx, "notes", token, PersonaEventTypes, (&recorder{}).handle)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
	assert.Zero(t, bus.SubscriptionStats().TotalSubscriptions)
	assert.Zero(t, a.subs.len())

	ids, err := a.SubscribeToPersonaEvents(ctx, "notes", token, []domain.EventType{domain.EventPersonaCreated, domain.EventPersonaDeleted}, (&recorder{}).handle)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestSubscribeToPersonaEventsDefaultsToGrantedTypes(t *testing.T) {
	bus, _ := newTestBus(t)
	a := NewPersonaEvents(bus, newMemPersonaStore(), logger.Discard())
	ctx := context.Background()

	token, err := a.EnablePersonaAccess(ctx, "notes", "p1", nil, 0)
	require.NoError(t, err)
	ids, err := a.SubscribeToPersonaEvents(ctx, "notes", token, nil, (&recorder{}).handle)
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	stats := bus.SubscriptionStats()
	assert.Zero(t, stats.ByEventType[domain.EventPersonaUpdated], "read grant cannot receive persona.updated")
	assert.Equal(t, 1, stats.ByEventType[domain.EventPersonaCreated])
	assert.Equal(t, 1, stats.ByEventType[domain.EventPersonaActivated])
	assert.Equal(t, 1, stats.ByEventType[domain.EventPersonaDeleted])

	// A token the bus does not know still reports the denial.
	_, err = a.SubscribeToPersonaEvents(ctx, "notes", "bogus", nil, (&recorder{}).handle)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)

	// Another plugin's token admits nothing.
	_, err = a.SubscribeToPersonaEvents(ctx, "other", token, nil, (&recorder{}).handle)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
	assert.Equal(t, 3, a.Close(ctx))
}

func TestPersonaCloseRemovesOnlyOwnSubscriptions(t *testing.T) {
	bus, _ := newTestBus(t)
	a := NewPersonaEvents(bus, newMemPersonaStore(), logger.Discard())
	ctx := context.Background()

	token, err := a.EnablePersonaAccess(ctx, "notes", "p1", nil, 0)
	require.NoError(t, err)
	ids, err := a.SubscribeToPersonaEvents(ctx, "notes", token, []domain.EventType{domain.EventPersonaCreated, domain.EventPersonaActivated}, (&recorder{}).handle)
	require.NoError(t, err)
	foreign, err := bus.Subscribe(ctx, domain.EventPersonaCreated, "notes", (&recorder{}).handle, domain.SubscribeOptions{AccessToken: token})
	require.NoError(t, err)

	assert.False(t, a.Unsubscribe(ctx, foreign))
	assert.True(t, a.Unsubscribe(ctx, ids[0]))
	assert.False(t, a.Unsubscribe(ctx, ids[0]))

	assert.Equal(t, 1, a.Close(ctx))
	assert.Equal(t, 0, a.Close(ctx))
	assert.Equal(t, 1, bus.SubscriptionStats().TotalSubscriptions)
}

func TestRevokePersonaAccessPrunes(t *testing.T) {
	bus, _ := newTestBus(t)
	a := NewPersonaEvents(bus, newMemPersonaStore(), logger.Discard())
	ctx := context.Background()

	token, err := a.EnablePersonaAccess(ctx, "notes", "p1", nil, 0)
	require.NoError(t, err)
	_, err = a.SubscribeToPersonaEvents(ctx, "notes", token, []domain.EventType{domain.EventPersonaCreated}, (&recorder{}).handle)
	require.NoError(t, err)

	res := a.RevokePersonaAccess(ctx, "notes", "p1")
	assert.Equal(t, 1, res.Grants)
	assert.Equal(t, 1, res.Subscriptions)
	assert.Zero(t, bus.SubscriptionStats().TotalSubscriptions)
}
