package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"persona-hub/internal/domain"
	"persona-hub/internal/security"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBus(t *testing.T) (*Bus, *security.RecordingLogger) {
	t.Helper()
	rec := security.NewRecordingLogger()
	bus, err := New(Config{}, rec, nil)
	require.NoError(t, err)
	return bus, rec
}

func newClockedBus(t *testing.T, clock *fakeClock) (*Bus, *security.RecordingLogger) {
	t.Helper()
	rec := security.NewRecordingLogger()
	bus, err := New(Config{Clock: clock.Now}, rec, nil)
	require.NoError(t, err)
	return bus, rec
}

func personaCreatedPayload(id string) map[string]any {
	return map[string]any{"persona": map[string]any{"id": id, "name": "Ada"}}
}

func personaUpdatedPayload(id string) map[string]any {
	return map[string]any{
		"personaId": id,
		"before":    map[string]any{"id": id, "name": "Ada"},
		"after":     map[string]any{"id": id, "name": "Ada Lovelace"},
		"changes":   []string{"name"},
	}
}

func memoryAddedPayload(personaID, memoryID string) map[string]any {
	return map[string]any{"memory": map[string]any{
		"id":         memoryID,
		"personaId":  personaID,
		"type":       "episodic",
		"content":    "met Charles",
		"importance": 0.5,
	}}
}

func perms(p ...domain.Permission) []domain.Permission { return p }
