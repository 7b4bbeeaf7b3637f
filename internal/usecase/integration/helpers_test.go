package integration

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"persona-hub/internal/domain"
	"persona-hub/internal/infra/logger"
	"persona-hub/internal/security"
	"persona-hub/internal/usecase/eventbus"
)

type memPersonaStore struct {
	mu       sync.Mutex
	personas map[string]domain.Persona
	failNext error
}

func newMemPersonaStore() *memPersonaStore {
	return &memPersonaStore{personas: make(map[string]domain.Persona)}
}

func (s *memPersonaStore) fail() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *memPersonaStore) CreatePersona(_ context.Context, p *domain.Persona) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	if _, ok := s.personas[p.ID]; ok {
		return domain.ErrDuplicate
	}
	s.personas[p.ID] = *p
	return nil
}

func (s *memPersonaStore) GetPersona(_ context.Context, id string) (*domain.Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.personas[id]
	if !ok {
		return nil, domain.ErrPersonaNotFound
	}
	return &p, nil
}

func (s *memPersonaStore) UpdatePersona(_ context.Context, p *domain.Persona) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	if _, ok := s.personas[p.ID]; !ok {
		return domain.ErrPersonaNotFound
	}
	s.personas[p.ID] = *p
	return nil
}

func (s *memPersonaStore) DeletePersona(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.personas[id]; !ok {
		return domain.ErrPersonaNotFound
	}
	delete(s.personas, id)
	return nil
}

func (s *memPersonaStore) ListPersonas(context.Context) ([]domain.Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Persona, 0, len(s.personas))
	for _, p := range s.personas {
		out = append(out, p)
	}
	return out, nil
}

func (s *memPersonaStore) SetActivePersona(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.personas[id]; !ok {
		return "", domain.ErrPersonaNotFound
	}
	prev := ""
	for pid, p := range s.personas {
		if p.IsActive {
			prev = pid
		}
		p.IsActive = pid == id
		s.personas[pid] = p
	}
	return prev, nil
}

type memMemoryStore struct {
	mu       sync.Mutex
	memories map[string]domain.Memory
}

func newMemMemoryStore() *memMemoryStore {
	return &memMemoryStore{memories: make(map[string]domain.Memory)}
}

func (s *memMemoryStore) AddMemory(_ context.Context, m *domain.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[m.ID]; ok {
		return domain.ErrDuplicate
	}
	s.memories[m.ID] = *m
	return nil
}

func (s *memMemoryStore) GetMemory(_ context.Context, id string) (*domain.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok {
		return nil, domain.ErrMemoryNotFound
	}
	return &m, nil
}

func (s *memMemoryStore) UpdateMemory(_ context.Context, m *domain.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[m.ID]; !ok {
		return domain.ErrMemoryNotFound
	}
	s.memories[m.ID] = *m
	return nil
}

func (s *memMemoryStore) SearchMemories(_ context.Context, q domain.MemoryQuery) ([]domain.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Memory
	for _, m := range s.memories {
		if q.PersonaID != "" && m.PersonaID != q.PersonaID {
			continue
		}
		if strings.Contains(strings.ToLower(m.Content), strings.ToLower(q.Text)) {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b domain.Memory) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// recorder collects the events delivered to a handler.
type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) handle(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) all() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func (r *recorder) types() []domain.EventType {
	var out []domain.EventType
	for _, ev := range r.all() {
		out = append(out, ev.Type)
	}
	return out
}

func newTestBus(t *testing.T) (*eventbus.Bus, *security.RecordingLogger) {
	t.Helper()
	rec := security.NewRecordingLogger()
	bus, err := eventbus.New(eventbus.Config{}, rec, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { bus.Shutdown(context.Background()) })
	return bus, rec
}

func decodePayload(t *testing.T, ev domain.Event) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(ev.Payload, &m))
	return m
}
