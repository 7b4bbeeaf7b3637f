// Package integration connects persona and memory mutations and the plugin
// access workflow to the event bus. Every adapter writes through its store
// first and publishes afterwards, so subscribers only ever see committed state.
package integration

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"persona-hub/internal/domain"
	"persona-hub/internal/usecase/eventbus"
)

// Bus is the part of the event bus the adapters use.
type Bus interface {
	Subscribe(ctx context.Context, eventType domain.EventType, pluginID string, handler domain.EventHandler, opts domain.SubscribeOptions) (string, error)
	Unsubscribe(ctx context.Context, id string) bool
	Publish(ctx context.Context, eventType domain.EventType, payload any, opts domain.PublishOptions) (*domain.PublishResult, error)
	GrantPluginAccess(ctx context.Context, pluginID, personaID string, perms []domain.Permission, expiration time.Duration) (string, error)
	RevokePluginAccess(ctx context.Context, pluginID, personaID string) eventbus.RevokeResult
	ReceivableTypes(pluginID, token string, candidates []domain.EventType, extra ...domain.Permission) []domain.EventType
}

var _ Bus = (*eventbus.Bus)(nil)

// subscriptionSet remembers the subscriptions one adapter created so Close
// only removes its own.
type subscriptionSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (s *subscriptionSet) add(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids == nil {
		s.ids = make(map[string]struct{})
	}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
}

func (s *subscriptionSet) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; !ok {
		return false
	}
	delete(s.ids, id)
	return true
}

func (s *subscriptionSet) drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	s.ids = nil
	return ids
}

func (s *subscriptionSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// subscribeAll subscribes handler to every type. It is all-or-nothing: when
// one subscription fails the ones already made are removed again.
func subscribeAll(ctx context.Context, bus Bus, set *subscriptionSet, op, pluginID string, types []domain.EventType, handler domain.EventHandler, opts domain.SubscribeOptions) ([]string, error) {
	ids := make([]string, 0, len(types))
	for _, t := range types {
		id, err := bus.Subscribe(ctx, t, pluginID, handler, opts)
		if err != nil {
			for _, done := range ids {
				bus.Unsubscribe(ctx, done)
			}
			return nil, domain.WrapOp(op, err)
		}
		ids = append(ids, id)
	}
	set.add(ids...)
	return ids, nil
}

// unsubscribeOwned removes id only if set created it.
func unsubscribeOwned(ctx context.Context, bus Bus, set *subscriptionSet, id string) bool {
	if !set.remove(id) {
		return false
	}
	return bus.Unsubscribe(ctx, id)
}

func closeSet(ctx context.Context, bus Bus, set *subscriptionSet, logger *slog.Logger) int {
	n := 0
	for _, id := range set.drain() {
		if bus.Unsubscribe(ctx, id) {
			n++
		}
	}
	if n > 0 {
		logger.Debug("adapter subscriptions closed", "count", n)
	}
	return n
}

// defaultTypes narrows namespace to what token can receive. When nothing
// qualifies the full namespace is kept so Subscribe reports the denial.
func defaultTypes(bus Bus, pluginID, token string, namespace []domain.EventType, required domain.Permission) []domain.EventType {
	if types := bus.ReceivableTypes(pluginID, token, namespace, required); len(types) > 0 {
		return types
	}
	return namespace
}

func publishOpts(ctx context.Context) domain.PublishOptions {
	return domain.PublishOptions{TriggeredBy: domain.ActorFromContext(ctx)}
}

func defaultLogger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
