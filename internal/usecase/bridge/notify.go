package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sony/gobreaker/v2"

	"persona-hub/internal/domain"
)

// Default breaker settings for notification sinks.
const (
	defaultMaxFailures uint32        = 5
	defaultTimeout     time.Duration = 30 * time.Second
	defaultInterval    time.Duration = 60 * time.Second
)

// Notification is pushed to a sink once per successful dispatch to one of
// its subscriptions.
type Notification struct {
	EventType      domain.EventType `json:"eventType"`
	Payload        json.RawMessage  `json:"payload"`
	SubscriptionID string           `json:"subscriptionId"`
	PluginID       string           `json:"pluginId"`
	EventID        string           `json:"eventId"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Notifier delivers notifications across the boundary.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// BreakerConfig configures the circuit breaker guarding each sink.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed deliveries before the
	// breaker opens.
	MaxFailures uint32
	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration
	// Interval clears failure counts while closed.
	Interval time.Duration
}

type sink struct {
	id       string
	notifier Notifier
	breaker  *gobreaker.CircuitBreaker[struct{}]
	subs     map[string]struct{}
}

// AttachSink registers notifier under id. Subscriptions created with that
// sink id push their deliveries to it. Attaching an id twice replaces the
// notifier but keeps existing subscriptions.
func (b *Bridge) AttachSink(id string, notifier Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sinks[id]; ok {
		s.notifier = notifier
		return
	}
	b.sinks[id] = &sink{
		id:       id,
		notifier: notifier,
		breaker:  b.newBreaker(id),
		subs:     make(map[string]struct{}),
	}
}

// Release unsubscribes every subscription created through sink id and forgets
// the sink. It returns how many subscriptions were removed from the bus.
func (b *Bridge) Release(ctx context.Context, id string) int {
	b.mu.Lock()
	s, ok := b.sinks[id]
	if !ok {
		b.mu.Unlock()
		return 0
	}
	delete(b.sinks, id)
	ids := make([]string, 0, len(s.subs))
	for subID := range s.subs {
		ids = append(ids, subID)
		delete(b.owners, subID)
	}
	b.mu.Unlock()

	sort.Strings(ids)
	removed := 0
	for _, subID := range ids {
		if b.core.Unsubscribe(ctx, subID) {
			removed++
		}
	}
	if len(ids) > 0 {
		b.logger.Info("sink released", "sink", id, "subscriptions", removed)
	}
	return removed
}

// SinkSubscriptions lists the subscription ids owned by sink id.
func (b *Bridge) SinkSubscriptions(id string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sinks[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.subs))
	for subID := range s.subs {
		out = append(out, subID)
	}
	sort.Strings(out)
	return out
}

// SinkState reports the breaker state of sink id.
func (b *Bridge) SinkState(id string) (gobreaker.State, bool) {
	b.mu.Lock()
	s, ok := b.sinks[id]
	b.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed, false
	}
	return s.breaker.State(), true
}

func (b *Bridge) forget(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sinkID, ok := b.owners[subID]
	if !ok {
		return
	}
	delete(b.owners, subID)
	if s, ok := b.sinks[sinkID]; ok {
		delete(s.subs, subID)
	}
}

// deliver returns the bus handler for a boundary subscription. A failed or
// short-circuited delivery is returned to the bus, which counts it as a
// handler error.
func (b *Bridge) deliver(s *sink, pluginID string) domain.EventHandler {
	return func(ctx context.Context, ev domain.Event) error {
		n := Notification{
			EventType:      ev.Type,
			Payload:        ev.Payload,
			SubscriptionID: domain.SubscriptionFromContext(ctx),
			PluginID:       pluginID,
			EventID:        ev.ID,
			Timestamp:      b.now().UTC(),
		}
		b.mu.Lock()
		notifier := s.notifier
		b.mu.Unlock()

		_, err := s.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, notifier.Notify(ctx, n)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: sink %q circuit open: %v", domain.ErrSinkFailed, s.id, err)
		}
		return fmt.Errorf("%w: sink %q: %v", domain.ErrSinkFailed, s.id, err)
	}
}

func (b *Bridge) newBreaker(id string) *gobreaker.CircuitBreaker[struct{}] {
	maxFailures := b.breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := b.breaker.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	interval := b.breaker.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "sink:" + id,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("notification breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}
