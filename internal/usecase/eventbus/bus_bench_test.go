package eventbus

import (
	"context"
	"testing"

	"persona-hub/internal/domain"
	"persona-hub/internal/infra/logger"
	"persona-hub/internal/security"
)

func newBenchBus(b *testing.B) *Bus {
	b.Helper()
	bus, err := New(Config{}, security.NopLogger{}, logger.Discard())
	if err != nil {
		b.Fatalf("new bus: %v", err)
	}
	return bus
}

func subscribeN(b *testing.B, bus *Bus, n int) {
	b.Helper()
	ctx := context.Background()
	token, err := bus.GrantPluginAccess(ctx, "bench", "persona", []domain.Permission{domain.PermRead}, 0)
	if err != nil {
		b.Fatalf("grant: %v", err)
	}
	for i := 0; i < n; i++ {
		_, err := bus.Subscribe(ctx, domain.EventPersonaCreated, "bench", func(context.Context, domain.Event) error {
			return nil
		}, domain.SubscribeOptions{AccessToken: token})
		if err != nil {
			b.Fatalf("subscribe: %v", err)
		}
	}
}

var benchPayload = map[string]any{"persona": map[string]any{"id": "persona", "name": "Bench"}}

// BenchmarkPublish measures validate + fan-out to a single subscriber.
func BenchmarkPublish(b *testing.B) {
	bus := newBenchBus(b)
	subscribeN(b, bus, 1)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := bus.Publish(ctx, domain.EventPersonaCreated, benchPayload, domain.PublishOptions{}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPublishTenSubscribers(b *testing.B) {
	bus := newBenchBus(b)
	subscribeN(b, bus, 10)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, domain.EventPersonaCreated, benchPayload, domain.PublishOptions{})
	}
}

// BenchmarkPublishNoSubscribers is the validation and bookkeeping overhead alone.
func BenchmarkPublishNoSubscribers(b *testing.B) {
	bus := newBenchBus(b)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, domain.EventPersonaCreated, benchPayload, domain.PublishOptions{})
	}
}

func BenchmarkPublishParallel(b *testing.B) {
	bus := newBenchBus(b)
	subscribeN(b, bus, 1)

	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		for pb.Next() {
			bus.Publish(ctx, domain.EventPersonaCreated, benchPayload, domain.PublishOptions{})
		}
	})
}

func BenchmarkSubscribeUnsubscribe(b *testing.B) {
	bus := newBenchBus(b)
	ctx := context.Background()
	token, _ := bus.GrantPluginAccess(ctx, "bench", "persona", []domain.Permission{domain.PermRead}, 0)
	handler := func(context.Context, domain.Event) error { return nil }

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		id, err := bus.Subscribe(ctx, domain.EventPersonaCreated, "bench", handler, domain.SubscribeOptions{AccessToken: token})
		if err != nil {
			b.Fatal(err)
		}
		bus.Unsubscribe(ctx, id)
	}
}
