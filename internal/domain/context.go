package domain

import "context"

type ctxKey string

const actorCtxKey ctxKey = "actor"

// ContextWithActor returns a new context carrying the name of the caller that
// initiated the operation (a gateway client, a CLI user, a plugin id).
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorCtxKey, actor)
}

// ActorFromContext extracts the actor from the context.
// Returns empty string if not set.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorCtxKey).(string); ok {
		return v
	}
	return ""
}

const subscriptionCtxKey ctxKey = "subscription"

// ContextWithSubscription returns a context carrying the id of the
// subscription a handler is being invoked for.
func ContextWithSubscription(ctx context.Context, subscriptionID string) context.Context {
	return context.WithValue(ctx, subscriptionCtxKey, subscriptionID)
}

// SubscriptionFromContext returns the subscription id set by the bus for the
// current dispatch, or "" outside a handler.
func SubscriptionFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(subscriptionCtxKey).(string); ok {
		return v
	}
	return ""
}
