package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"persona-hub/internal/domain"
	"persona-hub/internal/infra/tracer"
)

// Config tunes a Bus.
type Config struct {
	DefaultGrantExpiration time.Duration
	HighFrequencyThreshold int
	SlowEventThreshold     time.Duration
	// Clock overrides time.Now for grant expiry, timestamps and ids.
	Clock func() time.Time
}

type subscription struct {
	id        string
	pluginID  string
	personaID string
	eventType domain.EventType
	token     string
	required  []domain.Permission
	handler   domain.EventHandler
	createdAt time.Time

	mu       sync.Mutex
	counters domain.SubscriptionMetrics
}

func (s *subscription) record(d time.Duration, success bool, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.counters.TotalProcessed
	ms := float64(d) / float64(time.Millisecond)
	s.counters.AverageProcessingTime = (s.counters.AverageProcessingTime*float64(prev) + ms) / float64(prev+1)
	s.counters.TotalProcessed = prev + 1
	if !success {
		s.counters.ErrorCount++
	}
	s.counters.LastProcessed = at
}

func (s *subscription) info() domain.SubscriptionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SubscriptionInfo{
		ID:                  s.id,
		PluginID:            s.pluginID,
		PersonaID:           s.personaID,
		EventType:           s.eventType,
		RequiredPermissions: append([]domain.Permission(nil), s.required...),
		CreatedAt:           s.createdAt,
		Performance:         s.counters,
	}
}

// Bus is the publish/subscribe core. Every payload is validated against the
// schema registry before fan-out and every dispatch re-checks the
// subscriber's grant.
type Bus struct {
	registry *SchemaRegistry
	access   *AccessControl
	monitor  *Monitor
	security domain.SecurityLogger
	logger   *slog.Logger
	now      func() time.Time
	ids      *idSource

	mu     sync.RWMutex
	subs   map[string]*subscription
	byType map[domain.EventType][]*subscription
	closed bool
	// drained is set once Shutdown has cleared state.
	drained bool

	inflight sync.WaitGroup
}

// New constructs a bus with its own registry, access layer and monitor.
func New(cfg Config, security domain.SecurityLogger, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "eventbus")
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	registry, err := NewSchemaRegistry()
	if err != nil {
		return nil, fmt.Errorf("eventbus: %w", err)
	}
	return &Bus{
		registry: registry,
		access: NewAccessControl(registry, security, logger,
			WithClock(now), WithDefaultExpiration(cfg.DefaultGrantExpiration)),
		monitor: NewMonitor(MonitorConfig{
			HighFrequencyThreshold: cfg.HighFrequencyThreshold,
			SlowEventThreshold:     cfg.SlowEventThreshold,
		}, security, logger, now),
		security: security,
		logger:   logger,
		now:      now,
		ids:      newIDSource(now),
		subs:     make(map[string]*subscription),
		byType:   make(map[domain.EventType][]*subscription),
	}, nil
}

// Registry returns the bus's schema registry.
func (b *Bus) Registry() *SchemaRegistry { return b.registry }

// Access returns the bus's access control layer.
func (b *Bus) Access() *AccessControl { return b.access }

// Monitor returns the bus's performance monitor.
func (b *Bus) Monitor() *Monitor { return b.monitor }

// Subscribe registers handler for eventType on behalf of pluginID. The
// presented token must pass the access check for eventType and hold every
// permission in opts.RequiredPermissions.
func (b *Bus) Subscribe(ctx context.Context, eventType domain.EventType, pluginID string, handler domain.EventHandler, opts domain.SubscribeOptions) (string, error) {
	const op = "Bus.Subscribe"
	if handler == nil {
		return "", domain.NewDomainError(op, domain.ErrInvalidInput, "handler is nil")
	}
	if pluginID == "" {
		return "", domain.NewDomainError(op, domain.ErrInvalidInput, "pluginId is required")
	}
	if !b.registry.Has(eventType) {
		return "", domain.NewDomainError(op, domain.ErrUnknownEventType, string(eventType))
	}

	grant, err := b.access.Check(ctx, pluginID, eventType, opts.AccessToken, opts.RequiredPermissions...)
	if err != nil {
		return "", domain.WrapOp(op, err)
	}

	sub := &subscription{
		pluginID:  pluginID,
		personaID: grant.PersonaID,
		eventType: eventType,
		token:     opts.AccessToken,
		required:  append([]domain.Permission(nil), opts.RequiredPermissions...),
		handler:   handler,
		createdAt: b.now(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", domain.NewDomainError(op, domain.ErrBusClosed, "")
	}
	sub.id = b.ids.next("sub_")
	b.subs[sub.id] = sub
	b.byType[eventType] = append(b.byType[eventType], sub)
	b.mu.Unlock()

	b.audit(ctx, domain.SecurityEvent{
		Type:        domain.SecSubscriptionCreated,
		Severity:    domain.SeverityLow,
		Description: "subscription created",
		Details: map[string]string{
			"subscription_id": sub.id,
			"plugin_id":       pluginID,
			"persona_id":      grant.PersonaID,
			"event_type":      string(eventType),
		},
	})
	return sub.id, nil
}

// Unsubscribe removes the subscription and reports whether it existed.
func (b *Bus) Unsubscribe(ctx context.Context, id string) bool {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		b.removeLocked(sub)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	b.audit(ctx, domain.SecurityEvent{
		Type:        domain.SecSubscriptionRemoved,
		Severity:    domain.SeverityLow,
		Description: "subscription removed",
		Details: map[string]string{
			"subscription_id": id,
			"plugin_id":       sub.pluginID,
			"event_type":      string(sub.eventType),
		},
	})
	return true
}

// removeLocked drops sub from both indexes. The per-type slice is rebuilt so
// snapshots taken by in-flight publishes are never modified.
func (b *Bus) removeLocked(sub *subscription) {
	delete(b.subs, sub.id)
	old := b.byType[sub.eventType]
	kept := make([]*subscription, 0, len(old))
	for _, s := range old {
		if s != sub {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.byType, sub.eventType)
		return
	}
	b.byType[sub.eventType] = kept
}

// Publish validates payload, records the publish and dispatches the event to
// every current subscriber of eventType concurrently. It returns once every
// dispatch has settled. Only input errors (unknown type, schema mismatch,
// bad priority) and a closed bus fail the call; access denials and handler
// failures are counted in the result.
func (b *Bus) Publish(ctx context.Context, eventType domain.EventType, payload any, opts domain.PublishOptions) (*domain.PublishResult, error) {
	const op = "Bus.Publish"
	start := time.Now()

	if !b.registry.Has(eventType) {
		return nil, domain.NewDomainError(op, domain.ErrUnknownEventType, string(eventType))
	}
	if !opts.Priority.Valid() {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf("unknown priority %q", opts.Priority))
	}
	canonical, err := b.registry.ValidateValue(eventType, payload)
	if err != nil {
		b.audit(ctx, domain.SecurityEvent{
			Type:        domain.SecSchemaViolation,
			Severity:    domain.SeverityHigh,
			Description: "event payload rejected",
			Details: map[string]string{
				"event_type":   string(eventType),
				"triggered_by": opts.TriggeredBy,
				"error":        err.Error(),
			},
		})
		return nil, domain.WrapOp(op, err)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, domain.NewDomainError(op, domain.ErrBusClosed, "")
	}
	b.inflight.Add(1)
	b.mu.RUnlock()
	defer b.inflight.Done()

	b.monitor.RecordPublished(eventType)

	// Subscribers added or removed from here on only affect later publishes.
	b.mu.RLock()
	snapshot := append([]*subscription(nil), b.byType[eventType]...)
	b.mu.RUnlock()

	priority := opts.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	event := domain.Event{
		ID:          b.ids.next("evt_"),
		Type:        eventType,
		Timestamp:   b.now(),
		TriggeredBy: opts.TriggeredBy,
		Priority:    priority,
		Payload:     canonical,
	}

	ctx, span := tracer.StartSpan(ctx, "eventbus.publish")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr(tracer.AttrEventType, string(eventType)),
		tracer.StringAttr(tracer.AttrEventID, event.ID),
		tracer.IntAttr(tracer.AttrSubscribers, len(snapshot)),
	)

	outcomes := make([]dispatchOutcome, len(snapshot))
	var wg sync.WaitGroup
	for i, sub := range snapshot {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = b.dispatch(ctx, event, sub)
		}()
	}
	wg.Wait()

	result := &domain.PublishResult{EventID: event.ID, Subscribers: len(snapshot)}
	for _, o := range outcomes {
		switch o {
		case outcomeDelivered:
			result.Delivered++
		case outcomeDenied:
			result.Denied++
		default:
			result.Failed++
		}
	}
	result.Duration = time.Since(start)

	span.SetAttributes(
		tracer.IntAttr(tracer.AttrDelivered, result.Delivered),
		tracer.IntAttr(tracer.AttrFailed, result.Failed),
		tracer.IntAttr(tracer.AttrDenied, result.Denied),
	)
	tracer.SetOK(span)

	b.audit(ctx, domain.SecurityEvent{
		Type:        domain.SecEventPublished,
		Severity:    domain.SeverityLow,
		Description: "event published",
		Details: map[string]string{
			"event_id":     event.ID,
			"event_type":   string(eventType),
			"triggered_by": opts.TriggeredBy,
			"subscribers":  fmt.Sprint(result.Subscribers),
			"delivered":    fmt.Sprint(result.Delivered),
			"failed":       fmt.Sprint(result.Failed),
			"denied":       fmt.Sprint(result.Denied),
			"duration_ms":  fmt.Sprintf("%.3f", float64(result.Duration)/float64(time.Millisecond)),
		},
	})
	b.logger.Debug("event published",
		"event_type", string(eventType),
		"event_id", event.ID,
		"subscribers", result.Subscribers,
		"failed", result.Failed,
		"denied", result.Denied,
		"duration", result.Duration,
	)
	return result, nil
}

type dispatchOutcome int

const (
	outcomeFailed dispatchOutcome = iota
	outcomeDelivered
	outcomeDenied
)

// dispatch delivers event to one subscriber. Access is re-checked first; a
// denied subscriber is skipped. Handler errors and panics are absorbed.
func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub *subscription) (outcome dispatchOutcome) {
	start := time.Now()
	defer func() {
		d := time.Since(start)
		ok := outcome == outcomeDelivered
		b.monitor.RecordProcessed(event.Type, d, ok)
		sub.record(d, ok, b.now())
	}()

	if _, err := b.access.Check(ctx, sub.pluginID, event.Type, sub.token, sub.required...); err != nil {
		b.logger.Warn("dispatch skipped: access revoked",
			"subscription_id", sub.id,
			"plugin_id", sub.pluginID,
			"event_type", string(event.Type),
			"error", err,
		)
		tracer.AddEvent(ctx, "dispatch.denied",
			tracer.StringAttr(tracer.AttrPluginID, sub.pluginID),
			tracer.StringAttr("subscription.id", sub.id),
		)
		return outcomeDenied
	}

	// Each handler gets its own copy of the payload bytes.
	ev := event
	ev.Payload = append(json.RawMessage(nil), event.Payload...)

	hctx := context.WithValue(domain.ContextWithSubscription(ctx, sub.id), dispatchKey{}, b)
	if err := invokeHandler(hctx, sub.handler, ev); err != nil {
		b.logger.Warn("event handler failed",
			"subscription_id", sub.id,
			"plugin_id", sub.pluginID,
			"event_type", string(event.Type),
			"error", err,
		)
		tracer.AddEvent(ctx, "dispatch.failed",
			tracer.StringAttr(tracer.AttrPluginID, sub.pluginID),
			tracer.StringAttr("error", err.Error()),
		)
		b.audit(ctx, domain.SecurityEvent{
			Type:        domain.SecHandlerError,
			Severity:    domain.SeverityMedium,
			Description: "event handler failed",
			Details: map[string]string{
				"subscription_id": sub.id,
				"plugin_id":       sub.pluginID,
				"event_type":      string(event.Type),
				"event_id":        event.ID,
				"error":           err.Error(),
			},
		})
		return outcomeFailed
	}
	return outcomeDelivered
}

func invokeHandler(ctx context.Context, h domain.EventHandler, ev domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", domain.ErrHandlerFailed, r)
		}
	}()
	if herr := h(ctx, ev); herr != nil {
		return fmt.Errorf("%w: %v", domain.ErrHandlerFailed, herr)
	}
	return nil
}

// GrantPluginAccess issues an access token for pluginID on personaID.
func (b *Bus) GrantPluginAccess(ctx context.Context, pluginID, personaID string, perms []domain.Permission, expiration time.Duration) (string, error) {
	return b.access.GrantAccess(ctx, pluginID, personaID, perms, expiration)
}

// RevokeResult reports what RevokePluginAccess removed.
type RevokeResult struct {
	Grants        int `json:"grants"`
	Subscriptions int `json:"subscriptions"`
}

// RevokePluginAccess revokes pluginID's grant for personaID (or all of its
// grants when personaID is empty) and prunes the plugin's subscriptions that
// were created under the revoked grants.
func (b *Bus) RevokePluginAccess(ctx context.Context, pluginID, personaID string) RevokeResult {
	res := RevokeResult{Grants: b.access.RevokeAccess(ctx, pluginID, personaID)}

	b.mu.Lock()
	var pruned []string
	for _, sub := range b.subs {
		if sub.pluginID != pluginID || (personaID != "" && sub.personaID != personaID) {
			continue
		}
		b.removeLocked(sub)
		pruned = append(pruned, sub.id)
	}
	b.mu.Unlock()
	res.Subscriptions = len(pruned)

	if len(pruned) > 0 {
		sort.Strings(pruned)
		details := map[string]string{
			"plugin_id":        pluginID,
			"count":            fmt.Sprint(len(pruned)),
			"subscription_ids": strings.Join(pruned, ","),
		}
		if personaID != "" {
			details["persona_id"] = personaID
		}
		b.audit(ctx, domain.SecurityEvent{
			Type:        domain.SecSubscriptionPruned,
			Severity:    domain.SeverityMedium,
			Description: "subscriptions pruned after access revocation",
			Details:     details,
		})
	}
	return res
}

// PerformanceMetrics returns metrics for eventType, or for every tracked type
// when eventType is empty. A registered type that was never published yields
// a zero metric.
func (b *Bus) PerformanceMetrics(eventType domain.EventType) (map[domain.EventType]domain.EventMetric, error) {
	if eventType == "" {
		return b.monitor.AllMetrics(), nil
	}
	if !b.registry.Has(eventType) {
		return nil, domain.NewDomainError("Bus.PerformanceMetrics", domain.ErrUnknownEventType, string(eventType))
	}
	m, ok := b.monitor.Metrics(eventType)
	if !ok {
		m = domain.EventMetric{EventType: eventType}
	}
	return map[domain.EventType]domain.EventMetric{eventType: m}, nil
}

// SubscriptionStats aggregates the live subscription table.
func (b *Bus) SubscriptionStats() domain.SubscriptionStats {
	infos := b.Subscriptions()
	stats := domain.SubscriptionStats{
		TotalSubscriptions: len(infos),
		ByEventType:        make(map[domain.EventType]int),
		ByPlugin:           make(map[string]int),
	}
	slowest := -1.0
	for _, info := range infos {
		stats.ByEventType[info.EventType]++
		stats.ByPlugin[info.PluginID]++
		stats.TotalProcessed += info.Performance.TotalProcessed
		stats.TotalErrors += info.Performance.ErrorCount
		if info.Performance.TotalProcessed > 0 && info.Performance.AverageProcessingTime > slowest {
			slowest = info.Performance.AverageProcessingTime
			stats.SlowestSubscription = info.ID
		}
	}
	if stats.TotalProcessed > 0 {
		stats.AverageErrorRate = float64(stats.TotalErrors) / float64(stats.TotalProcessed)
	}
	return stats
}

// Subscriptions lists live subscriptions in creation order.
func (b *Bus) Subscriptions() []domain.SubscriptionInfo {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	out := make([]domain.SubscriptionInfo, len(subs))
	for i, s := range subs {
		out[i] = s.info()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReceivableTypes filters candidates down to the types pluginID could
// subscribe to with token, given extra required permissions. A token that
// is unknown, expired or owned by another plugin admits nothing. Nothing is
// written to the security log.
func (b *Bus) ReceivableTypes(pluginID, token string, candidates []domain.EventType, extra ...domain.Permission) []domain.EventType {
	grant, ok := b.access.Grant(token)
	if !ok || token == "" || grant.PluginID != pluginID || grant.Expired(b.now()) {
		return nil
	}
	for _, p := range extra {
		if !grant.Has(p) {
			return nil
		}
	}
	var out []domain.EventType
	for _, t := range candidates {
		if perm, known := b.registry.RequiredPermission(t); known && perm != "" && !grant.Has(perm) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// EventTypes lists the registered event types.
func (b *Bus) EventTypes() []domain.EventType {
	return b.registry.EventTypes()
}

// ValidatePayload returns the canonical form of payload for eventType without
// publishing it.
func (b *Bus) ValidatePayload(eventType domain.EventType, payload any) (json.RawMessage, error) {
	return b.registry.ValidateValue(eventType, payload)
}

// dispatchKey marks a handler context with the bus delivering to it.
type dispatchKey struct{}

func inHandler(ctx context.Context, b *Bus) bool {
	owner, _ := ctx.Value(dispatchKey{}).(*Bus)
	return owner == b
}

// Shutdown stops accepting publishes and subscriptions, waits for in-flight
// publishes to settle (or ctx to end), then clears subscriptions and
// metrics. Grants are kept. A call that gave up on ctx can be repeated;
// once state is cleared further calls are no-ops.
//
// A handler may shut the bus down if it passes on the context it was
// handed: the publish delivering to it is itself in flight, so the wait is
// skipped and the running fan-out completes on its snapshot.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.drained {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if !inHandler(ctx, b) {
		done := make(chan struct{})
		go func() {
			b.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	if b.drained {
		b.mu.Unlock()
		return nil
	}
	b.drained = true
	cleared := len(b.subs)
	b.subs = make(map[string]*subscription)
	b.byType = make(map[domain.EventType][]*subscription)
	b.mu.Unlock()
	b.monitor.Reset()

	b.audit(ctx, domain.SecurityEvent{
		Type:        domain.SecBusShutdown,
		Severity:    domain.SeverityLow,
		Description: "event bus shut down",
		Details:     map[string]string{"subscriptions_cleared": fmt.Sprint(cleared)},
	})
	b.logger.Info("event bus shut down", "subscriptions_cleared", cleared)
	return nil
}

// Closed reports whether Shutdown has been called.
func (b *Bus) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *Bus) audit(ctx context.Context, ev domain.SecurityEvent) {
	logSecurity(ctx, b.security, b.logger, b.now, ev)
}
