package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"

	"persona-hub/internal/domain"
	"persona-hub/internal/usecase/bridge"
)

// ErrForbidden is returned when a client's roles do not allow a method.
var ErrForbidden = errors.New("forbidden")

// methodRoles lists which roles may call each method.
var methodRoles = map[string][]string{
	MethodSubscribe:             {RoleAdmin, RolePlugin, RoleViewer},
	MethodUnsubscribe:           {RoleAdmin, RolePlugin, RoleViewer},
	MethodPublish:               {RoleAdmin, RolePlugin},
	MethodGrantPluginAccess:     {RoleAdmin},
	MethodRevokePluginAccess:    {RoleAdmin},
	MethodGetPerformanceMetrics: {RoleAdmin, RolePlugin, RoleViewer},
	MethodGetSubscriptionStats:  {RoleAdmin, RolePlugin, RoleViewer},
	MethodGetEventTypes:         {RoleAdmin, RolePlugin, RoleViewer},
	MethodValidatePayload:       {RoleAdmin, RolePlugin, RoleViewer},

	MethodPersonaCreate:   {RoleAdmin},
	MethodPersonaUpdate:   {RoleAdmin},
	MethodPersonaActivate: {RoleAdmin},
	MethodPersonaDelete:   {RoleAdmin},
	MethodMemoryAdd:       {RoleAdmin},
	MethodMemoryUpdate:    {RoleAdmin},
	MethodMemorySearch:    {RoleAdmin, RolePlugin},
	MethodPluginRequest:   {RoleAdmin, RolePlugin},
	MethodPluginApprove:   {RoleAdmin},
	MethodPluginDeny:      {RoleAdmin},
	MethodPluginViolation: {RoleAdmin},
}

// requireRole wraps an RPCHandler with role enforcement. Denials are written
// to the security log.
func (s *Server) requireRole(method string, handler RPCHandler) RPCHandler {
	allowed := methodRoles[method]
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		if !client.HasRole(allowed...) {
			s.audit(ctx, domain.SecurityEvent{
				Type:        domain.SecAccessViolation,
				Severity:    domain.SeverityMedium,
				Description: "gateway method forbidden",
				Details: map[string]string{
					"client": client.Name,
					"roles":  strings.Join(client.Roles, ","),
					"method": method,
				},
			})
			return nil, ErrForbidden
		}
		return handler(ctx, client, payload)
	}
}

func registerEventHandlers(s *Server) {
	rpc := func(method string, h RPCHandler) {
		s.RegisterHandler(method, s.requireRole(method, h))
	}
	b := s.bridge

	rpc(MethodSubscribe, func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req bridge.SubscribeRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return reply(b.Subscribe(ctx, client.SinkID, req))
	})

	rpc(MethodPublish, func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req bridge.PublishRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.TriggeredBy == "" {
			req.TriggeredBy = client.Name
		}
		return reply(b.Publish(ctx, req))
	})

	rpc(MethodUnsubscribe, func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req bridge.UnsubscribeRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		// Non-admin clients may only drop subscriptions made on their own connection.
		if !client.HasRole(RoleAdmin) && !slices.Contains(b.SinkSubscriptions(client.SinkID), req.SubscriptionID) {
			return reply(bridge.UnsubscribeResponse{Status: bridge.Status{
				Error: domain.NewDomainError("Gateway.Unsubscribe", domain.ErrNotFound, req.SubscriptionID).Error(),
				Code:  domain.CodeNotFound,
			}})
		}
		return reply(b.Unsubscribe(ctx, req))
	})

	rpc(MethodGrantPluginAccess, func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req bridge.GrantAccessRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return reply(b.GrantAccess(ctx, req))
	})

	rpc(MethodRevokePluginAccess, func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req bridge.RevokeAccessRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return reply(b.RevokeAccess(ctx, req))
	})

	rpc(MethodGetPerformanceMetrics, func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req bridge.PerformanceMetricsRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return reply(b.PerformanceMetrics(ctx, req))
	})

	rpc(MethodGetSubscriptionStats, func(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return reply(b.SubscriptionStats(ctx))
	})

	rpc(MethodGetEventTypes, func(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return reply(b.EventTypes(ctx))
	})

	rpc(MethodValidatePayload, func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req bridge.ValidatePayloadRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return reply(b.ValidatePayload(ctx, req))
	})
}

// decode unmarshals an RPC payload. An absent payload decodes to the zero request.
func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return domain.ErrRPCInvalidPayload
	}
	return nil
}

// reply marshals a bridge response. A failed response is also surfaced as
// the frame error so clients can branch on either.
func reply(resp interface{ Err() error }) (json.RawMessage, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return data, resp.Err()
}
