package gateway

import (
	"context"
	"encoding/json"
	"time"

	"persona-hub/internal/domain"
	"persona-hub/internal/usecase/bridge"
	"persona-hub/internal/usecase/integration"
)

// Domain RPC method names. They are registered only when the server is given
// the domain adapters.
const (
	MethodPersonaCreate   = "persona.create"
	MethodPersonaUpdate   = "persona.update"
	MethodPersonaActivate = "persona.activate"
	MethodPersonaDelete   = "persona.delete"
	MethodMemoryAdd       = "memory.add"
	MethodMemoryUpdate    = "memory.update"
	MethodMemorySearch    = "memory.search"
	MethodPluginRequest   = "plugin.requestAccess"
	MethodPluginApprove   = "plugin.approveAccess"
	MethodPluginDeny      = "plugin.denyAccess"
	MethodPluginViolation = "plugin.reportViolation"
)

// DomainServices are the adapters exposed over RPC. Nil members are skipped.
type DomainServices struct {
	Personas *integration.PersonaEvents
	Memories *integration.MemoryEvents
	Plugins  *integration.PluginAccess
}

// DomainResponse is the envelope of every domain RPC. Result fields may be
// set on failure too, e.g. a token whose granted event failed to publish.
type DomainResponse struct {
	bridge.Status
	Result      *domain.PublishResult `json:"result,omitempty"`
	Memories    []domain.Memory       `json:"memories,omitempty"`
	AccessToken string                `json:"accessToken,omitempty"`
}

func domainReply(resp DomainResponse, err error) (json.RawMessage, error) {
	if err != nil {
		resp.Status = bridge.Status{Error: err.Error(), Code: domain.ErrorCodeOf(err)}
	} else {
		resp.Success = true
	}
	return reply(resp)
}

type PersonaUpdateRequest struct {
	ID          string            `json:"id"`
	Name        *string           `json:"name,omitempty"`
	Description *string           `json:"description,omitempty"`
	Personality *string           `json:"personality,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type PersonaIDRequest struct {
	ID string `json:"id"`
}

type MemoryUpdateRequest struct {
	ID         string             `json:"id"`
	Content    *string            `json:"content,omitempty"`
	Importance *float64           `json:"importance,omitempty"`
	Type       *domain.MemoryType `json:"type,omitempty"`
	Tags       []string           `json:"tags,omitempty"`
}

type MemorySearchRequest struct {
	PersonaID string            `json:"personaId"`
	Query     string            `json:"query"`
	Type      domain.MemoryType `json:"memoryType,omitempty"`
	Limit     int               `json:"limit,omitempty"`
}

type ApproveAccessRequest struct {
	integration.AccessRequest
	ExpirationMinutes int `json:"expirationMinutes,omitempty"`
}

type DenyAccessRequest struct {
	integration.AccessRequest
	DenyReason string `json:"denyReason,omitempty"`
}

// RegisterDomainHandlers exposes the persona, memory and plugin access
// adapters as RPC methods.
func (s *Server) RegisterDomainHandlers(d DomainServices) {
	rpc := func(method string, h RPCHandler) {
		s.RegisterHandler(method, s.requireRole(method, h))
	}
	// publish wraps a call returning a publish result.
	publish := func(fn func(ctx context.Context, payload json.RawMessage) (*domain.PublishResult, error)) RPCHandler {
		return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
			res, err := fn(ctx, payload)
			return domainReply(DomainResponse{Result: res}, err)
		}
	}

	if p := d.Personas; p != nil {
		rpc(MethodPersonaCreate, publish(func(ctx context.Context, payload json.RawMessage) (*domain.PublishResult, error) {
			var req domain.Persona
			if err := decode(payload, &req); err != nil {
				return nil, err
			}
			return p.CreatePersona(ctx, &req)
		}))
		rpc(MethodPersonaUpdate, publish(func(ctx context.Context, payload json.RawMessage) (*domain.PublishResult, error) {
			var req PersonaUpdateRequest
			if err := decode(payload, &req); err != nil {
				return nil, err
			}
			return p.UpdatePersona(ctx, req.ID, integration.PersonaUpdate{
				Name:        req.Name,
				Description: req.Description,
				Personality: req.Personality,
				Metadata:    req.Metadata,
			})
		}))
		rpc(MethodPersonaActivate, publish(func(ctx context.Context, payload json.RawMessage) (*domain.PublishResult, error) {
			var req PersonaIDRequest
			if err := decode(payload, &req); err != nil {
				return nil, err
			}
			return p.ActivatePersona(ctx, req.ID)
		}))
		rpc(MethodPersonaDelete, publish(func(ctx context.Context, payload json.RawMessage) (*domain.PublishResult, error) {
			var req PersonaIDRequest
			if err := decode(payload, &req); err != nil {
				return nil, err
			}
			return p.DeletePersona(ctx, req.ID)
		}))
	}

	if m := d.Memories; m != nil {
		rpc(MethodMemoryAdd, publish(func(ctx context.Context, payload json.RawMessage) (*domain.PublishResult, error) {
			var req domain.Memory
			if err := decode(payload, &req); err != nil {
				return nil, err
			}
			return m.AddMemory(ctx, &req)
		}))
		rpc(MethodMemoryUpdate, publish(func(ctx context.Context, payload json.RawMessage) (*domain.PublishResult, error) {
			var req MemoryUpdateRequest
			if err := decode(payload, &req); err != nil {
				return nil, err
			}
			return m.UpdateMemory(ctx, req.ID, integration.MemoryUpdate{
				Content:    req.Content,
				Importance: req.Importance,
				Type:       req.Type,
				Tags:       req.Tags,
			})
		}))
		rpc(MethodMemorySearch, func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
			var req MemorySearchRequest
			if err := decode(payload, &req); err != nil {
				return nil, err
			}
			found, err := m.SearchMemories(ctx, domain.MemoryQuery{
				PersonaID: req.PersonaID,
				Text:      req.Query,
				Type:      req.Type,
				Limit:     req.Limit,
			})
			return domainReply(DomainResponse{Memories: found}, err)
		})
	}

	if pa := d.Plugins; pa != nil {
		rpc(MethodPluginRequest, func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
			var req integration.AccessRequest
			if err := decode(payload, &req); err != nil {
				return nil, err
			}
			// Plugin clients may only ask on their own behalf.
			if !client.HasRole(RoleAdmin) && req.PluginID != client.Name {
				return nil, ErrForbidden
			}
			res, err := pa.RequestAccess(ctx, req)
			return domainReply(DomainResponse{Result: res}, err)
		})
		rpc(MethodPluginApprove, func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
			var req ApproveAccessRequest
			if err := decode(payload, &req); err != nil {
				return nil, err
			}
			if req.ExpirationMinutes < 0 {
				return domainReply(DomainResponse{}, domain.NewDomainError("Gateway.ApproveAccess", domain.ErrInvalidInput, "expirationMinutes must not be negative"))
			}
			token, err := pa.Approve(ctx, req.AccessRequest, time.Duration(req.ExpirationMinutes)*time.Minute)
			return domainReply(DomainResponse{AccessToken: token}, err)
		})
		rpc(MethodPluginDeny, publish(func(ctx context.Context, payload json.RawMessage) (*domain.PublishResult, error) {
			var req DenyAccessRequest
			if err := decode(payload, &req); err != nil {
				return nil, err
			}
			return pa.Deny(ctx, req.AccessRequest, req.DenyReason)
		}))
		rpc(MethodPluginViolation, publish(func(ctx context.Context, payload json.RawMessage) (*domain.PublishResult, error) {
			var req integration.Violation
			if err := decode(payload, &req); err != nil {
				return nil, err
			}
			return pa.ReportViolation(ctx, req)
		}))
	}
}
