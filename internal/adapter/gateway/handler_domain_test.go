package gateway

import (
	"encoding/json"
	"testing"

	"persona-hub/internal/adapter/store"
	"persona-hub/internal/domain"
	"persona-hub/internal/infra/logger"
	"persona-hub/internal/usecase/integration"
)

func startDomainServer(t *testing.T) *testEnv {
	t.Helper()
	env := startTestServer(t, Options{})
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	env.srv.RegisterDomainHandlers(DomainServices{
		Personas: integration.NewPersonaEvents(env.bus, st, logger.Discard()),
		Memories: integration.NewMemoryEvents(env.bus, st, logger.Discard()),
		Plugins:  integration.NewPluginAccess(env.bus, env.bus.Access(), logger.Discard()),
	})
	return env
}

func decodeDomain(t *testing.T, f Frame) DomainResponse {
	t.Helper()
	var resp DomainResponse
	if err := json.Unmarshal(f.Payload, &resp); err != nil {
		t.Fatalf("decode %s: %v", f.Payload, err)
	}
	return resp
}

func TestDomainPersonaLifecycleNotifiesPlugin(t *testing.T) {
	env := startDomainServer(t)
	admin := dialWS(t, env.srv.BoundAddr(), "admin-token")
	plugin := dialWS(t, env.srv.BoundAddr(), "plugin-token")

	grant := call(t, admin, 1, MethodGrantPluginAccess, map[string]any{
		"pluginId": "notes", "personaId": "p1", "permissions": []string{"read"},
	})
	var granted struct {
		AccessToken string `json:"accessToken"`
	}
	json.Unmarshal(grant.Payload, &granted)

	sub := call(t, plugin, 1, MethodSubscribe, map[string]any{
		"eventType": domain.EventPersonaCreated, "pluginId": "notes", "accessToken": granted.AccessToken,
	})
	if sub.Error != "" {
		t.Fatalf("subscribe: %s", sub.Error)
	}

	created := call(t, admin, 2, MethodPersonaCreate, map[string]any{"id": "p1", "name": "Ada"})
	resp := decodeDomain(t, created)
	if !resp.Success || resp.Result == nil || resp.Result.Delivered != 1 {
		t.Fatalf("persona.create = %+v (error %q)", resp, created.Error)
	}

	n := readEvent(t, plugin)
	if n.EventType != domain.EventPersonaCreated {
		t.Fatalf("event type = %s", n.EventType)
	}

	upd := call(t, admin, 3, MethodPersonaUpdate, map[string]any{"id": "p1", "description": "mathematician"})
	if r := decodeDomain(t, upd); !r.Success || r.Result == nil {
		t.Fatalf("persona.update = %+v", r)
	}

	act := call(t, admin, 4, MethodPersonaActivate, map[string]any{"id": "p1"})
	if r := decodeDomain(t, act); !r.Success {
		t.Fatalf("persona.activate = %+v", r)
	}

	del := call(t, admin, 5, MethodPersonaDelete, map[string]any{"id": "p1"})
	if r := decodeDomain(t, del); !r.Success {
		t.Fatalf("persona.delete = %+v", r)
	}

	missing := call(t, admin, 6, MethodPersonaDelete, map[string]any{"id": "p1"})
	if r := decodeDomain(t, missing); r.Success || missing.Error == "" {
		t.Fatalf("deleting twice should fail, got %+v", r)
	}
}

func TestDomainMemoryRPCs(t *testing.T) {
	env := startDomainServer(t)
	admin := dialWS(t, env.srv.BoundAddr(), "admin-token")
	plugin := dialWS(t, env.srv.BoundAddr(), "plugin-token")

	call(t, admin, 1, MethodPersonaCreate, map[string]any{"id": "p1", "name": "Ada"})

	bad := call(t, admin, 2, MethodMemoryAdd, map[string]any{"personaId": "p1"})
	if r := decodeDomain(t, bad); r.Success || r.Code != domain.CodeInvalidInput {
		t.Fatalf("memory.add without content = %+v", r)
	}

	add := call(t, admin, 3, MethodMemoryAdd, map[string]any{"id": "m1", "personaId": "p1", "content": "likes engines", "importance": 0.7})
	if r := decodeDomain(t, add); !r.Success {
		t.Fatalf("memory.add = %+v (%s)", r, add.Error)
	}

	upd := call(t, admin, 4, MethodMemoryUpdate, map[string]any{"id": "m1", "tags": []string{"hobby"}})
	if r := decodeDomain(t, upd); !r.Success || r.Result == nil {
		t.Fatalf("memory.update = %+v", r)
	}

	search := call(t, plugin, 1, MethodMemorySearch, map[string]any{"personaId": "p1", "query": "engine"})
	r := decodeDomain(t, search)
	if !r.Success || len(r.Memories) != 1 || r.Memories[0].ID != "m1" {
		t.Fatalf("memory.search = %+v", r)
	}

	forbidden := call(t, plugin, 2, MethodMemoryAdd, map[string]any{"personaId": "p1", "content": "x"})
	if forbidden.Error != ErrForbidden.Error() {
		t.Fatalf("plugin memory.add error = %q", forbidden.Error)
	}
}

func TestDomainPluginAccessWorkflow(t *testing.T) {
	env := startDomainServer(t)
	admin := dialWS(t, env.srv.BoundAddr(), "admin-token")
	plugin := dialWS(t, env.srv.BoundAddr(), "plugin-token")

	other := call(t, plugin, 1, MethodPluginRequest, map[string]any{
		"pluginId": "someone-else", "personaId": "p1", "permissions": []string{"read"},
	})
	if other.Error != ErrForbidden.Error() {
		t.Fatalf("request for another plugin: error = %q", other.Error)
	}

	req := map[string]any{"pluginId": "notes-plugin", "personaId": "p1", "permissions": []string{"read"}}
	own := call(t, plugin, 2, MethodPluginRequest, req)
	if r := decodeDomain(t, own); !r.Success {
		t.Fatalf("own request = %+v (%s)", r, own.Error)
	}

	approve := call(t, admin, 1, MethodPluginApprove, map[string]any{
		"pluginId": "notes-plugin", "personaId": "p1", "permissions": []string{"read"}, "expirationMinutes": 5,
	})
	r := decodeDomain(t, approve)
	if !r.Success || r.AccessToken == "" {
		t.Fatalf("approve = %+v (%s)", r, approve.Error)
	}
	if grants := env.bus.Access().Grants("notes-plugin"); len(grants) != 1 {
		t.Fatalf("grants = %d, want 1", len(grants))
	}

	negative := call(t, admin, 2, MethodPluginApprove, map[string]any{
		"pluginId": "notes-plugin", "personaId": "p1", "permissions": []string{"read"}, "expirationMinutes": -1,
	})
	if r := decodeDomain(t, negative); r.Success || r.Code != domain.CodeInvalidInput {
		t.Fatalf("negative expiry = %+v", r)
	}

	deny := call(t, admin, 3, MethodPluginDeny, map[string]any{"pluginId": "notes-plugin", "personaId": "p2", "denyReason": "not needed"})
	if r := decodeDomain(t, deny); !r.Success {
		t.Fatalf("deny = %+v (%s)", r, deny.Error)
	}

	violation := call(t, admin, 4, MethodPluginViolation, map[string]any{
		"pluginId": "notes-plugin", "violation": "scraped memories", "severity": "critical",
	})
	if r := decodeDomain(t, violation); !r.Success {
		t.Fatalf("violation = %+v (%s)", r, violation.Error)
	}
	if grants := env.bus.Access().Grants("notes-plugin"); len(grants) != 0 {
		t.Fatalf("critical violation left %d grants", len(grants))
	}
}
