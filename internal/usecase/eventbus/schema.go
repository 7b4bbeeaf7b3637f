package eventbus

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"persona-hub/internal/domain"
)

//go:embed schemas/*.json
var builtinSchemas embed.FS

const schemaBaseURL = "https://persona-hub.local/schemas/"

// EventDescriptor registers one event type: its payload schema and the
// permission a subscriber's grant must hold to receive it.
type EventDescriptor struct {
	Type        domain.EventType
	Description string
	// RequiredPermission is empty for event types that need no grant permission.
	RequiredPermission domain.Permission
	Schema             json.RawMessage
}

var builtinDescriptors = []EventDescriptor{
	{Type: domain.EventPersonaCreated, Description: "A persona was created.", RequiredPermission: domain.PermRead},
	{Type: domain.EventPersonaUpdated, Description: "A persona was modified; carries before/after state.", RequiredPermission: domain.PermWrite},
	{Type: domain.EventPersonaActivated, Description: "A persona became the active persona.", RequiredPermission: domain.PermRead},
	{Type: domain.EventPersonaDeleted, Description: "A persona was deleted.", RequiredPermission: domain.PermRead},
	{Type: domain.EventMemoryAdded, Description: "A memory was stored for a persona.", RequiredPermission: domain.PermMemoryRead},
	{Type: domain.EventMemoryUpdated, Description: "A memory was modified; carries before/after state.", RequiredPermission: domain.PermMemoryWrite},
	{Type: domain.EventMemorySearched, Description: "A persona's memories were searched.", RequiredPermission: domain.PermMemoryRead},
	{Type: domain.EventPluginAccessRequested, Description: "A plugin asked for access to a persona."},
	{Type: domain.EventPluginAccessGranted, Description: "A plugin was granted access to a persona."},
	{Type: domain.EventPluginAccessDenied, Description: "A plugin's access request was denied."},
	{Type: domain.EventPluginViolation, Description: "A plugin violated its access scope."},
}

type registryEntry struct {
	desc   EventDescriptor
	schema *jsonschema.Schema
}

// SchemaRegistry maps event types to compiled payload schemas and required
// permissions. It is safe for concurrent use.
type SchemaRegistry struct {
	mu      sync.RWMutex
	entries map[domain.EventType]*registryEntry
}

// NewSchemaRegistry returns a registry preloaded with the built-in event types.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	r := &SchemaRegistry{entries: make(map[domain.EventType]*registryEntry)}
	for _, d := range builtinDescriptors {
		raw, err := builtinSchemas.ReadFile("schemas/" + string(d.Type) + ".json")
		if err != nil {
			return nil, fmt.Errorf("read builtin schema %q: %w", d.Type, err)
		}
		d.Schema = raw
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a descriptor. Registering a type twice fails with ErrDuplicate.
func (r *SchemaRegistry) Register(desc EventDescriptor) error {
	const op = "SchemaRegistry.Register"
	if desc.Type == "" {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "event type is empty")
	}
	if desc.RequiredPermission != "" && !domain.IsValidPermission(string(desc.RequiredPermission)) {
		return domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf("unknown permission %q", desc.RequiredPermission))
	}
	if len(desc.Schema) == 0 {
		desc.Schema = json.RawMessage(`{"type":"object"}`)
	}

	compiled, err := compileSchema(desc.Type, desc.Schema)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrInvalidInput, err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[desc.Type]; ok {
		return domain.NewDomainError(op, domain.ErrDuplicate, string(desc.Type))
	}
	r.entries[desc.Type] = &registryEntry{desc: desc, schema: compiled}
	return nil
}

func compileSchema(t domain.EventType, raw []byte) (*jsonschema.Schema, error) {
	url := schemaBaseURL + string(t) + ".json"
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", t, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", t, err)
	}
	return compiled, nil
}

// Descriptor returns the descriptor registered for t.
func (r *SchemaRegistry) Descriptor(t domain.EventType) (EventDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[t]
	if !ok {
		return EventDescriptor{}, false
	}
	return e.desc, true
}

// RequiredPermission returns the permission needed to receive t. Unknown types
// report ok=false.
func (r *SchemaRegistry) RequiredPermission(t domain.EventType) (domain.Permission, bool) {
	d, ok := r.Descriptor(t)
	return d.RequiredPermission, ok
}

// Has reports whether t is registered.
func (r *SchemaRegistry) Has(t domain.EventType) bool {
	_, ok := r.Descriptor(t)
	return ok
}

// EventTypes lists every registered type in lexical order.
func (r *SchemaRegistry) EventTypes() []domain.EventType {
	r.mu.RLock()
	out := make([]domain.EventType, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks payload against t's schema and returns its canonical form:
// numbers keep their literal precision, object keys are sorted and
// insignificant whitespace is removed.
func (r *SchemaRegistry) Validate(t domain.EventType, payload []byte) (json.RawMessage, error) {
	const op = "SchemaRegistry.Validate"

	r.mu.RLock()
	e, ok := r.entries[t]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError(op, domain.ErrUnknownEventType, string(t))
	}

	doc, err := decodeStrict(payload)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrSchemaValidation, fmt.Sprintf("%s: %v", t, err))
	}
	if err := e.schema.Validate(doc); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrSchemaValidation, fmt.Sprintf("%s: %v", t, err))
	}

	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrSchemaValidation, err.Error())
	}
	return canonical, nil
}

// ValidateValue marshals v and validates it. Raw JSON (json.RawMessage, []byte
// or string) is validated as-is.
func (r *SchemaRegistry) ValidateValue(t domain.EventType, v any) (json.RawMessage, error) {
	raw, err := encodePayload(v)
	if err != nil {
		if !r.Has(t) {
			return nil, domain.NewDomainError("SchemaRegistry.Validate", domain.ErrUnknownEventType, string(t))
		}
		return nil, domain.NewDomainError("SchemaRegistry.Validate", domain.ErrSchemaValidation, err.Error())
	}
	return r.Validate(t, raw)
}

func encodePayload(v any) ([]byte, error) {
	switch p := v.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	case nil:
		return nil, fmt.Errorf("payload is empty")
	default:
		return json.Marshal(p)
	}
}

// decodeStrict decodes exactly one JSON value, keeping numbers as json.Number.
func decodeStrict(data []byte) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("invalid JSON: trailing data after payload")
	}
	return v, nil
}
