package domain

import (
	"context"
	"time"
)

// Persona is an AI persona whose events plugins may observe.
type Persona struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Personality string            `json:"personality,omitempty"`
	IsActive    bool              `json:"isActive"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// PersonaStore persists personas.
type PersonaStore interface {
	CreatePersona(ctx context.Context, p *Persona) error
	GetPersona(ctx context.Context, id string) (*Persona, error)
	UpdatePersona(ctx context.Context, p *Persona) error
	DeletePersona(ctx context.Context, id string) error
	ListPersonas(ctx context.Context) ([]Persona, error)
	// SetActivePersona marks id active and every other persona inactive.
	// It returns the id of the previously active persona, if any.
	SetActivePersona(ctx context.Context, id string) (string, error)
}
