package domain

import (
	"context"
	"time"
)

// MemoryType classifies a memory entry.
type MemoryType string

const (
	MemoryEpisodic   MemoryType = "episodic"
	MemorySemantic   MemoryType = "semantic"
	MemoryProcedural MemoryType = "procedural"
	MemoryWorking    MemoryType = "working"
)

// Memory is a piece of knowledge owned by a persona.
type Memory struct {
	ID         string            `json:"id"`
	PersonaID  string            `json:"personaId"`
	Type       MemoryType        `json:"type"`
	Content    string            `json:"content"`
	Importance float64           `json:"importance"`
	Tags       []string          `json:"tags,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// MemoryQuery filters a memory search.
type MemoryQuery struct {
	PersonaID string
	Text      string
	Type      MemoryType // optional
	Limit     int
}

// MemoryStore persists memories.
type MemoryStore interface {
	AddMemory(ctx context.Context, m *Memory) error
	GetMemory(ctx context.Context, id string) (*Memory, error)
	UpdateMemory(ctx context.Context, m *Memory) error
	SearchMemories(ctx context.Context, q MemoryQuery) ([]Memory, error)
}
