package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"persona-hub/internal/domain"
)

const memoryColumns = "id, persona_id, type, content, importance, tags, metadata, created_at, updated_at"

func (s *SQLiteStore) AddMemory(ctx context.Context, m *domain.Memory) error {
	if m.ID == "" || m.PersonaID == "" {
		return domain.NewDomainError("Store.AddMemory", domain.ErrInvalidInput, "memory id and persona id are required")
	}
	tags, meta, err := encodeMemory(m)
	if err != nil {
		return err
	}
	stamp(&m.CreatedAt, &m.UpdatedAt)
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO memories ("+memoryColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING",
		m.ID, m.PersonaID, string(m.Type), m.Content, m.Importance, tags, meta,
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	if err != nil {
		return storeErr("Store.AddMemory", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewDomainError("Store.AddMemory", domain.ErrDuplicate, m.ID)
	}
	return nil
}

func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (*domain.Memory, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+memoryColumns+" FROM memories WHERE id = ?", id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("Store.GetMemory", domain.ErrMemoryNotFound, id)
	}
	return m, storeErr("Store.GetMemory", err)
}

// UpdateMemory overwrites everything but the owner and creation time.
func (s *SQLiteStore) UpdateMemory(ctx context.Context, m *domain.Memory) error {
	tags, meta, err := encodeMemory(m)
	if err != nil {
		return err
	}
	stamp(&m.CreatedAt, &m.UpdatedAt)
	res, err := s.db.ExecContext(ctx,
		"UPDATE memories SET type = ?, content = ?, importance = ?, tags = ?, metadata = ?, updated_at = ? WHERE id = ?",
		string(m.Type), m.Content, m.Importance, tags, meta, formatTime(m.UpdatedAt), m.ID,
	)
	if err != nil {
		return storeErr("Store.UpdateMemory", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewDomainError("Store.UpdateMemory", domain.ErrMemoryNotFound, m.ID)
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchMemories matches q.Text case-insensitively against content and tags.
// Results are ordered by importance, then recency.
func (s *SQLiteStore) SearchMemories(ctx context.Context, q domain.MemoryQuery) ([]domain.Memory, error) {
	var (
		where []string
		args  []any
	)
	if q.PersonaID != "" {
		where = append(where, "persona_id = ?")
		args = append(args, q.PersonaID)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(q.Type))
	}
	if text := strings.TrimSpace(q.Text); text != "" {
		pattern := "%" + likeEscaper.Replace(text) + "%"
		where = append(where, `(content LIKE ? ESCAPE '\' OR tags LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}

	query := "SELECT " + memoryColumns + " FROM memories"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY importance DESC, created_at DESC, id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("Store.SearchMemories", err)
	}
	defer rows.Close()

	var out []domain.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, storeErr("Store.SearchMemories", err)
		}
		out = append(out, *m)
	}
	return out, storeErr("Store.SearchMemories", rows.Err())
}

func encodeMemory(m *domain.Memory) (string, string, error) {
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	tagJSON, err := json.Marshal(tags)
	if err != nil {
		return "", "", fmt.Errorf("marshal memory tags: %w", err)
	}
	metaJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return "", "", fmt.Errorf("marshal memory metadata: %w", err)
	}
	return string(tagJSON), string(metaJSON), nil
}

func scanMemory(row scanner) (*domain.Memory, error) {
	var m domain.Memory
	var typ, tags, meta, created, updated string
	if err := row.Scan(&m.ID, &m.PersonaID, &typ, &m.Content, &m.Importance, &tags, &meta, &created, &updated); err != nil {
		return nil, err
	}
	m.Type = domain.MemoryType(typ)
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal memory tags: %w", err)
	}
	if len(m.Tags) == 0 {
		m.Tags = nil
	}
	if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal memory metadata: %w", err)
	}
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updated)
	return &m, nil
}
