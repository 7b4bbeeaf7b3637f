package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"persona-hub/internal/domain"
)

const personaColumns = "id, name, description, personality, is_active, metadata, created_at, updated_at"

func (s *SQLiteStore) CreatePersona(ctx context.Context, p *domain.Persona) error {
	if p.ID == "" {
		return domain.NewDomainError("Store.CreatePersona", domain.ErrInvalidInput, "persona id is required")
	}
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal persona metadata: %w", err)
	}
	stamp(&p.CreatedAt, &p.UpdatedAt)
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO personas ("+personaColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING",
		p.ID, p.Name, p.Description, p.Personality, p.IsActive, string(meta),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return storeErr("Store.CreatePersona", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewDomainError("Store.CreatePersona", domain.ErrDuplicate, p.ID)
	}
	return nil
}

func (s *SQLiteStore) GetPersona(ctx context.Context, id string) (*domain.Persona, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+personaColumns+" FROM personas WHERE id = ?", id)
	p, err := scanPersona(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("Store.GetPersona", domain.ErrPersonaNotFound, id)
	}
	return p, storeErr("Store.GetPersona", err)
}

// UpdatePersona overwrites the mutable fields. The active flag is owned by
// SetActivePersona and is not changed here.
func (s *SQLiteStore) UpdatePersona(ctx context.Context, p *domain.Persona) error {
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal persona metadata: %w", err)
	}
	stamp(&p.CreatedAt, &p.UpdatedAt)
	res, err := s.db.ExecContext(ctx,
		"UPDATE personas SET name = ?, description = ?, personality = ?, metadata = ?, updated_at = ? WHERE id = ?",
		p.Name, p.Description, p.Personality, string(meta), formatTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return storeErr("Store.UpdatePersona", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewDomainError("Store.UpdatePersona", domain.ErrPersonaNotFound, p.ID)
	}
	return nil
}

// DeletePersona removes the persona and its memories.
func (s *SQLiteStore) DeletePersona(ctx context.Context, id string) error {
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM personas WHERE id = ?", id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.NewDomainError("Store.DeletePersona", domain.ErrPersonaNotFound, id)
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM memories WHERE persona_id = ?", id)
		return err
	})
	return storeErr("Store.DeletePersona", err)
}

func (s *SQLiteStore) ListPersonas(ctx context.Context) ([]domain.Persona, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+personaColumns+" FROM personas ORDER BY created_at, id")
	if err != nil {
		return nil, storeErr("Store.ListPersonas", err)
	}
	defer rows.Close()

	var personas []domain.Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, storeErr("Store.ListPersonas", err)
		}
		personas = append(personas, *p)
	}
	return personas, storeErr("Store.ListPersonas", rows.Err())
}

func (s *SQLiteStore) SetActivePersona(ctx context.Context, id string) (string, error) {
	var prev string
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM personas WHERE id = ?", id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return domain.NewDomainError("Store.SetActivePersona", domain.ErrPersonaNotFound, id)
		}
		err := tx.QueryRowContext(ctx, "SELECT id FROM personas WHERE is_active = 1 LIMIT 1").Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = tx.ExecContext(ctx, "UPDATE personas SET is_active = (id = ?)", id)
		return err
	})
	if err != nil {
		return "", storeErr("Store.SetActivePersona", err)
	}
	return prev, nil
}

func scanPersona(row scanner) (*domain.Persona, error) {
	var p domain.Persona
	var meta, created, updated string
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Personality, &p.IsActive, &meta, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &p.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal persona metadata: %w", err)
	}
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}
