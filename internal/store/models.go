package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ModelCapabilities describes what a model can do.
type ModelCapabilities struct {
	Vision          bool `json:"vision"`
	Tools           bool `json:"tools"`
	Streaming       bool `json:"streaming"`
	JSONMode        bool `json:"json_mode"`
	FunctionCalling bool `json:"function_calling"`
	Reasoning       bool `json:"reasoning"`
}

// ModelPricing is optional per-token pricing info.
type ModelPricing struct {
	InputPerMTok  float64 `json:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok"`
	Currency      string  `json:"currency,omitempty"`
}

// ModelLimits is optional context/output limits.
type ModelLimits struct {
	ContextTokens   int `json:"context_tokens,omitempty"`
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`
}

// Model is one row in the model registry.
type Model struct {
	ID           string            `json:"id"`
	ProviderID   string            `json:"provider_id"`
	DisplayName  string            `json:"display_name"`
	Family       string            `json:"family,omitempty"`
	Tier         string            `json:"tier,omitempty"` // mini, pro, max
	Capabilities ModelCapabilities `json:"capabilities"`
	Pricing      *ModelPricing     `json:"pricing,omitempty"`
	Limits       *ModelLimits      `json:"limits,omitempty"`
	Status       string            `json:"status"` // active, deprecated
	Source       string            `json:"source"` // embedded, api, local
	CreatedAt    time.Time         `json:"created_at"`
}

// sourcePrecedence orders registry sources for dedupe: when two sources offer
// the same model id, the lower value wins deterministically.
var sourcePrecedence = map[string]int{
	"embedded": 0,
	"api":      1,
	"local":    2,
}

// ReseedModels replaces the registry contents in one transaction. Models are
// deduplicated by id: for a given id only the row from the highest-precedence
// source survives, and at most one row per id stays active.
func (s *Store) ReseedModels(ctx context.Context, models []Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	winners := make(map[string]Model, len(models))
	for _, m := range models {
		if m.Status == "" {
			m.Status = "active"
		}
		if m.Source == "" {
			m.Source = "embedded"
		}
		prev, seen := winners[m.ID]
		if !seen || sourcePrecedence[m.Source] < sourcePrecedence[prev.Source] {
			winners[m.ID] = m
		}
	}

	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reseed tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM models;`); err != nil {
			return fmt.Errorf("clear models: %w", err)
		}
		for _, m := range winners {
			caps, err := json.Marshal(m.Capabilities)
			if err != nil {
				return fmt.Errorf("encode capabilities: %w", err)
			}
			pricing, err := marshalOptional(m.Pricing)
			if err != nil {
				return fmt.Errorf("encode pricing: %w", err)
			}
			limits, err := marshalOptional(m.Limits)
			if err != nil {
				return fmt.Errorf("encode limits: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO models (id, provider_id, display_name, family, tier, capabilities, pricing, limits, status, source)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, m.ID, m.ProviderID, m.DisplayName, nullable(m.Family), nullable(m.Tier),
				string(caps), pricing, limits, m.Status, m.Source); err != nil {
				return fmt.Errorf("insert model %s: %w", m.ID, err)
			}
		}
		return tx.Commit()
	})
}

// GetModel loads one registry row by model id.
func (s *Store) GetModel(ctx context.Context, id string) (Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider_id, display_name, COALESCE(family, ''), COALESCE(tier, ''), capabilities, pricing, limits, status, source, created_at
		FROM models WHERE id = ? LIMIT 1;
	`, id)
	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Model{}, fmt.Errorf("model %q not found", id)
	}
	return m, err
}

// ListModels returns all active models ordered by provider then id.
func (s *Store) ListModels(ctx context.Context) ([]Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_id, display_name, COALESCE(family, ''), COALESCE(tier, ''), capabilities, pricing, limits, status, source, created_at
		FROM models WHERE status = 'active'
		ORDER BY provider_id, id;
	`)
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}
	defer rows.Close()

	var out []Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(row rowScanner) (Model, error) {
	var m Model
	var caps string
	var pricing, limits sql.NullString
	if err := row.Scan(&m.ID, &m.ProviderID, &m.DisplayName, &m.Family, &m.Tier, &caps, &pricing, &limits, &m.Status, &m.Source, &m.CreatedAt); err != nil {
		return Model{}, err
	}
	if err := json.Unmarshal([]byte(caps), &m.Capabilities); err != nil {
		return Model{}, fmt.Errorf("decode capabilities: %w", err)
	}
	if pricing.Valid && pricing.String != "" {
		m.Pricing = &ModelPricing{}
		if err := json.Unmarshal([]byte(pricing.String), m.Pricing); err != nil {
			return Model{}, fmt.Errorf("decode pricing: %w", err)
		}
	}
	if limits.Valid && limits.String != "" {
		m.Limits = &ModelLimits{}
		if err := json.Unmarshal([]byte(limits.String), m.Limits); err != nil {
			return Model{}, fmt.Errorf("decode limits: %w", err)
		}
	}
	return m, nil
}

func marshalOptional(v any) (any, error) {
	switch val := v.(type) {
	case *ModelPricing:
		if val == nil {
			return nil, nil
		}
	case *ModelLimits:
		if val == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
