package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProviderStore is the CRUD surface for configured AI providers.
type ProviderStore struct {
	pool *pgxpool.Pool
}

func NewProviderStore(pool *pgxpool.Pool) *ProviderStore {
	return &ProviderStore{pool: pool}
}

func (s *ProviderStore) GetByName(ctx context.Context, name string) (*AIProvider, error) {
	var p AIProvider
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, kind, base_url, model, rate_limit_seconds, enabled, created_at, updated_at
		 FROM ai_providers WHERE name = $1`, name,
	).Scan(&p.ID, &p.Name, &p.Kind, &p.BaseURL, &p.Model, &p.RateLimitSecs, &p.Enabled, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get provider %q: %w", name, err)
	}
	return &p, nil
}

// ListEnabled returns all providers with enabled = true, used by
// cmd/kgworker to build the provider registry.
func (s *ProviderStore) ListEnabled(ctx context.Context) ([]*AIProvider, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, kind, base_url, model, rate_limit_seconds, enabled, created_at, updated_at
		 FROM ai_providers WHERE enabled = true ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list enabled providers: %w", err)
	}
	defer rows.Close()

	var out []*AIProvider
	for rows.Next() {
		var p AIProvider
		if err := rows.Scan(&p.ID, &p.Name, &p.Kind, &p.BaseURL, &p.Model, &p.RateLimitSecs, &p.Enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan provider: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// RateLimitSeconds returns the configured rate-limit interval for
// name, or fallback if the provider row is missing (spec.md §4.4:
// get_provider_rate_limit falls back to a default when unconfigured).
func (s *ProviderStore) RateLimitSeconds(ctx context.Context, name string, fallback int) (int, error) {
	p, err := s.GetByName(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return fallback, err
	}
	return p.RateLimitSecs, nil
}
