package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/peagen/peagen/internal/domain"
)

// TenantRepository owns tenants and their pools. A pool must be created
// before a task can be submitted against it.
type TenantRepository interface {
	Create(ctx context.Context, slug string) (*domain.Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*domain.Tenant, error)
	EnsurePool(ctx context.Context, tenantID uuid.UUID, pool string) error
	PoolExists(ctx context.Context, tenantID uuid.UUID, pool string) (bool, error)
}

type tenantRepository struct{ s *Store }

// NewTenantRepository returns a TenantRepository backed by s.
func NewTenantRepository(s *Store) TenantRepository { return &tenantRepository{s: s} }

func (r *tenantRepository) Create(ctx context.Context, slug string) (*domain.Tenant, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("tenants: generate id: %w", err)
	}
	t := &domain.Tenant{ID: id, Slug: slug}
	_, err = r.s.Pool.Exec(ctx, `INSERT INTO tenants (id, slug) VALUES ($1, $2)`, t.ID, t.Slug)
	if err != nil {
		return nil, fmt.Errorf("tenants: create: %w", err)
	}
	return t, nil
}

func (r *tenantRepository) GetBySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	var t domain.Tenant
	err := r.s.Pool.QueryRow(ctx,
		`SELECT id, slug, created_at FROM tenants WHERE slug = $1`, slug,
	).Scan(&t.ID, &t.Slug, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tenants: get by slug: %w", err)
	}
	return &t, nil
}

func (r *tenantRepository) EnsurePool(ctx context.Context, tenantID uuid.UUID, pool string) error {
	_, err := r.s.Pool.Exec(ctx, `
		INSERT INTO pools (name, tenant_id) VALUES ($1, $2)
		ON CONFLICT (tenant_id, name) DO NOTHING`, pool, tenantID)
	if err != nil {
		return fmt.Errorf("tenants: ensure pool: %w", err)
	}
	return nil
}

func (r *tenantRepository) PoolExists(ctx context.Context, tenantID uuid.UUID, pool string) (bool, error) {
	var exists bool
	err := r.s.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM pools WHERE tenant_id = $1 AND name = $2)`, tenantID, pool,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("tenants: pool exists: %w", err)
	}
	return exists, nil
}
