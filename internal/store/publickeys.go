package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/peagen/peagen/internal/domain"
)

// PublicKeyRepository owns principal public keys used for signature
// verification and as secret-envelope recipients.
type PublicKeyRepository interface {
	Upload(ctx context.Context, k *domain.PublicKey) error
	Get(ctx context.Context, fingerprint string) (*domain.PublicKey, error)
	ListByFingerprints(ctx context.Context, fingerprints []string) ([]domain.PublicKey, error)
	ListAll(ctx context.Context) ([]domain.PublicKey, error)
}

type publicKeyRepository struct{ s *Store }

// NewPublicKeyRepository returns a PublicKeyRepository backed by s.
func NewPublicKeyRepository(s *Store) PublicKeyRepository { return &publicKeyRepository{s: s} }

func (r *publicKeyRepository) Upload(ctx context.Context, k *domain.PublicKey) error {
	_, err := r.s.Pool.Exec(ctx, `
		INSERT INTO public_keys (fingerprint, tenant_id, role, armored) VALUES ($1,$2,$3,$4)
		ON CONFLICT (fingerprint) DO UPDATE SET armored = EXCLUDED.armored, role = EXCLUDED.role`,
		k.Fingerprint, k.TenantID, k.Role, k.Armored,
	)
	if err != nil {
		return fmt.Errorf("publickeys: upload: %w", err)
	}
	return nil
}

func (r *publicKeyRepository) Get(ctx context.Context, fingerprint string) (*domain.PublicKey, error) {
	var k domain.PublicKey
	err := r.s.Pool.QueryRow(ctx,
		`SELECT fingerprint, tenant_id, role, armored, created_at FROM public_keys WHERE fingerprint = $1`,
		fingerprint,
	).Scan(&k.Fingerprint, &k.TenantID, &k.Role, &k.Armored, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("publickeys: get: %w", err)
	}
	return &k, nil
}

func (r *publicKeyRepository) ListByFingerprints(ctx context.Context, fingerprints []string) ([]domain.PublicKey, error) {
	rows, err := r.s.Pool.Query(ctx,
		`SELECT fingerprint, tenant_id, role, armored, created_at FROM public_keys WHERE fingerprint = ANY($1)`,
		fingerprints,
	)
	if err != nil {
		return nil, fmt.Errorf("publickeys: list: %w", err)
	}
	defer rows.Close()

	var out []domain.PublicKey
	for rows.Next() {
		var k domain.PublicKey
		if err := rows.Scan(&k.Fingerprint, &k.TenantID, &k.Role, &k.Armored, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("publickeys: scan: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ListAll returns every stored public key, used to re-hydrate the
// Verifier's trust set on gateway startup.
func (r *publicKeyRepository) ListAll(ctx context.Context) ([]domain.PublicKey, error) {
	rows, err := r.s.Pool.Query(ctx,
		`SELECT fingerprint, tenant_id, role, armored, created_at FROM public_keys`,
	)
	if err != nil {
		return nil, fmt.Errorf("publickeys: list all: %w", err)
	}
	defer rows.Close()

	var out []domain.PublicKey
	for rows.Next() {
		var k domain.PublicKey
		if err := rows.Scan(&k.Fingerprint, &k.TenantID, &k.Role, &k.Armored, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("publickeys: scan: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
