package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/peagen/peagen/internal/domain"
)

// SecretRepository persists already-encrypted secret envelopes. It never
// sees plaintext — encryption and per-recipient key wrapping happen in
// internal/secret before a Secret reaches Add.
type SecretRepository interface {
	Add(ctx context.Context, s *domain.Secret) error
	Get(ctx context.Context, tenantID uuid.UUID, pool, name string) (*domain.Secret, error)
	Remove(ctx context.Context, tenantID uuid.UUID, pool, name string) error
}

type secretRepository struct{ s *Store }

// NewSecretRepository returns a SecretRepository backed by s.
func NewSecretRepository(s *Store) SecretRepository { return &secretRepository{s: s} }

func (r *secretRepository) Add(ctx context.Context, sec *domain.Secret) error {
	wrapped, err := json.Marshal(sec.WrappedKeys)
	if err != nil {
		return fmt.Errorf("secrets: marshal wrapped keys: %w", err)
	}
	_, err = r.s.Pool.Exec(ctx, `
		INSERT INTO secrets (name, tenant_id, pool, ciphertext_aead, wrapped_keys, recipients)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (tenant_id, pool, name) DO UPDATE SET
			ciphertext_aead = EXCLUDED.ciphertext_aead,
			wrapped_keys = EXCLUDED.wrapped_keys,
			recipients = EXCLUDED.recipients`,
		sec.Name, sec.TenantID, sec.Pool, sec.CiphertextAEAD, wrapped, sec.Recipients,
	)
	if err != nil {
		return fmt.Errorf("secrets: add: %w", err)
	}
	return nil
}

func (r *secretRepository) Get(ctx context.Context, tenantID uuid.UUID, pool, name string) (*domain.Secret, error) {
	var sec domain.Secret
	var wrapped []byte
	err := r.s.Pool.QueryRow(ctx, `
		SELECT name, tenant_id, pool, ciphertext_aead, wrapped_keys, recipients, created_at
		FROM secrets WHERE tenant_id = $1 AND pool = $2 AND name = $3`,
		tenantID, pool, name,
	).Scan(&sec.Name, &sec.TenantID, &sec.Pool, &sec.CiphertextAEAD, &wrapped, &sec.Recipients, &sec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: get: %w", err)
	}
	if err := json.Unmarshal(wrapped, &sec.WrappedKeys); err != nil {
		return nil, fmt.Errorf("secrets: unmarshal wrapped keys: %w", err)
	}
	return &sec, nil
}

func (r *secretRepository) Remove(ctx context.Context, tenantID uuid.UUID, pool, name string) error {
	tag, err := r.s.Pool.Exec(ctx,
		`DELETE FROM secrets WHERE tenant_id = $1 AND pool = $2 AND name = $3`,
		tenantID, pool, name,
	)
	if err != nil {
		return fmt.Errorf("secrets: remove: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
