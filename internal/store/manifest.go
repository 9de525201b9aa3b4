package store

import (
	"context"
	"fmt"

	"github.com/peagen/peagen/internal/domain"
)

// ManifestRepository owns the manifest table: content-addressed design/plan
// blobs upserted by hash on DOE submission.
type ManifestRepository interface {
	// Upsert inserts content keyed by its hash if absent, or leaves the
	// existing row unchanged if a row with the same hash already exists —
	// duplicate hashes reuse the row rather than erroring.
	Upsert(ctx context.Context, hash string, kind domain.ManifestKind, content []byte) error
	Get(ctx context.Context, hash string) (*domain.Manifest, error)
}

type manifestRepository struct{ s *Store }

// NewManifestRepository returns a ManifestRepository backed by s.
func NewManifestRepository(s *Store) ManifestRepository { return &manifestRepository{s: s} }

func (r *manifestRepository) Upsert(ctx context.Context, hash string, kind domain.ManifestKind, content []byte) error {
	_, err := r.s.Pool.Exec(ctx, `
		INSERT INTO manifest (hash, kind, content) VALUES ($1, $2, $3)
		ON CONFLICT (hash) DO NOTHING`, hash, kind, content)
	if err != nil {
		return fmt.Errorf("manifest: upsert: %w", err)
	}
	return nil
}

func (r *manifestRepository) Get(ctx context.Context, hash string) (*domain.Manifest, error) {
	var m domain.Manifest
	err := r.s.Pool.QueryRow(ctx,
		`SELECT hash, kind, content, created_at FROM manifest WHERE hash = $1`, hash,
	).Scan(&m.Hash, &m.Kind, &m.Content, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("manifest: get: %w", err)
	}
	return &m, nil
}
