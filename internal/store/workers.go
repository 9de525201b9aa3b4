package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/peagen/peagen/internal/domain"
)

// WorkerRepository is the persisted mirror of worker registration and
// liveness state. The in-memory internal/registry.Registry is the
// authoritative source for dispatch decisions (it alone tracks the live
// JSON-RPC endpoint reachability within a process); this repository keeps
// a durable record for the REST/RPC read surface and survives gateway
// restarts.
type WorkerRepository interface {
	Register(ctx context.Context, w *domain.Worker) error
	UpdateHeartbeat(ctx context.Context, workerID uuid.UUID, status domain.WorkerStatus, seenAt time.Time) error
	UpdateStatus(ctx context.Context, workerID uuid.UUID, status domain.WorkerStatus) error
	Get(ctx context.Context, workerID uuid.UUID) (*domain.Worker, error)
	ListByPool(ctx context.Context, pool string) ([]domain.Worker, error)
	ListStaleSince(ctx context.Context, cutoff time.Time) ([]domain.Worker, error)
}

type workerRepository struct{ s *Store }

// NewWorkerRepository returns a WorkerRepository backed by s.
func NewWorkerRepository(s *Store) WorkerRepository { return &workerRepository{s: s} }

func (r *workerRepository) Register(ctx context.Context, w *domain.Worker) error {
	if w.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("workers: generate id: %w", err)
		}
		w.ID = id
	}
	now := time.Now().UTC()
	w.CreatedAt, w.LastSeenAt = now, now
	if w.Status == "" {
		w.Status = domain.WorkerIdle
	}

	_, err := r.s.Pool.Exec(ctx, `
		INSERT INTO workers (id, pool, endpoint, capabilities, public_key_fingerprint, status, last_seen_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET endpoint = EXCLUDED.endpoint,
			capabilities = EXCLUDED.capabilities, status = EXCLUDED.status,
			last_seen_at = EXCLUDED.last_seen_at`,
		w.ID, w.Pool, w.Endpoint, w.Capabilities, w.PublicKeyFP, w.Status, w.LastSeenAt, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("workers: register: %w", err)
	}
	return nil
}

func (r *workerRepository) UpdateHeartbeat(ctx context.Context, workerID uuid.UUID, status domain.WorkerStatus, seenAt time.Time) error {
	_, err := r.s.Pool.Exec(ctx,
		`UPDATE workers SET status = $2, last_seen_at = $3 WHERE id = $1`,
		workerID, status, seenAt,
	)
	if err != nil {
		return fmt.Errorf("workers: heartbeat: %w", err)
	}
	return nil
}

func (r *workerRepository) UpdateStatus(ctx context.Context, workerID uuid.UUID, status domain.WorkerStatus) error {
	_, err := r.s.Pool.Exec(ctx, `UPDATE workers SET status = $2 WHERE id = $1`, workerID, status)
	if err != nil {
		return fmt.Errorf("workers: update status: %w", err)
	}
	return nil
}

func (r *workerRepository) Get(ctx context.Context, workerID uuid.UUID) (*domain.Worker, error) {
	var w domain.Worker
	err := r.s.Pool.QueryRow(ctx, `
		SELECT id, pool, endpoint, capabilities, public_key_fingerprint, status, last_seen_at, created_at
		FROM workers WHERE id = $1`, workerID,
	).Scan(&w.ID, &w.Pool, &w.Endpoint, &w.Capabilities, &w.PublicKeyFP, &w.Status, &w.LastSeenAt, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("workers: get: %w", err)
	}
	return &w, nil
}

func (r *workerRepository) ListByPool(ctx context.Context, pool string) ([]domain.Worker, error) {
	rows, err := r.s.Pool.Query(ctx, `
		SELECT id, pool, endpoint, capabilities, public_key_fingerprint, status, last_seen_at, created_at
		FROM workers WHERE pool = $1`, pool)
	if err != nil {
		return nil, fmt.Errorf("workers: list by pool: %w", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

func (r *workerRepository) ListStaleSince(ctx context.Context, cutoff time.Time) ([]domain.Worker, error) {
	rows, err := r.s.Pool.Query(ctx, `
		SELECT id, pool, endpoint, capabilities, public_key_fingerprint, status, last_seen_at, created_at
		FROM workers WHERE last_seen_at < $1 AND status != 'evicted'`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("workers: list stale: %w", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

func scanWorkers(rows pgx.Rows) ([]domain.Worker, error) {
	var out []domain.Worker
	for rows.Next() {
		var w domain.Worker
		if err := rows.Scan(&w.ID, &w.Pool, &w.Endpoint, &w.Capabilities, &w.PublicKeyFP, &w.Status, &w.LastSeenAt, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("workers: scan: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
