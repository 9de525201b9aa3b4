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

// TaskRepository owns the tasks and task_revisions tables. Append is the
// only way tasks.status/worker_id/updated_at ever change.
type TaskRepository interface {
	// Submit inserts a new task at seq=1 with no parent_rev_hash. If
	// clientToken is non-empty and a task already exists for
	// (tenantID, clientToken), that task's id and current rev_hash are
	// returned instead, making submission idempotent under retries.
	Submit(ctx context.Context, t *domain.Task, initialPatch domain.RevisionPatch) (rowTaskID uuid.UUID, revHash string, err error)

	// Append validates parentRevHash against the task's latest revision,
	// inserts the next revision, and projects status/worker_id/updated_at
	// onto the tasks row — all inside one transaction. Returns
	// ErrHashMismatch if parentRevHash is stale.
	Append(ctx context.Context, taskID uuid.UUID, patch domain.RevisionPatch, parentRevHash string) (revHash string, err error)

	// Get returns the projected task plus its current rev_hash.
	Get(ctx context.Context, taskID uuid.UUID) (*domain.Task, string, error)

	// History streams revisions for a task in ascending seq order.
	History(ctx context.Context, taskID uuid.UUID) ([]domain.TaskRevision, error)

	// ListByStatus returns the tasks in pool whose projected status is
	// status. Deadlines are not stored here; the scheduler's deadline
	// watchdog tracks them in memory.
	ListByStatus(ctx context.Context, pool string, status domain.TaskStatus) ([]domain.Task, error)

	// ListByWorker returns tasks currently assigned to workerID with the
	// given status; the eviction watchdog asks for status=running.
	ListByWorker(ctx context.Context, workerID uuid.UUID, status domain.TaskStatus) ([]domain.Task, error)
}

type taskRepository struct {
	s *Store
}

// NewTaskRepository returns a TaskRepository backed by s.
func NewTaskRepository(s *Store) TaskRepository {
	return &taskRepository{s: s}
}

func (r *taskRepository) Submit(ctx context.Context, t *domain.Task, initialPatch domain.RevisionPatch) (uuid.UUID, string, error) {
	if t.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return uuid.Nil, "", fmt.Errorf("tasks: generate id: %w", err)
		}
		t.ID = id
	}

	tx, err := r.s.Pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("tasks: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if t.ClientToken != nil && *t.ClientToken != "" {
		var existingID uuid.UUID
		err := tx.QueryRow(ctx,
			`SELECT id FROM tasks WHERE tenant_id = $1 AND client_token = $2`,
			t.TenantID, *t.ClientToken,
		).Scan(&existingID)
		if err == nil {
			rev, revErr := r.latestRevHash(ctx, tx, existingID)
			if revErr != nil {
				return uuid.Nil, "", revErr
			}
			return existingID, rev, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, "", fmt.Errorf("tasks: idempotency check: %w", err)
		}
	}

	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Status == "" {
		t.Status = domain.TaskQueued
	}
	if t.Attempt == 0 {
		t.Attempt = 1
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO tasks (id, kind, pool, tenant_id, args, status, worker_id,
			parent_task_id, design_hash, plan_hash, client_token, attempt, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		t.ID, t.Kind, t.Pool, t.TenantID, t.Args, t.Status, t.WorkerID,
		t.ParentTaskID, t.DesignHash, t.PlanHash, t.ClientToken, t.Attempt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("tasks: insert: %w", err)
	}

	revHash, err := insertRevision(ctx, tx, t.ID, 1, initialPatch, nil)
	if err != nil {
		return uuid.Nil, "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, "", fmt.Errorf("tasks: commit: %w", err)
	}

	return t.ID, revHash, nil
}

func (r *taskRepository) latestRevHash(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (string, error) {
	var revHash string
	err := tx.QueryRow(ctx,
		`SELECT rev_hash FROM task_revisions WHERE task_id = $1 ORDER BY seq DESC LIMIT 1`,
		taskID,
	).Scan(&revHash)
	if err != nil {
		return "", fmt.Errorf("tasks: latest revision: %w", err)
	}
	return revHash, nil
}

// Append runs the revision-append algorithm as a single transaction: load
// the latest revision with a row lock, validate parent_rev_hash,
// canonicalize and hash the patch, insert the new revision, project
// fields onto tasks, commit. Publishing task:update is the caller's
// responsibility (see internal/gateway), which must happen strictly
// after commit so subscribers never observe an update before it is
// durable.
func (r *taskRepository) Append(ctx context.Context, taskID uuid.UUID, patch domain.RevisionPatch, parentRevHash string) (string, error) {
	tx, err := r.s.Pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("tasks: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var (
		lastSeq     int64
		lastRevHash string
	)
	err = tx.QueryRow(ctx,
		`SELECT seq, rev_hash FROM task_revisions WHERE task_id = $1 ORDER BY seq DESC LIMIT 1 FOR UPDATE`,
		taskID,
	).Scan(&lastSeq, &lastRevHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("tasks: load latest revision: %w", err)
	}

	if lastRevHash != parentRevHash {
		return "", ErrHashMismatch
	}

	revHash, err := insertRevision(ctx, tx, taskID, lastSeq+1, patch, &lastRevHash)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`UPDATE tasks SET status = COALESCE(NULLIF($2, ''), status),
		                  worker_id = COALESCE($3, worker_id),
		                  attempt = CASE WHEN $4 > 0 THEN $4 ELSE attempt END,
		                  updated_at = $5
		 WHERE id = $1`,
		taskID, string(patch.Status), patch.WorkerID, patch.Attempt, now,
	)
	if err != nil {
		return "", fmt.Errorf("tasks: project fields: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("tasks: commit: %w", err)
	}

	return revHash, nil
}

func insertRevision(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, seq int64, patch domain.RevisionPatch, parentRevHash *string) (string, error) {
	canon, err := CanonicalizeJSON(patch)
	if err != nil {
		return "", fmt.Errorf("tasks: canonicalize patch: %w", err)
	}
	payloadHash := HashPayload(canon)

	parent := ""
	if parentRevHash != nil {
		parent = *parentRevHash
	}
	revHash := ComputeRevHash(parent, payloadHash)

	_, err = tx.Exec(ctx, `
		INSERT INTO task_revisions (task_id, seq, payload, payload_hash, parent_rev_hash, rev_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		taskID, seq, canon, payloadHash, parentRevHash, revHash, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("tasks: insert revision: %w", err)
	}
	return revHash, nil
}

func (r *taskRepository) Get(ctx context.Context, taskID uuid.UUID) (*domain.Task, string, error) {
	var t domain.Task
	err := r.s.Pool.QueryRow(ctx, `
		SELECT id, kind, pool, tenant_id, args, status, worker_id, parent_task_id,
		       design_hash, plan_hash, client_token, attempt, created_at, updated_at
		FROM tasks WHERE id = $1`, taskID,
	).Scan(&t.ID, &t.Kind, &t.Pool, &t.TenantID, &t.Args, &t.Status, &t.WorkerID, &t.ParentTaskID,
		&t.DesignHash, &t.PlanHash, &t.ClientToken, &t.Attempt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("tasks: get: %w", err)
	}

	var revHash string
	err = r.s.Pool.QueryRow(ctx,
		`SELECT rev_hash FROM task_revisions WHERE task_id = $1 ORDER BY seq DESC LIMIT 1`,
		taskID,
	).Scan(&revHash)
	if err != nil {
		return nil, "", fmt.Errorf("tasks: get latest revision: %w", err)
	}

	return &t, revHash, nil
}

func (r *taskRepository) History(ctx context.Context, taskID uuid.UUID) ([]domain.TaskRevision, error) {
	rows, err := r.s.Pool.Query(ctx, `
		SELECT task_id, seq, payload, payload_hash, parent_rev_hash, rev_hash, created_at
		FROM task_revisions WHERE task_id = $1 ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("tasks: history: %w", err)
	}
	defer rows.Close()

	var out []domain.TaskRevision
	for rows.Next() {
		var rev domain.TaskRevision
		if err := rows.Scan(&rev.TaskID, &rev.Seq, &rev.Payload, &rev.PayloadHash,
			&rev.ParentRevHash, &rev.RevHash, &rev.CreatedAt); err != nil {
			return nil, fmt.Errorf("tasks: history scan: %w", err)
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

func (r *taskRepository) ListByStatus(ctx context.Context, pool string, status domain.TaskStatus) ([]domain.Task, error) {
	rows, err := r.s.Pool.Query(ctx, `
		SELECT id, kind, pool, tenant_id, args, status, worker_id, parent_task_id,
		       design_hash, plan_hash, client_token, attempt, created_at, updated_at
		FROM tasks WHERE pool = $1 AND status = $2`, pool, status)
	if err != nil {
		return nil, fmt.Errorf("tasks: list by status: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (r *taskRepository) ListByWorker(ctx context.Context, workerID uuid.UUID, status domain.TaskStatus) ([]domain.Task, error) {
	rows, err := r.s.Pool.Query(ctx, `
		SELECT id, kind, pool, tenant_id, args, status, worker_id, parent_task_id,
		       design_hash, plan_hash, client_token, attempt, created_at, updated_at
		FROM tasks WHERE worker_id = $1 AND status = $2`, workerID, status)
	if err != nil {
		return nil, fmt.Errorf("tasks: list by worker: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows pgx.Rows) ([]domain.Task, error) {
	var out []domain.Task
	for rows.Next() {
		var t domain.Task
		if err := rows.Scan(&t.ID, &t.Kind, &t.Pool, &t.TenantID, &t.Args, &t.Status, &t.WorkerID,
			&t.ParentTaskID, &t.DesignHash, &t.PlanHash, &t.ClientToken, &t.Attempt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("tasks: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
