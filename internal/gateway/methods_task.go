package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peagen/peagen/internal/domain"
	"github.com/peagen/peagen/internal/metrics"
	"github.com/peagen/peagen/internal/queue"
	"github.com/peagen/peagen/internal/rpc"
	"github.com/peagen/peagen/internal/store"
)

type taskSubmitParams struct {
	Kind         domain.TaskKind `json:"kind"`
	Pool         string          `json:"pool"`
	Args         json.RawMessage `json:"args"`
	ClientToken  string          `json:"client_token,omitempty"`
	ParentTaskID *uuid.UUID      `json:"parent_task_id,omitempty"`
	DesignHash   string          `json:"design_hash,omitempty"`
	PlanHash     string          `json:"plan_hash,omitempty"`

	// TenantID is normally omitted — the tenant is resolved from the
	// caller's signed key fingerprint. It exists for callers operating
	// with signature verification disabled (tests, admin tooling).
	TenantID uuid.UUID `json:"tenant_id,omitempty"`
}

type taskSubmitResult struct {
	TaskID  uuid.UUID `json:"task_id"`
	RevHash string    `json:"rev_hash"`
}

// taskSubmit inserts a new task at revision 1 and pushes its envelope onto
// the pool's queue. Idempotent under client_token retries: store.Submit
// returns the original task's id and rev_hash without a second insert, and
// this handler detects that case (the returned id won't match the id it
// asked Submit to assign) to avoid double-enqueueing already-dispatched work.
func (a *App) taskSubmit(ctx context.Context, raw json.RawMessage) (any, error) {
	var p taskSubmitParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("gateway: decode Task.submit params: %w", err)
	}
	if p.Pool == "" {
		p.Pool = domain.DefaultPool
	}

	tenantID, err := a.resolveTenant(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}

	exists, err := a.Tenants.PoolExists(ctx, tenantID, p.Pool)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrTenantMissing
	}

	depth, err := a.Queue.Depth(ctx, p.Pool)
	if err != nil {
		return nil, err
	}
	if !a.admitsSubmit(p.Pool, depth) {
		return nil, rpc.ErrBackpressure
	}

	t := &domain.Task{
		Kind:         p.Kind,
		Pool:         p.Pool,
		TenantID:     tenantID,
		Args:         p.Args,
		ParentTaskID: p.ParentTaskID,
	}
	if p.ClientToken != "" {
		t.ClientToken = &p.ClientToken
	}
	if p.DesignHash != "" {
		t.DesignHash = &p.DesignHash
	}
	if p.PlanHash != "" {
		t.PlanHash = &p.PlanHash
	}

	taskID, revHash, err := a.Tasks.Submit(ctx, t, domain.RevisionPatch{Status: domain.TaskQueued, Attempt: 1})
	if err != nil {
		return nil, err
	}

	// t.ID only still equals taskID when Submit actually inserted a new
	// row; an idempotent client_token hit returns a pre-existing id
	// instead, in which case the task is already queued/dispatched and
	// must not be enqueued again.
	if taskID == t.ID {
		env := queue.Envelope{
			ID:          uuid.Must(uuid.NewV7()),
			TaskID:      taskID,
			Kind:        t.Kind,
			Args:        t.Args,
			SubmittedAt: time.Now().UTC(),
			Attempt:     1,
			Deadline:    time.Now().UTC().Add(a.cfg.TaskDeadline),
			RevHash:     revHash,
		}
		if err := a.Queue.Push(ctx, p.Pool, env); err != nil {
			return nil, err
		}
		a.publish(ctx, queue.Message{TaskID: taskID, RevHash: revHash, Status: domain.TaskQueued})

		metrics.TasksSubmittedTotal.WithLabelValues(p.Pool, string(t.Kind)).Inc()
		if depth, err := a.Queue.Depth(ctx, p.Pool); err == nil {
			metrics.QueueDepth.WithLabelValues(p.Pool).Set(float64(depth))
		}
	}

	return taskSubmitResult{TaskID: taskID, RevHash: revHash}, nil
}

type taskUpdateParams struct {
	TaskID        uuid.UUID           `json:"task_id"`
	Patch         domain.RevisionPatch `json:"patch"`
	ParentRevHash string               `json:"parent_rev_hash"`
}

type taskUpdateResult struct {
	RevHash string `json:"rev_hash"`
}

// taskUpdate appends one caller-supplied revision under optimistic
// concurrency control. Used by handlers that want to record progress
// without going through the Work.finished completion path (e.g. a
// long-running task publishing an intermediate status).
func (a *App) taskUpdate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p taskUpdateParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("gateway: decode Task.update params: %w", err)
	}

	revHash, err := a.Tasks.Append(ctx, p.TaskID, p.Patch, p.ParentRevHash)
	if err != nil {
		return nil, err
	}

	status := p.Patch.Status
	if status == "" {
		if t, _, err := a.Tasks.Get(ctx, p.TaskID); err == nil {
			status = t.Status
		}
	}
	a.publish(ctx, queue.Message{TaskID: p.TaskID, RevHash: revHash, Status: status})

	return taskUpdateResult{RevHash: revHash}, nil
}

type taskGetParams struct {
	TaskID uuid.UUID `json:"task_id"`
}

type taskGetResult struct {
	Task    domain.Task `json:"task"`
	RevHash string      `json:"rev_hash"`
}

func (a *App) taskGet(ctx context.Context, raw json.RawMessage) (any, error) {
	var p taskGetParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("gateway: decode Task.get params: %w", err)
	}

	t, revHash, err := a.Tasks.Get(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	return taskGetResult{Task: *t, RevHash: revHash}, nil
}

type taskHistoryParams struct {
	TaskID uuid.UUID `json:"task_id"`
}

type taskHistoryResult struct {
	Revisions []domain.TaskRevision `json:"revisions"`
}

func (a *App) taskHistory(ctx context.Context, raw json.RawMessage) (any, error) {
	var p taskHistoryParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("gateway: decode Task.history params: %w", err)
	}

	revs, err := a.Tasks.History(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	return taskHistoryResult{Revisions: revs}, nil
}

type taskCancelParams struct {
	TaskID uuid.UUID `json:"task_id"`
	Reason string    `json:"reason,omitempty"`
}

type taskCancelResult struct {
	RevHash string `json:"rev_hash"`
}

// taskCancel appends a cancelled revision and, if the task is currently
// assigned to a worker, asks that worker to stop via Work.cancel. A task
// already in a terminal state is a no-op that returns its current
// rev_hash rather than erroring.
func (a *App) taskCancel(ctx context.Context, raw json.RawMessage) (any, error) {
	var p taskCancelParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("gateway: decode Task.cancel params: %w", err)
	}
	if p.Reason == "" {
		p.Reason = "cancelled by client"
	}

	t, revHash, err := a.Tasks.Get(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return taskCancelResult{RevHash: revHash}, nil
	}

	newRev, err := a.Tasks.Append(ctx, p.TaskID, domain.RevisionPatch{
		Status: domain.TaskCancelled,
		Reason: p.Reason,
	}, revHash)
	if err != nil {
		return nil, err
	}
	a.publish(ctx, queue.Message{TaskID: p.TaskID, RevHash: newRev, Status: domain.TaskCancelled})

	if t.WorkerID != nil {
		a.cancelOnWorker(ctx, *t.WorkerID, p.TaskID, p.Reason)
	}

	return taskCancelResult{RevHash: newRev}, nil
}

// cancelOnWorker issues a best-effort Work.cancel; failures are logged,
// never returned, since the revision chain has already recorded the
// cancellation regardless of whether the worker ever receives it.
func (a *App) cancelOnWorker(ctx context.Context, workerID, taskID uuid.UUID, reason string) {
	w, ok := a.Registry.Get(workerID)
	if !ok {
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout)
	defer cancel()

	client := rpc.NewClient(w.Endpoint, a.Signer, a.cfg.DialTimeout)
	err := client.Call(dialCtx, "Work.cancel", struct {
		TaskID uuid.UUID `json:"task_id"`
		Reason string    `json:"reason"`
	}{TaskID: taskID, Reason: reason}, nil)
	if err != nil {
		a.logger.Warn("Work.cancel failed",
			zap.String("task_id", taskID.String()),
			zap.String("worker_id", workerID.String()),
			zap.Error(err),
		)
	}
}
