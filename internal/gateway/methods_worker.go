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
	"github.com/peagen/peagen/internal/store"
)

type workerRegisterParams struct {
	WorkerID     uuid.UUID `json:"worker_id,omitempty"`
	Endpoint     string    `json:"endpoint"`
	Pool         string    `json:"pool"`
	Capabilities []string  `json:"capabilities"`
	PublicKeyFP  string    `json:"public_key_fp"`
}

type workerRegisterResult struct {
	WorkerID uuid.UUID `json:"worker_id"`
}

// workerRegister persists the worker row and mirrors it into the live
// dispatch directory. A worker presenting its previously persisted
// worker_id re-registers under the same identity; one with none (first
// boot, or a lost state file) is assigned a fresh id.
func (a *App) workerRegister(ctx context.Context, raw json.RawMessage) (any, error) {
	var p workerRegisterParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("gateway: decode Worker.register params: %w", err)
	}

	w := &domain.Worker{
		ID:           p.WorkerID,
		Pool:         p.Pool,
		Endpoint:     p.Endpoint,
		Capabilities: p.Capabilities,
	}
	if p.PublicKeyFP != "" {
		w.PublicKeyFP = &p.PublicKeyFP
	}

	if err := a.Workers.Register(ctx, w); err != nil {
		return nil, err
	}

	a.Registry.Register(w.ID, w.Pool, w.Endpoint, w.Capabilities, p.PublicKeyFP)
	metrics.WorkersTotal.WithLabelValues(w.Pool, string(domain.WorkerIdle)).Inc()

	return workerRegisterResult{WorkerID: w.ID}, nil
}

type workerHeartbeatParams struct {
	WorkerID uuid.UUID           `json:"worker_id"`
	Status   domain.WorkerStatus `json:"status"`
}

// workerHeartbeat refreshes both the in-memory dispatch directory (which
// SelectWorker reads) and the durable row. A heartbeat from a worker the
// registry doesn't know or has evicted — e.g. the gateway restarted, or the
// worker stayed silent past the scheduler's EvictAfter (four heartbeat
// intervals by default) — returns store.ErrNotFound so the
// worker re-registers instead of heartbeating into a stale identity.
func (a *App) workerHeartbeat(ctx context.Context, raw json.RawMessage) (any, error) {
	var p workerHeartbeatParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("gateway: decode Worker.heartbeat params: %w", err)
	}

	if ok := a.Registry.Heartbeat(p.WorkerID, p.Status); !ok {
		return nil, store.ErrNotFound
	}
	if err := a.Workers.UpdateHeartbeat(ctx, p.WorkerID, p.Status, time.Now().UTC()); err != nil {
		return nil, err
	}

	return struct{}{}, nil
}

type workFinishedParams struct {
	TaskID    uuid.UUID       `json:"task_id"`
	Status    domain.TaskStatus `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Artifacts []string        `json:"artifacts,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

type workFinishedResult struct {
	RevHash string `json:"rev_hash"`
}

// workFinished records a worker's reported outcome as the task's terminal
// revision. A report that arrives after the task already reached a
// terminal state (most commonly: the deadline watchdog cancelled it while
// the worker was mid-flight) is recorded as an informational revision
// that carries the same terminal status forward rather than overwriting
// it — a late success must not resurrect a task the gateway already
// closed out as cancelled.
func (a *App) workFinished(ctx context.Context, raw json.RawMessage) (any, error) {
	var p workFinishedParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("gateway: decode Work.finished params: %w", err)
	}

	t, revHash, err := a.Tasks.Get(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}

	status := p.Status
	reason := p.Reason
	if t.Status.Terminal() {
		status = t.Status
		reason = "late completion: " + p.Reason
	}

	newRev, err := a.Tasks.Append(ctx, p.TaskID, domain.RevisionPatch{
		Status:    status,
		Reason:    reason,
		Result:    p.Result,
		Artifacts: p.Artifacts,
	}, revHash)
	if err != nil {
		return nil, err
	}
	a.publish(ctx, queue.Message{TaskID: p.TaskID, RevHash: newRev, Status: status})
	metrics.TasksCompletedTotal.WithLabelValues(t.Pool, string(status)).Inc()

	if t.WorkerID != nil {
		a.Registry.Heartbeat(*t.WorkerID, domain.WorkerIdle)
		if err := a.Workers.UpdateStatus(ctx, *t.WorkerID, domain.WorkerIdle); err != nil {
			a.logger.Warn("failed to mark worker idle after task completion", zap.Error(err))
		}
	}

	return workFinishedResult{RevHash: newRev}, nil
}
