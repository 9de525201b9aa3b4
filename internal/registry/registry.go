// Package registry maintains the in-memory set of workers currently reachable
// for dispatch: their JSON-RPC endpoint, declared capabilities and pool, and
// liveness bookkeeping used by the scheduler's selection and eviction logic.
//
// Unlike a gRPC agent manager holding an open stream per connection, workers
// here are stateless JSON-RPC peers: a dispatch is simply an outbound call to
// Endpoint. The registry's job is purely to answer "which idle worker in pool
// P can run kind K, and when did we last hear from it" — persistence of the
// durable worker record is store.WorkerRepository's job, not this package's.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peagen/peagen/internal/domain"
)

// Entry is the live view of one registered worker.
type Entry struct {
	ID           uuid.UUID
	Pool         string
	Endpoint     string
	Capabilities []string
	PublicKeyFP  string
	Status       domain.WorkerStatus
	LastSeenAt   time.Time
	LastDispatch time.Time // zero until first dispatch; used for least-recently-dispatched selection
}

func (e *Entry) hasCapability(kind domain.TaskKind) bool {
	for _, c := range e.Capabilities {
		if c == string(kind) {
			return true
		}
	}
	return false
}

// Registry is the in-process worker directory. Safe for concurrent use by
// the RPC server (registration/heartbeat) and the scheduler (selection,
// eviction) running on separate goroutines.
//
// The zero value is not usable — create instances with New.
type Registry struct {
	mu      sync.RWMutex
	workers map[uuid.UUID]*Entry
	logger  *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		workers: make(map[uuid.UUID]*Entry),
		logger:  logger.Named("registry"),
	}
}

// Register adds or replaces a worker's live entry. Called when a worker
// issues Worker.register over JSON-RPC. Replacing an existing ID logs a
// warning the same way a duplicate stream connection would.
func (r *Registry) Register(id uuid.UUID, pool, endpoint string, capabilities []string, pubKeyFP string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[id]; exists {
		r.logger.Warn("replacing existing worker registration",
			zap.String("worker_id", id.String()),
			zap.String("pool", pool),
		)
	}

	r.workers[id] = &Entry{
		ID:           id,
		Pool:         pool,
		Endpoint:     endpoint,
		Capabilities: capabilities,
		PublicKeyFP:  pubKeyFP,
		Status:       domain.WorkerIdle,
		LastSeenAt:   time.Now().UTC(),
	}

	r.logger.Info("worker registered",
		zap.String("worker_id", id.String()),
		zap.String("pool", pool),
		zap.Strings("capabilities", capabilities),
		zap.Int("total_registered", len(r.workers)),
	)
}

// Deregister removes a worker from the live directory entirely. Evict, by
// contrast, keeps the entry and only marks it evicted.
func (r *Registry) Deregister(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[id]
	if !exists {
		return
	}
	delete(r.workers, id)
	r.logger.Info("worker deregistered",
		zap.String("worker_id", id.String()),
		zap.String("pool", w.Pool),
		zap.Int("total_registered", len(r.workers)),
	)
}

// Heartbeat refreshes a worker's LastSeenAt and status. Returns false if the
// worker is not currently registered or has been evicted, signalling the
// caller to require a fresh Worker.register before accepting further
// heartbeats.
func (r *Registry) Heartbeat(id uuid.UUID, status domain.WorkerStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[id]
	if !exists {
		return false
	}
	if w.Status == domain.WorkerEvicted {
		r.logger.Warn("rejecting heartbeat from evicted worker", zap.String("worker_id", id.String()))
		return false
	}
	w.LastSeenAt = time.Now().UTC()
	w.Status = status
	return true
}

// MarkDispatched records that a task was just handed to worker id, used by
// SelectWorker to rotate dispatch away from recently-busy workers.
func (r *Registry) MarkDispatched(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.LastDispatch = time.Now().UTC()
		w.Status = domain.WorkerBusy
	}
}

// Get returns a copy of the live entry for id, or false if unknown.
func (r *Registry) Get(id uuid.UUID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return Entry{}, false
	}
	return *w, true
}

// SelectWorker picks the best candidate in pool capable of running kind:
// idle workers first, ordered by least-recently-dispatched, with the
// lexicographically smallest ID breaking ties. Returns false if no
// candidate is available.
func (r *Registry) SelectWorker(pool string, kind domain.TaskKind) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*Entry
	for _, w := range r.workers {
		if w.Pool != pool || w.Status == domain.WorkerEvicted || w.Status == domain.WorkerStale {
			continue
		}
		if !w.hasCapability(kind) {
			continue
		}
		candidates = append(candidates, w)
	}
	if len(candidates) == 0 {
		return Entry{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		iIdle, jIdle := candidates[i].Status == domain.WorkerIdle, candidates[j].Status == domain.WorkerIdle
		if iIdle != jIdle {
			return iIdle
		}
		if !candidates[i].LastDispatch.Equal(candidates[j].LastDispatch) {
			return candidates[i].LastDispatch.Before(candidates[j].LastDispatch)
		}
		return candidates[i].ID.String() < candidates[j].ID.String()
	})
	return *candidates[0], true
}

// ListByPool returns a snapshot of all workers currently registered for pool.
func (r *Registry) ListByPool(pool string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for _, w := range r.workers {
		if w.Pool == pool {
			out = append(out, *w)
		}
	}
	return out
}

// StaleSince returns workers whose LastSeenAt is older than cutoff and are
// not already evicted — candidates for the scheduler's eviction watchdog.
func (r *Registry) StaleSince(cutoff time.Time) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for _, w := range r.workers {
		if w.Status != domain.WorkerEvicted && w.LastSeenAt.Before(cutoff) {
			out = append(out, *w)
		}
	}
	return out
}

// MarkStale marks a worker stale in the live directory: SelectWorker stops
// offering it new work, but it keeps its in-flight task assignment and can
// return to idle with its next heartbeat. The eviction watchdog's second
// tier, T_evict, is what actually reclaims a stale worker's task.
func (r *Registry) MarkStale(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok && w.Status != domain.WorkerEvicted {
		w.Status = domain.WorkerStale
	}
}

// Evict marks a worker evicted in the live directory without removing it
// outright, so a late heartbeat can be logged and rejected explicitly
// rather than looking like an unknown worker.
func (r *Registry) Evict(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.Status = domain.WorkerEvicted
		r.logger.Warn("worker evicted for missed heartbeats", zap.String("worker_id", id.String()))
	}
}

// WaitForWorker blocks until a worker with the given ID registers or the
// context is cancelled. Polls every 500ms; used in tests and by fan-out
// callers that submitted a task before the target worker reconnected.
func (r *Registry) WaitForWorker(ctx context.Context, id uuid.UUID) error {
	for {
		if _, ok := r.Get(id); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for worker %s to register: %w", id, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}
