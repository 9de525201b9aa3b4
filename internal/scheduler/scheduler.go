// Package scheduler owns dispatch of queued tasks to registered workers,
// one goroutine per pool, plus the background watchdogs that keep the
// worker directory and running-task set honest: a heartbeat/eviction
// sweep and a deadline sweep. It is the control-plane analog of a job
// scheduler that pushes work to remote agents, generalized from "one
// recurring job per policy" to "one continuously-draining loop per pool".
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/peagen/peagen/internal/domain"
	"github.com/peagen/peagen/internal/metrics"
	"github.com/peagen/peagen/internal/queue"
	"github.com/peagen/peagen/internal/registry"
	"github.com/peagen/peagen/internal/rpc"
	"github.com/peagen/peagen/internal/store"
)

// Config controls the scheduler's timing. Zero values are replaced with
// defaults by New.
type Config struct {
	Pools []string

	// PopTimeout bounds how long a dispatch loop blocks on Queue.PopBlocking
	// before looping again to re-check ctx.Done().
	PopTimeout time.Duration

	// HeartbeatInterval is T_heartbeat, the interval a worker is expected
	// to heartbeat at. StaleAfter/EvictAfter default off of it when unset.
	HeartbeatInterval time.Duration

	// StaleAfter is T_stale: a worker that misses heartbeats for this long
	// is pulled out of SelectWorker's candidate pool (marked stale) but
	// keeps its in-flight task assignment — a short gateway hiccup or GC
	// pause shouldn't cost a worker its running task.
	StaleAfter time.Duration

	// EvictAfter is T_evict: a worker silent for this long is evicted
	// outright and any task it was running is requeued (or, past
	// MaxAttempts, failed with reason "exhausted"). Must be >= StaleAfter.
	EvictAfter time.Duration

	// MaxAttempts is N_max: the highest attempt number a task may reach.
	// A task that loses its worker on attempt MaxAttempts is not requeued;
	// the scheduler records a terminal failed/exhausted revision instead.
	MaxAttempts int

	// DeadlineCheckInterval is how often the deadline watchdog scans
	// running tasks for an elapsed deadline.
	DeadlineCheckInterval time.Duration

	// DialTimeout bounds each outbound Work.start/Work.cancel call to a worker.
	DialTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.PopTimeout <= 0 {
		c.PopTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * c.HeartbeatInterval
	}
	if c.EvictAfter <= 0 {
		c.EvictAfter = 4 * c.HeartbeatInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.DeadlineCheckInterval <= 0 {
		c.DeadlineCheckInterval = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// Scheduler dispatches queued tasks to idle workers and evicts
// unresponsive ones. The zero value is not usable — create instances
// with New.
type Scheduler struct {
	cfg    Config
	q      queue.Queue
	tasks  store.TaskRepository
	work   store.WorkerRepository
	reg    *registry.Registry
	signer *rpc.Signer
	cron   gocron.Scheduler
	logger *zap.Logger

	// deadlines tracks taskID -> (deadline, assigned worker) for tasks
	// currently in flight, populated on dispatch and cleared when the
	// task reaches a terminal status. The gateway's projected Task row
	// carries no deadline column, so this is the only place a deadline
	// survives between dispatch and the watchdog's next sweep.
	deadlinesMu sync.Mutex
	deadlines   map[uuid.UUID]deadlineEntry
}

type deadlineEntry struct {
	deadline time.Time
	workerID uuid.UUID
}

// New creates a Scheduler. signer is the gateway's own Ed25519 key,
// used to sign outbound Work.start/Work.cancel calls to workers.
func New(
	cfg Config,
	q queue.Queue,
	tasks store.TaskRepository,
	work store.WorkerRepository,
	reg *registry.Registry,
	signer *rpc.Signer,
	logger *zap.Logger,
) (*Scheduler, error) {
	cfg.setDefaults()

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cfg:       cfg,
		q:         q,
		tasks:     tasks,
		work:      work,
		reg:       reg,
		signer:    signer,
		cron:      cron,
		logger:    logger.Named("scheduler"),
		deadlines: make(map[uuid.UUID]deadlineEntry),
	}, nil
}

// Run starts one dispatch loop per configured pool plus the heartbeat
// eviction watchdog (gocron, singleton mode, T_heartbeat/2 tick) and the
// deadline watchdog, and blocks until ctx is cancelled or any loop
// returns an error other than context.Canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.addEvictionWatchdog(); err != nil {
		return err
	}
	s.cron.Start()
	defer func() {
		if err := s.cron.Shutdown(); err != nil {
			s.logger.Warn("gocron shutdown error", zap.Error(err))
		}
	}()

	updates, err := s.q.Subscribe(ctx, queue.TaskUpdateChannel)
	if err != nil {
		return fmt.Errorf("scheduler: subscribe to task updates: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, pool := range s.cfg.Pools {
		pool := pool
		g.Go(func() error { return s.dispatchLoop(ctx, pool) })
	}
	g.Go(func() error { return s.deadlineWatchdog(ctx) })
	g.Go(func() error { return s.clearCompletedDeadlines(ctx, updates) })

	s.logger.Info("scheduler started",
		zap.Strings("pools", s.cfg.Pools),
		zap.Duration("heartbeat_interval", s.cfg.HeartbeatInterval),
	)
	return g.Wait()
}

// dispatchLoop pops one envelope at a time off pool's queue and attempts
// to hand it to an idle worker. A pop with no eligible worker or a failed
// dispatch is requeued rather than dropped.
func (s *Scheduler) dispatchLoop(ctx context.Context, pool string) error {
	log := s.logger.With(zap.String("pool", pool))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		env, err := s.q.PopBlocking(ctx, pool, s.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("pop failed", zap.Error(err))
			continue
		}
		if env == nil {
			continue // timeout, no work waiting
		}

		worker, ok := s.reg.SelectWorker(pool, env.Kind)
		if !ok {
			log.Warn("no eligible worker, requeuing", zap.String("task_id", env.TaskID.String()))
			if err := s.q.Requeue(ctx, pool, *env, queue.ReasonNoWorker); err != nil {
				log.Error("requeue after no-worker failed", zap.Error(err))
			}
			metrics.TasksRequeuedTotal.WithLabelValues(string(queue.ReasonNoWorker)).Inc()
			continue
		}

		if err := s.dispatchTo(ctx, worker, *env); err != nil {
			log.Warn("dispatch failed, marking worker stale and requeuing",
				zap.String("task_id", env.TaskID.String()),
				zap.String("worker_id", worker.ID.String()),
				zap.Error(err),
			)
			s.reg.MarkStale(worker.ID)
			if err := s.work.UpdateStatus(ctx, worker.ID, domain.WorkerStale); err != nil {
				log.Warn("persist stale status failed", zap.String("worker_id", worker.ID.String()), zap.Error(err))
			}
			if err := s.q.Requeue(ctx, pool, *env, queue.ReasonDispatchFailed); err != nil {
				log.Error("requeue after dispatch failure failed", zap.Error(err))
			}
			metrics.TasksRequeuedTotal.WithLabelValues(string(queue.ReasonDispatchFailed)).Inc()
			continue
		}
		if !env.SubmittedAt.IsZero() {
			metrics.DispatchLatency.Observe(time.Since(env.SubmittedAt).Seconds())
		}

		// Record the queued->running transition. This is best-effort with
		// respect to the dispatch that already happened: a worker is now
		// executing the task regardless of whether the revision append
		// below succeeds, so a failure here is logged rather than
		// requeued (which would hand the same task to a second worker).
		workerID := worker.ID
		newRev, err := s.tasks.Append(ctx, env.TaskID, domain.RevisionPatch{
			Status:   domain.TaskRunning,
			WorkerID: &workerID,
			Attempt:  env.Attempt,
		}, env.RevHash)
		if err != nil {
			log.Warn("failed to record running transition",
				zap.String("task_id", env.TaskID.String()), zap.Error(err))
		} else if err := s.q.Publish(ctx, queue.TaskUpdateChannel, queue.Message{
			TaskID: env.TaskID, RevHash: newRev, Status: domain.TaskRunning,
		}); err != nil {
			log.Warn("publish task:update failed", zap.Error(err))
		}

		s.reg.MarkDispatched(worker.ID)
		s.trackDeadline(env.TaskID, env.Deadline, worker.ID)
		if err := s.q.Ack(ctx, env.ID); err != nil {
			log.Warn("ack failed", zap.Error(err))
		}
		log.Info("task dispatched",
			zap.String("task_id", env.TaskID.String()),
			zap.String("worker_id", worker.ID.String()),
		)
	}
}

// workStartParams is the body of the Work.start call sent to a worker,
// mirroring queue.Envelope's fields the worker needs to execute the task.
type workStartParams struct {
	TaskID   uuid.UUID       `json:"task_id"`
	Kind     domain.TaskKind `json:"kind"`
	Args     []byte          `json:"args"`
	Deadline time.Time       `json:"deadline"`
	Attempt  int             `json:"attempt"`
}

func (s *Scheduler) dispatchTo(ctx context.Context, worker registry.Entry, env queue.Envelope) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	client := rpc.NewClient(worker.Endpoint, s.signer, s.cfg.DialTimeout)
	return client.Call(dialCtx, "Work.start", workStartParams{
		TaskID:   env.TaskID,
		Kind:     env.Kind,
		Args:     env.Args,
		Deadline: env.Deadline,
		Attempt:  env.Attempt,
	}, nil)
}

// cancelOn asks worker to cancel taskID via Work.cancel. Errors are logged,
// not propagated — a watchdog sweep continues past a single unreachable
// worker.
func (s *Scheduler) cancelOn(ctx context.Context, worker registry.Entry, taskID uuid.UUID, reason string) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	client := rpc.NewClient(worker.Endpoint, s.signer, s.cfg.DialTimeout)
	err := client.Call(dialCtx, "Work.cancel", struct {
		TaskID uuid.UUID `json:"task_id"`
		Reason string    `json:"reason"`
	}{TaskID: taskID, Reason: reason}, nil)
	if err != nil {
		s.logger.Warn("Work.cancel failed",
			zap.String("task_id", taskID.String()),
			zap.String("worker_id", worker.ID.String()),
			zap.Error(err),
		)
	}
}

// trackDeadline records that taskID was just dispatched to workerID with
// the given deadline. A zero deadline is not tracked (no expiry).
func (s *Scheduler) trackDeadline(taskID uuid.UUID, deadline time.Time, workerID uuid.UUID) {
	if deadline.IsZero() {
		return
	}
	s.deadlinesMu.Lock()
	defer s.deadlinesMu.Unlock()
	s.deadlines[taskID] = deadlineEntry{deadline: deadline, workerID: workerID}
}

func (s *Scheduler) untrackDeadline(taskID uuid.UUID) {
	s.deadlinesMu.Lock()
	defer s.deadlinesMu.Unlock()
	delete(s.deadlines, taskID)
}

// clearCompletedDeadlines drops a task's tracked deadline as soon as its
// status turns terminal, so the watchdog never fires Work.cancel against
// a task that already finished.
func (s *Scheduler) clearCompletedDeadlines(ctx context.Context, updates <-chan queue.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-updates:
			if !ok {
				return nil
			}
			if msg.Status.Terminal() {
				s.untrackDeadline(msg.TaskID)
			}
		}
	}
}

// deadlineWatchdog scans tracked deadlines on a fixed interval and issues
// Work.cancel to the worker holding any task whose deadline has elapsed.
func (s *Scheduler) deadlineWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.DeadlineCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweepDeadlines(ctx)
		}
	}
}

func (s *Scheduler) sweepDeadlines(ctx context.Context) {
	now := time.Now().UTC()

	s.deadlinesMu.Lock()
	var expired []struct {
		taskID   uuid.UUID
		workerID uuid.UUID
	}
	for taskID, entry := range s.deadlines {
		if now.After(entry.deadline) {
			expired = append(expired, struct {
				taskID   uuid.UUID
				workerID uuid.UUID
			}{taskID, entry.workerID})
		}
	}
	s.deadlinesMu.Unlock()

	for _, e := range expired {
		worker, ok := s.reg.Get(e.workerID)
		if !ok {
			s.untrackDeadline(e.taskID)
			continue
		}
		s.cancelOn(ctx, worker, e.taskID, "deadline exceeded")

		if _, revHash, err := s.tasks.Get(ctx, e.taskID); err != nil {
			s.logger.Warn("failed to load task for deadline cancellation",
				zap.String("task_id", e.taskID.String()), zap.Error(err))
		} else if newRev, err := s.tasks.Append(ctx, e.taskID, domain.RevisionPatch{
			Status: domain.TaskCancelled,
			Reason: "deadline_exceeded",
		}, revHash); err != nil {
			s.logger.Warn("failed to record deadline cancellation",
				zap.String("task_id", e.taskID.String()), zap.Error(err))
		} else if err := s.q.Publish(ctx, queue.TaskUpdateChannel, queue.Message{
			TaskID: e.taskID, RevHash: newRev, Status: domain.TaskCancelled,
		}); err != nil {
			s.logger.Warn("publish task:update failed", zap.Error(err))
		}

		if err := s.work.UpdateStatus(ctx, e.workerID, domain.WorkerIdle); err != nil {
			s.logger.Warn("failed to mark worker idle after deadline cancellation",
				zap.String("worker_id", e.workerID.String()), zap.Error(err))
		}
		s.reg.Heartbeat(e.workerID, domain.WorkerIdle)
		s.untrackDeadline(e.taskID)
		metrics.TasksCompletedTotal.WithLabelValues(worker.Pool, string(domain.TaskCancelled)).Inc()
	}
}

// addEvictionWatchdog registers the heartbeat/eviction sweep as a singleton
// gocron job ticking at T_heartbeat/2, so two consecutive misses before a
// worker is marked stale never race with an overlapping sweep.
func (s *Scheduler) addEvictionWatchdog() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.cfg.HeartbeatInterval/2),
		gocron.NewTask(func() { s.sweepEviction(context.Background()) }),
		gocron.WithTags("eviction-watchdog"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: schedule eviction watchdog: %w", err)
	}
	return nil
}

// recordLostAndRequeue appends the lost->queued pair of revisions a task
// takes when its worker is evicted out from under it, or — once its next
// attempt would exceed MaxAttempts — a lost->failed pair recording
// it as exhausted instead. Best-effort with respect to the queue push the
// caller issues afterward: a repository outage here should not leave a
// task stranded with a dead worker_id forever, so failures are logged
// rather than retried. Returns true if the caller should push a fresh
// envelope onto the queue.
func (s *Scheduler) recordLostAndRequeue(ctx context.Context, t domain.Task) bool {
	_, revHash, err := s.tasks.Get(ctx, t.ID)
	if err != nil {
		s.logger.Warn("failed to load task for eviction requeue", zap.String("task_id", t.ID.String()), zap.Error(err))
		return false
	}

	lostRev, err := s.tasks.Append(ctx, t.ID, domain.RevisionPatch{
		Status: domain.TaskLost,
		Reason: "worker evicted",
	}, revHash)
	if err != nil {
		s.logger.Warn("failed to record lost transition", zap.String("task_id", t.ID.String()), zap.Error(err))
		return false
	}

	nextAttempt := t.Attempt + 1
	if nextAttempt > s.cfg.MaxAttempts {
		failedRev, err := s.tasks.Append(ctx, t.ID, domain.RevisionPatch{
			Status:  domain.TaskFailed,
			Reason:  "exhausted",
			Attempt: nextAttempt,
		}, lostRev)
		if err != nil {
			s.logger.Warn("failed to record exhausted transition", zap.String("task_id", t.ID.String()), zap.Error(err))
			return false
		}
		if err := s.q.Publish(ctx, queue.TaskUpdateChannel, queue.Message{
			TaskID: t.ID, RevHash: failedRev, Status: domain.TaskFailed,
		}); err != nil {
			s.logger.Warn("publish task:update failed", zap.Error(err))
		}
		metrics.TasksCompletedTotal.WithLabelValues(t.Pool, string(domain.TaskFailed)).Inc()
		s.logger.Warn("task exhausted retry attempts, marking failed",
			zap.String("task_id", t.ID.String()), zap.Int("attempts", nextAttempt))
		return false
	}

	queuedRev, err := s.tasks.Append(ctx, t.ID, domain.RevisionPatch{
		Status:  domain.TaskQueued,
		Attempt: nextAttempt,
	}, lostRev)
	if err != nil {
		s.logger.Warn("failed to record requeue transition", zap.String("task_id", t.ID.String()), zap.Error(err))
		return false
	}

	if err := s.q.Publish(ctx, queue.TaskUpdateChannel, queue.Message{
		TaskID: t.ID, RevHash: queuedRev, Status: domain.TaskQueued,
	}); err != nil {
		s.logger.Warn("publish task:update failed", zap.Error(err))
	}
	return true
}

// sweepEviction implements the two-tier liveness model: a worker silent
// past T_stale is pulled out of dispatch selection but keeps its running
// task, giving it a chance to heartbeat again; one silent past T_evict is
// evicted outright and its running tasks reclaimed via
// recordLostAndRequeue. Both tiers are checked on every tick so a worker
// that has been silent long enough to cross both thresholds at once (e.g.
// the gateway itself was paused) is evicted directly rather than waiting
// for a second tick.
func (s *Scheduler) sweepEviction(ctx context.Context) {
	now := time.Now().UTC()

	for _, w := range s.reg.StaleSince(now.Add(-s.cfg.StaleAfter)) {
		if w.Status == domain.WorkerStale || w.Status == domain.WorkerEvicted {
			continue
		}
		s.reg.MarkStale(w.ID)
		if err := s.work.UpdateStatus(ctx, w.ID, domain.WorkerStale); err != nil {
			s.logger.Warn("persist stale status failed", zap.String("worker_id", w.ID.String()), zap.Error(err))
		}
		s.logger.Warn("worker marked stale for missed heartbeats", zap.String("worker_id", w.ID.String()))
	}

	evictable := s.reg.StaleSince(now.Add(-s.cfg.EvictAfter))
	for _, w := range evictable {
		if w.Status == domain.WorkerEvicted {
			continue
		}
		s.reg.Evict(w.ID)
		if err := s.work.UpdateStatus(ctx, w.ID, domain.WorkerEvicted); err != nil {
			s.logger.Warn("persist eviction failed", zap.String("worker_id", w.ID.String()), zap.Error(err))
		}

		running, err := s.tasks.ListByWorker(ctx, w.ID, domain.TaskRunning)
		if err != nil {
			s.logger.Error("list tasks for evicted worker failed", zap.String("worker_id", w.ID.String()), zap.Error(err))
			continue
		}
		requeued := 0
		for _, t := range running {
			if !s.recordLostAndRequeue(ctx, t) {
				continue
			}

			if err := s.q.Requeue(ctx, t.Pool, queue.Envelope{
				ID:          uuid.Must(uuid.NewV7()),
				TaskID:      t.ID,
				Kind:        t.Kind,
				Args:        t.Args,
				SubmittedAt: time.Now().UTC(),
				Attempt:     t.Attempt + 1,
			}, queue.ReasonWorkerEvicted); err != nil {
				s.logger.Error("requeue after eviction failed", zap.String("task_id", t.ID.String()), zap.Error(err))
				continue
			}
			requeued++
			metrics.TasksRequeuedTotal.WithLabelValues(string(queue.ReasonWorkerEvicted)).Inc()
		}
		metrics.WorkersTotal.WithLabelValues(w.Pool, string(domain.WorkerEvicted)).Inc()
		metrics.WorkersTotal.WithLabelValues(w.Pool, string(w.Status)).Dec()

		s.logger.Warn("worker evicted for missed heartbeats",
			zap.String("worker_id", w.ID.String()),
			zap.Int("requeued_tasks", requeued),
			zap.Int("total_tasks", len(running)),
		)
	}
}
