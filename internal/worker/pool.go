package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peagen/peagen/internal/domain"
	"github.com/peagen/peagen/internal/handler"
)

// job is one unit of work accepted from a Work.start call.
type job struct {
	TaskID   uuid.UUID
	Kind     domain.TaskKind
	Args     []byte
	Deadline time.Time
	Attempt  int
}

// finishFunc is called exactly once per accepted job, with the outcome of
// running its handler. The runtime wires this to an outbound Work.finished
// call to the gateway.
type finishFunc func(ctx context.Context, j job, res handler.Result, handlerErr error)

// pool runs accepted jobs on a bounded number of goroutines, generalizing
// a sequential single-job executor into one with a configurable
// concurrency ceiling — workers may be given more capacity than "one job
// at a time" depending on the host's resources.
type pool struct {
	handlers *handler.Registry
	sem      chan struct{}
	onFinish finishFunc
	logger   *zap.Logger

	cancels   map[uuid.UUID]context.CancelFunc
	cancelsMu chanMutex
}

// chanMutex is a channel-based mutex guarding cancels, which is mutated
// from both job goroutines and Work.cancel calls.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	c := make(chanMutex, 1)
	c <- struct{}{}
	return c
}
func (c chanMutex) Lock()   { <-c }
func (c chanMutex) Unlock() { c <- struct{}{} }

// newPool creates a pool that runs up to concurrency jobs at once.
func newPool(handlers *handler.Registry, concurrency int, onFinish finishFunc, logger *zap.Logger) *pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &pool{
		handlers:  handlers,
		sem:       make(chan struct{}, concurrency),
		onFinish:  onFinish,
		logger:    logger.Named("pool"),
		cancels:   make(map[uuid.UUID]context.CancelFunc),
		cancelsMu: newChanMutex(),
	}
}

// Submit accepts j and runs it on a goroutine as soon as a concurrency
// slot is free. Non-blocking: the slot acquisition itself happens inside
// the spawned goroutine so Submit never blocks the RPC handler that calls
// it (Work.start must return immediately, per the worker contract).
func (p *pool) Submit(j job) {
	go func() {
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
		p.run(j)
	}()
}

func (p *pool) run(j job) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if !j.Deadline.IsZero() {
		ctx, cancel = context.WithDeadline(context.Background(), j.Deadline)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	p.cancelsMu.Lock()
	p.cancels[j.TaskID] = cancel
	p.cancelsMu.Unlock()
	defer func() {
		p.cancelsMu.Lock()
		delete(p.cancels, j.TaskID)
		p.cancelsMu.Unlock()
		cancel()
	}()

	p.logger.Info("job started",
		zap.String("task_id", j.TaskID.String()),
		zap.String("kind", string(j.Kind)),
	)

	res, err := p.handlers.Dispatch(ctx, j.Kind, j.Args)
	if err != nil {
		p.logger.Error("job failed",
			zap.String("task_id", j.TaskID.String()),
			zap.Error(err),
		)
	} else {
		p.logger.Info("job succeeded", zap.String("task_id", j.TaskID.String()))
	}

	p.onFinish(context.Background(), j, res, err)
}

// Cancel requests that taskID's handler context be cancelled. Returns
// false if no such job is currently running on this pool (either it
// already finished or was never accepted).
func (p *pool) Cancel(taskID uuid.UUID) bool {
	p.cancelsMu.Lock()
	cancel, ok := p.cancels[taskID]
	p.cancelsMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}
