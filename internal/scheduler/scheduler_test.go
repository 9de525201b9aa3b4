package scheduler

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peagen/peagen/internal/domain"
	"github.com/peagen/peagen/internal/queue"
	"github.com/peagen/peagen/internal/queue/memqueue"
	"github.com/peagen/peagen/internal/registry"
	"github.com/peagen/peagen/internal/rpc"
	"github.com/peagen/peagen/internal/store"
)

// fakeTaskRepo implements store.TaskRepository with just enough behavior to
// exercise the scheduler's dispatch/watchdog revision bookkeeping: Get and
// Append operate on an in-memory rev-hash chain keyed by task ID, seeded
// via the running map for the tests that need a task to already exist.
type fakeTaskRepo struct {
	mu      sync.Mutex
	running map[uuid.UUID][]domain.Task
	tasks   map[uuid.UUID]domain.Task
	rev     map[uuid.UUID]string
}

func (f *fakeTaskRepo) ListByWorker(ctx context.Context, workerID uuid.UUID, status domain.TaskStatus) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[workerID], nil
}
func (f *fakeTaskRepo) ListByStatus(ctx context.Context, pool string, status domain.TaskStatus) ([]domain.Task, error) {
	return nil, nil
}
func (f *fakeTaskRepo) Submit(ctx context.Context, t *domain.Task, p domain.RevisionPatch) (uuid.UUID, string, error) {
	panic("not used")
}
func (f *fakeTaskRepo) Append(ctx context.Context, taskID uuid.UUID, p domain.RevisionPatch, parent string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rev == nil {
		f.rev = make(map[uuid.UUID]string)
	}
	if f.rev[taskID] != parent {
		return "", store.ErrHashMismatch
	}
	next := parent + "->" + string(p.Status)
	f.rev[taskID] = next

	if t, ok := f.tasks[taskID]; ok {
		if p.Status != "" {
			t.Status = p.Status
		}
		if p.WorkerID != nil {
			t.WorkerID = p.WorkerID
		}
		if p.Attempt > 0 {
			t.Attempt = p.Attempt
		}
		f.tasks[taskID] = t
	}
	return next, nil
}
func (f *fakeTaskRepo) Get(ctx context.Context, taskID uuid.UUID) (*domain.Task, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, "", store.ErrNotFound
	}
	cp := t
	return &cp, f.rev[taskID], nil
}
func (f *fakeTaskRepo) History(ctx context.Context, taskID uuid.UUID) ([]domain.TaskRevision, error) {
	panic("not used")
}

// fakeWorkerRepo implements store.WorkerRepository, recording
// UpdateStatus calls for assertions.
type fakeWorkerRepo struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]domain.WorkerStatus
}

func (f *fakeWorkerRepo) UpdateStatus(ctx context.Context, workerID uuid.UUID, status domain.WorkerStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = make(map[uuid.UUID]domain.WorkerStatus)
	}
	f.statuses[workerID] = status
	return nil
}
func (f *fakeWorkerRepo) Register(ctx context.Context, w *domain.Worker) error { panic("not used") }
func (f *fakeWorkerRepo) UpdateHeartbeat(ctx context.Context, workerID uuid.UUID, status domain.WorkerStatus, seenAt time.Time) error {
	panic("not used")
}
func (f *fakeWorkerRepo) Get(ctx context.Context, workerID uuid.UUID) (*domain.Worker, error) {
	panic("not used")
}
func (f *fakeWorkerRepo) ListByPool(ctx context.Context, pool string) ([]domain.Worker, error) {
	panic("not used")
}
func (f *fakeWorkerRepo) ListStaleSince(ctx context.Context, cutoff time.Time) ([]domain.Worker, error) {
	panic("not used")
}

// newWorkerServer starts an httptest server hosting a Work.start/Work.cancel
// JSON-RPC endpoint and returns its URL plus channels recording each call.
func newWorkerServer(t *testing.T) (url string, started chan workStartParams, cancelled chan uuid.UUID) {
	t.Helper()
	started = make(chan workStartParams, 8)
	cancelled = make(chan uuid.UUID, 8)

	reg := rpc.NewRegistry(rpc.NewVerifier(), zap.NewNop())
	reg.DisableSignatureRequirement()
	reg.Register("Work.start", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p workStartParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		started <- p
		return struct{}{}, nil
	})
	reg.Register("Work.cancel", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			TaskID uuid.UUID `json:"task_id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		cancelled <- p.TaskID
		return struct{}{}, nil
	})

	srv := httptest.NewServer(reg)
	t.Cleanup(srv.Close)
	return srv.URL, started, cancelled
}

func newTestScheduler(t *testing.T, q queue.Queue, tasks *fakeTaskRepo, workers *fakeWorkerRepo, reg *registry.Registry) *Scheduler {
	t.Helper()
	return newTestSchedulerWithHeartbeat(t, q, tasks, workers, reg, 2*time.Second)
}

func newTestSchedulerWithHeartbeat(t *testing.T, q queue.Queue, tasks *fakeTaskRepo, workers *fakeWorkerRepo, reg *registry.Registry, heartbeat time.Duration) *Scheduler {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	s, err := New(Config{
		Pools:                 []string{"default"},
		PopTimeout:            100 * time.Millisecond,
		HeartbeatInterval:     heartbeat,
		DeadlineCheckInterval: 50 * time.Millisecond,
		DialTimeout:           time.Second,
	}, q, tasks, workers, reg, rpc.NewSigner(priv), zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestDispatchLoopSendsWorkStart(t *testing.T) {
	logger := zap.NewNop()
	q := memqueue.New()
	reg := registry.New(logger)
	tasks := &fakeTaskRepo{running: map[uuid.UUID][]domain.Task{}}
	workers := &fakeWorkerRepo{}

	url, started, _ := newWorkerServer(t)
	workerID := uuid.Must(uuid.NewV7())
	reg.Register(workerID, "default", url, []string{string(domain.KindProcess)}, "fp")

	s := newTestScheduler(t, q, tasks, workers, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.dispatchLoop(ctx, "default")

	taskID := uuid.Must(uuid.NewV7())
	require.NoError(t, q.Push(ctx, "default", queue.Envelope{
		ID:     uuid.Must(uuid.NewV7()),
		TaskID: taskID,
		Kind:   domain.KindProcess,
		Args:   []byte(`{"x":1}`),
	}))

	select {
	case p := <-started:
		require.Equal(t, taskID, p.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("Work.start was never called")
	}

	entry, ok := reg.Get(workerID)
	require.True(t, ok)
	require.False(t, entry.LastDispatch.IsZero())
}

func TestDispatchLoopRequeuesWhenNoWorker(t *testing.T) {
	logger := zap.NewNop()
	q := memqueue.New()
	reg := registry.New(logger)
	tasks := &fakeTaskRepo{running: map[uuid.UUID][]domain.Task{}}
	workers := &fakeWorkerRepo{}

	s := newTestScheduler(t, q, tasks, workers, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.dispatchLoop(ctx, "default")

	require.NoError(t, q.Push(ctx, "default", queue.Envelope{
		ID:     uuid.Must(uuid.NewV7()),
		TaskID: uuid.Must(uuid.NewV7()),
		Kind:   domain.KindProcess,
	}))

	require.Eventually(t, func() bool {
		depth, _ := q.Depth(ctx, "default")
		return depth == 1
	}, 2*time.Second, 10*time.Millisecond, "envelope should be requeued to the head")
}

func TestDeadlineWatchdogCancelsExpiredTask(t *testing.T) {
	logger := zap.NewNop()
	q := memqueue.New()
	reg := registry.New(logger)
	tasks := &fakeTaskRepo{running: map[uuid.UUID][]domain.Task{}}
	workers := &fakeWorkerRepo{}

	url, _, cancelled := newWorkerServer(t)
	workerID := uuid.Must(uuid.NewV7())
	reg.Register(workerID, "default", url, []string{string(domain.KindProcess)}, "fp")

	s := newTestScheduler(t, q, tasks, workers, reg)

	taskID := uuid.Must(uuid.NewV7())
	s.trackDeadline(taskID, time.Now().Add(-time.Second), workerID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.deadlineWatchdog(ctx) }()

	select {
	case id := <-cancelled:
		require.Equal(t, taskID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("Work.cancel was never called for the expired task")
	}
}

func TestEvictionWatchdogRequeuesWorkersTasks(t *testing.T) {
	logger := zap.NewNop()
	q := memqueue.New()
	reg := registry.New(logger)

	workerID := uuid.Must(uuid.NewV7())
	reg.Register(workerID, "default", "http://unused", []string{string(domain.KindProcess)}, "fp")
	reg.Heartbeat(workerID, domain.WorkerBusy)

	taskID := uuid.Must(uuid.NewV7())
	task := domain.Task{ID: taskID, Kind: domain.KindProcess, Pool: "default", Status: domain.TaskRunning, Attempt: 1}
	tasks := &fakeTaskRepo{
		running: map[uuid.UUID][]domain.Task{workerID: {task}},
		tasks:   map[uuid.UUID]domain.Task{taskID: task},
		rev:     map[uuid.UUID]string{taskID: "r0"},
	}
	workers := &fakeWorkerRepo{}

	s := newTestSchedulerWithHeartbeat(t, q, tasks, workers, reg, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond) // let the worker's LastSeenAt fall behind the EvictAfter (4*heartbeat=40ms) cutoff
	s.sweepEviction(context.Background())

	entry, ok := reg.Get(workerID)
	require.True(t, ok)
	require.Equal(t, domain.WorkerEvicted, entry.Status)

	depth, err := q.Depth(context.Background(), "default")
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	tasks.mu.Lock()
	require.Equal(t, domain.TaskQueued, tasks.tasks[taskID].Status)
	require.Equal(t, 2, tasks.tasks[taskID].Attempt)
	tasks.mu.Unlock()

	workers.mu.Lock()
	status := workers.statuses[workerID]
	workers.mu.Unlock()
	require.Equal(t, domain.WorkerEvicted, status)
}

func TestEvictionWatchdogMarksStaleBeforeEvicting(t *testing.T) {
	logger := zap.NewNop()
	q := memqueue.New()
	reg := registry.New(logger)

	workerID := uuid.Must(uuid.NewV7())
	reg.Register(workerID, "default", "http://unused", []string{string(domain.KindProcess)}, "fp")
	reg.Heartbeat(workerID, domain.WorkerBusy)

	tasks := &fakeTaskRepo{running: map[uuid.UUID][]domain.Task{}}
	workers := &fakeWorkerRepo{}

	s := newTestSchedulerWithHeartbeat(t, q, tasks, workers, reg, 10*time.Millisecond)
	time.Sleep(25 * time.Millisecond) // past StaleAfter (2*heartbeat=20ms) but not EvictAfter (40ms)
	s.sweepEviction(context.Background())

	entry, ok := reg.Get(workerID)
	require.True(t, ok)
	require.Equal(t, domain.WorkerStale, entry.Status, "worker should be stale, not yet evicted")

	_, ok = reg.SelectWorker("default", domain.KindProcess)
	require.False(t, ok, "a stale worker must not be offered new work")
}

func TestEvictionWatchdogFailsTaskOnceAttemptsExhausted(t *testing.T) {
	logger := zap.NewNop()
	q := memqueue.New()
	reg := registry.New(logger)

	workerID := uuid.Must(uuid.NewV7())
	reg.Register(workerID, "default", "http://unused", []string{string(domain.KindProcess)}, "fp")
	reg.Heartbeat(workerID, domain.WorkerBusy)

	taskID := uuid.Must(uuid.NewV7())
	task := domain.Task{ID: taskID, Kind: domain.KindProcess, Pool: "default", Status: domain.TaskRunning, Attempt: 5}
	tasks := &fakeTaskRepo{
		running: map[uuid.UUID][]domain.Task{workerID: {task}},
		tasks:   map[uuid.UUID]domain.Task{taskID: task},
		rev:     map[uuid.UUID]string{taskID: "r0"},
	}
	workers := &fakeWorkerRepo{}

	s := newTestSchedulerWithHeartbeat(t, q, tasks, workers, reg, 10*time.Millisecond)
	s.cfg.MaxAttempts = 5
	time.Sleep(50 * time.Millisecond)
	s.sweepEviction(context.Background())

	depth, err := q.Depth(context.Background(), "default")
	require.NoError(t, err)
	require.Equal(t, int64(0), depth, "a task past MaxAttempts must not be requeued")

	tasks.mu.Lock()
	require.Equal(t, domain.TaskFailed, tasks.tasks[taskID].Status)
	tasks.mu.Unlock()
}
