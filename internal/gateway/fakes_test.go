package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peagen/peagen/internal/domain"
	"github.com/peagen/peagen/internal/store"
)

// fakeTaskRepo is a minimal in-memory store.TaskRepository: tasks and
// their rev-hash chain keyed by id, plus a client_token index so Submit
// can exercise the same idempotency contract store.taskRepository gives
// Postgres. Good enough to drive the gateway's method handlers without a
// database; mirrors internal/scheduler/scheduler_test.go's fakeTaskRepo.
type fakeTaskRepo struct {
	mu        sync.Mutex
	tasks     map[uuid.UUID]domain.Task
	rev       map[uuid.UUID]string
	revisions map[uuid.UUID][]domain.TaskRevision
	byToken   map[string]uuid.UUID
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{
		tasks:     make(map[uuid.UUID]domain.Task),
		rev:       make(map[uuid.UUID]string),
		revisions: make(map[uuid.UUID][]domain.TaskRevision),
		byToken:   make(map[string]uuid.UUID),
	}
}

func (f *fakeTaskRepo) tokenKey(tenantID uuid.UUID, token string) string {
	return tenantID.String() + "/" + token
}

func (f *fakeTaskRepo) Submit(ctx context.Context, t *domain.Task, p domain.RevisionPatch) (uuid.UUID, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if t.ClientToken != nil && *t.ClientToken != "" {
		key := f.tokenKey(t.TenantID, *t.ClientToken)
		if existing, ok := f.byToken[key]; ok {
			return existing, f.rev[existing], nil
		}
	}

	id := uuid.Must(uuid.NewV7())
	t.ID = id
	t.Status = p.Status
	t.Attempt = p.Attempt
	t.CreatedAt = time.Now().UTC()
	t.UpdatedAt = t.CreatedAt
	f.tasks[id] = *t

	revHash := "seq1:" + string(p.Status)
	f.rev[id] = revHash
	f.revisions[id] = []domain.TaskRevision{{TaskID: id, Seq: 1, RevHash: revHash, CreatedAt: t.CreatedAt}}

	if t.ClientToken != nil && *t.ClientToken != "" {
		f.byToken[f.tokenKey(t.TenantID, *t.ClientToken)] = id
	}
	return id, revHash, nil
}

func (f *fakeTaskRepo) Append(ctx context.Context, taskID uuid.UUID, p domain.RevisionPatch, parentRevHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, ok := f.rev[taskID]
	if !ok {
		return "", store.ErrNotFound
	}
	if current != parentRevHash {
		return "", store.ErrHashMismatch
	}

	next := current + "->" + string(p.Status)
	f.rev[taskID] = next

	t := f.tasks[taskID]
	if p.Status != "" {
		t.Status = p.Status
	}
	if p.WorkerID != nil {
		t.WorkerID = p.WorkerID
	}
	if p.Attempt > 0 {
		t.Attempt = p.Attempt
	}
	t.UpdatedAt = time.Now().UTC()
	f.tasks[taskID] = t

	seq := int64(len(f.revisions[taskID]) + 1)
	f.revisions[taskID] = append(f.revisions[taskID], domain.TaskRevision{
		TaskID: taskID, Seq: seq, RevHash: next, ParentRevHash: &current, CreatedAt: t.UpdatedAt,
	})
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
	f.mu.Lock()
	defer f.mu.Unlock()
	revs, ok := f.revisions[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]domain.TaskRevision, len(revs))
	copy(out, revs)
	return out, nil
}

func (f *fakeTaskRepo) ListByStatus(ctx context.Context, pool string, status domain.TaskStatus) ([]domain.Task, error) {
	panic("not used")
}

func (f *fakeTaskRepo) ListByWorker(ctx context.Context, workerID uuid.UUID, status domain.TaskStatus) ([]domain.Task, error) {
	panic("not used")
}

// fakeWorkerRepo is a minimal store.WorkerRepository tracking registered
// workers and their last reported status.
type fakeWorkerRepo struct {
	mu       sync.Mutex
	workers  map[uuid.UUID]domain.Worker
	statuses map[uuid.UUID]domain.WorkerStatus
}

func newFakeWorkerRepo() *fakeWorkerRepo {
	return &fakeWorkerRepo{
		workers:  make(map[uuid.UUID]domain.Worker),
		statuses: make(map[uuid.UUID]domain.WorkerStatus),
	}
}

func (f *fakeWorkerRepo) Register(ctx context.Context, w *domain.Worker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w.ID == uuid.Nil {
		w.ID = uuid.Must(uuid.NewV7())
	}
	w.Status = domain.WorkerIdle
	w.LastSeenAt = time.Now().UTC()
	f.workers[w.ID] = *w
	return nil
}

func (f *fakeWorkerRepo) UpdateHeartbeat(ctx context.Context, workerID uuid.UUID, status domain.WorkerStatus, seenAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[workerID]
	if !ok {
		return store.ErrNotFound
	}
	w.Status = status
	w.LastSeenAt = seenAt
	f.workers[workerID] = w
	return nil
}

func (f *fakeWorkerRepo) UpdateStatus(ctx context.Context, workerID uuid.UUID, status domain.WorkerStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[workerID] = status
	if w, ok := f.workers[workerID]; ok {
		w.Status = status
		f.workers[workerID] = w
	}
	return nil
}

func (f *fakeWorkerRepo) Get(ctx context.Context, workerID uuid.UUID) (*domain.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[workerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := w
	return &cp, nil
}

func (f *fakeWorkerRepo) ListByPool(ctx context.Context, pool string) ([]domain.Worker, error) {
	panic("not used")
}

func (f *fakeWorkerRepo) ListStaleSince(ctx context.Context, cutoff time.Time) ([]domain.Worker, error) {
	panic("not used")
}

// fakeTenantRepo treats every (tenantID, pool) pair as existing unless
// explicitly marked missing via denyPool — enough to exercise the
// Task.submit/Secret.* pool-existence check without a real tenants table.
type fakeTenantRepo struct {
	mu        sync.Mutex
	denyPools map[string]bool
}

func newFakeTenantRepo() *fakeTenantRepo {
	return &fakeTenantRepo{denyPools: make(map[string]bool)}
}

func (f *fakeTenantRepo) denyPool(pool string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denyPools[pool] = true
}

func (f *fakeTenantRepo) Create(ctx context.Context, slug string) (*domain.Tenant, error) {
	panic("not used")
}

func (f *fakeTenantRepo) GetBySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	panic("not used")
}

func (f *fakeTenantRepo) EnsurePool(ctx context.Context, tenantID uuid.UUID, pool string) error {
	panic("not used")
}

func (f *fakeTenantRepo) PoolExists(ctx context.Context, tenantID uuid.UUID, pool string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.denyPools[pool], nil
}

// fakePublicKeyRepo is a minimal store.PublicKeyRepository keyed by
// fingerprint.
type fakePublicKeyRepo struct {
	mu   sync.Mutex
	keys map[string]domain.PublicKey
}

func newFakePublicKeyRepo() *fakePublicKeyRepo {
	return &fakePublicKeyRepo{keys: make(map[string]domain.PublicKey)}
}

func (f *fakePublicKeyRepo) Upload(ctx context.Context, k *domain.PublicKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[k.Fingerprint] = *k
	return nil
}

func (f *fakePublicKeyRepo) Get(ctx context.Context, fingerprint string) (*domain.PublicKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[fingerprint]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := k
	return &cp, nil
}

func (f *fakePublicKeyRepo) ListByFingerprints(ctx context.Context, fingerprints []string) ([]domain.PublicKey, error) {
	panic("not used")
}

func (f *fakePublicKeyRepo) ListAll(ctx context.Context) ([]domain.PublicKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.PublicKey, 0, len(f.keys))
	for _, k := range f.keys {
		out = append(out, k)
	}
	return out, nil
}

// fakeSecretRepo is a minimal store.SecretRepository keyed by
// (tenantID, pool, name).
type fakeSecretRepo struct {
	mu      sync.Mutex
	secrets map[string]domain.Secret
}

func newFakeSecretRepo() *fakeSecretRepo {
	return &fakeSecretRepo{secrets: make(map[string]domain.Secret)}
}

func (f *fakeSecretRepo) key(tenantID uuid.UUID, pool, name string) string {
	return tenantID.String() + "/" + pool + "/" + name
}

func (f *fakeSecretRepo) Add(ctx context.Context, s *domain.Secret) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.CreatedAt = time.Now().UTC()
	f.secrets[f.key(s.TenantID, s.Pool, s.Name)] = *s
	return nil
}

func (f *fakeSecretRepo) Get(ctx context.Context, tenantID uuid.UUID, pool, name string) (*domain.Secret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.secrets[f.key(tenantID, pool, name)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := s
	return &cp, nil
}

func (f *fakeSecretRepo) Remove(ctx context.Context, tenantID uuid.UUID, pool, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(tenantID, pool, name)
	if _, ok := f.secrets[k]; !ok {
		return store.ErrNotFound
	}
	delete(f.secrets, k)
	return nil
}

// fakeManifestRepo and fakeEvaluationRepo satisfy Deps for
// handlers that don't yet exist on the gateway's RPC surface — no
// currently registered method calls Manifests or Evaluations, so these
// stay stub-only until a DOE-submission method is added.
type fakeManifestRepo struct{}

func (fakeManifestRepo) Upsert(ctx context.Context, hash string, kind domain.ManifestKind, content []byte) error {
	panic("not used")
}
func (fakeManifestRepo) Get(ctx context.Context, hash string) (*domain.Manifest, error) {
	panic("not used")
}

type fakeEvaluationRepo struct{}

func (fakeEvaluationRepo) Record(ctx context.Context, r *domain.EvaluationResult) error {
	panic("not used")
}
func (fakeEvaluationRepo) ListByTask(ctx context.Context, taskID uuid.UUID) ([]domain.EvaluationResult, error) {
	panic("not used")
}
