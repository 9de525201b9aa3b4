// Package gateway wires the persisted repositories, the in-memory worker
// registry, the queue, and the WebSocket hub into the JSON-RPC method
// surface clients and workers actually call: Task.*, Worker.*, Work.*,
// Secret.* and PublicKey.*. It owns no storage of its own — every method
// here is a thin translation from wire params to a store/queue/registry
// call plus the task:update publish that keeps the revision chain and the
// pub/sub fan-out in lockstep.
package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peagen/peagen/internal/queue"
	"github.com/peagen/peagen/internal/registry"
	"github.com/peagen/peagen/internal/rpc"
	"github.com/peagen/peagen/internal/store"
	"github.com/peagen/peagen/internal/wsbridge"
)

// Config controls gateway-owned policy that isn't a repository or
// transport concern: backpressure thresholds and the deadline assigned to
// newly dispatched work.
type Config struct {
	// QueueHighWatermark rejects Task.submit with ErrBackpressure once a
	// pool's queue depth reaches this many envelopes.
	QueueHighWatermark int64

	// QueueLowWatermark is the depth a pool must drain back below before
	// Task.submit resumes accepting work for it, once QueueHighWatermark
	// has tripped backpressure. Must be < QueueHighWatermark; prevents a
	// pool from flapping open/closed at the high watermark's edge.
	QueueLowWatermark int64

	// TaskDeadline is added to time.Now() to compute each envelope's
	// Deadline, enforced by the scheduler's deadline watchdog.
	TaskDeadline time.Duration

	// DialTimeout bounds the gateway's own outbound Work.cancel calls
	// issued from Task.cancel.
	DialTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.QueueHighWatermark <= 0 {
		c.QueueHighWatermark = 1000
	}
	if c.QueueLowWatermark <= 0 || c.QueueLowWatermark >= c.QueueHighWatermark {
		c.QueueLowWatermark = c.QueueHighWatermark * 8 / 10
	}
	if c.TaskDeadline <= 0 {
		c.TaskDeadline = 10 * time.Minute
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// App holds every dependency the method handlers need. Construct with New
// and register its methods onto an *rpc.Registry with RegisterMethods.
type App struct {
	cfg Config

	Tasks       store.TaskRepository
	Workers     store.WorkerRepository
	Tenants     store.TenantRepository
	PublicKeys  store.PublicKeyRepository
	Manifests   store.ManifestRepository
	Secrets     store.SecretRepository
	Evaluations store.EvaluationResultRepository

	Queue    queue.Queue
	Registry *registry.Registry
	Hub      *wsbridge.Hub
	Signer   *rpc.Signer
	Verifier *rpc.Verifier

	backpressureMu sync.Mutex
	// backpressureTripped tracks, per pool, whether Task.submit is
	// currently in its rejecting phase. Set when depth reaches
	// QueueHighWatermark, cleared only once depth falls below
	// QueueLowWatermark — the hysteresis gap keeps a pool hovering at the
	// high watermark from flapping open and closed on every submit.
	backpressureTripped map[string]bool

	logger *zap.Logger
}

// Deps groups the repositories and collaborators New needs, so the
// constructor signature doesn't grow with every store added.
type Deps struct {
	Tasks       store.TaskRepository
	Workers     store.WorkerRepository
	Tenants     store.TenantRepository
	PublicKeys  store.PublicKeyRepository
	Manifests   store.ManifestRepository
	Secrets     store.SecretRepository
	Evaluations store.EvaluationResultRepository

	Queue    queue.Queue
	Registry *registry.Registry
	Hub      *wsbridge.Hub
	Signer   *rpc.Signer
	Verifier *rpc.Verifier
}

// New returns an App ready to have its methods registered.
func New(cfg Config, d Deps, logger *zap.Logger) *App {
	cfg.setDefaults()
	return &App{
		cfg:         cfg,
		Tasks:       d.Tasks,
		Workers:     d.Workers,
		Tenants:     d.Tenants,
		PublicKeys:  d.PublicKeys,
		Manifests:   d.Manifests,
		Secrets:     d.Secrets,
		Evaluations: d.Evaluations,
		Queue:       d.Queue,
		Registry:    d.Registry,
		Hub:         d.Hub,
		Signer:      d.Signer,
		Verifier:    d.Verifier,
		backpressureTripped: make(map[string]bool),
		logger:              logger.Named("gateway"),
	}
}

// admitsSubmit applies the high/low watermark hysteresis for pool given its
// current queue depth: once a pool has tripped backpressure at
// QueueHighWatermark, it stays rejecting until depth has drained back below
// QueueLowWatermark, rather than re-opening the instant depth dips by one.
func (a *App) admitsSubmit(pool string, depth int64) bool {
	a.backpressureMu.Lock()
	defer a.backpressureMu.Unlock()

	if a.backpressureTripped[pool] {
		if depth < a.cfg.QueueLowWatermark {
			delete(a.backpressureTripped, pool)
			return true
		}
		return false
	}
	if depth >= a.cfg.QueueHighWatermark {
		a.backpressureTripped[pool] = true
		return false
	}
	return true
}

// RegisterMethods mounts every gateway-owned JSON-RPC method onto reg.
func (a *App) RegisterMethods(reg *rpc.Registry) {
	reg.Register("Task.submit", a.taskSubmit)
	reg.Register("Task.update", a.taskUpdate)
	reg.Register("Task.get", a.taskGet)
	reg.Register("Task.history", a.taskHistory)
	reg.Register("Task.cancel", a.taskCancel)

	reg.Register("Worker.register", a.workerRegister)
	reg.Register("Worker.heartbeat", a.workerHeartbeat)
	reg.Register("Work.finished", a.workFinished)

	reg.Register("Secret.add", a.secretAdd)
	reg.Register("Secret.get", a.secretGet)
	reg.Register("Secret.remove", a.secretRemove)

	reg.Register("PublicKey.upload", a.publicKeyUpload)

	// Bootstrap surface: a worker's very first call, before it has a key
	// the gateway trusts, must be reachable unsigned. PublicKey.upload
	// lets it mint that trust (its tenant_id is the out-of-band secret
	// carried from cmd/seed); Worker.register and Task.get are named
	// explicitly by the wire contract.
	reg.AllowUnsigned("PublicKey.upload")
	reg.AllowUnsigned("Worker.register")
	reg.AllowUnsigned("Task.get")
}

// LoadTrustedKeys re-hydrates the Verifier from every public key already
// on record, so a restarted gateway keeps honoring signatures from
// principals that registered before the restart instead of rejecting
// them until each re-uploads its key.
func (a *App) LoadTrustedKeys(ctx context.Context) error {
	keys, err := a.PublicKeys.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		pub, err := rpc.DecodePublicKeyPEM(k.Armored)
		if err != nil {
			a.logger.Warn("skipping unparsable stored public key",
				zap.String("fingerprint", k.Fingerprint), zap.Error(err))
			continue
		}
		a.Verifier.Trust(pub)
	}
	a.logger.Info("loaded trusted public keys", zap.Int("count", len(keys)))
	return nil
}

// publish forwards a task:update message, logging rather than propagating
// a failure — a lost pub/sub notification never rolls back a committed
// revision, it only delays a WebSocket subscriber's next refresh (it can
// always resync via Task.get).
func (a *App) publish(ctx context.Context, msg queue.Message) {
	if err := a.Queue.Publish(ctx, queue.TaskUpdateChannel, msg); err != nil {
		a.logger.Warn("publish task:update failed",
			zap.String("task_id", msg.TaskID.String()),
			zap.Error(err),
		)
	}
}
