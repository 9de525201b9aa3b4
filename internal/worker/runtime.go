// Package worker implements the binary-side runtime used by cmd/worker: it
// registers with the gateway, maintains a heartbeat with exponential
// backoff on failure, serves Work.start/Work.cancel over its own JSON-RPC
// endpoint, and reports completed jobs back to the gateway via
// Work.finished.
package worker

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peagen/peagen/internal/domain"
	"github.com/peagen/peagen/internal/handler"
	"github.com/peagen/peagen/internal/rpc"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// so many workers reconnecting at once don't hammer the gateway in lockstep.
	jitterFraction = 0.2
)

// Config holds everything the runtime needs to register, heartbeat, and
// serve work.
type Config struct {
	GatewayEndpoint   string // e.g. https://gateway:8443/rpc
	ListenAddr        string // local address the RPC server binds to
	PublicEndpoint    string // URL the gateway should call back on (Work.start)
	Pool              string
	Concurrency       int
	StateDir          string
	HeartbeatInterval time.Duration
	CallTimeout       time.Duration

	// TenantID names the tenant this worker's key belongs to, handed out
	// of-band (cmd/seed). Empty means the key was already uploaded by an
	// operator and PublicKey.upload is skipped.
	TenantID string
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
}

// Runtime is one worker process: registration/heartbeat loop against the
// gateway plus a local RPC server executing dispatched tasks.
type Runtime struct {
	cfg      Config
	handlers *handler.Registry
	signer   *rpc.Signer
	gateway  *rpc.Client
	logger   *zap.Logger

	mu       sync.RWMutex
	workerID uuid.UUID

	keyUploaded bool

	pool *pool
}

// New creates a Runtime. signer is the worker's own Ed25519 key, used to
// sign every call it makes to the gateway. The verifier that authenticates
// inbound Work.start/Work.cancel calls is passed to Run.
func New(cfg Config, handlers *handler.Registry, signer *rpc.Signer, logger *zap.Logger) *Runtime {
	cfg.setDefaults()
	return &Runtime{
		cfg:      cfg,
		handlers: handlers,
		signer:   signer,
		gateway:  rpc.NewClient(cfg.GatewayEndpoint, signer, cfg.CallTimeout),
		logger:   logger.Named("worker"),
	}
}

// Run starts the local RPC server, then loops registering and
// heartbeating against the gateway with exponential backoff on failure.
// Blocks until ctx is cancelled.
func (rt *Runtime) Run(ctx context.Context, verifier *rpc.Verifier) error {
	rt.pool = newPool(rt.handlers, rt.cfg.Concurrency, rt.reportFinished, rt.logger)

	reg := rpc.NewRegistry(verifier, rt.logger)
	registerRPC(reg, rt.pool)

	srv := rpc.NewServer(rt.cfg.ListenAddr, reg)
	ln, err := net.Listen("tcp", rt.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("worker: listen on %s: %w", rt.cfg.ListenAddr, err)
	}

	srvErrCh := make(chan error, 1)
	go func() { srvErrCh <- srv.Serve(ln) }()
	defer srv.Close()

	go rt.connectLoop(ctx)

	select {
	case <-ctx.Done():
		return nil
	case err := <-srvErrCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("worker: rpc server: %w", err)
		}
		return nil
	}
}

// connectLoop registers (or re-registers with the persisted worker_id)
// and runs the heartbeat loop, reconnecting with exponential backoff on
// any failure, exactly mirroring the reconnect-with-jitter shape used for
// the gateway-side dial.
func (rt *Runtime) connectLoop(ctx context.Context) {
	backoff := backoffInitial
	for {
		if ctx.Err() != nil {
			return
		}

		if err := rt.uploadKeyOnce(ctx); err != nil {
			rt.logger.Warn("public key upload failed, retrying",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		if err := rt.register(ctx); err != nil {
			rt.logger.Warn("registration failed, retrying",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = backoffInitial

		if err := rt.heartbeatLoop(ctx); err != nil {
			rt.logger.Warn("heartbeat loop ended, re-registering",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
		}
	}
}

type publicKeyUploadParams struct {
	Fingerprint string    `json:"fingerprint"`
	TenantID    uuid.UUID `json:"tenant_id"`
	Role        string    `json:"role"`
	Armored     string    `json:"armored"`
}

// uploadKeyOnce registers this worker's public key with the gateway
// before its first Worker.register call, so the signed heartbeat and
// Work.finished calls that follow verify against a key the gateway
// already trusts. A no-op once it has succeeded, and entirely skipped
// when no tenant was configured (the key was provisioned out of band).
func (rt *Runtime) uploadKeyOnce(ctx context.Context) error {
	rt.mu.RLock()
	done := rt.keyUploaded
	rt.mu.RUnlock()
	if done || rt.cfg.TenantID == "" {
		return nil
	}

	tenantID, err := uuid.Parse(rt.cfg.TenantID)
	if err != nil {
		return fmt.Errorf("worker: parse tenant id %q: %w", rt.cfg.TenantID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, rt.cfg.CallTimeout)
	defer cancel()

	err = rt.gateway.Call(callCtx, "PublicKey.upload", publicKeyUploadParams{
		Fingerprint: rt.signer.Fingerprint(),
		TenantID:    tenantID,
		Role:        "worker",
		Armored:     rpc.EncodePublicKeyPEM(rt.signer.Public()),
	}, nil)
	if err != nil {
		return fmt.Errorf("PublicKey.upload: %w", err)
	}

	rt.mu.Lock()
	rt.keyUploaded = true
	rt.mu.Unlock()

	rt.logger.Info("uploaded public key to gateway", zap.String("fingerprint", rt.signer.Fingerprint()))
	return nil
}

type registerParams struct {
	WorkerID     uuid.UUID `json:"worker_id,omitempty"`
	Endpoint     string    `json:"endpoint"`
	Pool         string    `json:"pool"`
	Capabilities []string  `json:"capabilities"`
	PublicKeyFP  string    `json:"public_key_fp"`
}

type registerResult struct {
	WorkerID uuid.UUID `json:"worker_id"`
}

func (rt *Runtime) register(ctx context.Context) error {
	state, err := loadState(rt.cfg.StateDir)
	if err != nil {
		rt.logger.Warn("failed to load worker state, registering fresh", zap.Error(err))
	}

	callCtx, cancel := context.WithTimeout(ctx, rt.cfg.CallTimeout)
	defer cancel()

	var res registerResult
	err = rt.gateway.Call(callCtx, "Worker.register", registerParams{
		WorkerID:     state.WorkerID,
		Endpoint:     rt.cfg.PublicEndpoint,
		Pool:         rt.cfg.Pool,
		Capabilities: rt.handlers.Capabilities(),
		PublicKeyFP:  rt.signer.Fingerprint(),
	}, &res)
	if err != nil {
		return fmt.Errorf("Worker.register: %w", err)
	}

	rt.mu.Lock()
	rt.workerID = res.WorkerID
	rt.mu.Unlock()

	if res.WorkerID != state.WorkerID {
		if err := saveState(rt.cfg.StateDir, persistedState{WorkerID: res.WorkerID}); err != nil {
			rt.logger.Warn("failed to persist worker state", zap.Error(err))
		}
	}

	rt.logger.Info("registered with gateway",
		zap.String("worker_id", res.WorkerID.String()),
		zap.String("pool", rt.cfg.Pool),
	)
	return nil
}

type heartbeatParams struct {
	WorkerID uuid.UUID           `json:"worker_id"`
	Status   domain.WorkerStatus `json:"status"`
}

func (rt *Runtime) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(rt.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rt.mu.RLock()
			id := rt.workerID
			rt.mu.RUnlock()

			callCtx, cancel := context.WithTimeout(ctx, rt.cfg.CallTimeout)
			err := rt.gateway.Call(callCtx, "Worker.heartbeat", heartbeatParams{
				WorkerID: id,
				Status:   domain.WorkerIdle,
			}, nil)
			cancel()
			if err != nil {
				return fmt.Errorf("Worker.heartbeat: %w", err)
			}
		}
	}
}

type finishedParams struct {
	TaskID    uuid.UUID `json:"task_id"`
	Status    string    `json:"status"`
	Result    []byte    `json:"result"`
	Artifacts []string  `json:"artifacts"`
	Reason    string    `json:"reason"`
}

// reportFinished is the pool's finishFunc: it calls Work.finished on the
// gateway with the handler's outcome. Failures here are logged, not
// retried — a lost completion report surfaces to the operator as a task
// stuck in "running" past its deadline, which the gateway's deadline
// watchdog already handles.
func (rt *Runtime) reportFinished(ctx context.Context, j job, res handler.Result, handlerErr error) {
	params := finishedParams{
		TaskID:    j.TaskID,
		Result:    res.Output,
		Artifacts: res.Artifacts,
	}
	if handlerErr != nil {
		params.Status = string(domain.TaskFailed)
		params.Reason = handlerErr.Error()
	} else {
		params.Status = string(domain.TaskSucceeded)
	}

	callCtx, cancel := context.WithTimeout(ctx, rt.cfg.CallTimeout)
	defer cancel()

	if err := rt.gateway.Call(callCtx, "Work.finished", params, nil); err != nil {
		rt.logger.Error("Work.finished failed",
			zap.String("task_id", j.TaskID.String()),
			zap.Error(err),
		)
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
