package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/peagen/peagen/internal/config"
	"github.com/peagen/peagen/internal/gateway"
	"github.com/peagen/peagen/internal/queue"
	"github.com/peagen/peagen/internal/queue/memqueue"
	"github.com/peagen/peagen/internal/queue/redisqueue"
	"github.com/peagen/peagen/internal/registry"
	"github.com/peagen/peagen/internal/rpc"
	"github.com/peagen/peagen/internal/scheduler"
	"github.com/peagen/peagen/internal/store"
	"github.com/peagen/peagen/internal/wsbridge"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.DefaultGateway()
	var configFile string

	root := &cobra.Command{
		Use:   "peagen-gateway",
		Short: "Peagen gateway — JSON-RPC control plane for distributed job execution",
		Long: `The gateway accepts Task.submit/update/get/history/cancel, Worker.register/
heartbeat, Work.finished, Secret.add/get/remove and PublicKey.upload over
signed JSON-RPC, dispatches queued work to registered workers, and fans
out task revisions to WebSocket subscribers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := config.LoadGatewayFile(configFile, &cfg, changedFlags(cmd)); err != nil {
					return err
				}
			}
			return run(cmd.Context(), &cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&configFile, "config", "", "Optional TOML config file — values here are overridden by explicit flags and PEAGEN_* env vars")
	root.PersistentFlags().StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address for /rpc, /ws, /healthz, /readyz and /metrics")
	root.PersistentFlags().StringVar(&cfg.DatabaseDSN, "database-dsn", cfg.DatabaseDSN, "Postgres connection string")
	root.PersistentFlags().StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address, used when --use-redis-queue is set")
	root.PersistentFlags().BoolVar(&cfg.UseRedisQueue, "use-redis-queue", cfg.UseRedisQueue, "Back the task queue and pub/sub with Redis instead of the in-memory queue")
	root.PersistentFlags().StringSliceVar(&cfg.Pools, "pools", cfg.Pools, "Worker pools to run a dispatch loop for")
	root.PersistentFlags().Int64Var(&cfg.QueueHighWatermark, "queue-high-watermark", cfg.QueueHighWatermark, "Reject Task.submit once a pool's queue depth reaches this many envelopes")
	root.PersistentFlags().Int64Var(&cfg.QueueLowWatermark, "queue-low-watermark", cfg.QueueLowWatermark, "Once tripped, keep rejecting Task.submit for a pool until its depth drains below this")
	root.PersistentFlags().DurationVar(&cfg.TaskDeadline, "task-deadline", cfg.TaskDeadline, "Deadline assigned to newly dispatched work")
	root.PersistentFlags().DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Expected worker heartbeat interval, T_heartbeat")
	root.PersistentFlags().DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "Timeout for outbound calls the gateway makes to workers")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.SigningKeyFile, "signing-key-file", cfg.SigningKeyFile, "Path to the gateway's Ed25519 signing key, generated on first run")

	return root
}

// gatewayTOMLFlags maps each TOML key LoadGatewayFile understands to the
// cobra flag name and PEAGEN_* env var that take precedence over it.
var gatewayTOMLFlags = map[string][2]string{
	"http_addr":            {"http-addr", "PEAGEN_HTTP_ADDR"},
	"database_dsn":         {"database-dsn", "PEAGEN_DATABASE_DSN"},
	"redis_addr":           {"redis-addr", "PEAGEN_REDIS_ADDR"},
	"use_redis_queue":      {"use-redis-queue", "PEAGEN_USE_REDIS_QUEUE"},
	"pools":                {"pools", "PEAGEN_POOLS"},
	"queue_high_watermark": {"queue-high-watermark", "PEAGEN_QUEUE_HIGH_WATERMARK"},
	"queue_low_watermark":  {"queue-low-watermark", "PEAGEN_QUEUE_LOW_WATERMARK"},
	"task_deadline":        {"task-deadline", "PEAGEN_TASK_DEADLINE"},
	"heartbeat_interval":   {"heartbeat-interval", "PEAGEN_HEARTBEAT_INTERVAL"},
	"dial_timeout":         {"dial-timeout", "PEAGEN_DIAL_TIMEOUT"},
	"log_level":            {"log-level", "PEAGEN_LOG_LEVEL"},
	"signing_key_file":     {"signing-key-file", "PEAGEN_SIGNING_KEY_FILE"},
}

// changedFlags returns the TOML keys whose value already came from an
// explicit --flag or its PEAGEN_* environment variable, so LoadGatewayFile
// leaves them alone rather than letting the config file win.
func changedFlags(cmd *cobra.Command) map[string]bool {
	skip := make(map[string]bool, len(gatewayTOMLFlags))
	for tomlKey, pair := range gatewayTOMLFlags {
		flagName, envName := pair[0], pair[1]
		if cmd.Flags().Changed(flagName) || os.Getenv(envName) != "" {
			skip[tomlKey] = true
		}
	}
	return skip
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("peagen-gateway %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config.Gateway) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Info("starting peagen gateway",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.Strings("pools", cfg.Pools),
		zap.Bool("use_redis_queue", cfg.UseRedisQueue),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Signing key ---
	signer, err := rpc.LoadOrGenerateSigner(cfg.SigningKeyFile, logger)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}
	if err := writeGatewayPublicKey(cfg.SigningKeyFile, signer); err != nil {
		logger.Warn("failed to write public key export file", zap.Error(err))
	}
	verifier := rpc.NewVerifier()

	// --- 2. Database ---
	st, err := store.New(ctx, store.Config{DSN: cfg.DatabaseDSN, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	// --- 3. Repositories ---
	tasks := store.NewTaskRepository(st)
	workers := store.NewWorkerRepository(st)
	tenants := store.NewTenantRepository(st)
	publicKeys := store.NewPublicKeyRepository(st)
	manifests := store.NewManifestRepository(st)
	secrets := store.NewSecretRepository(st)
	evaluations := store.NewEvaluationResultRepository(st)

	// --- 4. Queue ---
	q, closeQueue, err := buildQueue(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open queue: %w", err)
	}
	defer closeQueue()

	// --- 5. Worker directory and WebSocket hub ---
	reg := registry.New(logger)
	hub := wsbridge.NewHub()
	go func() {
		<-ctx.Done()
		hub.Close()
	}()

	bridge := wsbridge.NewBridge(hub, q, logger)
	go func() {
		poolOf := func(ctx context.Context, taskID string) (string, error) {
			id, err := parseTaskID(taskID)
			if err != nil {
				return "", err
			}
			t, _, err := tasks.Get(ctx, id)
			if err != nil {
				return "", err
			}
			return t.Pool, nil
		}
		if err := bridge.Run(ctx, poolOf); err != nil && ctx.Err() == nil {
			logger.Error("websocket bridge stopped", zap.Error(err))
		}
	}()

	// --- 6. RPC registry and gateway application ---
	rpcReg := rpc.NewRegistry(verifier, logger)
	app := gateway.New(gateway.Config{
		QueueHighWatermark: cfg.QueueHighWatermark,
		QueueLowWatermark:  cfg.QueueLowWatermark,
		TaskDeadline:       cfg.TaskDeadline,
		DialTimeout:        cfg.DialTimeout,
	}, gateway.Deps{
		Tasks:       tasks,
		Workers:     workers,
		Tenants:     tenants,
		PublicKeys:  publicKeys,
		Manifests:   manifests,
		Secrets:     secrets,
		Evaluations: evaluations,
		Queue:       q,
		Registry:    reg,
		Hub:         hub,
		Signer:      signer,
		Verifier:    verifier,
	}, logger)
	app.RegisterMethods(rpcReg)
	if err := app.LoadTrustedKeys(ctx); err != nil {
		return fmt.Errorf("failed to load trusted public keys: %w", err)
	}

	// --- 7. Scheduler ---
	sched, err := scheduler.New(scheduler.Config{
		Pools:             cfg.Pools,
		HeartbeatInterval: cfg.HeartbeatInterval,
		DialTimeout:       cfg.DialTimeout,
	}, q, tasks, workers, reg, signer, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("scheduler stopped", zap.Error(err))
			cancel()
		}
	}()

	// --- 8. HTTP server ---
	router := gateway.NewRouter(gateway.RouterConfig{
		RPC:    rpcReg,
		Hub:    hub,
		Logger: logger,
		Ready:  st.Ping,
	})

	httpSrv := rpc.NewServer(cfg.HTTPAddr, router)

	go func() {
		logger.Info("gateway listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down peagen gateway")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("peagen gateway stopped")
	return nil
}

// buildQueue selects the Redis-backed queue when configured, else the
// in-memory one used for single-process development and tests.
func buildQueue(ctx context.Context, cfg *config.Gateway) (queue.Queue, func(), error) {
	if !cfg.UseRedisQueue {
		q := memqueue.New()
		return q, func() { _ = q.Close() }, nil
	}

	q, err := redisqueue.New(ctx, redisqueue.Config{Addr: cfg.RedisAddr})
	if err != nil {
		return nil, nil, err
	}
	return q, func() { _ = q.Close() }, nil
}

// writeGatewayPublicKey exports the gateway's public key alongside its
// private key file (<path>.pub) so operators can copy it onto worker
// hosts as PEAGEN_WORKER_GATEWAY_PUBLIC_KEY_FILE without ever touching
// the private key itself.
func writeGatewayPublicKey(signingKeyFile string, signer *rpc.Signer) error {
	armored := rpc.EncodePublicKeyPEM(signer.Public())
	return os.WriteFile(signingKeyFile+".pub", []byte(armored), 0644)
}

// parseTaskID parses the task id carried in a task:<id> websocket topic
// back into a uuid.UUID for the revision lookup.
func parseTaskID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
