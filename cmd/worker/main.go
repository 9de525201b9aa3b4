package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/peagen/peagen/internal/config"
	"github.com/peagen/peagen/internal/domain"
	"github.com/peagen/peagen/internal/handler"
	"github.com/peagen/peagen/internal/rpc"
	"github.com/peagen/peagen/internal/worker"
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
	cfg := config.DefaultWorker()
	var publicEndpoint string
	var configFile string

	root := &cobra.Command{
		Use:   "peagen-worker",
		Short: "Peagen worker — executes dispatched tasks for a single pool",
		Long: `The worker registers with a gateway, heartbeats on an interval, serves
Work.start/Work.cancel over its own signed JSON-RPC endpoint, and reports
outcomes back via Work.finished.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := config.LoadWorkerFile(configFile, &cfg, changedWorkerFlags(cmd)); err != nil {
					return err
				}
			}
			if publicEndpoint == "" {
				publicEndpoint = "http://localhost" + cfg.ListenAddr
			}
			return run(cmd.Context(), &cfg, publicEndpoint)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&configFile, "config", "", "Optional TOML config file — values here are overridden by explicit flags and PEAGEN_WORKER_* env vars")
	root.PersistentFlags().StringVar(&cfg.GatewayAddr, "gateway-addr", cfg.GatewayAddr, "Gateway /rpc endpoint")
	root.PersistentFlags().StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "Local address the worker's RPC server binds to")
	root.PersistentFlags().StringVar(&publicEndpoint, "public-endpoint", "", "URL the gateway should call back on (defaults to http://localhost<listen-addr>)")
	root.PersistentFlags().StringVar(&cfg.Pool, "pool", cfg.Pool, "Worker pool to register under")
	root.PersistentFlags().StringSliceVar(&cfg.Capabilities, "capabilities", cfg.Capabilities, "Task kinds this worker can execute (process, mutate, evolve, doe, evaluate)")
	root.PersistentFlags().IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "Maximum tasks executed concurrently")
	root.PersistentFlags().StringVar(&cfg.StateFile, "state-file", cfg.StateFile, "Path persisting the worker_id issued at first registration")
	root.PersistentFlags().DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Interval between Worker.heartbeat calls")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.SigningKeyFile, "signing-key-file", cfg.SigningKeyFile, "Path to this worker's Ed25519 signing key, generated on first run")
	root.PersistentFlags().StringVar(&cfg.GatewayPublicKeyFile, "gateway-public-key-file", cfg.GatewayPublicKeyFile, "Path to the gateway's exported public key (<gateway signing key>.pub)")
	root.PersistentFlags().StringVar(&cfg.TenantID, "tenant-id", cfg.TenantID, "Tenant this worker's key belongs to, issued by peagen-seed; required for a worker's first PublicKey.upload")

	return root
}

// workerTOMLFlags maps each TOML key LoadWorkerFile understands to the
// cobra flag name and PEAGEN_WORKER_* env var that take precedence over it.
var workerTOMLFlags = map[string][2]string{
	"gateway_addr":            {"gateway-addr", "PEAGEN_WORKER_GATEWAY_ADDR"},
	"listen_addr":             {"listen-addr", "PEAGEN_WORKER_LISTEN_ADDR"},
	"pool":                    {"pool", "PEAGEN_WORKER_POOL"},
	"capabilities":            {"capabilities", "PEAGEN_WORKER_CAPABILITIES"},
	"concurrency":             {"concurrency", "PEAGEN_WORKER_CONCURRENCY"},
	"state_file":              {"state-file", "PEAGEN_WORKER_STATE_FILE"},
	"heartbeat_interval":      {"heartbeat-interval", "PEAGEN_WORKER_HEARTBEAT_INTERVAL"},
	"log_level":               {"log-level", "PEAGEN_WORKER_LOG_LEVEL"},
	"signing_key_file":        {"signing-key-file", "PEAGEN_WORKER_SIGNING_KEY_FILE"},
	"gateway_public_key_file": {"gateway-public-key-file", "PEAGEN_WORKER_GATEWAY_PUBLIC_KEY_FILE"},
	"tenant_id":               {"tenant-id", "PEAGEN_WORKER_TENANT_ID"},
}

func changedWorkerFlags(cmd *cobra.Command) map[string]bool {
	skip := make(map[string]bool, len(workerTOMLFlags))
	for tomlKey, pair := range workerTOMLFlags {
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
			fmt.Printf("peagen-worker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config.Worker, publicEndpoint string) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting peagen worker",
		zap.String("version", version),
		zap.String("gateway_addr", cfg.GatewayAddr),
		zap.String("pool", cfg.Pool),
		zap.Strings("capabilities", cfg.Capabilities),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Signing key and gateway trust ---
	signer, err := rpc.LoadOrGenerateSigner(cfg.SigningKeyFile, logger)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}

	verifier := rpc.NewVerifier()
	gatewayPub, err := loadGatewayPublicKey(cfg.GatewayPublicKeyFile)
	if err != nil {
		logger.Warn("gateway public key not yet available — Work.start/Work.cancel will be rejected until it is configured",
			zap.String("path", cfg.GatewayPublicKeyFile), zap.Error(err))
	} else {
		verifier.Trust(gatewayPub)
	}

	// --- 2. Handlers ---
	handlers := handler.NewRegistry()
	for _, kind := range cfg.Capabilities {
		handlers.Register(domain.TaskKind(kind), handler.Echo)
	}

	// --- 3. Runtime ---
	rt := worker.New(worker.Config{
		GatewayEndpoint:   cfg.GatewayAddr,
		ListenAddr:        cfg.ListenAddr,
		PublicEndpoint:    publicEndpoint,
		Pool:              cfg.Pool,
		Concurrency:       cfg.Concurrency,
		StateDir:          stateDirOf(cfg.StateFile),
		HeartbeatInterval: cfg.HeartbeatInterval,
		TenantID:          cfg.TenantID,
	}, handlers, signer, logger)

	err = rt.Run(ctx, verifier)
	logger.Info("peagen worker stopped")
	return err
}

// stateDirOf returns the directory component of a configured state file
// path; worker.Runtime always names its state file worker-state.json
// inside the directory it is given.
func stateDirOf(stateFile string) string {
	for i := len(stateFile) - 1; i >= 0; i-- {
		if stateFile[i] == '/' {
			return stateFile[:i]
		}
	}
	return "."
}

func loadGatewayPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return rpc.DecodePublicKeyPEM(string(data))
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
