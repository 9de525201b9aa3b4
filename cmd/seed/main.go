// Command peagen-seed creates a tenant, its first pool, and a signing
// keypair for the tenant's first principal directly against the gateway
// database. It lives alongside the other binaries rather than behind the
// JSON-RPC surface because a brand-new tenant has no public key yet to
// sign the request that would otherwise create one.
//
// Usage:
//
//	go run ./cmd/seed --tenant-slug acme --pool default --key-out ./acme-admin.pem
//
// Environment variables:
//
//	PEAGEN_DATABASE_DSN  Postgres connection string (default: same as the gateway)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/peagen/peagen/internal/config"
	"github.com/peagen/peagen/internal/domain"
	"github.com/peagen/peagen/internal/rpc"
	"github.com/peagen/peagen/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	tenantSlug := flag.String("tenant-slug", "", "Tenant slug to create (required)")
	pool := flag.String("pool", domain.DefaultPool, "First pool to provision for the tenant")
	role := flag.String("role", "user", "Role for the seeded principal: user, worker or gateway")
	keyOut := flag.String("key-out", "", "Path to write the seeded principal's private key PEM (required)")
	flag.Parse()

	if *tenantSlug == "" {
		return fmt.Errorf("--tenant-slug is required")
	}
	if *keyOut == "" {
		return fmt.Errorf("--key-out is required")
	}
	principalRole := domain.PrincipalRole(*role)
	switch principalRole {
	case domain.RoleUser, domain.RoleWorker, domain.RoleGateway:
	default:
		return fmt.Errorf("--role must be one of: user, worker, gateway")
	}

	dsn := envOrDefault("PEAGEN_DATABASE_DSN", config.DefaultGateway().DatabaseDSN)

	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()
	st, err := store.New(ctx, store.Config{DSN: dsn, Logger: logger})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	tenants := store.NewTenantRepository(st)
	publicKeys := store.NewPublicKeyRepository(st)

	tenant, err := tenants.Create(ctx, *tenantSlug)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	if err := tenants.EnsurePool(ctx, tenant.ID, *pool); err != nil {
		return fmt.Errorf("ensure pool: %w", err)
	}

	signer, err := rpc.LoadOrGenerateSigner(*keyOut, logger)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}

	k := &domain.PublicKey{
		Fingerprint: signer.Fingerprint(),
		TenantID:    tenant.ID,
		Role:        principalRole,
		Armored:     rpc.EncodePublicKeyPEM(signer.Public()),
	}
	if err := publicKeys.Upload(ctx, k); err != nil {
		return fmt.Errorf("upload public key: %w", err)
	}

	fmt.Printf("tenant created\n")
	fmt.Printf("  tenant_id:   %s\n", tenant.ID)
	fmt.Printf("  slug:        %s\n", tenant.Slug)
	fmt.Printf("  pool:        %s\n", *pool)
	fmt.Printf("  fingerprint: %s\n", signer.Fingerprint())
	fmt.Printf("  private key: %s\n", *keyOut)

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
