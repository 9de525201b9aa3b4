package gateway

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/peagen/peagen/internal/rpc"
	"github.com/peagen/peagen/internal/store"
)

// resolveTenant returns explicit when it is non-nil, otherwise looks up
// the tenant that owns the calling principal's registered public key.
// Signature verification (when enabled) has already proven the caller
// holds that key's private half by the time a method handler runs.
func (a *App) resolveTenant(ctx context.Context, explicit uuid.UUID) (uuid.UUID, error) {
	if explicit != uuid.Nil {
		return explicit, nil
	}

	fp := rpc.PrincipalFromContext(ctx)
	if fp == "" {
		return uuid.Nil, fmt.Errorf("gateway: tenant_id required when request is unsigned: %w", store.ErrTenantMissing)
	}

	key, err := a.PublicKeys.Get(ctx, fp)
	if err != nil {
		return uuid.Nil, fmt.Errorf("gateway: resolve tenant from key %s: %w", fp, err)
	}
	return key.TenantID, nil
}
