package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/peagen/peagen/internal/domain"
)

type secretAddParams struct {
	Name        string              `json:"name"`
	Pool        string              `json:"pool"`
	Ciphertext  []byte              `json:"ciphertext"`
	WrappedKeys []domain.WrappedKey `json:"wrapped_keys"`
	Recipients  []string            `json:"recipients"`
	TenantID    uuid.UUID           `json:"tenant_id,omitempty"`
}

// secretAdd stores an already-sealed secret envelope. The gateway never
// sees plaintext: callers seal locally (random CEK, AES-256-GCM over the
// payload, the CEK wrapped once per recipient via internal/secret.Seal)
// and hand over only the sealed bytes, so a compromised gateway process
// can't leak any secret it stores.
func (a *App) secretAdd(ctx context.Context, raw json.RawMessage) (any, error) {
	var p secretAddParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("gateway: decode Secret.add params: %w", err)
	}
	if p.Pool == "" {
		p.Pool = domain.DefaultPool
	}

	tenantID, err := a.resolveTenant(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}

	s := &domain.Secret{
		Name:           p.Name,
		TenantID:       tenantID,
		Pool:           p.Pool,
		CiphertextAEAD: p.Ciphertext,
		WrappedKeys:    p.WrappedKeys,
		Recipients:     p.Recipients,
	}
	if err := a.Secrets.Add(ctx, s); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

type secretGetParams struct {
	Name     string    `json:"name"`
	Pool     string    `json:"pool"`
	TenantID uuid.UUID `json:"tenant_id,omitempty"`
}

// secretGet returns the sealed envelope as stored — ciphertext plus every
// recipient's wrapped CEK. The caller unwraps its own copy locally with
// internal/secret.Open; the gateway performs no decryption on this path.
func (a *App) secretGet(ctx context.Context, raw json.RawMessage) (any, error) {
	var p secretGetParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("gateway: decode Secret.get params: %w", err)
	}
	if p.Pool == "" {
		p.Pool = domain.DefaultPool
	}

	tenantID, err := a.resolveTenant(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}

	s, err := a.Secrets.Get(ctx, tenantID, p.Pool, p.Name)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type secretRemoveParams struct {
	Name     string    `json:"name"`
	Pool     string    `json:"pool"`
	TenantID uuid.UUID `json:"tenant_id,omitempty"`
}

func (a *App) secretRemove(ctx context.Context, raw json.RawMessage) (any, error) {
	var p secretRemoveParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("gateway: decode Secret.remove params: %w", err)
	}
	if p.Pool == "" {
		p.Pool = domain.DefaultPool
	}

	tenantID, err := a.resolveTenant(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}

	if err := a.Secrets.Remove(ctx, tenantID, p.Pool, p.Name); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}
