package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/peagen/peagen/internal/domain"
	"github.com/peagen/peagen/internal/rpc"
)

type publicKeyUploadParams struct {
	Fingerprint string               `json:"fingerprint"`
	TenantID    uuid.UUID            `json:"tenant_id"`
	Role        domain.PrincipalRole `json:"role"`
	Armored     string               `json:"armored"`
}

// publicKeyUpload registers a principal's Ed25519 public key so the RPC
// server's Verifier can accept signed requests bearing its fingerprint,
// and so internal/secret can address it as a Secret.add recipient.
// Fingerprint is recomputed from Armored rather than trusted from the
// caller, so a mismatched pair is rejected rather than silently stored.
func (a *App) publicKeyUpload(ctx context.Context, raw json.RawMessage) (any, error) {
	var p publicKeyUploadParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("gateway: decode PublicKey.upload params: %w", err)
	}
	if p.Role == "" {
		p.Role = domain.RoleUser
	}
	if p.TenantID == uuid.Nil {
		return nil, fmt.Errorf("gateway: PublicKey.upload requires tenant_id")
	}

	pub, err := rpc.DecodePublicKeyPEM(p.Armored)
	if err != nil {
		return nil, fmt.Errorf("gateway: PublicKey.upload: %w", err)
	}
	if got := rpc.Fingerprint(pub); got != p.Fingerprint {
		return nil, fmt.Errorf("gateway: PublicKey.upload: fingerprint %q does not match armored key (%q)", p.Fingerprint, got)
	}

	k := &domain.PublicKey{
		Fingerprint: p.Fingerprint,
		TenantID:    p.TenantID,
		Role:        p.Role,
		Armored:     p.Armored,
	}
	if err := a.PublicKeys.Upload(ctx, k); err != nil {
		return nil, err
	}
	if a.Verifier != nil {
		a.Verifier.Trust(pub)
	}

	return struct {
		Fingerprint string `json:"fingerprint"`
	}{Fingerprint: k.Fingerprint}, nil
}
