package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/peagen/peagen/internal/domain"
	"github.com/peagen/peagen/internal/rpc"
)

func TestPublicKeyUploadTrustsKeyForVerification(t *testing.T) {
	ta := newTestApp(t)
	tenantID := uuid.Must(uuid.NewV7())

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	fp := rpc.Fingerprint(pub)
	armored := rpc.EncodePublicKeyPEM(pub)

	_, err = ta.app.publicKeyUpload(context.Background(), mustJSON(t, publicKeyUploadParams{
		Fingerprint: fp,
		TenantID:    tenantID,
		Role:        domain.RoleUser,
		Armored:     armored,
	}))
	require.NoError(t, err)

	stored, err := ta.publicKeys.Get(context.Background(), fp)
	require.NoError(t, err)
	require.Equal(t, tenantID, stored.TenantID)

	body := []byte(`{"hello":"world"}`)
	sig := rpc.NewSigner(priv).Sign(body)
	require.NoError(t, ta.verifier.Verify(fp, body, sig), "uploading a key must make it immediately usable for signature verification")
}

func TestPublicKeyUploadRejectsFingerprintMismatch(t *testing.T) {
	ta := newTestApp(t)
	tenantID := uuid.Must(uuid.NewV7())

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	armored := rpc.EncodePublicKeyPEM(pub)

	_, err = ta.app.publicKeyUpload(context.Background(), mustJSON(t, publicKeyUploadParams{
		Fingerprint: "not-the-real-fingerprint",
		TenantID:    tenantID,
		Armored:     armored,
	}))
	require.Error(t, err)

	_, err = ta.publicKeys.Get(context.Background(), "not-the-real-fingerprint")
	require.Error(t, err, "a rejected upload must not leave a row behind")
}

func TestResolveTenantRequiresExplicitOrSignedPrincipal(t *testing.T) {
	ta := newTestApp(t)

	_, err := ta.app.taskSubmit(context.Background(), mustJSON(t, taskSubmitParams{
		Kind: domain.KindProcess, Pool: "default",
	}))
	require.Error(t, err, "Task.submit without a tenant_id and without a signed principal must fail")
}
