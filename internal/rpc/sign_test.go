package rpc

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signer := NewSigner(priv)
	verifier := NewVerifier()
	fp := verifier.Trust(pub)
	require.Equal(t, fp, signer.Fingerprint())

	body := []byte(`{"jsonrpc":"2.0","method":"task.submit","id":1}`)
	sig := signer.Sign(body)

	require.NoError(t, verifier.Verify(fp, body, sig))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signer := NewSigner(priv)
	verifier := NewVerifier()
	fp := verifier.Trust(pub)

	sig := signer.Sign([]byte("original"))
	err = verifier.Verify(fp, []byte("tampered"), sig)
	require.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyUnknownFingerprint(t *testing.T) {
	verifier := NewVerifier()
	err := verifier.Verify("deadbeef", []byte("body"), "00")
	require.ErrorIs(t, err, ErrUnknownFingerprint)
}

func TestRevokeRemovesTrust(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signer := NewSigner(priv)
	verifier := NewVerifier()
	fp := verifier.Trust(pub)
	verifier.Revoke(fp)

	err = verifier.Verify(fp, []byte("body"), signer.Sign([]byte("body")))
	require.ErrorIs(t, err, ErrUnknownFingerprint)
}
