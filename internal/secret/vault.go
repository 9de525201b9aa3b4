// Package secret implements envelope encryption for pool-scoped secrets.
// A random 256-bit content-encryption key (CEK) seals the plaintext once
// with AES-256-GCM; the CEK itself is then sealed once per recipient with
// golang.org/x/crypto/nacl/box, so adding or removing a recipient only
// rewraps a 32-byte key rather than re-encrypting the payload.
//
// The AEAD step mirrors the teacher's EncryptedString helper (AES-256-GCM,
// random per-seal nonce prepended to the ciphertext) generalized from a
// single package-level key to a per-secret random CEK.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"

	"github.com/peagen/peagen/internal/domain"
)

// ErrNoRecipients is returned by Seal when called with an empty recipient set.
var ErrNoRecipients = errors.New("secret: at least one recipient is required")

// ErrRecipientNotFound is returned by Open when the caller's fingerprint has
// no wrapped CEK in the envelope.
var ErrRecipientNotFound = errors.New("secret: recipient fingerprint not present in envelope")

// Recipient is a principal's box public key, addressed by the fingerprint
// stored alongside it in the public_keys table.
type Recipient struct {
	Fingerprint string
	PublicKey   [32]byte
}

// Seal encrypts plaintext under a freshly generated CEK and wraps that CEK
// for every recipient. The returned Secret has Name/TenantID/Pool left
// zero-valued — the caller fills those in before persisting.
func Seal(plaintext []byte, recipients []Recipient) (*domain.Secret, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	var cek [32]byte
	if _, err := io.ReadFull(rand.Reader, cek[:]); err != nil {
		return nil, fmt.Errorf("secret: generate cek: %w", err)
	}

	ciphertext, err := aeadSeal(cek[:], plaintext)
	if err != nil {
		return nil, err
	}

	wrapped := make([]domain.WrappedKey, 0, len(recipients))
	recipientFPs := make([]string, 0, len(recipients))
	for _, r := range recipients {
		sealedCEK, err := box.SealAnonymous(nil, cek[:], &r.PublicKey, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("secret: wrap cek for %s: %w", r.Fingerprint, err)
		}
		wrapped = append(wrapped, domain.WrappedKey{
			Fingerprint: r.Fingerprint,
			SealedCEK:   sealedCEK,
		})
		recipientFPs = append(recipientFPs, r.Fingerprint)
	}

	return &domain.Secret{
		CiphertextAEAD: ciphertext,
		WrappedKeys:    wrapped,
		Recipients:     recipientFPs,
	}, nil
}

// Open unwraps the CEK addressed to fingerprint using the recipient's box
// key pair, then decrypts the secret's AEAD payload.
func Open(s *domain.Secret, fingerprint string, pub, priv *[32]byte) ([]byte, error) {
	var sealedCEK []byte
	for _, wk := range s.WrappedKeys {
		if wk.Fingerprint == fingerprint {
			sealedCEK = wk.SealedCEK
			break
		}
	}
	if sealedCEK == nil {
		return nil, ErrRecipientNotFound
	}

	cek, ok := box.OpenAnonymous(nil, sealedCEK, pub, priv)
	if !ok {
		return nil, errors.New("secret: failed to unwrap cek: authentication failed")
	}

	return aeadOpen(cek, s.CiphertextAEAD)
}

// Rewrap adds or replaces a recipient's wrapped CEK without touching the
// AEAD ciphertext — the caller must already hold the CEK (obtained via
// Open by an existing recipient) to authorize the new recipient.
func Rewrap(s *domain.Secret, cek []byte, newRecipient Recipient) error {
	sealedCEK, err := box.SealAnonymous(nil, cek, &newRecipient.PublicKey, rand.Reader)
	if err != nil {
		return fmt.Errorf("secret: rewrap for %s: %w", newRecipient.Fingerprint, err)
	}

	for i, wk := range s.WrappedKeys {
		if wk.Fingerprint == newRecipient.Fingerprint {
			s.WrappedKeys[i].SealedCEK = sealedCEK
			return nil
		}
	}
	s.WrappedKeys = append(s.WrappedKeys, domain.WrappedKey{
		Fingerprint: newRecipient.Fingerprint,
		SealedCEK:   sealedCEK,
	})
	s.Recipients = append(s.Recipients, newRecipient.Fingerprint)
	return nil
}

// aeadSeal encrypts plaintext under key (must be 32 bytes) with AES-256-GCM,
// prepending a fresh random nonce to the returned ciphertext.
func aeadSeal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secret: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secret: new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secret: generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// aeadOpen reverses aeadSeal.
func aeadOpen(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secret: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secret: new gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("secret: ciphertext too short to contain nonce")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
