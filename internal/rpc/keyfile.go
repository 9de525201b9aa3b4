package rpc

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

const privPEMBlockType = "PEAGEN ED25519 PRIVATE KEY"

// LoadOrGenerateSigner loads an Ed25519 private key from path, generating
// and persisting a fresh one if the file does not exist — the same
// load-or-generate shape as a JWT manager that falls back to ephemeral
// keys when no key file is present, except here the key is always
// written to disk so a restarted process keeps its fingerprint.
func LoadOrGenerateSigner(path string, logger *zap.Logger) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil || block.Type != privPEMBlockType || len(block.Bytes) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("rpc: %s does not contain a valid Ed25519 private key", path)
		}
		return NewSigner(ed25519.PrivateKey(block.Bytes)), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("rpc: read key file %s: %w", path, err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("rpc: generate key: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("rpc: create key directory %s: %w", dir, err)
		}
	}
	block := &pem.Block{Type: privPEMBlockType, Bytes: priv}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("rpc: write key file %s: %w", path, err)
	}

	signer := NewSigner(priv)
	if logger != nil {
		logger.Info("generated new signing key", zap.String("path", path), zap.String("fingerprint", signer.Fingerprint()))
	}
	return signer, nil
}
