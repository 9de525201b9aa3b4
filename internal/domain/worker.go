package domain

import "time"

import "github.com/google/uuid"

// WorkerStatus is the liveness/availability state of a registered worker,
// tracked by internal/registry and mirrored into Postgres by
// store.WorkerRepository on every transition.
type WorkerStatus string

const (
	WorkerActive  WorkerStatus = "active"
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerStale   WorkerStatus = "stale"
	WorkerEvicted WorkerStatus = "evicted"
)

// Worker is a registered execution endpoint capable of running one or
// more task kinds within a single pool.
type Worker struct {
	ID           uuid.UUID    `db:"id" json:"id"`
	Pool         string       `db:"pool" json:"pool"`
	Endpoint     string       `db:"endpoint" json:"endpoint"`
	Capabilities []string     `db:"capabilities" json:"capabilities"`
	PublicKeyFP  *string      `db:"public_key_fingerprint" json:"public_key_fingerprint,omitempty"`
	Status       WorkerStatus `db:"status" json:"status"`
	LastSeenAt   time.Time    `db:"last_seen_at" json:"last_seen_at"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
}

// HasCapability reports whether the worker declared it can run kind.
func (w *Worker) HasCapability(kind TaskKind) bool {
	for _, c := range w.Capabilities {
		if c == string(kind) {
			return true
		}
	}
	return false
}

// Tenant owns the pools against which its tasks are submitted.
type Tenant struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Slug      string    `db:"slug" json:"slug"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Pool is a named dispatch domain scoping workers and queues. A pool must
// exist (belong to a tenant) before tasks are submitted against it.
type Pool struct {
	Name      string    `db:"name" json:"name"`
	TenantID  uuid.UUID `db:"tenant_id" json:"tenant_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// PrincipalRole scopes what a PublicKey's holder may do.
type PrincipalRole string

const (
	RoleUser   PrincipalRole = "user"
	RoleWorker PrincipalRole = "worker"
	RoleGateway PrincipalRole = "gateway"
)

// PublicKey is a principal's registered Ed25519 verification key, used
// both to verify signed RPC requests and as a secret-envelope recipient.
type PublicKey struct {
	Fingerprint string        `db:"fingerprint" json:"fingerprint"`
	TenantID    uuid.UUID     `db:"tenant_id" json:"tenant_id"`
	Role        PrincipalRole `db:"role" json:"role"`
	Armored     string        `db:"armored" json:"armored"` // PEM-encoded raw Ed25519 public key
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
}

// WrappedKey is one recipient's copy of a secret's content-encryption key,
// sealed under that recipient's public key.
type WrappedKey struct {
	Fingerprint string `json:"fingerprint"`
	SealedCEK   []byte `json:"sealed_cek"`
}

// Secret is an envelope-encrypted value addressable by name within a
// pool/tenant scope. Plaintext is never persisted — only CiphertextAEAD
// (the payload sealed under the CEK) and the per-recipient WrappedKeys.
type Secret struct {
	Name          string       `db:"name" json:"name"`
	TenantID      uuid.UUID    `db:"tenant_id" json:"tenant_id"`
	Pool          string       `db:"pool" json:"pool"`
	CiphertextAEAD []byte      `db:"ciphertext_aead" json:"ciphertext_aead"`
	WrappedKeys   []WrappedKey `db:"wrapped_keys" json:"wrapped_keys"`
	Recipients    []string     `db:"recipients" json:"recipients"` // fingerprints, denormalized for queries
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
}
