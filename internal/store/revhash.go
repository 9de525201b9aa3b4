package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// CanonicalizeJSON re-marshals an arbitrary JSON value with sorted object
// keys and no insignificant whitespace before it is hashed into a
// revision's payload_hash. encoding/json already sorts map keys and emits
// no extra whitespace via Marshal; this function centralizes that so
// callers never have to reason about it themselves.
func CanonicalizeJSON(v any) ([]byte, error) {
	// Struct fields marshal in declaration order, so round-trip through a
	// generic value first: objects become maps, whose keys Encode sorts.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	// json.Encoder.Encode appends a trailing newline; trim it so the hash
	// input carries no trailing whitespace.
	out := bytes.TrimRight(buf.Bytes(), "\n")
	return out, nil
}

// HashPayload returns the SHA-256 hex digest of a canonicalized payload.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ComputeRevHash implements rev_hash = SHA256(parent_rev_hash || payload_hash).
// parentRevHash is the empty string for seq=1.
func ComputeRevHash(parentRevHash, payloadHash string) string {
	h := sha256.New()
	h.Write([]byte(parentRevHash))
	h.Write([]byte(payloadHash))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain recomputes rev_hash for each revision in seq order and
// reports the first mismatch, or ok=true if every revision's stored
// rev_hash reproduces from its parent_rev_hash and payload_hash. Revisions
// must already be sorted by Seq ascending.
func VerifyChain(revisions []TaskRevisionRow) (ok bool, badSeq int64) {
	var prevHash string
	for _, r := range revisions {
		parent := ""
		if r.ParentRevHash != nil {
			parent = *r.ParentRevHash
		}
		if parent != prevHash {
			return false, r.Seq
		}
		want := ComputeRevHash(parent, r.PayloadHash)
		if want != r.RevHash {
			return false, r.Seq
		}
		prevHash = r.RevHash
	}
	return true, 0
}

// TaskRevisionRow is the minimal shape VerifyChain needs; defined here
// rather than importing domain.TaskRevision to keep this file
// dependency-free and trivially unit-testable.
type TaskRevisionRow struct {
	Seq           int64
	PayloadHash   string
	ParentRevHash *string
	RevHash       string
}
