package store

import "errors"

// Sentinel errors returned by repository methods, wrapped with
// fmt.Errorf("...: %w", err) at each call site and mapped to JSON-RPC
// error codes in internal/rpc.
var (
	ErrNotFound       = errors.New("store: not found")
	ErrHashMismatch   = errors.New("store: parent_rev_hash does not match current revision")
	ErrConflict       = errors.New("store: conflicting write")
	ErrTenantMissing  = errors.New("store: tenant or pool missing")
	ErrAlreadyExists  = errors.New("store: already exists")
)
