package rpc

import "errors"

var (
	// ErrSignatureInvalid is returned when a request's signature does not
	// verify against any known principal public key.
	ErrSignatureInvalid = errors.New("rpc: signature invalid")

	// ErrSignatureMissing is returned when a request lacking the
	// X-Peagen-Signature/X-Peagen-Key-Fingerprint headers reaches a
	// handler that requires authentication.
	ErrSignatureMissing = errors.New("rpc: signature missing")

	// ErrUnknownFingerprint is returned when the request's declared key
	// fingerprint has no corresponding entry in the verifier's keyring.
	ErrUnknownFingerprint = errors.New("rpc: unknown key fingerprint")

	// ErrBackpressure is returned by Task.submit when the target pool's
	// queue depth is at or above its high watermark.
	ErrBackpressure = errors.New("rpc: queue_unavailable: pool is at capacity")

	// ErrWorkerUnavailable is returned when a pool has no worker
	// declaring the requested task kind's capability.
	ErrWorkerUnavailable = errors.New("rpc: worker_unavailable: no capable worker registered")
)
