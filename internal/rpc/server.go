package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/peagen/peagen/internal/store"
)

// Handler is a registered JSON-RPC method implementation. ctx carries the
// authenticated principal's key fingerprint (see PrincipalFromContext).
// params is the raw, not-yet-decoded "params" member of the request.
type Handler func(ctx context.Context, params json.RawMessage) (result any, err error)

// Registry maps method names to Handlers and serves them as a single
// JSON-RPC 2.0 HTTP endpoint.
type Registry struct {
	methods  map[string]Handler
	verifier *Verifier
	logger   *zap.Logger

	// requireSignature, when true, rejects any request missing a valid
	// Ed25519 signature unless its method is in unsignedMethods. The
	// gateway always leaves it on; tests may disable it wholesale via
	// DisableSignatureRequirement for unit-testing handlers in isolation.
	requireSignature bool

	// unsignedMethods lists methods callable without a signature at all
	// — the bootstrap surface a principal with no registered key yet
	// must be able to reach. A signature is still verified and bound to
	// the request context when one is present, even for these methods.
	unsignedMethods map[string]bool
}

// NewRegistry returns an empty Registry that verifies requests against verifier.
func NewRegistry(verifier *Verifier, logger *zap.Logger) *Registry {
	return &Registry{
		methods:          make(map[string]Handler),
		verifier:         verifier,
		logger:           logger.Named("rpc"),
		requireSignature: true,
		unsignedMethods:  make(map[string]bool),
	}
}

// DisableSignatureRequirement turns off signature enforcement, for use in
// tests that exercise handlers directly over httptest without a keyring.
func (reg *Registry) DisableSignatureRequirement() { reg.requireSignature = false }

// AllowUnsigned exempts method from signature enforcement — for calls a
// principal must be able to make before it has any key the verifier
// trusts, such as a worker's first registration or its own key upload.
func (reg *Registry) AllowUnsigned(method string) { reg.unsignedMethods[method] = true }

// Register adds a method handler. Registering the same name twice replaces
// the previous handler — used by tests to stub out a method.
func (reg *Registry) Register(method string, h Handler) {
	reg.methods[method] = h
}

type principalKey struct{}

// PrincipalFromContext returns the key fingerprint that signed the current
// request, or "" if signature verification was disabled.
func PrincipalFromContext(ctx context.Context) string {
	fp, _ := ctx.Value(principalKey{}).(string)
	return fp
}

// ServeHTTP implements http.Handler: decode one JSON-RPC request, verify its
// signature, dispatch to the registered method, encode the response.
func (reg *Registry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		reg.writeError(w, nil, CodeParseError, "failed to read request body")
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		reg.writeError(w, nil, CodeParseError, "malformed JSON-RPC request")
		return
	}
	if req.JSONRPC != Version || req.Method == "" {
		reg.writeError(w, req.ID, CodeInvalidRequest, "invalid JSON-RPC request")
		return
	}

	ctx := r.Context()
	fp := r.Header.Get(HeaderKeyFingerprint)
	sig := r.Header.Get(HeaderSignature)
	allowsUnsigned := reg.unsignedMethods[req.Method]

	if fp != "" && sig != "" {
		if err := reg.verifier.Verify(fp, body, sig); err == nil {
			ctx = context.WithValue(ctx, principalKey{}, fp)
		} else if !allowsUnsigned {
			reg.writeError(w, req.ID, CodeUnauthenticated, err.Error())
			return
		}
		// else: a key the verifier does not yet trust attached a
		// signature it cannot check — most commonly a worker's own
		// Client signing its first PublicKey.upload with the very key
		// that call is registering. The method's allowlisted, so the
		// call proceeds unauthenticated; the handler validates it by
		// other means (e.g. PublicKey.upload recomputes the
		// fingerprint from the armored key itself).
	} else if reg.requireSignature && !allowsUnsigned {
		reg.writeError(w, req.ID, CodeUnauthenticated, ErrSignatureMissing.Error())
		return
	}

	handler, ok := reg.methods[req.Method]
	if !ok {
		reg.writeError(w, req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
		return
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		reg.writeHandlerError(w, req.ID, err)
		return
	}

	resp, err := ResultResponse(req.ID, result)
	if err != nil {
		reg.writeError(w, req.ID, CodeInternalError, "failed to encode result")
		return
	}
	reg.writeResponse(w, resp)
}

// writeHandlerError maps store sentinel errors to JSON-RPC error codes;
// anything unrecognized falls back to CodeInternalError with the detail
// logged but not exposed to the caller.
func (reg *Registry) writeHandlerError(w http.ResponseWriter, id json.RawMessage, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		reg.writeError(w, id, CodeNotFound, err.Error())
	case errors.Is(err, store.ErrHashMismatch):
		reg.writeError(w, id, CodeHashMismatch, err.Error())
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrAlreadyExists):
		reg.writeError(w, id, CodeConflict, err.Error())
	case errors.Is(err, store.ErrTenantMissing):
		reg.writeError(w, id, CodeTenantMissing, err.Error())
	case errors.Is(err, ErrBackpressure):
		reg.writeError(w, id, CodeBackpressure, err.Error())
	case errors.Is(err, ErrWorkerUnavailable):
		reg.writeError(w, id, CodeWorkerUnavailable, err.Error())
	default:
		reg.logger.Error("rpc handler error", zap.Error(err))
		reg.writeError(w, id, CodeInternalError, "internal error")
	}
}

func (reg *Registry) writeError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	reg.writeResponse(w, ErrorResponse(id, code, message))
}

func (reg *Registry) writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		reg.logger.Warn("rpc: failed to write response", zap.Error(err))
	}
}

// NewServer wraps handler (typically a chi router with the Registry mounted
// at /rpc) in an h2c-capable *http.Server, allowing HTTP/2 request
// multiplexing over cleartext connections terminated by an in-cluster
// proxy — the gateway does not itself manage TLS certificates.
func NewServer(addr string, handler http.Handler) *http.Server {
	h2s := &http2.Server{}
	return &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(handler, h2s),
	}
}
