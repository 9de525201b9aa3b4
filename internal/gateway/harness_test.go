package gateway

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peagen/peagen/internal/queue/memqueue"
	"github.com/peagen/peagen/internal/registry"
	"github.com/peagen/peagen/internal/rpc"
	"github.com/peagen/peagen/internal/wsbridge"
)

// testApp bundles an *App together with the fakes backing it, so tests
// can seed state through the fakes and assert through the App's own
// method handlers exactly as the registered JSON-RPC surface would call
// them.
type testApp struct {
	app        *App
	tasks      *fakeTaskRepo
	workers    *fakeWorkerRepo
	tenants    *fakeTenantRepo
	publicKeys *fakePublicKeyRepo
	secrets    *fakeSecretRepo
	verifier   *rpc.Verifier
	signer     *rpc.Signer
}

// newTestApp wires an App against in-memory fakes plus a real memqueue
// and registry — the same "fake the repositories, use the real
// lightweight collaborator" split internal/scheduler/scheduler_test.go
// establishes.
func newTestApp(t *testing.T) *testApp {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer := rpc.NewSigner(priv)
	verifier := rpc.NewVerifier()

	ta := &testApp{
		tasks:      newFakeTaskRepo(),
		workers:    newFakeWorkerRepo(),
		tenants:    newFakeTenantRepo(),
		publicKeys: newFakePublicKeyRepo(),
		secrets:    newFakeSecretRepo(),
		verifier:   verifier,
		signer:     signer,
	}

	ta.app = New(Config{
		QueueHighWatermark: 10,
	}, Deps{
		Tasks:       ta.tasks,
		Workers:     ta.workers,
		Tenants:     ta.tenants,
		PublicKeys:  ta.publicKeys,
		Manifests:   fakeManifestRepo{},
		Secrets:     ta.secrets,
		Evaluations: fakeEvaluationRepo{},
		Queue:       memqueue.New(),
		Registry:    registry.New(zap.NewNop()),
		Hub:         wsbridge.NewHub(),
		Signer:      signer,
		Verifier:    verifier,
	}, zap.NewNop())

	return ta
}
