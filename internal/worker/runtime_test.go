package worker

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peagen/peagen/internal/domain"
	"github.com/peagen/peagen/internal/handler"
	"github.com/peagen/peagen/internal/rpc"
)

func newFakeGateway(t *testing.T) (url string, registered chan registerParams, heartbeats chan heartbeatParams, finished chan finishedParams) {
	t.Helper()
	registered = make(chan registerParams, 8)
	heartbeats = make(chan heartbeatParams, 8)
	finished = make(chan finishedParams, 8)

	reg := rpc.NewRegistry(rpc.NewVerifier(), zap.NewNop())
	reg.DisableSignatureRequirement()
	reg.Register("Worker.register", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p registerParams
		require.NoError(t, json.Unmarshal(params, &p))
		id := p.WorkerID
		if id == uuid.Nil {
			id = uuid.Must(uuid.NewV7())
		}
		registered <- p
		return registerResult{WorkerID: id}, nil
	})
	reg.Register("Worker.heartbeat", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p heartbeatParams
		require.NoError(t, json.Unmarshal(params, &p))
		heartbeats <- p
		return struct{}{}, nil
	})
	reg.Register("Work.finished", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p finishedParams
		require.NoError(t, json.Unmarshal(params, &p))
		finished <- p
		return struct{}{}, nil
	})

	srv := httptest.NewServer(reg)
	t.Cleanup(srv.Close)
	return srv.URL, registered, heartbeats, finished
}

func TestRuntimeRegistersAndHeartbeats(t *testing.T) {
	gwURL, registered, heartbeats, _ := newFakeGateway(t)

	stateDir := t.TempDir()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer := rpc.NewSigner(priv)

	h := handler.NewRegistry()
	h.Register(domain.KindProcess, handler.Echo)

	rt := New(Config{
		GatewayEndpoint:   gwURL,
		ListenAddr:        "127.0.0.1:0",
		PublicEndpoint:    "http://127.0.0.1:0",
		Pool:              "default",
		Concurrency:       1,
		StateDir:          stateDir,
		HeartbeatInterval: 30 * time.Millisecond,
		CallTimeout:       time.Second,
	}, h, signer, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.connectLoop(ctx)

	var gotReg registerParams
	select {
	case gotReg = <-registered:
	case <-time.After(2 * time.Second):
		t.Fatal("Worker.register was never called")
	}
	require.Equal(t, "default", gotReg.Pool)
	require.Contains(t, gotReg.Capabilities, string(domain.KindProcess))

	select {
	case <-heartbeats:
	case <-time.After(2 * time.Second):
		t.Fatal("Worker.heartbeat was never called")
	}

	data, err := os.ReadFile(stateFilePath(stateDir))
	require.NoError(t, err)
	require.Contains(t, string(data), "worker_id")
}

func TestReportFinishedCallsWorkFinished(t *testing.T) {
	gwURL, _, _, finished := newFakeGateway(t)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer := rpc.NewSigner(priv)

	rt := New(Config{
		GatewayEndpoint: gwURL,
		CallTimeout:     time.Second,
	}, handler.NewRegistry(), signer, zap.NewNop())

	taskID := uuid.Must(uuid.NewV7())
	rt.reportFinished(context.Background(), job{TaskID: taskID}, handler.Result{Output: []byte("ok")}, nil)

	select {
	case p := <-finished:
		require.Equal(t, taskID, p.TaskID)
		require.Equal(t, string(domain.TaskSucceeded), p.Status)
	case <-time.After(time.Second):
		t.Fatal("Work.finished was never called")
	}
}
