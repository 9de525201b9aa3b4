package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/peagen/peagen/internal/domain"
	"github.com/peagen/peagen/internal/store"
)

func TestWorkerRegisterAndHeartbeat(t *testing.T) {
	ta := newTestApp(t)

	raw, err := ta.app.workerRegister(context.Background(), mustJSON(t, workerRegisterParams{
		Endpoint:     "http://worker-1:9000",
		Pool:         "default",
		Capabilities: []string{string(domain.KindProcess)},
		PublicKeyFP:  "fp-1",
	}))
	require.NoError(t, err)
	workerID := raw.(workerRegisterResult).WorkerID
	require.NotEqual(t, uuid.Nil, workerID)

	entry, ok := ta.app.Registry.Get(workerID)
	require.True(t, ok)
	require.Equal(t, "http://worker-1:9000", entry.Endpoint)

	_, err = ta.app.workerHeartbeat(context.Background(), mustJSON(t, workerHeartbeatParams{
		WorkerID: workerID,
		Status:   domain.WorkerIdle,
	}))
	require.NoError(t, err)

	stored, err := ta.workers.Get(context.Background(), workerID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerIdle, stored.Status)
}

func TestWorkerHeartbeatUnknownWorkerRejected(t *testing.T) {
	ta := newTestApp(t)

	_, err := ta.app.workerHeartbeat(context.Background(), mustJSON(t, workerHeartbeatParams{
		WorkerID: uuid.Must(uuid.NewV7()),
		Status:   domain.WorkerIdle,
	}))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestWorkFinishedRecordsTerminalRevisionAndFreesWorker(t *testing.T) {
	ta := newTestApp(t)
	tenantID := uuid.Must(uuid.NewV7())

	reg, err := ta.app.workerRegister(context.Background(), mustJSON(t, workerRegisterParams{
		Endpoint: "http://worker-1:9000", Pool: "default", Capabilities: []string{string(domain.KindProcess)},
	}))
	require.NoError(t, err)
	workerID := reg.(workerRegisterResult).WorkerID

	sub, err := ta.app.taskSubmit(context.Background(), mustJSON(t, taskSubmitParams{
		Kind: domain.KindProcess, Pool: "default", Args: json.RawMessage(`{}`), TenantID: tenantID,
	}))
	require.NoError(t, err)
	taskID := sub.(taskSubmitResult).TaskID
	rev1 := sub.(taskSubmitResult).RevHash

	running, err := ta.app.taskUpdate(context.Background(), mustJSON(t, taskUpdateParams{
		TaskID: taskID,
		Patch:  domain.RevisionPatch{Status: domain.TaskRunning, WorkerID: &workerID},
		ParentRevHash: rev1,
	}))
	require.NoError(t, err)

	fin, err := ta.app.workFinished(context.Background(), mustJSON(t, workFinishedParams{
		TaskID: taskID,
		Status: domain.TaskSucceeded,
		Result: json.RawMessage(`{"ok":true}`),
	}))
	require.NoError(t, err)
	require.NotEqual(t, running.(taskUpdateResult).RevHash, fin.(workFinishedResult).RevHash)

	got, err := ta.app.taskGet(context.Background(), mustJSON(t, taskGetParams{TaskID: taskID}))
	require.NoError(t, err)
	require.Equal(t, domain.TaskSucceeded, got.(taskGetResult).Task.Status)

	w, err := ta.workers.Get(context.Background(), workerID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerIdle, w.Status)
}

// TestWorkFinishedLateCompletionKeepsTerminalStatus covers a worker
// reporting success after the gateway already cancelled the task (e.g.
// the deadline watchdog fired first) — the late report must not resurrect
// a task the gateway already closed out.
func TestWorkFinishedLateCompletionKeepsTerminalStatus(t *testing.T) {
	ta := newTestApp(t)
	tenantID := uuid.Must(uuid.NewV7())

	sub, err := ta.app.taskSubmit(context.Background(), mustJSON(t, taskSubmitParams{
		Kind: domain.KindProcess, Pool: "default", Args: json.RawMessage(`{}`), TenantID: tenantID,
	}))
	require.NoError(t, err)
	taskID := sub.(taskSubmitResult).TaskID

	_, err = ta.app.taskCancel(context.Background(), mustJSON(t, taskCancelParams{TaskID: taskID, Reason: "deadline exceeded"}))
	require.NoError(t, err)

	fin, err := ta.app.workFinished(context.Background(), mustJSON(t, workFinishedParams{
		TaskID: taskID,
		Status: domain.TaskSucceeded,
		Reason: "finished normally",
	}))
	require.NoError(t, err)
	require.NotEmpty(t, fin.(workFinishedResult).RevHash)

	got, err := ta.app.taskGet(context.Background(), mustJSON(t, taskGetParams{TaskID: taskID}))
	require.NoError(t, err)
	require.Equal(t, domain.TaskCancelled, got.(taskGetResult).Task.Status, "a late success report must not override an already-terminal cancellation")
}
