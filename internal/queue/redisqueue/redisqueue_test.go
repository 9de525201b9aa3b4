package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/peagen/peagen/internal/domain"
	"github.com/peagen/peagen/internal/queue"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := New(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestPushAndPopBlockingRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	env := queue.Envelope{
		ID:     uuid.Must(uuid.NewV7()),
		TaskID: uuid.Must(uuid.NewV7()),
		Kind:   domain.KindProcess,
		Args:   []byte(`{"x":1}`),
	}
	require.NoError(t, q.Push(ctx, "default", env))

	depth, err := q.Depth(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	got, err := q.PopBlocking(ctx, "default", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, env.TaskID, got.TaskID)
	require.Equal(t, env.Kind, got.Kind)

	depth, err = q.Depth(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, int64(0), depth)
}

func TestPopBlockingTimesOutWithNoError(t *testing.T) {
	q := newTestQueue(t)

	got, err := q.PopBlocking(context.Background(), "empty", 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRequeueNoWorkerGoesToHead(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first := queue.Envelope{ID: uuid.Must(uuid.NewV7()), TaskID: uuid.Must(uuid.NewV7()), Kind: domain.KindProcess}
	second := queue.Envelope{ID: uuid.Must(uuid.NewV7()), TaskID: uuid.Must(uuid.NewV7()), Kind: domain.KindProcess}

	require.NoError(t, q.Push(ctx, "default", first))
	require.NoError(t, q.Requeue(ctx, "default", second, queue.ReasonNoWorker))

	got, err := q.PopBlocking(ctx, "default", time.Second)
	require.NoError(t, err)
	require.Equal(t, second.TaskID, got.TaskID, "ReasonNoWorker must requeue to the head for a fast retry")
}

func TestPublishSubscribeDeliversMessage(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := q.Subscribe(ctx, queue.TaskUpdateChannel)
	require.NoError(t, err)

	msg := queue.Message{TaskID: uuid.Must(uuid.NewV7()), RevHash: "abc", Status: domain.TaskRunning}
	require.Eventually(t, func() bool {
		return q.Publish(ctx, queue.TaskUpdateChannel, msg) == nil
	}, time.Second, 10*time.Millisecond)

	select {
	case got := <-sub:
		require.Equal(t, msg.TaskID, got.TaskID)
		require.Equal(t, msg.RevHash, got.RevHash)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}
