package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peagen/peagen/internal/domain"
	"github.com/peagen/peagen/internal/handler"
)

func TestPoolRunsJobAndReportsSuccess(t *testing.T) {
	h := handler.NewRegistry()
	h.Register(domain.KindProcess, handler.Echo)

	done := make(chan struct{}, 1)
	var gotErr error
	var gotResult handler.Result
	p := newPool(h, 2, func(ctx context.Context, j job, res handler.Result, handlerErr error) {
		gotResult, gotErr = res, handlerErr
		done <- struct{}{}
	}, zap.NewNop())

	taskID := uuid.Must(uuid.NewV7())
	p.Submit(job{TaskID: taskID, Kind: domain.KindProcess, Args: []byte("hello")})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never finished")
	}

	require.NoError(t, gotErr)
	require.Equal(t, []byte("hello"), gotResult.Output)
}

func TestPoolReportsHandlerError(t *testing.T) {
	h := handler.NewRegistry()
	h.Register(domain.KindMutate, handler.HandlerFunc(func(ctx context.Context, args []byte) (handler.Result, error) {
		return handler.Result{}, context.DeadlineExceeded
	}))

	done := make(chan error, 1)
	p := newPool(h, 1, func(ctx context.Context, j job, res handler.Result, handlerErr error) {
		done <- handlerErr
	}, zap.NewNop())

	p.Submit(job{TaskID: uuid.Must(uuid.NewV7()), Kind: domain.KindMutate})

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("job never finished")
	}
}

func TestPoolCancelStopsRunningJob(t *testing.T) {
	h := handler.NewRegistry()
	started := make(chan struct{})
	h.Register(domain.KindEvolve, handler.HandlerFunc(func(ctx context.Context, args []byte) (handler.Result, error) {
		close(started)
		<-ctx.Done()
		return handler.Result{}, ctx.Err()
	}))

	done := make(chan error, 1)
	p := newPool(h, 1, func(ctx context.Context, j job, res handler.Result, handlerErr error) {
		done <- handlerErr
	}, zap.NewNop())

	taskID := uuid.Must(uuid.NewV7())
	p.Submit(job{TaskID: taskID, Kind: domain.KindEvolve})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("job never started")
	}

	require.True(t, p.Cancel(taskID))

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled job never finished")
	}
}

func TestPoolCancelUnknownTaskReturnsFalse(t *testing.T) {
	p := newPool(handler.NewRegistry(), 1, func(context.Context, job, handler.Result, error) {}, zap.NewNop())
	require.False(t, p.Cancel(uuid.Must(uuid.NewV7())))
}
