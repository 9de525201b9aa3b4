package registry

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peagen/peagen/internal/domain"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(zap.NewNop())
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry(t)
	id := uuid.Must(uuid.NewV7())

	r.Register(id, "default", "https://worker-1:7443/rpc", []string{"process"}, "fp-1")

	entry, ok := r.Get(id)
	require.True(t, ok)
	require.Equal(t, "default", entry.Pool)
	require.Equal(t, domain.WorkerIdle, entry.Status)
}

func TestSelectWorkerRequiresCapability(t *testing.T) {
	r := newTestRegistry(t)
	idA := uuid.Must(uuid.NewV7())
	idB := uuid.Must(uuid.NewV7())

	r.Register(idA, "default", "https://a:7443/rpc", []string{"mutate"}, "fp-a")
	r.Register(idB, "default", "https://b:7443/rpc", []string{"process"}, "fp-b")

	selected, ok := r.SelectWorker("default", domain.KindProcess)
	require.True(t, ok)
	require.Equal(t, idB, selected.ID)
}

func TestSelectWorkerPrefersLeastRecentlyDispatched(t *testing.T) {
	r := newTestRegistry(t)
	idA := uuid.Must(uuid.NewV7())
	idB := uuid.Must(uuid.NewV7())

	r.Register(idA, "default", "https://a:7443/rpc", []string{"process"}, "fp-a")
	r.Register(idB, "default", "https://b:7443/rpc", []string{"process"}, "fp-b")

	r.MarkDispatched(idA)
	time.Sleep(time.Millisecond)

	selected, ok := r.SelectWorker("default", domain.KindProcess)
	require.True(t, ok)
	require.Equal(t, idB, selected.ID, "worker never dispatched to should win over one just dispatched")
}

func TestSelectWorkerSkipsEvicted(t *testing.T) {
	r := newTestRegistry(t)
	id := uuid.Must(uuid.NewV7())
	r.Register(id, "default", "https://a:7443/rpc", []string{"process"}, "fp-a")
	r.Evict(id)

	_, ok := r.SelectWorker("default", domain.KindProcess)
	require.False(t, ok)
}

func TestStaleSince(t *testing.T) {
	r := newTestRegistry(t)
	id := uuid.Must(uuid.NewV7())
	r.Register(id, "default", "https://a:7443/rpc", []string{"process"}, "fp-a")

	cutoff := time.Now().UTC().Add(time.Minute)
	stale := r.StaleSince(cutoff)
	require.Len(t, stale, 1)
	require.Equal(t, id, stale[0].ID)
}

func TestDeregisterRemovesWorker(t *testing.T) {
	r := newTestRegistry(t)
	id := uuid.Must(uuid.NewV7())
	r.Register(id, "default", "https://a:7443/rpc", []string{"process"}, "fp-a")
	r.Deregister(id)

	_, ok := r.Get(id)
	require.False(t, ok)
}
