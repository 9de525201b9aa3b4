package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/peagen/peagen/internal/domain"
)

func TestRegistryDispatchesRegisteredKind(t *testing.T) {
	r := NewRegistry()
	r.Register(domain.KindProcess, Echo)

	res, err := r.Dispatch(context.Background(), domain.KindProcess, []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), res.Output)
}

func TestRegistryDispatchUnregisteredKind(t *testing.T) {
	r := NewRegistry()
	_, err := r.Dispatch(context.Background(), domain.KindEvolve, nil)
	require.Error(t, err)
}

func TestCapabilitiesReflectsRegistrations(t *testing.T) {
	r := NewRegistry()
	r.Register(domain.KindProcess, Echo)
	r.Register(domain.KindMutate, Echo)

	caps := r.Capabilities()
	require.ElementsMatch(t, []string{string(domain.KindProcess), string(domain.KindMutate)}, caps)
}
