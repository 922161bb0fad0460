//go:build linux

package osiface_test

import (
	"os"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/levelzero/usm/osiface"
	"github.com/stretchr/testify/require"
)

func TestMemfdRoundTrip(t *testing.T) {
	kernel, err := osiface.NewMemfd()
	require.NoError(t, err)

	bo, err := kernel.CreateBuffer(8192)
	require.NoError(t, err)

	handle, err := kernel.Export(bo)
	require.NoError(t, err)
	defer kernel.Close(handle)

	imported, err := kernel.Import(handle)
	require.NoError(t, err)
	require.Equal(t, bo, imported)

	// A second export is a distinct descriptor for the same file
	second, err := kernel.Export(bo)
	require.NoError(t, err)
	require.NotEqual(t, handle, second)
	require.NoError(t, kernel.Close(second))

	require.NoError(t, kernel.DestroyBuffer(bo))
	require.NoError(t, kernel.DestroyBuffer(bo))
}

func TestMemfdDuplicateFromSelf(t *testing.T) {
	kernel, err := osiface.NewMemfd()
	require.NoError(t, err)

	bo, err := kernel.CreateBuffer(4096)
	require.NoError(t, err)
	handle, err := kernel.Export(bo)
	require.NoError(t, err)
	defer kernel.Close(handle)

	dup, err := kernel.DuplicateFromProcess(os.Getpid(), handle)
	if errors.Is(err, osiface.ErrUnsupported) || errors.Is(err, osiface.ErrDuplicateFailed) {
		t.Skip("pidfd_getfd is not available here")
	}
	require.NoError(t, err)
	defer kernel.Close(dup)

	imported, err := kernel.Import(dup)
	require.NoError(t, err)
	require.Equal(t, bo, imported)
}
