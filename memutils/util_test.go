package memutils_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/levelzero/usm/memutils"
	"github.com/stretchr/testify/require"
)

func TestAlignHelpers(t *testing.T) {
	require.Equal(t, uint64(0x10000), memutils.AlignUp[uint64](1, 0x10000))
	require.Equal(t, uint64(0x10000), memutils.AlignUp[uint64](0x10000, 0x10000))
	require.Equal(t, uint64(0x20000), memutils.AlignUp[uint64](0x10001, 0x10000))
	require.Equal(t, 0x1000, memutils.AlignDown(0x1fff, 0x1000))
	require.True(t, memutils.IsAligned[uint64](0x200000, 0x1000))
	require.False(t, memutils.IsAligned[uint64](0x200004, 0x1000))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2[uint64](64, "alignment"))
	err := memutils.CheckPow2[uint64](48, "alignment")
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
	require.Equal(t, "alignment is 48: number must be a power of two", err.Error())

	require.True(t, memutils.IsPow2[uint32](1))
	require.False(t, memutils.IsPow2[uint32](0))
	require.False(t, memutils.IsPow2[uint32](3))
}
