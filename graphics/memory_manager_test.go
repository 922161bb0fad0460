package graphics_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/levelzero/usm/graphics"
	"github.com/levelzero/usm/osiface"
	"github.com/levelzero/usm/ze"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func newManager(t *testing.T, rootDevices int) (*graphics.MemoryManager, *osiface.Simulated) {
	kernel := osiface.NewSimulated(osiface.HandleKindFd)

	var devices []graphics.RootDeviceInfo
	for i := 0; i < rootDevices; i++ {
		devices = append(devices, graphics.RootDeviceInfo{LocalMemorySize: 1 << 30})
	}

	mm := graphics.NewMemoryManager(slog.Default(), kernel, graphics.MemoryManagerCreateOptions{
		RootDevices:    devices,
		HostMemorySize: 1 << 30,
		UseMutex:       true,
	})
	return mm, kernel
}

func TestAllocateAndFree(t *testing.T) {
	mm, kernel := newManager(t, 2)

	alloc, err := mm.Allocate(graphics.AllocationProperties{
		Type:            graphics.AllocationTypeBuffer,
		RootDeviceIndex: 1,
		Size:            100,
		NumTiles:        2,
	})
	require.NoError(t, err)
	require.Equal(t, 2, alloc.NumHandles())
	require.Equal(t, 2, kernel.LiveBuffers())
	require.Equal(t, graphics.LocalHeapBase+graphics.LocalHeapStride, alloc.GPUAddress())
	require.True(t, alloc.Contains(alloc.GPUAddress()+99))
	require.False(t, alloc.Contains(alloc.GPUAddress()+100))
	require.Equal(t, 1, mm.Statistics().LiveAllocations)

	require.NoError(t, mm.Free(alloc))
	require.Equal(t, 0, kernel.LiveBuffers())
	require.Equal(t, 0, mm.Statistics().LiveAllocations)
}

func TestAllocateInvalidRootDevice(t *testing.T) {
	mm, _ := newManager(t, 1)

	_, err := mm.Allocate(graphics.AllocationProperties{
		Type:            graphics.AllocationTypeBuffer,
		RootDeviceIndex: 3,
		Size:            4096,
	})
	require.True(t, errors.Is(err, graphics.ErrInvalidRootDevice))
}

func TestAllocateRollsBackOnBufferFailure(t *testing.T) {
	mm, kernel := newManager(t, 1)
	kernel.SetCreateFailure(true)

	_, err := mm.Allocate(graphics.AllocationProperties{
		Type: graphics.AllocationTypeBufferHostMemory,
		Size: 4096,
	})
	require.True(t, errors.Is(err, graphics.ErrOutOfMemory))

	stats := mm.Statistics()
	require.Equal(t, 0, stats.LiveAllocations)
	for _, heap := range stats.Heaps {
		require.Zero(t, heap.Statistics.AllocationCount, heap.Name)
	}
}

func TestSharedAddressAcrossRootDevices(t *testing.T) {
	mm, _ := newManager(t, 2)

	host, err := mm.Allocate(graphics.AllocationProperties{
		Type: graphics.AllocationTypeSvmGpu,
		Size: 8192,
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, host.GPUAddress(), graphics.SvmHeapBase)

	second, err := mm.Allocate(graphics.AllocationProperties{
		Type:            graphics.AllocationTypeSvmGpu,
		RootDeviceIndex: 1,
		Size:            8192,
		GPUAddress:      host.GPUAddress(),
	})
	require.NoError(t, err)
	require.Equal(t, host.GPUAddress(), second.GPUAddress())

	require.NoError(t, mm.Free(second))
	require.NoError(t, mm.Free(host))
}

func TestPeekInternalHandleIsCached(t *testing.T) {
	mm, kernel := newManager(t, 1)

	alloc, err := mm.Allocate(graphics.AllocationProperties{Type: graphics.AllocationTypeBuffer, Size: 4096})
	require.NoError(t, err)

	first, err := mm.PeekInternalHandle(alloc, 0)
	require.NoError(t, err)
	second, err := mm.PeekInternalHandle(alloc, 0)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, kernel.ExportCount())

	_, err = mm.PeekInternalHandle(alloc, 1)
	require.Error(t, err)

	require.NoError(t, mm.CloseInternalHandle(alloc, first))
	require.Equal(t, 0, kernel.OpenHandles())

	third, err := mm.PeekInternalHandle(alloc, 0)
	require.NoError(t, err)
	require.NotEqual(t, first, third)

	// Free closes handles still cached on the allocation
	require.NoError(t, mm.Free(alloc))
	require.Equal(t, 0, kernel.OpenHandles())
}

func TestCreateFromSharedHandleReuse(t *testing.T) {
	mm, kernel := newManager(t, 1)

	exported, err := mm.Allocate(graphics.AllocationProperties{Type: graphics.AllocationTypeBuffer, Size: 64 << 10})
	require.NoError(t, err)
	handle, err := mm.PeekInternalHandle(exported, 0)
	require.NoError(t, err)

	props := graphics.ImportProperties{RootDeviceIndex: 0, ReuseShared: true}
	first, err := mm.CreateFromSharedHandle(handle, props)
	require.NoError(t, err)
	require.True(t, first.IsImported())
	require.Equal(t, graphics.AllocationTypeSharedBuffer, first.Type())
	require.Equal(t, uint64(64<<10), first.Size())
	require.NotEqual(t, exported.GPUAddress(), first.GPUAddress())

	second, err := mm.CreateFromSharedHandle(handle, props)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, mm.Statistics().ImportedAllocations)

	require.NoError(t, mm.Free(second))
	require.Equal(t, 1, mm.Statistics().ImportedAllocations)
	require.NoError(t, mm.Free(first))
	require.Equal(t, 0, mm.Statistics().ImportedAllocations)

	require.NoError(t, mm.Free(exported))
	require.Equal(t, 0, kernel.LiveBuffers())
}

func TestCreateFromSharedHandleFailure(t *testing.T) {
	mm, kernel := newManager(t, 1)

	_, err := mm.CreateFromSharedHandle(osiface.Handle(12345), graphics.ImportProperties{})
	require.True(t, errors.Is(err, osiface.ErrUnknownHandle))

	alloc, err := mm.Allocate(graphics.AllocationProperties{Type: graphics.AllocationTypeBuffer, Size: 4096, NumTiles: 2})
	require.NoError(t, err)
	first, err := mm.PeekInternalHandle(alloc, 0)
	require.NoError(t, err)

	// A bad second handle drops the reference taken on the first
	_, err = mm.CreateFromSharedHandles([]osiface.Handle{first, osiface.Handle(12345)}, graphics.ImportProperties{})
	require.Error(t, err)
	require.Equal(t, 2, kernel.LiveBuffers())

	require.NoError(t, mm.Free(alloc))
	require.Equal(t, 0, kernel.LiveBuffers())
}

func TestVirtualMemory(t *testing.T) {
	mm, _ := newManager(t, 1)

	physical, err := mm.Allocate(graphics.AllocationProperties{Type: graphics.AllocationTypePhysical, Size: 128 << 10})
	require.NoError(t, err)
	require.Zero(t, physical.GPUAddress())

	base, err := mm.ReserveVirtual(0, 4<<20)
	require.NoError(t, err)
	require.Equal(t, uint64(0), base%graphics.PageSize2M)

	require.NoError(t, mm.MapVirtual(base, 64<<10, physical, 0, ze.MemoryAccessAttributeReadWrite))
	require.NoError(t, mm.MapVirtual(base+(64<<10), 64<<10, physical, 64<<10, ze.MemoryAccessAttributeReadOnly))
	require.True(t, mm.IsMapped(physical))

	err = mm.MapVirtual(base, 64<<10, physical, 0, ze.MemoryAccessAttributeReadWrite)
	require.True(t, errors.Is(err, graphics.ErrMappingConflict))

	access, size, err := mm.GetVirtualAccess(base, 128<<10)
	require.NoError(t, err)
	require.Equal(t, ze.MemoryAccessAttributeReadWrite, access)
	require.Equal(t, uint64(64<<10), size)

	require.NoError(t, mm.SetVirtualAccess(base, 128<<10, ze.MemoryAccessAttributeReadOnly))
	access, size, err = mm.GetVirtualAccess(base, 128<<10)
	require.NoError(t, err)
	require.Equal(t, ze.MemoryAccessAttributeReadOnly, access)
	require.Equal(t, uint64(128<<10), size)

	err = mm.SetVirtualAccess(base, 192<<10, ze.MemoryAccessAttributeNone)
	require.True(t, errors.Is(err, graphics.ErrNotMapped))

	require.NoError(t, mm.UnmapVirtual(base, 64<<10))
	require.True(t, mm.IsMapped(physical))

	require.NoError(t, mm.FreeVirtual(base, 4<<20))
	require.False(t, mm.IsMapped(physical))

	_, _, err = mm.GetVirtualAccess(base, 64<<10)
	require.True(t, errors.Is(err, graphics.ErrUnknownReservation))

	require.NoError(t, mm.Free(physical))
}
