package svm_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/levelzero/usm/device"
	"github.com/levelzero/usm/graphics"
	"github.com/levelzero/usm/internal/mocks"
	"github.com/levelzero/usm/osiface"
	"github.com/levelzero/usm/svm"
	"github.com/levelzero/usm/ze"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

type managerSetup struct {
	kernel  *osiface.Simulated
	mm      *graphics.MemoryManager
	dev     *device.Device
	manager *svm.Manager
}

func newManager(t *testing.T, options svm.ManagerCreateOptions) managerSetup {
	kernel := osiface.NewSimulated(osiface.HandleKindFd)
	mm := graphics.NewMemoryManager(slog.Default(), kernel, graphics.MemoryManagerCreateOptions{
		RootDevices:    []graphics.RootDeviceInfo{{LocalMemorySize: 1 << 32}, {LocalMemorySize: 1 << 32}},
		HostMemorySize: 1 << 32,
		UseMutex:       true,
	})
	options.UseMutex = true

	return managerSetup{
		kernel: kernel,
		mm:     mm,
		dev: testDevice(0, false, device.Capabilities{
			MaxMemAllocSize: 1 << 30,
			GlobalMemSize:   1 << 32,
		}),
		manager: svm.NewManager(slog.Default(), mm, options),
	}
}

func TestCreateAndLookup(t *testing.T) {
	setup := newManager(t, svm.ManagerCreateOptions{})

	data, err := setup.manager.Create(svm.AllocationProperties{
		Kind:   ze.MemoryTypeDevice,
		Device: setup.dev,
		Size:   100,
	})
	require.NoError(t, err)
	require.Equal(t, ze.MemoryTypeDevice, data.Kind)
	require.Equal(t, uint64(64<<10), data.PageSize)
	require.Equal(t, uint64(1), data.ID)
	require.Same(t, setup.dev, data.Device)
	require.NotNil(t, data.DefaultAllocation())

	found, ok := setup.manager.Lookup(data.Base + 50)
	require.True(t, ok)
	require.Same(t, data, found)

	_, ok = setup.manager.Lookup(data.Base + 100)
	require.False(t, ok)

	// Interior pointers do not identify an allocation to free
	require.True(t, errors.Is(setup.manager.Free(data.Base+50, false), svm.ErrNotFound))

	require.NoError(t, setup.manager.Free(data.Base, false))
	require.True(t, errors.Is(setup.manager.Free(data.Base, false), svm.ErrNotFound))
	require.Equal(t, 0, setup.kernel.LiveBuffers())
}

func TestCreateAlignment(t *testing.T) {
	setup := newManager(t, svm.ManagerCreateOptions{})

	for _, kind := range []ze.MemoryType{ze.MemoryTypeHost, ze.MemoryTypeDevice, ze.MemoryTypeShared} {
		for _, alignment := range []uint64{0, 1, 64, 4 << 10, 64 << 10, 1 << 20, 8 << 20} {
			data, err := setup.manager.Create(svm.AllocationProperties{
				Kind:              kind,
				Device:            setup.dev,
				RootDeviceIndices: []uint32{0},
				Size:              1000,
				Alignment:         alignment,
			})
			require.NoError(t, err)

			expected := alignment
			if expected < data.PageSize {
				expected = data.PageSize
			}
			require.Zero(t, data.Base%expected, "%s alignment %d", kind, alignment)
		}
	}
}

func TestCreateRequiresDevice(t *testing.T) {
	setup := newManager(t, svm.ManagerCreateOptions{})

	_, err := setup.manager.Create(svm.AllocationProperties{Kind: ze.MemoryTypeDevice, Size: 100})
	require.True(t, errors.Is(err, svm.ErrDeviceRequired))

	_, err = setup.manager.Create(svm.AllocationProperties{Kind: ze.MemoryTypeUnknown, Size: 100})
	require.True(t, errors.Is(err, svm.ErrUnknownKind))
}

func TestHostAllocationOnEveryRootDevice(t *testing.T) {
	setup := newManager(t, svm.ManagerCreateOptions{})

	data, err := setup.manager.Create(svm.AllocationProperties{
		Kind:              ze.MemoryTypeHost,
		RootDeviceIndices: []uint32{0, 1},
		Size:              4096,
	})
	require.NoError(t, err)
	require.Nil(t, data.Device)
	require.Len(t, data.Allocations(), 2)
	require.Equal(t, data.GPUAllocation(0).GPUAddress(), data.GPUAllocation(1).GPUAddress())
	require.Nil(t, data.GPUAllocation(2))

	require.NoError(t, setup.manager.Free(data.Base, true))
	require.Equal(t, 0, setup.kernel.LiveBuffers())
}

func TestFreeDeferIsIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	usage := mocks.NewMockUsageChecker(ctrl)
	setup := newManager(t, svm.ManagerCreateOptions{UsageChecker: usage})

	data, err := setup.manager.Create(svm.AllocationProperties{Kind: ze.MemoryTypeDevice, Device: setup.dev, Size: 4096})
	require.NoError(t, err)

	usage.EXPECT().IsInUse(data).Return(true).Times(3)
	for i := 0; i < 3; i++ {
		require.NoError(t, setup.manager.FreeDefer(data.Base))
	}
	require.Equal(t, 1, setup.manager.NumDeferredAllocations())
	require.Equal(t, uint64(3), setup.manager.Statistics().DeferredFreeRequests)

	_, ok := setup.manager.Lookup(data.Base)
	require.True(t, ok)

	// Once idle, the next free of any kind releases it
	usage.EXPECT().IsInUse(data).Return(false)
	require.NoError(t, setup.manager.Free(data.Base, true))
	require.Equal(t, 0, setup.manager.NumDeferredAllocations())
	_, ok = setup.manager.Lookup(data.Base)
	require.False(t, ok)
}

func TestFreeDeferSweepsIdleAllocations(t *testing.T) {
	ctrl := gomock.NewController(t)
	usage := mocks.NewMockUsageChecker(ctrl)
	setup := newManager(t, svm.ManagerCreateOptions{UsageChecker: usage})

	first, err := setup.manager.Create(svm.AllocationProperties{Kind: ze.MemoryTypeDevice, Device: setup.dev, Size: 4096})
	require.NoError(t, err)
	second, err := setup.manager.Create(svm.AllocationProperties{Kind: ze.MemoryTypeDevice, Device: setup.dev, Size: 4096})
	require.NoError(t, err)

	usage.EXPECT().IsInUse(first).Return(true)
	require.NoError(t, setup.manager.FreeDefer(first.Base))

	usage.EXPECT().IsInUse(first).Return(false)
	usage.EXPECT().IsInUse(second).Return(true)
	require.NoError(t, setup.manager.FreeDefer(second.Base))

	_, ok := setup.manager.Lookup(first.Base)
	require.False(t, ok)
	require.Equal(t, 1, setup.manager.NumDeferredAllocations())

	require.NoError(t, setup.manager.FreeAllDeferred(true))
	require.Equal(t, 0, setup.manager.NumDeferredAllocations())
	require.Equal(t, 0, setup.kernel.LiveBuffers())
}

func TestBlockingFreeWaits(t *testing.T) {
	ctrl := gomock.NewController(t)
	usage := mocks.NewMockUsageChecker(ctrl)
	setup := newManager(t, svm.ManagerCreateOptions{UsageChecker: usage})

	data, err := setup.manager.Create(svm.AllocationProperties{Kind: ze.MemoryTypeDevice, Device: setup.dev, Size: 4096})
	require.NoError(t, err)

	gomock.InOrder(
		usage.EXPECT().IsInUse(data).Return(true),
		usage.EXPECT().Wait(data),
	)
	require.NoError(t, setup.manager.Free(data.Base, true))
}

func TestPendingUseChecker(t *testing.T) {
	setup := newManager(t, svm.ManagerCreateOptions{})
	checker := svm.PendingUseChecker{}

	data, err := setup.manager.Create(svm.AllocationProperties{Kind: ze.MemoryTypeDevice, Device: setup.dev, Size: 4096})
	require.NoError(t, err)
	require.False(t, checker.IsInUse(data))

	data.DefaultAllocation().AddPendingUse()
	require.True(t, checker.IsInUse(data))

	go data.DefaultAllocation().CompletePendingUse()
	checker.Wait(data)
	require.False(t, checker.IsInUse(data))
}

func TestUSMPool(t *testing.T) {
	var released []uint64
	setup := newManager(t, svm.ManagerCreateOptions{
		HostPoolSize:  2 << 20,
		PoolThreshold: 1 << 20,
		OnRelease: func(data *svm.AllocationData) {
			released = append(released, data.Base)
		},
	})

	first, err := setup.manager.Create(svm.AllocationProperties{Kind: ze.MemoryTypeHost, RootDeviceIndices: []uint32{0}, Size: 1000})
	require.NoError(t, err)
	require.True(t, first.IsPooled())
	second, err := setup.manager.Create(svm.AllocationProperties{Kind: ze.MemoryTypeHost, RootDeviceIndices: []uint32{0}, Size: 1000, Alignment: 4096})
	require.NoError(t, err)
	require.True(t, second.IsPooled())
	require.Same(t, first.DefaultAllocation(), second.DefaultAllocation())
	require.Zero(t, second.Base%4096)
	require.Equal(t, second.Base-first.DefaultAllocation().GPUAddress(), second.PoolOffset())
	require.NotEqual(t, first.ID, second.ID)

	large, err := setup.manager.Create(svm.AllocationProperties{Kind: ze.MemoryTypeHost, RootDeviceIndices: []uint32{0}, Size: 2 << 20})
	require.NoError(t, err)
	require.False(t, large.IsPooled())

	stats := setup.manager.Statistics()
	require.Equal(t, 3, stats.HostAllocations)
	require.Len(t, stats.Pools, 1)
	require.Equal(t, 2, stats.Pools[0].Statistics.AllocationCount)

	require.NoError(t, setup.manager.Free(first.Base, false))
	require.NoError(t, setup.manager.Free(second.Base, false))
	require.NoError(t, setup.manager.Free(large.Base, false))
	require.Equal(t, []uint64{first.Base, second.Base, large.Base}, released)

	// The pool chunk outlives its allocations until the manager is destroyed
	require.Equal(t, 1, setup.kernel.LiveBuffers())
	require.NoError(t, setup.manager.Destroy())
	require.Equal(t, 0, setup.kernel.LiveBuffers())
}

func TestInsertImportedIsRefcounted(t *testing.T) {
	setup := newManager(t, svm.ManagerCreateOptions{})

	exported, err := setup.mm.Allocate(graphics.AllocationProperties{Type: graphics.AllocationTypeBuffer, Size: 64 << 10})
	require.NoError(t, err)
	handle, err := setup.mm.PeekInternalHandle(exported, 0)
	require.NoError(t, err)

	open := func() *svm.AllocationData {
		imported, err := setup.mm.CreateFromSharedHandle(handle, graphics.ImportProperties{RootDeviceIndex: 1, ReuseShared: true})
		require.NoError(t, err)

		data, err := setup.manager.InsertImported(svm.ImportProperties{
			Kind:        ze.MemoryTypeDevice,
			Device:      setup.dev,
			Allocations: []*graphics.Allocation{imported},
		})
		require.NoError(t, err)
		return data
	}

	first := open()
	second := open()
	require.Same(t, first, second)
	require.True(t, first.Imported)
	require.Equal(t, uint64(64<<10), first.Size)
	require.Equal(t, 1, setup.manager.Statistics().ImportedAllocations)

	require.NoError(t, setup.manager.Free(first.Base, false))
	_, ok := setup.manager.Lookup(first.Base)
	require.True(t, ok)

	require.NoError(t, setup.manager.Free(first.Base, false))
	_, ok = setup.manager.Lookup(first.Base)
	require.False(t, ok)
	require.Equal(t, 0, setup.mm.Statistics().ImportedAllocations)
}

func TestAtomicAttr(t *testing.T) {
	setup := newManager(t, svm.ManagerCreateOptions{})

	data, err := setup.manager.Create(svm.AllocationProperties{Kind: ze.MemoryTypeShared, Device: setup.dev, Size: 4096})
	require.NoError(t, err)

	_, ok := setup.manager.AtomicAttr(data)
	require.False(t, ok)

	setup.manager.SetAtomicAttr(data, 0)
	attr, ok := setup.manager.AtomicAttr(data)
	require.True(t, ok)
	require.Zero(t, attr)
}

func TestCreateRejectsOverlap(t *testing.T) {
	setup := newManager(t, svm.ManagerCreateOptions{})
	const hostPointer = 0x7f0000000000

	props := svm.AllocationProperties{
		Kind:              ze.MemoryTypeHost,
		RootDeviceIndices: []uint32{0},
		Size:              8192,
		HostPointer:       hostPointer,
	}
	first, err := setup.manager.Create(props)
	require.NoError(t, err)
	buffers := setup.kernel.LiveBuffers()

	_, err = setup.manager.Create(props)
	require.True(t, errors.Is(err, svm.ErrOverlap))

	props.HostPointer = hostPointer + 4096
	_, err = setup.manager.Create(props)
	require.True(t, errors.Is(err, svm.ErrOverlap))
	require.Equal(t, buffers, setup.kernel.LiveBuffers())

	found, ok := setup.manager.Lookup(hostPointer + 4096)
	require.True(t, ok)
	require.Same(t, first, found)

	props.HostPointer = hostPointer + 8192
	next, err := setup.manager.Create(props)
	require.NoError(t, err)
	require.Equal(t, first.ID+1, next.ID)

	require.NoError(t, setup.manager.Free(next.Base, false))
	require.NoError(t, setup.manager.Free(first.Base, false))
}
