package driver_test

import (
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/levelzero/usm/config"
	"github.com/levelzero/usm/device"
	"github.com/levelzero/usm/driver"
	"github.com/levelzero/usm/graphics"
	"github.com/levelzero/usm/internal/mocks"
	"github.com/levelzero/usm/ipc"
	"github.com/levelzero/usm/osiface"
	"github.com/levelzero/usm/svm"
	"github.com/levelzero/usm/ze"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

var testCapabilities = device.Capabilities{
	MaxMemAllocSize: 1 << 30,
	GlobalMemSize:   4 << 30,
	PitchAlignment:  64,
	MaxImagePitch2D: 1 << 20,
}

func testSettings(t *testing.T) config.Settings {
	settings := config.Default()
	settings.IpcSocketDir = t.TempDir()
	return settings
}

func newDriver(t *testing.T, kernel osiface.Primitive, settings config.Settings, processID int) *driver.Driver {
	d, err := driver.New(slog.Default(), driver.CreateOptions{
		Settings:  settings,
		Primitive: kernel,
		Devices: []device.CreateOptions{
			{Capabilities: testCapabilities},
			{Capabilities: testCapabilities, NumSubDevices: 2},
		},
		HostMemorySize: 1 << 32,
		ProcessID:      processID,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, d.Destroy())
	})
	return d
}

func createDevice(t *testing.T, d *driver.Driver, dev *device.Device, size uint64) *svm.AllocationData {
	data, err := d.SVM().Create(svm.AllocationProperties{
		Kind:   ze.MemoryTypeDevice,
		Device: dev,
		Size:   size,
	})
	require.NoError(t, err)
	return data
}

func graphicsImage(rootDeviceIndex uint32) graphics.AllocationProperties {
	return graphics.AllocationProperties{
		Type:            graphics.AllocationTypeImage,
		RootDeviceIndex: rootDeviceIndex,
		Size:            64 << 10,
	}
}

func TestNewRequiresPrimitiveAndDevices(t *testing.T) {
	_, err := driver.New(slog.Default(), driver.CreateOptions{
		Devices: []device.CreateOptions{{Capabilities: testCapabilities}},
	})
	require.Error(t, err)

	_, err = driver.New(slog.Default(), driver.CreateOptions{
		Primitive: osiface.NewSimulated(osiface.HandleKindFd),
	})
	require.Error(t, err)
}

func TestDevicesAreIndexed(t *testing.T) {
	d := newDriver(t, osiface.NewSimulated(osiface.HandleKindFd), testSettings(t), 1)

	require.Len(t, d.Devices(), 2)
	require.Equal(t, []uint32{0, 1}, d.RootDeviceIndices())
	require.Equal(t, uint32(1), d.Device(1).RootDeviceIndex())
	require.Nil(t, d.Device(2))
	require.True(t, d.OwnsDevice(d.Device(1).SubDevice(1)))
	require.False(t, d.OwnsDevice(nil))
	require.Equal(t, 1, d.ProcessID())
}

func TestExportTracksReferences(t *testing.T) {
	kernel := osiface.NewSimulated(osiface.HandleKindFd)
	d := newDriver(t, kernel, testSettings(t), 1)
	data := createDevice(t, d, d.Device(0), 4096)

	first, err := d.ExportIpcHandle(data, 0)
	require.NoError(t, err)
	second, err := d.ExportIpcHandle(data, 0)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, kernel.ExportCount())

	decoded, opaque, err := ipc.Decode(first)
	require.NoError(t, err)
	require.False(t, opaque)
	require.Equal(t, ze.MemoryTypeDevice, decoded.Type)

	rec, ok := d.IpcTable().Lookup(decoded.Key())
	require.True(t, ok)
	require.Equal(t, 2, rec.RefCount)
	require.Equal(t, data.Base, rec.Address)

	handle, ok := d.IpcHandleFor(decoded.Handle)
	require.True(t, ok)
	require.Equal(t, first, handle)

	left, found, err := d.ReleaseIpcHandle(decoded.Key())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, left)
	require.Equal(t, 1, kernel.OpenHandles())

	left, found, err = d.ReleaseIpcHandle(decoded.Key())
	require.NoError(t, err)
	require.True(t, found)
	require.Zero(t, left)
	require.Zero(t, kernel.OpenHandles())
	require.Zero(t, d.IpcTable().Len())

	require.NoError(t, d.SVM().Free(data.Base, false))
}

func TestFreeDropsIpcRecords(t *testing.T) {
	kernel := osiface.NewSimulated(osiface.HandleKindFd)
	d := newDriver(t, kernel, testSettings(t), 1)
	data := createDevice(t, d, d.Device(0), 4096)

	_, err := d.ExportIpcHandle(data, 0)
	require.NoError(t, err)
	require.Equal(t, 1, d.IpcTable().Len())

	require.NoError(t, d.SVM().Free(data.Base, false))
	require.Zero(t, d.IpcTable().Len())
	require.Zero(t, kernel.OpenHandles())
	require.Zero(t, kernel.LiveBuffers())
}

func TestPooledFreeDropsOwnIpcRecord(t *testing.T) {
	kernel := osiface.NewSimulated(osiface.HandleKindFd)
	settings := testSettings(t)
	settings.EnableDeviceUsmAllocationPool = 2
	d := newDriver(t, kernel, settings, 1)

	first := createDevice(t, d, d.Device(0), 4096)
	second := createDevice(t, d, d.Device(0), 4096)
	require.True(t, first.IsPooled())
	require.True(t, second.IsPooled())

	firstHandle, err := d.ExportIpcHandle(first, 0)
	require.NoError(t, err)
	secondHandle, err := d.ExportIpcHandle(second, 0)
	require.NoError(t, err)
	require.NotEqual(t, firstHandle, secondHandle)
	require.Equal(t, 2, d.IpcTable().Len())

	firstDecoded, _, err := ipc.Decode(firstHandle)
	require.NoError(t, err)
	secondDecoded, _, err := ipc.Decode(secondHandle)
	require.NoError(t, err)
	require.Equal(t, firstDecoded.Handle, secondDecoded.Handle)

	require.NoError(t, d.SVM().Free(first.Base, false))
	_, ok := d.IpcTable().Lookup(firstDecoded.Key())
	require.False(t, ok)
	_, found, err := d.ReleaseIpcHandle(firstDecoded.Key())
	require.NoError(t, err)
	require.False(t, found)

	// The pool's handle stays open for the export that is still live
	rec, ok := d.IpcTable().Lookup(secondDecoded.Key())
	require.True(t, ok)
	require.Equal(t, second.Base, rec.Address)
	require.Equal(t, 1, kernel.OpenHandles())

	handle, ok := d.IpcHandleFor(secondDecoded.Handle)
	require.True(t, ok)
	require.Equal(t, secondHandle, handle)

	require.NoError(t, d.SVM().Free(second.Base, false))
	require.Zero(t, d.IpcTable().Len())
	require.Zero(t, kernel.OpenHandles())
	_, ok = d.IpcHandleFor(secondDecoded.Handle)
	require.False(t, ok)
}

func TestExportFailureIsOutOfMemory(t *testing.T) {
	kernel := osiface.NewSimulated(osiface.HandleKindFd)
	d := newDriver(t, kernel, testSettings(t), 1)
	data := createDevice(t, d, d.Device(0), 4096)

	kernel.SetExportFailure(true)
	_, err := d.ExportIpcHandle(data, 0)
	require.Equal(t, ze.ResultErrorOutOfDeviceMemory, ze.ResultFromError(err))
	require.Zero(t, d.IpcTable().Len())

	kernel.SetExportFailure(false)
	require.NoError(t, d.SVM().Free(data.Base, false))
}

func TestSocketRegistrationFailureStillTracks(t *testing.T) {
	settings := testSettings(t)
	settings.EnableIpcSocketFallback = true

	// Simulated handles are not descriptors, so the socket server refuses them
	d := newDriver(t, osiface.NewSimulated(osiface.HandleKindFd), settings, 1)
	data := createDevice(t, d, d.Device(0), 4096)

	handle, err := d.ExportIpcHandle(data, 0)
	require.NoError(t, err)

	decoded, _, err := ipc.Decode(handle)
	require.NoError(t, err)
	_, ok := d.IpcTable().Lookup(decoded.Key())
	require.True(t, ok)

	require.NoError(t, d.SVM().Free(data.Base, false))
}

func TestOpenAcrossProcesses(t *testing.T) {
	kernel := osiface.NewSimulated(osiface.HandleKindFd)

	exporterSettings := testSettings(t)
	exporterSettings.UseOpaqueIpcHandles = true
	exporter := newDriver(t, kernel, exporterSettings, 100)
	importer := newDriver(t, kernel, testSettings(t), 200)

	data := createDevice(t, exporter, exporter.Device(0), 8192)
	handle, err := exporter.ExportIpcHandle(data, 0)
	require.NoError(t, err)

	decoded, opaque, err := ipc.Decode(handle)
	require.NoError(t, err)
	require.True(t, opaque)
	require.Equal(t, uint32(100), decoded.ProcessID)

	target := importer.Device(1)
	opened, err := importer.OpenIpcHandles([]ze.IpcMemHandle{handle}, driver.OpenProperties{
		Device:     target,
		Registered: target.SubDevice(0),
	})
	require.NoError(t, err)
	require.True(t, opened.Imported)
	require.Equal(t, ze.MemoryTypeDevice, opened.Kind)
	require.Same(t, target.SubDevice(0), opened.Device)
	require.Equal(t, uint64(8192), opened.Size)
	require.Equal(t, uint32(1), opened.DefaultAllocation().RootDeviceIndex())

	// A second open maps nothing new
	again, err := importer.OpenIpcHandles([]ze.IpcMemHandle{handle}, driver.OpenProperties{
		Device:     target,
		Registered: target.SubDevice(0),
	})
	require.NoError(t, err)
	require.Same(t, opened, again)

	require.NoError(t, importer.SVM().Free(opened.Base, false))
	_, ok := importer.SVM().Lookup(opened.Base)
	require.True(t, ok)
	require.NoError(t, importer.SVM().Free(opened.Base, false))
	_, ok = importer.SVM().Lookup(opened.Base)
	require.False(t, ok)

	require.NoError(t, exporter.SVM().Free(data.Base, false))
	require.Zero(t, kernel.LiveBuffers())
}

func TestOpenRejectsMalformedHandle(t *testing.T) {
	d := newDriver(t, osiface.NewSimulated(osiface.HandleKindFd), testSettings(t), 1)

	_, err := d.OpenIpcHandles([]ze.IpcMemHandle{{}}, driver.OpenProperties{Device: d.Device(0), Registered: d.Device(0)})
	require.Equal(t, ze.ResultErrorInvalidArgument, ze.ResultFromError(err))

	_, err = d.OpenIpcHandles(nil, driver.OpenProperties{Device: d.Device(0), Registered: d.Device(0)})
	require.Equal(t, ze.ResultErrorInvalidArgument, ze.ResultFromError(err))
}

func TestOpaqueImportWithoutDuplication(t *testing.T) {
	ctrl := gomock.NewController(t)
	kernel := mocks.NewMockPrimitive(ctrl)

	handle := ipc.OpaqueMemoryData{
		MemoryData: ipc.MemoryData{Handle: 7, Type: ze.MemoryTypeDevice},
		HandleKind: osiface.HandleKindFd,
		ProcessID:  4242,
	}.Encode()

	kernel.EXPECT().DuplicateFromProcess(4242, osiface.Handle(7)).
		Return(osiface.Handle(0), errors.Wrap(osiface.ErrUnsupported, "pidfd_getfd"))

	d := newDriver(t, kernel, testSettings(t), 1)
	_, err := d.OpenIpcHandles([]ze.IpcMemHandle{handle}, driver.OpenProperties{Device: d.Device(0), Registered: d.Device(0)})
	require.Equal(t, ze.ResultErrorInvalidArgument, ze.ResultFromError(err))
	require.True(t, errors.Is(err, ze.ResultErrorInvalidArgument.ToError()))
}

func TestForcedSocketImportWithoutServer(t *testing.T) {
	ctrl := gomock.NewController(t)
	kernel := mocks.NewMockPrimitive(ctrl)

	settings := testSettings(t)
	settings.ForceIpcSocketFallback = true
	settings.IpcSocketTimeout = 50_000_000

	handle := ipc.OpaqueMemoryData{
		MemoryData: ipc.MemoryData{Handle: 7, Type: ze.MemoryTypeDevice},
		HandleKind: osiface.HandleKindFd,
		ProcessID:  4242,
	}.Encode()

	// The socket path is taken without asking the primitive to duplicate anything
	d := newDriver(t, kernel, settings, 1)
	_, err := d.OpenIpcHandles([]ze.IpcMemHandle{handle}, driver.OpenProperties{Device: d.Device(0), Registered: d.Device(0)})
	require.Equal(t, ze.ResultErrorInvalidArgument, ze.ResultFromError(err))
}

func TestPeerAllocationIsCached(t *testing.T) {
	kernel := osiface.NewSimulated(osiface.HandleKindFd)
	d := newDriver(t, kernel, testSettings(t), 1)
	data := createDevice(t, d, d.Device(0), 4096)
	peerDevice := d.Device(1)

	first, firstAddress, err := d.GetPeerAllocation(peerDevice, data, data.Base+16)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, uint32(1), first.RootDeviceIndex())
	require.Equal(t, first.GPUAddress()+16, firstAddress)

	second, secondAddress, err := d.GetPeerAllocation(peerDevice, data, data.Base+16)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, firstAddress, secondAddress)
	require.Equal(t, 1, peerDevice.Peers().Len())
	require.Equal(t, 1, d.Statistics().PeerAllocations)

	// Freeing the origin drops the mirror, and a new origin gets a new mirror
	require.NoError(t, d.SVM().Free(data.Base, false))
	require.Zero(t, peerDevice.Peers().Len())

	data = createDevice(t, d, d.Device(0), 4096)
	third, _, err := d.GetPeerAllocation(peerDevice, data, data.Base)
	require.NoError(t, err)
	require.NotSame(t, first, third)

	require.NoError(t, d.SVM().Free(data.Base, false))
	require.Zero(t, kernel.LiveBuffers())
	require.Zero(t, kernel.OpenHandles())
}

func TestPeerFailureLeavesNoEntry(t *testing.T) {
	kernel := osiface.NewSimulated(osiface.HandleKindFd)
	d := newDriver(t, kernel, testSettings(t), 1)
	data := createDevice(t, d, d.Device(0), 4096)
	peerDevice := d.Device(1)

	kernel.SetExportFailure(true)
	alloc, _, err := d.GetPeerAllocation(peerDevice, data, data.Base)
	require.Error(t, err)
	require.Nil(t, alloc)
	require.Zero(t, peerDevice.Peers().Len())

	kernel.SetExportFailure(false)
	kernel.SetImportFailure(true)
	_, _, err = d.GetPeerAllocation(peerDevice, data, data.Base)
	require.Error(t, err)
	require.Zero(t, peerDevice.Peers().Len())

	kernel.SetImportFailure(false)
	alloc, _, err = d.GetPeerAllocation(peerDevice, data, data.Base)
	require.NoError(t, err)
	require.NotNil(t, alloc)

	_, _, err = d.GetPeerAllocation(peerDevice, data, data.Base+data.Size)
	require.Equal(t, ze.ResultErrorInvalidArgument, ze.ResultFromError(err))

	require.NoError(t, d.SVM().Free(data.Base, false))
}

func TestIsRemoteResourceNeeded(t *testing.T) {
	d := newDriver(t, osiface.NewSimulated(osiface.HandleKindFd), testSettings(t), 1)
	data := createDevice(t, d, d.Device(0), 4096)
	alloc := data.DefaultAllocation()

	require.True(t, d.IsRemoteResourceNeeded(nil, data, d.Device(0)))
	require.True(t, d.IsRemoteResourceNeeded(alloc, nil, d.Device(0)))
	require.True(t, d.IsRemoteResourceNeeded(alloc, data, d.Device(1)))
	require.False(t, d.IsRemoteResourceNeeded(alloc, data, d.Device(0)))

	require.NoError(t, d.SVM().Free(data.Base, false))
}

func TestGetAlignedAllocationData(t *testing.T) {
	d := newDriver(t, osiface.NewSimulated(osiface.HandleKindFd), testSettings(t), 1)
	data := createDevice(t, d, d.Device(0), 4096)

	local, ok := d.GetAlignedAllocationData(d.Device(0), data.Base+7)
	require.True(t, ok)
	require.False(t, local.Peer)
	require.Same(t, data.DefaultAllocation(), local.Allocation)
	require.Equal(t, data.Base+4, local.AlignedPtr)
	require.Equal(t, uint64(3), local.Offset)

	remote, ok := d.GetAlignedAllocationData(d.Device(1), data.Base+8)
	require.True(t, ok)
	require.True(t, remote.Peer)
	require.NotNil(t, remote.Allocation)
	require.Equal(t, remote.Allocation.GPUAddress()+8, remote.AlignedPtr)
	require.Zero(t, remote.Offset)

	_, ok = d.GetAlignedAllocationData(d.Device(0), 0x1234)
	require.False(t, ok)

	require.NoError(t, d.SVM().Free(data.Base, false))
}

func TestPeerImageAllocation(t *testing.T) {
	kernel := osiface.NewSimulated(osiface.HandleKindFd)
	d := newDriver(t, kernel, testSettings(t), 1)

	image, err := d.MemoryManager().Allocate(graphicsImage(0))
	require.NoError(t, err)

	kernel.SetExportFailure(true)
	require.Nil(t, d.GetPeerImageAllocation(d.Device(1), image))

	kernel.SetExportFailure(false)
	mirror := d.GetPeerImageAllocation(d.Device(1), image)
	require.NotNil(t, mirror)
	require.Same(t, mirror, d.GetPeerImageAllocation(d.Device(1), image))

	require.NoError(t, d.RemovePeerImageAllocations(image))
	require.Zero(t, d.Device(1).ImagePeers().Len())
	require.NoError(t, d.MemoryManager().Free(image))
	require.Zero(t, kernel.LiveBuffers())
}

func TestImageAndBufferMirrorsAreCachedApart(t *testing.T) {
	kernel := osiface.NewSimulated(osiface.HandleKindFd)
	d := newDriver(t, kernel, testSettings(t), 1)
	data := createDevice(t, d, d.Device(0), 4096)
	target := d.Device(1)

	backing := data.DefaultAllocation()
	require.Equal(t, data.Base, backing.GPUAddress())

	buffer, _, err := d.GetPeerAllocation(target, data, data.Base)
	require.NoError(t, err)
	image := d.GetPeerImageAllocation(target, backing)
	require.NotNil(t, image)
	require.NotSame(t, buffer, image)
	require.Equal(t, 1, target.Peers().Len())
	require.Equal(t, 1, target.ImagePeers().Len())
	require.Equal(t, 2, d.Statistics().PeerAllocations)

	again, _, err := d.GetPeerAllocation(target, data, data.Base)
	require.NoError(t, err)
	require.Same(t, buffer, again)

	require.NoError(t, d.RemovePeerAllocations(data.Base))
	require.Zero(t, target.Peers().Len())
	require.Same(t, image, d.GetPeerImageAllocation(target, backing))

	require.NoError(t, d.RemovePeerImageAllocations(backing))
	require.NoError(t, d.SVM().Free(data.Base, false))
	require.Zero(t, kernel.LiveBuffers())
}

func TestBuildStatsString(t *testing.T) {
	settings := testSettings(t)
	settings.EnableHostUsmAllocationPool = 2
	d := newDriver(t, osiface.NewSimulated(osiface.HandleKindFd), settings, 1)

	host, err := d.SVM().Create(svm.AllocationProperties{Kind: ze.MemoryTypeHost, Size: 128})
	require.NoError(t, err)
	require.True(t, host.IsPooled())

	var parsed struct {
		Usm struct {
			HostAllocations int
			Pools           []struct{ Kind string }
		}
		Memory struct {
			Heaps []struct{ Name string }
		}
		IpcHandles int
	}

	for _, detailed := range []bool{false, true} {
		require.NoError(t, json.Unmarshal([]byte(d.BuildStatsString(detailed)), &parsed))
		require.Equal(t, 1, parsed.Usm.HostAllocations)
		require.Len(t, parsed.Usm.Pools, 1)
		require.Equal(t, ze.MemoryTypeHost.String(), parsed.Usm.Pools[0].Kind)
		require.Len(t, parsed.Memory.Heaps, 4)
	}

	require.NoError(t, d.SVM().Free(host.Base, false))
}
