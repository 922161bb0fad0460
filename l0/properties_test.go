package l0_test

import (
	"math"
	"testing"

	"github.com/levelzero/usm/graphics"
	"github.com/levelzero/usm/ipc"
	"github.com/levelzero/usm/l0"
	"github.com/levelzero/usm/ze"
	"github.com/stretchr/testify/require"
)

func TestGetMemAllocPropertiesOfUnknownPointer(t *testing.T) {
	env := newEnv(t, envOptions{})

	props, owner, err := env.ctx.GetMemAllocProperties(0x1234)
	require.NoError(t, err)
	require.Equal(t, ze.MemoryTypeUnknown, props.Type)
	require.Nil(t, owner)
}

func TestGetMemAllocProperties(t *testing.T) {
	env := newEnv(t, envOptions{})

	host, err := env.ctx.AllocHostMem(l0.HostMemAllocDesc{}, 100, 0)
	require.NoError(t, err)
	dev, err := env.ctx.AllocDeviceMem(l0.DeviceMemAllocDesc{}, 4<<20, 0, env.root(0))
	require.NoError(t, err)

	hostProps, owner, err := env.ctx.GetMemAllocProperties(host + 50)
	require.NoError(t, err)
	require.Equal(t, ze.MemoryTypeHost, hostProps.Type)
	require.Equal(t, uint64(graphics.PageSize4K), hostProps.PageSize)
	require.Nil(t, owner)

	devProps, owner, err := env.ctx.GetMemAllocProperties(dev)
	require.NoError(t, err)
	require.Equal(t, ze.MemoryTypeDevice, devProps.Type)
	require.Equal(t, uint64(graphics.PageSize2M), devProps.PageSize)
	require.Same(t, env.root(0), owner)
	require.Greater(t, devProps.ID, hostProps.ID)

	_, _, err = env.ctx.GetMemAllocProperties(dev, &l0.RelaxedAllocationLimitsDesc{})
	requireResult(t, ze.ResultErrorInvalidEnumeration, err)

	base, size, err := env.ctx.GetMemAddressRange(dev + 4096)
	require.NoError(t, err)
	require.Equal(t, dev, base)
	require.Equal(t, uint64(4<<20), size)

	_, _, err = env.ctx.GetMemAddressRange(0x1234)
	requireResult(t, ze.ResultErrorInvalidArgument, err)

	require.NoError(t, env.ctx.FreeMem(host))
	require.NoError(t, env.ctx.FreeMem(dev))
}

func TestExportThroughProperties(t *testing.T) {
	env := newEnv(t, envOptions{})

	dev, err := env.ctx.AllocDeviceMem(l0.DeviceMemAllocDesc{}, 4096, 0, env.root(0))
	require.NoError(t, err)

	export := &l0.ExternalMemoryExportFd{Flags: ze.ExternalMemoryTypeDmaBuf}
	_, _, err = env.ctx.GetMemAllocProperties(dev, export)
	require.NoError(t, err)

	handle, err := env.ctx.GetIpcMemHandle(dev)
	require.NoError(t, err)
	decoded, _, err := ipc.Decode(handle)
	require.NoError(t, err)
	require.Equal(t, int(decoded.Handle), export.Fd)
	require.NoError(t, env.ctx.PutIpcMemHandle(handle))

	_, _, err = env.ctx.GetMemAllocProperties(dev, &l0.ExternalMemoryExportFd{})
	requireResult(t, ze.ResultErrorUnsupportedEnumeration, err)

	_, _, err = env.ctx.GetMemAllocProperties(dev, &l0.ExternalMemoryExportWin32{Flags: ze.ExternalMemoryTypeOpaqueWin32})
	requireResult(t, ze.ResultErrorUnsupportedFeature, err)

	shared, err := env.ctx.AllocSharedMem(l0.DeviceMemAllocDesc{}, l0.HostMemAllocDesc{}, 4096, 0, env.root(0))
	require.NoError(t, err)
	_, _, err = env.ctx.GetMemAllocProperties(shared, &l0.ExternalMemoryExportFd{Flags: ze.ExternalMemoryTypeDmaBuf})
	requireResult(t, ze.ResultErrorUnsupportedFeature, err)

	env.kernel.SetExportFailure(true)
	host, err := env.ctx.AllocHostMem(l0.HostMemAllocDesc{}, 4096, 0)
	require.NoError(t, err)
	_, _, err = env.ctx.GetMemAllocProperties(host, &l0.ExternalMemoryExportFd{Flags: ze.ExternalMemoryTypeOpaqueFd})
	requireResult(t, ze.ResultErrorOutOfHostMemory, err)
	env.kernel.SetExportFailure(false)

	require.NoError(t, env.ctx.FreeMem(dev))
	require.NoError(t, env.ctx.FreeMem(shared))
	require.NoError(t, env.ctx.FreeMem(host))
	require.Zero(t, env.kernel.OpenHandles())
}

func TestSubAllocationProperties(t *testing.T) {
	env := newEnv(t, envOptions{implicitScaling: true})

	ptr, err := env.ctx.AllocDeviceMem(l0.DeviceMemAllocDesc{}, 4<<20, 0, env.root(1))
	require.NoError(t, err)

	_, _, err = env.ctx.GetMemAllocProperties(ptr, &l0.MemorySubAllocationsProperties{})
	requireResult(t, ze.ResultErrorInvalidNullPointer, err)

	var count uint32
	_, _, err = env.ctx.GetMemAllocProperties(ptr, &l0.MemorySubAllocationsProperties{Count: &count})
	require.NoError(t, err)
	require.Equal(t, uint32(2), count)

	subs := make([]l0.SubAllocation, 3)
	count = 3
	_, _, err = env.ctx.GetMemAllocProperties(ptr, &l0.MemorySubAllocationsProperties{Count: &count, SubAllocations: subs})
	require.NoError(t, err)
	require.Equal(t, uint32(2), count)
	require.Equal(t, []l0.SubAllocation{
		{Base: ptr, Size: 2 << 20},
		{Base: ptr + 2<<20, Size: 2 << 20},
		{},
	}, subs)

	single, err := env.ctx.AllocDeviceMem(l0.DeviceMemAllocDesc{}, 4<<20, 0, env.root(0))
	require.NoError(t, err)
	_, _, err = env.ctx.GetMemAllocProperties(single, &l0.MemorySubAllocationsProperties{Count: &count})
	requireResult(t, ze.ResultErrorUnsupportedEnumeration, err)

	require.NoError(t, env.ctx.FreeMem(ptr))
	require.NoError(t, env.ctx.FreeMem(single))
}

func TestAtomicAccessAttribute(t *testing.T) {
	env := newEnv(t, envOptions{})
	dev := env.root(0)

	shared, err := env.ctx.AllocSharedMem(l0.DeviceMemAllocDesc{}, l0.HostMemAllocDesc{}, 4096, 0, dev)
	require.NoError(t, err)

	_, err = env.ctx.GetAtomicAccessAttribute(dev, shared, 4096)
	requireResult(t, ze.ResultErrorInvalidArgument, err)

	require.NoError(t, env.ctx.SetAtomicAccessAttribute(dev, shared, 4096, 0))
	attr, err := env.ctx.GetAtomicAccessAttribute(dev, shared, 4096)
	require.NoError(t, err)
	require.Zero(t, attr)

	data, ok := env.driver.SVM().Lookup(shared)
	require.True(t, ok)
	require.Equal(t, graphics.AtomicAccessModeDefault, data.DefaultAllocation().AtomicAccess())

	requested := ze.AtomicAttrDeviceAtomics | ze.AtomicAttrNoHostAtomics
	require.NoError(t, env.ctx.SetAtomicAccessAttribute(dev, shared, 4096, requested))
	attr, err = env.ctx.GetAtomicAccessAttribute(dev, shared, 4096)
	require.NoError(t, err)
	require.Equal(t, requested, attr)
	for _, alloc := range data.Allocations() {
		require.Equal(t, graphics.AtomicAccessModeDevice, alloc.AtomicAccess())
	}

	require.NoError(t, env.ctx.SetAtomicAccessAttribute(dev, shared, 4096, ze.AtomicAttrNoAtomics))
	require.Equal(t, graphics.AtomicAccessModeNone, data.DefaultAllocation().AtomicAccess())

	testCases := map[string]struct {
		dev  bool
		ptr  uint64
		attr ze.AtomicAttrFlags
	}{
		"SystemAtomicsUnsupported": {dev: true, ptr: shared, attr: ze.AtomicAttrSystemAtomics},
		"UnknownBits":              {dev: true, ptr: shared, attr: 1 << 12},
		"NilDevice":                {ptr: shared, attr: ze.AtomicAttrDeviceAtomics},
		"ForeignPointer":           {dev: true, ptr: 0x5000, attr: ze.AtomicAttrDeviceAtomics},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			target := dev
			if !testCase.dev {
				target = nil
			}
			err := env.ctx.SetAtomicAccessAttribute(target, testCase.ptr, 4096, testCase.attr)
			requireResult(t, ze.ResultErrorInvalidArgument, err)
		})
	}

	device, err := env.ctx.AllocDeviceMem(l0.DeviceMemAllocDesc{}, 4096, 0, dev)
	require.NoError(t, err)
	err = env.ctx.SetAtomicAccessAttribute(dev, device, 4096, ze.AtomicAttrDeviceAtomics)
	requireResult(t, ze.ResultErrorInvalidArgument, err)

	_, err = env.ctx.GetAtomicAccessAttribute(nil, shared, 4096)
	requireResult(t, ze.ResultErrorInvalidArgument, err)

	require.NoError(t, env.ctx.FreeMem(shared))
	require.NoError(t, env.ctx.FreeMem(device))
}

func TestAtomicAccessRangeStaysInAllocation(t *testing.T) {
	env := newEnv(t, envOptions{})
	dev := env.root(0)

	shared, err := env.ctx.AllocSharedMem(l0.DeviceMemAllocDesc{}, l0.HostMemAllocDesc{}, 4096, 0, dev)
	require.NoError(t, err)
	data, ok := env.driver.SVM().Lookup(shared)
	require.True(t, ok)

	require.NoError(t, env.ctx.SetAtomicAccessAttribute(dev, shared+1024, 1024, ze.AtomicAttrDeviceAtomics))
	attr, err := env.ctx.GetAtomicAccessAttribute(dev, shared+2048, 2048)
	require.NoError(t, err)
	require.Equal(t, ze.AtomicAttrDeviceAtomics, attr)

	err = env.ctx.SetAtomicAccessAttribute(dev, shared+1024, 4096, ze.AtomicAttrNoAtomics)
	requireResult(t, ze.ResultErrorInvalidArgument, err)
	require.Equal(t, graphics.AtomicAccessModeDevice, data.DefaultAllocation().AtomicAccess())

	_, err = env.ctx.GetAtomicAccessAttribute(dev, shared, 8192)
	requireResult(t, ze.ResultErrorInvalidArgument, err)
	_, err = env.ctx.GetAtomicAccessAttribute(dev, shared+4095, ^uint64(0))
	requireResult(t, ze.ResultErrorInvalidArgument, err)

	require.NoError(t, env.ctx.FreeMem(shared))
}

func TestAtomicAccessOnSystemAllocations(t *testing.T) {
	caps := testCapabilities
	caps.SharedSystemAllocations = true
	caps.SystemAtomics = true
	env := newEnv(t, envOptions{capabilities: caps})
	dev := env.root(0)

	const systemPointer = 0x5000
	_, err := env.ctx.GetAtomicAccessAttribute(dev, systemPointer, 4096)
	requireResult(t, ze.ResultErrorInvalidArgument, err)

	require.NoError(t, env.ctx.SetAtomicAccessAttribute(dev, systemPointer, 4096, ze.AtomicAttrSystemAtomics))
	attr, err := env.ctx.GetAtomicAccessAttribute(dev, systemPointer, 4096)
	require.NoError(t, err)
	require.Equal(t, ze.AtomicAttrSystemAtomics, attr)
}

func TestGetPitchFor2dImage(t *testing.T) {
	env := newEnv(t, envOptions{})
	dev := env.root(0)

	testCases := map[string]struct {
		width       uint64
		height      uint64
		elementSize uint32
		pitch       uint64
		result      ze.Result
	}{
		"Aligned":       {width: 16, height: 16, elementSize: 4, pitch: 64},
		"RoundedUp":     {width: 100, height: 10, elementSize: 4, pitch: 448},
		"ZeroElement":   {width: 100, height: 10, result: ze.ResultErrorInvalidArgument},
		"ZeroWidth":     {height: 10, elementSize: 4, result: ze.ResultErrorInvalidArgument},
		"OverMaxPitch":  {width: 1 << 20, height: 1, elementSize: 4, result: ze.ResultErrorInvalidArgument},
		"RowOverflows":  {width: math.MaxUint64 / 2, height: 1, elementSize: 16, result: ze.ResultErrorInvalidArgument},
		"AtMaxPitch":    {width: 1 << 18, height: 1, elementSize: 4, pitch: 1 << 20},
		"OneByteColumn": {width: 1, height: 1, elementSize: 1, pitch: 64},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			pitch, err := env.ctx.GetPitchFor2dImage(dev, testCase.width, testCase.height, testCase.elementSize)
			if testCase.result != ze.ResultSuccess {
				requireResult(t, testCase.result, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, testCase.pitch, pitch)
		})
	}

	_, err := env.ctx.GetPitchFor2dImage(nil, 16, 16, 4)
	requireResult(t, ze.ResultErrorInvalidArgument, err)
}
