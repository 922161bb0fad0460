package l0_test

import (
	"testing"

	"github.com/levelzero/usm/config"
	"github.com/levelzero/usm/device"
	"github.com/levelzero/usm/driver"
	"github.com/levelzero/usm/l0"
	"github.com/levelzero/usm/osiface"
	"github.com/levelzero/usm/svm"
	"github.com/levelzero/usm/ze"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

var testCapabilities = device.Capabilities{
	MaxMemAllocSize: 1 << 30,
	GlobalMemSize:   4 << 30,
	PitchAlignment:  64,
	MaxImagePitch2D: 1 << 20,
	DeviceAtomics:   true,
	HostAtomics:     true,
}

type envOptions struct {
	capabilities     device.Capabilities
	implicitScaling  bool
	usage            svm.UsageChecker
	memoryOperations device.MemoryOperations
	kind             osiface.HandleKind
}

// testEnv is a driver with a single-tile root device 0 and a two-tile root device 1, and a
// context over all of them
type testEnv struct {
	kernel *osiface.Simulated
	driver *driver.Driver
	ctx    *l0.Context
}

func (e *testEnv) root(index uint32) *device.Device { return e.driver.Device(index) }

func newEnv(t *testing.T, options envOptions) *testEnv {
	caps := options.capabilities
	if caps == (device.Capabilities{}) {
		caps = testCapabilities
	}

	settings := config.Default()
	settings.IpcSocketDir = t.TempDir()

	kernel := osiface.NewSimulated(options.kind)
	drv, err := driver.New(slog.Default(), driver.CreateOptions{
		Settings:  settings,
		Primitive: kernel,
		Devices: []device.CreateOptions{
			{Capabilities: caps, MemoryOperations: options.memoryOperations},
			{Capabilities: caps, NumSubDevices: 2, ImplicitScaling: options.implicitScaling, MemoryOperations: options.memoryOperations},
		},
		HostMemorySize: 1 << 34,
		UsageChecker:   options.usage,
		ProcessID:      1,
	})
	require.NoError(t, err)

	ctx, err := l0.NewContext(slog.Default(), drv, l0.ContextCreateOptions{UseMutex: true})
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, ctx.Destroy())
		require.NoError(t, drv.Destroy())
	})

	return &testEnv{kernel: kernel, driver: drv, ctx: ctx}
}

func requireResult(t *testing.T, expected ze.Result, err error) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, expected, ze.ResultFromError(err), "error: %v", err)
}

func TestNewContextDevices(t *testing.T) {
	env := newEnv(t, envOptions{})

	require.Len(t, env.ctx.Devices(), 4)
	require.Equal(t, []uint32{0, 1}, env.ctx.RootDeviceIndices())

	bitfield, ok := env.ctx.DeviceBitfield(1)
	require.True(t, ok)
	require.Equal(t, device.Bitfield(0b11), bitfield)

	sub := env.root(1).SubDevice(1)
	narrow, err := l0.NewContext(slog.Default(), env.driver, l0.ContextCreateOptions{Devices: []*device.Device{sub}})
	require.NoError(t, err)
	require.Equal(t, []*device.Device{sub}, narrow.Devices())
	require.Equal(t, []uint32{1}, narrow.RootDeviceIndices())

	bitfield, ok = narrow.DeviceBitfield(1)
	require.True(t, ok)
	require.Equal(t, device.Bitfield(0b10), bitfield)
	_, ok = narrow.DeviceBitfield(0)
	require.False(t, ok)

	// A device of the wider context is not part of the narrow one
	_, err = narrow.AllocDeviceMem(l0.DeviceMemAllocDesc{}, 4096, 0, env.root(0))
	requireResult(t, ze.ResultErrorInvalidArgument, err)

	other := newEnv(t, envOptions{})
	_, err = l0.NewContext(slog.Default(), env.driver, l0.ContextCreateOptions{Devices: []*device.Device{other.root(0)}})
	requireResult(t, ze.ResultErrorInvalidArgument, err)

	_, err = l0.NewContext(slog.Default(), nil, l0.ContextCreateOptions{})
	require.Error(t, err)
}
