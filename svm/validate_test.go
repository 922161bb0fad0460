package svm_test

import (
	"testing"

	"github.com/levelzero/usm/device"
	"github.com/levelzero/usm/svm"
	"github.com/levelzero/usm/ze"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func testDevice(numSubDevices int, implicitScaling bool, caps device.Capabilities) *device.Device {
	return device.New(slog.Default(), device.CreateOptions{
		NumSubDevices:   numSubDevices,
		ImplicitScaling: implicitScaling,
		Capabilities:    caps,
	})
}

func requireResult(t *testing.T, expected ze.Result, err error) {
	t.Helper()
	require.Equal(t, expected, ze.ResultFromError(err), "%v", err)
}

func TestValidateSize(t *testing.T) {
	caps := device.Capabilities{
		MaxMemAllocSize: 4 << 30,
		GlobalMemSize:   16 << 30,
	}
	dev := testDevice(0, false, caps)

	testCases := []struct {
		name   string
		req    svm.SizeRequest
		result ze.Result
	}{
		{name: "zero size", req: svm.SizeRequest{Size: 0, Device: dev}, result: ze.ResultErrorUnsupportedSize},
		{name: "zero size without device", req: svm.SizeRequest{Size: 0}, result: ze.ResultErrorUnsupportedSize},
		{name: "within limit", req: svm.SizeRequest{Size: 4 << 30, Device: dev}, result: ze.ResultSuccess},
		{name: "over limit", req: svm.SizeRequest{Size: 4<<30 + 1, Device: dev}, result: ze.ResultErrorUnsupportedSize},
		{
			name:   "relaxed without flag",
			req:    svm.SizeRequest{Size: 8 << 30, Device: dev, Relaxed: true},
			result: ze.ResultErrorInvalidArgument,
		},
		{
			name:   "relaxed",
			req:    svm.SizeRequest{Size: 8 << 30, Device: dev, Relaxed: true, RelaxedFlags: ze.RelaxedAllocationLimitsMaxSize},
			result: ze.ResultSuccess,
		},
		{
			name:   "relaxed over global",
			req:    svm.SizeRequest{Size: 16<<30 + 1, Device: dev, Relaxed: true, RelaxedFlags: ze.RelaxedAllocationLimitsMaxSize},
			result: ze.ResultErrorUnsupportedSize,
		},
		{name: "unrestricted override", req: svm.SizeRequest{Size: 8 << 30, Device: dev, AllowUnrestricted: true}, result: ze.ResultSuccess},
		{name: "no device", req: svm.SizeRequest{Size: 64 << 30}, result: ze.ResultSuccess},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			requireResult(t, testCase.result, svm.ValidateSize(testCase.req))
		})
	}
}

func TestValidateSizeRelaxedSubDeviceLimit(t *testing.T) {
	caps := device.Capabilities{
		MaxMemAllocSize: 4 << 30,
		GlobalMemSize:   16 << 30,
	}
	relaxed := func(dev *device.Device, size uint64) error {
		return svm.ValidateSize(svm.SizeRequest{
			Size:         size,
			Device:       dev,
			Relaxed:      true,
			RelaxedFlags: ze.RelaxedAllocationLimitsMaxSize,
		})
	}

	// Without implicit scaling an allocation only lands on one tile
	split := testDevice(2, false, caps)
	requireResult(t, ze.ResultSuccess, relaxed(split, 8<<30))
	requireResult(t, ze.ResultErrorUnsupportedSize, relaxed(split, 8<<30+1))

	scaled := testDevice(2, true, caps)
	requireResult(t, ze.ResultSuccess, relaxed(scaled, 16<<30))

	// The physical memory size caps the relaxed limit when the product reports it
	caps.PhysicalMemSize = 12 << 30
	physical := testDevice(0, false, caps)
	requireResult(t, ze.ResultSuccess, relaxed(physical, 12<<30))
	requireResult(t, ze.ResultErrorUnsupportedSize, relaxed(physical, 12<<30+1))
}

func TestNormalizeAlignment(t *testing.T) {
	testCases := []struct {
		kind      ze.MemoryType
		size      uint64
		alignment uint64
		expected  uint64
	}{
		{kind: ze.MemoryTypeHost, size: 10, alignment: 0, expected: 4 << 10},
		{kind: ze.MemoryTypeHost, size: 10, alignment: 256, expected: 4 << 10},
		{kind: ze.MemoryTypeHost, size: 10, alignment: 1 << 20, expected: 1 << 20},
		{kind: ze.MemoryTypeDevice, size: 10, alignment: 0, expected: 64 << 10},
		{kind: ze.MemoryTypeDevice, size: 4 << 20, alignment: 0, expected: 2 << 20},
		{kind: ze.MemoryTypeShared, size: 10, alignment: 128 << 10, expected: 128 << 10},
	}

	for _, testCase := range testCases {
		alignment, err := svm.NormalizeAlignment(testCase.kind, testCase.size, testCase.alignment)
		require.NoError(t, err)
		require.Equal(t, testCase.expected, alignment, "%s size %d alignment %d", testCase.kind, testCase.size, testCase.alignment)
	}

	_, err := svm.NormalizeAlignment(ze.MemoryTypeDevice, 10, 3)
	requireResult(t, ze.ResultErrorUnsupportedAlignment, err)
}
