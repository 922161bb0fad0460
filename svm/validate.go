package svm

import (
	"github.com/levelzero/usm/device"
	"github.com/levelzero/usm/memutils"
	"github.com/levelzero/usm/ze"
)

// SizeRequest is what the size validator decides on
type SizeRequest struct {
	Size   uint64
	Device *device.Device

	// Relaxed is set when the relaxed allocation limits extension is attached. RelaxedFlags are
	// the flags it carries.
	Relaxed      bool
	RelaxedFlags ze.RelaxedAllocationLimitsFlags

	// AllowUnrestricted is the process-wide override that lifts the single allocation limit
	AllowUnrestricted bool
}

// ValidateSize checks a requested size against the memory limits of the target device. A nil
// device only rejects zero sizes.
func ValidateSize(req SizeRequest) error {
	if req.Size == 0 {
		return ze.ResultErrorUnsupportedSize.Errorf("allocation size must be non-zero")
	}

	if req.Relaxed && req.RelaxedFlags&ze.RelaxedAllocationLimitsMaxSize == 0 {
		return ze.ResultErrorInvalidArgument.Errorf("relaxed allocation limits descriptor has flags %#x", uint32(req.RelaxedFlags))
	}

	if req.Device == nil {
		return nil
	}

	caps := req.Device.Capabilities()
	relaxed := req.Relaxed || req.AllowUnrestricted
	if !relaxed {
		if req.Size > caps.MaxMemAllocSize {
			return ze.ResultErrorUnsupportedSize.Errorf("size %d exceeds the maximum allocation size %d", req.Size, caps.MaxMemAllocSize)
		}
		return nil
	}

	limit := caps.GlobalMemSize
	numSubDevices := req.Device.NumSubDevices()
	if !req.Device.IsImplicitScaling() && numSubDevices > 1 {
		limit /= uint64(numSubDevices)
	}
	if caps.PhysicalMemSize > 0 && caps.PhysicalMemSize < limit {
		limit = caps.PhysicalMemSize
	}

	if req.Size > limit {
		return ze.ResultErrorUnsupportedSize.Errorf("size %d exceeds the device memory size %d", req.Size, limit)
	}
	return nil
}

// NormalizeAlignment rounds a requested alignment up to the page size used for kind. Zero means
// no explicit alignment and yields the page size.
func NormalizeAlignment(kind ze.MemoryType, size, alignment uint64) (uint64, error) {
	pageSize := PageSize(kind, size)
	if alignment == 0 {
		return pageSize, nil
	}

	if !memutils.IsPow2(alignment) {
		return 0, ze.ResultErrorUnsupportedAlignment.Errorf("alignment %d is not a power of two", alignment)
	}

	if alignment < pageSize {
		return pageSize, nil
	}
	return alignment, nil
}
