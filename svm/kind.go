package svm

import (
	"github.com/levelzero/usm/graphics"
	"github.com/levelzero/usm/ze"
)

// kindPolicy is everything that differs between host, device and shared allocations
type kindPolicy struct {
	allocationType graphics.AllocationType
	// needsDevice means the allocation is placed on the device of the request
	needsDevice bool
	// perRootDevice means one graphics allocation is made on every root device of the context,
	// all at the same address
	perRootDevice bool
	outOfMemory   ze.Result
	pageSize      func(size uint64) uint64
}

func hostPageSize(uint64) uint64 { return graphics.PageSize4K }

// devicePageSize uses 2MB pages once the allocation can fill one
func devicePageSize(size uint64) uint64 {
	if size >= graphics.PageSize2M {
		return graphics.PageSize2M
	}
	return graphics.PageSize64K
}

var kindPolicies = map[ze.MemoryType]kindPolicy{
	ze.MemoryTypeHost: {
		allocationType: graphics.AllocationTypeBufferHostMemory,
		perRootDevice:  true,
		outOfMemory:    ze.ResultErrorOutOfHostMemory,
		pageSize:       hostPageSize,
	},
	ze.MemoryTypeDevice: {
		allocationType: graphics.AllocationTypeBuffer,
		needsDevice:    true,
		outOfMemory:    ze.ResultErrorOutOfDeviceMemory,
		pageSize:       devicePageSize,
	},
	ze.MemoryTypeShared: {
		allocationType: graphics.AllocationTypeSvmGpu,
		needsDevice:    true,
		perRootDevice:  true,
		outOfMemory:    ze.ResultErrorOutOfDeviceMemory,
		pageSize:       devicePageSize,
	},
}

func policyFor(kind ze.MemoryType) (kindPolicy, bool) {
	policy, ok := kindPolicies[kind]
	return policy, ok
}

// PageSize is the page size an allocation of kind and size is placed with
func PageSize(kind ze.MemoryType, size uint64) uint64 {
	policy, ok := policyFor(kind)
	if !ok {
		return graphics.PageSize4K
	}
	return policy.pageSize(size)
}

// OutOfMemoryResult is the result code reported when the engine cannot place an allocation of
// kind
func OutOfMemoryResult(kind ze.MemoryType) ze.Result {
	policy, ok := policyFor(kind)
	if !ok {
		return ze.ResultErrorOutOfHostMemory
	}
	return policy.outOfMemory
}
