package svm

import (
	"sync/atomic"

	"github.com/levelzero/usm/device"
	"github.com/levelzero/usm/graphics"
	"github.com/levelzero/usm/memutils/metadata"
	"github.com/levelzero/usm/ze"
)

// IDCounter hands out process-wide allocation ids. The first id is 1.
type IDCounter struct {
	next atomic.Uint64
}

func (c *IDCounter) Next() uint64 { return c.next.Add(1) }

// AllocationData is the record kept for every live USM pointer
type AllocationData struct {
	Kind   ze.MemoryType
	Device *device.Device
	// Base is the pointer handed to the application
	Base uint64
	// Size is the size the application asked for
	Size     uint64
	PageSize uint64
	ID       uint64

	HostFlags   ze.HostMemAllocFlags
	DeviceFlags ze.DeviceMemAllocFlags

	// Imported records were created by opening an IPC handle
	Imported bool
	// ExternalHostPointer records map memory the application allocated itself
	ExternalHostPointer bool

	allocations []*graphics.Allocation
	pool        *Pool
	poolOffset  uint64
	poolHandle  metadata.BlockAllocationHandle
	importRefs  int

	atomicAttr    ze.AtomicAttrFlags
	atomicAttrSet bool
}

// GPUAllocation returns the graphics allocation backing the record on a root device, or nil
func (d *AllocationData) GPUAllocation(rootDeviceIndex uint32) *graphics.Allocation {
	for _, alloc := range d.allocations {
		if alloc.RootDeviceIndex() == rootDeviceIndex {
			return alloc
		}
	}
	return nil
}

// DefaultAllocation is the graphics allocation on the record's own device, or the first one
// made for records without a device
func (d *AllocationData) DefaultAllocation() *graphics.Allocation {
	if d.Device != nil {
		if alloc := d.GPUAllocation(d.Device.RootDeviceIndex()); alloc != nil {
			return alloc
		}
	}
	if len(d.allocations) == 0 {
		return nil
	}
	return d.allocations[0]
}

// Allocations are the graphics allocations backing the record, one per root device
func (d *AllocationData) Allocations() []*graphics.Allocation { return d.allocations }

// IsPooled reports whether the record is sub-allocated from a USM pool
func (d *AllocationData) IsPooled() bool { return d.pool != nil }

// PoolOffset is the offset of a pooled record from the start of its pool's backing allocation
func (d *AllocationData) PoolOffset() uint64 { return d.poolOffset }

// Contains reports whether ptr lies within the requested size of the record
func (d *AllocationData) Contains(ptr uint64) bool {
	return ptr >= d.Base && ptr < d.Base+d.Size
}

func allocationDataLess(a, b *AllocationData) bool { return a.Base < b.Base }
