package graphics

import (
	"sync/atomic"

	"github.com/levelzero/usm/memutils/metadata"
	"github.com/levelzero/usm/osiface"
)

//go:generate go tool stringer -type=AllocationType -trimprefix=AllocationType

// AllocationType tells the memory manager which heap an allocation lives in and how the command
// streamer should treat it
type AllocationType uint8

const (
	AllocationTypeUnknown AllocationType = iota
	// AllocationTypeBuffer is device-local USM
	AllocationTypeBuffer
	// AllocationTypeBufferHostMemory is host USM, addressable by every device
	AllocationTypeBufferHostMemory
	// AllocationTypeSvmGpu is the device side of a shared USM allocation
	AllocationTypeSvmGpu
	// AllocationTypeSharedBuffer was imported from an OS handle
	AllocationTypeSharedBuffer
	// AllocationTypeExternalHostPtr maps caller-owned system memory
	AllocationTypeExternalHostPtr
	AllocationTypeImage
	// AllocationTypePhysical backs a physical memory object and has no address until mapped
	AllocationTypePhysical
)

//go:generate go tool stringer -type=Placement -trimprefix=Placement

// Placement is the initial residency bias of an allocation
type Placement uint8

const (
	PlacementDefault Placement = iota
	// PlacementSystem starts the allocation in system memory
	PlacementSystem
	// PlacementLocal starts the allocation in device memory
	PlacementLocal
)

//go:generate go tool stringer -type=AtomicAccessMode -trimprefix=AtomicAccessMode

// AtomicAccessMode is the atomics hint programmed for an allocation's pages
type AtomicAccessMode uint8

const (
	AtomicAccessModeDefault AtomicAccessMode = iota
	AtomicAccessModeNone
	AtomicAccessModeDevice
	AtomicAccessModeHost
	AtomicAccessModeSystem
)

type internalHandle struct {
	handle osiface.Handle
	valid  bool
}

// Allocation is a range of GPU virtual address space backed by one buffer object per tile
type Allocation struct {
	id              uint64
	allocType       AllocationType
	rootDeviceIndex uint32
	gpuAddress      uint64
	size            uint64

	heap        *Heap
	heapHandle  metadata.BlockAllocationHandle
	ownsAddress bool

	bufferObjects   []osiface.BufferObject
	internalHandles []internalHandle

	imported   bool
	importRefs int

	compressed   bool
	uncached     bool
	placement    Placement
	atomicAccess AtomicAccessMode

	pendingUses atomic.Int32
	mapCount    int
}

func (a *Allocation) ID() uint64 { return a.id }
func (a *Allocation) Type() AllocationType { return a.allocType }
func (a *Allocation) RootDeviceIndex() uint32 { return a.rootDeviceIndex }
func (a *Allocation) GPUAddress() uint64 { return a.gpuAddress }
func (a *Allocation) Size() uint64 { return a.size }
func (a *Allocation) IsImported() bool { return a.imported }
func (a *Allocation) IsCompressed() bool { return a.compressed }
func (a *Allocation) IsUncached() bool { return a.uncached }
func (a *Allocation) Placement() Placement { return a.placement }
func (a *Allocation) AtomicAccess() AtomicAccessMode { return a.atomicAccess }

// NumHandles is the number of buffer objects behind the allocation, one per tile it spans
func (a *Allocation) NumHandles() int { return len(a.bufferObjects) }

// BufferObject returns the buffer object backing tile index
func (a *Allocation) BufferObject(index int) osiface.BufferObject {
	return a.bufferObjects[index]
}

// Contains reports whether address lies inside the allocation's GPU range
func (a *Allocation) Contains(address uint64) bool {
	return address >= a.gpuAddress && address < a.gpuAddress+a.size
}

// AddPendingUse records GPU work that still references the allocation
func (a *Allocation) AddPendingUse() { a.pendingUses.Add(1) }

// CompletePendingUse records that one piece of GPU work has retired
func (a *Allocation) CompletePendingUse() {
	if a.pendingUses.Add(-1) < 0 {
		a.pendingUses.Store(0)
	}
}

// IsUsed reports whether any GPU work still references the allocation
func (a *Allocation) IsUsed() bool { return a.pendingUses.Load() > 0 }
