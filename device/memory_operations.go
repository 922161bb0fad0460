package device

import (
	"sync"

	"github.com/dolthub/swiss"
	"github.com/levelzero/usm/graphics"
	"github.com/levelzero/usm/ze"
)

//go:generate go tool stringer -type=OperationStatus -trimprefix=OperationStatus

// OperationStatus is the outcome of a residency operation
type OperationStatus uint8

const (
	OperationStatusSuccess OperationStatus = iota
	OperationStatusFailed
	OperationStatusMemoryNotFound
	OperationStatusOutOfMemory
	OperationStatusUnsupported
	OperationStatusDeviceUninitialized
	OperationStatusGpuHangDetected
)

var operationStatusResults = map[OperationStatus]ze.Result{
	OperationStatusSuccess:             ze.ResultSuccess,
	OperationStatusFailed:              ze.ResultErrorDeviceLost,
	OperationStatusMemoryNotFound:      ze.ResultErrorInvalidArgument,
	OperationStatusOutOfMemory:         ze.ResultErrorOutOfDeviceMemory,
	OperationStatusUnsupported:         ze.ResultErrorUnsupportedFeature,
	OperationStatusDeviceUninitialized: ze.ResultErrorUninitialized,
}

// Result maps a residency status to the public result code
func (s OperationStatus) Result() ze.Result {
	result, ok := operationStatusResults[s]
	if !ok {
		return ze.ResultErrorUnknown
	}
	return result
}

//go:generate go run go.uber.org/mock/mockgen -destination ../internal/mocks/memory_operations.go -package mocks github.com/levelzero/usm/device MemoryOperations

// MemoryOperations controls which allocations the kernel-mode driver keeps resident for a device
type MemoryOperations interface {
	MakeResident(dev *Device, allocs []*graphics.Allocation) OperationStatus
	Evict(dev *Device, alloc *graphics.Allocation) OperationStatus
	IsResident(dev *Device, alloc *graphics.Allocation) OperationStatus
}

type residencyKey struct {
	rootDeviceIndex uint32
	bitfield        Bitfield
	allocationID    uint64
}

// ResidencyTracker is a MemoryOperations that records residency without a kernel-mode driver
type ResidencyTracker struct {
	mutex    sync.Mutex
	resident *swiss.Map[residencyKey, *graphics.Allocation]
}

var _ MemoryOperations = &ResidencyTracker{}

func NewResidencyTracker() *ResidencyTracker {
	return &ResidencyTracker{
		resident: swiss.NewMap[residencyKey, *graphics.Allocation](16),
	}
}

func keyFor(dev *Device, alloc *graphics.Allocation) residencyKey {
	return residencyKey{
		rootDeviceIndex: dev.RootDeviceIndex(),
		bitfield:        dev.Bitfield(),
		allocationID:    alloc.ID(),
	}
}

func (t *ResidencyTracker) MakeResident(dev *Device, allocs []*graphics.Allocation) OperationStatus {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for _, alloc := range allocs {
		if alloc == nil {
			return OperationStatusMemoryNotFound
		}
	}

	for _, alloc := range allocs {
		t.resident.Put(keyFor(dev, alloc), alloc)
	}
	return OperationStatusSuccess
}

func (t *ResidencyTracker) Evict(dev *Device, alloc *graphics.Allocation) OperationStatus {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if alloc == nil || !t.resident.Delete(keyFor(dev, alloc)) {
		return OperationStatusMemoryNotFound
	}
	return OperationStatusSuccess
}

func (t *ResidencyTracker) IsResident(dev *Device, alloc *graphics.Allocation) OperationStatus {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if alloc == nil || !t.resident.Has(keyFor(dev, alloc)) {
		return OperationStatusMemoryNotFound
	}
	return OperationStatusSuccess
}

// ResidentCount is the number of (device, allocation) pairs currently resident
func (t *ResidencyTracker) ResidentCount() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.resident.Count()
}
