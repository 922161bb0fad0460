package graphics

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/hashicorp/go-multierror"
	"github.com/levelzero/usm/internal/utils"
	"github.com/levelzero/usm/memutils"
	"github.com/levelzero/usm/memutils/metadata"
	"github.com/levelzero/usm/osiface"
	"golang.org/x/exp/slog"
)

const (
	// SvmHeapBase is where host and shared allocations live. The range is addressable from the CPU
	// and every device, so a shared allocation has one address on all of them.
	SvmHeapBase uint64 = 0x0000_1000_0000_0000
	// LocalHeapBase is the start of the first root device's local heap
	LocalHeapBase uint64 = 0x0000_ff00_0000_0000
	// LocalHeapStride separates the local heaps of consecutive root devices
	LocalHeapStride uint64 = 1 << 40
	// ReservationHeapBase is where virtual address reservations are made
	ReservationHeapBase uint64 = 0x0000_8000_0000_0000
	ReservationHeapSize uint64 = 1 << 40

	PageSize4K  = 4 << 10
	PageSize64K = 64 << 10
	PageSize2M  = 2 << 20
)

var (
	ErrUnknownAllocation = errors.New("allocation does not belong to this memory manager")
	ErrInvalidRootDevice = errors.New("invalid root device index")
)

// RootDeviceInfo describes the memory of one root device
type RootDeviceInfo struct {
	LocalMemorySize uint64
}

type MemoryManagerCreateOptions struct {
	RootDevices    []RootDeviceInfo
	HostMemorySize uint64
	UseMutex       bool
}

// AllocationProperties describe a new allocation
type AllocationProperties struct {
	Type            AllocationType
	RootDeviceIndex uint32
	Size            uint64
	Alignment       uint64
	// NumTiles is the number of buffer objects to split the allocation across. Zero means one.
	NumTiles int

	Compressed bool
	Uncached   bool
	Placement  Placement

	// GPUAddress, when non-zero, places the allocation at an address owned by someone else.
	// No range is reserved; this is how the per-root halves of a shared allocation and caller
	// supplied host pointers are made.
	GPUAddress uint64
}

// ImportProperties describe how an OS handle is turned into an allocation
type ImportProperties struct {
	Type            AllocationType
	RootDeviceIndex uint32
	// ReuseShared returns the allocation already imported from the same buffer objects, if
	// any, instead of mapping them a second time
	ReuseShared bool
	Uncached    bool
}

type importKey struct {
	rootDeviceIndex uint32
	bufferObject    osiface.BufferObject
}

// MemoryManager creates GPU allocations on top of an osiface.Primitive: it owns the virtual
// address heaps and the buffer objects behind every allocation.
type MemoryManager struct {
	logger    *slog.Logger
	primitive osiface.Primitive
	mutex     utils.OptionalMutex

	localHeaps      []*Heap
	svmHeap         *Heap
	reservationHeap *Heap

	nextID          uint64
	liveAllocations int
	imported        *swiss.Map[importKey, *Allocation]
	reservations    *swiss.Map[uint64, *reservation]
}

func NewMemoryManager(logger *slog.Logger, primitive osiface.Primitive, options MemoryManagerCreateOptions) *MemoryManager {
	m := &MemoryManager{
		logger:          logger,
		primitive:       primitive,
		mutex:           utils.OptionalMutex{UseMutex: options.UseMutex},
		svmHeap:         NewHeap("svm", SvmHeapBase, options.HostMemorySize, PageSize4K),
		reservationHeap: NewHeap("reservation", ReservationHeapBase, ReservationHeapSize, PageSize64K),
		imported:        swiss.NewMap[importKey, *Allocation](16),
		reservations:    swiss.NewMap[uint64, *reservation](16),
	}

	for index, info := range options.RootDevices {
		base := LocalHeapBase + uint64(index)*LocalHeapStride
		m.localHeaps = append(m.localHeaps, NewHeap("local", base, info.LocalMemorySize, PageSize64K))
	}

	return m
}

func (m *MemoryManager) Primitive() osiface.Primitive { return m.primitive }

func (m *MemoryManager) NumRootDevices() int { return len(m.localHeaps) }

func (m *MemoryManager) heapFor(allocType AllocationType, rootDeviceIndex uint32) (*Heap, error) {
	switch allocType {
	case AllocationTypeBufferHostMemory, AllocationTypeSvmGpu:
		return m.svmHeap, nil
	}

	if int(rootDeviceIndex) >= len(m.localHeaps) {
		return nil, errors.Wrapf(ErrInvalidRootDevice, "root device %d", rootDeviceIndex)
	}
	return m.localHeaps[rootDeviceIndex], nil
}

// Allocate creates a new allocation with fresh buffer objects
func (m *MemoryManager) Allocate(props AllocationProperties) (*Allocation, error) {
	if props.Size == 0 {
		return nil, errors.New("allocation size must be non-zero")
	}
	if props.Alignment != 0 {
		if err := memutils.CheckPow2(props.Alignment, "alignment"); err != nil {
			return nil, err
		}
	}

	tiles := props.NumTiles
	if tiles < 1 {
		tiles = 1
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	alloc := &Allocation{
		allocType:       props.Type,
		rootDeviceIndex: props.RootDeviceIndex,
		size:            props.Size,
		heapHandle:      metadata.NoAllocation,
		compressed:      props.Compressed,
		uncached:        props.Uncached,
		placement:       props.Placement,
	}

	if props.GPUAddress != 0 {
		alloc.gpuAddress = props.GPUAddress
	} else if props.Type != AllocationTypePhysical {
		heap, err := m.heapFor(props.Type, props.RootDeviceIndex)
		if err != nil {
			return nil, err
		}

		address, handle, err := heap.Allocate(props.Size, props.Alignment, metadata.AllocationStrategyMinMemory)
		if err != nil {
			return nil, err
		}

		alloc.gpuAddress = address
		alloc.heap = heap
		alloc.heapHandle = handle
		alloc.ownsAddress = true
	}

	if props.Type != AllocationTypeExternalHostPtr {
		tileSize := (props.Size + uint64(tiles) - 1) / uint64(tiles)
		for tile := 0; tile < tiles; tile++ {
			bo, err := m.primitive.CreateBuffer(tileSize)
			if err != nil {
				m.releaseLocked(alloc)
				return nil, errors.Mark(errors.Wrapf(err, "tile %d of %d", tile, tiles), ErrOutOfMemory)
			}
			alloc.bufferObjects = append(alloc.bufferObjects, bo)
		}
	}

	alloc.internalHandles = make([]internalHandle, len(alloc.bufferObjects))
	m.nextID++
	alloc.id = m.nextID
	m.liveAllocations++

	m.logger.Debug("MemoryManager::Allocate",
		slog.String("type", props.Type.String()),
		slog.Uint64("size", props.Size),
		slog.Uint64("gpuAddress", alloc.gpuAddress),
		slog.Int("tiles", len(alloc.bufferObjects)))

	return alloc, nil
}

// releaseLocked drops the buffer objects, cached handles and address range of alloc
func (m *MemoryManager) releaseLocked(alloc *Allocation) error {
	var result *multierror.Error

	for i, cached := range alloc.internalHandles {
		if cached.valid {
			result = multierror.Append(result, m.primitive.Close(cached.handle))
			alloc.internalHandles[i] = internalHandle{}
		}
	}

	for _, bo := range alloc.bufferObjects {
		err := m.primitive.DestroyBuffer(bo)
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	alloc.bufferObjects = nil

	if alloc.ownsAddress {
		err := alloc.heap.Free(alloc.heapHandle)
		if err != nil {
			result = multierror.Append(result, err)
		}
		alloc.ownsAddress = false
		alloc.heapHandle = metadata.NoAllocation
	}

	return result.ErrorOrNil()
}

// Free releases alloc. An imported allocation shared by several opens is released with its
// last reference.
func (m *MemoryManager) Free(alloc *Allocation) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if alloc.imported {
		alloc.importRefs--
		if alloc.importRefs > 0 {
			return nil
		}

		key := importKey{rootDeviceIndex: alloc.rootDeviceIndex, bufferObject: alloc.bufferObjects[0]}
		existing, ok := m.imported.Get(key)
		if ok && existing == alloc {
			m.imported.Delete(key)
		}
	}

	m.logger.Debug("MemoryManager::Free",
		slog.String("type", alloc.allocType.String()),
		slog.Uint64("gpuAddress", alloc.gpuAddress))

	m.liveAllocations--
	return m.releaseLocked(alloc)
}

// PeekInternalHandle returns the OS handle exported for one tile of alloc, exporting it on
// first use. The handle stays cached on the allocation until CloseInternalHandle or Free.
func (m *MemoryManager) PeekInternalHandle(alloc *Allocation, tile int) (osiface.Handle, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if tile < 0 || tile >= len(alloc.bufferObjects) {
		return 0, errors.Newf("tile %d out of range for an allocation with %d handles", tile, len(alloc.bufferObjects))
	}

	cached := alloc.internalHandles[tile]
	if cached.valid {
		return cached.handle, nil
	}

	handle, err := m.primitive.Export(alloc.bufferObjects[tile])
	if err != nil {
		return 0, err
	}

	alloc.internalHandles[tile] = internalHandle{handle: handle, valid: true}
	return handle, nil
}

// CloseInternalHandle closes an OS handle produced by PeekInternalHandle and forgets it
func (m *MemoryManager) CloseInternalHandle(alloc *Allocation, handle osiface.Handle) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if alloc != nil {
		for i, cached := range alloc.internalHandles {
			if cached.valid && cached.handle == handle {
				alloc.internalHandles[i] = internalHandle{}
			}
		}
	}

	return m.primitive.Close(handle)
}

// CreateFromSharedHandle imports a single OS handle into a new allocation on a root device
func (m *MemoryManager) CreateFromSharedHandle(handle osiface.Handle, props ImportProperties) (*Allocation, error) {
	return m.CreateFromSharedHandles([]osiface.Handle{handle}, props)
}

// CreateFromSharedHandles imports one OS handle per tile into a single allocation
func (m *MemoryManager) CreateFromSharedHandles(handles []osiface.Handle, props ImportProperties) (*Allocation, error) {
	if len(handles) == 0 {
		return nil, errors.New("no handles to import")
	}

	var bufferObjects []osiface.BufferObject
	var size uint64
	dropImports := func() {
		for _, bo := range bufferObjects {
			_ = m.primitive.DestroyBuffer(bo)
		}
	}

	for _, handle := range handles {
		bo, err := m.primitive.Import(handle)
		if err != nil {
			dropImports()
			return nil, err
		}
		bufferObjects = append(bufferObjects, bo)

		boSize, err := m.primitive.BufferSize(bo)
		if err != nil {
			dropImports()
			return nil, err
		}
		size += boSize
	}

	allocType := props.Type
	if allocType == AllocationTypeUnknown {
		allocType = AllocationTypeSharedBuffer
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	key := importKey{rootDeviceIndex: props.RootDeviceIndex, bufferObject: bufferObjects[0]}
	if props.ReuseShared {
		existing, ok := m.imported.Get(key)
		if ok {
			// The existing allocation already holds a reference to every buffer object
			dropImports()
			existing.importRefs++
			return existing, nil
		}
	}

	heap, err := m.heapFor(AllocationTypeSharedBuffer, props.RootDeviceIndex)
	if err != nil {
		dropImports()
		return nil, err
	}

	address, heapHandle, err := heap.Allocate(size, PageSize64K, metadata.AllocationStrategyMinMemory)
	if err != nil {
		dropImports()
		return nil, err
	}

	m.nextID++
	alloc := &Allocation{
		id:              m.nextID,
		allocType:       allocType,
		rootDeviceIndex: props.RootDeviceIndex,
		gpuAddress:      address,
		size:            size,
		heap:            heap,
		heapHandle:      heapHandle,
		ownsAddress:     true,
		bufferObjects:   bufferObjects,
		internalHandles: make([]internalHandle, len(bufferObjects)),
		imported:        true,
		importRefs:      1,
		uncached:        props.Uncached,
	}
	m.liveAllocations++

	if !m.imported.Has(key) {
		m.imported.Put(key, alloc)
	}

	m.logger.Debug("MemoryManager::CreateFromSharedHandles",
		slog.Int("handles", len(handles)),
		slog.Uint64("size", size),
		slog.Uint64("gpuAddress", address))

	return alloc, nil
}

// SetAtomicAccess programs the atomics hint of alloc
func (m *MemoryManager) SetAtomicAccess(alloc *Allocation, mode AtomicAccessMode) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	alloc.atomicAccess = mode
}

// HeapStatistics is the usage of one heap
type HeapStatistics struct {
	Name            string
	RootDeviceIndex int
	Base            uint64
	Statistics      memutils.DetailedStatistics
}

// Statistics is a snapshot of the memory manager's heaps
type Statistics struct {
	Heaps               []HeapStatistics
	LiveAllocations     int
	ImportedAllocations int
	Reservations        int
}

func (m *MemoryManager) Statistics() Statistics {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	stats := Statistics{
		LiveAllocations:     m.liveAllocations,
		ImportedAllocations: m.imported.Count(),
		Reservations:        m.reservations.Count(),
	}

	addHeap := func(heap *Heap, rootDeviceIndex int) {
		heapStats := HeapStatistics{Name: heap.Name(), RootDeviceIndex: rootDeviceIndex, Base: heap.Base()}
		heapStats.Statistics.Clear()
		heap.AddDetailedStatistics(&heapStats.Statistics)
		stats.Heaps = append(stats.Heaps, heapStats)
	}

	addHeap(m.svmHeap, -1)
	for index, heap := range m.localHeaps {
		addHeap(heap, index)
	}
	addHeap(m.reservationHeap, -1)

	return stats
}
