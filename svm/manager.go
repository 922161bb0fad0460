package svm

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/eapache/queue"
	"github.com/google/btree"
	"github.com/hashicorp/go-multierror"
	"github.com/levelzero/usm/device"
	"github.com/levelzero/usm/graphics"
	"github.com/levelzero/usm/internal/utils"
	"github.com/levelzero/usm/ze"
	"golang.org/x/exp/slog"
)

var (
	ErrNotFound       = errors.New("pointer is not a live USM allocation")
	ErrUnknownKind    = errors.New("unknown memory kind")
	ErrDeviceRequired = errors.New("memory kind requires a device")
	ErrOverlap        = errors.New("memory overlaps a live USM allocation")
)

type ManagerCreateOptions struct {
	UseMutex bool
	// IDs is the process-wide id counter. A private counter is used when nil.
	IDs          *IDCounter
	UsageChecker UsageChecker

	// HostPoolSize and DevicePoolSize are the sizes of the USM pools. Zero disables a pool.
	HostPoolSize   uint64
	DevicePoolSize uint64
	// PoolThreshold is the largest allocation served from a pool
	PoolThreshold uint64

	// OnRelease is called with every record right before its memory is released
	OnRelease func(data *AllocationData)
}

// AllocationProperties describe a new USM allocation
type AllocationProperties struct {
	Kind ze.MemoryType
	// Device is required for device and shared allocations
	Device *device.Device
	// RootDeviceIndices are the root devices host and shared allocations are made visible on
	RootDeviceIndices []uint32

	Size uint64
	// Alignment is the requested alignment, zero for none. It must be zero or a power of two.
	Alignment uint64

	HostFlags   ze.HostMemAllocFlags
	DeviceFlags ze.DeviceMemAllocFlags
	Compressed  bool
	Uncached    bool
	Placement   graphics.Placement

	// HostPointer is the application's memory to map instead of allocating, for host
	// allocations made with the use-host-pointer flag
	HostPointer uint64
}

// ImportProperties describe a record for memory opened from an IPC handle
type ImportProperties struct {
	Kind        ze.MemoryType
	Device      *device.Device
	Allocations []*graphics.Allocation
	PoolOffset  uint64
}

// Manager is the table of live USM allocations. Records are found by any pointer inside them.
type Manager struct {
	logger *slog.Logger
	mm     *graphics.MemoryManager
	ids    *IDCounter
	usage  UsageChecker
	mutex  utils.OptionalRWMutex

	options ManagerCreateOptions

	allocations   *btree.BTreeG[*AllocationData]
	deferred      *swiss.Map[uint64, *AllocationData]
	deferredOrder *queue.Queue

	hostPool    *Pool
	devicePools *swiss.Map[*device.Device, *Pool]

	deferFreeRequests uint64
}

func NewManager(logger *slog.Logger, mm *graphics.MemoryManager, options ManagerCreateOptions) *Manager {
	ids := options.IDs
	if ids == nil {
		ids = &IDCounter{}
	}

	usage := options.UsageChecker
	if usage == nil {
		usage = PendingUseChecker{}
	}

	return &Manager{
		logger:        logger,
		mm:            mm,
		ids:           ids,
		usage:         usage,
		mutex:         utils.OptionalRWMutex{UseMutex: options.UseMutex},
		options:       options,
		allocations:   btree.NewG[*AllocationData](8, allocationDataLess),
		deferred:      swiss.NewMap[uint64, *AllocationData](8),
		deferredOrder: queue.New(),
		devicePools:   swiss.NewMap[*device.Device, *Pool](4),
	}
}

func (m *Manager) IDs() *IDCounter { return m.ids }

func (m *Manager) rootIndicesFor(policy kindPolicy, props AllocationProperties) []uint32 {
	var first uint32
	hasFirst := false
	if props.Device != nil {
		first = props.Device.RootDeviceIndex()
		hasFirst = true
	}

	if !policy.perRootDevice {
		return []uint32{first}
	}

	var indices []uint32
	if hasFirst {
		indices = append(indices, first)
	}
	for _, index := range props.RootDeviceIndices {
		if hasFirst && index == first {
			continue
		}
		indices = append(indices, index)
	}
	if len(indices) == 0 {
		indices = append(indices, 0)
	}
	return indices
}

// allocateGraphics makes the graphics allocations behind a record: one on each root device, all
// at the address of the first
func (m *Manager) allocateGraphics(policy kindPolicy, props AllocationProperties, alignment uint64) ([]*graphics.Allocation, error) {
	allocType := policy.allocationType
	if props.HostPointer != 0 {
		allocType = graphics.AllocationTypeExternalHostPtr
	}

	tiles := 1
	if props.Device != nil {
		tiles = props.Device.NumTiles()
	}

	var allocations []*graphics.Allocation
	address := props.HostPointer
	for _, rootDeviceIndex := range m.rootIndicesFor(policy, props) {
		alloc, err := m.mm.Allocate(graphics.AllocationProperties{
			Type:            allocType,
			RootDeviceIndex: rootDeviceIndex,
			Size:            props.Size,
			Alignment:       alignment,
			NumTiles:        tiles,
			Compressed:      props.Compressed,
			Uncached:        props.Uncached,
			Placement:       props.Placement,
			GPUAddress:      address,
		})
		if err != nil {
			for _, made := range allocations {
				_ = m.mm.Free(made)
			}
			return nil, err
		}

		allocations = append(allocations, alloc)
		address = alloc.GPUAddress()
		tiles = 1
	}

	return allocations, nil
}

func (m *Manager) poolSize(props AllocationProperties) uint64 {
	switch props.Kind {
	case ze.MemoryTypeHost:
		return m.options.HostPoolSize
	case ze.MemoryTypeDevice:
		if props.Device == nil || props.Device.NumTiles() > 1 {
			return 0
		}
		return m.options.DevicePoolSize
	}
	return 0
}

func (m *Manager) canPool(props AllocationProperties) bool {
	if m.poolSize(props) == 0 || props.Size > m.options.PoolThreshold {
		return false
	}
	if props.Compressed || props.Uncached || props.Placement != graphics.PlacementDefault || props.HostPointer != 0 {
		return false
	}
	if props.HostFlags != 0 || props.DeviceFlags != 0 {
		return false
	}
	return props.Alignment <= graphics.PageSize64K
}

func (m *Manager) poolForLocked(policy kindPolicy, props AllocationProperties) (*Pool, error) {
	if props.Kind == ze.MemoryTypeHost {
		if m.hostPool != nil {
			return m.hostPool, nil
		}
	} else if pool, ok := m.devicePools.Get(props.Device); ok {
		return pool, nil
	}

	size := m.poolSize(props)
	chunkProps := props
	chunkProps.Size = size
	chunk, err := m.allocateGraphics(policy, chunkProps, graphics.PageSize2M)
	if err != nil {
		return nil, err
	}

	pool := newPool(props.Kind, props.Device, chunk, size)
	if props.Kind == ze.MemoryTypeHost {
		m.hostPool = pool
	} else {
		m.devicePools.Put(props.Device, pool)
	}

	m.logger.Debug("svm::Manager creating USM pool",
		slog.String("kind", props.Kind.String()),
		slog.Uint64("size", size),
		slog.Uint64("base", pool.Base()))

	return pool, nil
}

// allocatePooledLocked places data in a USM pool. It reports false when the pool has no room.
func (m *Manager) allocatePooledLocked(data *AllocationData, policy kindPolicy, props AllocationProperties) (bool, error) {
	pool, err := m.poolForLocked(policy, props)
	if err != nil {
		return false, err
	}

	offset, handle, ok, err := pool.allocate(props.Size, props.Alignment)
	if err != nil || !ok {
		return false, err
	}

	data.allocations = pool.chunk
	data.pool = pool
	data.poolOffset = offset
	data.poolHandle = handle
	data.Base = pool.Base() + offset
	return true, nil
}

// Create makes a new allocation and records it. The alignment of props must already have been
// checked with NormalizeAlignment.
func (m *Manager) Create(props AllocationProperties) (*AllocationData, error) {
	policy, ok := policyFor(props.Kind)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownKind, "%s", props.Kind)
	}
	if policy.needsDevice && props.Device == nil {
		return nil, errors.Wrapf(ErrDeviceRequired, "%s", props.Kind)
	}

	alignment, err := NormalizeAlignment(props.Kind, props.Size, props.Alignment)
	if err != nil {
		return nil, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	data := &AllocationData{
		Kind:                props.Kind,
		Device:              props.Device,
		Size:                props.Size,
		PageSize:            policy.pageSize(props.Size),
		HostFlags:           props.HostFlags,
		DeviceFlags:         props.DeviceFlags,
		ExternalHostPointer: props.HostPointer != 0,
	}

	pooled := false
	if m.canPool(props) {
		pooled, err = m.allocatePooledLocked(data, policy, props)
		if err != nil {
			m.logger.Debug("svm::Manager::Create pool unavailable", slog.Any("error", err))
		}
	}

	if !pooled {
		allocations, err := m.allocateGraphics(policy, props, alignment)
		if err != nil {
			return nil, err
		}
		data.allocations = allocations
		data.Base = allocations[0].GPUAddress()
	}

	overlap := m.overlapLocked(data.Base, data.Size)
	if overlap != nil {
		err = m.discardLocked(data)
		if err != nil {
			m.logger.Warn("svm::Manager::Create failed to release overlapping memory",
				slog.Uint64("base", data.Base),
				slog.Any("error", err))
		}
		return nil, errors.Wrapf(ErrOverlap, "%#x+%d overlaps the allocation at %#x", data.Base, data.Size, overlap.Base)
	}

	data.ID = m.ids.Next()
	m.allocations.ReplaceOrInsert(data)

	m.logger.Debug("svm::Manager::Create",
		slog.String("kind", props.Kind.String()),
		slog.Uint64("size", props.Size),
		slog.Uint64("base", data.Base),
		slog.Uint64("id", data.ID),
		slog.Bool("pooled", pooled))

	return data, nil
}

// overlapLocked returns a live record sharing any byte with [base, base+size)
func (m *Manager) overlapLocked(base, size uint64) *AllocationData {
	var found *AllocationData
	m.allocations.DescendLessOrEqual(&AllocationData{Base: base}, func(item *AllocationData) bool {
		if item.Base == base || item.Contains(base) {
			found = item
		}
		return false
	})
	if found != nil {
		return found
	}

	end := &AllocationData{Base: base + max(size, 1)}
	m.allocations.AscendRange(&AllocationData{Base: base + 1}, end, func(item *AllocationData) bool {
		found = item
		return false
	})
	return found
}

// discardLocked gives back the memory of a record that never made it into the table
func (m *Manager) discardLocked(data *AllocationData) error {
	if data.pool != nil {
		return data.pool.free(data.poolHandle)
	}

	var result *multierror.Error
	for _, alloc := range data.allocations {
		result = multierror.Append(result, m.mm.Free(alloc))
	}
	return result.ErrorOrNil()
}

// InsertImported records memory opened from an IPC handle. Opening the same memory again returns
// the existing record with one more reference.
func (m *Manager) InsertImported(props ImportProperties) (*AllocationData, error) {
	if len(props.Allocations) == 0 {
		return nil, errors.New("imported record needs a graphics allocation")
	}

	first := props.Allocations[0]
	if props.PoolOffset >= first.Size() {
		return nil, errors.Newf("pool offset %d is outside the %d byte allocation", props.PoolOffset, first.Size())
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	base := first.GPUAddress() + props.PoolOffset
	existing, ok := m.allocations.Get(&AllocationData{Base: base})
	if ok {
		if !existing.Imported || existing.allocations[0] != first {
			return nil, errors.Newf("address %#x is already in use", base)
		}
		existing.importRefs++
		return existing, nil
	}

	data := &AllocationData{
		Kind:        props.Kind,
		Device:      props.Device,
		Base:        base,
		Size:        first.Size() - props.PoolOffset,
		PageSize:    PageSize(props.Kind, first.Size()),
		ID:          m.ids.Next(),
		Imported:    true,
		allocations: props.Allocations,
		poolOffset:  props.PoolOffset,
		importRefs:  1,
	}
	m.allocations.ReplaceOrInsert(data)

	return data, nil
}

func (m *Manager) lookupLocked(ptr uint64) *AllocationData {
	var found *AllocationData
	m.allocations.DescendLessOrEqual(&AllocationData{Base: ptr}, func(item *AllocationData) bool {
		if item.Contains(ptr) {
			found = item
		}
		return false
	})
	return found
}

// Lookup finds the record containing ptr, which may point anywhere inside the allocation
func (m *Manager) Lookup(ptr uint64) (*AllocationData, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	found := m.lookupLocked(ptr)
	return found, found != nil
}

func (m *Manager) exactLocked(ptr uint64) (*AllocationData, error) {
	data, ok := m.allocations.Get(&AllocationData{Base: ptr})
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "pointer %#x", ptr)
	}
	return data, nil
}

// releaseLocked drops one reference to data, releasing its memory with the last one
func (m *Manager) releaseLocked(data *AllocationData) error {
	if data.Imported && data.importRefs > 1 {
		data.importRefs--
		var result *multierror.Error
		for _, alloc := range data.allocations {
			result = multierror.Append(result, m.mm.Free(alloc))
		}
		return result.ErrorOrNil()
	}

	if m.options.OnRelease != nil {
		m.options.OnRelease(data)
	}

	m.allocations.Delete(data)
	if deferred, ok := m.deferred.Get(data.Base); ok && deferred == data {
		m.deferred.Delete(data.Base)
	}

	if data.pool != nil {
		return data.pool.free(data.poolHandle)
	}

	var result *multierror.Error
	for _, alloc := range data.allocations {
		err := m.mm.Free(alloc)
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Free releases the allocation at ptr. A blocking free first waits for the GPU to stop using it.
func (m *Manager) Free(ptr uint64, blocking bool) error {
	if blocking {
		m.mutex.RLock()
		data, err := m.exactLocked(ptr)
		m.mutex.RUnlock()
		if err != nil {
			return err
		}

		if m.usage.IsInUse(data) {
			m.usage.Wait(data)
		}
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	data, err := m.exactLocked(ptr)
	if err != nil {
		return err
	}

	m.logger.Debug("svm::Manager::Free", slog.Uint64("base", ptr), slog.Bool("blocking", blocking))
	return m.releaseLocked(data)
}

// FreeDefer releases the allocation at ptr if the GPU is done with it. Otherwise the allocation
// joins the deferred set, once no matter how often it is deferred, and is released by a later
// call. Every call also releases deferred allocations that have become idle.
func (m *Manager) FreeDefer(ptr uint64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.deferFreeRequests++
	m.sweepDeferredLocked(ptr, false)

	data, err := m.exactLocked(ptr)
	if err != nil {
		return err
	}

	if m.usage.IsInUse(data) {
		if !m.deferred.Has(ptr) {
			m.deferred.Put(ptr, data)
			m.deferredOrder.Add(data)
			m.logger.Debug("svm::Manager::FreeDefer deferring", slog.Uint64("base", ptr))
		}
		return nil
	}

	return m.releaseLocked(data)
}

// sweepDeferredLocked releases deferred allocations in the order they were deferred. Allocations
// still in use stay deferred unless force is set. skip is left alone.
func (m *Manager) sweepDeferredLocked(skip uint64, force bool) error {
	var result *multierror.Error

	pending := m.deferredOrder.Length()
	for i := 0; i < pending; i++ {
		data := m.deferredOrder.Remove().(*AllocationData)

		current, ok := m.deferred.Get(data.Base)
		if !ok || current != data {
			continue
		}

		if data.Base == skip || (!force && m.usage.IsInUse(data)) {
			m.deferredOrder.Add(data)
			continue
		}

		err := m.releaseLocked(data)
		if err != nil {
			m.logger.Warn("svm::Manager failed to release deferred allocation",
				slog.Uint64("base", data.Base),
				slog.Any("error", err))
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// FreeAllDeferred releases deferred allocations that are no longer in use, or all of them with
// force
func (m *Manager) FreeAllDeferred(force bool) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.sweepDeferredLocked(0, force)
}

// NumDeferredAllocations is the number of allocations waiting in the deferred set
func (m *Manager) NumDeferredAllocations() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.deferred.Count()
}

// SetAtomicAttr records the atomic access attribute of data
func (m *Manager) SetAtomicAttr(data *AllocationData, attr ze.AtomicAttrFlags) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	data.atomicAttr = attr
	data.atomicAttrSet = true
}

// AtomicAttr returns the atomic access attribute of data, false when none was ever set
func (m *Manager) AtomicAttr(data *AllocationData) (ze.AtomicAttrFlags, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return data.atomicAttr, data.atomicAttrSet
}

// Statistics is a snapshot of the live USM allocations
type Statistics struct {
	HostAllocations     int
	DeviceAllocations   int
	SharedAllocations   int
	ImportedAllocations int
	AllocatedBytes      uint64

	DeferredAllocations  int
	DeferredFreeRequests uint64

	Pools []PoolStatistics
}

func (m *Manager) Statistics() Statistics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := Statistics{
		DeferredAllocations:  m.deferred.Count(),
		DeferredFreeRequests: m.deferFreeRequests,
	}

	m.allocations.Ascend(func(item *AllocationData) bool {
		switch {
		case item.Imported:
			stats.ImportedAllocations++
		case item.Kind == ze.MemoryTypeHost:
			stats.HostAllocations++
		case item.Kind == ze.MemoryTypeDevice:
			stats.DeviceAllocations++
		case item.Kind == ze.MemoryTypeShared:
			stats.SharedAllocations++
		}
		stats.AllocatedBytes += item.Size
		return true
	})

	if m.hostPool != nil {
		stats.Pools = append(stats.Pools, m.hostPool.statistics())
	}
	m.devicePools.Iter(func(_ *device.Device, pool *Pool) bool {
		stats.Pools = append(stats.Pools, pool.statistics())
		return false
	})

	return stats
}

// Destroy force-releases every deferred allocation and the USM pools. Records still live are
// left to their owners.
func (m *Manager) Destroy() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var result *multierror.Error
	if err := m.sweepDeferredLocked(0, true); err != nil {
		result = multierror.Append(result, err)
	}

	releasePool := func(pool *Pool) {
		if !pool.isEmpty() {
			m.logger.Warn("svm::Manager destroying a USM pool with live allocations",
				slog.String("kind", pool.Kind().String()))
		}
		for _, alloc := range pool.chunk {
			result = multierror.Append(result, m.mm.Free(alloc))
		}
	}

	if m.hostPool != nil {
		releasePool(m.hostPool)
		m.hostPool = nil
	}
	m.devicePools.Iter(func(_ *device.Device, pool *Pool) bool {
		releasePool(pool)
		return false
	})
	m.devicePools.Clear()

	return result.ErrorOrNil()
}
