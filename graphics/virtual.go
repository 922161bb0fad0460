package graphics

import (
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/levelzero/usm/memutils"
	"github.com/levelzero/usm/memutils/metadata"
	"github.com/levelzero/usm/ze"
	"golang.org/x/exp/slog"
)

var (
	ErrUnknownReservation = errors.New("address is not inside a virtual reservation")
	ErrMappingConflict    = errors.New("range overlaps an existing mapping")
	ErrNotMapped          = errors.New("range is not mapped")
)

type mapping struct {
	address  uint64
	size     uint64
	physical *Allocation
	offset   uint64
	access   ze.MemoryAccessAttribute
}

func (m *mapping) end() uint64 { return m.address + m.size }

func mappingLess(a, b *mapping) bool { return a.address < b.address }

type reservation struct {
	base     uint64
	size     uint64
	handle   metadata.BlockAllocationHandle
	mappings *btree.BTreeG[*mapping]
}

func (r *reservation) contains(address, size uint64) bool {
	return address >= r.base && address+size <= r.base+r.size && address+size >= address
}

// VirtualPageSize is the granularity of reservations and mappings for a request of size bytes
func VirtualPageSize(size uint64) uint64 {
	if size >= PageSize2M {
		return PageSize2M
	}
	return PageSize64K
}

// ReserveVirtual reserves a range of GPU virtual address space with no backing. startHint is a
// preference only.
func (m *MemoryManager) ReserveVirtual(startHint, size uint64) (uint64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if size == 0 || !memutils.IsAligned(size, uint64(PageSize64K)) {
		return 0, errors.Newf("reservation size %d is not a multiple of the page size", size)
	}

	address, handle, err := m.reservationHeap.Allocate(size, VirtualPageSize(size), metadata.AllocationStrategyMinOffset)
	if err != nil {
		return 0, err
	}

	if startHint != 0 && address != startHint {
		m.logger.Debug("MemoryManager::ReserveVirtual start hint not honored",
			slog.Uint64("hint", startHint),
			slog.Uint64("address", address))
	}

	m.reservations.Put(address, &reservation{
		base:     address,
		size:     size,
		handle:   handle,
		mappings: btree.NewG[*mapping](4, mappingLess),
	})

	return address, nil
}

// FreeVirtual releases a reservation made by ReserveVirtual, dropping any mappings left in it
func (m *MemoryManager) FreeVirtual(address, size uint64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	res, ok := m.reservations.Get(address)
	if !ok || res.size != size {
		return errors.Wrapf(ErrUnknownReservation, "address %#x size %d", address, size)
	}

	res.mappings.Ascend(func(item *mapping) bool {
		item.physical.mapCount--
		return true
	})

	m.reservations.Delete(address)
	return m.reservationHeap.Free(res.handle)
}

func (m *MemoryManager) findReservation(address, size uint64) (*reservation, error) {
	var found *reservation
	m.reservations.Iter(func(_ uint64, res *reservation) bool {
		if res.contains(address, size) {
			found = res
			return true
		}
		return false
	})

	if found == nil {
		return nil, errors.Wrapf(ErrUnknownReservation, "address %#x size %d", address, size)
	}
	return found, nil
}

// overlapping returns the mappings that intersect [address, address+size) in address order
func (r *reservation) overlapping(address, size uint64) []*mapping {
	var result []*mapping

	r.mappings.DescendLessOrEqual(&mapping{address: address}, func(item *mapping) bool {
		if item.end() > address {
			result = append(result, item)
		}
		return false
	})

	r.mappings.AscendGreaterOrEqual(&mapping{address: address}, func(item *mapping) bool {
		if item.address >= address+size {
			return false
		}
		if len(result) > 0 && result[0] == item {
			return true
		}
		result = append(result, item)
		return true
	})

	return result
}

// MapVirtual backs [address, address+size) with physical memory starting at offset
func (m *MemoryManager) MapVirtual(address, size uint64, physical *Allocation, offset uint64, access ze.MemoryAccessAttribute) error {
	if physical == nil || physical.allocType != AllocationTypePhysical {
		return errors.New("mapping source is not a physical memory allocation")
	}
	if offset+size > physical.size || offset+size < offset {
		return errors.Newf("offset %d with size %d exceeds physical memory of %d bytes", offset, size, physical.size)
	}
	if !memutils.IsAligned(address, uint64(PageSize64K)) || !memutils.IsAligned(size, uint64(PageSize64K)) {
		return errors.Newf("mapping %#x size %d is not page aligned", address, size)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	res, err := m.findReservation(address, size)
	if err != nil {
		return err
	}

	if len(res.overlapping(address, size)) > 0 {
		return errors.Wrapf(ErrMappingConflict, "address %#x size %d", address, size)
	}

	res.mappings.ReplaceOrInsert(&mapping{
		address:  address,
		size:     size,
		physical: physical,
		offset:   offset,
		access:   access,
	})
	physical.mapCount++

	return nil
}

// UnmapVirtual removes every mapping that lies inside [address, address+size). A mapping that
// only partly overlaps the range is an error.
func (m *MemoryManager) UnmapVirtual(address, size uint64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	res, err := m.findReservation(address, size)
	if err != nil {
		return err
	}

	overlapping := res.overlapping(address, size)
	if len(overlapping) == 0 {
		return errors.Wrapf(ErrNotMapped, "address %#x size %d", address, size)
	}

	for _, item := range overlapping {
		if item.address < address || item.end() > address+size {
			return errors.Wrapf(ErrMappingConflict, "mapping at %#x straddles the unmapped range", item.address)
		}
	}

	for _, item := range overlapping {
		res.mappings.Delete(item)
		item.physical.mapCount--
	}
	return nil
}

// SetVirtualAccess changes the access of every mapping in [address, address+size). The whole
// range must be mapped.
func (m *MemoryManager) SetVirtualAccess(address, size uint64, access ze.MemoryAccessAttribute) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	res, err := m.findReservation(address, size)
	if err != nil {
		return err
	}

	overlapping := res.overlapping(address, size)
	covered := address
	for _, item := range overlapping {
		if item.address > covered {
			break
		}
		covered = item.end()
	}
	if covered < address+size {
		return errors.Wrapf(ErrNotMapped, "address %#x", covered)
	}

	for _, item := range overlapping {
		item.access = access
	}
	return nil
}

// GetVirtualAccess reports the access at address and how many bytes from address, up to size,
// share it
func (m *MemoryManager) GetVirtualAccess(address, size uint64) (ze.MemoryAccessAttribute, uint64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	res, err := m.findReservation(address, size)
	if err != nil {
		return ze.MemoryAccessAttributeNone, 0, err
	}

	overlapping := res.overlapping(address, size)
	if len(overlapping) == 0 || overlapping[0].address > address {
		return ze.MemoryAccessAttributeNone, 0, errors.Wrapf(ErrNotMapped, "address %#x", address)
	}

	access := overlapping[0].access
	covered := address
	for _, item := range overlapping {
		if item.address > covered || item.access != access {
			break
		}
		covered = item.end()
	}

	outSize := covered - address
	if outSize > size {
		outSize = size
	}
	return access, outSize, nil
}

// IsMapped reports whether a physical allocation backs any virtual mapping
func (m *MemoryManager) IsMapped(physical *Allocation) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return physical.mapCount > 0
}
