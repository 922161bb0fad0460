package l0

import (
	"github.com/cockroachdb/errors"
	"github.com/levelzero/usm/device"
	"github.com/levelzero/usm/graphics"
	"github.com/levelzero/usm/memutils"
	"github.com/levelzero/usm/ze"
	"golang.org/x/exp/slog"
)

// PhysicalMem is device or host memory with no address of its own. It is used through mappings
// into reserved virtual ranges.
type PhysicalMem struct {
	device *device.Device
	alloc  *graphics.Allocation
	flags  ze.PhysicalMemFlags
}

func (p *PhysicalMem) Device() *device.Device { return p.device }
func (p *PhysicalMem) Size() uint64 { return p.alloc.Size() }
func (p *PhysicalMem) Allocation() *graphics.Allocation { return p.alloc }

type PhysicalMemDesc struct {
	Flags ze.PhysicalMemFlags
	Size  uint64
}

func invalidArgument(err error) error {
	return errors.Wrapf(ze.ResultErrorInvalidArgument.ToError(), "%v", err)
}

// ReserveVirtualMem reserves a range of virtual address space. The size must be a multiple of
// QueryVirtualMemPageSize.
func (c *Context) ReserveVirtualMem(startHint, size uint64) (uint64, error) {
	if size == 0 || !memutils.IsAligned(size, uint64(graphics.PageSize64K)) {
		return 0, ze.ResultErrorUnsupportedSize.Errorf("reservation size %d is not a multiple of the page size", size)
	}

	address, err := c.driver.MemoryManager().ReserveVirtual(startHint, size)
	if err != nil {
		return 0, errors.Wrapf(ze.ResultErrorOutOfHostMemory.ToError(), "%v", err)
	}
	return address, nil
}

func (c *Context) FreeVirtualMem(ptr, size uint64) error {
	err := c.driver.MemoryManager().FreeVirtual(ptr, size)
	if err != nil {
		return invalidArgument(err)
	}
	return nil
}

// QueryVirtualMemPageSize is the granularity of reservations and mappings of size bytes on dev
func (c *Context) QueryVirtualMemPageSize(dev *device.Device, size uint64) (uint64, error) {
	err := c.checkDevice(dev)
	if err != nil {
		return 0, err
	}
	return graphics.VirtualPageSize(size), nil
}

// CreatePhysicalMem creates a physical memory object on dev
func (c *Context) CreatePhysicalMem(dev *device.Device, desc PhysicalMemDesc) (*PhysicalMem, error) {
	err := c.checkDevice(dev)
	if err != nil {
		return nil, err
	}

	if desc.Flags&^(ze.PhysicalMemFlagAllocateOnDevice|ze.PhysicalMemFlagAllocateOnHost) != 0 {
		return nil, ze.ResultErrorInvalidEnumeration.Errorf("physical memory flags %#x", uint32(desc.Flags))
	}
	if desc.Size == 0 || !memutils.IsAligned(desc.Size, uint64(graphics.PageSize64K)) {
		return nil, ze.ResultErrorUnsupportedSize.Errorf("physical memory size %d is not a multiple of the page size", desc.Size)
	}

	outOfMemory := ze.ResultErrorOutOfDeviceMemory
	if desc.Flags&ze.PhysicalMemFlagAllocateOnHost != 0 {
		outOfMemory = ze.ResultErrorOutOfHostMemory
	}

	alloc, err := c.driver.MemoryManager().Allocate(graphics.AllocationProperties{
		Type:            graphics.AllocationTypePhysical,
		RootDeviceIndex: dev.RootDeviceIndex(),
		Size:            desc.Size,
		NumTiles:        dev.NumTiles(),
	})
	if err != nil {
		return nil, errors.Wrapf(outOfMemory.ToError(), "%v", err)
	}

	pm := &PhysicalMem{device: dev, alloc: alloc, flags: desc.Flags}

	c.mutex.Lock()
	c.physical.Put(pm, struct{}{})
	c.mutex.Unlock()

	c.logger.Debug("Context::CreatePhysicalMem",
		slog.Uint64("size", desc.Size),
		slog.Int("rootDeviceIndex", int(dev.RootDeviceIndex())))

	return pm, nil
}

func (c *Context) knownPhysical(pm *PhysicalMem) error {
	if pm == nil {
		return ze.ResultErrorInvalidNullPointer.Errorf("physical memory object is nil")
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.physical.Has(pm) {
		return ze.ResultErrorInvalidArgument.Errorf("physical memory object does not belong to the context")
	}
	return nil
}

// DestroyPhysicalMem frees a physical memory object. It must not be mapped anywhere.
func (c *Context) DestroyPhysicalMem(pm *PhysicalMem) error {
	err := c.knownPhysical(pm)
	if err != nil {
		return err
	}

	mm := c.driver.MemoryManager()
	if mm.IsMapped(pm.alloc) {
		return ze.ResultErrorInvalidArgument.Errorf("physical memory object is still mapped")
	}

	c.mutex.Lock()
	c.physical.Delete(pm)
	c.mutex.Unlock()

	err = mm.Free(pm.alloc)
	if err != nil {
		return errors.Wrapf(ze.ResultErrorUnknown.ToError(), "%v", err)
	}
	return nil
}

func checkAccess(access ze.MemoryAccessAttribute) error {
	if access > ze.MemoryAccessAttributeReadOnly {
		return ze.ResultErrorInvalidEnumeration.Errorf("memory access attribute %d", uint32(access))
	}
	return nil
}

// MapVirtualMem maps size bytes of pm starting at offset into a reserved range
func (c *Context) MapVirtualMem(ptr, size uint64, pm *PhysicalMem, offset uint64, access ze.MemoryAccessAttribute) error {
	err := c.knownPhysical(pm)
	if err != nil {
		return err
	}
	err = checkAccess(access)
	if err != nil {
		return err
	}

	pageSize := uint64(graphics.PageSize64K)
	if !memutils.IsAligned(ptr, pageSize) || !memutils.IsAligned(size, pageSize) || !memutils.IsAligned(offset, pageSize) {
		return ze.ResultErrorUnsupportedAlignment.Errorf("mapping of %d bytes at %#x offset %d", size, ptr, offset)
	}

	err = c.driver.MemoryManager().MapVirtual(ptr, size, pm.alloc, offset, access)
	if err != nil {
		return invalidArgument(err)
	}
	return nil
}

func (c *Context) UnmapVirtualMem(ptr, size uint64) error {
	err := c.driver.MemoryManager().UnmapVirtual(ptr, size)
	if err != nil {
		return invalidArgument(err)
	}
	return nil
}

// SetVirtualMemAccessAttribute changes the access of every mapping in a range
func (c *Context) SetVirtualMemAccessAttribute(ptr, size uint64, access ze.MemoryAccessAttribute) error {
	err := checkAccess(access)
	if err != nil {
		return err
	}

	err = c.driver.MemoryManager().SetVirtualAccess(ptr, size, access)
	if err != nil {
		return invalidArgument(err)
	}
	return nil
}

// GetVirtualMemAccessAttribute returns the access of the mapping at ptr and how many bytes from
// ptr share it
func (c *Context) GetVirtualMemAccessAttribute(ptr, size uint64) (ze.MemoryAccessAttribute, uint64, error) {
	access, outSize, err := c.driver.MemoryManager().GetVirtualAccess(ptr, size)
	if err != nil {
		return ze.MemoryAccessAttributeNone, 0, invalidArgument(err)
	}
	return access, outSize, nil
}
