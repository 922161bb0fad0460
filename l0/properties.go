package l0

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/levelzero/usm/device"
	"github.com/levelzero/usm/graphics"
	"github.com/levelzero/usm/memutils"
	"github.com/levelzero/usm/osiface"
	"github.com/levelzero/usm/svm"
	"github.com/levelzero/usm/ze"
)

type MemoryAllocationProperties struct {
	Type     ze.MemoryType
	ID       uint64
	PageSize uint64
}

// GetMemAllocProperties describes the allocation containing ptr and returns the device it lives
// on. Pointers that are not USM allocations are reported as ze.MemoryTypeUnknown without an
// error. The export and sub-allocation extensions are filled in place.
func (c *Context) GetMemAllocProperties(ptr uint64, extensions ...Extension) (MemoryAllocationProperties, *device.Device, error) {
	data, ok := c.driver.SVM().Lookup(ptr)
	if !ok {
		return MemoryAllocationProperties{Type: ze.MemoryTypeUnknown}, nil, nil
	}

	props := MemoryAllocationProperties{
		Type:     data.Kind,
		ID:       data.ID,
		PageSize: data.PageSize,
	}

	for _, ext := range extensions {
		var err error
		switch e := ext.(type) {
		case nil:
		case *ExternalMemoryExportFd:
			var handle osiface.Handle
			handle, err = c.exportHandle(data, osiface.HandleKindFd, e.Flags, ze.ExternalMemoryTypeOpaqueFd|ze.ExternalMemoryTypeDmaBuf)
			e.Fd = int(handle)
		case *ExternalMemoryExportWin32:
			var handle osiface.Handle
			handle, err = c.exportHandle(data, osiface.HandleKindNT, e.Flags, ze.ExternalMemoryTypeOpaqueWin32|ze.ExternalMemoryTypeOpaqueWin32Kmt)
			e.Handle = uint64(handle)
		case *MemorySubAllocationsProperties:
			err = subAllocations(data, e)
		default:
			err = ze.ResultErrorInvalidEnumeration.Errorf("%T is not a memory properties extension", ext)
		}
		if err != nil {
			return props, data.Device, err
		}
	}

	return props, data.Device, nil
}

func (c *Context) exportHandle(data *svm.AllocationData, kind osiface.HandleKind, flags, supported ze.ExternalMemoryTypeFlags) (osiface.Handle, error) {
	if data.Kind == ze.MemoryTypeShared {
		return 0, ze.ResultErrorUnsupportedFeature.Errorf("shared allocations cannot be exported")
	}
	if flags&supported == 0 {
		return 0, ze.ResultErrorUnsupportedEnumeration.Errorf("export types %s", flags)
	}
	if c.driver.Primitive().Kind() != kind {
		return 0, ze.ResultErrorUnsupportedFeature.Errorf("%s export on a %s platform", kind, c.driver.Primitive().Kind())
	}

	alloc := data.DefaultAllocation()
	if alloc == nil {
		return 0, ze.ResultErrorInvalidArgument.Errorf("allocation at %#x has no memory to export", data.Base)
	}

	handle, err := c.driver.MemoryManager().PeekInternalHandle(alloc, 0)
	if err != nil {
		return 0, errors.Wrapf(svm.OutOfMemoryResult(data.Kind).ToError(), "export of %#x: %v", data.Base, err)
	}
	return handle, nil
}

// subAllocations reports the range of every tile of a multi-tile allocation
func subAllocations(data *svm.AllocationData, out *MemorySubAllocationsProperties) error {
	if out.Count == nil {
		return ze.ResultErrorInvalidNullPointer.Errorf("sub-allocation count is nil")
	}

	alloc := data.DefaultAllocation()
	if alloc == nil || alloc.NumHandles() <= 1 {
		return ze.ResultErrorUnsupportedEnumeration.Errorf("allocation at %#x has no sub-allocations", data.Base)
	}

	tiles := alloc.NumHandles()
	if out.SubAllocations == nil {
		*out.Count = uint32(tiles)
		return nil
	}

	tileSize := (alloc.Size() + uint64(tiles) - 1) / uint64(tiles)
	fill := min(len(out.SubAllocations), int(*out.Count), tiles)
	for i := 0; i < fill; i++ {
		out.SubAllocations[i] = SubAllocation{
			Base: alloc.GPUAddress() + uint64(i)*tileSize,
			Size: tileSize,
		}
	}
	*out.Count = uint32(tiles)
	return nil
}

// GetMemAddressRange returns the base and size of the allocation containing ptr
func (c *Context) GetMemAddressRange(ptr uint64) (uint64, uint64, error) {
	data, err := c.lookup(ptr)
	if err != nil {
		return 0, 0, err
	}
	return data.Base, data.Size, nil
}

func checkAtomicCapabilities(caps device.Capabilities, attr ze.AtomicAttrFlags) error {
	if !attr.Valid() {
		return ze.ResultErrorInvalidArgument.Errorf("atomic attributes %#x", uint32(attr))
	}
	if attr&ze.AtomicAttrDeviceAtomics != 0 && !caps.DeviceAtomics {
		return ze.ResultErrorInvalidArgument.Errorf("device does not support device atomics")
	}
	if attr&ze.AtomicAttrHostAtomics != 0 && !caps.HostAtomics {
		return ze.ResultErrorInvalidArgument.Errorf("device does not support host atomics")
	}
	if attr&ze.AtomicAttrSystemAtomics != 0 && !caps.SystemAtomics {
		return ze.ResultErrorInvalidArgument.Errorf("device does not support system atomics")
	}
	return nil
}

// atomicAccessMode is the page attribute that implements attr, the strongest requested scope
// winning
func atomicAccessMode(attr ze.AtomicAttrFlags) graphics.AtomicAccessMode {
	switch {
	case attr&ze.AtomicAttrSystemAtomics != 0:
		return graphics.AtomicAccessModeSystem
	case attr&ze.AtomicAttrHostAtomics != 0:
		return graphics.AtomicAccessModeHost
	case attr&ze.AtomicAttrDeviceAtomics != 0:
		return graphics.AtomicAccessModeDevice
	case attr != 0:
		return graphics.AtomicAccessModeNone
	}
	return graphics.AtomicAccessModeDefault
}

// SetAtomicAccessAttribute sets the atomics hint of a shared allocation. On devices that accept
// system allocator pointers it may also be set on memory the driver did not allocate. The range must
// lie inside one allocation. Zero clears every attribute.
func (c *Context) SetAtomicAccessAttribute(dev *device.Device, ptr, size uint64, attr ze.AtomicAttrFlags) error {
	err := c.checkDevice(dev)
	if err != nil {
		return err
	}

	caps := dev.Capabilities()
	err = checkAtomicCapabilities(caps, attr)
	if err != nil {
		return err
	}

	data, ok := c.driver.SVM().Lookup(ptr)
	if !ok {
		if !caps.SharedSystemAllocations {
			return ze.ResultErrorInvalidArgument.Errorf("pointer %#x is not a USM allocation", ptr)
		}

		c.mutex.Lock()
		c.systemAtomics.Put(ptr, attr)
		c.mutex.Unlock()
		return nil
	}

	if data.Kind != ze.MemoryTypeShared {
		return ze.ResultErrorInvalidArgument.Errorf("atomic attributes apply to shared allocations, not %s", data.Kind)
	}
	err = checkRange(data, ptr, size)
	if err != nil {
		return err
	}

	mode := atomicAccessMode(attr)
	for _, alloc := range data.Allocations() {
		c.driver.MemoryManager().SetAtomicAccess(alloc, mode)
	}
	c.driver.SVM().SetAtomicAttr(data, attr)
	return nil
}

// checkRange fails when [ptr, ptr+size) runs past the end of data. Atomic attributes cover the
// whole allocation, so any range inside it names the same attribute.
func checkRange(data *svm.AllocationData, ptr, size uint64) error {
	if size > data.Base+data.Size-ptr {
		return ze.ResultErrorInvalidArgument.Errorf("range %#x+%#x runs past the allocation at %#x of %d bytes",
			ptr, size, data.Base, data.Size)
	}
	return nil
}

// GetAtomicAccessAttribute returns the attribute last set on the memory at ptr
func (c *Context) GetAtomicAccessAttribute(dev *device.Device, ptr, size uint64) (ze.AtomicAttrFlags, error) {
	err := c.checkDevice(dev)
	if err != nil {
		return 0, err
	}

	data, ok := c.driver.SVM().Lookup(ptr)
	if !ok {
		c.mutex.Lock()
		attr, set := c.systemAtomics.Get(ptr)
		c.mutex.Unlock()
		if !set {
			return 0, ze.ResultErrorInvalidArgument.Errorf("no atomic attributes were set on %#x", ptr)
		}
		return attr, nil
	}

	err = checkRange(data, ptr, size)
	if err != nil {
		return 0, err
	}

	attr, set := c.driver.SVM().AtomicAttr(data)
	if !set {
		return 0, ze.ResultErrorInvalidArgument.Errorf("no atomic attributes were set on %#x", ptr)
	}
	return attr, nil
}

// GetPitchFor2dImage returns the row pitch of a linear 2D image on dev
func (c *Context) GetPitchFor2dImage(dev *device.Device, width, height uint64, elementSize uint32) (uint64, error) {
	err := c.checkDevice(dev)
	if err != nil {
		return 0, err
	}
	if width == 0 || height == 0 || elementSize == 0 {
		return 0, ze.ResultErrorInvalidArgument.Errorf("image %dx%d with %d byte elements", width, height, elementSize)
	}
	if width > math.MaxUint64/uint64(elementSize) {
		return 0, ze.ResultErrorInvalidArgument.Errorf("row of %d elements of %d bytes overflows", width, elementSize)
	}

	caps := dev.Capabilities()
	rowSize := width * uint64(elementSize)
	if caps.MaxImagePitch2D > 0 && rowSize > caps.MaxImagePitch2D {
		return 0, ze.ResultErrorInvalidArgument.Errorf("row of %d bytes exceeds the maximum pitch %d", rowSize, caps.MaxImagePitch2D)
	}

	alignment := caps.PitchAlignment
	if alignment == 0 {
		alignment = 1
	}
	pitch := memutils.AlignUp(rowSize, alignment)
	if caps.MaxImagePitch2D > 0 && pitch > caps.MaxImagePitch2D {
		return 0, ze.ResultErrorInvalidArgument.Errorf("pitch %d exceeds the maximum pitch %d", pitch, caps.MaxImagePitch2D)
	}
	return pitch, nil
}
