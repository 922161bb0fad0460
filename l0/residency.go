package l0

import (
	"github.com/levelzero/usm/device"
	"github.com/levelzero/usm/graphics"
	"github.com/levelzero/usm/ze"
)

// residentAllocation finds the graphics allocation dev uses for the memory at ptr
func (c *Context) residentAllocation(dev *device.Device, ptr uint64) (*graphics.Allocation, error) {
	err := c.checkDevice(dev)
	if err != nil {
		return nil, err
	}

	data, err := c.lookup(ptr)
	if err != nil {
		return nil, err
	}

	alloc := data.GPUAllocation(dev.RootDeviceIndex())
	if alloc == nil {
		return nil, ze.ResultErrorInvalidArgument.Errorf("allocation at %#x has no memory on root device %d", data.Base, dev.RootDeviceIndex())
	}
	return alloc, nil
}

// MakeMemoryResident makes the allocation containing ptr resident on dev
func (c *Context) MakeMemoryResident(dev *device.Device, ptr, size uint64) error {
	alloc, err := c.residentAllocation(dev, ptr)
	if err != nil {
		return err
	}

	return dev.MakeResident(alloc).Result().Errorf("make %#x resident", ptr)
}

// EvictMemory removes the allocation containing ptr from dev's resident set
func (c *Context) EvictMemory(dev *device.Device, ptr, size uint64) error {
	alloc, err := c.residentAllocation(dev, ptr)
	if err != nil {
		return err
	}

	return dev.Evict(alloc).Result().Errorf("evict %#x", ptr)
}

func (c *Context) MakeImageResident(dev *device.Device, image *graphics.Allocation) error {
	err := c.checkDevice(dev)
	if err != nil {
		return err
	}
	if image == nil {
		return ze.ResultErrorInvalidNullPointer.Errorf("image is nil")
	}

	return dev.MakeResident(image).Result().Errorf("make image %d resident", image.ID())
}

func (c *Context) EvictImage(dev *device.Device, image *graphics.Allocation) error {
	err := c.checkDevice(dev)
	if err != nil {
		return err
	}
	if image == nil {
		return ze.ResultErrorInvalidNullPointer.Errorf("image is nil")
	}

	return dev.Evict(image).Result().Errorf("evict image %d", image.ID())
}
