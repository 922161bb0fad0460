package l0

import (
	"github.com/cockroachdb/errors"
	"github.com/levelzero/usm/device"
	"github.com/levelzero/usm/driver"
	"github.com/levelzero/usm/ipc"
	"github.com/levelzero/usm/osiface"
	"github.com/levelzero/usm/svm"
	"github.com/levelzero/usm/ze"
	"golang.org/x/exp/slog"
)

// capabilitiesFor are the capabilities that govern exporting data
func (c *Context) capabilitiesFor(data *svm.AllocationData) device.Capabilities {
	if data.Device != nil {
		return data.Device.Capabilities()
	}
	if len(c.devices) > 0 {
		return c.devices[0].Capabilities()
	}
	return device.Capabilities{}
}

func (c *Context) exportable(ptr uint64, fabric bool) (*svm.AllocationData, error) {
	data, err := c.lookup(ptr)
	if err != nil {
		return nil, err
	}

	caps := c.capabilitiesFor(data)
	switch {
	case data.Kind == ze.MemoryTypeShared:
		return nil, ze.ResultErrorInvalidArgument.Errorf("shared allocations have no IPC handles")
	case data.Kind == ze.MemoryTypeHost && !caps.VirtualAddressIpc:
		return nil, ze.ResultErrorUnsupportedFeature.Errorf("host allocations have no IPC handles on this device")
	case fabric && !caps.FabricIpc:
		return nil, ze.ResultErrorUnsupportedFeature.Errorf("fabric accessible IPC handles are not supported")
	}
	return data, nil
}

// GetIpcMemHandle exports the allocation containing ptr. Each call adds a reference that
// PutIpcMemHandle drops.
func (c *Context) GetIpcMemHandle(ptr uint64) (ze.IpcMemHandle, error) {
	data, err := c.exportable(ptr, false)
	if err != nil {
		return ze.IpcMemHandle{}, err
	}
	return c.driver.ExportIpcHandle(data, 0)
}

// GetIpcMemHandleWithProperties is GetIpcMemHandle with an IpcMemHandleTypeDesc selecting a fabric
// accessible handle
func (c *Context) GetIpcMemHandleWithProperties(ptr uint64, extensions ...Extension) (ze.IpcMemHandle, error) {
	fabric := false
	for _, ext := range extensions {
		switch e := ext.(type) {
		case nil:
		case *IpcMemHandleTypeDesc:
			valid := ze.IpcMemHandleTypeDefault | ze.IpcMemHandleTypeFabricAccessible
			if e.TypeFlags&^valid != 0 {
				return ze.IpcMemHandle{}, ze.ResultErrorInvalidArgument.Errorf("IPC handle type flags %#x", uint32(e.TypeFlags))
			}
			fabric = e.TypeFlags&ze.IpcMemHandleTypeFabricAccessible != 0
		default:
			return ze.IpcMemHandle{}, ze.ResultErrorInvalidArgument.Errorf("%T is not an IPC handle extension", ext)
		}
	}

	data, err := c.exportable(ptr, fabric)
	if err != nil {
		return ze.IpcMemHandle{}, err
	}
	return c.driver.ExportIpcHandle(data, 0)
}

// GetIpcMemHandles exports one handle per tile of the allocation containing ptr. A nil handles
// slice only reports the number of tiles. Otherwise up to *count handles are written, and *count
// is always set to the number of tiles.
func (c *Context) GetIpcMemHandles(ptr uint64, count *uint32, handles []ze.IpcMemHandle) error {
	if count == nil {
		return ze.ResultErrorInvalidNullPointer.Errorf("handle count is nil")
	}

	data, err := c.exportable(ptr, false)
	if err != nil {
		return err
	}

	alloc := data.DefaultAllocation()
	if alloc == nil {
		return ze.ResultErrorInvalidArgument.Errorf("allocation at %#x has no memory to export", data.Base)
	}

	tiles := alloc.NumHandles()
	if handles == nil {
		*count = uint32(tiles)
		return nil
	}

	fill := min(len(handles), int(*count), tiles)
	for tile := 0; tile < fill; tile++ {
		handles[tile], err = c.driver.ExportIpcHandle(data, tile)
		if err != nil {
			return err
		}
	}

	*count = uint32(tiles)
	return nil
}

// PutIpcMemHandle drops a reference added by GetIpcMemHandle. The OS handle is closed with the
// last reference. Handles this process is not tracking are ignored.
func (c *Context) PutIpcMemHandle(handle ze.IpcMemHandle) error {
	data, _, err := ipc.Decode(handle)
	if err != nil {
		return errors.Wrapf(ze.ResultErrorInvalidArgument.ToError(), "%v", err)
	}

	remaining, tracked, err := c.driver.ReleaseIpcHandle(data.Key())
	if err != nil {
		return errors.Wrapf(ze.ResultErrorUnknown.ToError(), "%v", err)
	}
	if !tracked {
		c.logger.Debug("Context::PutIpcMemHandle of an untracked handle", slog.Uint64("handle", uint64(data.Handle)))
		return nil
	}

	c.logger.Debug("Context::PutIpcMemHandle",
		slog.Uint64("handle", uint64(data.Handle)),
		slog.Int("remaining", remaining))
	return nil
}

// OpenIpcMemHandle maps memory exported by GetIpcMemHandle on dev. The allocation is recorded as
// belonging to dev.
func (c *Context) OpenIpcMemHandle(dev *device.Device, handle ze.IpcMemHandle, flags ze.IpcMemoryFlags) (uint64, error) {
	err := c.checkDevice(dev)
	if err != nil {
		return 0, err
	}

	data, err := c.driver.OpenIpcHandles([]ze.IpcMemHandle{handle}, driver.OpenProperties{
		Device:     dev,
		Registered: dev,
		Uncached:   flags&ze.IpcMemoryFlagBiasUncached != 0,
	})
	if err != nil {
		return 0, err
	}
	return data.Base, nil
}

// OpenIpcMemHandles maps memory exported by GetIpcMemHandles. Under implicit scaling the
// allocation is recorded as belonging to the root device, even when dev is a sub-device.
func (c *Context) OpenIpcMemHandles(dev *device.Device, handles []ze.IpcMemHandle, flags ze.IpcMemoryFlags) (uint64, error) {
	err := c.checkDevice(dev)
	if err != nil {
		return 0, err
	}
	if len(handles) == 0 {
		return 0, ze.ResultErrorInvalidArgument.Errorf("no IPC handles to open")
	}

	registered := dev
	if dev.Root().IsImplicitScaling() {
		registered = dev.Root()
	}

	data, err := c.driver.OpenIpcHandles(handles, driver.OpenProperties{
		Device:     dev,
		Registered: registered,
		Uncached:   flags&ze.IpcMemoryFlagBiasUncached != 0,
	})
	if err != nil {
		return 0, err
	}
	return data.Base, nil
}

// CloseIpcMemHandle unmaps memory opened from IPC handles
func (c *Context) CloseIpcMemHandle(ptr uint64) error {
	data, err := c.lookup(ptr)
	if err != nil {
		return err
	}
	if !data.Imported {
		return ze.ResultErrorInvalidArgument.Errorf("allocation at %#x was not opened from an IPC handle", data.Base)
	}

	err = c.driver.SVM().Free(data.Base, false)
	if err != nil {
		return errors.Wrapf(ze.ResultErrorUnknown.ToError(), "%v", err)
	}
	return nil
}

// GetFdFromIpcHandle returns the OS handle inside an IPC handle this process exported
func (c *Context) GetFdFromIpcHandle(handle ze.IpcMemHandle) (uint64, error) {
	data, _, err := ipc.Decode(handle)
	if err != nil {
		return 0, errors.Wrapf(ze.ResultErrorInvalidArgument.ToError(), "%v", err)
	}

	_, ok := c.driver.IpcTable().Lookup(data.Key())
	if !ok {
		return 0, ze.ResultErrorInvalidArgument.Errorf("handle %d is not tracked", data.Handle)
	}
	return uint64(data.Handle), nil
}

// GetIpcHandleFromFd rebuilds the IPC handle of an OS handle this process exported
func (c *Context) GetIpcHandleFromFd(fd uint64) (ze.IpcMemHandle, error) {
	handle, ok := c.driver.IpcHandleFor(osiface.Handle(fd))
	if !ok {
		return ze.IpcMemHandle{}, ze.ResultErrorOutOfHostMemory.Errorf("handle %d is not tracked", fd)
	}
	return handle, nil
}
