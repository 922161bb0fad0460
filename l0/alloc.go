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

type HostMemAllocDesc struct {
	Flags      ze.HostMemAllocFlags
	Extensions []Extension
}

type DeviceMemAllocDesc struct {
	Flags ze.DeviceMemAllocFlags
	// Ordinal selects the memory of the device to allocate from. Devices expose one.
	Ordinal    uint32
	Extensions []Extension
}

// validateSize runs the size validator for an allocation on dev
func (c *Context) validateSize(exts allocExtensions, size uint64, dev *device.Device) error {
	relaxed, relaxedFlags := exts.sizeRequestFlags()
	return svm.ValidateSize(svm.SizeRequest{
		Size:              size,
		Device:            dev,
		Relaxed:           relaxed,
		RelaxedFlags:      relaxedFlags,
		AllowUnrestricted: c.driver.Settings().AllowUnrestrictedSize,
	})
}

func (c *Context) logAllocExtensions(exts allocExtensions) {
	if exts.raytracing != nil {
		c.logger.Debug("Context allocation requests 48 bit addressing", slog.Uint64("flags", uint64(exts.raytracing.Flags)))
	}
	if exts.export != nil {
		c.logger.Debug("Context allocation is exportable", slog.String("types", exts.export.Flags.String()))
	}
}

// create asks the USM engine for an allocation and returns its base pointer
func (c *Context) create(props svm.AllocationProperties) (uint64, error) {
	props.RootDeviceIndices = c.rootDeviceIndices

	data, err := c.driver.SVM().Create(props)
	if err != nil {
		return 0, engineError(props.Kind, err)
	}
	return data.Base, nil
}

// AllocHostMem allocates host memory visible to every device of the context. With
// ze.HostMemAllocFlagUseHostPointer and an ExternalMemmapSysmemDesc the application's own memory
// is mapped instead.
func (c *Context) AllocHostMem(desc HostMemAllocDesc, size, alignment uint64) (uint64, error) {
	exts, err := parseAllocExtensions(desc.Extensions)
	if err != nil {
		return 0, err
	}

	// Host allocations are limited by the first device of the context
	var limitDevice *device.Device
	if len(c.devices) > 0 {
		limitDevice = c.devices[0]
	}
	err = c.validateSize(exts, size, limitDevice)
	if err != nil {
		return 0, err
	}

	props := svm.AllocationProperties{
		Kind:      ze.MemoryTypeHost,
		Size:      size,
		Alignment: alignment,
		HostFlags: desc.Flags,
		Uncached:  desc.Flags&ze.HostMemAllocFlagBiasUncached != 0,
	}

	if desc.Flags&ze.HostMemAllocFlagUseHostPointer != 0 {
		if exts.sysmem == nil {
			return 0, ze.ResultErrorInvalidArgument.Errorf("use host pointer requires an external memmap descriptor")
		}
		if exts.sysmem.SystemMemory == 0 {
			return 0, ze.ResultErrorInvalidNullPointer.Errorf("external memmap descriptor has no system memory")
		}
		if exts.sysmem.Size != 0 && exts.sysmem.Size < size {
			return 0, ze.ResultErrorInvalidSize.Errorf("system memory of %d bytes is smaller than %d", exts.sysmem.Size, size)
		}
		props.HostPointer = exts.sysmem.SystemMemory
	}

	c.logAllocExtensions(exts)
	return c.create(props)
}

// AllocDeviceMem allocates memory local to dev. An ExternalMemoryImportFd or
// ExternalMemoryImportWin32 extension turns the call into an import of that OS handle.
func (c *Context) AllocDeviceMem(desc DeviceMemAllocDesc, size, alignment uint64, dev *device.Device) (uint64, error) {
	err := c.checkDevice(dev)
	if err != nil {
		return 0, err
	}

	exts, err := parseAllocExtensions(desc.Extensions)
	if err != nil {
		return 0, err
	}

	if exts.importFd != nil || exts.importWin32 != nil {
		return c.importDeviceMem(exts, dev, desc.Flags)
	}

	err = c.validateSize(exts, size, dev)
	if err != nil {
		return 0, err
	}

	c.logAllocExtensions(exts)
	return c.create(svm.AllocationProperties{
		Kind:        ze.MemoryTypeDevice,
		Device:      dev,
		Size:        size,
		Alignment:   alignment,
		DeviceFlags: desc.Flags,
		Compressed:  exts.compressed(),
		Uncached:    desc.Flags&ze.DeviceMemAllocFlagBiasUncached != 0,
	})
}

func (c *Context) importDeviceMem(exts allocExtensions, dev *device.Device, flags ze.DeviceMemAllocFlags) (uint64, error) {
	kind := c.driver.Primitive().Kind()

	var handle osiface.Handle
	switch {
	case exts.importFd != nil:
		if kind != osiface.HandleKindFd {
			return 0, ze.ResultErrorUnsupportedFeature.Errorf("file descriptor import on a %s platform", kind)
		}
		if exts.importFd.Flags&(ze.ExternalMemoryTypeOpaqueFd|ze.ExternalMemoryTypeDmaBuf) == 0 {
			return 0, ze.ResultErrorUnsupportedEnumeration.Errorf("fd import flags %s", exts.importFd.Flags)
		}
		handle = osiface.Handle(exts.importFd.Fd)
	default:
		if kind != osiface.HandleKindNT {
			return 0, ze.ResultErrorUnsupportedFeature.Errorf("NT handle import on a %s platform", kind)
		}
		if exts.importWin32.Flags&(ze.ExternalMemoryTypeOpaqueWin32|ze.ExternalMemoryTypeOpaqueWin32Kmt) == 0 {
			return 0, ze.ResultErrorUnsupportedEnumeration.Errorf("win32 import flags %s", exts.importWin32.Flags)
		}
		handle = osiface.Handle(exts.importWin32.Handle)
	}

	memoryData := ipc.MemoryData{Handle: handle, Type: ze.MemoryTypeDevice}
	data, err := c.driver.OpenIpcHandles([]ze.IpcMemHandle{memoryData.Encode()}, driver.OpenProperties{
		Device:     dev,
		Registered: dev,
		Uncached:   flags&ze.DeviceMemAllocFlagBiasUncached != 0,
	})
	if err != nil {
		return 0, err
	}
	return data.Base, nil
}

// AllocSharedMem allocates memory that migrates between the host and dev. Without a device the
// allocation is made as host memory instead.
func (c *Context) AllocSharedMem(deviceDesc DeviceMemAllocDesc, hostDesc HostMemAllocDesc, size, alignment uint64, dev *device.Device) (uint64, error) {
	if dev != nil {
		err := c.checkDevice(dev)
		if err != nil {
			return 0, err
		}
	}

	exts, err := parseAllocExtensions(deviceDesc.Extensions, hostDesc.Extensions)
	if err != nil {
		return 0, err
	}

	limitDevice := dev
	if limitDevice == nil && len(c.devices) > 0 {
		limitDevice = c.devices[0]
	}
	err = c.validateSize(exts, size, limitDevice)
	if err != nil {
		return 0, err
	}

	kind := ze.MemoryTypeShared
	if dev == nil {
		kind = ze.MemoryTypeHost
	}

	c.logAllocExtensions(exts)
	return c.create(svm.AllocationProperties{
		Kind:        kind,
		Device:      dev,
		Size:        size,
		Alignment:   alignment,
		HostFlags:   hostDesc.Flags,
		DeviceFlags: deviceDesc.Flags,
		Uncached:    deviceDesc.Flags&ze.DeviceMemAllocFlagBiasUncached != 0 || hostDesc.Flags&ze.HostMemAllocFlagBiasUncached != 0,
		Placement:   placementFor(hostDesc.Flags, deviceDesc.Flags),
	})
}

// FreeMem releases the allocation at ptr without waiting for the GPU
func (c *Context) FreeMem(ptr uint64) error {
	return c.FreeMemBlocking(ptr, false)
}

// FreeMemBlocking releases the allocation at ptr, first waiting for the GPU to stop using it when
// blocking is set
func (c *Context) FreeMemBlocking(ptr uint64, blocking bool) error {
	mgr := c.driver.SVM()

	err := mgr.Free(ptr, blocking)
	if err != nil {
		if errors.Is(err, svm.ErrNotFound) {
			return errors.Wrapf(ze.ResultErrorInvalidArgument.ToError(), "%v", err)
		}
		return errors.Wrapf(ze.ResultErrorUnknown.ToError(), "%v", err)
	}

	c.sweepDeferred()
	return nil
}

func (c *Context) sweepDeferred() {
	err := c.driver.SVM().FreeAllDeferred(false)
	if err != nil {
		c.logger.Warn("Context failed to release deferred allocations", slog.Any("error", err))
	}
}

type MemoryFreeExtDesc struct {
	// FreePolicy is zero for the default policy, or one of the free policy flags
	FreePolicy ze.FreePolicyFlags
}

// FreeMemExt releases the allocation at ptr with an explicit policy. The defer policy keeps memory
// the GPU still uses in the deferred set until a later free finds it idle.
func (c *Context) FreeMemExt(desc MemoryFreeExtDesc, ptr uint64) error {
	switch desc.FreePolicy {
	case 0:
		return c.FreeMemBlocking(ptr, false)
	case ze.FreePolicyBlockingFree:
		return c.FreeMemBlocking(ptr, true)
	case ze.FreePolicyDeferFree:
	default:
		return ze.ResultErrorInvalidArgument.Errorf("free policy %#x", uint32(desc.FreePolicy))
	}

	err := c.driver.SVM().FreeDefer(ptr)
	if errors.Is(err, svm.ErrNotFound) {
		return errors.Wrapf(ze.ResultErrorInvalidArgument.ToError(), "%v", err)
	} else if err != nil {
		return errors.Wrapf(ze.ResultErrorUnknown.ToError(), "%v", err)
	}
	return nil
}
