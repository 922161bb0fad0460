// Package l0 is the context level memory API: allocation, IPC sharing, properties, atomics and
// virtual memory of unified shared memory. Every operation returns an error carrying a ze.Result,
// or nil on success.
package l0

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/levelzero/usm/device"
	"github.com/levelzero/usm/driver"
	"github.com/levelzero/usm/graphics"
	"github.com/levelzero/usm/internal/utils"
	"github.com/levelzero/usm/svm"
	"github.com/levelzero/usm/ze"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

type ContextCreateOptions struct {
	// Devices are the devices the context can allocate on. Every root device of the driver is
	// used when empty. Listing a root device also makes its sub-devices visible.
	Devices  []*device.Device
	UseMutex bool
}

// Context is the set of devices a group of allocations is visible to. The allocation tables
// themselves belong to the driver and are shared by every context.
type Context struct {
	logger *slog.Logger
	driver *driver.Driver
	mutex  utils.OptionalMutex

	devices           []*device.Device
	rootDeviceIndices []uint32
	deviceBitfields   *swiss.Map[uint32, device.Bitfield]

	// systemAtomics holds the atomic attributes of memory the driver never allocated
	systemAtomics *swiss.Map[uint64, ze.AtomicAttrFlags]
	physical      *swiss.Map[*PhysicalMem, struct{}]
}

func NewContext(logger *slog.Logger, drv *driver.Driver, options ContextCreateOptions) (*Context, error) {
	if drv == nil {
		return nil, errors.New("context requires a driver")
	}

	devices := options.Devices
	if len(devices) == 0 {
		devices = drv.Devices()
	}

	c := &Context{
		logger:          logger,
		driver:          drv,
		mutex:           utils.OptionalMutex{UseMutex: options.UseMutex},
		deviceBitfields: swiss.NewMap[uint32, device.Bitfield](4),
		systemAtomics:   swiss.NewMap[uint64, ze.AtomicAttrFlags](4),
		physical:        swiss.NewMap[*PhysicalMem, struct{}](4),
	}

	for _, dev := range devices {
		if !drv.OwnsDevice(dev) {
			return nil, ze.ResultErrorInvalidArgument.Errorf("device does not belong to the driver")
		}

		index := dev.RootDeviceIndex()
		bitfield, known := c.deviceBitfields.Get(index)
		if !known {
			c.rootDeviceIndices = append(c.rootDeviceIndices, index)
		}
		c.deviceBitfields.Put(index, bitfield|dev.Bitfield())

		dev.ForEach(func(visible *device.Device) {
			if !c.hasDevice(visible) {
				c.devices = append(c.devices, visible)
			}
		})
	}

	logger.Debug("Context::New",
		slog.Int("devices", len(c.devices)),
		slog.Int("rootDevices", len(c.rootDeviceIndices)))

	return c, nil
}

func (c *Context) Driver() *driver.Driver { return c.driver }

// Devices lists every device visible to the context, sub-devices included
func (c *Context) Devices() []*device.Device { return c.devices }

// RootDeviceIndices lists the root devices of the context in the order they were added
func (c *Context) RootDeviceIndices() []uint32 { return c.rootDeviceIndices }

// DeviceBitfield returns the tiles of a root device visible to the context
func (c *Context) DeviceBitfield(rootDeviceIndex uint32) (device.Bitfield, bool) {
	return c.deviceBitfields.Get(rootDeviceIndex)
}

func (c *Context) hasDevice(dev *device.Device) bool {
	return slices.Contains(c.devices, dev)
}

func (c *Context) checkDevice(dev *device.Device) error {
	if dev == nil {
		return ze.ResultErrorInvalidArgument.Errorf("device handle is nil")
	}
	if !c.hasDevice(dev) {
		return ze.ResultErrorInvalidArgument.Errorf("device is not part of the context")
	}
	return nil
}

// lookup finds the record of a pointer, which may point inside an allocation
func (c *Context) lookup(ptr uint64) (*svm.AllocationData, error) {
	data, ok := c.driver.SVM().Lookup(ptr)
	if !ok {
		return nil, ze.ResultErrorInvalidArgument.Errorf("pointer %#x is not a USM allocation", ptr)
	}
	return data, nil
}

// engineError maps a failure of the USM engine onto the result taxonomy. Errors that already
// carry a result keep it; the rest are an out of memory condition for kind.
func engineError(kind ze.MemoryType, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, svm.ErrDeviceRequired) || errors.Is(err, svm.ErrNotFound) || errors.Is(err, svm.ErrUnknownKind) ||
		errors.Is(err, svm.ErrOverlap) {
		return errors.Wrapf(ze.ResultErrorInvalidArgument.ToError(), "%v", err)
	}
	if ze.ResultFromError(err) != ze.ResultErrorUnknown {
		return err
	}
	return errors.Wrapf(svm.OutOfMemoryResult(kind).ToError(), "%v", err)
}

// Destroy force-releases every deferred allocation and the physical memory objects still alive
func (c *Context) Destroy() error {
	c.mutex.Lock()
	var physical []*PhysicalMem
	c.physical.Iter(func(pm *PhysicalMem, _ struct{}) bool {
		physical = append(physical, pm)
		return false
	})
	c.physical.Clear()
	c.mutex.Unlock()

	mm := c.driver.MemoryManager()
	for _, pm := range physical {
		if err := mm.Free(pm.alloc); err != nil {
			c.logger.Warn("Context::Destroy failed to free physical memory", slog.Any("error", err))
		}
	}

	err := c.driver.SVM().FreeAllDeferred(true)
	if err != nil {
		return errors.Wrapf(ze.ResultErrorUnknown.ToError(), "release deferred allocations: %v", err)
	}

	c.logger.Debug("Context::Destroy", slog.Int("physicalObjects", len(physical)))
	return nil
}

// placementFor is the initial placement bias requested by the allocation flags
func placementFor(hostFlags ze.HostMemAllocFlags, deviceFlags ze.DeviceMemAllocFlags) graphics.Placement {
	switch {
	case hostFlags&ze.HostMemAllocFlagBiasInitialPlacement != 0:
		return graphics.PlacementSystem
	case deviceFlags&ze.DeviceMemAllocFlagBiasInitialPlacement != 0:
		return graphics.PlacementLocal
	}
	return graphics.PlacementDefault
}
