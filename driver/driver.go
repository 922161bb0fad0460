// Package driver holds the process-wide state shared by every context: the devices, the memory
// managers, the IPC handle table and its socket server, and the allocation id counter.
package driver

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/levelzero/usm/config"
	"github.com/levelzero/usm/device"
	"github.com/levelzero/usm/graphics"
	"github.com/levelzero/usm/ipc"
	"github.com/levelzero/usm/osiface"
	"github.com/levelzero/usm/svm"
	"golang.org/x/exp/slog"
)

// DefaultHostMemorySize is the size of the shared virtual address heap when none is given
const DefaultHostMemorySize uint64 = 64 << 30

type CreateOptions struct {
	Settings  config.Settings
	Primitive osiface.Primitive
	// Devices describe the root devices. The root device index of each is its position.
	Devices []device.CreateOptions

	HostMemorySize uint64
	UsageChecker   svm.UsageChecker
	// ProcessID is embedded in opaque IPC handles, defaulting to the current process
	ProcessID int
}

// Driver is the owner of everything a context allocates through. A process normally has one.
type Driver struct {
	logger    *slog.Logger
	settings  config.Settings
	processID int
	primitive osiface.Primitive
	toggles   ipc.SocketToggles

	devices []*device.Device

	ids      *svm.IDCounter
	mm       *graphics.MemoryManager
	svm      *svm.Manager
	ipcTable *ipc.Table
	socket   *ipc.SocketServer
}

func New(logger *slog.Logger, options CreateOptions) (*Driver, error) {
	if options.Primitive == nil {
		return nil, errors.New("driver requires an OS handle primitive")
	}
	if len(options.Devices) == 0 {
		return nil, errors.New("driver requires at least one device")
	}

	d := &Driver{
		logger:    logger,
		settings:  options.Settings,
		processID: options.ProcessID,
		primitive: options.Primitive,
		toggles: ipc.SocketToggles{
			Enable: options.Settings.EnableIpcSocketFallback,
			Force:  options.Settings.ForceIpcSocketFallback,
		},
		ids: &svm.IDCounter{},
	}
	if d.processID == 0 {
		d.processID = os.Getpid()
	}

	var roots []graphics.RootDeviceInfo
	for index, deviceOptions := range options.Devices {
		deviceOptions.RootDeviceIndex = uint32(index)
		deviceOptions.ImplicitScaling = deviceOptions.ImplicitScaling || options.Settings.EnableImplicitScaling

		d.devices = append(d.devices, device.New(logger, deviceOptions))
		roots = append(roots, graphics.RootDeviceInfo{LocalMemorySize: deviceOptions.Capabilities.GlobalMemSize})
	}

	hostMemorySize := options.HostMemorySize
	if hostMemorySize == 0 {
		hostMemorySize = DefaultHostMemorySize
	}

	d.mm = graphics.NewMemoryManager(logger, options.Primitive, graphics.MemoryManagerCreateOptions{
		RootDevices:    roots,
		HostMemorySize: hostMemorySize,
		UseMutex:       true,
	})

	d.svm = svm.NewManager(logger, d.mm, svm.ManagerCreateOptions{
		UseMutex:       true,
		IDs:            d.ids,
		UsageChecker:   options.UsageChecker,
		HostPoolSize:   options.Settings.HostPoolSize(),
		DevicePoolSize: options.Settings.DevicePoolSize(),
		PoolThreshold:  options.Settings.UsmPoolThreshold,
		OnRelease:      d.releaseDependents,
	})

	d.ipcTable = ipc.NewTable(logger, ipc.TableCreateOptions{
		OnRelease: d.closeTrackedHandle,
		UseMutex:  true,
	})
	d.socket = ipc.NewSocketServer(logger, options.Settings.IpcSocketDir, d.processID, options.Settings.IpcSocketTimeout)

	logger.Debug("Driver::New",
		slog.Int("rootDevices", len(d.devices)),
		slog.Int("processID", d.processID),
		slog.Bool("socketFallback", d.toggles.Enable),
		slog.Bool("forceSocketFallback", d.toggles.Force))

	return d, nil
}

func (d *Driver) Logger() *slog.Logger { return d.logger }
func (d *Driver) Settings() config.Settings { return d.settings }
func (d *Driver) ProcessID() int { return d.processID }
func (d *Driver) Primitive() osiface.Primitive { return d.primitive }
func (d *Driver) MemoryManager() *graphics.MemoryManager { return d.mm }
func (d *Driver) SVM() *svm.Manager { return d.svm }
func (d *Driver) IpcTable() *ipc.Table { return d.ipcTable }
func (d *Driver) SocketServer() *ipc.SocketServer { return d.socket }
func (d *Driver) SocketToggles() ipc.SocketToggles { return d.toggles }
func (d *Driver) IDs() *svm.IDCounter { return d.ids }

// Devices are the root devices, indexed by root device index
func (d *Driver) Devices() []*device.Device { return d.devices }

// Device returns a root device, or nil
func (d *Driver) Device(rootDeviceIndex uint32) *device.Device {
	if int(rootDeviceIndex) >= len(d.devices) {
		return nil
	}
	return d.devices[rootDeviceIndex]
}

// OwnsDevice reports whether dev is one of this driver's root or sub-devices
func (d *Driver) OwnsDevice(dev *device.Device) bool {
	if dev == nil {
		return false
	}
	root := d.Device(dev.RootDeviceIndex())
	return root != nil && root == dev.Root()
}

func (d *Driver) forEachDevice(visit func(dev *device.Device)) {
	for _, root := range d.devices {
		root.ForEach(visit)
	}
}

// RootDeviceIndices lists every root device index
func (d *Driver) RootDeviceIndices() []uint32 {
	indices := make([]uint32, 0, len(d.devices))
	for _, root := range d.devices {
		indices = append(indices, root.RootDeviceIndex())
	}
	return indices
}

// releaseDependents runs right before a USM record's memory is released. It drops the IPC
// records exported from the memory and the peer mirrors made of it. A pooled record only drops
// the exports at its own offset; the pool's OS handle closes with the last of them.
func (d *Driver) releaseDependents(data *svm.AllocationData) {
	for _, alloc := range data.Allocations() {
		removed, err := d.ipcTable.RemoveAllocation(alloc, data.PoolOffset())
		if err != nil {
			d.logger.Warn("Driver failed to close IPC handles of a freed allocation",
				slog.Uint64("base", data.Base),
				slog.Any("error", err))
		} else if removed > 0 {
			d.logger.Debug("Driver dropped IPC handles of a freed allocation",
				slog.Uint64("base", data.Base),
				slog.Int("handles", removed))
		}
	}

	err := d.RemovePeerAllocations(data.Base)
	if err != nil {
		d.logger.Warn("Driver failed to free peer allocations",
			slog.Uint64("base", data.Base),
			slog.Any("error", err))
	}
}

// Destroy releases the IPC records, the socket server, the peer mirrors and the deferred
// allocations. Live allocations are not freed.
func (d *Driver) Destroy() error {
	var result *multierror.Error

	result = multierror.Append(result, d.ipcTable.Clear())
	result = multierror.Append(result, d.socket.Close())

	d.forEachDevice(func(dev *device.Device) {
		for _, entry := range dev.Peers().Drain() {
			result = multierror.Append(result, d.mm.Free(entry.Allocation))
		}
		for _, entry := range dev.ImagePeers().Drain() {
			result = multierror.Append(result, d.mm.Free(entry.Allocation))
		}
	})

	result = multierror.Append(result, d.svm.Destroy())

	d.logger.Debug("Driver::Destroy")
	return result.ErrorOrNil()
}
