// Package device models the root and sub-devices a context allocates on: their memory limits,
// atomics capabilities, residency interface and the peer allocation cache each device owns.
package device

import (
	"github.com/levelzero/usm/graphics"
	"github.com/levelzero/usm/peer"
	"golang.org/x/exp/slog"
)

// Bitfield selects tiles of a root device. Bit i is sub-device i.
type Bitfield uint32

// Capabilities are the properties of a device that allocation and IPC policy depend on
type Capabilities struct {
	// MaxMemAllocSize is the largest single allocation without the relaxed limits extension
	MaxMemAllocSize uint64
	// GlobalMemSize is the device memory visible to a context
	GlobalMemSize uint64
	// PhysicalMemSize is the physical memory of the device, zero when the product does not
	// report one
	PhysicalMemSize uint64

	MaxImagePitch2D uint64
	PitchAlignment  uint64

	DeviceAtomics bool
	HostAtomics   bool
	SystemAtomics bool

	// SharedSystemAllocations means ordinary host pointers from the system allocator can be used
	// on the device, so atomic attributes may be set on memory the driver never allocated
	SharedSystemAllocations bool
	// VirtualAddressIpc means IPC handles of host allocations can be exported
	VirtualAddressIpc bool
	// FabricIpc means fabric accessible IPC handles can be exported
	FabricIpc bool
}

type CreateOptions struct {
	RootDeviceIndex uint32
	NumSubDevices   int
	ImplicitScaling bool
	Capabilities    Capabilities

	// MemoryOperations defaults to a ResidencyTracker shared by the root device and its
	// sub-devices
	MemoryOperations MemoryOperations
}

// Device is a root device or one of its sub-devices (tiles)
type Device struct {
	logger *slog.Logger

	rootDeviceIndex uint32
	subDeviceIndex  int
	bitfield        Bitfield
	implicitScaling bool

	root       *Device
	subDevices []*Device

	capabilities     Capabilities
	memoryOperations MemoryOperations
	peers            *peer.Cache
	imagePeers       *peer.Cache
}

// New creates a root device along with options.NumSubDevices sub-devices. Sub-devices get an
// equal share of the root device's global memory.
func New(logger *slog.Logger, options CreateOptions) *Device {
	memoryOperations := options.MemoryOperations
	if memoryOperations == nil {
		memoryOperations = NewResidencyTracker()
	}

	root := &Device{
		logger:           logger,
		rootDeviceIndex:  options.RootDeviceIndex,
		subDeviceIndex:   -1,
		bitfield:         1,
		implicitScaling:  options.ImplicitScaling && options.NumSubDevices > 1,
		capabilities:     options.Capabilities,
		memoryOperations: memoryOperations,
		peers:            peer.NewCache(peer.CacheCreateOptions{UseMutex: true}),
		imagePeers:       peer.NewCache(peer.CacheCreateOptions{UseMutex: true}),
	}
	root.root = root

	if options.NumSubDevices > 0 {
		root.bitfield = 0
	}

	for i := 0; i < options.NumSubDevices; i++ {
		capabilities := options.Capabilities
		capabilities.GlobalMemSize /= uint64(options.NumSubDevices)
		if capabilities.PhysicalMemSize > 0 {
			capabilities.PhysicalMemSize /= uint64(options.NumSubDevices)
		}
		if capabilities.MaxMemAllocSize > capabilities.GlobalMemSize {
			capabilities.MaxMemAllocSize = capabilities.GlobalMemSize
		}

		sub := &Device{
			logger:           logger,
			rootDeviceIndex:  options.RootDeviceIndex,
			subDeviceIndex:   i,
			bitfield:         Bitfield(1) << i,
			root:             root,
			capabilities:     capabilities,
			memoryOperations: memoryOperations,
			peers:            peer.NewCache(peer.CacheCreateOptions{UseMutex: true}),
			imagePeers:       peer.NewCache(peer.CacheCreateOptions{UseMutex: true}),
		}
		root.bitfield |= sub.bitfield
		root.subDevices = append(root.subDevices, sub)
	}

	logger.Debug("Device::New",
		slog.Int("rootDeviceIndex", int(options.RootDeviceIndex)),
		slog.Int("subDevices", options.NumSubDevices),
		slog.Bool("implicitScaling", root.implicitScaling))

	return root
}

func (d *Device) RootDeviceIndex() uint32 { return d.rootDeviceIndex }
func (d *Device) Bitfield() Bitfield { return d.bitfield }
func (d *Device) Capabilities() Capabilities { return d.capabilities }
func (d *Device) MemoryOperations() MemoryOperations { return d.memoryOperations }

// Peers is the cache of mirrors of other devices' allocations made usable on this device
func (d *Device) Peers() *peer.Cache { return d.peers }

// ImagePeers caches mirrors of other devices' images, keyed by the image's GPU address
func (d *Device) ImagePeers() *peer.Cache { return d.imagePeers }

func (d *Device) IsSubDevice() bool { return d.subDeviceIndex >= 0 }

// SubDeviceIndex is the tile index of a sub-device, or -1 for a root device
func (d *Device) SubDeviceIndex() int { return d.subDeviceIndex }

// Root returns the root device of a sub-device, or the device itself
func (d *Device) Root() *Device { return d.root }

func (d *Device) SubDevices() []*Device { return d.subDevices }

func (d *Device) NumSubDevices() int { return len(d.subDevices) }

// SubDevice returns sub-device index, or nil when there is no such tile
func (d *Device) SubDevice(index int) *Device {
	if index < 0 || index >= len(d.subDevices) {
		return nil
	}
	return d.subDevices[index]
}

// IsImplicitScaling reports whether work and allocations on this root device are spread across
// all of its sub-devices
func (d *Device) IsImplicitScaling() bool { return d.implicitScaling }

// NumTiles is the number of buffer objects an allocation on this device is split into
func (d *Device) NumTiles() int {
	if d.implicitScaling {
		return len(d.subDevices)
	}
	return 1
}

// MakeResident makes allocs resident on this device
func (d *Device) MakeResident(allocs ...*graphics.Allocation) OperationStatus {
	return d.memoryOperations.MakeResident(d, allocs)
}

// Evict removes alloc from this device's resident set
func (d *Device) Evict(alloc *graphics.Allocation) OperationStatus {
	return d.memoryOperations.Evict(d, alloc)
}

// ForEach calls visit for the device itself and then every sub-device
func (d *Device) ForEach(visit func(dev *Device)) {
	visit(d)
	for _, sub := range d.subDevices {
		visit(sub)
	}
}
