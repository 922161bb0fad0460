package driver

import (
	"github.com/hashicorp/go-multierror"
	"github.com/levelzero/usm/device"
	"github.com/levelzero/usm/graphics"
	"github.com/levelzero/usm/osiface"
	"github.com/levelzero/usm/peer"
	"github.com/levelzero/usm/svm"
	"github.com/levelzero/usm/ze"
	"golang.org/x/exp/slog"
)

// IsRemoteResourceNeeded reports whether dev needs a peer mirror to use the memory of data:
// whenever the directly addressable allocation is missing or belongs to another device
func (d *Driver) IsRemoteResourceNeeded(candidate *graphics.Allocation, data *svm.AllocationData, dev *device.Device) bool {
	return candidate == nil || data == nil || data.Device != dev
}

// GetPeerAllocation returns the mirror of data on dev, creating it on first use, and the address
// of ptr inside the mirror. No mirror is cached when creation fails.
func (d *Driver) GetPeerAllocation(dev *device.Device, data *svm.AllocationData, ptr uint64) (*graphics.Allocation, uint64, error) {
	if !data.Contains(ptr) {
		return nil, 0, ze.ResultErrorInvalidArgument.Errorf("pointer %#x is outside the allocation at %#x", ptr, data.Base)
	}

	entry, created, err := dev.Peers().GetOrCreate(data.Base, func() (peer.Entry, error) {
		return d.createPeer(dev, data)
	})
	if err != nil {
		d.logger.Debug("Driver::GetPeerAllocation failed",
			slog.Uint64("base", data.Base),
			slog.Int("rootDeviceIndex", int(dev.RootDeviceIndex())),
			slog.Any("error", err))
		return nil, 0, err
	}

	if created {
		d.logger.Debug("Driver::GetPeerAllocation created mirror",
			slog.Uint64("base", data.Base),
			slog.Uint64("peerAddress", entry.GPUAddress),
			slog.Int("rootDeviceIndex", int(dev.RootDeviceIndex())))
	}

	return entry.Allocation, entry.GPUAddress + (ptr - data.Base), nil
}

// createPeer exports every tile of the origin allocation and imports the handles on dev's root
// device
func (d *Driver) createPeer(dev *device.Device, data *svm.AllocationData) (peer.Entry, error) {
	origin := data.DefaultAllocation()
	if origin == nil || origin.NumHandles() == 0 {
		return peer.Entry{}, ze.ResultErrorInvalidArgument.Errorf("allocation at %#x has no memory to share", data.Base)
	}

	var handles []osiface.Handle
	defer func() {
		for _, handle := range handles {
			_ = d.primitive.Close(handle)
		}
	}()

	for tile := 0; tile < origin.NumHandles(); tile++ {
		handle, err := d.primitive.Export(origin.BufferObject(tile))
		if err != nil {
			return peer.Entry{}, ze.ResultErrorOutOfDeviceMemory.Errorf("export tile %d of %#x: %v", tile, data.Base, err)
		}
		handles = append(handles, handle)
	}

	mirror, err := d.mm.CreateFromSharedHandles(handles, graphics.ImportProperties{
		Type:            graphics.AllocationTypeSharedBuffer,
		RootDeviceIndex: dev.RootDeviceIndex(),
	})
	if err != nil {
		return peer.Entry{}, ze.ResultErrorOutOfDeviceMemory.Errorf("import of %#x on root device %d: %v", data.Base, dev.RootDeviceIndex(), err)
	}

	return peer.Entry{Allocation: mirror, GPUAddress: mirror.GPUAddress() + data.PoolOffset()}, nil
}

// GetPeerImageAllocation returns the mirror of an image allocation on dev. The mirror is made from
// the image's internal handle; nil is returned when the handle or the import is unavailable.
// Image mirrors are cached apart from buffer mirrors.
func (d *Driver) GetPeerImageAllocation(dev *device.Device, image *graphics.Allocation) *graphics.Allocation {
	entry, _, err := dev.ImagePeers().GetOrCreate(image.GPUAddress(), func() (peer.Entry, error) {
		handle, err := d.mm.PeekInternalHandle(image, 0)
		if err != nil {
			return peer.Entry{}, err
		}

		mirror, err := d.mm.CreateFromSharedHandle(handle, graphics.ImportProperties{
			Type:            graphics.AllocationTypeImage,
			RootDeviceIndex: dev.RootDeviceIndex(),
		})
		if err != nil {
			return peer.Entry{}, err
		}
		return peer.Entry{Allocation: mirror, GPUAddress: mirror.GPUAddress()}, nil
	})
	if err != nil {
		d.logger.Debug("Driver::GetPeerImageAllocation failed",
			slog.Uint64("gpuAddress", image.GPUAddress()),
			slog.Any("error", err))
		return nil
	}

	return entry.Allocation
}

// RemovePeerAllocations frees the mirrors of origin on every device
func (d *Driver) RemovePeerAllocations(origin uint64) error {
	var result *multierror.Error

	d.forEachDevice(func(dev *device.Device) {
		entry, ok := dev.Peers().Remove(origin)
		if !ok {
			return
		}
		result = multierror.Append(result, d.mm.Free(entry.Allocation))
	})

	return result.ErrorOrNil()
}

// RemovePeerImageAllocations frees the mirrors of image on every device
func (d *Driver) RemovePeerImageAllocations(image *graphics.Allocation) error {
	var result *multierror.Error

	d.forEachDevice(func(dev *device.Device) {
		entry, ok := dev.ImagePeers().Remove(image.GPUAddress())
		if !ok {
			return
		}
		result = multierror.Append(result, d.mm.Free(entry.Allocation))
	})

	return result.ErrorOrNil()
}

// AlignedAllocationData is what a command list binds for a pointer argument
type AlignedAllocationData struct {
	// AlignedPtr is the GPU address of the pointer rounded down to the command streamer's
	// granularity
	AlignedPtr uint64
	// Offset is the distance from AlignedPtr to the pointer
	Offset uint64
	// Allocation is the memory to make resident, nil when a needed peer mirror could not be made
	Allocation *graphics.Allocation
	// Peer is set when Allocation is a mirror
	Peer bool
}

// allocationDataAlignment is the address alignment of pointer arguments
const allocationDataAlignment = 4

// GetAlignedAllocationData resolves ptr for use on dev, going through a peer mirror when the
// memory lives on another root device. It reports false for pointers that are not USM
// allocations.
func (d *Driver) GetAlignedAllocationData(dev *device.Device, ptr uint64) (AlignedAllocationData, bool) {
	data, ok := d.svm.Lookup(ptr)
	if !ok {
		return AlignedAllocationData{}, false
	}

	alloc := data.GPUAllocation(dev.RootDeviceIndex())
	address := ptr
	isPeer := false

	needsPeer := data.Kind == ze.MemoryTypeDevice && d.IsRemoteResourceNeeded(alloc, data, dev) &&
		(data.Device == nil || data.Device.RootDeviceIndex() != dev.RootDeviceIndex())
	if needsPeer {
		mirror, peerAddress, err := d.GetPeerAllocation(dev, data, ptr)
		if err != nil {
			mirror = nil
		}
		alloc = mirror
		address = peerAddress
		isPeer = true
	}

	aligned := address &^ uint64(allocationDataAlignment-1)
	return AlignedAllocationData{
		AlignedPtr: aligned,
		Offset:     address - aligned,
		Allocation: alloc,
		Peer:       isPeer,
	}, true
}
