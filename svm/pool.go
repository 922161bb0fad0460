package svm

import (
	"github.com/cockroachdb/errors"
	"github.com/levelzero/usm/device"
	"github.com/levelzero/usm/graphics"
	"github.com/levelzero/usm/memutils"
	"github.com/levelzero/usm/memutils/metadata"
	"github.com/levelzero/usm/ze"
)

// PoolMinAlignment is the smallest alignment of a pooled allocation
const PoolMinAlignment = 64

// Pool sub-allocates small USM allocations from one large graphics allocation per root device
type Pool struct {
	kind   ze.MemoryType
	device *device.Device
	base   uint64
	size   uint64

	chunk []*graphics.Allocation
	meta  *metadata.TLSFBlockMetadata
}

func newPool(kind ze.MemoryType, dev *device.Device, chunk []*graphics.Allocation, size uint64) *Pool {
	meta := metadata.NewTLSFBlockMetadata(metadata.NoGranularity{})
	meta.Init(int(size))

	return &Pool{
		kind:   kind,
		device: dev,
		base:   chunk[0].GPUAddress(),
		size:   size,
		chunk:  chunk,
		meta:   meta,
	}
}

func (p *Pool) Kind() ze.MemoryType { return p.kind }
func (p *Pool) Device() *device.Device { return p.device }
func (p *Pool) Base() uint64 { return p.base }
func (p *Pool) Size() uint64 { return p.size }

// Contains reports whether ptr lies inside the pool's backing allocation
func (p *Pool) Contains(ptr uint64) bool {
	return ptr >= p.base && ptr < p.base+p.size
}

// allocate finds room for size bytes. It reports false when the pool is full.
func (p *Pool) allocate(size, alignment uint64) (uint64, metadata.BlockAllocationHandle, bool, error) {
	if alignment < PoolMinAlignment {
		alignment = PoolMinAlignment
	}
	size = memutils.AlignUp(size, PoolMinAlignment)

	success, req, err := p.meta.CreateAllocationRequest(int(size), uint(alignment), metadata.AllocationStrategyMinTime)
	if err != nil || !success {
		return 0, metadata.NoAllocation, false, err
	}

	err = p.meta.Alloc(req, nil)
	if err != nil {
		return 0, metadata.NoAllocation, false, err
	}

	return uint64(req.Offset), req.BlockAllocationHandle, true, nil
}

func (p *Pool) free(handle metadata.BlockAllocationHandle) error {
	return errors.Wrap(p.meta.Free(handle), "free pooled allocation")
}

func (p *Pool) isEmpty() bool { return p.meta.IsEmpty() }

// PoolStatistics is the usage of one USM pool
type PoolStatistics struct {
	Kind            ze.MemoryType
	RootDeviceIndex uint32
	Statistics      memutils.DetailedStatistics
}

func (p *Pool) statistics() PoolStatistics {
	stats := PoolStatistics{Kind: p.kind}
	if p.device != nil {
		stats.RootDeviceIndex = p.device.RootDeviceIndex()
	}
	stats.Statistics.Clear()
	p.meta.AddDetailedStatistics(&stats.Statistics)
	return stats
}
