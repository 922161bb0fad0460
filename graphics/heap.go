package graphics

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/levelzero/usm/memutils"
	"github.com/levelzero/usm/memutils/metadata"
)

// ErrOutOfMemory is returned when a heap has no range large enough for a request
var ErrOutOfMemory = errors.New("out of memory")

// Heap is a span of GPU virtual address space carved up with a TLSF range allocator. It is not
// safe for concurrent use.
type Heap struct {
	name     string
	base     uint64
	pageSize int
	meta     *metadata.TLSFBlockMetadata
}

func NewHeap(name string, base, size uint64, pageSize int) *Heap {
	meta := metadata.NewTLSFBlockMetadata(metadata.PageGranularity{PageSize: pageSize})
	meta.Init(int(size))

	return &Heap{
		name:     name,
		base:     base,
		pageSize: pageSize,
		meta:     meta,
	}
}

func (h *Heap) Name() string { return h.name }
func (h *Heap) Base() uint64 { return h.base }
func (h *Heap) Size() uint64 { return uint64(h.meta.Size()) }
func (h *Heap) FreeBytes() uint64 { return uint64(h.meta.SumFreeSize()) }

// Contains reports whether address lies inside the heap
func (h *Heap) Contains(address uint64) bool {
	return address >= h.base && address < h.base+h.Size()
}

// Allocate reserves size bytes aligned to alignment and returns the address of the range
func (h *Heap) Allocate(size uint64, alignment uint64, strategy metadata.AllocationStrategy) (uint64, metadata.BlockAllocationHandle, error) {
	if alignment == 0 {
		alignment = uint64(h.pageSize)
	}

	success, req, err := h.meta.CreateAllocationRequest(int(size), uint(alignment), strategy)
	if err != nil {
		return 0, metadata.NoAllocation, err
	}
	if !success {
		return 0, metadata.NoAllocation, errors.Wrapf(ErrOutOfMemory, "heap %s cannot fit %d bytes", h.name, size)
	}

	err = h.meta.Alloc(req, nil)
	if err != nil {
		return 0, metadata.NoAllocation, err
	}

	return h.base + uint64(req.Offset), req.BlockAllocationHandle, nil
}

// Free returns a range produced by Allocate
func (h *Heap) Free(handle metadata.BlockAllocationHandle) error {
	return h.meta.Free(handle)
}

func (h *Heap) AddStatistics(stats *memutils.Statistics) {
	h.meta.AddStatistics(stats)
}

func (h *Heap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	h.meta.AddDetailedStatistics(stats)
}

// WriteJSON populates a json object describing the heap
func (h *Heap) WriteJSON(json *jwriter.ObjectState) {
	json.Name("Name").String(h.name)
	json.Name("Base").Int(int(h.base))
	h.meta.BlockJsonData(json)
}
