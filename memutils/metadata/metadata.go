package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/levelzero/usm/memutils"
)

// BlockMetadata manages the ranges of a single contiguous span of address space. The span
// is usually a GPU virtual address heap or a pooled USM chunk; the metadata only tracks offsets
// and never touches the memory behind them.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. size is the number of bytes in the
	// span being managed.
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks may be expensive.
	// When the implementation is functioning correctly, it should not be possible for this method to
	// return an error.
	Validate() error
	// AllocationCount returns the number of ranges currently handed out
	AllocationCount() int
	// FreeRegionsCount returns the number of distinct free regions in the block. Adjacent free
	// regions are always merged, so this is also the fragmentation count.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes in the block
	SumFreeSize() int
	// IsEmpty will return true if this block has no live ranges
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each allocated and free region in
	// the block, from the highest offset to the lowest.
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error

	// AllocationOffset returns the offset in bytes within the block for a live region
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationSize returns the size in bytes of a live region
	AllocationSize(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData returns the userData value provided to Alloc for a live allocation
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)

	// AddDetailedStatistics sums this block's statistics into stats
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's statistics into stats
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations
	Clear()
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json *jwriter.ObjectState)

	// CreateAllocationRequest retrieves an AllocationRequest indicating where the implementation
	// would place a range of allocSize bytes aligned to at least allocAlignment. The boolean return
	// is false when no free region can hold the range. The request is committed with Alloc.
	CreateAllocationRequest(allocSize int, allocAlignment uint, strategy AllocationStrategy) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest. The implementation must return an error if the request
	// is no longer valid.
	Alloc(request AllocationRequest, userData any) error

	// Free returns a live range to the free regions, merging it with free neighbours
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations.
type BlockMetadataBase struct {
	size               int
	granularityHandler GranularityCheck
}

// NewBlockMetadata creates a new BlockMetadataBase from a granularity handler. If the address space
// has no page requirements, use NoGranularity.
func NewBlockMetadata(granularityHandler GranularityCheck) BlockMetadataBase {
	return BlockMetadataBase{
		size:               0,
		granularityHandler: granularityHandler,
	}
}

// Init sizes the block in bytes
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

func (m *BlockMetadataBase) writeJsonHeader(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
