package metadata

// AllocationRequest is returned from BlockMetadata.CreateAllocationRequest and indicates where
// the metadata intends to place a new range. It is committed with BlockMetadata.Alloc.
type AllocationRequest struct {
	// BlockAllocationHandle identifies the region the range will be carved from. After a successful
	// Alloc it identifies the new allocation.
	BlockAllocationHandle BlockAllocationHandle
	// Size is the total size of the range, which may be larger than what was originally requested
	Size int
	// Offset is the aligned offset of the range within the block
	Offset int
}
