package metadata

import (
	"github.com/levelzero/usm/memutils"
	"github.com/pkg/errors"
)

// GranularityCheck lets the consumer of a BlockMetadata impose page requirements on the ranges it
// hands out.
type GranularityCheck interface {
	// RoundUpAllocRequest adjusts a requested size and alignment before a free region is searched
	RoundUpAllocRequest(allocSize int, allocAlignment uint) (int, uint)
	// CheckConflictAndAlignUp moves allocOffset up to satisfy the granularity and reports whether
	// the range still fits in the region at regionOffset
	CheckConflictAndAlignUp(allocOffset, allocSize, regionOffset, regionSize int) (int, bool)

	StartValidation() any
	Validate(ctx any, offset, size int) error
	FinishValidation(ctx any) error
}

// NoGranularity is a GranularityCheck that imposes nothing
type NoGranularity struct{}

var _ GranularityCheck = NoGranularity{}

func (NoGranularity) RoundUpAllocRequest(allocSize int, allocAlignment uint) (int, uint) {
	return allocSize, allocAlignment
}

func (NoGranularity) CheckConflictAndAlignUp(allocOffset, allocSize, regionOffset, regionSize int) (int, bool) {
	return allocOffset, allocOffset+allocSize <= regionOffset+regionSize
}

func (NoGranularity) StartValidation() any                   { return nil }
func (NoGranularity) Validate(ctx any, offset, size int) error { return nil }
func (NoGranularity) FinishValidation(ctx any) error         { return nil }

// PageGranularity rounds every range to whole pages, which is what a GPU virtual address heap
// requires: two allocations may never share a page table entry.
type PageGranularity struct {
	PageSize int
}

var _ GranularityCheck = PageGranularity{}

func (g PageGranularity) RoundUpAllocRequest(allocSize int, allocAlignment uint) (int, uint) {
	allocSize = memutils.AlignUp(allocSize, g.PageSize)
	if allocAlignment < uint(g.PageSize) {
		allocAlignment = uint(g.PageSize)
	}
	return allocSize, allocAlignment
}

func (g PageGranularity) CheckConflictAndAlignUp(allocOffset, allocSize, regionOffset, regionSize int) (int, bool) {
	allocOffset = memutils.AlignUp(allocOffset, g.PageSize)
	return allocOffset, allocOffset+allocSize <= regionOffset+regionSize
}

func (g PageGranularity) StartValidation() any {
	return nil
}

func (g PageGranularity) Validate(ctx any, offset, size int) error {
	if !memutils.IsAligned(offset, g.PageSize) {
		return errors.Errorf("range at offset %d is not aligned to the %d byte page size", offset, g.PageSize)
	}
	if !memutils.IsAligned(size, g.PageSize) {
		return errors.Errorf("range at offset %d has size %d, which is not a whole number of pages", offset, size)
	}

	return nil
}

func (g PageGranularity) FinishValidation(ctx any) error {
	return nil
}
