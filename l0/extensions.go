package l0

import (
	"github.com/levelzero/usm/ze"
)

// Extension is one link of a descriptor's extension chain. The set of extensions is closed: only
// the types in this file implement it. Chains are walked in order, and every call site accepts
// only the extensions that mean something to it.
type Extension interface {
	extension()
}

// ExportMemoryDesc marks an allocation as exportable as the given OS handle kinds
type ExportMemoryDesc struct {
	Flags ze.ExternalMemoryTypeFlags
}

// RaytracingMemDesc asks for an allocation addressable with 48 bits
type RaytracingMemDesc struct {
	Flags uint32
}

// RelaxedAllocationLimitsDesc lifts the single allocation ceiling when it carries
// ze.RelaxedAllocationLimitsMaxSize
type RelaxedAllocationLimitsDesc struct {
	Flags ze.RelaxedAllocationLimitsFlags
}

// MemoryCompressionHintsDesc requests or refuses compression
type MemoryCompressionHintsDesc struct {
	Flags ze.MemoryCompressionHintsFlags
}

// ExternalMemoryImportFd makes a device allocation import a file descriptor instead of allocating
type ExternalMemoryImportFd struct {
	Flags ze.ExternalMemoryTypeFlags
	Fd    int
}

// ExternalMemoryImportWin32 makes a device allocation import an NT handle instead of allocating
type ExternalMemoryImportWin32 struct {
	Flags  ze.ExternalMemoryTypeFlags
	Handle uint64
}

// ExternalMemmapSysmemDesc backs a host allocation with memory the application already owns
type ExternalMemmapSysmemDesc struct {
	SystemMemory uint64
	Size         uint64
}

// ExternalMemoryExportFd receives the file descriptor of an allocation from GetMemAllocProperties
type ExternalMemoryExportFd struct {
	Flags ze.ExternalMemoryTypeFlags
	Fd    int
}

// ExternalMemoryExportWin32 receives the NT handle of an allocation from GetMemAllocProperties
type ExternalMemoryExportWin32 struct {
	Flags  ze.ExternalMemoryTypeFlags
	Handle uint64
}

// SubAllocation is the range one tile of an allocation covers
type SubAllocation struct {
	Base uint64
	Size uint64
}

// MemorySubAllocationsProperties receives the per-tile ranges of an allocation. Count is the
// capacity of SubAllocations on input and the number of tiles on output; a nil SubAllocations
// only queries the count.
type MemorySubAllocationsProperties struct {
	Count          *uint32
	SubAllocations []SubAllocation
}

// IpcMemHandleTypeDesc selects the flavour of IPC handle
type IpcMemHandleTypeDesc struct {
	TypeFlags ze.IpcMemHandleTypeFlags
}

func (*ExportMemoryDesc) extension()               {}
func (*RaytracingMemDesc) extension()              {}
func (*RelaxedAllocationLimitsDesc) extension()    {}
func (*MemoryCompressionHintsDesc) extension()     {}
func (*ExternalMemoryImportFd) extension()         {}
func (*ExternalMemoryImportWin32) extension()      {}
func (*ExternalMemmapSysmemDesc) extension()       {}
func (*ExternalMemoryExportFd) extension()         {}
func (*ExternalMemoryExportWin32) extension()      {}
func (*MemorySubAllocationsProperties) extension() {}
func (*IpcMemHandleTypeDesc) extension()           {}

// allocExtensions is what an allocation's extension chains asked for
type allocExtensions struct {
	export      *ExportMemoryDesc
	raytracing  *RaytracingMemDesc
	relaxed     *RelaxedAllocationLimitsDesc
	compression *MemoryCompressionHintsDesc
	importFd    *ExternalMemoryImportFd
	importWin32 *ExternalMemoryImportWin32
	sysmem      *ExternalMemmapSysmemDesc
}

func parseAllocExtensions(chains ...[]Extension) (allocExtensions, error) {
	var out allocExtensions

	for _, chain := range chains {
		for _, ext := range chain {
			switch e := ext.(type) {
			case nil:
			case *ExportMemoryDesc:
				out.export = e
			case *RaytracingMemDesc:
				out.raytracing = e
			case *RelaxedAllocationLimitsDesc:
				out.relaxed = e
			case *MemoryCompressionHintsDesc:
				out.compression = e
			case *ExternalMemoryImportFd:
				out.importFd = e
			case *ExternalMemoryImportWin32:
				out.importWin32 = e
			case *ExternalMemmapSysmemDesc:
				out.sysmem = e
			default:
				return out, ze.ResultErrorUnsupportedEnumeration.Errorf("%T is not an allocation extension", ext)
			}
		}
	}

	return out, nil
}

// sizeRequestFlags returns whether the relaxed limits extension is attached and its flags
func (e allocExtensions) sizeRequestFlags() (bool, ze.RelaxedAllocationLimitsFlags) {
	if e.relaxed == nil {
		return false, 0
	}
	return true, e.relaxed.Flags
}

func (e allocExtensions) compressed() bool {
	return e.compression != nil && e.compression.Flags&ze.MemoryCompressionHintsCompressed != 0
}
