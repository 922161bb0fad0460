package ze

import (
	"fmt"
	"math/bits"
	"strings"
)

//go:generate go tool stringer -type=MemoryType -linecomment

// MemoryType is the kind of a USM allocation as reported to callers
type MemoryType uint32

const (
	MemoryTypeUnknown MemoryType = iota // MEMORY_TYPE_UNKNOWN
	MemoryTypeHost                      // MEMORY_TYPE_HOST
	MemoryTypeDevice                    // MEMORY_TYPE_DEVICE
	MemoryTypeShared                    // MEMORY_TYPE_SHARED
)

// flagNames maps each single-bit value of a flag type to its name. Bits without a name are
// printed as hex.
type flagNames map[uint32]string

func (n flagNames) format(value uint32) string {
	if value == 0 {
		return "None"
	}

	var parts []string
	var unknown uint32
	for remaining := value; remaining != 0; {
		bit := uint32(1) << bits.TrailingZeros32(remaining)
		remaining &^= bit

		name, ok := n[bit]
		if ok {
			parts = append(parts, name)
		} else {
			unknown |= bit
		}
	}

	if unknown != 0 {
		parts = append(parts, fmt.Sprintf("%#x", unknown))
	}
	return strings.Join(parts, "|")
}

// DeviceMemAllocFlags are the placement hints of a device allocation descriptor
type DeviceMemAllocFlags uint32

const (
	DeviceMemAllocFlagBiasCached           DeviceMemAllocFlags = 1 << 0
	DeviceMemAllocFlagBiasUncached         DeviceMemAllocFlags = 1 << 1
	DeviceMemAllocFlagBiasInitialPlacement DeviceMemAllocFlags = 1 << 2
)

var deviceMemAllocFlagNames = flagNames{
	uint32(DeviceMemAllocFlagBiasCached):           "BiasCached",
	uint32(DeviceMemAllocFlagBiasUncached):         "BiasUncached",
	uint32(DeviceMemAllocFlagBiasInitialPlacement): "BiasInitialPlacement",
}

func (f DeviceMemAllocFlags) String() string { return deviceMemAllocFlagNames.format(uint32(f)) }

// HostMemAllocFlags are the placement hints of a host allocation descriptor
type HostMemAllocFlags uint32

const (
	HostMemAllocFlagBiasCached           HostMemAllocFlags = 1 << 0
	HostMemAllocFlagBiasUncached         HostMemAllocFlags = 1 << 1
	HostMemAllocFlagBiasWriteCombined    HostMemAllocFlags = 1 << 2
	HostMemAllocFlagBiasInitialPlacement HostMemAllocFlags = 1 << 3
	// HostMemAllocFlagUseHostPointer backs the allocation with caller-owned system memory
	// described by an ExternalMemmapSysmemExtDesc
	HostMemAllocFlagUseHostPointer HostMemAllocFlags = 1 << 30
)

var hostMemAllocFlagNames = flagNames{
	uint32(HostMemAllocFlagBiasCached):           "BiasCached",
	uint32(HostMemAllocFlagBiasUncached):         "BiasUncached",
	uint32(HostMemAllocFlagBiasWriteCombined):    "BiasWriteCombined",
	uint32(HostMemAllocFlagBiasInitialPlacement): "BiasInitialPlacement",
	uint32(HostMemAllocFlagUseHostPointer):       "UseHostPointer",
}

func (f HostMemAllocFlags) String() string { return hostMemAllocFlagNames.format(uint32(f)) }

// IpcMemoryFlags are passed when opening an IPC handle
type IpcMemoryFlags uint32

const (
	IpcMemoryFlagBiasCached   IpcMemoryFlags = 1 << 0
	IpcMemoryFlagBiasUncached IpcMemoryFlags = 1 << 1
)

var ipcMemoryFlagNames = flagNames{
	uint32(IpcMemoryFlagBiasCached):   "BiasCached",
	uint32(IpcMemoryFlagBiasUncached): "BiasUncached",
}

func (f IpcMemoryFlags) String() string { return ipcMemoryFlagNames.format(uint32(f)) }

// AtomicAttrFlags select which agents may perform atomics on a shared allocation
type AtomicAttrFlags uint32

const (
	AtomicAttrNoAtomics       AtomicAttrFlags = 1 << 0
	AtomicAttrNoDeviceAtomics AtomicAttrFlags = 1 << 1
	AtomicAttrDeviceAtomics   AtomicAttrFlags = 1 << 2
	AtomicAttrNoHostAtomics   AtomicAttrFlags = 1 << 3
	AtomicAttrHostAtomics     AtomicAttrFlags = 1 << 4
	AtomicAttrNoSystemAtomics AtomicAttrFlags = 1 << 5
	AtomicAttrSystemAtomics   AtomicAttrFlags = 1 << 6

	atomicAttrAll = AtomicAttrNoAtomics | AtomicAttrNoDeviceAtomics | AtomicAttrDeviceAtomics |
		AtomicAttrNoHostAtomics | AtomicAttrHostAtomics | AtomicAttrNoSystemAtomics | AtomicAttrSystemAtomics
)

var atomicAttrFlagNames = flagNames{
	uint32(AtomicAttrNoAtomics):       "NoAtomics",
	uint32(AtomicAttrNoDeviceAtomics): "NoDeviceAtomics",
	uint32(AtomicAttrDeviceAtomics):   "DeviceAtomics",
	uint32(AtomicAttrNoHostAtomics):   "NoHostAtomics",
	uint32(AtomicAttrHostAtomics):     "HostAtomics",
	uint32(AtomicAttrNoSystemAtomics): "NoSystemAtomics",
	uint32(AtomicAttrSystemAtomics):   "SystemAtomics",
}

func (f AtomicAttrFlags) String() string { return atomicAttrFlagNames.format(uint32(f)) }

// Valid reports whether f only contains known attribute bits
func (f AtomicAttrFlags) Valid() bool {
	return f&^atomicAttrAll == 0
}

// ExternalMemoryTypeFlags name the OS handle kinds an allocation can be exported as or imported from
type ExternalMemoryTypeFlags uint32

const (
	ExternalMemoryTypeOpaqueFd       ExternalMemoryTypeFlags = 1 << 0
	ExternalMemoryTypeDmaBuf         ExternalMemoryTypeFlags = 1 << 1
	ExternalMemoryTypeOpaqueWin32    ExternalMemoryTypeFlags = 1 << 2
	ExternalMemoryTypeOpaqueWin32Kmt ExternalMemoryTypeFlags = 1 << 3
)

var externalMemoryTypeFlagNames = flagNames{
	uint32(ExternalMemoryTypeOpaqueFd):       "OpaqueFd",
	uint32(ExternalMemoryTypeDmaBuf):         "DmaBuf",
	uint32(ExternalMemoryTypeOpaqueWin32):    "OpaqueWin32",
	uint32(ExternalMemoryTypeOpaqueWin32Kmt): "OpaqueWin32Kmt",
}

func (f ExternalMemoryTypeFlags) String() string { return externalMemoryTypeFlagNames.format(uint32(f)) }

// RelaxedAllocationLimitsFlags opt an allocation out of the single-allocation ceiling
type RelaxedAllocationLimitsFlags uint32

const (
	RelaxedAllocationLimitsMaxSize RelaxedAllocationLimitsFlags = 1 << 0
)

// MemoryCompressionHintsFlags request or refuse compression for a device allocation
type MemoryCompressionHintsFlags uint32

const (
	MemoryCompressionHintsCompressed   MemoryCompressionHintsFlags = 1 << 0
	MemoryCompressionHintsUncompressed MemoryCompressionHintsFlags = 1 << 1
)

// IpcMemHandleTypeFlags select the IPC handle flavour produced by GetIpcMemHandleWithProperties
type IpcMemHandleTypeFlags uint32

const (
	IpcMemHandleTypeDefault          IpcMemHandleTypeFlags = 1 << 0
	IpcMemHandleTypeFabricAccessible IpcMemHandleTypeFlags = 1 << 1
)

// FreePolicyFlags select how FreeMemExt releases an allocation
type FreePolicyFlags uint32

const (
	FreePolicyBlockingFree FreePolicyFlags = 1 << 0
	FreePolicyDeferFree    FreePolicyFlags = 1 << 1
)

// MemoryAccessAttribute is the CPU-side access granted to a virtual memory mapping
type MemoryAccessAttribute uint32

const (
	MemoryAccessAttributeNone MemoryAccessAttribute = iota
	MemoryAccessAttributeReadWrite
	MemoryAccessAttributeReadOnly
)

// PhysicalMemFlags select where a physical memory object lives
type PhysicalMemFlags uint32

const (
	PhysicalMemFlagAllocateOnDevice PhysicalMemFlags = 1 << 0
	PhysicalMemFlagAllocateOnHost   PhysicalMemFlags = 1 << 1
)
