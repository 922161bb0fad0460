// Package osiface is the boundary to the kernel-mode driver: buffer objects, and exporting them
// as transferable OS handles and importing them back.
package osiface

import (
	"github.com/cockroachdb/errors"
)

//go:generate go tool stringer -type=HandleKind -trimprefix=HandleKind

// HandleKind is the flavour of OS handle produced by a Primitive
type HandleKind uint8

const (
	// HandleKindFd is a POSIX file descriptor (a dma-buf on Linux)
	HandleKindFd HandleKind = iota
	// HandleKindNT is a Windows kernel object handle
	HandleKindNT
)

// Handle is an exported OS handle value
type Handle uint64

// BufferObject identifies a kernel-mode buffer that backs one tile of an allocation
type BufferObject uint32

var (
	ErrExportFailed    = errors.New("failed to export buffer object")
	ErrImportFailed    = errors.New("failed to import OS handle")
	ErrUnknownBuffer   = errors.New("unknown buffer object")
	ErrUnknownHandle   = errors.New("unknown OS handle")
	ErrOutOfMemory     = errors.New("kernel buffer creation failed")
	ErrUnsupported     = errors.New("operation not supported on this platform")
	ErrDuplicateFailed = errors.New("failed to duplicate handle from another process")
)

//go:generate go run go.uber.org/mock/mockgen -destination ../internal/mocks/primitive.go -package mocks github.com/levelzero/usm/osiface Primitive

// Primitive is the opaque per-OS export/import surface. Implementations must be safe for concurrent use.
type Primitive interface {
	// Kind reports the handle flavour produced by Export
	Kind() HandleKind

	// CreateBuffer creates a kernel buffer of size bytes
	CreateBuffer(size uint64) (BufferObject, error)
	// DestroyBuffer drops one reference to bo, releasing it with the last reference
	DestroyBuffer(bo BufferObject) error
	// BufferSize reports the size the buffer was created with
	BufferSize(bo BufferObject) (uint64, error)

	// Export creates a new OS handle referring to bo
	Export(bo BufferObject) (Handle, error)
	// Import resolves an OS handle to a buffer object, adding a reference to it
	Import(handle Handle) (BufferObject, error)
	// Close releases an OS handle produced by Export or DuplicateFromProcess
	Close(handle Handle) error
	// DuplicateFromProcess makes a handle owned by process pid usable in this process
	DuplicateFromProcess(pid int, handle Handle) (Handle, error)
}
