package osiface

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

// Simulated is an in-process model of the kernel driver. Handles live in a single namespace, so
// two drivers sharing one Simulated behave like two processes exchanging handles.
type Simulated struct {
	kind    HandleKind
	buffers bufferTable

	mutex      sync.Mutex
	nextHandle Handle
	handles    *swiss.Map[Handle, BufferObject]

	failCreate atomic.Bool
	failExport atomic.Bool
	failImport atomic.Bool
	exports    atomic.Int64
}

var _ Primitive = &Simulated{}

func NewSimulated(kind HandleKind) *Simulated {
	return &Simulated{
		kind:       kind,
		buffers:    newBufferTable(),
		nextHandle: 100,
		handles:    swiss.NewMap[Handle, BufferObject](16),
	}
}

// SetCreateFailure makes CreateBuffer fail until it is reset
func (s *Simulated) SetCreateFailure(fail bool) { s.failCreate.Store(fail) }

// SetExportFailure makes Export fail until it is reset
func (s *Simulated) SetExportFailure(fail bool) { s.failExport.Store(fail) }

// SetImportFailure makes Import fail until it is reset
func (s *Simulated) SetImportFailure(fail bool) { s.failImport.Store(fail) }

// ExportCount is the number of successful Export calls
func (s *Simulated) ExportCount() int { return int(s.exports.Load()) }

// LiveBuffers is the number of buffers with at least one reference
func (s *Simulated) LiveBuffers() int { return s.buffers.count() }

// OpenHandles is the number of handles that have not been closed
func (s *Simulated) OpenHandles() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.handles.Count()
}

func (s *Simulated) Kind() HandleKind { return s.kind }

func (s *Simulated) CreateBuffer(size uint64) (BufferObject, error) {
	if s.failCreate.Load() {
		return 0, errors.Wrapf(ErrOutOfMemory, "size %d", size)
	}
	return s.buffers.create(size), nil
}

func (s *Simulated) DestroyBuffer(bo BufferObject) error {
	_, err := s.buffers.release(bo)
	return err
}

func (s *Simulated) BufferSize(bo BufferObject) (uint64, error) {
	return s.buffers.size(bo)
}

func (s *Simulated) newHandle(bo BufferObject) Handle {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.nextHandle++
	s.handles.Put(s.nextHandle, bo)
	return s.nextHandle
}

func (s *Simulated) Export(bo BufferObject) (Handle, error) {
	if s.failExport.Load() {
		return 0, errors.Wrapf(ErrExportFailed, "buffer object %d", bo)
	}
	if _, err := s.buffers.size(bo); err != nil {
		return 0, errors.Wrap(ErrExportFailed, err.Error())
	}

	s.exports.Add(1)
	return s.newHandle(bo), nil
}

func (s *Simulated) lookup(handle Handle) (BufferObject, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.handles.Get(handle)
}

func (s *Simulated) Import(handle Handle) (BufferObject, error) {
	if s.failImport.Load() {
		return 0, errors.Wrapf(ErrImportFailed, "handle %d", handle)
	}

	bo, ok := s.lookup(handle)
	if !ok {
		return 0, errors.Wrapf(ErrUnknownHandle, "handle %d", handle)
	}

	err := s.buffers.reference(bo)
	if err != nil {
		return 0, errors.Wrap(ErrImportFailed, err.Error())
	}
	return bo, nil
}

func (s *Simulated) Close(handle Handle) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.handles.Delete(handle) {
		return errors.Wrapf(ErrUnknownHandle, "handle %d", handle)
	}
	return nil
}

func (s *Simulated) DuplicateFromProcess(pid int, handle Handle) (Handle, error) {
	bo, ok := s.lookup(handle)
	if !ok {
		return 0, errors.Wrapf(ErrDuplicateFailed, "handle %d of process %d", handle, pid)
	}
	return s.newHandle(bo), nil
}
