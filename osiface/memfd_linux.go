//go:build linux

package osiface

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/sys/unix"
)

// Memfd is a Primitive whose exported handles are real file descriptors backed by memfd files.
// Descriptors can cross process boundaries through SCM_RIGHTS or pidfd_getfd, and a received
// descriptor is matched back to its buffer object by inode.
type Memfd struct {
	buffers bufferTable

	mutex   sync.Mutex
	backing *swiss.Map[BufferObject, int]
	inodes  *swiss.Map[uint64, BufferObject]
}

var _ Primitive = &Memfd{}

func NewMemfd() (*Memfd, error) {
	return &Memfd{
		buffers: newBufferTable(),
		backing: swiss.NewMap[BufferObject, int](16),
		inodes:  swiss.NewMap[uint64, BufferObject](16),
	}, nil
}

func (m *Memfd) Kind() HandleKind { return HandleKindFd }

func (m *Memfd) CreateBuffer(size uint64) (BufferObject, error) {
	return m.buffers.create(size), nil
}

func (m *Memfd) DestroyBuffer(bo BufferObject) error {
	released, err := m.buffers.release(bo)
	if err != nil || !released {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	fd, ok := m.backing.Get(bo)
	if !ok {
		return nil
	}
	m.backing.Delete(bo)

	var stat unix.Stat_t
	if unix.Fstat(fd, &stat) == nil {
		m.inodes.Delete(stat.Ino)
	}
	return unix.Close(fd)
}

func (m *Memfd) BufferSize(bo BufferObject) (uint64, error) {
	return m.buffers.size(bo)
}

func (m *Memfd) backingFd(bo BufferObject) (int, error) {
	size, err := m.buffers.size(bo)
	if err != nil {
		return -1, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	fd, ok := m.backing.Get(bo)
	if ok {
		return fd, nil
	}

	fd, err = unix.MemfdCreate("usm-bo", unix.MFD_CLOEXEC)
	if err != nil {
		return -1, errors.Wrap(err, "memfd_create")
	}
	err = unix.Ftruncate(fd, int64(size))
	if err != nil {
		_ = unix.Close(fd)
		return -1, errors.Wrap(err, "ftruncate")
	}

	var stat unix.Stat_t
	err = unix.Fstat(fd, &stat)
	if err != nil {
		_ = unix.Close(fd)
		return -1, errors.Wrap(err, "fstat")
	}

	m.backing.Put(bo, fd)
	m.inodes.Put(stat.Ino, bo)
	return fd, nil
}

func (m *Memfd) Export(bo BufferObject) (Handle, error) {
	fd, err := m.backingFd(bo)
	if err != nil {
		return 0, errors.Wrap(ErrExportFailed, err.Error())
	}

	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return 0, errors.Wrapf(ErrExportFailed, "dup: %v", err)
	}
	return Handle(dup), nil
}

func (m *Memfd) Import(handle Handle) (BufferObject, error) {
	var stat unix.Stat_t
	err := unix.Fstat(int(handle), &stat)
	if err != nil {
		return 0, errors.Wrapf(ErrImportFailed, "fstat of fd %d: %v", handle, err)
	}

	m.mutex.Lock()
	bo, known := m.inodes.Get(stat.Ino)
	m.mutex.Unlock()

	if known {
		err = m.buffers.reference(bo)
		if err != nil {
			return 0, errors.Wrap(ErrImportFailed, err.Error())
		}
		return bo, nil
	}

	// A descriptor from another process: adopt a duplicate as the backing file of a new buffer
	dup, err := unix.FcntlInt(uintptr(handle), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return 0, errors.Wrapf(ErrImportFailed, "dup: %v", err)
	}

	bo = m.buffers.create(uint64(stat.Size))

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.backing.Put(bo, dup)
	m.inodes.Put(stat.Ino, bo)
	return bo, nil
}

func (m *Memfd) Close(handle Handle) error {
	err := unix.Close(int(handle))
	if err != nil {
		return errors.Wrapf(ErrUnknownHandle, "close fd %d: %v", handle, err)
	}
	return nil
}

func (m *Memfd) DuplicateFromProcess(pid int, handle Handle) (Handle, error) {
	fd, err := DuplicateFd(pid, int(handle))
	if err != nil {
		return 0, err
	}
	return Handle(fd), nil
}

// DuplicateFd copies descriptor fd out of process pid with pidfd_getfd
func DuplicateFd(pid int, fd int) (int, error) {
	pidfd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		if errors.Is(err, unix.ENOSYS) {
			return -1, errors.Wrap(ErrUnsupported, "pidfd_open")
		}
		return -1, errors.Wrapf(ErrDuplicateFailed, "pidfd_open(%d): %v", pid, err)
	}
	defer unix.Close(pidfd)

	dup, err := unix.PidfdGetfd(pidfd, fd, 0)
	if err != nil {
		if errors.Is(err, unix.ENOSYS) {
			return -1, errors.Wrap(ErrUnsupported, "pidfd_getfd")
		}
		return -1, errors.Wrapf(ErrDuplicateFailed, "pidfd_getfd(%d, %d): %v", pid, fd, err)
	}
	return dup, nil
}
