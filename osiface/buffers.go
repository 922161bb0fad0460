package osiface

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

type buffer struct {
	size uint64
	refs int
}

// bufferTable is the reference counted buffer object namespace shared by the primitives
type bufferTable struct {
	mutex   sync.Mutex
	next    BufferObject
	buffers *swiss.Map[BufferObject, *buffer]
}

func newBufferTable() bufferTable {
	return bufferTable{
		buffers: swiss.NewMap[BufferObject, *buffer](16),
	}
}

func (t *bufferTable) create(size uint64) BufferObject {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.next++
	t.buffers.Put(t.next, &buffer{size: size, refs: 1})
	return t.next
}

func (t *bufferTable) reference(bo BufferObject) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	b, ok := t.buffers.Get(bo)
	if !ok {
		return errors.Wrapf(ErrUnknownBuffer, "buffer object %d", bo)
	}
	b.refs++
	return nil
}

func (t *bufferTable) release(bo BufferObject) (bool, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	b, ok := t.buffers.Get(bo)
	if !ok {
		return false, errors.Wrapf(ErrUnknownBuffer, "buffer object %d", bo)
	}
	b.refs--
	if b.refs > 0 {
		return false, nil
	}
	t.buffers.Delete(bo)
	return true, nil
}

func (t *bufferTable) size(bo BufferObject) (uint64, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	b, ok := t.buffers.Get(bo)
	if !ok {
		return 0, errors.Wrapf(ErrUnknownBuffer, "buffer object %d", bo)
	}
	return b.size, nil
}

func (t *bufferTable) count() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.buffers.Count()
}
