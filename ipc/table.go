package ipc

import (
	"github.com/dolthub/swiss"
	"github.com/hashicorp/go-multierror"
	"github.com/levelzero/usm/graphics"
	"github.com/levelzero/usm/internal/utils"
	"github.com/levelzero/usm/osiface"
	"github.com/levelzero/usm/ze"
	"golang.org/x/exp/slog"
)

// Record describes memory exported through an OS handle. Allocations placed in a pool share the
// pool's handle and are told apart by PoolOffset.
type Record struct {
	Handle     osiface.Handle
	Allocation *graphics.Allocation
	// Address is the pointer the handle was exported for
	Address    uint64
	PoolOffset uint64
	// Data is the IPC handle given to the application
	Data ze.IpcMemHandle
	// RefCount is the number of outstanding acquisitions
	RefCount int
}

// Key names one export: the OS handle and the offset of the exported memory behind it
type Key struct {
	Handle     osiface.Handle
	PoolOffset uint64
}

func (r Record) Key() Key {
	return Key{Handle: r.Handle, PoolOffset: r.PoolOffset}
}

type record struct {
	Record
	tokens []*Acquisition
}

// Acquisition is one reference to a tracked export
type Acquisition struct {
	table    *Table
	key      Key
	released bool
}

func (a *Acquisition) Handle() osiface.Handle { return a.key.Handle }

// Release drops the reference. Releasing twice does nothing.
func (a *Acquisition) Release() error {
	return a.table.releaseToken(a)
}

type TableCreateOptions struct {
	// OnRelease is called, outside the table lock, when the last export of an OS handle is
	// dropped. It is responsible for closing the OS handle.
	OnRelease func(rec Record) error
	UseMutex  bool
}

// Table maps exports to the allocations they were made from. An export goes away with its last
// Acquisition, and its OS handle is released once no export uses it.
type Table struct {
	logger  *slog.Logger
	mutex   utils.OptionalMutex
	records *swiss.Map[Key, *record]
	// handles lists the exports of each OS handle in the order they were made
	handles *swiss.Map[osiface.Handle, []Key]
	options TableCreateOptions
}

func NewTable(logger *slog.Logger, options TableCreateOptions) *Table {
	return &Table{
		logger:  logger,
		mutex:   utils.OptionalMutex{UseMutex: options.UseMutex},
		records: swiss.NewMap[Key, *record](16),
		handles: swiss.NewMap[osiface.Handle, []Key](16),
		options: options,
	}
}

// Acquire tracks an export, adding a record on first use and a reference on every call
func (t *Table) Acquire(rec Record) *Acquisition {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	key := rec.Key()
	existing, ok := t.records.Get(key)
	if !ok {
		existing = &record{Record: rec}
		t.records.Put(key, existing)

		keys, _ := t.handles.Get(rec.Handle)
		t.handles.Put(rec.Handle, append(keys, key))
	}

	token := &Acquisition{table: t, key: key}
	existing.tokens = append(existing.tokens, token)
	existing.RefCount = len(existing.tokens)

	t.logger.Debug("ipc::Table::Acquire",
		slog.Uint64("handle", uint64(rec.Handle)),
		slog.Uint64("poolOffset", rec.PoolOffset),
		slog.Int("refCount", existing.RefCount))

	return token
}

func (t *Table) finish(rec *record) error {
	if t.options.OnRelease == nil {
		return nil
	}
	return t.options.OnRelease(rec.Record)
}

// deleteLocked drops rec and reports whether it was the last export of its OS handle
func (t *Table) deleteLocked(rec *record) bool {
	for _, token := range rec.tokens {
		token.released = true
	}
	rec.tokens = nil
	rec.RefCount = 0

	key := rec.Key()
	t.records.Delete(key)

	keys, _ := t.handles.Get(rec.Handle)
	for i, candidate := range keys {
		if candidate == key {
			keys = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	if len(keys) > 0 {
		t.handles.Put(rec.Handle, keys)
		return false
	}

	t.handles.Delete(rec.Handle)
	return true
}

// removeTokenLocked drops token from its record. It returns the record when the OS handle has
// to be released, along with the references left on the export.
func (t *Table) removeTokenLocked(token *Acquisition) (*record, int) {
	if token.released {
		return nil, -1
	}
	token.released = true

	rec, ok := t.records.Get(token.key)
	if !ok {
		return nil, 0
	}

	for i, candidate := range rec.tokens {
		if candidate == token {
			rec.tokens = append(rec.tokens[:i], rec.tokens[i+1:]...)
			break
		}
	}
	rec.RefCount = len(rec.tokens)

	if rec.RefCount > 0 {
		return nil, rec.RefCount
	}

	if !t.deleteLocked(rec) {
		return nil, 0
	}
	return rec, 0
}

func (t *Table) releaseToken(token *Acquisition) error {
	t.mutex.Lock()
	finished, _ := t.removeTokenLocked(token)
	t.mutex.Unlock()

	if finished == nil {
		return nil
	}
	return t.finish(finished)
}

// Release drops the most recent reference to an export. It returns the references left and
// whether the export was tracked at all.
func (t *Table) Release(key Key) (int, bool, error) {
	t.mutex.Lock()
	rec, ok := t.records.Get(key)
	if !ok {
		t.mutex.Unlock()
		return 0, false, nil
	}

	finished, refCount := t.removeTokenLocked(rec.tokens[len(rec.tokens)-1])
	t.mutex.Unlock()

	t.logger.Debug("ipc::Table::Release",
		slog.Uint64("handle", uint64(key.Handle)),
		slog.Uint64("poolOffset", key.PoolOffset),
		slog.Int("refCount", refCount))

	if finished == nil {
		return refCount, true, nil
	}
	return 0, true, t.finish(finished)
}

func (t *Table) Lookup(key Key) (Record, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	rec, ok := t.records.Get(key)
	if !ok {
		return Record{}, false
	}
	return rec.Record, true
}

// LookupHandle returns the oldest live export of handle
func (t *Table) LookupHandle(handle osiface.Handle) (Record, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	keys, ok := t.handles.Get(handle)
	if !ok || len(keys) == 0 {
		return Record{}, false
	}

	rec, ok := t.records.Get(keys[0])
	if !ok {
		return Record{}, false
	}
	return rec.Record, true
}

// RemoveAllocation drops every export of alloc at poolOffset regardless of outstanding references
// and returns how many there were. OS handles still used by exports at other offsets stay open.
func (t *Table) RemoveAllocation(alloc *graphics.Allocation, poolOffset uint64) (int, error) {
	t.mutex.Lock()
	var removed []*record
	t.records.Iter(func(_ Key, rec *record) bool {
		if rec.Allocation == alloc && rec.PoolOffset == poolOffset {
			removed = append(removed, rec)
		}
		return false
	})

	var finished []*record
	for _, rec := range removed {
		if t.deleteLocked(rec) {
			finished = append(finished, rec)
		}
	}
	t.mutex.Unlock()

	var result *multierror.Error
	for _, rec := range finished {
		result = multierror.Append(result, t.finish(rec))
	}
	return len(removed), result.ErrorOrNil()
}

// Len is the number of tracked exports
func (t *Table) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.records.Count()
}

// Clear drops every export and releases every OS handle once
func (t *Table) Clear() error {
	t.mutex.Lock()
	var finished []*record
	t.handles.Iter(func(_ osiface.Handle, keys []Key) bool {
		rec, ok := t.records.Get(keys[0])
		if ok {
			finished = append(finished, rec)
		}
		return false
	})
	t.records.Iter(func(_ Key, rec *record) bool {
		for _, token := range rec.tokens {
			token.released = true
		}
		return false
	})
	t.records.Clear()
	t.handles.Clear()
	t.mutex.Unlock()

	var result *multierror.Error
	for _, rec := range finished {
		result = multierror.Append(result, t.finish(rec))
	}
	return result.ErrorOrNil()
}
