// Package ipc tracks the OS handles exported for IPC memory handles and moves them between
// processes.
package ipc

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/levelzero/usm/osiface"
	"github.com/levelzero/usm/ze"
)

// Layout of ze.IpcMemHandle.Data
//
//	[0:8]   OS handle value, little endian
//	[8]     format, formatDirect or formatOpaque
//	[9]     memory type
//	[10]    handle kind (opaque only)
//	[12:16] exporting process id (opaque only)
//	[16:24] pool offset
//	[24:64] reserved, zero
const (
	formatDirect uint8 = 1
	formatOpaque uint8 = 2

	offsetHandle     = 0
	offsetFormat     = 8
	offsetMemoryType = 9
	offsetHandleKind = 10
	offsetProcessID  = 12
	offsetPoolOffset = 16
	offsetReserved   = 24
)

var ErrMalformedHandle = errors.New("malformed IPC memory handle")

// MemoryData is the payload of a direct IPC handle. The OS handle is only meaningful in a
// process it was duplicated into.
type MemoryData struct {
	Handle     osiface.Handle
	Type       ze.MemoryType
	PoolOffset uint64
}

// OpaqueMemoryData is the payload of an opaque IPC handle, which names the exporting process so
// the importer can duplicate the handle itself
type OpaqueMemoryData struct {
	MemoryData
	HandleKind osiface.HandleKind
	ProcessID  uint32
}

func (d MemoryData) encode(format uint8) ze.IpcMemHandle {
	var handle ze.IpcMemHandle
	binary.LittleEndian.PutUint64(handle.Data[offsetHandle:], uint64(d.Handle))
	handle.Data[offsetFormat] = format
	handle.Data[offsetMemoryType] = uint8(d.Type)
	binary.LittleEndian.PutUint64(handle.Data[offsetPoolOffset:], d.PoolOffset)
	return handle
}

// Key names the export the payload was made from
func (d MemoryData) Key() Key {
	return Key{Handle: d.Handle, PoolOffset: d.PoolOffset}
}

func (d MemoryData) Encode() ze.IpcMemHandle {
	return d.encode(formatDirect)
}

func (d OpaqueMemoryData) Encode() ze.IpcMemHandle {
	handle := d.MemoryData.encode(formatOpaque)
	handle.Data[offsetHandleKind] = uint8(d.HandleKind)
	binary.LittleEndian.PutUint32(handle.Data[offsetProcessID:], d.ProcessID)
	return handle
}

// Decode parses an IPC handle. The boolean reports whether it was opaque; for direct handles
// only the embedded MemoryData is set.
func Decode(handle ze.IpcMemHandle) (OpaqueMemoryData, bool, error) {
	var data OpaqueMemoryData

	format := handle.Data[offsetFormat]
	if format != formatDirect && format != formatOpaque {
		return data, false, errors.Wrapf(ErrMalformedHandle, "unknown format %d", format)
	}

	for _, b := range handle.Data[offsetReserved:] {
		if b != 0 {
			return data, false, errors.Wrap(ErrMalformedHandle, "reserved bytes are set")
		}
	}

	data.Handle = osiface.Handle(binary.LittleEndian.Uint64(handle.Data[offsetHandle:]))
	data.Type = ze.MemoryType(handle.Data[offsetMemoryType])
	data.PoolOffset = binary.LittleEndian.Uint64(handle.Data[offsetPoolOffset:])

	if format == formatDirect {
		return data, false, nil
	}

	data.HandleKind = osiface.HandleKind(handle.Data[offsetHandleKind])
	data.ProcessID = binary.LittleEndian.Uint32(handle.Data[offsetProcessID:])
	return data, true, nil
}
