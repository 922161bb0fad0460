package ze

// IpcHandleSize is the size in bytes of the opaque IPC memory handle exchanged between processes
const IpcHandleSize = 64

// IpcMemHandle is the opaque blob a process sends to another so that it can open the same memory
type IpcMemHandle struct {
	Data [IpcHandleSize]byte
}
