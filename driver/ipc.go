package driver

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/levelzero/usm/device"
	"github.com/levelzero/usm/graphics"
	"github.com/levelzero/usm/ipc"
	"github.com/levelzero/usm/osiface"
	"github.com/levelzero/usm/svm"
	"github.com/levelzero/usm/ze"
	"golang.org/x/exp/slog"
)

// TrackIpcHandle adds a reference to an exported handle. Exported descriptors are also offered
// through the socket server when the socket transport is enabled; a failure there is logged and
// tracking goes ahead regardless.
func (d *Driver) TrackIpcHandle(rec ipc.Record) *ipc.Acquisition {
	if d.toggles.ExportUsesSocket(d.primitive.Kind()) {
		d.registerSocketHandle(rec.Handle)
	}

	return d.ipcTable.Acquire(rec)
}

// RegisterSocketHandle starts the socket server if needed and offers handle through it
func (d *Driver) RegisterSocketHandle(handle osiface.Handle) error {
	err := d.socket.Initialize()
	if err != nil {
		return errors.Wrap(err, "failed to start the IPC socket server")
	}

	return d.socket.RegisterHandle(handle, int(handle))
}

func (d *Driver) registerSocketHandle(handle osiface.Handle) {
	err := d.RegisterSocketHandle(handle)
	if err != nil {
		d.logger.Warn("Driver could not offer an IPC handle over the socket server",
			slog.Uint64("handle", uint64(handle)),
			slog.Any("error", err))
	}
}

// ReleaseIpcHandle drops a reference to an export. It returns the references left and whether the
// export was tracked.
func (d *Driver) ReleaseIpcHandle(key ipc.Key) (int, bool, error) {
	return d.ipcTable.Release(key)
}

func (d *Driver) closeTrackedHandle(rec ipc.Record) error {
	d.socket.UnregisterHandle(rec.Handle)
	return d.mm.CloseInternalHandle(rec.Allocation, rec.Handle)
}

// ExportIpcHandle exports one tile of the memory behind data and tracks the handle. Exporting the
// same memory again yields the same handle with one more reference.
func (d *Driver) ExportIpcHandle(data *svm.AllocationData, tile int) (ze.IpcMemHandle, error) {
	alloc := data.DefaultAllocation()
	if alloc == nil {
		return ze.IpcMemHandle{}, ze.ResultErrorInvalidArgument.Errorf("allocation at %#x has no memory to export", data.Base)
	}

	handle, err := d.mm.PeekInternalHandle(alloc, tile)
	if err != nil {
		result := svm.OutOfMemoryResult(data.Kind)
		return ze.IpcMemHandle{}, errors.Wrapf(result.ToError(), "export of %#x: %v", data.Base, err)
	}

	memoryData := ipc.MemoryData{Handle: handle, Type: data.Kind, PoolOffset: data.PoolOffset()}
	ipcData := memoryData.Encode()
	if d.settings.UseOpaqueIpcHandles {
		ipcData = ipc.OpaqueMemoryData{
			MemoryData: memoryData,
			HandleKind: d.primitive.Kind(),
			ProcessID:  uint32(d.processID),
		}.Encode()
	}

	d.TrackIpcHandle(ipc.Record{
		Handle:     handle,
		Allocation: alloc,
		Address:    data.Base,
		PoolOffset: data.PoolOffset(),
		Data:       ipcData,
	})

	return ipcData, nil
}

// OpenProperties describe where memory opened from IPC handles is mapped
type OpenProperties struct {
	// Device is the device whose root the memory is mapped on
	Device *device.Device
	// Registered is the device recorded on the opened allocation
	Registered *device.Device
	Uncached   bool
}

// OpenIpcHandles maps the memory named by one IPC handle per tile. Opening memory that is already
// open in this process returns the existing record with one more reference.
func (d *Driver) OpenIpcHandles(handles []ze.IpcMemHandle, props OpenProperties) (*svm.AllocationData, error) {
	if len(handles) == 0 {
		return nil, ze.ResultErrorInvalidArgument.Errorf("no IPC handles to open")
	}

	var decoded []ipc.OpaqueMemoryData
	var opaque []bool
	for _, handle := range handles {
		data, isOpaque, err := ipc.Decode(handle)
		if err != nil {
			return nil, errors.Wrap(ze.ResultErrorInvalidArgument.ToError(), err.Error())
		}
		decoded = append(decoded, data)
		opaque = append(opaque, isOpaque)
	}

	var resolved []osiface.Handle
	var owned []osiface.Handle
	defer func() {
		for _, handle := range owned {
			_ = d.primitive.Close(handle)
		}
	}()

	for i, data := range decoded {
		handle, isOwned, err := d.resolveHandle(data, opaque[i])
		if err != nil {
			return nil, errors.Wrap(ze.ResultErrorInvalidArgument.ToError(), err.Error())
		}
		resolved = append(resolved, handle)
		if isOwned {
			owned = append(owned, handle)
		}
	}

	alloc, err := d.mm.CreateFromSharedHandles(resolved, graphics.ImportProperties{
		Type:            graphics.AllocationTypeSharedBuffer,
		RootDeviceIndex: props.Device.RootDeviceIndex(),
		ReuseShared:     true,
		Uncached:        props.Uncached,
	})
	if err != nil {
		return nil, errors.Wrap(ze.ResultErrorInvalidArgument.ToError(), err.Error())
	}

	kind := decoded[0].Type
	if kind == ze.MemoryTypeUnknown {
		kind = ze.MemoryTypeDevice
	}

	record, err := d.svm.InsertImported(svm.ImportProperties{
		Kind:        kind,
		Device:      props.Registered,
		Allocations: []*graphics.Allocation{alloc},
		PoolOffset:  decoded[0].PoolOffset,
	})
	if err != nil {
		_ = d.mm.Free(alloc)
		return nil, errors.Wrap(ze.ResultErrorInvalidArgument.ToError(), err.Error())
	}

	d.logger.Debug("Driver::OpenIpcHandles",
		slog.Int("handles", len(handles)),
		slog.Uint64("base", record.Base))

	return record, nil
}

// resolveHandle makes the OS handle named by an IPC handle usable in this process. The boolean
// reports whether the returned handle is a duplicate the caller must close.
func (d *Driver) resolveHandle(data ipc.OpaqueMemoryData, opaque bool) (osiface.Handle, bool, error) {
	if !opaque {
		return data.Handle, false, nil
	}

	sameProcess := int(data.ProcessID) == d.processID
	switch d.toggles.ImportMode(data.HandleKind, sameProcess) {
	case ipc.HandlingModeDirect:
		return data.Handle, false, nil
	case ipc.HandlingModeSocket:
		return d.fetchFromSocket(data)
	}

	handle, err := d.primitive.DuplicateFromProcess(int(data.ProcessID), data.Handle)
	if err == nil {
		return handle, true, nil
	}
	if !errors.Is(err, osiface.ErrUnsupported) || !d.toggles.FallsBackToSocket() {
		return 0, false, err
	}

	d.logger.Debug("Driver falling back to the IPC socket server",
		slog.Int("processID", int(data.ProcessID)),
		slog.Any("error", err))
	return d.fetchFromSocket(data)
}

func (d *Driver) fetchFromSocket(data ipc.OpaqueMemoryData) (osiface.Handle, bool, error) {
	timeout := d.settings.IpcSocketTimeout
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 2*timeout)
		defer cancel()
	}

	path := ipc.SocketPath(d.settings.IpcSocketDir, int(data.ProcessID))
	fd, err := ipc.FetchHandle(ctx, path, data.Handle, timeout)
	if err != nil {
		return 0, false, err
	}
	return osiface.Handle(fd), true, nil
}

// IpcHandleFor returns the IPC handle of the oldest export of a tracked OS handle
func (d *Driver) IpcHandleFor(handle osiface.Handle) (ze.IpcMemHandle, bool) {
	rec, ok := d.ipcTable.LookupHandle(handle)
	if !ok {
		return ze.IpcMemHandle{}, false
	}
	return rec.Data, true
}
