package ipc

import (
	"fmt"
	"path/filepath"

	"github.com/levelzero/usm/osiface"
)

//go:generate go tool stringer -type=HandlingMode -trimprefix=HandlingMode

// HandlingMode is how an importing process obtains the OS handle named by an opaque IPC handle
type HandlingMode uint8

const (
	// HandlingModeDirect uses the handle value as is, which is only valid inside the exporting
	// process or for NT handles
	HandlingModeDirect HandlingMode = iota
	// HandlingModePidfd duplicates the handle out of the exporting process
	HandlingModePidfd
	// HandlingModeSocket asks the exporting process's socket server for the handle
	HandlingModeSocket
)

// SocketToggles are the two process-wide switches for the socket transport
type SocketToggles struct {
	// Enable makes exporters serve their handles over a socket and lets importers fall back to
	// it when pidfd duplication is unavailable
	Enable bool
	// Force makes importers always use the socket
	Force bool
}

// ExportUsesSocket reports whether an exporter registers handles of kind with its socket server.
// NT handles never go through the socket.
func (s SocketToggles) ExportUsesSocket(kind osiface.HandleKind) bool {
	return kind == osiface.HandleKindFd && (s.Enable || s.Force)
}

// ImportMode picks how to obtain a handle of kind exported by another process
func (s SocketToggles) ImportMode(kind osiface.HandleKind, sameProcess bool) HandlingMode {
	if kind == osiface.HandleKindNT || sameProcess {
		return HandlingModeDirect
	}
	if s.Force {
		return HandlingModeSocket
	}
	return HandlingModePidfd
}

// FallsBackToSocket reports whether a failed pidfd duplication is retried over the socket
func (s SocketToggles) FallsBackToSocket() bool {
	return s.Enable || s.Force
}

// SocketPath is where the socket server of process pid listens
func SocketPath(dir string, pid int) string {
	return filepath.Join(dir, fmt.Sprintf("usm-ipc-%d.sock", pid))
}
