//go:build !linux

package ipc

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/levelzero/usm/osiface"
	"golang.org/x/exp/slog"
)

var ErrServerClosed = errors.New("socket server is closed")

// SocketServer is unavailable on this platform. Every operation reports osiface.ErrUnsupported.
type SocketServer struct {
	logger *slog.Logger
	path   string
}

func NewSocketServer(logger *slog.Logger, dir string, pid int, timeout time.Duration) *SocketServer {
	return &SocketServer{logger: logger, path: SocketPath(dir, pid)}
}

func (s *SocketServer) Path() string { return s.path }

func (s *SocketServer) Initialize() error {
	return errors.Wrap(osiface.ErrUnsupported, "socket server")
}

func (s *SocketServer) RegisterHandle(handle osiface.Handle, fd int) error {
	return errors.Wrap(osiface.ErrUnsupported, "socket server")
}

func (s *SocketServer) UnregisterHandle(handle osiface.Handle) {}

func (s *SocketServer) IsRegistered(handle osiface.Handle) bool { return false }

func (s *SocketServer) Close() error { return nil }

func FetchHandle(ctx context.Context, path string, handle osiface.Handle, timeout time.Duration) (int, error) {
	return -1, errors.Wrap(osiface.ErrUnsupported, "fetch handle")
}
