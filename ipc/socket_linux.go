//go:build linux

package ipc

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/levelzero/usm/osiface"
	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"
)

const (
	requestSize = 8

	statusOK      byte = 0
	statusUnknown byte = 1

	fetchRetries = 5
)

var ErrServerClosed = errors.New("socket server is closed")

// SocketServer hands registered file descriptors to other processes over a unix socket. A
// client sends the 8 byte handle value and receives a status byte, with the descriptor attached
// as SCM_RIGHTS when the status is OK.
type SocketServer struct {
	logger  *slog.Logger
	path    string
	timeout time.Duration

	mutex       sync.Mutex
	listenFd    int
	initialized bool
	closed      bool
	handles     *swiss.Map[osiface.Handle, int]

	wg sync.WaitGroup
}

func NewSocketServer(logger *slog.Logger, dir string, pid int, timeout time.Duration) *SocketServer {
	return &SocketServer{
		logger:   logger,
		path:     SocketPath(dir, pid),
		timeout:  timeout,
		listenFd: -1,
		handles:  swiss.NewMap[osiface.Handle, int](16),
	}
}

func (s *SocketServer) Path() string { return s.path }

// Initialize starts listening. It is safe to call repeatedly; only the first successful call
// does anything.
func (s *SocketServer) Initialize() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.initialized {
		return nil
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return errors.Wrap(err, "socket")
	}

	_ = unix.Unlink(s.path)
	err = unix.Bind(fd, &unix.SockaddrUnix{Name: s.path})
	if err != nil {
		_ = unix.Close(fd)
		return errors.Wrapf(err, "bind %s", s.path)
	}

	err = unix.Listen(fd, 16)
	if err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(s.path)
		return errors.Wrapf(err, "listen %s", s.path)
	}

	s.listenFd = fd
	s.initialized = true

	s.wg.Add(1)
	go s.serve(fd)

	s.logger.Debug("ipc::SocketServer listening", slog.String("path", s.path))
	return nil
}

// RegisterHandle makes fd available to clients asking for handle. The server keeps its own
// duplicate of fd.
func (s *SocketServer) RegisterHandle(handle osiface.Handle, fd int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.initialized || s.closed {
		return errors.Newf("socket server at %s is not running", s.path)
	}
	if s.handles.Has(handle) {
		return nil
	}

	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return errors.Wrapf(err, "duplicate fd %d", fd)
	}

	s.handles.Put(handle, dup)
	return nil
}

// UnregisterHandle stops serving handle
func (s *SocketServer) UnregisterHandle(handle osiface.Handle) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	fd, ok := s.handles.Get(handle)
	if !ok {
		return
	}
	s.handles.Delete(handle)
	_ = unix.Close(fd)
}

// IsRegistered reports whether handle is currently served
func (s *SocketServer) IsRegistered(handle osiface.Handle) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.handles.Has(handle)
}

func (s *SocketServer) serve(listenFd int) {
	defer s.wg.Done()

	for {
		conn, _, err := unix.Accept4(listenFd, unix.SOCK_CLOEXEC)
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
			continue
		}
		if err != nil {
			s.mutex.Lock()
			closed := s.closed
			s.mutex.Unlock()

			if !closed {
				s.logger.Warn("ipc::SocketServer accept failed", slog.Any("error", err))
			}
			return
		}

		s.handleConn(conn)
	}
}

func (s *SocketServer) handleConn(conn int) {
	defer unix.Close(conn)

	if s.timeout > 0 {
		timeout := unix.NsecToTimeval(s.timeout.Nanoseconds())
		_ = unix.SetsockoptTimeval(conn, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &timeout)
		_ = unix.SetsockoptTimeval(conn, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &timeout)
	}

	request := make([]byte, requestSize)
	read := 0
	for read < requestSize {
		n, err := unix.Read(conn, request[read:])
		if err != nil || n == 0 {
			s.logger.Debug("ipc::SocketServer short request", slog.Any("error", err))
			return
		}
		read += n
	}
	handle := osiface.Handle(binary.LittleEndian.Uint64(request))

	s.mutex.Lock()
	defer s.mutex.Unlock()

	fd, ok := s.handles.Get(handle)
	if !ok {
		_, _ = unix.Write(conn, []byte{statusUnknown})
		return
	}

	err := unix.Sendmsg(conn, []byte{statusOK}, unix.UnixRights(fd), nil, 0)
	if err != nil {
		s.logger.Warn("ipc::SocketServer failed to send descriptor",
			slog.Uint64("handle", uint64(handle)),
			slog.Any("error", err))
	}
}

// Close stops the server and drops every registered descriptor
func (s *SocketServer) Close() error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil
	}
	s.closed = true
	listenFd := s.listenFd
	initialized := s.initialized
	s.mutex.Unlock()

	if initialized {
		// Shutdown wakes the accept loop, which returns once it sees closed
		_ = unix.Shutdown(listenFd, unix.SHUT_RDWR)
		s.wg.Wait()
		_ = unix.Close(listenFd)
		_ = unix.Unlink(s.path)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.handles.Iter(func(_ osiface.Handle, fd int) bool {
		_ = unix.Close(fd)
		return false
	})
	s.handles.Clear()
	return nil
}

func fetchOnce(path string, handle osiface.Handle, timeout time.Duration) (int, error) {
	conn, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, backoff.Permanent(errors.Wrap(err, "socket"))
	}
	defer unix.Close(conn)

	err = unix.Connect(conn, &unix.SockaddrUnix{Name: path})
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.EAGAIN) {
		return -1, errors.Wrapf(err, "connect %s", path)
	}
	if err != nil {
		return -1, backoff.Permanent(errors.Wrapf(err, "connect %s", path))
	}

	if timeout > 0 {
		tv := unix.NsecToTimeval(timeout.Nanoseconds())
		_ = unix.SetsockoptTimeval(conn, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
		_ = unix.SetsockoptTimeval(conn, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv)
	}

	request := make([]byte, requestSize)
	binary.LittleEndian.PutUint64(request, uint64(handle))
	_, err = unix.Write(conn, request)
	if err != nil {
		return -1, backoff.Permanent(errors.Wrap(err, "send request"))
	}

	status := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(conn, status, oob, unix.MSG_CMSG_CLOEXEC)
	if err != nil {
		return -1, backoff.Permanent(errors.Wrap(err, "receive reply"))
	}
	if n != 1 || status[0] != statusOK {
		return -1, backoff.Permanent(errors.Wrapf(osiface.ErrUnknownHandle, "handle %d is not served by %s", handle, path))
	}

	messages, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(messages) != 1 {
		return -1, backoff.Permanent(errors.New("reply carries no descriptor"))
	}
	fds, err := unix.ParseUnixRights(&messages[0])
	if err != nil || len(fds) != 1 {
		return -1, backoff.Permanent(errors.New("reply carries no descriptor"))
	}

	return fds[0], nil
}

// FetchHandle asks the socket server at path for the descriptor registered as handle. Connection
// attempts are retried while the server is not yet listening.
func FetchHandle(ctx context.Context, path string, handle osiface.Handle, timeout time.Duration) (int, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 100 * time.Millisecond
	policy.Reset()

	fd := -1
	err := backoff.Retry(func() error {
		var err error
		fd, err = fetchOnce(path, handle, timeout)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, fetchRetries), ctx))
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return -1, permanent.Err
		}
		return -1, err
	}

	return fd, nil
}
