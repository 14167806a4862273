// Package netio owns UDP socket creation and the handful of socket options
// the control/test protocol depends on (DSCP/TCLASS marking, buffer sizing,
// optional interface binding), plus the readiness primitive the event loop
// polls. Grounded on the teacher's internal/netio/sender.go (functional
// socket-option application over a syscall.RawConn) and on udpst.c's use of
// epoll_create1 for the readiness half, expressed here with
// golang.org/x/sys/unix.Poll — the single-FD-set analog of epoll that needs
// no cgo.
package netio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// ErrNotUDP is returned when a *net.UDPConn was expected but a different
// conn type was supplied.
var ErrNotUDP = errors.New("netio: conn is not a UDP socket")

// Options configures a newly created socket. Zero value uses OS defaults
// throughout.
type Options struct {
	BindDevice  string // SO_BINDTODEVICE; empty = unset
	RecvBuffer  int    // SO_RCVBUF; 0 = unset
	SendBuffer  int    // SO_SNDBUF; 0 = unset
	ReuseAddr   bool   // SO_REUSEADDR
}

// Socket wraps a UDP net.Conn plus the raw file descriptor needed for
// poll-based readiness dispatch.
type Socket struct {
	Conn *net.UDPConn
	fd   int
}

// FD returns the raw file descriptor for use with unix.Poll. Callers must
// not close it directly; use Socket.Close.
func (s *Socket) FD() int { return s.fd }

// LocalAddr returns the socket's bound local address.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.Conn.LocalAddr().(*net.UDPAddr)
}

// Close releases the socket.
func (s *Socket) Close() error {
	return s.Conn.Close()
}

// Listen opens a UDP socket bound to laddr ("" family-appropriate wildcard,
// or host:port), applying opts via a Control callback exactly as the
// teacher's dialSenderSocket does.
func Listen(network, laddr string, opts Options) (*Socket, error) {
	var ctrlErr error
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				ctrlErr = applySockOpts(int(fd), opts)
			})
		},
	}
	conn, err := lc.ListenPacket(context.Background(), network, laddr)
	if err != nil {
		return nil, fmt.Errorf("netio: listen %s %s: %w", network, laddr, err)
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, ErrNotUDP
	}
	if ctrlErr != nil {
		udpConn.Close()
		return nil, fmt.Errorf("netio: apply socket options: %w", ctrlErr)
	}
	fd, err := rawFD(udpConn)
	if err != nil {
		udpConn.Close()
		return nil, err
	}
	return &Socket{Conn: udpConn, fd: fd}, nil
}

func applySockOpts(fd int, opts Options) error {
	if opts.ReuseAddr {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf("SO_REUSEADDR: %w", err)
		}
	}
	if opts.BindDevice != "" {
		if err := unix.BindToDevice(fd, opts.BindDevice); err != nil {
			return fmt.Errorf("SO_BINDTODEVICE: %w", err)
		}
	}
	if opts.RecvBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.RecvBuffer); err != nil {
			return fmt.Errorf("SO_RCVBUF: %w", err)
		}
	}
	if opts.SendBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, opts.SendBuffer); err != nil {
			return fmt.Errorf("SO_SNDBUF: %w", err)
		}
	}
	return nil
}

// rawFD extracts the underlying file descriptor without giving up
// ownership of the conn (no dup, the conn still owns and closes it).
func rawFD(conn *net.UDPConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("netio: syscall conn: %w", err)
	}
	var fd int
	err = raw.Control(func(f uintptr) { fd = int(f) })
	if err != nil {
		return -1, fmt.Errorf("netio: control: %w", err)
	}
	return fd, nil
}

// SetDSCP applies the DSCP/TCLASS byte to outgoing datagrams on this
// socket, via IP_TOS for v4 and IPV6_TCLASS for v6 (spec §4.5 "apply DSCP
// via socket option").
func SetDSCP(conn *net.UDPConn, v6 bool, tos byte) error {
	if v6 {
		p := ipv6.NewConn(conn)
		if err := p.SetTrafficClass(int(tos)); err != nil {
			return fmt.Errorf("netio: set IPV6_TCLASS: %w", err)
		}
		return nil
	}
	p := ipv4.NewConn(conn)
	if err := p.SetTOS(int(tos)); err != nil {
		return fmt.Errorf("netio: set IP_TOS: %w", err)
	}
	return nil
}

// Poll blocks until fds has at least one readable descriptor or timeout
// elapses (zero timeout returns immediately, matching the event loop's
// "if a tick is pending, the wait returns immediately" rule, §5). It is a
// thin wrapper so the event loop package depends on netio, not directly on
// x/sys/unix, for its readiness primitive.
func Poll(fds []int, timeout time.Duration) ([]int, error) {
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	n, err := unix.Poll(pfds, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("netio: poll: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	ready := make([]int, 0, n)
	for _, p := range pfds {
		if p.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			ready = append(ready, int(p.Fd))
		}
	}
	return ready, nil
}
