package netio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
)

// MaxDatagramSize is the largest UDP payload a read buffer must accommodate.
const MaxDatagramSize = 65535

// Sentinel errors for socket-layer failures (spec's SocketError kind).
var (
	// ErrUnexpectedConnType indicates ListenPacket returned a connection
	// type other than *net.UDPConn.
	ErrUnexpectedConnType = errors.New("netio: listen returned unexpected connection type")

	// ErrSocketClosed indicates an operation on an already-closed socket.
	ErrSocketClosed = errors.New("netio: socket closed")
)

// ListenReusePort binds a UDP socket on addr (host:port, typically
// "0.0.0.0:<port>") with SO_REUSEADDR and SO_REUSEPORT set before bind.
// Each caller gets its own kernel socket bound to the same address; the
// kernel load-balances incoming datagrams across every socket bound this
// way. This is what lets the downstream worker pool scale across CPUs
// without any synchronization on the receive path — each worker calls
// ListenReusePort independently rather than sharing one *net.UDPConn.
func ListenReusePort(ctx context.Context, network, addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setReuseOpts(c)
		},
	}

	pc, err := lc.ListenPacket(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("netio: bind %s %s: %w", network, addr, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, fmt.Errorf("netio: bind %s %s: %w: %w", network, addr, ErrUnexpectedConnType, closeErr)
	}

	return conn, nil
}

// setReuseOpts sets SO_REUSEADDR and SO_REUSEPORT on the raw socket prior
// to bind, so N workers can each bind the same address:port.
func setReuseOpts(c syscall.RawConn) error {
	var sockErr error

	err := c.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		intFD := int(fd)

		if sockErr = unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			sockErr = fmt.Errorf("set SO_REUSEADDR: %w", sockErr)
			return
		}

		if sockErr = unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); sockErr != nil {
			sockErr = fmt.Errorf("set SO_REUSEPORT: %w", sockErr)
			return
		}
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}

	return sockErr
}

// ListenEphemeral binds a UDP socket on an OS-chosen ephemeral port on
// 0.0.0.0 (or the IPv6 unspecified address for network "udp6"). Used to
// create a session's upstream-facing socket.
func ListenEphemeral(ctx context.Context, network string) (*net.UDPConn, error) {
	addr := "0.0.0.0:0"
	if network == "udp6" {
		addr = "[::]:0"
	}

	var lc net.ListenConfig

	pc, err := lc.ListenPacket(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("netio: bind ephemeral %s: %w", network, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, fmt.Errorf("netio: bind ephemeral %s: %w: %w", network, ErrUnexpectedConnType, closeErr)
	}

	return conn, nil
}

// DialUpstream opens a connected UDP socket to dest on an OS-chosen
// ephemeral local port. A session uses exactly one of these for its
// lifetime: the OS-level connect means only datagrams from dest are
// delivered to this socket's reads, and Write sends directly to dest
// without specifying a destination each call.
func DialUpstream(ctx context.Context, network string, dest netip.AddrPort) (*net.UDPConn, error) {
	var d net.Dialer

	c, err := d.DialContext(ctx, network, net.UDPAddrFromAddrPort(dest).String())
	if err != nil {
		return nil, fmt.Errorf("netio: dial upstream %s: %w", dest, err)
	}

	conn, ok := c.(*net.UDPConn)
	if !ok {
		closeErr := c.Close()
		return nil, fmt.Errorf("netio: dial upstream %s: %w: %w", dest, ErrUnexpectedConnType, closeErr)
	}

	return conn, nil
}

// IsTransient reports whether err represents a transient socket condition
// (interrupted syscall, would-block, read timeout) that a reader should
// retry, as opposed to a persistent failure that should tear the socket
// down.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		return syscallErr == syscall.EINTR || syscallErr == syscall.EAGAIN || syscallErr == syscall.EWOULDBLOCK
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
