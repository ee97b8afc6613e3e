package async

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// This file is the concrete binding of spec.md §6's "consumed interfaces"
// (socket_handle, setsockopt, bind, listen, getsockname, accept, connect,
// recvmsg/sendmsg). spec.md specifies these only as abstract signatures
// the core consumes; a runnable module needs something behind them, so
// this binds them directly to Linux syscalls via golang.org/x/sys/unix
// rather than net.Listener/net.Conn, so that every socket is one the
// Poller above can register and drive through epoll itself.

// sockaddrFor resolves a "host:port" listen address (or ":0" for an
// ephemeral port) into a unix.Sockaddr sized for whichever family the
// host resolves to. This is the one place net is used for anything other
// than types: parsing is not a syscall, and matches the teacher's own use
// of net.SplitHostPort/net.ResolveTCPAddr-style helpers in cmd/can-server.
func sockaddrFor(addr string) (unix.Sockaddr, int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve listen address %q: %w", addr, err)
	}
	ip4 := tcpAddr.IP.To4()
	if ip4 != nil {
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], ip4)
		sa.Port = tcpAddr.Port
		return &sa, unix.AF_INET, nil
	}
	ip16 := tcpAddr.IP.To16()
	if ip16 == nil {
		// Unspecified host ("" or ":0") resolves to a nil IP; bind to
		// in6addr_any / INADDR_ANY via the IPv4 path, matching net's
		// own default of listening on all interfaces.
		var sa unix.SockaddrInet4
		sa.Port = tcpAddr.Port
		return &sa, unix.AF_INET, nil
	}
	var sa unix.SockaddrInet6
	copy(sa.Addr[:], ip16)
	sa.Port = tcpAddr.Port
	return &sa, unix.AF_INET6, nil
}

// newTCPSocket creates a non-blocking, close-on-exec TCP socket in the
// given address family.
func newTCPSocket(family int) (int, error) {
	return unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
}

// setReuseAddr sets SO_REUSEADDR=1, unconditionally, per spec.md §4.E step 2.
func setReuseAddr(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// bindListen binds fd to sa and starts listening with a SOMAXCONN backlog.
func bindListen(fd int, sa unix.Sockaddr) error {
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// localSockaddr reads back a socket's local address (getsockname), used to
// learn the ephemeral port the kernel assigned when the caller asked for
// port 0.
func localSockaddr(fd int) (unix.Sockaddr, error) {
	return unix.Getsockname(fd)
}

// sockaddrToTCPAddr converts a unix.Sockaddr into a *net.TCPAddr for
// logging and for callers (mDNS advertisement, tests) that want a
// conventional Go address type.
func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	default:
		return nil
	}
}

// acceptOne performs one non-blocking accept(2). A nil error with fd<0
// never happens; callers distinguish EAGAIN via errors.Is(err, unix.EAGAIN).
func acceptOne(listenFD int) (fd int, peer unix.Sockaddr, err error) {
	return unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}

// connectOne issues a non-blocking connect(2). EINPROGRESS is the expected
// outcome and is not an error from the caller's point of view.
func connectOne(fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	if err == unix.EINPROGRESS {
		return nil
	}
	return err
}

// recvInto performs one non-blocking read from fd. A return of (0, nil)
// denotes an orderly peer close (spec.md §6, "len == 0 denotes orderly
// peer close").
func recvInto(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}

// isTransient reports whether err is the "try again" family of errno that
// a non-blocking socket returns when no data/connection is available yet.
func isTransient(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// sendAll performs one non-blocking write attempt from fd. Per spec.md's
// Non-goals the core does not buffer writes or retry short writes; this
// single attempt is all the core offers, and callers layer their own
// queue if they need more.
func sendAll(fd int, buf []byte) (int, error) {
	return unix.Write(fd, buf)
}
