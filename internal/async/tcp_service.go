package async

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/kstaniek/go-busd/internal/logging"
	"github.com/kstaniek/go-busd/internal/metrics"
	"golang.org/x/sys/unix"
)

// readBufSize is the fixed size of a ReadContext's scratch buffer
// (spec.md §3, "Read context").
const readBufSize = 1024

// ReadContext is per-connection state shared by the reader continuation
// and the handler: a fixed-size buffer a read lands in. Its lifetime ends
// when nothing retains it any longer — in practice, once the handler
// stops calling Reader for it.
type ReadContext struct {
	Buf [readBufSize]byte
}

// StreamHandler is the user-supplied capability set for a TCP service
// (spec.md §3): signal handling, plus the read callback. The read
// callback must itself call Reader(...) to continue reading; if it does
// not, the connection is "blocked" and no further reads are spawned for
// it until it does (spec.md §4.E, §8 property 5).
type StreamHandler interface {
	SignalHandler
	HandleRead(ctx *Context, dialog *Dialog, rctx *ReadContext, data []byte)
}

// Initializer is the optional capability a StreamHandler may implement to
// tweak the listening socket before it is bound (spec.md §3, "Optionally
// initialize(sock) → error_code").
type Initializer interface {
	Initialize(fd int) error
}

// AcceptObserver is the optional capability a StreamHandler may implement
// to be notified of a freshly accepted connection before its read loop
// starts. Handlers that need connection-lifecycle state set up earlier
// than the first HandleRead (e.g. joining a fan-out bus so the peer can
// receive broadcasts even before it has sent anything) implement this.
type AcceptObserver interface {
	HandleAccept(dialog *Dialog)
}

// TCPServiceOption configures a TCPService at construction time.
type TCPServiceOption func(*TCPService)

// WithTCPLogger overrides the service's structured logger.
func WithTCPLogger(l *slog.Logger) TCPServiceOption {
	return func(s *TCPService) {
		if l != nil {
			s.logger = l
		}
	}
}

// TCPService is the TCP service scaffold (spec.md §4.E): given a
// StreamHandler, it binds a listener, accepts connections, runs a
// per-connection read loop, and exposes the handler-triggered "unblock"
// path (Reader) to resume reading. It is itself a Service, so it is what
// gets handed to a Worker.
type TCPService struct {
	addr    string
	handler StreamHandler
	logger  *slog.Logger

	mu        sync.RWMutex
	boundAddr unix.Sockaddr
	listener  *Dialog
	stopFn    func()
	conns     map[*Dialog]struct{}

	readyOnce sync.Once
	readyCh   chan struct{}
}

// NewTCPService constructs a TCP service scaffold listening on addr
// ("host:port", or ":0" for an ephemeral port) once started, hosting
// handler.
func NewTCPService(addr string, handler StreamHandler, opts ...TCPServiceOption) *TCPService {
	s := &TCPService{
		addr:    addr,
		handler: handler,
		logger:  logging.L(),
		conns:   make(map[*Dialog]struct{}),
		readyCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ready is closed once the listener is bound (or will never close, if
// Start's setup fails fatally — callers should also watch the owning
// Context/Worker for Stopped()).
func (s *TCPService) Ready() <-chan struct{} { return s.readyCh }

// Addr returns the bound local address. Only meaningful after Ready().
func (s *TCPService) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sockaddrToTCPAddr(s.boundAddr)
}

// HandleSignal intercepts Terminate to run the stop choreography
// (spec.md §4.F), then forwards every signal to the handler so it can
// react to application-defined control events like User1.
func (s *TCPService) HandleSignal(sig Signal) {
	if sig == Terminate {
		s.mu.RLock()
		stop := s.stopFn
		s.mu.RUnlock()
		if stop != nil {
			stop()
		}
	}
	s.handler.HandleSignal(sig)
}

// Start binds the listener and spawns the acceptor (spec.md §4.E).
func (s *TCPService) Start(ctx *Context) {
	sa, family, err := sockaddrFor(s.addr)
	if err != nil {
		s.logger.Error("listener_address_invalid", "error", err)
		ctx.Scope.RequestStop()
		return
	}
	fd, err := newTCPSocket(family)
	if err != nil {
		s.logger.Error("listener_socket_failed", "error", err)
		ctx.Scope.RequestStop()
		return
	}
	if err := s.initializeSocket(fd, sa); err != nil {
		s.logger.Error("listener_init_failed", "error", err)
		_ = unix.Close(fd)
		ctx.Scope.RequestStop()
		return
	}
	s.installStop(ctx, family)

	dialog, err := ctx.Poller.Emplace(fd, unix.EPOLLIN|unix.EPOLLONESHOT)
	if err != nil {
		s.logger.Error("listener_register_failed", "error", err)
		_ = unix.Close(fd)
		ctx.Scope.RequestStop()
		return
	}
	s.mu.Lock()
	s.listener = dialog
	s.mu.Unlock()

	s.logger.Info("listener_bound", "addr", s.Addr())
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.acceptor(ctx, dialog)
}

// initializeSocket runs §4.E step 2: SO_REUSEADDR, the optional user
// Initialize hook, bind, getsockname, listen.
func (s *TCPService) initializeSocket(fd int, sa unix.Sockaddr) error {
	if err := setReuseAddr(fd); err != nil {
		return fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if init, ok := s.handler.(Initializer); ok {
		if err := init.Initialize(fd); err != nil {
			return fmt.Errorf("handler initialize: %w", err)
		}
	}
	if err := bindListen(fd, sa); err != nil {
		return err
	}
	local, err := localSockaddr(fd)
	if err != nil {
		return fmt.Errorf("getsockname: %w", err)
	}
	s.mu.Lock()
	s.boundAddr = local
	s.mu.Unlock()
	return nil
}

// installStop builds the §4.F stop closure: request the scope stop, drop
// every live connection (our stand-in for a cancelling sender library
// unblocking pending recvmsg ops), then self-connect to unblock a
// listener parked inside epoll_wait.
func (s *TCPService) installStop(ctx *Context, family int) {
	s.mu.Lock()
	s.stopFn = func() {
		ctx.Scope.RequestStop()
		s.closeAllConns()
		s.selfConnect(ctx, family)
	}
	s.mu.Unlock()
}

func (s *TCPService) closeAllConns() {
	s.mu.Lock()
	conns := make([]*Dialog, 0, len(s.conns))
	for d := range s.conns {
		conns = append(conns, d)
	}
	s.mu.Unlock()
	for _, d := range conns {
		_ = d.Close()
	}
}

func (s *TCPService) trackConn(d *Dialog) {
	s.mu.Lock()
	s.conns[d] = struct{}{}
	s.mu.Unlock()
	d.AddOnClose(func() {
		s.mu.Lock()
		delete(s.conns, d)
		s.mu.Unlock()
	})
}

// selfConnect is the self-connect trick: no multiplexer has any other way
// to unblock a parked accept, so a fresh outbound connect to the bound
// listener is always used to wake it. Success and failure of the connect
// are both no-ops — only its side effect of waking the listener matters.
func (s *TCPService) selfConnect(ctx *Context, family int) {
	s.mu.RLock()
	local := s.boundAddr
	s.mu.RUnlock()
	target := loopbackOf(local)
	if target == nil {
		return
	}
	fd, err := newTCPSocket(family)
	if err != nil {
		return
	}
	dialog, err := ctx.Poller.Emplace(fd, unix.EPOLLOUT|unix.EPOLLONESHOT)
	if err != nil {
		_ = unix.Close(fd)
		return
	}
	dialog.OnReady(func(events uint32) { _ = dialog.Close() })
	if err := connectOne(fd, target); err != nil && !isTransient(err) {
		_ = dialog.Close()
	}
}

// loopbackOf builds a loopback sockaddr on the same port as local,
// because local may be the unspecified 0.0.0.0/:: address, which cannot
// itself be connect()'d to.
func loopbackOf(local unix.Sockaddr) unix.Sockaddr {
	switch v := local.(type) {
	case *unix.SockaddrInet4:
		return &unix.SockaddrInet4{Port: v.Port, Addr: [4]byte{127, 0, 0, 1}}
	case *unix.SockaddrInet6:
		sa := &unix.SockaddrInet6{Port: v.Port}
		sa.Addr[15] = 1
		return sa
	default:
		return nil
	}
}

// acceptor is the guarded self-re-arming accept loop (spec.md §4.E): at
// most one accept is ever in flight because the listener dialog is
// registered EPOLLONESHOT and only re-armed once the previous accept (or
// accept attempt) has been fully handled.
func (s *TCPService) acceptor(ctx *Context, listener *Dialog) {
	var arm func()
	arm = func() {
		if ctx.Scope.Stopped() {
			_ = listener.Close()
			return
		}
		listener.OnReady(func(events uint32) {
			if ctx.Scope.Stopped() {
				_ = listener.Close()
				return
			}
			fd, peer, err := acceptOne(listener.FD())
			if err != nil {
				if isTransient(err) {
					arm()
					return
				}
				metrics.IncAcceptError()
				s.logger.Warn("accept_error", "error", err)
				return
			}
			metrics.IncAccept()
			s.handleAccepted(ctx, fd, peer)
			arm()
		})
		if err := ctx.Poller.Rearm(listener, unix.EPOLLIN|unix.EPOLLONESHOT); err != nil {
			s.logger.Warn("listener_rearm_failed", "error", err)
		}
	}
	arm()
}

func (s *TCPService) handleAccepted(ctx *Context, fd int, peer unix.Sockaddr) {
	dialog, err := ctx.Poller.Emplace(fd, unix.EPOLLIN|unix.EPOLLONESHOT)
	if err != nil {
		_ = unix.Close(fd)
		return
	}
	s.trackConn(dialog)
	remote := sockaddrToTCPAddr(peer)
	s.logger.Info("client_connected", "remote", remote)
	dialog.AddOnClose(func() { s.logger.Info("client_disconnected", "remote", remote) })
	if ao, ok := s.handler.(AcceptObserver); ok {
		ao.HandleAccept(dialog)
	}
	Reader(ctx, dialog, &ReadContext{}, s.handler)
}

// Reader spawns (or resumes) the per-connection read loop for dialog
// (spec.md §4.E). The handler's HandleRead is responsible for calling
// Reader again to continue reading; if it does not, the connection is
// "blocked" until something calls Reader for it. A zero-length read
// denotes an orderly peer close: no further reader is spawned and the
// ReadContext is released once the last reference to it drops.
func Reader(ctx *Context, dialog *Dialog, rctx *ReadContext, handler StreamHandler) {
	if ctx.Scope.Stopped() {
		_ = dialog.Close()
		return
	}
	dialog.OnReady(func(events uint32) {
		if ctx.Scope.Stopped() {
			_ = dialog.Close()
			return
		}
		n, err := recvInto(dialog.FD(), rctx.Buf[:])
		if err != nil {
			if isTransient(err) {
				_ = dialog.poller.Rearm(dialog, unix.EPOLLIN|unix.EPOLLONESHOT)
				return
			}
			_ = dialog.Close()
			return
		}
		if n == 0 {
			_ = dialog.Close()
			return
		}
		handler.HandleRead(ctx, dialog, rctx, rctx.Buf[:n])
	})
	if err := dialog.poller.Rearm(dialog, unix.EPOLLIN|unix.EPOLLONESHOT); err != nil {
		_ = dialog.Close()
	}
}
