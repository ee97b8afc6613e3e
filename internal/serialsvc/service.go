// Package serialsvc is an example non-network async.Service: it pumps
// bytes between a serial port and a Bus, demonstrating that
// async.Worker hosts any Service implementation, not only the TCP
// scaffold in internal/async (spec.md §4.C: a Service is just
// SignalHandler plus Start(*Context)). Grounded on the teacher's
// internal/serial port wrapper, which this package now drives directly
// instead of through internal/server's CAN framing.
package serialsvc

import (
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-busd/internal/async"
	"github.com/kstaniek/go-busd/internal/bus"
	"github.com/kstaniek/go-busd/internal/logging"
	"github.com/kstaniek/go-busd/internal/metrics"
	"github.com/kstaniek/go-busd/internal/serial"
)

// Option configures a Service at construction time.
type Option func(*Service)

// WithLogger overrides the service's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithReadTimeout overrides the per-read poll timeout (default 200ms),
// which bounds how long Start takes to notice a requested stop.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Service) { s.readTimeout = d }
}

// WithOpener overrides how Start opens the port, matching the teacher's
// openSerialPort test hook; used by tests to substitute a fake Port
// without a real tty.
func WithOpener(open openFunc) Option {
	return func(s *Service) { s.open = open }
}

// openFunc matches serial.Open's signature; overridable in tests so they
// don't need a real tty.
type openFunc func(name string, baud int, readTimeout time.Duration) (serial.Port, error)

// Service bridges a single serial port to a Bus: bytes read from the
// port are broadcast to the bus, and whatever the bus delivers back to
// this service's own peer is written to the port.
type Service struct {
	portName    string
	baud        int
	readTimeout time.Duration
	bus         *bus.Bus
	logger      *slog.Logger
	open        openFunc
}

// New constructs a Service for the given device path and baud rate,
// bridging to b.
func New(portName string, baud int, b *bus.Bus, opts ...Option) *Service {
	s := &Service{
		portName:    portName,
		baud:        baud,
		readTimeout: 200 * time.Millisecond,
		bus:         b,
		logger:      logging.L(),
		open:        serial.Open,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// HandleSignal has no port-specific reaction to control signals; Start's
// loop already polls ctx.Scope.Stopped() at its own pace.
func (s *Service) HandleSignal(sig async.Signal) {}

// Start opens the port and runs the bridge loop until the scope is
// stopped. It holds the Worker's event-loop goroutine for its entire
// lifetime and registers nothing with ctx.Poller; instead each iteration
// steps ctx.Poller once without blocking, so the worker's ISR can still
// dispatch Terminate and stop the scope.
func (s *Service) Start(ctx *async.Context) {
	port, err := s.open(s.portName, s.baud, s.readTimeout)
	if err != nil {
		s.logger.Error("serial_open_failed", "port", s.portName, "error", err)
		ctx.Scope.RequestStop()
		return
	}
	defer func() { _ = port.Close() }()

	peer := s.bus.Join()
	defer s.bus.Leave(peer)

	buf := make([]byte, 256)
	for !ctx.Scope.Stopped() {
		n, err := port.Read(buf)
		if err != nil {
			if !isTimeout(err) {
				s.logger.Warn("serial_read_error", "port", s.portName, "error", err)
			}
		} else if n > 0 {
			metrics.AddBytesRead(n)
			seg := append([]byte(nil), buf[:n]...)
			s.bus.Broadcast(seg, peer)
		}

		select {
		case msg := <-peer.Out:
			if _, err := port.Write(msg); err != nil {
				s.logger.Warn("serial_write_error", "port", s.portName, "error", err)
				continue
			}
			metrics.AddBytesWritten(len(msg))
		default:
		}

		if ctx.Poller != nil {
			_, _ = ctx.Poller.Wait(0)
		}
	}
}

// isTimeout reports whether err is an ordinary read-deadline expiry
// rather than a real port failure.
func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
