// Package segment is the example StreamHandler: length-prefixed framing
// (4-byte big-endian length, then payload) layered over async.TCPService,
// fanning decoded segments out through internal/bus. It plays the role the
// teacher's internal/server package plays for CAN frames, adapted to
// carry opaque segments instead (spec.md §1, PURPOSE).
package segment

import (
	"encoding/binary"
	"log/slog"
	"runtime"
	"sync"

	"github.com/kstaniek/go-busd/internal/async"
	"github.com/kstaniek/go-busd/internal/bus"
	"github.com/kstaniek/go-busd/internal/logging"
	"github.com/kstaniek/go-busd/internal/metrics"
	"golang.org/x/sys/unix"
)

const (
	lengthPrefixSize = 4
	// maxSegmentSize bounds the declared length of an incoming segment so
	// a corrupt or hostile length prefix cannot force an unbounded
	// allocation.
	maxSegmentSize = 1 << 20
)

// Handler decodes length-prefixed segments from each connection and
// broadcasts them to every other connection joined to the same Bus.
type Handler struct {
	Bus    *bus.Bus
	logger *slog.Logger

	mu    sync.Mutex
	conns map[*async.Dialog]*connState
}

type connState struct {
	peer    *bus.Peer
	partial []byte
}

// New constructs a Handler broadcasting through b.
func New(b *bus.Bus) *Handler {
	return &Handler{
		Bus:    b,
		logger: logging.L(),
		conns:  make(map[*async.Dialog]*connState),
	}
}

// HandleSignal has nothing connection-specific to react to; TCPService
// already runs the stop choreography before forwarding here.
func (h *Handler) HandleSignal(sig async.Signal) {}

// HandleAccept joins the connection to the bus and starts its writer
// goroutine immediately, so it can receive broadcasts before it has sent
// a single byte of its own.
func (h *Handler) HandleAccept(dialog *async.Dialog) {
	cs := &connState{peer: h.Bus.Join()}
	h.mu.Lock()
	h.conns[dialog] = cs
	h.mu.Unlock()
	dialog.AddOnClose(func() {
		h.Bus.Leave(cs.peer)
		h.mu.Lock()
		delete(h.conns, dialog)
		h.mu.Unlock()
	})
	go h.runWriter(dialog, cs.peer)
}

// HandleRead accumulates data into the connection's partial buffer,
// extracts every complete segment it now contains, and broadcasts each
// one. It re-arms the reader after every read unless a malformed length
// prefix made it close the connection: the core leaves that decision to
// the handler (spec.md §4.E, §8 property 5), and this handler never
// applies its own backpressure.
func (h *Handler) HandleRead(ctx *async.Context, dialog *async.Dialog, rctx *async.ReadContext, data []byte) {
	metrics.AddBytesRead(len(data))

	h.mu.Lock()
	cs, ok := h.conns[dialog]
	h.mu.Unlock()
	if !ok {
		// HandleAccept always runs before the first HandleRead; reaching
		// here with no state means the connection is already tearing
		// down, so drop the data on the floor.
		async.Reader(ctx, dialog, rctx, h)
		return
	}

	cs.partial = append(cs.partial, data...)
	for {
		seg, rest, ok, malformed := extractSegment(cs.partial)
		if malformed {
			metrics.IncSegmentMalformed()
			_ = dialog.Close()
			return
		}
		if !ok {
			break
		}
		cs.partial = rest
		metrics.IncSegmentDecoded()
		h.Bus.Broadcast(seg, cs.peer)
	}

	async.Reader(ctx, dialog, rctx, h)
}

// extractSegment pulls one length-prefixed segment off the front of buf,
// if one is fully present. malformed reports a declared length exceeding
// maxSegmentSize, which the caller treats as fatal for the connection.
func extractSegment(buf []byte) (seg, rest []byte, ok, malformed bool) {
	if len(buf) < lengthPrefixSize {
		return nil, buf, false, false
	}
	n := binary.BigEndian.Uint32(buf[:lengthPrefixSize])
	if n > maxSegmentSize {
		return nil, buf, false, true
	}
	total := lengthPrefixSize + int(n)
	if len(buf) < total {
		return nil, buf, false, false
	}
	seg = append([]byte(nil), buf[lengthPrefixSize:total]...)
	return seg, buf[total:], true, false
}

// runWriter drains peer.Out and writes each segment, length-prefixed,
// directly to the connection's fd. It is the per-connection queue the
// core's Non-goals explicitly leave to handlers that want one (spec.md
// §4.E, "the core does not buffer writes").
func (h *Handler) runWriter(dialog *async.Dialog, peer *bus.Peer) {
	for {
		select {
		case msg := <-peer.Out:
			frame := make([]byte, lengthPrefixSize+len(msg))
			binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(msg)))
			copy(frame[lengthPrefixSize:], msg)
			if err := writeAll(dialog.FD(), frame); err != nil {
				h.logger.Debug("segment_write_failed", "error", err)
				_ = dialog.Close()
				return
			}
			metrics.AddBytesWritten(len(frame))
		case <-peer.Closed:
			return
		}
	}
}

// writeAll issues non-blocking writes until buf is exhausted or a
// non-transient error occurs.
func writeAll(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				runtime.Gosched()
				continue
			}
			return err
		}
		buf = buf[n:]
	}
	return nil
}
