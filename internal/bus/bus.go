// Package bus is a protocol-agnostic broadcast fan-out, adapted from the
// teacher's CAN-frame hub (internal/hub) to carry arbitrary []byte
// segments between peers of a bus-style server (spec.md §1, PURPOSE).
package bus

import (
	"log/slog"
	"sync"

	"github.com/kstaniek/go-busd/internal/logging"
	"github.com/kstaniek/go-busd/internal/metrics"
)

// BackpressurePolicy selects what happens when a peer's outbound queue is
// full at broadcast time.
type BackpressurePolicy int

const (
	// PolicyDrop silently discards the message for that one slow peer.
	PolicyDrop BackpressurePolicy = iota
	// PolicyKick closes the slow peer instead of dropping individual
	// messages, so a chronically slow reader does not fall further and
	// further behind.
	PolicyKick
)

// Peer is a bus member: something with an outbound queue and a way to be
// told to disconnect.
type Peer struct {
	Out       chan []byte
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewPeer allocates a Peer with the given outbound buffer size.
func NewPeer(bufSize int) *Peer {
	return &Peer{Out: make(chan []byte, bufSize), Closed: make(chan struct{})}
}

// Close marks the peer closed. Idempotent.
func (p *Peer) Close() {
	p.closeOnce.Do(func() { close(p.Closed) })
}

// Bus fans a segment out to every connected peer, honoring a
// per-bus backpressure policy.
type Bus struct {
	mu      sync.RWMutex
	peers   map[*Peer]struct{}
	Policy  BackpressurePolicy
	BufSize int
	logger  *slog.Logger
}

// New creates an empty Bus with a default per-peer buffer of 256
// segments and the drop backpressure policy.
func New() *Bus {
	return &Bus{
		peers:   make(map[*Peer]struct{}),
		BufSize: 256,
		logger:  logging.L(),
	}
}

// Join registers a new peer with the bus.
func (b *Bus) Join() *Peer {
	p := NewPeer(b.BufSize)
	b.mu.Lock()
	prev := len(b.peers)
	b.peers[p] = struct{}{}
	cur := len(b.peers)
	b.mu.Unlock()
	metrics.SetBusPeers(cur)
	if prev == 0 && cur == 1 {
		b.logger.Info("bus_first_peer_joined")
	}
	return p
}

// Leave unregisters a peer. Safe to call more than once.
func (b *Bus) Leave(p *Peer) {
	b.mu.Lock()
	_, existed := b.peers[p]
	delete(b.peers, p)
	cur := len(b.peers)
	b.mu.Unlock()
	p.Close()
	metrics.SetBusPeers(cur)
	if existed && cur == 0 {
		b.logger.Info("bus_last_peer_left")
	}
}

// Broadcast sends msg to every peer other than exclude (typically the
// segment's sender, so peers do not hear their own traffic echoed back).
func (b *Bus) Broadcast(msg []byte, exclude *Peer) {
	peers := b.snapshot()
	metrics.SetBusFanout(len(peers))
	for _, p := range peers {
		if p == exclude {
			continue
		}
		select {
		case p.Out <- msg:
		default:
			if b.Policy == PolicyKick {
				metrics.IncBusKick()
				p.Close()
			} else {
				metrics.IncBusDrop()
			}
		}
	}
}

func (b *Bus) snapshot() []*Peer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	peers := make([]*Peer, 0, len(b.peers))
	for p := range b.peers {
		peers = append(peers, p)
	}
	return peers
}

// Count returns the number of connected peers.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}
