package async

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Dialog is a registration handle for a socket inside the Poller
// (spec.md GLOSSARY). Closing a Dialog deregisters its file descriptor
// from epoll and closes it; the Poller owns every fd it has Emplace'd.
type Dialog struct {
	fd     int
	poller *Poller
	mu      sync.Mutex
	onReady func(events uint32)
	onClose []func()
	closed  bool
}

// FD returns the underlying file descriptor. Exposed for callers (the TCP
// scaffold, the ISR) that need to issue syscalls directly against it.
func (d *Dialog) FD() int { return d.fd }

// OnReady installs the readiness callback invoked by the Poller when this
// dialog's fd becomes ready for any interest it was registered with.
func (d *Dialog) OnReady(fn func(events uint32)) {
	d.mu.Lock()
	d.onReady = fn
	d.mu.Unlock()
}

// AddOnClose registers a callback run after the dialog has been
// deregistered and its fd closed. Multiple callbacks may be added (e.g.
// TCPService's own connection-tracking cleanup, plus a handler's); they
// run in registration order.
func (d *Dialog) AddOnClose(fn func()) {
	d.mu.Lock()
	d.onClose = append(d.onClose, fn)
	d.mu.Unlock()
}

// Close deregisters the dialog and closes its file descriptor. Safe to
// call more than once.
func (d *Dialog) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	onClose := d.onClose
	d.mu.Unlock()
	err := d.poller.remove(d)
	for _, fn := range onClose {
		fn()
	}
	return err
}

// Poller is a readiness-based I/O multiplexer backed by epoll. It owns
// every socket handle registered with it (spec.md §5, "resource policy").
type Poller struct {
	epfd int

	mu      sync.Mutex
	dialogs map[int]*Dialog
}

// NewPoller creates an epoll instance.
func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{epfd: epfd, dialogs: make(map[int]*Dialog)}, nil
}

// Emplace registers fd for the given epoll interest mask and returns the
// owning Dialog.
func (p *Poller) Emplace(fd int, interest uint32) (*Dialog, error) {
	d := &Dialog{fd: fd, poller: p}
	p.mu.Lock()
	p.dialogs[fd] = d
	p.mu.Unlock()

	ev := unix.EpollEvent{Events: interest, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		p.mu.Lock()
		delete(p.dialogs, fd)
		p.mu.Unlock()
		return nil, err
	}
	return d, nil
}

// Rearm updates the epoll interest mask for an already-registered dialog.
// Used to re-enable EPOLLONESHOT-registered dialogs (the listener and
// per-connection dialogs) one readiness event at a time, which is what
// gives the TCP scaffold its "at most one accept/read in flight" and
// handler-driven backpressure behavior.
func (p *Poller) Rearm(d *Dialog, interest uint32) error {
	ev := unix.EpollEvent{Events: interest, Fd: int32(d.fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, d.fd, &ev)
}

func (p *Poller) remove(d *Dialog) error {
	p.mu.Lock()
	delete(p.dialogs, d.fd)
	p.mu.Unlock()
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, d.fd, nil)
	return unix.Close(d.fd)
}

// count reports how many dialogs remain registered.
func (p *Poller) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dialogs)
}

const maxPollEvents = 128

// Wait performs a single poll step. It dispatches the readiness callback
// of every dialog that became ready, then returns whether any dialogs
// remain registered — the "truthy while work remains" contract of
// spec.md §4.B that the worker's event loop drives on.
func (p *Poller) Wait(timeoutMs int) (bool, error) {
	if p.count() == 0 {
		return false, nil
	}

	var events [maxPollEvents]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return true, nil
		}
		return false, err
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		p.mu.Lock()
		d := p.dialogs[fd]
		p.mu.Unlock()
		if d == nil {
			continue
		}
		d.mu.Lock()
		cb := d.onReady
		d.mu.Unlock()
		if cb != nil {
			cb(events[i].Events)
		}
	}

	return p.count() > 0, nil
}

// Close closes the epoll instance itself. Registered dialogs are not
// individually closed by this call; callers are expected to have drained
// them via Wait until it returns false.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
