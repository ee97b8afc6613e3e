package async

import "sync/atomic"

// Context is the per-worker bundle of event-loop state (spec.md §4.B /
// GLOSSARY "Async context"): the cancellable Scope, the Poller, the
// stopped latch, the atomic signal mask, and the interrupt cell used to
// wake the loop from another goroutine.
//
// A Context is constructed inert (no interrupt installed, stopped=false,
// sigmask=0), has its interrupt assigned by the owning Worker before the
// event loop begins, is mutated concurrently by the signaling goroutine
// (via Signal) and the loop goroutine (via the ISR's dispatch), and must
// only be destroyed after the loop goroutine has been joined.
type Context struct {
	Scope  *Scope
	Poller *Poller

	stopped atomic.Bool
	sigmask atomic.Uint64

	interrupt InterruptCell
}

// NewContext builds an inert Context over a fresh Scope and Poller.
func NewContext(poller *Poller) *Context {
	return &Context{
		Scope:  NewScope(),
		Poller: poller,
	}
}

// Stopped reports whether the worker has completed teardown.
func (c *Context) Stopped() bool { return c.stopped.Load() }

// Ready reports whether the worker has finished its setup handshake: the
// interrupt cell is installed and the loop is about to (or already does)
// accept signals, or setup failed outright and the worker already
// latched stopped. Callers synchronizing on Worker's mu/cond pair wait
// for this to become true before treating the worker as up (spec.md
// §4.C's condition-variable handshake).
func (c *Context) Ready() bool {
	return c.interrupt.Present() || c.Stopped()
}

// Signal delivers signum to the loop. sig outside [0, sigEnd) is a
// programmer error and panics. If no interrupt is installed (the worker
// has not yet armed the cell, or has already torn it down) the call is a
// silent no-op: no bit is recorded in sigmask. Otherwise the OR into
// sigmask happens-before the interrupt is invoked, so the ISR observes the
// bit it was woken for.
func (c *Context) Signal(sig Signal) {
	if !sig.valid() {
		panic("async: Signal called with out-of-range signal number")
	}
	if c.interrupt.Present() {
		c.sigmask.Or(sig.bit())
		c.interrupt.Invoke()
	}
}

// exchangeSigmask atomically swaps the pending signal mask for zero and
// returns the snapshot, for the ISR to dispatch.
func (c *Context) exchangeSigmask() uint64 {
	return c.sigmask.Swap(0)
}
