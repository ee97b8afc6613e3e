package async

import "sync/atomic"

// Scope is the cancellable container continuations are spawned into
// (spec.md GLOSSARY). Every re-entrant continuation in this package checks
// StopToken().Stopped() before doing any further work; RequestStop is the
// sole cancellation signal in the system.
//
// Unlike a generic sender/receiver scope, Spawn here does not start a new
// goroutine: the whole point of the design (spec.md §5, "single-threaded
// cooperative scheduling") is that every continuation runs on the worker's
// one event-loop goroutine, and suspension happens only at the poller
// boundary. Spawn therefore just invokes op synchronously; op is expected
// to register interest with the Poller and return, not to block.
type Scope struct {
	stopped atomic.Bool
}

// StopToken is a queryable view of a Scope's cancellation state.
type StopToken struct {
	scope *Scope
}

// Stopped reports whether RequestStop has been called on the owning scope.
func (t StopToken) Stopped() bool { return t.scope.stopped.Load() }

// NewScope returns a fresh, unstopped scope.
func NewScope() *Scope { return &Scope{} }

// StopToken returns a token that observes this scope's cancellation state.
func (s *Scope) StopToken() StopToken { return StopToken{scope: s} }

// RequestStop cancels the scope. Idempotent.
func (s *Scope) RequestStop() { s.stopped.Store(true) }

// Stopped is a convenience shorthand for s.StopToken().Stopped().
func (s *Scope) Stopped() bool { return s.stopped.Load() }

// Spawn runs op now, on the calling goroutine, unless the scope is already
// stopped. The acceptor, Reader and the ISR do not go through Spawn; they
// install their Poller callbacks directly and check Stopped themselves.
func (s *Scope) Spawn(op func()) {
	if s.Stopped() {
		return
	}
	op()
}
