package async

import "fmt"

// Signal is a numeric control event delivered from outside the worker
// thread into the event loop. The set is small and closed: new values are
// added here, never invented ad hoc by callers.
type Signal int

const (
	// Terminate asks the worker to stop its event loop and join.
	Terminate Signal = iota
	// User1 is a generic application-defined control event.
	User1
	// sigEnd is the sentinel marking the exclusive upper bound of valid signals.
	sigEnd
)

// String renders a Signal for logging.
func (s Signal) String() string {
	switch s {
	case Terminate:
		return "TERMINATE"
	case User1:
		return "USER1"
	default:
		return fmt.Sprintf("Signal(%d)", int(s))
	}
}

func (s Signal) valid() bool { return s >= 0 && s < sigEnd }

func (s Signal) bit() uint64 { return 1 << uint(s) }

// SignalHandler is the subset of the Service capability set (spec.md §3)
// concerned with control events. HandleSignal must not panic: it runs on
// the worker's event-loop goroutine and a panic there would take the
// whole worker down mid-dispatch.
type SignalHandler interface {
	HandleSignal(sig Signal)
}
