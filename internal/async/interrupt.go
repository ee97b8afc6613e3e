package async

import "sync"

// InterruptCell is a thread-safe, replaceable callable used to wake the
// event loop from another goroutine. Conceptually it is "an optional
// callable guarded by a mutex" (spec.md §4.A).
//
// Invoke snapshots the stored callable under the lock and calls it after
// releasing the lock, so the callable itself may re-enter the cell (e.g.
// to clear itself) without self-deadlocking.
type InterruptCell struct {
	mu sync.Mutex
	fn func()
}

// Assign atomically replaces the stored callable, if any.
func (c *InterruptCell) Assign(fn func()) {
	c.mu.Lock()
	c.fn = fn
	c.mu.Unlock()
}

// Present reports whether a callable is currently installed.
func (c *InterruptCell) Present() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fn != nil
}

// Invoke calls the installed callable. Calling Invoke on an empty cell is a
// precondition violation: callers must check Present first.
func (c *InterruptCell) Invoke() {
	c.mu.Lock()
	fn := c.fn
	c.mu.Unlock()
	if fn == nil {
		panic("async: InterruptCell.Invoke called on an empty cell")
	}
	fn()
}
