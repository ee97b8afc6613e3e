package async

import (
	"log/slog"
	"runtime"
	"sync"

	"github.com/kstaniek/go-busd/internal/logging"
	"github.com/kstaniek/go-busd/internal/metrics"
	"golang.org/x/sys/unix"
)

// Service is the capability set a user type must provide to be hosted by
// a Worker (spec.md §3, "User stream handler (capability set)" minus the
// TCP-specific bits): a signal handler, plus a Start method that begins
// whatever the service does once the Context is ready.
type Service interface {
	SignalHandler
	Start(ctx *Context)
}

// WorkerOption configures a Worker at construction time.
type WorkerOption func(*Worker)

// WithWorkerLogger overrides the worker's structured logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// Worker spawns a dedicated OS thread that constructs a user Service,
// installs the ISR, runs the service, pumps the Poller, and tears
// everything down on termination (spec.md §4.C). It is not safe to copy:
// continuations captured during Start close over its internal Context.
type Worker struct {
	newService func() Service
	logger     *slog.Logger

	ctx     *Context
	service Service
	done    chan struct{}
}

// NewWorker builds a Worker that will construct its Service by calling
// newService once Start's event-loop goroutine begins. Forwarding
// constructor arguments (spec.md §4.C step 1) is expressed in Go as a
// closure rather than variadic Start arguments — callers bind whatever
// they need into newService.
func NewWorker(newService func() Service, opts ...WorkerOption) *Worker {
	w := &Worker{
		newService: newService,
		logger:     logging.L(),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Context returns the worker's async Context. It is only valid to call
// after the condition variable passed to Start has observed readiness
// (interrupt installed, or stopped latched).
func (w *Worker) Context() *Context { return w.ctx }

// Start launches the worker's event-loop goroutine and returns
// immediately. The caller must wait on cond (with mu held) for either the
// interrupt to become present or Context.Stopped() to become true before
// issuing any signals — this external mutex/condition handshake is the
// synchronization obligation spec.md §4.C and §5 impose between the
// parent and the new loop.
func (w *Worker) Start(mu *sync.Mutex, cond *sync.Cond) {
	go w.run(mu, cond)
}

func (w *Worker) run(mu *sync.Mutex, cond *sync.Cond) {
	// A dedicated OS thread isn't load-bearing for epoll correctness (any
	// thread can drive any epoll fd), but it keeps the loop's identity
	// stable for the lifetime of the worker, matching the spec's model
	// of one OS thread per worker.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	metrics.IncWorkerRestart()

	service := w.newService()
	w.service = service

	poller, err := NewPoller()
	if err != nil {
		w.logger.Error("poller_init_failed", "error", err)
		// Still publish a (Poller-less) Context so a caller blocked in
		// startAndWait-style code waiting on w.Context() != nil has
		// something to observe Stopped() on, instead of spinning forever
		// on a Context that never appears.
		w.ctx = NewContext(nil)
		w.teardownWithoutInterrupt(mu, cond)
		return
	}
	ctx := NewContext(poller)
	w.ctx = ctx

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		w.logger.Error("socketpair_failed", "error", err)
		_ = poller.Close()
		w.teardownWithoutInterrupt(mu, cond)
		return
	}
	readEnd, writeEnd := fds[0], fds[1]

	mu.Lock()
	ctx.interrupt.Assign(func() {
		var b [1]byte
		_, _ = unix.Write(writeEnd, b[:])
	})
	dialog, err := poller.Emplace(readEnd, unix.EPOLLIN)
	if err != nil {
		ctx.interrupt.Assign(nil)
		mu.Unlock()
		w.logger.Error("wake_registration_failed", "error", err)
		_ = unix.Close(readEnd)
		_ = unix.Close(writeEnd)
		_ = poller.Close()
		w.teardownWithoutInterrupt(mu, cond)
		return
	}
	armISR(ctx, dialog, service, w.logger)
	mu.Unlock()
	cond.Broadcast()

	w.logger.Info("worker_started")
	service.Start(ctx)
	// A service whose Start stopped the scope (a setup failure) leaves
	// nothing that will ever wake the loop; dropping the wake dialog lets
	// the loop below drain and the worker latch stopped on its own.
	if ctx.Scope.Stopped() {
		_ = dialog.Close()
	}

	for {
		more, err := poller.Wait(-1)
		if err != nil {
			w.logger.Error("poller_wait_failed", "error", err)
			break
		}
		if !more {
			break
		}
	}

	mu.Lock()
	ctx.interrupt.Assign(nil)
	ctx.stopped.Store(true)
	_ = unix.Close(writeEnd)
	_ = poller.Close()
	mu.Unlock()
	cond.Broadcast()
	w.logger.Info("worker_stopped")
	close(w.done)
}

// teardownWithoutInterrupt handles the three setup-failure paths (poller
// creation, socketpair allocation, wake-socket registration): the
// parent's cv wait must still return, with stopped==true and no interrupt
// installed.
func (w *Worker) teardownWithoutInterrupt(mu *sync.Mutex, cond *sync.Cond) {
	mu.Lock()
	if w.ctx != nil {
		w.ctx.stopped.Store(true)
	}
	mu.Unlock()
	cond.Broadcast()
	close(w.done)
}

// Close posts Terminate and joins the worker's goroutine. Join is
// unconditional and Signal is cheap and idempotent, so calling Close more
// than once, or on a worker whose Start never ran, only blocks until done
// is closed.
func (w *Worker) Close() {
	if w.ctx != nil {
		w.ctx.Signal(Terminate)
	}
	<-w.done
}
