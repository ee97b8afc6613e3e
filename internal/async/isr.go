package async

import (
	"log/slog"

	"github.com/kstaniek/go-busd/internal/logging"
	"github.com/kstaniek/go-busd/internal/metrics"
)

// armISR installs the Interrupt Service Routine (spec.md §4.D) on wakeFD,
// dialog being the registered read end of the worker's wake socketpair.
// Each time the socket becomes readable, the ISR drains the wake byte(s),
// atomically swaps the pending signal mask for zero, and dispatches every
// set bit low-to-high into handler.HandleSignal. If the TERMINATE bit was
// set, it requests the scope stop instead of leaving the dialog armed for
// another wake; epoll's level-triggered registration means no explicit
// "respawn" step is needed for the non-terminal case — the same callback
// simply fires again next time the socket is readable.
func armISR(ctx *Context, dialog *Dialog, handler SignalHandler, logger *slog.Logger) {
	if logger == nil {
		logger = logging.L()
	}
	scratch := make([]byte, 64)

	dialog.OnReady(func(events uint32) {
		for {
			n, err := recvInto(dialog.FD(), scratch)
			if n <= 0 || err != nil {
				break
			}
			if n < len(scratch) {
				break
			}
		}

		mask := ctx.exchangeSigmask()
		if mask == 0 {
			// Spurious wake: harmless, re-arms automatically.
			return
		}
		for i := Signal(0); i < sigEnd; i++ {
			if mask&i.bit() == 0 {
				continue
			}
			logger.Debug("signal_dispatch", "signal", i.String())
			metrics.IncSignalDispatch(i.String())
			handler.HandleSignal(i)
		}
		if mask&Terminate.bit() != 0 {
			ctx.Scope.RequestStop()
			_ = dialog.Close()
		}
	})
}
