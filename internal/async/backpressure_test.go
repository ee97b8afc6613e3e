package async

import (
	"sync"
	"testing"
	"time"
)

// blockingHandler records every chunk it is handed and, unlike echoHandler,
// does *not* call Reader from inside HandleRead. Per spec.md §8 property 5
// this leaves the connection "blocked": no further read is ever spawned for
// it until something else calls resume, which re-issues Reader on the
// handler's behalf.
type blockingHandler struct {
	recordingService

	mu     sync.Mutex
	calls  [][]byte
	ctx    *Context
	dialog *Dialog
	rctx   *ReadContext
}

func (h *blockingHandler) HandleRead(ctx *Context, dialog *Dialog, rctx *ReadContext, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, append([]byte(nil), data...))
	h.ctx, h.dialog, h.rctx = ctx, dialog, rctx
}

func (h *blockingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

// resume re-arms the connection by calling Reader on the handler's behalf,
// standing in for whatever external event (a bus join completing, a
// downstream write drain) would normally unblock a handler that chose not
// to call Reader from inside HandleRead.
func (h *blockingHandler) resume() {
	h.mu.Lock()
	ctx, dialog, rctx := h.ctx, h.dialog, h.rctx
	h.mu.Unlock()
	Reader(ctx, dialog, rctx, h)
}

func waitForCallCount(t *testing.T, h *blockingHandler, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.callCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d HandleRead call(s), got %d", n, h.callCount())
}

func TestTCPService_HandlerNotCallingReaderBlocksFurtherReads(t *testing.T) {
	handler := &blockingHandler{}
	svc := NewTCPService(":0", handler)
	w := NewWorker(func() Service { return svc })
	startWorkerForTest(w)
	defer w.Close()

	select {
	case <-svc.Ready():
	case <-time.After(time.Second):
		t.Fatalf("listener never became ready")
	}

	conn := dialTCP(t, svc.Addr())
	defer conn.Close()

	if _, err := conn.Write([]byte("first")); err != nil {
		t.Fatalf("write first: %v", err)
	}
	waitForCallCount(t, handler, 1, time.Second)

	if _, err := conn.Write([]byte("second")); err != nil {
		t.Fatalf("write second: %v", err)
	}

	// The handler never called Reader after the first chunk, so the
	// connection's dialog is never re-armed: no second HandleRead should
	// fire no matter how long "second" sits in the socket buffer.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		if handler.callCount() > 1 {
			t.Fatalf("expected HandleRead to stay blocked at 1 call, got %d", handler.callCount())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Resuming re-arms the dialog; the buffered "second" chunk is now
	// delivered.
	handler.resume()
	waitForCallCount(t, handler, 2, time.Second)

	handler.mu.Lock()
	got := string(handler.calls[1])
	handler.mu.Unlock()
	if got != "second" {
		t.Fatalf("expected resumed read to see %q, got %q", "second", got)
	}
}
