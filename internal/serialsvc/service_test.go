package serialsvc

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-busd/internal/async"
	"github.com/kstaniek/go-busd/internal/bus"
	"github.com/kstaniek/go-busd/internal/serial"
)

// fakePort implements serial.Port for tests.
type fakePort struct {
	mu     sync.Mutex
	reads  [][]byte
	idx    int
	writes [][]byte
	closed bool
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.reads) {
		time.Sleep(5 * time.Millisecond)
		return 0, timeoutErr{}
	}
	chunk := f.reads[f.idx]
	f.idx++
	return copy(p, chunk), nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), p...)
	f.writes = append(f.writes, cp)
	return len(p), nil
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePort) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// timeoutErr mimics a net.Error-style read-deadline expiry, the ordinary
// "nothing arrived yet" outcome between real serial reads.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestService_ReadBroadcastsToBus(t *testing.T) {
	port := &fakePort{reads: [][]byte{[]byte("hello")}}
	b := bus.New()
	observer := b.Join()
	defer b.Leave(observer)

	svc := New("fake", 115200, b, WithOpener(func(name string, baud int, to time.Duration) (serial.Port, error) {
		return port, nil
	}), WithReadTimeout(10*time.Millisecond))

	ctx := async.NewContext(nil)
	done := make(chan struct{})
	go func() { svc.Start(ctx); close(done) }()
	defer func() {
		ctx.Scope.RequestStop()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("Start did not return after stop")
		}
	}()

	select {
	case got := <-observer.Out:
		if string(got) != "hello" {
			t.Fatalf("got %q want %q", got, "hello")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for broadcast")
	}
}

func TestService_BusMessageIsWrittenToPort(t *testing.T) {
	port := &fakePort{}
	b := bus.New()

	svc := New("fake", 115200, b, WithOpener(func(name string, baud int, to time.Duration) (serial.Port, error) {
		return port, nil
	}), WithReadTimeout(10*time.Millisecond))

	ctx := async.NewContext(nil)
	done := make(chan struct{})
	go func() { svc.Start(ctx); close(done) }()
	defer func() {
		ctx.Scope.RequestStop()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("Start did not return after stop")
		}
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && b.Count() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if b.Count() == 0 {
		t.Fatalf("expected the service to join the bus")
	}
	b.Broadcast([]byte("world"), nil)

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if port.writeCount() > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if port.writeCount() == 0 {
		t.Fatalf("expected the bus message to be written to the port")
	}
}

func TestService_StopTerminatesStartPromptly(t *testing.T) {
	port := &fakePort{}
	b := bus.New()
	svc := New("fake", 115200, b, WithOpener(func(name string, baud int, to time.Duration) (serial.Port, error) {
		return port, nil
	}), WithReadTimeout(5*time.Millisecond))

	ctx := async.NewContext(nil)
	done := make(chan struct{})
	go func() { svc.Start(ctx); close(done) }()

	ctx.Scope.RequestStop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Start to return promptly once the scope is stopped")
	}
	if !port.closed {
		t.Fatalf("expected the port to be closed on shutdown")
	}
}

func TestService_OpenFailureRequestsStop(t *testing.T) {
	b := bus.New()
	openErr := io.ErrClosedPipe
	svc := New("fake", 115200, b, WithOpener(func(name string, baud int, to time.Duration) (serial.Port, error) {
		return nil, openErr
	}))

	ctx := async.NewContext(nil)
	done := make(chan struct{})
	go func() { svc.Start(ctx); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Start to return immediately on an open failure")
	}
	if !ctx.Scope.Stopped() {
		t.Fatalf("expected a failed port open to request a scope stop")
	}
}
