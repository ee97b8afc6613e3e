package async

import "testing"

func TestScope_RequestStopIsObservedByStopToken(t *testing.T) {
	s := NewScope()
	tok := s.StopToken()
	if tok.Stopped() {
		t.Fatalf("fresh scope's token should not be stopped")
	}
	s.RequestStop()
	if !tok.Stopped() {
		t.Fatalf("token should observe RequestStop")
	}
	if !s.Stopped() {
		t.Fatalf("scope itself should report stopped")
	}
}

func TestScope_SpawnSkipsAfterStop(t *testing.T) {
	s := NewScope()
	ran := 0
	s.Spawn(func() { ran++ })
	if ran != 1 {
		t.Fatalf("expected op to run before stop, ran=%d", ran)
	}
	s.RequestStop()
	s.Spawn(func() { ran++ })
	if ran != 1 {
		t.Fatalf("expected op to be skipped after stop, ran=%d", ran)
	}
}
