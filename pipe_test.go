package fiber

import (
	"crypto/md5"
	"crypto/rand"
	"errors"
	"io"
	"testing"
	"time"
)

// TestPipeDuplex1MB covers spec §8 scenario 5: both peers concurrently
// write 1 MB of random bytes and read the peer's 1 MB, with byte-sequence
// equality verified via MD5.
func TestPipeDuplex1MB(t *testing.T) {
	const size = 1 << 20
	a, b := NewPipe(64 * 1024)

	dataAtoB := make([]byte, size)
	dataBtoA := make([]byte, size)
	if _, err := rand.Read(dataAtoB); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(dataBtoA); err != nil {
		t.Fatal(err)
	}

	s := New(4)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	done := make(chan struct{}, 4)
	var sumAtoBWant, sumAtoBGot, sumBtoAWant, sumBtoAGot [16]byte

	writeAll := func(p *Pipe, data []byte) {
		off := 0
		for off < len(data) {
			n, err := p.Write(data[off:])
			if err != nil {
				t.Errorf("write error: %v", err)
				break
			}
			off += n
		}
		done <- struct{}{}
	}
	readAll := func(p *Pipe, out *[16]byte) {
		h := md5.New()
		buf := make([]byte, 4096)
		for {
			n, err := p.Read(buf)
			if n > 0 {
				h.Write(buf[:n])
			}
			if err != nil {
				break
			}
		}
		copy(out[:], h.Sum(nil))
		done <- struct{}{}
	}

	sumAtoBWant = md5.Sum(dataAtoB)
	sumBtoAWant = md5.Sum(dataBtoA)

	s.ScheduleFiber(NewFiber(func() { writeAll(a, dataAtoB) }))
	s.ScheduleFiber(NewFiber(func() { readAll(b, &sumAtoBGot) }))
	s.ScheduleFiber(NewFiber(func() { writeAll(b, dataBtoA) }))
	s.ScheduleFiber(NewFiber(func() { readAll(a, &sumBtoAGot) }))

	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(20 * time.Second):
			t.Fatal("timed out waiting for pipe duplex round trip")
		}
	}

	// Close write sides so each reader observes EOF once drained.
	a.Close(CloseWrite)
	b.Close(CloseWrite)

	if sumAtoBWant != sumAtoBGot {
		t.Fatal("A->B MD5 mismatch")
	}
	if sumBtoAWant != sumBtoAGot {
		t.Fatal("B->A MD5 mismatch")
	}
}

func TestPipeReadAfterPeerCloseIsEOF(t *testing.T) {
	a, b := NewPipe(1024)
	s := New(1, WithHijack(true))

	var readErr error
	s.ScheduleFiber(NewFiber(func() {
		buf := make([]byte, 16)
		_, readErr = b.Read(buf)
	}))
	s.Schedule(func() { a.Close(CloseWrite) })
	if err := s.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !errors.Is(readErr, io.EOF) {
		t.Fatalf("readErr = %v, want io.EOF", readErr)
	}
}

func TestPipeCancelReadObservesOperationAborted(t *testing.T) {
	a, b := NewPipe(1024)
	_ = a
	s := New(2)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	var readErr error
	done := make(chan struct{})
	s.ScheduleFiber(NewFiber(func() {
		buf := make([]byte, 16)
		_, readErr = b.Read(buf)
		close(done)
	}))

	// Give the reader a chance to park before canceling.
	time.Sleep(20 * time.Millisecond)
	b.CancelRead()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for canceled read to return")
	}
	var osErr *OSError
	if !errors.As(readErr, &osErr) || osErr.Kind != ErrOperationAborted {
		t.Fatalf("readErr = %v, want OperationAborted", readErr)
	}
}

func TestPipeCancelWriteObservesOperationAborted(t *testing.T) {
	a, b := NewPipe(4) // tiny buffer forces the writer to park
	_ = b
	s := New(2)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	var writeErr error
	done := make(chan struct{})
	s.ScheduleFiber(NewFiber(func() {
		// First write fills the tiny buffer; second blocks.
		if _, err := a.Write([]byte("abcd")); err != nil {
			t.Errorf("first write: %v", err)
		}
		_, writeErr = a.Write([]byte("more data than fits"))
		close(done)
	}))

	time.Sleep(20 * time.Millisecond)
	a.CancelWrite()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for canceled write to return")
	}
	var osErr *OSError
	if !errors.As(writeErr, &osErr) || osErr.Kind != ErrOperationAborted {
		t.Fatalf("writeErr = %v, want OperationAborted", writeErr)
	}
}

// TestPipeCloseReadWakesPeerBlockedWriter exercises the scenario where a
// writer is parked because the *other* side's buffer is full: writing via
// b.Write fills a.buf, so a second b.Write call blocks and parks itself at
// b.pendingWriter (== a.peer.pendingWriter). Closing a for reading means a
// will never drain a.buf again, so the blocked writer on b must be woken
// with an error rather than hanging forever.
func TestPipeCloseReadWakesPeerBlockedWriter(t *testing.T) {
	a, b := NewPipe(4)
	s := New(2)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	var writeErr error
	done := make(chan struct{})
	s.ScheduleFiber(NewFiber(func() {
		if _, err := b.Write([]byte("abcd")); err != nil {
			t.Errorf("first write: %v", err)
		}
		_, writeErr = b.Write([]byte("more data than fits"))
		close(done)
	}))

	time.Sleep(20 * time.Millisecond)
	a.Close(CloseRead)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Close(CloseRead) to wake the peer's blocked writer")
	}
	var osErr *OSError
	if !errors.As(writeErr, &osErr) || osErr.Kind != ErrBrokenPipe {
		t.Fatalf("writeErr = %v, want BrokenPipe", writeErr)
	}
}

// TestPipeDestroyWakesPeerBlockedWriter is the Destroy analogue of
// TestPipeCloseReadWakesPeerBlockedWriter. A writer blocked because a's
// buffer is full is parked at b.pendingWriter (== a.peer.pendingWriter),
// since the write that filled a.buf was made on b. Destroying a must wake
// that writer by reading and clearing a.peer.pendingWriter, not a's own
// (always-nil, in this scenario) pendingWriter field.
func TestPipeDestroyWakesPeerBlockedWriter(t *testing.T) {
	a, b := NewPipe(4)
	s := New(1, WithHijack(true))

	resumed := make(chan struct{})
	f := NewFiber(func() { close(resumed) })
	b.pendingWriter = f
	b.pendingWriterSched = s

	a.Destroy()

	if b.pendingWriter != nil || b.pendingWriterSched != nil {
		t.Fatal("expected Destroy to clear the peer's parked writer state")
	}
	if err := s.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	select {
	case <-resumed:
	default:
		t.Fatal("expected Destroy to have scheduled the peer's parked writer fiber")
	}
}

func TestPipeWriteAfterCloseIsBrokenPipe(t *testing.T) {
	a, _ := NewPipe(1024)
	a.Close(CloseWrite)
	_, err := a.Write([]byte("x"))
	var osErr *OSError
	if !errors.As(err, &osErr) || osErr.Kind != ErrBrokenPipe {
		t.Fatalf("err = %v, want BrokenPipe", err)
	}
}
