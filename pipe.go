package fiber

import (
	"io"
	"sync"
)

// CloseType mirrors the half-close semantics a Pipe stream supports.
type CloseType int

const (
	CloseNone  CloseType = 0
	CloseRead  CloseType = 1 << 0
	CloseWrite CloseType = 1 << 1
	CloseBoth            = CloseRead | CloseWrite
)

// Pipe is one end of an in-process duplex stream pair (spec §4.6), grounded
// on original_source/mordor/streams/pipe.cpp's PipeStream. Two peers share
// one mutex and hold a reference to each other; a write lands in the
// peer's read buffer, so reading pipeA observes what was written to pipeB.
type Pipe struct {
	mu    *sync.Mutex
	peer  *Pipe
	buf   []byte
	limit int

	closed      CloseType
	otherClosed CloseType
	canceledRd  bool
	canceledWr  bool

	pendingReaderSched *Scheduler
	pendingReader      *Fiber
	pendingWriterSched *Scheduler
	pendingWriter      *Fiber

	onRemoteClose []func()
}

// DefaultPipeBufferSize is the per-endpoint buffer limit NewPipe uses when
// given a non-positive bufferSize.
const DefaultPipeBufferSize = 65536

// NewPipe creates a connected pair of Pipe endpoints, each buffering up to
// bufferSize bytes written by its peer. A bufferSize of 0 uses
// DefaultPipeBufferSize.
func NewPipe(bufferSize int) (a, b *Pipe) {
	if bufferSize <= 0 {
		bufferSize = DefaultPipeBufferSize
	}
	mu := &sync.Mutex{}
	a = &Pipe{mu: mu, limit: bufferSize}
	b = &Pipe{mu: mu, limit: bufferSize}
	a.peer = b
	b.peer = a
	return a, b
}

// OnRemoteClose registers a callback invoked when the peer closes its write
// side (spec §4.6 onRemoteClose).
func (p *Pipe) OnRemoteClose(fn func()) {
	p.mu.Lock()
	p.onRemoteClose = append(p.onRemoteClose, fn)
	p.mu.Unlock()
}

// Close closes this end per typ, notifying the peer and waking any fiber
// parked on this side.
func (p *Pipe) Close(typ CloseType) {
	p.mu.Lock()
	closeWriteFirstTime := p.closed&CloseWrite == 0 && typ&CloseWrite != 0
	p.closed |= typ
	p.peer.otherClosed = p.closed
	var notify []func()
	if closeWriteFirstTime {
		notify = append(notify, p.peer.onRemoteClose...)
	}
	if p.pendingReader != nil && p.closed&CloseWrite != 0 {
		p.wakeReaderLocked()
	}
	if p.peer.pendingWriter != nil && p.closed&CloseRead != 0 {
		p.peer.wakeWriterLocked()
	}
	p.mu.Unlock()
	for _, fn := range notify {
		fn()
	}
}

// Destroy releases this endpoint. Go has no deterministic destructor, so
// callers that rely on teardown-time wakeups (as the C++ original gets for
// free from ~PipeStream) must call this explicitly when done with an
// endpoint. It notifies the peer and wakes any fiber parked on this side —
// ownership of a parked fiber belongs to the peer, not the side that
// performs the read/write, so tearing down either side must reclaim it.
func (p *Pipe) Destroy() {
	p.mu.Lock()
	if len(p.buf) == 0 {
		p.peer.otherClosed |= CloseRead
	} else {
		p.peer.otherClosed &^= CloseRead
	}
	notify := append([]func(){}, p.peer.onRemoteClose...)
	if p.pendingReader != nil {
		p.pendingReaderSched.ScheduleFiber(p.pendingReader)
		p.pendingReader, p.pendingReaderSched = nil, nil
	}
	if p.peer.pendingWriter != nil {
		p.peer.wakeWriterLocked()
	}
	p.mu.Unlock()
	for _, fn := range notify {
		fn()
	}
}

func (p *Pipe) wakeReaderLocked() {
	p.pendingReaderSched.ScheduleFiber(p.pendingReader)
	p.pendingReader, p.pendingReaderSched = nil, nil
}

func (p *Pipe) wakeWriterLocked() {
	p.pendingWriterSched.ScheduleFiber(p.pendingWriter)
	p.pendingWriter, p.pendingWriterSched = nil, nil
}

// Read implements io.Reader. It blocks the calling fiber (via Yield) until
// data is available, the peer's write side closes, or the read is
// canceled. Must be called from within a fiber on a scheduler.
func (p *Pipe) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		p.mu.Lock()
		if p.closed&CloseRead != 0 {
			p.mu.Unlock()
			return 0, &OSError{Kind: ErrBrokenPipe, Op: "pipe.read"}
		}
		if avail := len(p.buf); avail > 0 {
			n := copy(b, p.buf)
			p.buf = p.buf[n:]
			if p.peer.pendingWriter != nil {
				p.peer.wakeWriterLocked()
			}
			p.mu.Unlock()
			return n, nil
		}
		if p.otherClosed&CloseWrite != 0 {
			p.mu.Unlock()
			return 0, io.EOF
		}
		if p.canceledRd {
			p.mu.Unlock()
			return 0, &OSError{Kind: ErrOperationAborted, Op: "pipe.read"}
		}

		self := Current()
		sched := CurrentScheduler()
		p.peer.pendingReader = self
		p.peer.pendingReaderSched = sched
		p.mu.Unlock()

		Yield()

		p.mu.Lock()
		if p.peer.pendingReader == self {
			p.peer.pendingReader, p.peer.pendingReaderSched = nil, nil
		}
		p.mu.Unlock()
	}
}

// CancelRead aborts any pending Read on this endpoint, waking the waiter
// with an OperationAborted-flavored error on its next scheduling.
func (p *Pipe) CancelRead() {
	p.mu.Lock()
	p.canceledRd = true
	if p.peer.pendingReader != nil {
		p.peer.wakeReaderLocked()
	}
	p.mu.Unlock()
}

// Write implements io.Writer, blocking until the peer's read buffer has
// room, the peer's read side closes, or the write is canceled.
func (p *Pipe) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		p.mu.Lock()
		if p.closed&CloseWrite != 0 {
			p.mu.Unlock()
			return 0, &OSError{Kind: ErrBrokenPipe, Op: "pipe.write"}
		}
		if p.peer.closed&CloseRead != 0 {
			p.mu.Unlock()
			return 0, &OSError{Kind: ErrBrokenPipe, Op: "pipe.write"}
		}
		room := p.limit - len(p.peer.buf)
		if room > 0 {
			n := room
			if n > len(b) {
				n = len(b)
			}
			p.peer.buf = append(p.peer.buf, b[:n]...)
			if p.pendingReader != nil {
				p.wakeReaderLocked()
			}
			p.mu.Unlock()
			return n, nil
		}
		if p.canceledWr {
			p.mu.Unlock()
			return 0, &OSError{Kind: ErrOperationAborted, Op: "pipe.write"}
		}

		self := Current()
		sched := CurrentScheduler()
		p.pendingWriter = self
		p.pendingWriterSched = sched
		p.mu.Unlock()

		Yield()

		p.mu.Lock()
		if p.pendingWriter == self {
			p.pendingWriter, p.pendingWriterSched = nil, nil
		}
		p.mu.Unlock()
	}
}

// CancelWrite aborts any pending Write on this endpoint.
func (p *Pipe) CancelWrite() {
	p.mu.Lock()
	p.canceledWr = true
	if p.pendingWriter != nil {
		p.wakeWriterLocked()
	}
	p.mu.Unlock()
}

// Flush blocks until the peer has drained everything written to it, or its
// read side closes.
func (p *Pipe) Flush() error {
	for {
		p.mu.Lock()
		if p.canceledWr {
			p.mu.Unlock()
			return &OSError{Kind: ErrOperationAborted, Op: "pipe.flush"}
		}
		if len(p.peer.buf) == 0 {
			p.mu.Unlock()
			return nil
		}
		if p.peer.closed&CloseRead != 0 {
			p.mu.Unlock()
			return &OSError{Kind: ErrBrokenPipe, Op: "pipe.flush"}
		}

		self := Current()
		sched := CurrentScheduler()
		p.pendingWriter = self
		p.pendingWriterSched = sched
		p.mu.Unlock()

		Yield()

		p.mu.Lock()
		if p.pendingWriter == self {
			p.pendingWriter, p.pendingWriterSched = nil, nil
		}
		p.mu.Unlock()
	}
}
