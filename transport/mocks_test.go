package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/newtonresearch/newton-connection/buffer"
)

// fakeTransport is an in-memory Transport driven by the test through
// channels.
type fakeTransport struct {
	name      string
	availErr  error
	listenErr error
	acceptErr error

	accept     chan struct{}
	reads      chan []byte
	readErrs   chan error
	writeBlock chan struct{}
	closed     chan struct{}

	mu        sync.Mutex
	written   [][]byte
	readCalls atomic.Int32
	closes    atomic.Int32
	closeOnce sync.Once
}

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{
		name:     name,
		accept:   make(chan struct{}),
		reads:    make(chan []byte, 64),
		readErrs: make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Available() error { return f.availErr }

func (f *fakeTransport) Listen(ctx context.Context) error { return f.listenErr }

func (f *fakeTransport) Accept(ctx context.Context) error {
	select {
	case <-f.accept:
		return f.acceptErr
	case <-ctx.Done():
		return ctx.Err()
	case <-f.closed:
		return net.ErrClosed
	}
}

func (f *fakeTransport) ReadPage(page *buffer.PageBuffer, timeout time.Duration) error {
	f.readCalls.Add(1)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case data := <-f.reads:
		page.Fill(data)
		return nil
	case err := <-f.readErrs:
		return err
	case <-f.closed:
		return net.ErrClosed
	case <-expired:
		return os.ErrDeadlineExceeded
	}
}

func (f *fakeTransport) WritePage(page *buffer.PageBuffer, timeout time.Duration) error {
	if f.writeBlock != nil {
		var expired <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			expired = timer.C
		}
		select {
		case <-f.writeBlock:
		case <-f.closed:
			return net.ErrClosed
		case <-expired:
			return os.ErrDeadlineExceeded
		}
	}

	f.mu.Lock()
	f.written = append(f.written, append([]byte(nil), page.Bytes()...))
	f.mu.Unlock()
	page.Drain(page.Used())
	return nil
}

func (f *fakeTransport) Close() error {
	f.closes.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// connect lets Accept return.
func (f *fakeTransport) connect() {
	close(f.accept)
}

// writtenPages returns a copy of every page written so far.
func (f *fakeTransport) writtenPages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

// recordingAssembler consumes every byte it is handed.
type recordingAssembler struct {
	mu           sync.Mutex
	data         []byte
	calls        int
	disconnects  atomic.Int32
	disconnected chan error
	assembleErr  error
	consume      bool
}

func newRecordingAssembler() *recordingAssembler {
	return &recordingAssembler{disconnected: make(chan error, 4), consume: true}
}

func (r *recordingAssembler) Assemble(in *buffer.ChunkBuffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.assembleErr != nil {
		return r.assembleErr
	}
	if !r.consume {
		return nil
	}
	buf := make([]byte, in.Len())
	in.Read(buf)
	r.data = append(r.data, buf...)
	return nil
}

func (r *recordingAssembler) Disconnected(err error) {
	r.disconnects.Add(1)
	select {
	case r.disconnected <- err:
	default:
	}
}

func (r *recordingAssembler) bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.data...)
}

func (r *recordingAssembler) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// partialReadConn simulates a stream that returns partial reads.
type partialReadConn struct {
	mu         sync.Mutex
	data       []byte
	readPos    int
	chunkSize  int
	readCalls  int
	closed     bool
	written    []byte
	remoteAddr net.Addr
}

func newPartialReadConn(data []byte, chunkSize int) *partialReadConn {
	return &partialReadConn{
		data:       data,
		chunkSize:  chunkSize,
		remoteAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345},
	}
}

// Read returns at most chunkSize bytes at a time.
func (p *partialReadConn) Read(b []byte) (n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, io.EOF
	}
	p.readCalls++

	remaining := len(p.data) - p.readPos
	if remaining == 0 {
		return 0, io.EOF
	}

	toRead := p.chunkSize
	if toRead > len(b) {
		toRead = len(b)
	}
	if toRead > remaining {
		toRead = remaining
	}

	n = copy(b, p.data[p.readPos:p.readPos+toRead])
	p.readPos += n
	return n, nil
}

// Write accepts at most chunkSize bytes per call and reports a short write.
func (p *partialReadConn) Write(b []byte) (n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, net.ErrClosed
	}
	n = len(b)
	if n > p.chunkSize {
		n = p.chunkSize
	}
	p.written = append(p.written, b[:n]...)
	if n < len(b) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (p *partialReadConn) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *partialReadConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 3679}
}

func (p *partialReadConn) RemoteAddr() net.Addr {
	return p.remoteAddr
}

func (p *partialReadConn) SetDeadline(t time.Time) error {
	return nil
}

func (p *partialReadConn) SetReadDeadline(t time.Time) error {
	return nil
}

func (p *partialReadConn) SetWriteDeadline(t time.Time) error {
	return nil
}

var errAssemble = errors.New("bad frame class")
