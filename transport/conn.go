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

// stream is a byte stream with deadlines. net.Conn and an *os.File opened in
// non-blocking mode both satisfy it.
type stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// deadline converts an endpoint timeout into an absolute deadline.
// The zero time clears any deadline.
func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// isDeadlineError reports whether err came from an expired I/O deadline.
func isDeadlineError(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// wakeDeadline lies in the past, so setting it ends a pending read at once.
var wakeDeadline = time.Unix(1, 0)

// readWaker cuts short a stream read blocked in another goroutine. A wake
// that lands before the read has set its deadline is held for that read.
type readWaker struct {
	pending atomic.Bool
}

// arm sets the read deadline, honouring a wake that arrived early.
func (w *readWaker) arm(conn stream, dl time.Time) error {
	if err := conn.SetReadDeadline(dl); err != nil {
		return err
	}
	if w.pending.Swap(false) {
		return conn.SetReadDeadline(wakeDeadline)
	}
	return nil
}

// wake interrupts the current or next read on conn with a deadline error.
func (w *readWaker) wake(conn stream) {
	w.pending.Store(true)
	_ = conn.SetReadDeadline(wakeDeadline)
}

// woken records that a read ended on its deadline, which consumes any wake.
func (w *readWaker) woken() {
	w.pending.Store(false)
}

// readStreamPage performs a single read from conn into the free space of page.
func readStreamPage(conn stream, w *readWaker, page *buffer.PageBuffer, timeout time.Duration) error {
	if err := w.arm(conn, deadline(timeout)); err != nil {
		return err
	}
	_, err := page.FillFrom(conn)
	if err != nil && isDeadlineError(err) {
		w.woken()
	}
	return err
}

// writeStreamPage writes every unread byte of page to conn, retrying short writes.
func writeStreamPage(conn stream, page *buffer.PageBuffer, timeout time.Duration) error {
	if err := conn.SetWriteDeadline(deadline(timeout)); err != nil {
		return err
	}
	for page.Used() > 0 {
		if _, err := page.DrainInto(conn); err != nil {
			return err
		}
	}
	return nil
}

// ConnTransport adapts an already established stream to the Transport
// interface. Listen and Accept succeed immediately. It is used for peers that
// were connected out of band, such as a socket handed over by a supervisor.
type ConnTransport struct {
	name  string
	conn  net.Conn
	waker readWaker

	closeOnce sync.Once
	closeErr  error
}

// NewConnTransport wraps conn under the given name.
func NewConnTransport(name string, conn net.Conn) *ConnTransport {
	return &ConnTransport{name: name, conn: conn}
}

// Name returns the transport name.
func (t *ConnTransport) Name() string { return t.name }

// Available always succeeds; the stream already exists.
func (t *ConnTransport) Available() error { return nil }

// Listen is a no-op.
func (t *ConnTransport) Listen(ctx context.Context) error { return ctx.Err() }

// Accept is a no-op; the peer is already connected.
func (t *ConnTransport) Accept(ctx context.Context) error { return ctx.Err() }

// ReadPage reads the next bytes from the stream.
func (t *ConnTransport) ReadPage(page *buffer.PageBuffer, timeout time.Duration) error {
	return readStreamPage(t.conn, &t.waker, page, timeout)
}

// WakeReader interrupts a pending ReadPage.
func (t *ConnTransport) WakeReader() {
	t.waker.wake(t.conn)
}

// WritePage writes page to the stream.
func (t *ConnTransport) WritePage(page *buffer.PageBuffer, timeout time.Duration) error {
	return writeStreamPage(t.conn, page, timeout)
}

// Close closes the stream.
func (t *ConnTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
