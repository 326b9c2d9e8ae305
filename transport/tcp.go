package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/newtonresearch/newton-connection/buffer"
	"github.com/newtonresearch/newton-connection/discovery"
)

// DefaultTCPPort is the well-known dock port a Newton connects to.
const DefaultTCPPort = 3679

// TCPTransport listens for a single Newton connecting over TCP/IP and,
// optionally, advertises itself over DNS-SD while it waits.
type TCPTransport struct {
	listenAddr  string
	advertise   bool
	serviceName string

	mu         sync.Mutex
	listener   net.Listener
	boundAddr  net.Addr
	conn       net.Conn
	advertiser *discovery.Advertiser
	closed     bool

	waker readWaker
}

// TCPOption configures a TCPTransport.
type TCPOption func(*TCPTransport)

// WithAdvertising publishes the listener as _newton-dock._tcp under
// serviceName. An empty name uses the host name.
func WithAdvertising(serviceName string) TCPOption {
	return func(t *TCPTransport) {
		t.advertise = true
		t.serviceName = serviceName
	}
}

// NewTCPTransport creates a TCP transport for listenAddr, e.g. ":3679".
func NewTCPTransport(listenAddr string, opts ...TCPOption) *TCPTransport {
	t := &TCPTransport{listenAddr: listenAddr}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns "tcp".
func (t *TCPTransport) Name() string { return "tcp" }

// Available reports whether the host has a usable network stack.
func (t *TCPTransport) Available() error {
	if _, err := net.InterfaceAddrs(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Listen binds the listening socket and starts advertising.
func (t *TCPTransport) Listen(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrConnectionClosed
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", t.listenAddr)
	if err != nil {
		return err
	}
	t.listener = listener
	t.boundAddr = listener.Addr()

	if t.advertise {
		port := uint16(0)
		if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
			port = uint16(tcpAddr.Port)
		}
		adv := discovery.NewAdvertiser(discovery.NewService(t.serviceName, port))
		if err := adv.Start(); err != nil {
			// The Newton can still connect to a typed address.
			logrus.WithFields(logrus.Fields{
				"function": "TCPTransport.Listen",
				"error":    err.Error(),
			}).Warn("Service discovery unavailable")
		} else {
			t.advertiser = adv
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "TCPTransport.Listen",
		"addr":     t.boundAddr.String(),
	}).Debug("TCP listener bound")

	return nil
}

// Accept waits for the first connection, then stops listening and
// advertising. Only one Newton is served per transport.
func (t *TCPTransport) Accept(ctx context.Context) error {
	t.mu.Lock()
	listener := t.listener
	t.mu.Unlock()

	if listener == nil {
		return ErrNotConnected
	}

	stop := context.AfterFunc(ctx, func() {
		listener.Close()
	})
	conn, err := listener.Accept()
	stop()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
		_ = tcpConn.SetKeepAlivePeriod(30 * time.Second)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return ErrConnectionClosed
	}
	t.conn = conn
	adv := t.advertiser
	t.advertiser = nil
	t.mu.Unlock()

	listener.Close()
	if adv != nil {
		adv.Stop()
	}

	logrus.WithFields(logrus.Fields{
		"function": "TCPTransport.Accept",
		"peer":     conn.RemoteAddr().String(),
	}).Info("Newton connected over TCP")

	return nil
}

// Addr returns the bound listening address, or nil before Listen.
func (t *TCPTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.boundAddr
}

func (t *TCPTransport) activeConn() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	return t.conn, nil
}

// ReadPage reads the next bytes from the peer.
func (t *TCPTransport) ReadPage(page *buffer.PageBuffer, timeout time.Duration) error {
	conn, err := t.activeConn()
	if err != nil {
		return err
	}
	return readStreamPage(conn, &t.waker, page, timeout)
}

// WakeReader interrupts a pending ReadPage.
func (t *TCPTransport) WakeReader() {
	if conn, err := t.activeConn(); err == nil {
		t.waker.wake(conn)
	}
}

// WritePage writes page to the peer.
func (t *TCPTransport) WritePage(page *buffer.PageBuffer, timeout time.Duration) error {
	conn, err := t.activeConn()
	if err != nil {
		return err
	}
	return writeStreamPage(conn, page, timeout)
}

// Close shuts down the listener, the connection and the advertiser.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listener, conn, adv := t.listener, t.conn, t.advertiser
	t.advertiser = nil
	t.mu.Unlock()

	if adv != nil {
		adv.Stop()
	}
	if listener != nil {
		listener.Close()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
