package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/newtonresearch/newton-connection/buffer"
	"github.com/newtonresearch/newton-connection/limits"
)

// SimulatorPath is the WebSocket path an emulator connects to.
const SimulatorPath = "/dock"

// SimulatorTransport accepts an emulated Newton over a WebSocket. Each
// binary message carries raw dock bytes in either direction; message
// boundaries carry no meaning.
type SimulatorTransport struct {
	addr     string
	upgrader websocket.Upgrader
	peers    chan *websocket.Conn

	mu        sync.Mutex
	listener  net.Listener
	server    *http.Server
	boundAddr net.Addr
	conn      *websocket.Conn
	accepted  bool
	closed    bool

	messages chan []byte   // binary messages from the pump goroutine
	readErr  error         // why the pump stopped, valid once messages is closed
	wake     chan struct{} // cuts short a pending ReadPage
	done     chan struct{}

	// reader state
	pending []byte
}

// NewSimulatorTransport creates a simulator transport listening on addr,
// e.g. "127.0.0.1:3680".
func NewSimulatorTransport(addr string) *SimulatorTransport {
	return &SimulatorTransport{
		addr: addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  limits.PageSize,
			WriteBufferSize: limits.PageSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		peers:    make(chan *websocket.Conn, 1),
		messages: make(chan []byte, 4),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Name returns "simulator".
func (t *SimulatorTransport) Name() string { return "simulator" }

// Available reports whether an address is configured.
func (t *SimulatorTransport) Available() error {
	if t.addr == "" {
		return ErrUnavailable
	}
	return nil
}

// Listen starts the WebSocket server.
func (t *SimulatorTransport) Listen(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrConnectionClosed
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", t.addr)
	if err != nil {
		return err
	}

	router := chi.NewRouter()
	router.Get(SimulatorPath, t.handleUpgrade)
	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	t.listener = listener
	t.server = server
	t.boundAddr = listener.Addr()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "SimulatorTransport.Listen",
				"error":    err.Error(),
			}).Warn("Simulator server stopped")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function": "SimulatorTransport.Listen",
		"addr":     t.boundAddr.String(),
		"path":     SimulatorPath,
	}).Debug("Simulator listening")

	return nil
}

// handleUpgrade accepts the first emulator and turns away any other.
func (t *SimulatorTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	busy := t.accepted || t.closed
	t.mu.Unlock()
	if busy {
		http.Error(w, "dock already connected", http.StatusConflict)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SimulatorTransport.handleUpgrade",
			"error":    err.Error(),
		}).Debug("WebSocket upgrade failed")
		return
	}

	select {
	case t.peers <- conn:
	default:
		conn.Close()
	}
}

// Accept waits for an emulator to connect.
func (t *SimulatorTransport) Accept(ctx context.Context) error {
	t.mu.Lock()
	listening := t.server != nil
	t.mu.Unlock()
	if !listening {
		return ErrNotConnected
	}

	select {
	case conn := <-t.peers:
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return ErrConnectionClosed
		}
		t.conn = conn
		t.accepted = true
		t.mu.Unlock()

		go t.pump(conn)

		logrus.WithFields(logrus.Fields{
			"function": "SimulatorTransport.Accept",
			"peer":     conn.RemoteAddr().String(),
		}).Info("Emulator connected")
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the bound listening address, or nil before Listen.
func (t *SimulatorTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.boundAddr
}

func (t *SimulatorTransport) activeConn() (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	return t.conn, nil
}

// pump reads messages off the WebSocket so that a ReadPage timeout never
// interrupts the connection itself. Text messages are ignored.
func (t *SimulatorTransport) pump(conn *websocket.Conn) {
	defer close(t.messages)
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			t.readErr = err
			t.mu.Unlock()
			return
		}
		if mt != websocket.BinaryMessage || len(msg) == 0 {
			continue
		}
		select {
		case t.messages <- msg:
		case <-t.done:
			return
		}
	}
}

// ReadPage fills page from the current binary message, waiting for the next
// message once the current one is used up.
func (t *SimulatorTransport) ReadPage(page *buffer.PageBuffer, timeout time.Duration) error {
	if _, err := t.activeConn(); err != nil {
		return err
	}

	if len(t.pending) == 0 {
		var expired <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			expired = timer.C
		}

		select {
		case msg, ok := <-t.messages:
			if !ok {
				t.mu.Lock()
				err := t.readErr
				t.mu.Unlock()
				if err == nil {
					err = net.ErrClosed
				}
				return err
			}
			t.pending = msg
		case <-t.wake:
			return os.ErrDeadlineExceeded
		case <-expired:
			return os.ErrDeadlineExceeded
		case <-t.done:
			return net.ErrClosed
		}
	}

	n := page.Fill(t.pending)
	t.pending = t.pending[n:]
	return nil
}

// WakeReader interrupts a pending ReadPage.
func (t *SimulatorTransport) WakeReader() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// WritePage sends page as one binary message.
func (t *SimulatorTransport) WritePage(page *buffer.PageBuffer, timeout time.Duration) error {
	conn, err := t.activeConn()
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(deadline(timeout)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, page.Bytes()); err != nil {
		return err
	}
	page.Drain(page.Used())
	return nil
}

// Close stops the server and closes the emulator connection.
func (t *SimulatorTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	server, conn := t.server, t.conn
	t.mu.Unlock()
	close(t.done)

	if server != nil {
		server.Close()
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}
