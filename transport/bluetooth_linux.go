//go:build linux

package transport

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/newtonresearch/newton-connection/buffer"
)

// bluetoothPollInterval bounds how long Accept waits before rechecking its context.
const bluetoothPollInterval = 250 * time.Millisecond

// BluetoothTransport listens for a Newton on an RFCOMM channel.
type BluetoothTransport struct {
	channel uint8

	mu       sync.Mutex
	listenFD int
	conn     *os.File
	closed   bool

	waker readWaker
}

// NewBluetoothTransport creates a transport listening on RFCOMM channel.
func NewBluetoothTransport(channel uint8) *BluetoothTransport {
	return &BluetoothTransport{channel: channel, listenFD: -1}
}

// Name returns "bluetooth".
func (t *BluetoothTransport) Name() string { return "bluetooth" }

// Available reports whether an adapter is present and RFCOMM sockets can be created.
func (t *BluetoothTransport) Available() error {
	if t.channel == 0 || t.channel > 30 {
		return fmt.Errorf("%w: invalid RFCOMM channel %d", ErrUnavailable, t.channel)
	}
	adapters, err := os.ReadDir("/sys/class/bluetooth")
	if err != nil || len(adapters) == 0 {
		return fmt.Errorf("%w: no bluetooth adapter", ErrUnavailable)
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	unix.Close(fd)
	return nil
}

// Listen binds the RFCOMM channel on any local adapter.
func (t *BluetoothTransport) Listen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrConnectionClosed
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return fmt.Errorf("rfcomm socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrRFCOMM{Channel: t.channel}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("rfcomm bind channel %d: %w", t.channel, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("rfcomm listen: %w", err)
	}
	t.listenFD = fd

	logrus.WithFields(logrus.Fields{
		"function": "BluetoothTransport.Listen",
		"channel":  t.channel,
	}).Debug("RFCOMM channel listening")

	return nil
}

// Accept polls the listening socket until a Newton connects or ctx is done.
func (t *BluetoothTransport) Accept(ctx context.Context) error {
	t.mu.Lock()
	fd := t.listenFD
	t.mu.Unlock()

	if fd < 0 {
		return ErrNotConnected
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := unix.Poll(fds, int(bluetoothPollInterval/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("rfcomm poll: %w", err)
		}
		if n == 0 {
			continue
		}

		nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("rfcomm accept: %w", err)
		}

		conn := os.NewFile(uintptr(nfd), "rfcomm")
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return ErrConnectionClosed
		}
		t.conn = conn
		t.closeListenerLocked()
		t.mu.Unlock()

		peer := ""
		if rc, ok := sa.(*unix.SockaddrRFCOMM); ok {
			a := rc.Addr
			peer = fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[5], a[4], a[3], a[2], a[1], a[0])
		}
		logrus.WithFields(logrus.Fields{
			"function": "BluetoothTransport.Accept",
			"peer":     peer,
		}).Info("Newton connected over Bluetooth")

		return nil
	}
}

func (t *BluetoothTransport) closeListenerLocked() {
	if t.listenFD >= 0 {
		unix.Close(t.listenFD)
		t.listenFD = -1
	}
}

func (t *BluetoothTransport) activeConn() (*os.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	return t.conn, nil
}

// ReadPage reads the next bytes from the peer.
func (t *BluetoothTransport) ReadPage(page *buffer.PageBuffer, timeout time.Duration) error {
	conn, err := t.activeConn()
	if err != nil {
		return err
	}
	return readStreamPage(conn, &t.waker, page, timeout)
}

// WakeReader interrupts a pending ReadPage.
func (t *BluetoothTransport) WakeReader() {
	if conn, err := t.activeConn(); err == nil {
		t.waker.wake(conn)
	}
}

// WritePage writes page to the peer.
func (t *BluetoothTransport) WritePage(page *buffer.PageBuffer, timeout time.Duration) error {
	conn, err := t.activeConn()
	if err != nil {
		return err
	}
	return writeStreamPage(conn, page, timeout)
}

// Close closes the listening socket and the connection.
func (t *BluetoothTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.closeListenerLocked()
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
