package transport

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/newtonresearch/newton-connection/buffer"
)

// DefaultBaudRate is the serial speed a Newton docks at.
const DefaultBaudRate = 38400

// serialPollInterval bounds how long Accept waits before rechecking its context.
const serialPollInterval = 250 * time.Millisecond

// SerialTransport talks to a Newton over a serial line using MNP framing.
type SerialTransport struct {
	device   string
	baud     int
	open     func() (stream, error)
	attached bool

	mu     sync.Mutex
	link   *mnpLink
	ready  bool
	closed bool
}

// NewSerialTransport creates a transport for device, e.g. "/dev/ttyUSB0".
// A baud of zero selects DefaultBaudRate.
func NewSerialTransport(device string, baud int) *SerialTransport {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	t := &SerialTransport{device: device, baud: baud}
	t.open = func() (stream, error) {
		return openSerial(t.device, t.baud)
	}
	return t
}

// newSerialTransportOver runs the MNP link over an already open port.
func newSerialTransportOver(name string, port stream) *SerialTransport {
	return &SerialTransport{
		device:   name,
		baud:     DefaultBaudRate,
		open:     func() (stream, error) { return port, nil },
		attached: true,
	}
}

// Name returns "serial".
func (t *SerialTransport) Name() string { return "serial" }

// Device returns the serial device path.
func (t *SerialTransport) Device() string { return t.device }

// Available reports whether the serial device exists.
func (t *SerialTransport) Available() error {
	if t.device == "" {
		return fmt.Errorf("%w: no serial port configured", ErrUnavailable)
	}
	if t.attached {
		return nil
	}
	if _, err := os.Stat(t.device); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Listen opens and configures the serial port.
func (t *SerialTransport) Listen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrConnectionClosed
	}

	port, err := t.open()
	if err != nil {
		return err
	}
	t.link = newMNPLink(port)

	logrus.WithFields(logrus.Fields{
		"function": "SerialTransport.Listen",
		"device":   t.device,
		"baud":     t.baud,
	}).Debug("Serial port open")

	return nil
}

// Accept waits for the Newton's MNP link request and completes the link.
func (t *SerialTransport) Accept(ctx context.Context) error {
	t.mu.Lock()
	link := t.link
	t.mu.Unlock()

	if link == nil {
		return ErrNotConnected
	}

	if err := link.awaitLR(ctx.Done(), serialPollInterval); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	t.mu.Lock()
	t.ready = true
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SerialTransport.Accept",
		"device":   t.device,
	}).Info("Newton connected over serial")

	return nil
}

func (t *SerialTransport) activeLink() (*mnpLink, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ready || t.link == nil {
		return nil, ErrNotConnected
	}
	return t.link, nil
}

// ReadPage reads the data of the next MNP LT frame.
func (t *SerialTransport) ReadPage(page *buffer.PageBuffer, timeout time.Duration) error {
	link, err := t.activeLink()
	if err != nil {
		return err
	}
	return link.readPage(page, timeout)
}

// WakeReader interrupts a pending ReadPage. The partial frame read so far
// is kept.
func (t *SerialTransport) WakeReader() {
	t.mu.Lock()
	link := t.link
	t.mu.Unlock()
	if link != nil {
		link.waker.wake(link.port)
	}
}

// WritePage sends page as acknowledged MNP LT frames.
func (t *SerialTransport) WritePage(page *buffer.PageBuffer, timeout time.Duration) error {
	link, err := t.activeLink()
	if err != nil {
		return err
	}
	return link.writePage(page, timeout)
}

// Close disconnects the MNP link and closes the port.
func (t *SerialTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	link, ready := t.link, t.ready
	t.mu.Unlock()

	if link == nil {
		return nil
	}
	return link.close(ready)
}
