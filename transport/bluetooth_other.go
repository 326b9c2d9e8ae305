//go:build !linux

package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/newtonresearch/newton-connection/buffer"
)

// BluetoothTransport is not supported on this platform; it always reports
// ErrUnavailable so the controller skips it.
type BluetoothTransport struct {
	channel uint8
}

// NewBluetoothTransport creates an unavailable transport.
func NewBluetoothTransport(channel uint8) *BluetoothTransport {
	return &BluetoothTransport{channel: channel}
}

// Name returns "bluetooth".
func (t *BluetoothTransport) Name() string { return "bluetooth" }

// Available always fails.
func (t *BluetoothTransport) Available() error {
	return fmt.Errorf("%w: RFCOMM is only supported on linux", ErrUnavailable)
}

func (t *BluetoothTransport) Listen(ctx context.Context) error { return t.Available() }

func (t *BluetoothTransport) Accept(ctx context.Context) error { return ErrNotConnected }

func (t *BluetoothTransport) ReadPage(page *buffer.PageBuffer, timeout time.Duration) error {
	return ErrNotConnected
}

func (t *BluetoothTransport) WritePage(page *buffer.PageBuffer, timeout time.Duration) error {
	return ErrNotConnected
}

func (t *BluetoothTransport) Close() error { return nil }
