package transport

import (
	"context"
	"time"

	"github.com/newtonresearch/newton-connection/buffer"
)

// Transport defines the capability set every physical dock transport
// implements. This abstraction allows TCP/IP, serial, Bluetooth and
// simulator links to be raced and driven interchangeably by an Endpoint.
type Transport interface {
	// Name identifies the transport in logs and metrics.
	Name() string

	// Available reports whether the medium can be used on this machine.
	// It returns nil or an error wrapping ErrUnavailable.
	Available() error

	// Listen begins advertising and accepting on the medium.
	Listen(ctx context.Context) error

	// Accept blocks until the first peer makes contact.
	Accept(ctx context.Context) error

	// ReadPage fills page with the next bytes from the peer. It returns once
	// at least one byte has been read, the timeout elapses, or the medium fails.
	// A timeout <= 0 means no timeout.
	ReadPage(page *buffer.PageBuffer, timeout time.Duration) error

	// WritePage drains every byte of page to the peer.
	// A timeout <= 0 means no timeout.
	WritePage(page *buffer.PageBuffer, timeout time.Duration) error

	// Close shuts down the transport. It is idempotent.
	Close() error
}

// ReadWaker is implemented by transports whose blocked ReadPage can be cut
// short from another goroutine. The interrupted call returns a deadline
// error and the endpoint reads again with its current timeout, so a timeout
// change takes effect on a read that is already waiting.
type ReadWaker interface {
	WakeReader()
}

// Assembler consumes the bytes arriving on a connected Endpoint. Assemble is
// called on the endpoint's assembly goroutine each time new bytes are
// appended to in; it should consume every complete frame and leave partial
// frames in place. A returned error is treated as a framing error and ends
// the connection.
type Assembler interface {
	Assemble(in *buffer.ChunkBuffer) error

	// Disconnected is called exactly once when the connection is lost or closed.
	Disconnected(err error)
}

// State is the lifecycle state of an Endpoint.
type State int32

const (
	// StateIdle indicates the endpoint has not started listening.
	StateIdle State = iota
	// StateListening indicates the transport is advertising and waiting for a peer.
	StateListening
	// StateConnected indicates a peer has connected.
	StateConnected
	// StateClosing indicates the endpoint is shutting down.
	StateClosing
	// StateClosed indicates the endpoint is shut down.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
