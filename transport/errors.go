package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

// Common transport errors
var (
	// ErrUnavailable indicates the medium is not present on this machine
	ErrUnavailable = errors.New("transport unavailable")

	// ErrNoTransport indicates no transport could be started
	ErrNoTransport = errors.New("no transport available")

	// ErrConnectionClosed indicates the connection has been closed
	ErrConnectionClosed = errors.New("connection closed")

	// ErrDisconnected indicates the peer went away
	ErrDisconnected = errors.New("disconnected")

	// ErrTimeout indicates no bytes moved within the endpoint timeout
	ErrTimeout = errors.New("operation timed out")

	// ErrCancelled indicates the operation was deliberately aborted
	ErrCancelled = cancelledError{}

	// ErrWriteInterrupted indicates a cancelled write had already started, so
	// part of it may have reached the peer
	ErrWriteInterrupted = errors.New("write interrupted")

	// ErrNotConnected indicates an operation that needs a peer was attempted too early
	ErrNotConnected = errors.New("endpoint not connected")

	// ErrAlreadyBound indicates the endpoint already feeds an event queue
	ErrAlreadyBound = errors.New("endpoint already bound")

	// ErrAlreadyListening indicates StartListening was called twice
	ErrAlreadyListening = errors.New("controller already listening")
)

// cancelledError matches context.Canceled under errors.Is so callers that only
// know about contexts still recognise a cancelled dock operation.
type cancelledError struct{}

func (cancelledError) Error() string { return "operation cancelled" }

func (cancelledError) Is(target error) bool { return target == context.Canceled }

// EndpointError represents a transport error with additional context
type EndpointError struct {
	Op        string // operation that caused the error
	Transport string // transport name if relevant
	Err       error  // underlying error
}

func (e *EndpointError) Error() string {
	if e.Transport != "" {
		return fmt.Sprintf("dock %s %s: %v", e.Op, e.Transport, e.Err)
	}
	return fmt.Sprintf("dock %s: %v", e.Op, e.Err)
}

func (e *EndpointError) Unwrap() error {
	return e.Err
}

// newEndpointError creates a new EndpointError
func newEndpointError(op, transport string, err error) *EndpointError {
	return &EndpointError{
		Op:        op,
		Transport: transport,
		Err:       err,
	}
}

// classify maps medium-specific errors onto the package sentinels so the
// event queue sees one vocabulary regardless of transport.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrDisconnected),
		errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrCancelled):
		return err
	case errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.As(err, &ne) && ne.Timeout():
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	case errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrClosed):
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	}
	return fmt.Errorf("%w: %v", ErrDisconnected, err)
}
