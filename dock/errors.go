package dock

import (
	"context"
	"errors"
	"fmt"

	"github.com/newtonresearch/newton-connection/transport"
)

// Codec and queue errors
var (
	// ErrIncomplete indicates the buffered bytes do not yet hold a whole
	// frame. It is not a failure; the decoder waits for more bytes.
	ErrIncomplete = errors.New("incomplete event")

	// ErrBadClass indicates a frame whose class is not 'newt'
	ErrBadClass = errors.New("bad event class")

	// ErrFrameTooLarge indicates a declared length above limits.MaxEventLength
	ErrFrameTooLarge = errors.New("event frame too large")

	// ErrPayloadShape indicates a payload that does not match its tag's shape
	ErrPayloadShape = errors.New("payload does not match event shape")

	// ErrUnknownCommand indicates a tag the application does not handle
	ErrUnknownCommand = errors.New("unknown command")

	// ErrQueueOpen indicates Open was called on a queue that is already bound
	ErrQueueOpen = errors.New("event queue already open")

	// ErrQueueNotOpen indicates a send on a queue with no endpoint
	ErrQueueNotOpen = errors.New("event queue not open")

	// ErrQueueClosed indicates the queue was closed while waiting
	ErrQueueClosed = errors.New("event queue closed")

	// ErrFrameAborted indicates an outbound frame was cut short after part of
	// it was written, leaving the peer's decoder mid-frame
	ErrFrameAborted = errors.New("outbound frame aborted")

	// ErrWriteInterrupted is transport.ErrWriteInterrupted
	ErrWriteInterrupted = transport.ErrWriteInterrupted

	// ErrDisconnected indicates the connection was lost. It is the same value
	// as transport.ErrDisconnected.
	ErrDisconnected = transport.ErrDisconnected

	// ErrCancelled indicates a deliberately aborted operation. It is the same
	// value as transport.ErrCancelled and also matches context.Canceled.
	ErrCancelled = transport.ErrCancelled
)

// EventError is attached to a single received event whose payload could not
// be decoded. The stream position is unaffected.
type EventError struct {
	Tag Tag   // command tag of the failed event
	Err error // underlying error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("event %s: %v", e.Tag, e.Err)
}

func (e *EventError) Unwrap() error {
	return e.Err
}

// Desktop error numbers reported to the Newton in a 'dres' result.
const (
	ErrCodeBase                   int32 = -99000
	ErrCodeOperationCancelled     int32 = ErrCodeBase - 1
	ErrCodeUnknownCommand         int32 = ErrCodeBase - 2
	ErrCodeNoSyncOptions          int32 = ErrCodeBase - 3
	ErrCodeCantRegisterSyncClient int32 = ErrCodeBase - 4
	ErrCodeNoSyncSession          int32 = ErrCodeBase - 5
	ErrCodeCantFindSoup           int32 = ErrCodeBase - 6
	ErrCodeException              int32 = ErrCodeBase - 7
)

// ErrorCode maps err to the number sent in a 'dres' result. A nil error is 0.
func ErrorCode(err error) int32 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ErrCodeOperationCancelled
	case errors.Is(err, ErrUnknownCommand):
		return ErrCodeUnknownCommand
	}
	return ErrCodeException
}
