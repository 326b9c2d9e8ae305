package dock

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/newtonresearch/newton-connection/buffer"
	"github.com/newtonresearch/newton-connection/limits"
)

// Decoder assembles events from a byte stream. It keeps the header of a
// frame whose payload has not fully arrived, so it must see every byte of the
// stream in order. A Decoder is not safe for concurrent use.
type Decoder struct {
	codec   ValueCodec
	hdr     [limits.HeaderSize]byte
	pending *Event
}

// NewDecoder creates a decoder. ShapeValue payloads are decoded with codec
// into Event.Decoded; a nil codec leaves them encoded only.
func NewDecoder(codec ValueCodec) *Decoder {
	return &Decoder{codec: codec}
}

// Next removes the next complete frame from in and returns its event.
//
// It returns ErrIncomplete when in does not yet hold a whole frame; nothing
// is lost and Next should be called again after more bytes arrive.
// ErrBadClass and ErrFrameTooLarge mean the stream cannot be resynchronised.
// A payload that does not match its tag's shape is still consumed and
// reported through Event.Err.
func (d *Decoder) Next(in *buffer.ChunkBuffer) (*Event, error) {
	if d.pending == nil {
		if !in.Peek(d.hdr[:]) {
			return nil, ErrIncomplete
		}
		class := Tag(binary.BigEndian.Uint32(d.hdr[0:4]))
		if class != ClassNewt {
			return nil, fmt.Errorf("%w: %s", ErrBadClass, class)
		}
		length := binary.BigEndian.Uint32(d.hdr[8:12])
		if err := limits.ValidateEventLength(uint64(length)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFrameTooLarge, err)
		}
		in.Discard(limits.HeaderSize)
		d.pending = &Event{
			Class:  class,
			Tag:    Tag(binary.BigEndian.Uint32(d.hdr[4:8])),
			Length: length,
		}
	}

	ev := d.pending
	if in.Len() < int(ev.Length) {
		return nil, ErrIncomplete
	}
	var payload []byte
	if ev.Length > 0 {
		payload = make([]byte, ev.Length)
		in.Read(payload)
	}
	d.pending = nil

	if err := d.decodePayload(ev, payload); err != nil {
		ev.Err = &EventError{Tag: ev.Tag, Err: err}
		ev.Data = payload
	}
	return ev, nil
}

// Pending reports whether a frame header has been consumed but its payload
// has not yet arrived.
func (d *Decoder) Pending() bool {
	return d.pending != nil
}

// Reset forgets any partially received frame.
func (d *Decoder) Reset() {
	d.pending = nil
}

func (d *Decoder) decodePayload(ev *Event, payload []byte) error {
	ev.Shape = ShapeOf(ev.Tag, ev.Length)

	switch ev.Shape {
	case ShapeNone:
		if len(payload) != 0 {
			return fmt.Errorf("%w: %s carries no payload, got %d bytes", ErrPayloadShape, ev.Tag, len(payload))
		}
	case ShapeInt:
		if len(payload) != 4 {
			return fmt.Errorf("%w: %s carries 4 bytes, got %d", ErrPayloadShape, ev.Tag, len(payload))
		}
		ev.Int = int32(binary.BigEndian.Uint32(payload))
	case ShapeValue:
		ev.Value = payload
		if d.codec != nil {
			v, err := d.codec.Unmarshal(payload)
			if err != nil {
				if !errors.Is(err, ErrPayloadShape) {
					err = fmt.Errorf("%w: %v", ErrPayloadShape, err)
				}
				return err
			}
			ev.Decoded = v
		}
	default:
		ev.Data = payload
	}
	return nil
}

// Parse decodes exactly one frame held entirely in frame.
func Parse(frame []byte) (*Event, error) {
	in := buffer.NewChunkBuffer()
	in.Write(frame)
	ev, err := NewDecoder(nil).Next(in)
	if err != nil {
		return nil, err
	}
	if in.Len() != 0 {
		return nil, fmt.Errorf("%d bytes after %s frame", in.Len(), ev.Tag)
	}
	return ev, nil
}
