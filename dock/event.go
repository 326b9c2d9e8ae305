package dock

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/newtonresearch/newton-connection/limits"
)

// Event is one dock command. Events are built with the New* constructors or
// by a Decoder and are not modified afterwards.
type Event struct {
	Class  Tag
	Tag    Tag
	Length uint32 // payload bytes declared in the header
	Shape  Shape

	Int     int32  // ShapeInt
	Value   []byte // ShapeValue, encoded
	Decoded any    // ShapeValue, as produced by the decoder's ValueCodec
	Data    []byte // ShapeBytes
	File    string // ShapeFile

	// Err is set on a received event whose payload did not match its shape.
	// The raw payload is kept in Data.
	Err error
}

// NewEvent builds an event with no payload.
func NewEvent(tag Tag) *Event {
	return &Event{Class: ClassNewt, Tag: tag, Shape: ShapeNone}
}

// NewIntEvent builds an event carrying one integer.
func NewIntEvent(tag Tag, v int32) *Event {
	return &Event{Class: ClassNewt, Tag: tag, Length: 4, Shape: ShapeInt, Int: v}
}

// NewValueEvent builds an event carrying an already encoded value.
func NewValueEvent(tag Tag, encoded []byte) *Event {
	return &Event{
		Class:  ClassNewt,
		Tag:    tag,
		Length: uint32(len(encoded)),
		Shape:  ShapeValue,
		Value:  encoded,
	}
}

// NewBytesEvent builds an event carrying raw bytes.
func NewBytesEvent(tag Tag, data []byte) *Event {
	return &Event{
		Class:  ClassNewt,
		Tag:    tag,
		Length: uint32(len(data)),
		Shape:  ShapeBytes,
		Data:   data,
	}
}

// NewFileEvent builds an event whose payload is the contents of the file at
// path. The length is the file size now; the file is read when sent.
func NewFileEvent(tag Tag, path string) (*Event, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s: is a directory", path)
	}
	if err := limits.ValidateEventLength(uint64(info.Size())); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFrameTooLarge, err)
	}
	return &Event{
		Class:  ClassNewt,
		Tag:    tag,
		Length: uint32(info.Size()),
		Shape:  ShapeFile,
		File:   path,
	}, nil
}

// Header returns the 12 header bytes: class, tag and big-endian length.
func (e *Event) Header() []byte {
	hdr := make([]byte, limits.HeaderSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(e.Class))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(e.Tag))
	binary.BigEndian.PutUint32(hdr[8:12], e.Length)
	return hdr
}

// payload returns the in-memory payload. File payloads are not in memory.
func (e *Event) payload() []byte {
	switch e.Shape {
	case ShapeInt:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(e.Int))
		return b[:]
	case ShapeValue:
		return e.Value
	case ShapeBytes:
		return e.Data
	}
	return nil
}

// Encode returns the whole frame. A file payload is read from disk and must
// still have the length recorded when the event was built.
func (e *Event) Encode() ([]byte, error) {
	if e.Shape == ShapeFile {
		data, err := os.ReadFile(e.File)
		if err != nil {
			return nil, err
		}
		if uint32(len(data)) != e.Length {
			return nil, fmt.Errorf("%s: size changed from %d to %d", e.File, e.Length, len(data))
		}
		return append(e.Header(), data...), nil
	}

	payload := e.payload()
	if uint32(len(payload)) != e.Length {
		return nil, fmt.Errorf("%w: %s declares %d bytes, has %d", ErrPayloadShape, e.Tag, e.Length, len(payload))
	}
	frame := make([]byte, 0, limits.HeaderSize+len(payload))
	frame = append(frame, e.Header()...)
	return append(frame, payload...), nil
}

// String describes the event for logs.
func (e *Event) String() string {
	switch e.Shape {
	case ShapeInt:
		return fmt.Sprintf("%s(%d)", e.Tag, e.Int)
	case ShapeNone:
		return e.Tag.String()
	default:
		return fmt.Sprintf("%s[%s %d]", e.Tag, e.Shape, e.Length)
	}
}
