package dock

import (
	"fmt"
	"sync"
)

// Tag is a four character code packed big-endian into 32 bits, as used for
// the event class and the command verb.
type Tag uint32

// ClassNewt is the class of every dock event.
const ClassNewt Tag = 'n'<<24 | 'e'<<16 | 'w'<<8 | 't'

// Command tags understood by the dock protocol.
const (
	TagRequestToDock     Tag = 'r'<<24 | 't'<<16 | 'd'<<8 | 'k'
	TagInitiateDocking   Tag = 'd'<<24 | 'o'<<16 | 'c'<<8 | 'k'
	TagNewtonName        Tag = 'n'<<24 | 'a'<<16 | 'm'<<8 | 'e'
	TagNewtonInfo        Tag = 'n'<<24 | 'i'<<16 | 'n'<<8 | 'f'
	TagDesktopInfo       Tag = 'd'<<24 | 'i'<<16 | 'n'<<8 | 'f'
	TagWhichIcons        Tag = 'w'<<24 | 'i'<<16 | 'c'<<8 | 'n'
	TagSetTimeout        Tag = 's'<<24 | 't'<<16 | 'i'<<8 | 'm'
	TagPassword          Tag = 'p'<<24 | 'a'<<16 | 's'<<8 | 's'
	TagResult            Tag = 'd'<<24 | 'r'<<16 | 'e'<<8 | 's'
	TagDisconnect        Tag = 'd'<<24 | 'i'<<16 | 's'<<8 | 'c'
	TagHello             Tag = 'h'<<24 | 'e'<<16 | 'l'<<8 | 'o'
	TagOperationCanceled Tag = 'o'<<24 | 'p'<<16 | 'c'<<8 | 'a'
	TagOpCanceledAck     Tag = 'o'<<24 | 'c'<<16 | 'a'<<8 | 'a'
	TagOperationDone     Tag = 'o'<<24 | 'p'<<16 | 'd'<<8 | 'n'
	TagLoadPackage       Tag = 'l'<<24 | 'p'<<16 | 'k'<<8 | 'g'
	TagGetStoreNames     Tag = 'g'<<24 | 's'<<16 | 't'<<8 | 'o'
	TagStoreNames        Tag = 's'<<24 | 't'<<16 | 'o'<<8 | 'r'
	TagStartKeyboard     Tag = 'k'<<24 | 'y'<<16 | 'b'<<8 | 'd'
	TagKeyboardChar      Tag = 'k'<<24 | 'b'<<16 | 'd'<<8 | 'c'
	TagKeyboardString    Tag = 'k'<<24 | 'b'<<16 | 'd'<<8 | 's'
	TagKeyboardData      Tag = 'k'<<24 | 'b'<<16 | 'd'<<8 | 'd'
	TagRequestToSync     Tag = 's'<<24 | 's'<<16 | 'y'<<8 | 'n'
	TagGetSyncOptions    Tag = 'g'<<24 | 's'<<16 | 'y'<<8 | 'n'
	TagSyncOptions       Tag = 's'<<24 | 'o'<<16 | 'p'<<8 | 't'
	TagRequestToBrowse   Tag = 'r'<<24 | 't'<<16 | 'b'<<8 | 'r'
)

// MakeTag packs a four character code. It returns an error unless s is
// exactly four bytes.
func MakeTag(s string) (Tag, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("tag %q: need 4 bytes, got %d", s, len(s))
	}
	return Tag(s[0])<<24 | Tag(s[1])<<16 | Tag(s[2])<<8 | Tag(s[3]), nil
}

// MustTag is MakeTag for literals known to be valid.
func MustTag(s string) Tag {
	t, err := MakeTag(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Bytes returns the wire form of t.
func (t Tag) Bytes() [4]byte {
	return [4]byte{byte(t >> 24), byte(t >> 16), byte(t >> 8), byte(t)}
}

// String returns the four characters of t, or its hex value when any of them
// is not printable ASCII.
func (t Tag) String() string {
	b := t.Bytes()
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", uint32(t))
		}
	}
	return string(b[:])
}

// Shape is the payload layout a tag carries.
type Shape int

const (
	// ShapeNone carries no payload.
	ShapeNone Shape = iota
	// ShapeInt carries one big-endian 32-bit integer.
	ShapeInt
	// ShapeValue carries a structured value decoded by a ValueCodec.
	ShapeValue
	// ShapeBytes carries raw bytes.
	ShapeBytes
	// ShapeFile carries raw bytes streamed from a file when sent.
	ShapeFile
)

func (s Shape) String() string {
	switch s {
	case ShapeNone:
		return "none"
	case ShapeInt:
		return "int"
	case ShapeValue:
		return "value"
	case ShapeBytes:
		return "bytes"
	case ShapeFile:
		return "file"
	default:
		return fmt.Sprintf("Shape(%d)", int(s))
	}
}

var (
	shapesMu sync.RWMutex
	shapes   = map[Tag]Shape{
		TagRequestToDock:     ShapeInt,
		TagInitiateDocking:   ShapeInt,
		TagSetTimeout:        ShapeInt,
		TagResult:            ShapeInt,
		TagWhichIcons:        ShapeInt,
		TagKeyboardChar:      ShapeInt,
		TagNewtonName:        ShapeBytes,
		TagNewtonInfo:        ShapeBytes,
		TagPassword:          ShapeBytes,
		TagLoadPackage:       ShapeBytes,
		TagDesktopInfo:       ShapeBytes,
		TagKeyboardData:      ShapeBytes,
		TagDisconnect:        ShapeNone,
		TagHello:             ShapeNone,
		TagOperationCanceled: ShapeNone,
		TagOpCanceledAck:     ShapeNone,
		TagOperationDone:     ShapeNone,
		TagGetStoreNames:     ShapeNone,
		TagStartKeyboard:     ShapeNone,
		TagRequestToSync:     ShapeNone,
		TagGetSyncOptions:    ShapeNone,
		TagStoreNames:        ShapeValue,
		TagKeyboardString:    ShapeValue,
		TagSyncOptions:       ShapeValue,
		TagRequestToBrowse:   ShapeValue,
	}
)

// RegisterShape declares the payload shape of tag, replacing any previous
// declaration. ShapeFile is not a wire shape and is rejected.
func RegisterShape(tag Tag, shape Shape) error {
	if shape < ShapeNone || shape > ShapeBytes {
		return fmt.Errorf("tag %s: cannot register shape %s", tag, shape)
	}
	shapesMu.Lock()
	defer shapesMu.Unlock()
	shapes[tag] = shape
	return nil
}

// ShapeOf returns the shape used to decode a received tag with the given
// payload length. Undeclared tags are raw bytes, or none when empty.
func ShapeOf(tag Tag, length uint32) Shape {
	shapesMu.RLock()
	shape, ok := shapes[tag]
	shapesMu.RUnlock()
	if ok {
		return shape
	}
	if length > 0 {
		return ShapeBytes
	}
	return ShapeNone
}
