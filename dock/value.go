package dock

import (
	"fmt"

	"github.com/sugawarayuuta/sonnet"
)

// ValueCodec converts structured values to and from the payload of a
// ShapeValue event. The dock engine treats the encoded form as opaque.
type ValueCodec interface {
	// Name identifies the codec in configuration.
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// RawCodec passes encoded values through untouched. It is the default: the
// application parses the Newton's streamed objects itself.
type RawCodec struct{}

// Name returns "raw".
func (RawCodec) Name() string { return "raw" }

// Marshal accepts []byte or string.
func (RawCodec) Marshal(v any) ([]byte, error) {
	switch v := v.(type) {
	case []byte:
		return append([]byte(nil), v...), nil
	case string:
		return []byte(v), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: raw codec cannot encode %T", ErrPayloadShape, v)
	}
}

// Unmarshal returns a copy of data.
func (RawCodec) Unmarshal(data []byte) (any, error) {
	return append([]byte(nil), data...), nil
}

// JSONCodec carries values as JSON. Emulator bridges use it to exchange
// values without implementing the Newton object format.
type JSONCodec struct{}

// Name returns "json".
func (JSONCodec) Name() string { return "json" }

// Marshal encodes v as JSON.
func (JSONCodec) Marshal(v any) ([]byte, error) {
	data, err := sonnet.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadShape, err)
	}
	return data, nil
}

// Unmarshal decodes JSON into maps, slices, strings, float64s and bools.
func (JSONCodec) Unmarshal(data []byte) (any, error) {
	var v any
	if err := sonnet.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadShape, err)
	}
	return v, nil
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (ValueCodec, error) {
	switch name {
	case "", "raw":
		return RawCodec{}, nil
	case "json":
		return JSONCodec{}, nil
	}
	return nil, fmt.Errorf("unknown value codec %q", name)
}
