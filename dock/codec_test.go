package dock

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtonresearch/newton-connection/buffer"
	"github.com/newtonresearch/newton-connection/limits"
)

func TestPingIsTwelveBytes(t *testing.T) {
	ping := NewEvent(MustTag("PING"))

	frame, err := ping.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte("newtPING\x00\x00\x00\x00"), frame)

	parsed, err := Parse(frame)
	require.NoError(t, err)
	assert.Equal(t, MustTag("PING"), parsed.Tag)
	assert.Equal(t, ShapeNone, parsed.Shape)
	assert.Equal(t, ping, parsed)
}

func TestCodecRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ev   *Event
	}{
		{"none", NewEvent(TagHello)},
		{"int", NewIntEvent(TagResult, ErrCodeOperationCancelled)},
		{"int positive", NewIntEvent(TagRequestToDock, 10)},
		{"value", NewValueEvent(TagStoreNames, []byte{0x02, 0x05, 0x01, 0x02})},
		{"bytes", NewBytesEvent(TagLoadPackage, bytes.Repeat([]byte("pkg!"), 600))},
		{"unknown tag with payload", NewBytesEvent(MustTag("xtra"), []byte{1, 2, 3})},
		{"unknown tag without payload", NewEvent(MustTag("xnon"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := tt.ev.Encode()
			require.NoError(t, err)
			assert.Len(t, frame, limits.HeaderSize+int(tt.ev.Length))

			parsed, err := Parse(frame)
			require.NoError(t, err)
			assert.Equal(t, tt.ev, parsed)
		})
	}
}

func testStream(t *testing.T) ([]byte, []*Event) {
	t.Helper()
	events := []*Event{
		NewIntEvent(TagRequestToDock, 10),
		NewBytesEvent(TagNewtonName, bytes.Repeat([]byte{0, 'N'}, 700)),
		NewEvent(TagHello),
		NewValueEvent(TagSyncOptions, []byte(`{"backup":true}`)),
		NewIntEvent(TagSetTimeout, 90),
		NewEvent(TagDisconnect),
	}
	var stream []byte
	for _, ev := range events {
		frame, err := ev.Encode()
		require.NoError(t, err)
		stream = append(stream, frame...)
	}
	return stream, events
}

func drain(t *testing.T, dec *Decoder, in *buffer.ChunkBuffer) []*Event {
	t.Helper()
	var out []*Event
	for {
		ev, err := dec.Next(in)
		if err == ErrIncomplete {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestDecoderByteAtATimeMatchesBulk(t *testing.T) {
	stream, events := testStream(t)

	bulk := buffer.NewChunkBuffer()
	bulk.Write(stream)
	bulkEvents := drain(t, NewDecoder(nil), bulk)

	dec := NewDecoder(nil)
	in := buffer.NewChunkBuffer()
	var trickled []*Event
	for _, c := range stream {
		in.WriteByte(c)
		trickled = append(trickled, drain(t, dec, in)...)
	}

	assert.Equal(t, events, bulkEvents)
	assert.Equal(t, bulkEvents, trickled)
	assert.Equal(t, 0, in.Len())
}

func TestDecoderIncomplete(t *testing.T) {
	frame, err := NewIntEvent(TagWhichIcons, 7).Encode()
	require.NoError(t, err)

	dec := NewDecoder(nil)
	in := buffer.NewChunkBuffer()

	in.Write(frame[:8])
	_, err = dec.Next(in)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.False(t, dec.Pending())
	assert.Equal(t, 8, in.Len(), "a short header is left in place")

	in.Write(frame[8:14])
	_, err = dec.Next(in)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.True(t, dec.Pending())

	in.Write(frame[14:])
	ev, err := dec.Next(in)
	require.NoError(t, err)
	assert.Equal(t, int32(7), ev.Int)
	assert.False(t, dec.Pending())

	dec.Reset()
	assert.False(t, dec.Pending())
}

func TestDecoderFramingErrors(t *testing.T) {
	t.Run("bad class", func(t *testing.T) {
		in := buffer.NewChunkBuffer()
		in.Write([]byte("ab\x00\x00helo\x00\x00\x00\x00"))
		_, err := NewDecoder(nil).Next(in)
		assert.ErrorIs(t, err, ErrBadClass)
	})

	t.Run("too large", func(t *testing.T) {
		in := buffer.NewChunkBuffer()
		in.Write([]byte("newtlpkg\x7f\xff\xff\xff"))
		_, err := NewDecoder(nil).Next(in)
		assert.ErrorIs(t, err, ErrFrameTooLarge)
		assert.ErrorIs(t, err, limits.ErrEventTooLarge)
	})
}

func TestDecoderPayloadShapeKeepsStreamPosition(t *testing.T) {
	bad := []byte("newtdres\x00\x00\x00\x02\xAA\xBB")
	good, err := NewEvent(TagHello).Encode()
	require.NoError(t, err)

	in := buffer.NewChunkBuffer()
	in.Write(bad)
	in.Write(good)
	events := drain(t, NewDecoder(nil), in)
	require.Len(t, events, 2)

	var evErr *EventError
	require.ErrorAs(t, events[0].Err, &evErr)
	assert.Equal(t, TagResult, evErr.Tag)
	assert.ErrorIs(t, events[0].Err, ErrPayloadShape)
	assert.Equal(t, []byte{0xAA, 0xBB}, events[0].Data)

	assert.NoError(t, events[1].Err)
	assert.Equal(t, TagHello, events[1].Tag)
}

func TestDecoderValueCodec(t *testing.T) {
	good, err := NewValueEvent(TagSyncOptions, []byte(`{"packages":true,"stores":["Internal"]}`)).Encode()
	require.NoError(t, err)
	bad, err := NewValueEvent(TagSyncOptions, []byte(`{"packages":`)).Encode()
	require.NoError(t, err)

	in := buffer.NewChunkBuffer()
	in.Write(good)
	in.Write(bad)
	events := drain(t, NewDecoder(JSONCodec{}), in)
	require.Len(t, events, 2)

	assert.Equal(t, map[string]any{
		"packages": true,
		"stores":   []any{"Internal"},
	}, events[0].Decoded)
	assert.ErrorIs(t, events[1].Err, ErrPayloadShape)
}

func TestParseRejectsTrailingBytes(t *testing.T) {
	frame, err := NewEvent(TagHello).Encode()
	require.NoError(t, err)

	_, err = Parse(append(frame, 'x'))
	assert.Error(t, err)

	_, err = Parse(frame[:5])
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestFileEventEncode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Hello.pkg")
	content := bytes.Repeat([]byte("package0"), 300)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	ev, err := NewFileEvent(TagLoadPackage, path)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(content)), ev.Length)
	assert.Equal(t, ShapeFile, ev.Shape)

	frame, err := ev.Encode()
	require.NoError(t, err)
	parsed, err := Parse(frame)
	require.NoError(t, err)
	assert.Equal(t, content, parsed.Data)

	require.NoError(t, os.WriteFile(path, content[:10], 0o644))
	_, err = ev.Encode()
	assert.Error(t, err)

	_, err = NewFileEvent(TagLoadPackage, filepath.Join(t.TempDir(), "missing.pkg"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = NewFileEvent(TagLoadPackage, t.TempDir())
	assert.Error(t, err)
}

func TestEncodeLengthMismatch(t *testing.T) {
	ev := NewBytesEvent(TagLoadPackage, []byte("abc"))
	ev.Length = 4
	_, err := ev.Encode()
	assert.ErrorIs(t, err, ErrPayloadShape)
}

func TestTags(t *testing.T) {
	assert.Equal(t, "rtdk", TagRequestToDock.String())
	assert.Equal(t, "newt", ClassNewt.String())
	assert.Equal(t, [4]byte{'d', 'r', 'e', 's'}, TagResult.Bytes())
	assert.Equal(t, "0x00000001", Tag(1).String())

	tag, err := MakeTag("kbdc")
	require.NoError(t, err)
	assert.Equal(t, TagKeyboardChar, tag)

	_, err = MakeTag("toolong")
	assert.Error(t, err)
	assert.Panics(t, func() { MustTag("abc") })
}

func TestShapeOf(t *testing.T) {
	tests := []struct {
		tag    Tag
		length uint32
		want   Shape
	}{
		{TagRequestToDock, 4, ShapeInt},
		{TagNewtonName, 40, ShapeBytes},
		{TagHello, 0, ShapeNone},
		{TagStoreNames, 12, ShapeValue},
		{MustTag("????"), 3, ShapeBytes},
		{MustTag("????"), 0, ShapeNone},
	}
	for _, tt := range tests {
		t.Run(tt.tag.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, ShapeOf(tt.tag, tt.length))
		})
	}

	custom := MustTag("cust")
	require.NoError(t, RegisterShape(custom, ShapeInt))
	assert.Equal(t, ShapeInt, ShapeOf(custom, 0))
	assert.Error(t, RegisterShape(custom, ShapeFile))
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "dres(-99001)", NewIntEvent(TagResult, ErrCodeOperationCancelled).String())
	assert.Equal(t, "helo", NewEvent(TagHello).String())
	assert.Equal(t, "lpkg[bytes 3]", NewBytesEvent(TagLoadPackage, []byte("abc")).String())
}
