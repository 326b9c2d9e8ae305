package buffer

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtonresearch/newton-connection/limits"
)

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i * 7)
	}
	return p
}

// TestChunkBufferRoundTrip verifies that bytes come out in the order they went
// in regardless of where write and read boundaries fall relative to chunks.
func TestChunkBufferRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		total      int
		writeSizes []int
		readSize   int
	}{
		{"single byte", 1, []int{1}, 1},
		{"exact chunk", limits.ChunkSize, []int{limits.ChunkSize}, limits.ChunkSize},
		{"chunk plus one", limits.ChunkSize + 1, []int{limits.ChunkSize + 1}, 1},
		{"straddling writes", 3000, []int{1000, 1000, 1000}, 700},
		{"tiny writes big read", 2500, []int{3}, 2500},
		{"big write tiny reads", 5000, []int{5000}, 13},
		{"unaligned both", 4099, []int{17, 1023, 1025}, 1021},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := pattern(tt.total)
			cb := NewChunkBuffer()

			for off, i := 0, 0; off < len(src); i++ {
				n := tt.writeSizes[i%len(tt.writeSizes)]
				if off+n > len(src) {
					n = len(src) - off
				}
				written, err := cb.Write(src[off : off+n])
				require.NoError(t, err)
				require.Equal(t, n, written)
				off += n
			}
			require.Equal(t, tt.total, cb.Len())

			var got []byte
			for cb.Len() > 0 {
				n := tt.readSize
				if n > cb.Len() {
					n = cb.Len()
				}
				p := make([]byte, n)
				require.True(t, cb.Read(p))
				got = append(got, p...)
			}
			assert.Equal(t, src, got)
			assert.Equal(t, 0, cb.Len())
		})
	}
}

// TestChunkBufferRandomizedRoundTrip interleaves random writes and reads.
func TestChunkBufferRandomizedRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	cb := NewChunkBuffer()
	var want, got bytes.Buffer

	for i := 0; i < 500; i++ {
		w := make([]byte, rng.Intn(700))
		rng.Read(w)
		cb.Write(w)
		want.Write(w)

		r := make([]byte, rng.Intn(900))
		if cb.Read(r) {
			got.Write(r)
		}
	}
	rest := make([]byte, cb.Len())
	require.True(t, cb.Read(rest))
	got.Write(rest)

	assert.Equal(t, want.Bytes(), got.Bytes())
}

func TestChunkBufferReadInsufficient(t *testing.T) {
	cb := NewChunkBuffer()
	cb.Write([]byte{1, 2, 3})

	p := make([]byte, 4)
	assert.False(t, cb.Read(p), "read must fail when fewer bytes are buffered")
	assert.Equal(t, 3, cb.Len(), "failed read must not consume anything")

	p = make([]byte, 3)
	require.True(t, cb.Read(p))
	assert.Equal(t, []byte{1, 2, 3}, p)
}

func TestChunkBufferNextByte(t *testing.T) {
	cb := NewChunkBuffer()
	assert.Equal(t, EOB, cb.NextByte())

	cb.Write([]byte{0x10, 0x02})
	assert.Equal(t, 0x10, cb.NextByte())
	assert.Equal(t, 0x10, cb.NextByte(), "NextByte must not consume")
	assert.Equal(t, 2, cb.Len())

	b, err := cb.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x10), b)
	assert.Equal(t, 0x02, cb.NextByte())

	cb.ReadByte()
	assert.Equal(t, EOB, cb.NextByte())
	_, err = cb.ReadByte()
	assert.Equal(t, io.EOF, err)
}

func TestChunkBufferNextByteAcrossChunks(t *testing.T) {
	cb := NewChunkBuffer()
	cb.Write(pattern(limits.ChunkSize))
	cb.Write([]byte{0xAB})

	cb.Discard(limits.ChunkSize)
	assert.Equal(t, 0xAB, cb.NextByte())
	assert.Equal(t, 1, cb.Chunks(), "drained head chunk should be released")
}

func TestChunkBufferPeek(t *testing.T) {
	cb := NewChunkBuffer()
	src := pattern(limits.ChunkSize + 10)
	cb.Write(src)

	p := make([]byte, limits.ChunkSize+5)
	require.True(t, cb.Peek(p))
	assert.Equal(t, src[:len(p)], p)
	assert.Equal(t, len(src), cb.Len())

	assert.False(t, cb.Peek(make([]byte, len(src)+1)))
}

func TestChunkBufferAllocation(t *testing.T) {
	cb := NewChunkBuffer()
	cb.Write(pattern(10))
	assert.Equal(t, 1, cb.Chunks())

	cb.Write(pattern(limits.ChunkSize - 10))
	assert.Equal(t, 1, cb.Chunks(), "a chunk is only added when the tail is full")

	cb.Write([]byte{1})
	assert.Equal(t, 2, cb.Chunks())
}

func TestChunkBufferReusesLastChunk(t *testing.T) {
	cb := NewChunkBuffer()
	for i := 0; i < 10*limits.ChunkSize; i++ {
		cb.Write([]byte{byte(i)})
		b, err := cb.ReadByte()
		require.NoError(t, err)
		require.Equal(t, byte(i), b)
	}
	assert.Equal(t, 1, cb.Chunks())
}

func TestChunkBufferFlush(t *testing.T) {
	cb := NewChunkBuffer()
	cb.Write(pattern(3000))
	cb.Flush()

	assert.Equal(t, 0, cb.Len())
	assert.Equal(t, EOB, cb.NextByte())

	// Dropped chunks are no longer referenced by the backing array.
	for _, c := range cb.chunks[:cap(cb.chunks)] {
		assert.Nil(t, c)
	}

	cb.Write([]byte{9})
	b, err := cb.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(9), b)
}

func TestChunkBufferDiscard(t *testing.T) {
	cb := NewChunkBuffer()
	cb.Write(pattern(600))

	assert.Equal(t, 500, cb.Discard(500))
	assert.Equal(t, 100, cb.Len())
	assert.Equal(t, 100, cb.Discard(1000))
	assert.Equal(t, 0, cb.Len())
}
