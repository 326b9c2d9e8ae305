package buffer

import "io"

// EOB is returned by NextByte when no unread byte is buffered.
const EOB = -1

// ChunkBuffer is an unbounded byte queue built from a sequence of Chunks.
//
// A ChunkBuffer is not safe for concurrent use. One writer and one reader
// must coordinate externally; the transport layer hands it to a single
// assembly goroutine.
type ChunkBuffer struct {
	chunks []*Chunk
	size   int
}

// NewChunkBuffer creates an empty chunk buffer.
func NewChunkBuffer() *ChunkBuffer {
	return &ChunkBuffer{}
}

// Len returns the total number of readable bytes.
func (b *ChunkBuffer) Len() int {
	return b.size
}

// Chunks returns the number of chunks currently held.
func (b *ChunkBuffer) Chunks() int {
	return len(b.chunks)
}

// Write appends p to the tail, allocating new chunks as needed. It never fails.
func (b *ChunkBuffer) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		tail := b.tail()
		n := tail.Write(p)
		p = p[n:]
		b.size += n
	}
	return total, nil
}

// WriteByte appends a single byte.
func (b *ChunkBuffer) WriteByte(c byte) error {
	_, err := b.Write([]byte{c})
	return err
}

// Read fills p entirely from the head of the buffer, crossing chunk
// boundaries. If fewer than len(p) bytes are buffered it consumes nothing
// and returns false; the caller retries once more bytes arrive.
func (b *ChunkBuffer) Read(p []byte) bool {
	if len(p) > b.size {
		return false
	}
	for done := 0; done < len(p); {
		head := b.chunks[0]
		done += head.Read(p[done:])
		b.release()
	}
	b.size -= len(p)
	return true
}

// Peek copies the first len(p) bytes into p without consuming them.
// It returns false if fewer than len(p) bytes are buffered.
func (b *ChunkBuffer) Peek(p []byte) bool {
	if len(p) > b.size {
		return false
	}
	done := 0
	for _, c := range b.chunks {
		if done == len(p) {
			break
		}
		done += c.peek(p[done:])
	}
	return true
}

// ReadByte consumes one byte. It returns io.EOF if the buffer is empty.
func (b *ChunkBuffer) ReadByte() (byte, error) {
	var one [1]byte
	if !b.Read(one[:]) {
		return 0, io.EOF
	}
	return one[0], nil
}

// NextByte returns the next unread byte without consuming it, or EOB.
func (b *ChunkBuffer) NextByte() int {
	for _, c := range b.chunks {
		if c.Available() > 0 {
			return int(c.data[c.out])
		}
	}
	return EOB
}

// Discard drops up to n bytes from the head and returns how many were dropped.
func (b *ChunkBuffer) Discard(n int) int {
	if n > b.size {
		n = b.size
	}
	var scratch [256]byte
	left := n
	for left > 0 {
		step := left
		if step > len(scratch) {
			step = len(scratch)
		}
		b.Read(scratch[:step])
		left -= step
	}
	return n
}

// Flush discards all buffered bytes.
func (b *ChunkBuffer) Flush() {
	clear(b.chunks)
	b.chunks = b.chunks[:0]
	b.size = 0
}

// tail returns a chunk with free space, appending one if the last is full.
func (b *ChunkBuffer) tail() *Chunk {
	if n := len(b.chunks); n > 0 && b.chunks[n-1].Free() > 0 {
		return b.chunks[n-1]
	}
	c := &Chunk{}
	b.chunks = append(b.chunks, c)
	return c
}

// release drops the head chunk once it is drained. The last remaining chunk
// is rewound instead so a steady trickle of small writes reuses one chunk.
func (b *ChunkBuffer) release() {
	head := b.chunks[0]
	if head.Available() > 0 {
		return
	}
	if len(b.chunks) == 1 {
		head.Reset()
		return
	}
	if head.Drained() {
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
	}
}
