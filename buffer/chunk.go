package buffer

import "github.com/newtonresearch/newton-connection/limits"

// Chunk is a fixed-capacity byte array with independent read and write cursors.
// The write cursor never precedes the read cursor.
type Chunk struct {
	data [limits.ChunkSize]byte
	in   int // write cursor
	out  int // read cursor
}

// Reset rewinds both cursors so the chunk can be reused.
func (c *Chunk) Reset() {
	c.in = 0
	c.out = 0
}

// Filled returns the number of bytes written into the chunk so far.
func (c *Chunk) Filled() int {
	return c.in
}

// Available returns the number of unread bytes.
func (c *Chunk) Available() int {
	return c.in - c.out
}

// Free returns the remaining write capacity.
func (c *Chunk) Free() int {
	return len(c.data) - c.in
}

// Drained reports whether the chunk is full and every byte has been read.
func (c *Chunk) Drained() bool {
	return c.in == len(c.data) && c.out == c.in
}

// Write copies as much of p as fits and returns the number of bytes copied.
func (c *Chunk) Write(p []byte) int {
	n := copy(c.data[c.in:], p)
	c.in += n
	return n
}

// Read copies up to len(p) unread bytes into p and returns the count.
func (c *Chunk) Read(p []byte) int {
	n := copy(p, c.data[c.out:c.in])
	c.out += n
	return n
}

// peek copies up to len(p) unread bytes into p without consuming them.
func (c *Chunk) peek(p []byte) int {
	return copy(p, c.data[c.out:c.in])
}
