package buffer

import (
	"io"

	"github.com/newtonresearch/newton-connection/limits"
)

// PageBuffer is a single transport-sized page used to move bytes between a
// physical medium and a ChunkBuffer. It is reset per I/O operation.
type PageBuffer struct {
	buf   [limits.PageSize]byte
	index int // read cursor
	count int // bytes filled
	mark  int // saved read cursor, see Mark/Refill
}

// NewPageBuffer creates an empty page.
func NewPageBuffer() *PageBuffer {
	return &PageBuffer{}
}

// Reset empties the page.
func (pb *PageBuffer) Reset() {
	pb.index = 0
	pb.count = 0
	pb.mark = 0
}

// Used returns the number of filled bytes not yet drained.
func (pb *PageBuffer) Used() int {
	return pb.count - pb.index
}

// Free returns the room left for filling.
func (pb *PageBuffer) Free() int {
	return len(pb.buf) - pb.count
}

// Count returns the number of bytes filled since the last Reset.
func (pb *PageBuffer) Count() int {
	return pb.count
}

// Bytes returns the undrained bytes. The slice aliases the page.
func (pb *PageBuffer) Bytes() []byte {
	return pb.buf[pb.index:pb.count]
}

// Fill copies as much of p as fits and returns the count.
func (pb *PageBuffer) Fill(p []byte) int {
	n := copy(pb.buf[pb.count:], p)
	pb.count += n
	return n
}

// FillFrom performs a single Read from r into the free space of the page.
func (pb *PageBuffer) FillFrom(r io.Reader) (int, error) {
	if pb.Free() == 0 {
		return 0, nil
	}
	n, err := r.Read(pb.buf[pb.count:])
	pb.count += n
	return n, err
}

// Drain marks n bytes as consumed.
func (pb *PageBuffer) Drain(n int) {
	if n > pb.Used() {
		n = pb.Used()
	}
	pb.index += n
}

// DrainTo copies up to len(p) undrained bytes into p and consumes them.
func (pb *PageBuffer) DrainTo(p []byte) int {
	n := copy(p, pb.Bytes())
	pb.index += n
	return n
}

// DrainInto writes every undrained byte to w. Bytes accepted by w are
// consumed even if w returns an error.
func (pb *PageBuffer) DrainInto(w io.Writer) (int, error) {
	n, err := w.Write(pb.Bytes())
	pb.index += n
	return n, err
}

// NextByte returns the next undrained byte without consuming it, or EOB.
func (pb *PageBuffer) NextByte() int {
	if pb.index >= pb.count {
		return EOB
	}
	return int(pb.buf[pb.index])
}

// Mark remembers the current read cursor.
func (pb *PageBuffer) Mark() {
	pb.mark = pb.index
}

// Refill rewinds the read cursor to the last Mark so the same bytes can be
// drained again, for example to retransmit an unacknowledged frame.
func (pb *PageBuffer) Refill() {
	pb.index = pb.mark
}
