// Package buffer provides the byte buffering substrate of the dock engine.
//
// Chunk is a fixed 1 KiB array with read and write cursors. ChunkBuffer
// strings chunks together into an unbounded byte queue: writes append to the
// tail chunk and allocate a new one only when it is full, reads drain from
// the head and release chunks once they are empty. Read is all-or-nothing so
// a frame decoder can ask for exactly the bytes it needs and simply retry
// when the transport has delivered more.
//
// PageBuffer is a single 1 KiB page used for one transport read or write.
//
//	page := buffer.NewPageBuffer()
//	if _, err := page.FillFrom(conn); err != nil {
//	    return err
//	}
//	page.DrainInto(incoming) // incoming is a *ChunkBuffer
//
// None of the types are safe for concurrent use.
package buffer
