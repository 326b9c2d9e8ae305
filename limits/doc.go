// Package limits provides centralized size constants and validation functions
// for the dock protocol engine. Transports, the event codec and the chunked
// sender all read their sizes from here so they agree on page, chunk and
// header geometry.
//
// # Size Hierarchy
//
//   - PageSize (1024 bytes): one transport read or write.
//   - ChunkSize (1024 bytes): one buffered chunk of incoming bytes.
//   - HeaderSize (12 bytes): class, command tag and length of an event.
//   - MaxMNPFrameData (256 bytes): data carried by one serial LT frame.
//   - MaxEventLength (16 MiB): the largest payload an event may declare.
//     A larger length is treated as a framing error and ends the connection.
//
// # Validation Functions
//
//	if err := limits.ValidateEventLength(uint64(length)); err != nil {
//	    // errors.Is(err, limits.ErrEventTooLarge)
//	}
//
// Slice size and progress frequency of chunked sends are validated with
// ValidateSliceSize and ValidateFrequency.
package limits
