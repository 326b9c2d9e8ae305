// Package limits provides centralized size limits for the dock protocol.
// This ensures consistent validation across the transport and event layers.
package limits

import (
	"errors"
	"fmt"
)

const (
	// PageSize is the transport-facing page size in bytes.
	// Every transport moves at most one page per read or write operation.
	PageSize = 1024

	// ChunkSize is the capacity of one buffered chunk in bytes.
	ChunkSize = 1024

	// HeaderSize is the fixed size of a dock event header:
	// 4 bytes class, 4 bytes command tag, 4 bytes payload length.
	HeaderSize = 12

	// MaxEventLength is the largest payload a single event may declare.
	// Package images and ROM dumps are a few megabytes; anything larger is
	// treated as a corrupt length field.
	MaxEventLength = 16 * 1024 * 1024

	// DefaultSliceSize is the payload slice size used for chunked sends.
	DefaultSliceSize = 1024

	// MaxSliceSize is the largest slice a chunked send may use.
	MaxSliceSize = 64 * 1024

	// MaxMNPFrameData is the largest data field carried by one MNP LT frame.
	MaxMNPFrameData = 256
)

var (
	// ErrEventTooLarge indicates a declared event length exceeds MaxEventLength.
	ErrEventTooLarge = errors.New("event too large")

	// ErrInvalidSliceSize indicates a slice size outside 1..MaxSliceSize.
	ErrInvalidSliceSize = errors.New("invalid slice size")

	// ErrInvalidFrequency indicates a zero progress frequency.
	ErrInvalidFrequency = errors.New("invalid progress frequency")
)

// ValidateEventLength validates a declared payload length against MaxEventLength.
// Returns an error with context including the actual and maximum sizes.
func ValidateEventLength(length uint64) error {
	if length > MaxEventLength {
		return fmt.Errorf("%w: length %d exceeds limit %d", ErrEventTooLarge, length, MaxEventLength)
	}
	return nil
}

// ValidateSliceSize validates the slice size of a chunked send.
func ValidateSliceSize(size int) error {
	if size <= 0 || size > MaxSliceSize {
		return fmt.Errorf("%w: size %d not in 1..%d", ErrInvalidSliceSize, size, MaxSliceSize)
	}
	return nil
}

// ValidateFrequency validates the progress callback frequency of a chunked send.
func ValidateFrequency(freq int) error {
	if freq <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidFrequency, freq)
	}
	return nil
}
