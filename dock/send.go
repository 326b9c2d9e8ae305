package dock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/newtonresearch/newton-connection/limits"
)

// Writer is the synchronous sink for outbound frames. *transport.Endpoint
// implements it.
type Writer interface {
	WriteSync(ctx context.Context, data []byte) error
}

// ProgressFunc receives the payload size and the number of payload bytes
// written so far.
type ProgressFunc func(total, done uint32)

// SendOptions controls a chunked send.
type SendOptions struct {
	// SliceSize is the number of payload bytes per write.
	// Default: limits.DefaultSliceSize.
	SliceSize int

	// Progress, if set, is called after every Frequency-th slice and after
	// the last one.
	Progress ProgressFunc

	// Frequency is the number of slices between progress calls. Default: 1.
	Frequency int
}

func (o SendOptions) normalize() (SendOptions, error) {
	if o.SliceSize == 0 {
		o.SliceSize = limits.DefaultSliceSize
	}
	if err := limits.ValidateSliceSize(o.SliceSize); err != nil {
		return o, err
	}
	if o.Frequency == 0 {
		o.Frequency = 1
	}
	if err := limits.ValidateFrequency(o.Frequency); err != nil {
		return o, err
	}
	return o, nil
}

// sliceSource yields successive payload slices.
type sliceSource interface {
	next(p []byte) (int, error)
}

type memorySource struct{ data []byte }

func (s *memorySource) next(p []byte) (int, error) {
	n := copy(p, s.data)
	s.data = s.data[n:]
	return n, nil
}

type fileSource struct{ r io.Reader }

func (s *fileSource) next(p []byte) (int, error) {
	n, err := io.ReadFull(s.r, p)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return n, fmt.Errorf("file shorter than declared length: %w", io.ErrUnexpectedEOF)
	}
	return n, err
}

// Send writes the event to w as a sequence of slices: the header together
// with the first payload slice, then one write per further slice.
//
// With a payload of S bytes and slice size P, Progress is called
// ceil(ceil(S/P)/Frequency) times; an empty payload gets exactly one call
// with (0, 0). The final call always has done == total. If ctx is cancelled
// between slices Send returns ErrCancelled and makes no further calls, so a
// cancelled transfer is never reported as complete.
//
// Any error after part of the frame may have reached w also matches
// ErrFrameAborted. The peer is then mid-frame and the connection must be
// dropped.
func (e *Event) Send(ctx context.Context, w Writer, opts SendOptions) error {
	opts, err := opts.normalize()
	if err != nil {
		return err
	}

	var src sliceSource
	if e.Shape == ShapeFile {
		f, err := os.Open(e.File)
		if err != nil {
			return err
		}
		defer f.Close()
		src = &fileSource{r: f}
	} else {
		payload := e.payload()
		if uint32(len(payload)) != e.Length {
			return fmt.Errorf("%w: %s declares %d bytes, has %d", ErrPayloadShape, e.Tag, e.Length, len(payload))
		}
		src = &memorySource{data: payload}
	}

	if ctx.Err() != nil {
		return ErrCancelled
	}

	total := e.Length
	hdr := e.Header()

	if total == 0 {
		if err := w.WriteSync(ctx, hdr); err != nil {
			return writeFailed(err, false)
		}
		if opts.Progress != nil {
			opts.Progress(0, 0)
		}
		return nil
	}

	slices := (int(total) + opts.SliceSize - 1) / opts.SliceSize
	buf := make([]byte, limits.HeaderSize+opts.SliceSize)
	copy(buf, hdr)
	start := limits.HeaderSize
	var done uint32

	for i := 1; i <= slices; i++ {
		if i > 1 && ctx.Err() != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Event.Send",
				"tag":      e.Tag.String(),
				"done":     done,
				"total":    total,
			}).Info("Send cancelled")
			return frameAborted(ErrCancelled)
		}

		want := opts.SliceSize
		if left := int(total - done); left < want {
			want = left
		}
		n, err := src.next(buf[start : start+want])
		if err != nil {
			if i > 1 {
				return frameAborted(err)
			}
			return err
		}
		if err := w.WriteSync(ctx, buf[:start+n]); err != nil {
			return writeFailed(err, i > 1)
		}
		done += uint32(n)
		start = 0

		if opts.Progress != nil && (i%opts.Frequency == 0 || i == slices) {
			opts.Progress(total, done)
		}
	}
	return nil
}

func frameAborted(err error) error {
	return fmt.Errorf("%w: %w", ErrFrameAborted, err)
}

// writeFailed marks err as a cut-short frame when earlier slices went out or
// the failed write itself had started.
func writeFailed(err error, midFrame bool) error {
	if midFrame || errors.Is(err, ErrWriteInterrupted) {
		return frameAborted(err)
	}
	return err
}
