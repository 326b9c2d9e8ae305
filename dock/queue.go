package dock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/newtonresearch/newton-connection/buffer"
	"github.com/newtonresearch/newton-connection/limits"
	"github.com/newtonresearch/newton-connection/metrics"
	"github.com/newtonresearch/newton-connection/transport"
)

const tracerName = "github.com/newtonresearch/newton-connection/dock"

// Endpoint is the connected transport a Queue is bound to.
// *transport.Endpoint implements it.
type Endpoint interface {
	Name() string
	Bind(a transport.Assembler) error
	Unbind(a transport.Assembler)
	WriteSync(ctx context.Context, data []byte) error
	SuppressTimeout(suppress bool)
	Abort(cause error)
}

// Stats counts the traffic through a Queue since it was created.
type Stats struct {
	EventsIn  uint64 `json:"events_in"`
	EventsOut uint64 `json:"events_out"`
	BytesIn   uint64 `json:"bytes_in"`
	BytesOut  uint64 `json:"bytes_out"`
	Ready     int    `json:"ready"`
}

// Option configures a Queue.
type Option func(*Queue)

// WithValueCodec sets the codec used for ShapeValue payloads.
// Default: RawCodec.
func WithValueCodec(c ValueCodec) Option {
	return func(q *Queue) {
		q.codec = c
	}
}

// WithSliceSize sets the slice size of outbound chunked sends.
func WithSliceSize(n int) Option {
	return func(q *Queue) {
		q.sliceSize = n
	}
}

// WithProgressFrequency sets the progress frequency used when a send passes
// zero.
func WithProgressFrequency(n int) Option {
	return func(q *Queue) {
		q.frequency = n
	}
}

// WithMetrics records event counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithTracer sets the tracer used for outbound send spans.
// Default: the global OpenTelemetry provider.
func WithTracer(t trace.Tracer) Option {
	return func(q *Queue) {
		q.tracer = t
	}
}

// Queue is the single rendezvous between a connected Endpoint and the
// application. Inbound events are delivered in the order their frames
// completed; outbound events are written in the order they were submitted.
type Queue struct {
	codec     ValueCodec
	sliceSize int
	frequency int
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	mu            sync.Mutex
	session       *session
	ready         []*Event
	wake          chan struct{}
	closed        bool
	disconnectErr error
	stats         Stats
}

// NewQueue creates a closed queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		codec:     RawCodec{},
		sliceSize: limits.DefaultSliceSize,
		wake:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.tracer == nil {
		q.tracer = otel.Tracer(tracerName)
	}
	return q
}

// broadcastLocked wakes every GetNextEvent waiter. q.mu must be held.
func (q *Queue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Open binds the queue to ep and starts decoding its bytes and sending
// queued events to it.
func (q *Queue) Open(ep Endpoint) error {
	q.mu.Lock()
	if q.session != nil {
		q.mu.Unlock()
		return ErrQueueOpen
	}
	s := newSession(q, ep)
	q.session = s
	q.ready = nil
	q.closed = false
	q.disconnectErr = nil
	q.mu.Unlock()

	go s.run()

	if err := ep.Bind(s); err != nil {
		q.mu.Lock()
		if q.session == s {
			q.session = nil
		}
		q.mu.Unlock()
		s.stop()
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Queue.Open",
		"transport": ep.Name(),
	}).Info("Event queue open")

	return nil
}

// Close unbinds the endpoint, discards unread events and fails queued sends
// with ErrQueueClosed. It is safe to call on a queue that was never opened.
func (q *Queue) Close() error {
	q.mu.Lock()
	s := q.session
	q.session = nil
	q.ready = nil
	q.closed = true
	q.broadcastLocked()
	q.mu.Unlock()

	if s == nil {
		return nil
	}
	s.ep.Unbind(s)
	s.stop()

	logrus.WithFields(logrus.Fields{
		"function":  "Queue.Close",
		"transport": s.ep.Name(),
	}).Info("Event queue closed")

	return nil
}

// IsEventReady reports whether an inbound event awaits GetNextEvent.
func (q *Queue) IsEventReady() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) > 0
}

// GetNextEvent removes and returns the oldest inbound event, waiting for one
// if necessary. Events whose payload could not be decoded are returned with
// Event.Err set.
//
// Once the connection is lost it returns the remaining events, then an error
// matching ErrDisconnected. It returns ErrQueueClosed after Close and
// ErrCancelled if ctx ends first.
func (q *Queue) GetNextEvent(ctx context.Context) (*Event, error) {
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			ev := q.ready[0]
			q.ready[0] = nil
			q.ready = q.ready[1:]
			q.mu.Unlock()
			return ev, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if err := q.disconnectErr; err != nil {
			q.mu.Unlock()
			if errors.Is(err, ErrDisconnected) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", ErrDisconnected, err)
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ErrCancelled
		}
	}
}

// AddEvent queues ev for transmission and returns without waiting. A failed
// send is logged.
func (q *Queue) AddEvent(ev *Event) error {
	s, err := q.current()
	if err != nil {
		return err
	}
	return s.enqueue(&outbound{
		ctx:  context.Background(),
		ev:   ev,
		opts: SendOptions{SliceSize: q.sliceSize},
	})
}

// SendEvent sends an event with no payload and waits for it to be written.
func (q *Queue) SendEvent(ctx context.Context, tag Tag) error {
	return q.send(ctx, NewEvent(tag), SendOptions{})
}

// SendInt sends an event carrying v.
func (q *Queue) SendInt(ctx context.Context, tag Tag, v int32) error {
	return q.send(ctx, NewIntEvent(tag, v), SendOptions{})
}

// SendValue encodes v with the queue's value codec and sends it.
func (q *Queue) SendValue(ctx context.Context, tag Tag, v any) error {
	encoded, err := q.codec.Marshal(v)
	if err != nil {
		return &EventError{Tag: tag, Err: err}
	}
	return q.send(ctx, NewValueEvent(tag, encoded), SendOptions{})
}

// SendBytes sends an event carrying data.
func (q *Queue) SendBytes(ctx context.Context, tag Tag, data []byte) error {
	return q.send(ctx, NewBytesEvent(tag, data), SendOptions{})
}

// SendBytesProgress sends data in slices, calling progress after every
// frequency slices and after the last.
func (q *Queue) SendBytesProgress(ctx context.Context, tag Tag, data []byte, progress ProgressFunc, frequency int) error {
	return q.send(ctx, NewBytesEvent(tag, data), SendOptions{Progress: progress, Frequency: frequency})
}

// SendFile streams the file at path as the payload of tag.
func (q *Queue) SendFile(ctx context.Context, tag Tag, path string, progress ProgressFunc, frequency int) error {
	ev, err := NewFileEvent(tag, path)
	if err != nil {
		return err
	}
	return q.send(ctx, ev, SendOptions{Progress: progress, Frequency: frequency})
}

// SuppressEndpointTimeout turns the endpoint timeout off while the Newton is
// expected to be silent, and back on afterwards.
func (q *Queue) SuppressEndpointTimeout(suppress bool) {
	s, err := q.current()
	if err != nil {
		return
	}
	s.ep.SuppressTimeout(suppress)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.stats
	st.Ready = len(q.ready)
	return st
}

func (q *Queue) current() (*session, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.session == nil {
		if q.closed {
			return nil, ErrQueueClosed
		}
		return nil, ErrQueueNotOpen
	}
	return q.session, nil
}

func (q *Queue) send(ctx context.Context, ev *Event, opts SendOptions) error {
	s, err := q.current()
	if err != nil {
		return err
	}
	opts.SliceSize = q.sliceSize
	if opts.Frequency == 0 {
		opts.Frequency = q.frequency
	}

	item := &outbound{ctx: ctx, ev: ev, opts: opts, done: make(chan error, 1)}
	if err := s.enqueue(item); err != nil {
		return err
	}

	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		return ErrCancelled
	}
}

// outbound is one event waiting for the sender goroutine.
type outbound struct {
	ctx  context.Context
	ev   *Event
	opts SendOptions
	done chan error // nil for AddEvent
}

func (o *outbound) finish(err error) {
	if o.done != nil {
		o.done <- err
		return
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Queue.AddEvent",
			"tag":      o.ev.Tag.String(),
			"error":    err.Error(),
		}).Warn("Queued event not sent")
	}
}

// session is the state of one Open: the decoder fed by the endpoint's
// assembly goroutine and the sender goroutine draining the outbox.
type session struct {
	q   *Queue
	ep  Endpoint
	dec *Decoder

	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{}
	signal chan struct{}

	mu      sync.Mutex
	outbox  []*outbound
	stopped bool
	stopErr error
}

func newSession(q *Queue, ep Endpoint) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		q:      q,
		ep:     ep,
		dec:    NewDecoder(q.codec),
		ctx:    ctx,
		cancel: cancel,
		exited: make(chan struct{}),
		signal: make(chan struct{}, 1),
	}
}

// Assemble decodes every complete frame in in. It runs on the endpoint's
// assembly goroutine.
func (s *session) Assemble(in *buffer.ChunkBuffer) error {
	for {
		ev, err := s.dec.Next(in)
		if errors.Is(err, ErrIncomplete) {
			return nil
		}
		if err != nil {
			s.q.metrics.FramingError("frame")
			return err
		}
		s.deliver(ev)
	}
}

func (s *session) deliver(ev *Event) {
	q := s.q
	q.mu.Lock()
	if q.session != s {
		q.mu.Unlock()
		return
	}
	q.ready = append(q.ready, ev)
	q.stats.EventsIn++
	q.stats.BytesIn += uint64(limits.HeaderSize) + uint64(ev.Length)
	q.broadcastLocked()
	q.mu.Unlock()

	q.metrics.EventReceived(ev.Tag.String())
	fields := logrus.Fields{
		"function": "Queue.Assemble",
		"event":    ev.String(),
	}
	if ev.Err != nil {
		q.metrics.FramingError("payload")
		fields["error"] = ev.Err.Error()
		logrus.WithFields(fields).Warn("Event payload malformed")
		return
	}
	logrus.WithFields(fields).Debug("Event received")
}

// Disconnected records the reason the endpoint went away.
func (s *session) Disconnected(err error) {
	q := s.q
	q.mu.Lock()
	if q.session != s {
		q.mu.Unlock()
		return
	}
	if err == nil {
		err = ErrDisconnected
	}
	q.disconnectErr = err
	q.broadcastLocked()
	q.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Queue.Disconnected",
		"transport": s.ep.Name(),
		"error":     err.Error(),
	}).Info("Endpoint disconnected")
}

func (s *session) enqueue(item *outbound) error {
	s.mu.Lock()
	if s.stopped {
		err := s.stopErrLocked()
		s.mu.Unlock()
		return err
	}
	s.outbox = append(s.outbox, item)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return nil
}

func (s *session) pop() *outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outbox) == 0 {
		return nil
	}
	item := s.outbox[0]
	s.outbox[0] = nil
	s.outbox = s.outbox[1:]
	return item
}

// run is the sender goroutine.
func (s *session) run() {
	defer close(s.exited)
	for {
		if s.ctx.Err() != nil {
			s.failPending()
			return
		}
		item := s.pop()
		if item == nil {
			select {
			case <-s.signal:
			case <-s.ctx.Done():
			}
			continue
		}
		s.transmit(item)
	}
}

func (s *session) failPending() {
	s.mu.Lock()
	s.stopped = true
	items := s.outbox
	s.outbox = nil
	err := s.stopErrLocked()
	s.mu.Unlock()

	for _, item := range items {
		item.finish(err)
	}
}

// halt stops the sender goroutine. The first reason given is what pending
// and later sends fail with.
func (s *session) halt(reason error) {
	s.mu.Lock()
	if s.stopErr == nil {
		s.stopErr = reason
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *session) reason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopErrLocked()
}

func (s *session) stopErrLocked() error {
	if s.stopErr == nil {
		return ErrQueueClosed
	}
	return s.stopErr
}

// abort drops the connection after an outbound frame was cut short. The
// Newton would read the next frame as the rest of this one.
func (s *session) abort(tag Tag) {
	cause := &EventError{Tag: tag, Err: ErrFrameAborted}
	logrus.WithFields(logrus.Fields{
		"function":  "Queue.abort",
		"transport": s.ep.Name(),
		"tag":       tag.String(),
	}).Warn("Outbound frame cut short, dropping connection")

	s.halt(fmt.Errorf("%w: %w", ErrDisconnected, cause))
	s.ep.Abort(cause)
}

func (s *session) transmit(item *outbound) {
	q := s.q
	ev := item.ev

	ctx, cancel := context.WithCancel(item.ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	ctx, span := q.tracer.Start(ctx, "dock.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("dock.tag", ev.Tag.String()),
			attribute.String("dock.shape", ev.Shape.String()),
			attribute.Int64("dock.length", int64(ev.Length)),
			attribute.String("dock.transport", s.ep.Name()),
		),
	)
	defer span.End()

	start := time.Now()
	err := ev.Send(ctx, s.ep, item.opts)
	if err != nil && s.ctx.Err() != nil && item.ctx.Err() == nil {
		if errors.Is(err, ErrFrameAborted) {
			err = fmt.Errorf("%w: %w", s.reason(), err)
		} else {
			err = s.reason()
		}
	}
	if errors.Is(err, ErrFrameAborted) {
		s.abort(ev.Tag)
	}
	elapsed := time.Since(start)

	status := "ok"
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
		q.mu.Lock()
		q.stats.EventsOut++
		q.stats.BytesOut += uint64(limits.HeaderSize) + uint64(ev.Length)
		q.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Queue.send",
			"event":    ev.String(),
			"elapsed":  elapsed,
		}).Debug("Event sent")
	case errors.Is(err, ErrCancelled):
		status = "cancelled"
		span.SetStatus(codes.Error, "cancelled")
	default:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	q.metrics.EventSent(ev.Tag.String(), status, elapsed)

	item.finish(err)
}

// stop ends the sender goroutine and fails anything still queued.
func (s *session) stop() {
	s.halt(ErrQueueClosed)
	<-s.exited
}
