package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/newtonresearch/newton-connection/buffer"
	"github.com/newtonresearch/newton-connection/metrics"
)

const (
	// DefaultTimeout is applied to reads and writes unless configured otherwise.
	DefaultTimeout = 30 * time.Second

	// NoTimeout disables the endpoint timeout, for example while the device
	// is silently installing a package or rebooting.
	NoTimeout time.Duration = -1

	// writeQueueDepth bounds the number of writes waiting for the writer.
	writeQueueDepth = 64

	// incomingDepth bounds the pages waiting for the assembler.
	incomingDepth = 16
)

// EndpointOption configures an Endpoint.
type EndpointOption func(*Endpoint)

// WithTimeout sets the read/write timeout. Zero selects DefaultTimeout,
// NoTimeout disables it.
func WithTimeout(d time.Duration) EndpointOption {
	return func(ep *Endpoint) {
		ep.timeout = normalizeTimeout(d)
	}
}

// WithMetrics attaches Prometheus collectors to the endpoint.
func WithMetrics(m *metrics.Metrics) EndpointOption {
	return func(ep *Endpoint) {
		ep.metrics = m
	}
}

// Write request states. The writer claims a queued request before touching
// the medium; a cancelled WriteSync withdraws it if the writer has not.
const (
	writeQueued int32 = iota
	writeClaimed
	writeWithdrawn
)

// writeRequest is one queued write. done is nil for asynchronous writes.
type writeRequest struct {
	data  []byte
	done  chan error
	state atomic.Int32
}

// Endpoint drives one Transport through its lifecycle. Once connected it runs
// three goroutines: a reader that fills pages from the medium, a writer that
// drains the write queue page by page, and an assembler that owns the
// incoming ChunkBuffer and hands it to the bound Assembler. The assembler
// goroutine is the only one touching the ChunkBuffer.
type Endpoint struct {
	transport Transport
	metrics   *metrics.Metrics

	mu         sync.Mutex
	state      State
	timeout    time.Duration
	suppressed bool
	timeoutGen uint64 // bumped on every timeout change
	assembler  Assembler
	connected  bool
	err        error
	onFail     func(*Endpoint, error)

	writes   chan *writeRequest
	incoming chan []byte
	done     chan struct{}

	closeOnce  sync.Once
	closeErr   error
	reportOnce sync.Once
	wg         sync.WaitGroup
}

// NewEndpoint wraps a transport in an idle endpoint.
func NewEndpoint(t Transport, opts ...EndpointOption) *Endpoint {
	ep := &Endpoint{
		transport: t,
		state:     StateIdle,
		timeout:   DefaultTimeout,
		writes:    make(chan *writeRequest, writeQueueDepth),
		incoming:  make(chan []byte, incomingDepth),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ep)
	}
	return ep
}

func normalizeTimeout(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultTimeout
	case d < 0:
		return NoTimeout
	default:
		return d
	}
}

// Name returns the name of the underlying transport.
func (ep *Endpoint) Name() string {
	return ep.transport.Name()
}

// Transport returns the underlying transport.
func (ep *Endpoint) Transport() Transport {
	return ep.transport
}

// State returns the current lifecycle state.
func (ep *Endpoint) State() State {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.state
}

// Err returns the error that ended the connection, if any.
func (ep *Endpoint) Err() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.err
}

// Timeout returns the configured timeout.
func (ep *Endpoint) Timeout() time.Duration {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.timeout
}

// SetTimeout changes the configured timeout. Zero selects DefaultTimeout,
// NoTimeout disables it.
func (ep *Endpoint) SetTimeout(d time.Duration) {
	ep.mu.Lock()
	ep.timeout = normalizeTimeout(d)
	ep.timeoutGen++
	ep.mu.Unlock()

	ep.wakeReader()
}

// SuppressTimeout temporarily disables the timeout while the peer is
// legitimately silent. Passing false restores the configured timeout.
func (ep *Endpoint) SuppressTimeout(suppress bool) {
	ep.mu.Lock()
	ep.suppressed = suppress
	ep.timeoutGen++
	ep.mu.Unlock()

	ep.wakeReader()

	logrus.WithFields(logrus.Fields{
		"function":  "Endpoint.SuppressTimeout",
		"transport": ep.Name(),
		"suppress":  suppress,
	}).Debug("Endpoint timeout suppression changed")
}

// effectiveTimeout returns the timeout to apply to the next operation,
// or zero for none.
func (ep *Endpoint) effectiveTimeout() time.Duration {
	d, _ := ep.readTimeout()
	return d
}

// readTimeout returns the timeout for the next read together with the
// generation it belongs to.
func (ep *Endpoint) readTimeout() (time.Duration, uint64) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.suppressed || ep.timeout == NoTimeout {
		return 0, ep.timeoutGen
	}
	return ep.timeout, ep.timeoutGen
}

// wakeReader makes a read that is already waiting pick up a new timeout.
// Transports that cannot be woken apply it from their next read.
func (ep *Endpoint) wakeReader() {
	w, ok := ep.transport.(ReadWaker)
	if !ok || ep.State() != StateConnected {
		return
	}
	w.WakeReader()
}

// readInterrupted reports whether a read that ended on its deadline was cut
// short by a wake or a timeout change rather than by the peer going silent
// for the whole timeout.
func (ep *Endpoint) readInterrupted(timeout time.Duration, gen uint64, start time.Time) bool {
	ep.mu.Lock()
	changed := ep.timeoutGen != gen
	ep.mu.Unlock()
	return changed || timeout <= 0 || time.Since(start) < timeout
}

// setState moves to next unless the endpoint is already closing or closed.
func (ep *Endpoint) setState(next State) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.state >= StateClosing {
		return false
	}
	ep.state = next
	return true
}

// Listen starts the transport listening.
func (ep *Endpoint) Listen(ctx context.Context) error {
	if err := ep.transport.Available(); err != nil {
		return newEndpointError("listen", ep.Name(), err)
	}
	if !ep.setState(StateListening) {
		return newEndpointError("listen", ep.Name(), ErrConnectionClosed)
	}

	if err := ep.transport.Listen(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Endpoint.Listen",
			"transport": ep.Name(),
			"error":     err.Error(),
		}).Warn("Transport failed to listen")
		ep.shutdown()
		return newEndpointError("listen", ep.Name(), err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Endpoint.Listen",
		"transport": ep.Name(),
	}).Info("Transport listening")

	return nil
}

// Accept waits for the first peer and moves the endpoint to StateConnected.
func (ep *Endpoint) Accept(ctx context.Context) error {
	if ep.State() != StateListening {
		return newEndpointError("accept", ep.Name(), ErrNotConnected)
	}

	if err := ep.transport.Accept(ctx); err != nil {
		if ctx.Err() != nil {
			err = ErrCancelled
		}
		return newEndpointError("accept", ep.Name(), err)
	}

	ep.mu.Lock()
	if ep.state >= StateClosing {
		ep.mu.Unlock()
		return newEndpointError("accept", ep.Name(), ErrConnectionClosed)
	}
	ep.state = StateConnected
	ep.connected = true
	ep.mu.Unlock()
	ep.metrics.Connected(ep.Name())

	ep.wg.Add(3)
	go ep.readLoop()
	go ep.writeLoop()
	go ep.assembleLoop()

	logrus.WithFields(logrus.Fields{
		"function":  "Endpoint.Accept",
		"transport": ep.Name(),
	}).Info("Peer connected")

	return nil
}

// Bind attaches the assembler that consumes incoming bytes. Bytes that
// arrived before Bind are handed to it straight away. Only one assembler may
// be bound at a time.
func (ep *Endpoint) Bind(a Assembler) error {
	ep.mu.Lock()
	if ep.state != StateConnected {
		ep.mu.Unlock()
		return newEndpointError("bind", ep.transport.Name(), ErrNotConnected)
	}
	if ep.assembler != nil {
		ep.mu.Unlock()
		return newEndpointError("bind", ep.transport.Name(), ErrAlreadyBound)
	}
	ep.assembler = a
	ep.mu.Unlock()

	// An empty page makes the assembler goroutine run over what it holds.
	select {
	case ep.incoming <- []byte{}:
	case <-ep.done:
	}
	return nil
}

// Unbind detaches a. Bytes still buffered for a are discarded.
func (ep *Endpoint) Unbind(a Assembler) {
	ep.mu.Lock()
	if ep.assembler != a {
		ep.mu.Unlock()
		return
	}
	ep.assembler = nil
	ep.mu.Unlock()

	// A nil page tells the assembler goroutine to flush its buffer.
	select {
	case ep.incoming <- nil:
	case <-ep.done:
	}
}

func (ep *Endpoint) boundAssembler() Assembler {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.assembler
}

// Write queues data for asynchronous transmission.
func (ep *Endpoint) Write(data []byte) error {
	req := &writeRequest{data: append([]byte(nil), data...)}
	select {
	case <-ep.done:
		return newEndpointError("write", ep.Name(), ErrConnectionClosed)
	default:
	}
	select {
	case ep.writes <- req:
		return nil
	case <-ep.done:
		return newEndpointError("write", ep.Name(), ErrConnectionClosed)
	}
}

// WriteSync writes data and waits for the writer to finish with it. It fails
// with ErrTimeout if the write does not complete within the endpoint timeout,
// which also ends the connection. If ctx is cancelled before the writer has
// started on data, nothing is written and ErrCancelled is returned. If the
// writer had already started, the error also matches ErrWriteInterrupted:
// some or all of data may still reach the peer.
func (ep *Endpoint) WriteSync(ctx context.Context, data []byte) error {
	if ep.State() != StateConnected {
		return newEndpointError("write", ep.Name(), ErrNotConnected)
	}

	var expired <-chan time.Time
	if d := ep.effectiveTimeout(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		expired = timer.C
	}

	req := &writeRequest{data: data, done: make(chan error, 1)}
	select {
	case ep.writes <- req:
	case <-ctx.Done():
		return ErrCancelled
	case <-ep.done:
		return newEndpointError("write", ep.Name(), ErrConnectionClosed)
	case <-expired:
		return ep.writeTimedOut()
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		if req.state.CompareAndSwap(writeQueued, writeWithdrawn) {
			return ErrCancelled
		}
		return fmt.Errorf("%w: %w", ErrCancelled, ErrWriteInterrupted)
	case <-ep.done:
		return ep.closedWrite(req)
	case <-expired:
		return ep.writeTimedOut()
	}
}

// closedWrite reports the outcome of req once the endpoint has shut down.
func (ep *Endpoint) closedWrite(req *writeRequest) error {
	// The writer may have finished just before closing.
	select {
	case err := <-req.done:
		return err
	default:
	}
	if err := ep.Err(); err != nil {
		return err
	}
	return newEndpointError("write", ep.Name(), ErrConnectionClosed)
}

func (ep *Endpoint) writeTimedOut() error {
	err := newEndpointError("write", ep.Name(), ErrTimeout)
	ep.fail(err)
	return err
}

// readLoop moves pages from the medium to the assembler goroutine.
func (ep *Endpoint) readLoop() {
	defer ep.wg.Done()
	page := buffer.NewPageBuffer()

	for {
		page.Reset()
		timeout, gen := ep.readTimeout()
		start := time.Now()
		err := ep.transport.ReadPage(page, timeout)
		if err != nil && !(isDeadlineError(err) && ep.readInterrupted(timeout, gen, start)) {
			ep.fail(newEndpointError("read", ep.Name(), classify(err)))
			return
		}
		if page.Used() == 0 {
			continue
		}
		ep.metrics.BytesReceived(ep.Name(), page.Used())

		data := append([]byte(nil), page.Bytes()...)
		select {
		case ep.incoming <- data:
		case <-ep.done:
			return
		}
	}
}

// writeLoop drains queued writes one page at a time, in submission order.
func (ep *Endpoint) writeLoop() {
	defer ep.wg.Done()
	page := buffer.NewPageBuffer()

	for {
		select {
		case req := <-ep.writes:
			if !req.state.CompareAndSwap(writeQueued, writeClaimed) {
				continue
			}
			err := ep.writeRequest(page, req.data)
			if req.done != nil {
				req.done <- err
			}
			if err != nil {
				ep.fail(err)
				return
			}
		case <-ep.done:
			return
		}
	}
}

func (ep *Endpoint) writeRequest(page *buffer.PageBuffer, data []byte) error {
	for len(data) > 0 {
		page.Reset()
		n := page.Fill(data)
		if err := ep.transport.WritePage(page, ep.effectiveTimeout()); err != nil {
			return newEndpointError("write", ep.Name(), classify(err))
		}
		ep.metrics.BytesSent(ep.Name(), n)
		data = data[n:]
	}
	return nil
}

// assembleLoop owns the incoming ChunkBuffer.
func (ep *Endpoint) assembleLoop() {
	defer ep.wg.Done()
	in := buffer.NewChunkBuffer()

	for {
		select {
		case data := <-ep.incoming:
			if data == nil {
				in.Flush()
				continue
			}
			in.Write(data)
			a := ep.boundAssembler()
			if a == nil || in.Len() == 0 {
				continue
			}
			if err := a.Assemble(in); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":  "Endpoint.assembleLoop",
					"transport": ep.Name(),
					"error":     err.Error(),
				}).Error("Framing error, dropping connection")
				ep.fail(newEndpointError("assemble", ep.Name(), err))
				return
			}
		case <-ep.done:
			return
		}
	}
}

// fail ends the connection because of err and reports it once.
func (ep *Endpoint) fail(err error) {
	ep.mu.Lock()
	deliberate := ep.state >= StateClosing
	if !deliberate && ep.err == nil {
		ep.err = err
	}
	ep.mu.Unlock()

	ep.shutdown()

	if deliberate {
		ep.report(newEndpointError("close", ep.Name(), ErrConnectionClosed), false)
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Endpoint.fail",
		"transport": ep.Name(),
		"error":     err.Error(),
	}).Warn("Connection lost")

	ep.report(err, true)
}

// report notifies the bound assembler and, for failures, the controller.
func (ep *Endpoint) report(err error, failure bool) {
	ep.reportOnce.Do(func() {
		ep.mu.Lock()
		a := ep.assembler
		hook := ep.onFail
		ep.mu.Unlock()

		if a != nil {
			a.Disconnected(err)
		}
		if failure && hook != nil {
			hook(ep, err)
		}
	})
}

// shutdown closes the transport and stops the goroutines without reporting.
func (ep *Endpoint) shutdown() error {
	ep.closeOnce.Do(func() {
		ep.mu.Lock()
		wasConnected := ep.connected
		ep.state = StateClosing
		ep.mu.Unlock()

		close(ep.done)
		ep.closeErr = ep.transport.Close()

		ep.mu.Lock()
		ep.state = StateClosed
		ep.mu.Unlock()

		if wasConnected {
			ep.metrics.Disconnected(ep.Name())
		}

		logrus.WithFields(logrus.Fields{
			"function":  "Endpoint.shutdown",
			"transport": ep.Name(),
		}).Debug("Endpoint closed")
	})
	return ep.closeErr
}

// Abort ends the connection because the caller can no longer keep the byte
// stream consistent, for example after a frame was cut off part way through
// its payload. cause is reported once, like any other connection failure.
func (ep *Endpoint) Abort(cause error) {
	logrus.WithFields(logrus.Fields{
		"function":  "Endpoint.Abort",
		"transport": ep.Name(),
		"cause":     cause.Error(),
	}).Warn("Aborting connection")

	ep.fail(newEndpointError("abort", ep.Name(), cause))
}

// Close cancels pending I/O and closes the transport. It is idempotent. A
// bound assembler is told the connection closed.
func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	if ep.state < StateClosing {
		ep.state = StateClosing
	}
	ep.mu.Unlock()

	err := ep.shutdown()
	ep.report(newEndpointError("close", ep.Name(), ErrConnectionClosed), false)
	return err
}

// Wait blocks until the endpoint goroutines have exited.
func (ep *Endpoint) Wait() {
	ep.wg.Wait()
}

// setFailureHook registers the controller callback for connection failures.
func (ep *Endpoint) setFailureHook(hook func(*Endpoint, error)) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.onFail = hook
}

// IsTimeout reports whether err is an endpoint timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
