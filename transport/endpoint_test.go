package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtonresearch/newton-connection/limits"
)

func connectedEndpoint(t *testing.T, opts ...EndpointOption) (*Endpoint, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport("fake")
	ep := NewEndpoint(ft, opts...)

	ctx := context.Background()
	require.NoError(t, ep.Listen(ctx))
	ft.connect()
	require.NoError(t, ep.Accept(ctx))

	t.Cleanup(func() {
		ep.Close()
		ep.Wait()
	})
	return ep, ft
}

func TestEndpointLifecycle(t *testing.T) {
	ft := newFakeTransport("fake")
	ep := NewEndpoint(ft)
	assert.Equal(t, StateIdle, ep.State())
	assert.Equal(t, "fake", ep.Name())

	require.NoError(t, ep.Listen(context.Background()))
	assert.Equal(t, StateListening, ep.State())

	ft.connect()
	require.NoError(t, ep.Accept(context.Background()))
	assert.Equal(t, StateConnected, ep.State())

	require.NoError(t, ep.Close())
	assert.Equal(t, StateClosed, ep.State())
	assert.NoError(t, ep.Close(), "Close must be idempotent")
	assert.Equal(t, int32(1), ft.closes.Load())

	ep.Wait()
}

func TestEndpointListenUnavailable(t *testing.T) {
	ft := newFakeTransport("fake")
	ft.availErr = ErrUnavailable
	ep := NewEndpoint(ft)

	err := ep.Listen(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)

	var epErr *EndpointError
	require.True(t, errors.As(err, &epErr))
	assert.Equal(t, "listen", epErr.Op)
	assert.Equal(t, "fake", epErr.Transport)
}

func TestEndpointAcceptCancelled(t *testing.T) {
	ft := newFakeTransport("fake")
	ep := NewEndpoint(ft)
	require.NoError(t, ep.Listen(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ep.Accept(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEndpointBindRules(t *testing.T) {
	ft := newFakeTransport("fake")
	ep := NewEndpoint(ft)
	assert.ErrorIs(t, ep.Bind(newRecordingAssembler()), ErrNotConnected)

	ep, _ = connectedEndpoint(t)
	first := newRecordingAssembler()
	require.NoError(t, ep.Bind(first))
	assert.ErrorIs(t, ep.Bind(newRecordingAssembler()), ErrAlreadyBound)

	ep.Unbind(first)
	assert.NoError(t, ep.Bind(newRecordingAssembler()))
}

func TestEndpointDeliversBytesInOrder(t *testing.T) {
	ep, ft := connectedEndpoint(t)
	asm := newRecordingAssembler()
	require.NoError(t, ep.Bind(asm))

	ft.reads <- []byte("newt")
	ft.reads <- []byte("helo")
	ft.reads <- []byte{0, 0, 0, 0}

	want := append([]byte("newthelo"), 0, 0, 0, 0)
	require.Eventually(t, func() bool {
		return bytes.Equal(asm.bytes(), want)
	}, time.Second, 5*time.Millisecond)
}

func TestEndpointBytesBeforeBindAreKept(t *testing.T) {
	ep, ft := connectedEndpoint(t)

	ft.reads <- []byte("early")
	require.Eventually(t, func() bool {
		return len(ft.reads) == 0
	}, time.Second, 5*time.Millisecond)

	asm := newRecordingAssembler()
	require.NoError(t, ep.Bind(asm))

	require.Eventually(t, func() bool {
		return bytes.Equal(asm.bytes(), []byte("early"))
	}, time.Second, 5*time.Millisecond)
}

func TestEndpointUnbindDiscardsBufferedBytes(t *testing.T) {
	ep, ft := connectedEndpoint(t)

	holder := newRecordingAssembler()
	holder.consume = false
	require.NoError(t, ep.Bind(holder))

	ft.reads <- []byte("stale")
	require.Eventually(t, func() bool {
		return holder.callCount() >= 1
	}, time.Second, 5*time.Millisecond)

	ep.Unbind(holder)
	fresh := newRecordingAssembler()
	require.NoError(t, ep.Bind(fresh))
	ft.reads <- []byte("fresh")

	require.Eventually(t, func() bool {
		return bytes.Equal(fresh.bytes(), []byte("fresh"))
	}, time.Second, 5*time.Millisecond)
}

func TestEndpointWriteOrderAndPaging(t *testing.T) {
	ep, ft := connectedEndpoint(t)

	large := bytes.Repeat([]byte{0xA5}, 2*limits.PageSize+10)
	require.NoError(t, ep.Write([]byte("first")))
	require.NoError(t, ep.WriteSync(context.Background(), large))
	require.NoError(t, ep.WriteSync(context.Background(), []byte("last")))

	pages := ft.writtenPages()
	require.Len(t, pages, 5)
	assert.Equal(t, []byte("first"), pages[0])
	assert.Len(t, pages[1], limits.PageSize)
	assert.Len(t, pages[2], limits.PageSize)
	assert.Len(t, pages[3], 10)
	assert.Equal(t, []byte("last"), pages[4])
}

func TestEndpointWriteSyncNotConnected(t *testing.T) {
	ep := NewEndpoint(newFakeTransport("fake"))
	err := ep.WriteSync(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestEndpointWriteSyncTimeout(t *testing.T) {
	const timeout = 100 * time.Millisecond

	ep, ft := connectedEndpoint(t, WithTimeout(timeout))
	ft.writeBlock = make(chan struct{})
	asm := newRecordingAssembler()
	require.NoError(t, ep.Bind(asm))

	// Keep the read side busy so only the write can time out.
	stopFeeding := make(chan struct{})
	defer close(stopFeeding)
	go func() {
		ticker := time.NewTicker(timeout / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				select {
				case ft.reads <- []byte{0}:
				default:
				}
			case <-stopFeeding:
				return
			}
		}
	}()

	start := time.Now()
	err := ep.WriteSync(context.Background(), []byte("stuck"))
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTimeout(err))
	assert.GreaterOrEqual(t, elapsed, timeout-10*time.Millisecond)
	assert.Less(t, elapsed, timeout+500*time.Millisecond)

	select {
	case derr := <-asm.disconnected:
		assert.ErrorIs(t, derr, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("assembler was not told about the timeout")
	}
	assert.Equal(t, StateClosed, ep.State())
	assert.ErrorIs(t, ep.Err(), ErrTimeout)
}

func TestEndpointWriteSyncCancelled(t *testing.T) {
	ep, ft := connectedEndpoint(t)
	ft.writeBlock = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := ep.WriteSync(ctx, []byte("stuck"))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrWriteInterrupted, "the writer had already started")
	assert.Equal(t, StateConnected, ep.State(), "cancellation is not a failure")
}

func TestEndpointCancelledQueuedWriteIsNeverSent(t *testing.T) {
	ep, ft := connectedEndpoint(t)
	ft.writeBlock = make(chan struct{})

	first := make(chan error, 1)
	go func() { first <- ep.WriteSync(context.Background(), []byte("first")) }()
	time.Sleep(20 * time.Millisecond)

	// The writer is stuck on "first", so "dropped" is still queued.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ep.WriteSync(ctx, []byte("dropped"))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.NotErrorIs(t, err, ErrWriteInterrupted)

	close(ft.writeBlock)
	require.NoError(t, <-first)
	require.NoError(t, ep.WriteSync(context.Background(), []byte("last")))

	assert.Equal(t, [][]byte{[]byte("first"), []byte("last")}, ft.writtenPages())
}

func TestEndpointAbort(t *testing.T) {
	ep, _ := connectedEndpoint(t)
	asm := newRecordingAssembler()
	require.NoError(t, ep.Bind(asm))

	cause := errors.New("frame cut short")
	ep.Abort(cause)

	select {
	case err := <-asm.disconnected:
		assert.ErrorIs(t, err, cause)
	case <-time.After(time.Second):
		t.Fatal("abort was not reported")
	}
	assert.Equal(t, StateClosed, ep.State())
	assert.ErrorIs(t, ep.Err(), cause)
}

func TestEndpointReadTimeoutIsFatal(t *testing.T) {
	ep, _ := connectedEndpoint(t, WithTimeout(200*time.Millisecond))
	asm := newRecordingAssembler()
	require.NoError(t, ep.Bind(asm))

	select {
	case err := <-asm.disconnected:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("read timeout was not reported")
	}
	assert.Equal(t, StateClosed, ep.State())
	assert.Equal(t, int32(1), asm.disconnects.Load())
}

func TestEndpointPeerDisconnect(t *testing.T) {
	ep, ft := connectedEndpoint(t)
	asm := newRecordingAssembler()
	require.NoError(t, ep.Bind(asm))

	var hookErr error
	hookCalled := make(chan struct{})
	ep.setFailureHook(func(_ *Endpoint, err error) {
		hookErr = err
		close(hookCalled)
	})

	ft.readErrs <- errors.New("connection reset by peer")

	select {
	case err := <-asm.disconnected:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("disconnect was not reported")
	}
	<-hookCalled
	assert.ErrorIs(t, hookErr, ErrDisconnected)
}

func TestEndpointCloseReportsClosedNotFailure(t *testing.T) {
	ep, _ := connectedEndpoint(t)
	asm := newRecordingAssembler()
	require.NoError(t, ep.Bind(asm))

	hookCalled := false
	ep.setFailureHook(func(*Endpoint, error) { hookCalled = true })

	require.NoError(t, ep.Close())
	ep.Wait()

	select {
	case err := <-asm.disconnected:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	default:
		t.Fatal("assembler was not told about the close")
	}
	assert.False(t, hookCalled)
	assert.NoError(t, ep.Err())
	assert.Equal(t, int32(1), asm.disconnects.Load())
}

func TestEndpointAssembleErrorDropsConnection(t *testing.T) {
	ep, ft := connectedEndpoint(t)
	asm := newRecordingAssembler()
	asm.assembleErr = errAssemble
	require.NoError(t, ep.Bind(asm))

	ft.reads <- []byte("junk")

	select {
	case err := <-asm.disconnected:
		assert.ErrorIs(t, err, errAssemble)
	case <-time.After(time.Second):
		t.Fatal("framing error was not reported")
	}
	assert.Equal(t, StateClosed, ep.State())
}

func TestEndpointTimeoutSettings(t *testing.T) {
	ep := NewEndpoint(newFakeTransport("fake"))
	assert.Equal(t, DefaultTimeout, ep.Timeout())
	assert.Equal(t, DefaultTimeout, ep.effectiveTimeout())

	ep.SetTimeout(5 * time.Second)
	assert.Equal(t, 5*time.Second, ep.effectiveTimeout())

	ep.SuppressTimeout(true)
	assert.Equal(t, time.Duration(0), ep.effectiveTimeout())
	assert.Equal(t, 5*time.Second, ep.Timeout())

	ep.SuppressTimeout(false)
	assert.Equal(t, 5*time.Second, ep.effectiveTimeout())

	ep.SetTimeout(NoTimeout)
	assert.Equal(t, NoTimeout, ep.Timeout())
	assert.Equal(t, time.Duration(0), ep.effectiveTimeout())

	ep.SetTimeout(0)
	assert.Equal(t, DefaultTimeout, ep.Timeout())
}

func TestEndpointSuppressedTimeoutSurvivesSilence(t *testing.T) {
	ft := newFakeTransport("fake")
	ep := NewEndpoint(ft, WithTimeout(30*time.Millisecond))
	ep.SuppressTimeout(true)
	require.NoError(t, ep.Listen(context.Background()))
	ft.connect()
	require.NoError(t, ep.Accept(context.Background()))
	t.Cleanup(func() {
		ep.Close()
		ep.Wait()
	})

	asm := newRecordingAssembler()
	require.NoError(t, ep.Bind(asm))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateConnected, ep.State())

	// The read already in progress was started without a deadline.
	ft.reads <- []byte("back")
	require.Eventually(t, func() bool {
		return bytes.Equal(asm.bytes(), []byte("back"))
	}, time.Second, 5*time.Millisecond)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", os.ErrDeadlineExceeded, ErrTimeout},
		{"eof", io.EOF, ErrDisconnected},
		{"closed", net.ErrClosed, ErrConnectionClosed},
		{"cancelled", context.Canceled, ErrCancelled},
		{"other", errors.New("boom"), ErrDisconnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.err), tt.want)
		})
	}
	assert.NoError(t, classify(nil))
}

func TestEndpointSuppressAfterAcceptSurvivesSilence(t *testing.T) {
	const timeout = 100 * time.Millisecond

	ep, ft := connectedEndpoint(t, WithTimeout(timeout))
	asm := newRecordingAssembler()
	require.NoError(t, ep.Bind(asm))

	// The read in progress was started with the timeout still in force.
	time.Sleep(20 * time.Millisecond)
	ep.SuppressTimeout(true)

	time.Sleep(2*timeout + 50*time.Millisecond)
	assert.Equal(t, StateConnected, ep.State())
	assert.GreaterOrEqual(t, ft.readCalls.Load(), int32(2))

	ft.reads <- []byte("back")
	require.Eventually(t, func() bool {
		return bytes.Equal(asm.bytes(), []byte("back"))
	}, time.Second, 5*time.Millisecond)
}

func TestEndpointSuppressAfterAcceptOverPipe(t *testing.T) {
	const timeout = 200 * time.Millisecond

	local, remote := net.Pipe()
	defer remote.Close()
	ep := NewEndpoint(NewConnTransport("pipe", local), WithTimeout(timeout))
	t.Cleanup(func() {
		ep.Close()
		ep.Wait()
	})
	require.NoError(t, ep.Listen(context.Background()))
	require.NoError(t, ep.Accept(context.Background()))

	asm := newRecordingAssembler()
	require.NoError(t, ep.Bind(asm))

	time.Sleep(20 * time.Millisecond)
	ep.SuppressTimeout(true)
	time.Sleep(2*timeout + 100*time.Millisecond)
	assert.Equal(t, StateConnected, ep.State())

	_, err := remote.Write([]byte("late"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return bytes.Equal(asm.bytes(), []byte("late"))
	}, time.Second, 5*time.Millisecond)

	// Restoring the timeout applies to the read already waiting.
	ep.SuppressTimeout(false)
	select {
	case err := <-asm.disconnected:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(timeout + time.Second):
		t.Fatal("restored timeout did not fire")
	}
	assert.Equal(t, StateClosed, ep.State())
}
