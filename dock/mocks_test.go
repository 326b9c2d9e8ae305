package dock

import (
	"context"
	"sync"

	"github.com/newtonresearch/newton-connection/buffer"
	"github.com/newtonresearch/newton-connection/transport"
)

// fakeEndpoint stands in for a connected transport.Endpoint. feed plays the
// part of the endpoint's assembly goroutine.
type fakeEndpoint struct {
	name    string
	bindErr error

	mu         sync.Mutex
	assembler  transport.Assembler
	in         *buffer.ChunkBuffer
	writes     [][]byte
	suppressed []bool
	block      chan struct{} // WriteSync waits on it when set
	unbinds    int
	aborts     []error
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{name: "fake", in: buffer.NewChunkBuffer()}
}

func (f *fakeEndpoint) Name() string { return f.name }

func (f *fakeEndpoint) Bind(a transport.Assembler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bindErr != nil {
		return f.bindErr
	}
	if f.assembler != nil {
		return transport.ErrAlreadyBound
	}
	f.assembler = a
	return nil
}

func (f *fakeEndpoint) Unbind(a transport.Assembler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assembler == a {
		f.assembler = nil
		f.in.Flush()
		f.unbinds++
	}
}

func (f *fakeEndpoint) WriteSync(ctx context.Context, data []byte) error {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ErrCancelled
		}
	}
	if ctx.Err() != nil {
		return ErrCancelled
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeEndpoint) SuppressTimeout(suppress bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suppressed = append(f.suppressed, suppress)
}

// Abort records cause and reports it to the bound assembler, as a real
// endpoint dropping the connection would.
func (f *fakeEndpoint) Abort(cause error) {
	f.mu.Lock()
	f.aborts = append(f.aborts, cause)
	f.mu.Unlock()
	f.disconnect(cause)
}

func (f *fakeEndpoint) abortCauses() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.aborts...)
}

// feed appends data and runs the bound assembler over it.
func (f *fakeEndpoint) feed(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.in.Write(data)
	if f.assembler == nil {
		return nil
	}
	return f.assembler.Assemble(f.in)
}

// disconnect reports err to the bound assembler.
func (f *fakeEndpoint) disconnect(err error) {
	f.mu.Lock()
	a := f.assembler
	f.mu.Unlock()
	if a != nil {
		a.Disconnected(err)
	}
}

func (f *fakeEndpoint) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, w := range f.writes {
		out = append(out, w...)
	}
	return out
}
