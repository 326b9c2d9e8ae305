// Package transport moves dock bytes between the desktop and a Newton over
// whichever physical link the Newton chooses to connect with.
//
// # Architecture
//
// Each medium implements the Transport interface:
//
//	type Transport interface {
//	    Name() string
//	    Available() error
//	    Listen(ctx context.Context) error
//	    Accept(ctx context.Context) error
//	    ReadPage(page *buffer.PageBuffer, timeout time.Duration) error
//	    WritePage(page *buffer.PageBuffer, timeout time.Duration) error
//	    Close() error
//	}
//
// An Endpoint wraps one Transport and runs its I/O once a peer connects: a
// reader goroutine fills pages from the medium, a writer goroutine drains an
// ordered write queue, and an assembly goroutine appends incoming pages to a
// ChunkBuffer and hands it to the bound Assembler (the dock event queue).
//
// # Transport Implementations
//
// TCP/IP, with DNS-SD advertising of _newton-dock._tcp:
//
//	t := transport.NewTCPTransport(":3679", transport.WithAdvertising(""))
//
// Serial, using MNP link framing:
//
//	t := transport.NewSerialTransport("/dev/ttyUSB0", 38400)
//
// Bluetooth RFCOMM (linux only):
//
//	t := transport.NewBluetoothTransport(1)
//
// Emulator over WebSocket:
//
//	t := transport.NewSimulatorTransport("127.0.0.1:3680")
//
// # Listening
//
// A Controller races every available transport and keeps the first one a
// Newton connects to:
//
//	ctrl := transport.NewController(transports, transport.WithTimeout(30*time.Second))
//	if err := ctrl.StartListening(ctx); err != nil {
//	    return err
//	}
//	ep, err := ctrl.Wait(ctx)
//
// # Timeouts
//
// Reads and writes on a connected endpoint time out after DefaultTimeout. A
// timeout is fatal: the endpoint closes and reports the failure once. Use
// SuppressTimeout while the Newton is legitimately silent, for example while
// it installs a package.
package transport
