// Package dock implements the Newton dock event protocol on top of a
// connected transport.Endpoint.
//
// Every command is an Event framed as
//
//	[4 class 'newt'][4 command tag][4 big-endian length][length payload]
//
// and its payload shape (none, int, structured value or raw bytes) follows
// from the tag. A Decoder turns a byte stream into events one frame at a
// time; an incomplete frame is not an error, it simply waits for more bytes.
//
// A Queue binds to the winning endpoint and is the only thing the
// application talks to:
//
//	q := dock.NewQueue(dock.WithValueCodec(dock.JSONCodec{}))
//	if err := q.Open(ep); err != nil {
//	    return err
//	}
//	defer q.Close()
//
//	ev, err := q.GetNextEvent(ctx)
//	if err != nil {
//	    return err // dock.ErrDisconnected, dock.ErrCancelled, ...
//	}
//	if ev.Tag == dock.TagRequestToDock {
//	    err = q.SendInt(ctx, dock.TagInitiateDocking, 0)
//	}
//
// Large payloads are written in slices with an optional progress callback:
//
//	err := q.SendFile(ctx, dock.TagLoadPackage, "Hello.pkg",
//	    func(total, done uint32) { fmt.Printf("%d/%d\n", done, total) }, 8)
package dock
