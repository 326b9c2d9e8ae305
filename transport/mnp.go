package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/newtonresearch/newton-connection/buffer"
	"github.com/newtonresearch/newton-connection/limits"
)

// MNP framing bytes
const (
	mnpSYN = 0x16
	mnpDLE = 0x10
	mnpSTX = 0x02
	mnpETX = 0x03
)

// MNP link frame types
const (
	mnpFrameLR = 1 // link request
	mnpFrameLD = 2 // link disconnect
	mnpFrameLT = 4 // link transfer
	mnpFrameLA = 5 // link acknowledge
)

const (
	// mnpCredit is the receive window advertised in every LA frame.
	mnpCredit = 8

	// mnpRetransmitInterval is how long the writer waits for an LA before
	// sending the same LT again.
	mnpRetransmitInterval = 2 * time.Second

	// mnpControlTimeout bounds writes of LA and LD frames.
	mnpControlTimeout = 5 * time.Second

	// mnpMaxFrameBody bounds a decoded frame body.
	mnpMaxFrameBody = limits.MaxMNPFrameData + 64
)

// mnpDesktopLR is the link request the desktop answers a Newton's LR with.
var mnpDesktopLR = []byte{
	23, mnpFrameLR, 2, 1, 6, 1, 0, 0, 0, 0, 255,
	2, 1, 2,
	3, 1, 1,
	4, 2, 64, 0,
	8, 1, 3,
}

var (
	errMNPBadCRC  = errors.New("mnp: bad frame checksum")
	errMNPOverrun = errors.New("mnp: frame too long")
	errMNPEscape  = errors.New("mnp: invalid escape")
)

// encodeMNPFrame wraps body in SYN DLE STX ... DLE ETX CRC16, doubling DLE
// bytes inside the body. The CRC covers the body and the ETX and is sent
// low byte first.
func encodeMNPFrame(body []byte) []byte {
	out := make([]byte, 0, len(body)+8)
	out = append(out, mnpSYN, mnpDLE, mnpSTX)
	var crc uint16
	for _, b := range body {
		crc = crc16Update(crc, b)
		if b == mnpDLE {
			out = append(out, mnpDLE)
		}
		out = append(out, b)
	}
	crc = crc16Update(crc, mnpETX)
	return append(out, mnpDLE, mnpETX, byte(crc), byte(crc>>8))
}

func mnpLTFrame(seq byte, data []byte) []byte {
	body := make([]byte, 0, 3+len(data))
	body = append(body, 2, mnpFrameLT, seq)
	return append(body, data...)
}

func mnpLAFrame(seq byte) []byte {
	return []byte{3, mnpFrameLA, seq, mnpCredit}
}

func mnpLDFrame(reason byte) []byte {
	return []byte{4, mnpFrameLD, 1, 1, reason}
}

// mnpFrameType returns the type of a decoded frame body.
func mnpFrameType(body []byte) byte {
	if len(body) < 2 {
		return 0
	}
	return body[1]
}

type mnpDecodeState int

const (
	mnpHuntSYN mnpDecodeState = iota
	mnpHuntDLE
	mnpHuntSTX
	mnpBody
	mnpBodyDLE
	mnpCRCLow
	mnpCRCHigh
)

// mnpDecoder pulls frames out of a raw byte stream. State survives between
// calls so a frame may arrive split over any number of reads.
type mnpDecoder struct {
	state mnpDecodeState
	body  []byte
	crc   uint16
	rxCRC uint16
}

func (d *mnpDecoder) reset() {
	d.state = mnpHuntSYN
	d.body = d.body[:0]
	d.crc = 0
}

// next consumes bytes from in until a whole frame is decoded. It returns a
// nil frame when in runs dry first. A corrupt frame is dropped and reported
// with an error; decoding can continue with the next call.
func (d *mnpDecoder) next(in *buffer.ChunkBuffer) ([]byte, error) {
	for in.NextByte() != buffer.EOB {
		c, _ := in.ReadByte()

		switch d.state {
		case mnpHuntSYN:
			if c == mnpSYN {
				d.state = mnpHuntDLE
			}
		case mnpHuntDLE:
			switch c {
			case mnpDLE:
				d.state = mnpHuntSTX
			case mnpSYN:
			default:
				d.state = mnpHuntSYN
			}
		case mnpHuntSTX:
			if c == mnpSTX {
				d.body = d.body[:0]
				d.crc = 0
				d.state = mnpBody
			} else {
				d.state = mnpHuntSYN
			}
		case mnpBody:
			if c == mnpDLE {
				d.state = mnpBodyDLE
				continue
			}
			if err := d.append(c); err != nil {
				return nil, err
			}
		case mnpBodyDLE:
			switch c {
			case mnpDLE:
				d.state = mnpBody
				if err := d.append(c); err != nil {
					return nil, err
				}
			case mnpETX:
				d.crc = crc16Update(d.crc, mnpETX)
				d.state = mnpCRCLow
			default:
				d.reset()
				return nil, errMNPEscape
			}
		case mnpCRCLow:
			d.rxCRC = uint16(c)
			d.state = mnpCRCHigh
		case mnpCRCHigh:
			d.rxCRC |= uint16(c) << 8
			ok := d.rxCRC == d.crc
			frame := append([]byte(nil), d.body...)
			d.reset()
			if !ok {
				return nil, errMNPBadCRC
			}
			return frame, nil
		}
	}
	return nil, nil
}

func (d *mnpDecoder) append(c byte) error {
	if len(d.body) >= mnpMaxFrameBody {
		d.reset()
		return errMNPOverrun
	}
	d.body = append(d.body, c)
	d.crc = crc16Update(d.crc, c)
	return nil
}

// mnpLink runs the MNP link layer over a serial port. The reader side
// (readFrame, readPage) runs on the endpoint read goroutine; writePage runs
// on the write goroutine and learns about acknowledgements over acks.
type mnpLink struct {
	port stream

	wmu sync.Mutex // keeps frames whole on the wire

	// reader state
	raw     *buffer.ChunkBuffer
	dec     mnpDecoder
	readBuf []byte
	recvSeq byte
	waker   readWaker

	// writer state
	sendSeq    byte
	chunk      []byte
	retransmit time.Duration

	acks      chan byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newMNPLink(port stream) *mnpLink {
	return &mnpLink{
		port:       port,
		raw:        buffer.NewChunkBuffer(),
		readBuf:    make([]byte, limits.PageSize),
		chunk:      make([]byte, limits.MaxMNPFrameData),
		retransmit: mnpRetransmitInterval,
		acks:       make(chan byte, 32),
		closed:     make(chan struct{}),
	}
}

// writeFrame encodes body and writes it in one piece.
func (l *mnpLink) writeFrame(body []byte, timeout time.Duration) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return l.writeFrameLocked(body, timeout)
}

func (l *mnpLink) writeFrameLocked(body []byte, timeout time.Duration) error {
	frame := encodeMNPFrame(body)
	if err := l.port.SetWriteDeadline(deadline(timeout)); err != nil {
		return err
	}
	for len(frame) > 0 {
		n, err := l.port.Write(frame)
		if err != nil {
			return err
		}
		frame = frame[n:]
	}
	return nil
}

// readFrame returns the next intact frame, reading from the port as needed.
// A zero deadline waits forever.
func (l *mnpLink) readFrame(dl time.Time) ([]byte, error) {
	for {
		frame, err := l.dec.next(l.raw)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "mnpLink.readFrame",
				"error":    err.Error(),
			}).Debug("Dropping corrupt MNP frame")
			continue
		}
		if frame != nil {
			return frame, nil
		}

		if err := l.waker.arm(l.port, dl); err != nil {
			return nil, err
		}
		n, err := l.port.Read(l.readBuf)
		if n > 0 {
			l.raw.Write(l.readBuf[:n])
		}
		if err != nil {
			if isDeadlineError(err) {
				l.waker.woken()
			}
			return nil, err
		}
	}
}

// awaitLR waits for the Newton's link request and answers it. It polls so
// that ctx cancellation is noticed within pollInterval.
func (l *mnpLink) awaitLR(done <-chan struct{}, pollInterval time.Duration) error {
	for {
		select {
		case <-done:
			return ErrCancelled
		default:
		}

		frame, err := l.readFrame(time.Now().Add(pollInterval))
		if err != nil {
			if isDeadlineError(err) {
				continue
			}
			return err
		}
		if mnpFrameType(frame) != mnpFrameLR {
			continue
		}

		l.recvSeq = 0
		l.sendSeq = 0
		return l.writeFrame(mnpDesktopLR, mnpControlTimeout)
	}
}

// readPage delivers the data of the next in-sequence LT frame. Any valid
// frame from the peer restarts the timeout.
func (l *mnpLink) readPage(page *buffer.PageBuffer, timeout time.Duration) error {
	for {
		frame, err := l.readFrame(deadline(timeout))
		if err != nil {
			return err
		}

		switch mnpFrameType(frame) {
		case mnpFrameLT:
			if len(frame) < 3 || int(frame[0])+1 > len(frame) {
				continue
			}
			seq := frame[2]
			if seq != l.recvSeq+1 {
				// Duplicate or out of order: repeat the last acknowledgement.
				if err := l.writeFrame(mnpLAFrame(l.recvSeq), mnpControlTimeout); err != nil {
					return err
				}
				continue
			}
			l.recvSeq = seq
			page.Fill(frame[int(frame[0])+1:])
			return l.writeFrame(mnpLAFrame(seq), mnpControlTimeout)

		case mnpFrameLA:
			if len(frame) < 3 {
				continue
			}
			select {
			case l.acks <- frame[2]:
			default:
			}

		case mnpFrameLD:
			return ErrDisconnected

		case mnpFrameLR:
			// The Newton restarted the link.
			l.recvSeq = 0
			if err := l.writeFrame(mnpDesktopLR, mnpControlTimeout); err != nil {
				return err
			}
		}
	}
}

// writePage sends page as LT frames of at most limits.MaxMNPFrameData bytes,
// waiting for each to be acknowledged and resending it when it is not.
func (l *mnpLink) writePage(page *buffer.PageBuffer, timeout time.Duration) error {
	for page.Used() > 0 {
		seq := l.sendSeq + 1
		start := time.Now()
		page.Mark()

		for {
			n := page.DrainTo(l.chunk)
			if err := l.writeFrame(mnpLTFrame(seq, l.chunk[:n]), timeout); err != nil {
				return err
			}

			acked, err := l.awaitAck(seq)
			if err != nil {
				return err
			}
			if acked {
				break
			}
			if timeout > 0 && time.Since(start) >= timeout {
				return ErrTimeout
			}

			logrus.WithFields(logrus.Fields{
				"function": "mnpLink.writePage",
				"seq":      seq,
			}).Debug("Retransmitting unacknowledged LT frame")
			page.Refill()
		}
		l.sendSeq = seq
	}
	return nil
}

// awaitAck waits up to the retransmit interval for an LA naming seq.
func (l *mnpLink) awaitAck(seq byte) (bool, error) {
	timer := time.NewTimer(l.retransmit)
	defer timer.Stop()

	for {
		select {
		case ack := <-l.acks:
			if ack == seq {
				return true, nil
			}
		case <-timer.C:
			return false, nil
		case <-l.closed:
			return false, ErrConnectionClosed
		}
	}
}

// close sends a best-effort LD and closes the port.
func (l *mnpLink) close(sendLD bool) error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		// Skip the LD rather than wait behind a stuck write.
		if sendLD && l.wmu.TryLock() {
			_ = l.writeFrameLocked(mnpLDFrame(255), 500*time.Millisecond)
			l.wmu.Unlock()
		}
		err = l.port.Close()
	})
	return err
}
