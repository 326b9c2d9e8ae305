package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

const (
	// mDNS announcement constants
	announceInterval = 60 * time.Second
	readPollInterval = 1 * time.Second
	maxPacketSize    = 9000
)

// ErrNoInterface indicates no network interface could join the mDNS group.
var ErrNoInterface = errors.New("no multicast interface")

// mdnsGroup is the IPv4 multicast DNS group.
var mdnsGroup = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}

// packetWriter is the part of the socket used to send responses.
type packetWriter interface {
	WriteTo(b []byte, cm *ipv4.ControlMessage, dst net.Addr) (int, error)
}

// Advertiser publishes a Service over multicast DNS while a dock listener
// is waiting for a Newton, and answers queries for it.
type Advertiser struct {
	service Service
	ttl     uint32
	group   *net.UDPAddr

	mu       sync.RWMutex
	running  bool
	conn     *ipv4.PacketConn
	packet   []byte
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Option configures an Advertiser.
type Option func(*Advertiser)

// WithTTL sets the record lifetime announced to peers.
func WithTTL(ttl time.Duration) Option {
	return func(a *Advertiser) {
		if ttl > 0 {
			a.ttl = uint32(ttl / time.Second)
		}
	}
}

// WithGroup overrides the multicast group and port.
func WithGroup(group *net.UDPAddr) Option {
	return func(a *Advertiser) {
		a.group = group
	}
}

// NewAdvertiser creates an advertiser for svc. Nothing is sent until Start.
func NewAdvertiser(svc Service, opts ...Option) *Advertiser {
	if svc.Type == "" {
		svc.Type = ServiceType
	}
	if svc.Domain == "" {
		svc.Domain = DefaultDomain
	}
	a := &Advertiser{
		service: svc,
		ttl:     DefaultTTL,
		group:   mdnsGroup,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Service returns the advertised service.
func (a *Advertiser) Service() Service {
	return a.service
}

// Start joins the multicast group on every capable interface, announces the
// service and begins answering queries.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}

	packet, err := buildAnnouncement(a.service, a.service.addresses(), a.ttl)
	if err != nil {
		return fmt.Errorf("build announcement: %w", err)
	}

	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", a.group.Port))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Advertiser.Start",
			"error":    err.Error(),
		}).Error("Failed to create mDNS socket")
		return fmt.Errorf("failed to create mDNS socket: %w", err)
	}

	conn := ipv4.NewPacketConn(pc)
	if joinGroup(conn, a.group) == 0 {
		pc.Close()
		return ErrNoInterface
	}
	_ = conn.SetMulticastTTL(255)
	_ = conn.SetMulticastLoopback(true)

	a.conn = conn
	a.packet = packet
	a.stopChan = make(chan struct{})
	a.running = true

	a.wg.Add(2)
	go a.announceLoop()
	go a.receiveLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Advertiser.Start",
		"instance": a.service.Instance,
		"type":     a.service.typeName(),
		"port":     a.service.Port,
	}).Info("Advertising dock service")

	return nil
}

// joinGroup joins group on every up, multicast-capable interface and returns
// how many joins succeeded.
func joinGroup(conn *ipv4.PacketConn, group *net.UDPAddr) int {
	ifaces, err := net.Interfaces()
	if err != nil {
		return 0
	}
	joined := 0
	for i := range ifaces {
		ifi := ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := conn.JoinGroup(&ifi, group); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "joinGroup",
				"interface": ifi.Name,
				"error":     err.Error(),
			}).Debug("Skipping interface for mDNS")
			continue
		}
		joined++
	}
	return joined
}

// Stop sends a goodbye packet and stops advertising.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.stopChan)

	if goodbye, err := buildAnnouncement(a.service, a.service.addresses(), 0); err == nil {
		_, _ = a.conn.WriteTo(goodbye, nil, a.group)
	}
	a.conn.Close()
	a.mu.Unlock()

	a.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Advertiser.Stop",
		"instance": a.service.Instance,
	}).Debug("Stopped advertising dock service")
}

// IsRunning reports whether the service is being advertised.
func (a *Advertiser) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// announceLoop sends the announcement now and then periodically.
func (a *Advertiser) announceLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()

	a.announce()

	for {
		select {
		case <-ticker.C:
			a.announce()
		case <-a.stopChan:
			return
		}
	}
}

func (a *Advertiser) announce() {
	a.mu.RLock()
	conn := a.conn
	packet := a.packet
	running := a.running
	a.mu.RUnlock()

	if !running {
		return
	}
	if _, err := conn.WriteTo(packet, nil, a.group); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Advertiser.announce",
			"error":    err.Error(),
		}).Debug("Failed to send mDNS announcement")
	}
}

// receiveLoop answers queries until Stop.
func (a *Advertiser) receiveLoop() {
	defer a.wg.Done()

	buf := make([]byte, maxPacketSize)
	for {
		select {
		case <-a.stopChan:
			return
		default:
		}

		a.mu.RLock()
		conn := a.conn
		a.mu.RUnlock()

		// Set read deadline to allow checking stopChan
		_ = conn.SetReadDeadline(time.Now().Add(readPollInterval))

		n, _, src, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-a.stopChan:
				return
			default:
				continue
			}
		}

		a.handleQuery(buf[:n], src, conn)
	}
}

// handleQuery answers msg when it asks for the service. Legacy unicast
// queriers, which do not send from the mDNS port, get a unicast reply.
func (a *Advertiser) handleQuery(msg []byte, src net.Addr, w packetWriter) {
	wants, err := queryWants(msg, a.service)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Advertiser.handleQuery",
			"error":    err.Error(),
		}).Trace("Ignoring malformed mDNS packet")
		return
	}
	if !wants {
		return
	}

	a.mu.RLock()
	packet := a.packet
	a.mu.RUnlock()

	dst := net.Addr(a.group)
	if udp, ok := src.(*net.UDPAddr); ok && udp.Port != a.group.Port {
		dst = udp
	}
	if _, err := w.WriteTo(packet, nil, dst); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Advertiser.handleQuery",
			"dest":     dst.String(),
			"error":    err.Error(),
		}).Debug("Failed to answer mDNS query")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Advertiser.handleQuery",
		"dest":     dst.String(),
	}).Debug("Answered mDNS query")
}
