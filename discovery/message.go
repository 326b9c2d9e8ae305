package discovery

import (
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/net/dns/dnsmessage"
)

const (
	// ServiceType is the DNS-SD service type a Newton looks for.
	ServiceType = "_newton-dock._tcp"

	// DefaultDomain is the multicast DNS domain.
	DefaultDomain = "local."

	// DefaultTTL is the record lifetime, in seconds, used in announcements.
	DefaultTTL uint32 = 120

	// servicesEnumeration is the meta-query that lists every service type.
	servicesEnumeration = "_services._dns-sd._udp.local."

	// classCacheFlush marks unique records so caches replace older copies.
	classCacheFlush = dnsmessage.ClassINET | 1<<15
)

// Service describes one advertised dock listener.
type Service struct {
	Instance string   // user visible name, e.g. "Newton Connection on studio"
	Type     string   // service type, ServiceType by default
	Domain   string   // DefaultDomain by default
	Host     string   // host label without domain
	Port     uint16   // TCP port of the listener
	IPs      []net.IP // addresses to publish; local interface addresses when empty
	Text     []string // TXT record strings
}

// NewService fills in a Service for port using the local host name.
func NewService(instance string, port uint16) Service {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "newton-connection"
	}
	host = sanitizeLabel(strings.SplitN(host, ".", 2)[0])
	if instance == "" {
		instance = "Newton Connection on " + host
	}
	return Service{
		Instance: instance,
		Type:     ServiceType,
		Domain:   DefaultDomain,
		Host:     host,
		Port:     port,
	}
}

// sanitizeLabel keeps a label within one DNS name component.
func sanitizeLabel(s string) string {
	s = strings.ReplaceAll(s, ".", "-")
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}

func (s Service) typeName() string {
	return s.Type + "." + s.Domain
}

func (s Service) instanceName() string {
	return sanitizeLabel(s.Instance) + "." + s.typeName()
}

func (s Service) hostName() string {
	return s.Host + "." + s.Domain
}

// addresses returns the IPv4 addresses to publish.
func (s Service) addresses() []net.IP {
	if len(s.IPs) > 0 {
		return ipv4Only(s.IPs)
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var ips []net.IP
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		ips = append(ips, ipnet.IP)
	}
	return ipv4Only(ips)
}

func ipv4Only(ips []net.IP) []net.IP {
	var out []net.IP
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			out = append(out, v4)
		}
	}
	return out
}

// buildAnnouncement builds an unsolicited response carrying the PTR, SRV,
// TXT and A records of svc. A ttl of zero produces a goodbye packet.
func buildAnnouncement(svc Service, ips []net.IP, ttl uint32) ([]byte, error) {
	typeName, err := dnsmessage.NewName(svc.typeName())
	if err != nil {
		return nil, fmt.Errorf("service type name: %w", err)
	}
	instName, err := dnsmessage.NewName(svc.instanceName())
	if err != nil {
		return nil, fmt.Errorf("service instance name: %w", err)
	}
	hostName, err := dnsmessage.NewName(svc.hostName())
	if err != nil {
		return nil, fmt.Errorf("service host name: %w", err)
	}

	b := dnsmessage.NewBuilder(make([]byte, 0, 512), dnsmessage.Header{
		Response:      true,
		Authoritative: true,
	})
	b.EnableCompression()

	if err := b.StartAnswers(); err != nil {
		return nil, err
	}
	err = b.PTRResource(dnsmessage.ResourceHeader{
		Name:  typeName,
		Type:  dnsmessage.TypePTR,
		Class: dnsmessage.ClassINET,
		TTL:   ttl,
	}, dnsmessage.PTRResource{PTR: instName})
	if err != nil {
		return nil, err
	}

	if err := b.StartAdditionals(); err != nil {
		return nil, err
	}
	err = b.SRVResource(dnsmessage.ResourceHeader{
		Name:  instName,
		Type:  dnsmessage.TypeSRV,
		Class: classCacheFlush,
		TTL:   ttl,
	}, dnsmessage.SRVResource{Port: svc.Port, Target: hostName})
	if err != nil {
		return nil, err
	}

	txt := svc.Text
	if len(txt) == 0 {
		txt = []string{""}
	}
	err = b.TXTResource(dnsmessage.ResourceHeader{
		Name:  instName,
		Type:  dnsmessage.TypeTXT,
		Class: classCacheFlush,
		TTL:   ttl,
	}, dnsmessage.TXTResource{TXT: txt})
	if err != nil {
		return nil, err
	}

	for _, ip := range ips {
		var a dnsmessage.AResource
		copy(a.A[:], ip.To4())
		err = b.AResource(dnsmessage.ResourceHeader{
			Name:  hostName,
			Type:  dnsmessage.TypeA,
			Class: classCacheFlush,
			TTL:   ttl,
		}, a)
		if err != nil {
			return nil, err
		}
	}

	return b.Finish()
}

// queryWants reports whether msg is a query that svc should answer.
func queryWants(msg []byte, svc Service) (bool, error) {
	var p dnsmessage.Parser
	h, err := p.Start(msg)
	if err != nil {
		return false, err
	}
	if h.Response {
		return false, nil
	}
	questions, err := p.AllQuestions()
	if err != nil {
		return false, err
	}

	for _, q := range questions {
		name := q.Name.String()
		switch {
		case strings.EqualFold(name, svc.typeName()),
			strings.EqualFold(name, servicesEnumeration):
			if q.Type == dnsmessage.TypePTR || q.Type == dnsmessage.TypeALL {
				return true, nil
			}
		case strings.EqualFold(name, svc.instanceName()):
			switch q.Type {
			case dnsmessage.TypeSRV, dnsmessage.TypeTXT, dnsmessage.TypeALL:
				return true, nil
			}
		case strings.EqualFold(name, svc.hostName()):
			if q.Type == dnsmessage.TypeA || q.Type == dnsmessage.TypeALL {
				return true, nil
			}
		}
	}
	return false, nil
}
