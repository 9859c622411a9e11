package vnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

////////////////////////////////////////////////////////////////////////////////
// Embedded DNS responder and the host-managed record set.
////////////////////////////////////////////////////////////////////////////////

// ErrHostNotFound indicates no record exists for the queried name.
var ErrHostNotFound = errors.New("vnet: host not found")

const dnsPort = 53

// dnsService answers queries for a host-managed record map. It serves the
// wire protocol over a stack socket and backs LookupHost directly.
type dnsService struct {
	log *slog.Logger

	mu      sync.RWMutex
	records map[string][]netip.Addr
	server  *dns.Server
}

func newDNSService(logger *slog.Logger) *dnsService {
	return &dnsService{
		log:     logger,
		records: make(map[string][]netip.Addr),
	}
}

// canonicalName lowercases and fully qualifies a DNS name.
func canonicalName(name string) string {
	return dns.Fqdn(strings.ToLower(name))
}

func (s *dnsService) setRecord(name string, addrs []netip.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := canonicalName(name)
	if len(addrs) == 0 {
		delete(s.records, key)
		return
	}
	s.records[key] = append([]netip.Addr(nil), addrs...)
}

func (s *dnsService) lookup(name string) ([]netip.Addr, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addrs, ok := s.records[canonicalName(name)]
	if !ok {
		return nil, false
	}
	return append([]netip.Addr(nil), addrs...), true
}

func (s *dnsService) handleRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = false
	m.RecursionAvailable = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA && q.Qtype != dns.TypeAAAA {
			continue
		}
		addrs, ok := s.lookup(q.Name)
		if !ok {
			s.log.Debug("dns: unknown name", "name", q.Name)
			m.SetRcode(r, dns.RcodeNameError)
			continue
		}
		for _, addr := range addrs {
			var (
				rr  dns.RR
				err error
			)
			switch {
			case q.Qtype == dns.TypeA && addr.Is4():
				rr, err = dns.NewRR(fmt.Sprintf("%s A %s", q.Name, addr))
			case q.Qtype == dns.TypeAAAA && addr.Is6() && !addr.Is4In6():
				rr, err = dns.NewRR(fmt.Sprintf("%s AAAA %s", q.Name, addr))
			default:
				continue
			}
			if err != nil {
				s.log.Debug("dns: create rr", "err", err)
				continue
			}
			m.Answer = append(m.Answer, rr)
		}
	}

	_ = w.WriteMsg(m)
}

func (s *dnsService) start(packetConn net.PacketConn) {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleRequest)

	s.mu.Lock()
	s.server = &dns.Server{
		Addr:       ":53",
		Net:        "udp",
		Handler:    mux,
		PacketConn: packetConn,
	}
	server := s.server
	s.mu.Unlock()

	go func() {
		if err := server.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Error("dns: server exited", "err", err)
		}
	}()
}

func (s *dnsService) stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()

	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_ = server.ShutdownContext(ctx)
	if server.PacketConn != nil {
		_ = server.PacketConn.Close()
	}
}

////////////////////////////////////////////////////////////////////////////////
// Stack-level wiring.
////////////////////////////////////////////////////////////////////////////////

// SetHostRecord publishes addrs for name in the stack's DNS records. An empty
// addr list removes the record.
func (n *Net) SetHostRecord(name string, addrs ...netip.Addr) {
	n.dns.setRecord(name, addrs)
}

// LookupHost implements Networking by consulting the stack's records without
// a wire round-trip.
func (n *Net) LookupHost(name string) ([]netip.Addr, error) {
	addrs, ok := n.dns.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHostNotFound, name)
	}
	return addrs, nil
}

// StartDNS binds the responder to the service endpoint so guests can reach
// it with ordinary datagram traffic.
func (n *Net) StartDNS() error {
	conn, err := n.SocketOpen(FamilyInet4)
	if err != nil {
		return err
	}
	if err := conn.Bind(netip.AddrPortFrom(defaultServiceAddr, dnsPort)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("bind dns endpoint: %w", err)
	}

	n.dns.start(conn)
	n.log.Debug("vnet: dns service started", "addr", conn.LocalAddrPort())
	return nil
}

// StopDNS shuts the responder down. It is safe to call when never started.
func (n *Net) StopDNS() {
	n.dns.stop()
}
