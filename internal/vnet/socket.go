package vnet

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Datagram sockets and the delivery plane.
////////////////////////////////////////////////////////////////////////////////

var (
	// ErrPortInUse indicates the requested local address is taken.
	ErrPortInUse = errors.New("vnet: port already in use")
	// ErrFamilyNotSupported indicates a family the socket cannot carry.
	ErrFamilyNotSupported = errors.New("vnet: address family not supported")
	// ErrNotConnected indicates a peer operation on an unconnected socket.
	ErrNotConnected = errors.New("vnet: socket not connected")
	// ErrHostUnreachable indicates no local listener, no matching route,
	// or no egress backend could take the datagram.
	ErrHostUnreachable = errors.New("vnet: host unreachable")
)

// Ephemeral port allocation walks the IANA dynamic range.
const (
	ephemeralPortBase  = 49152
	ephemeralPortCount = 16384
)

const socketQueueDepth = 32

// timeoutError conveys a deadline miss via net.Error.
type timeoutError struct{}

func (timeoutError) Error() string   { return "timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type datagram struct {
	payload []byte
	from    netip.AddrPort
}

// socket is a bound or unbound datagram endpoint on a Net.
type socket struct {
	net    *Net
	family Family

	mu        sync.Mutex
	local     netip.AddrPort
	peer      netip.AddrPort
	readDead  time.Time
	writeDead time.Time

	incoming chan datagram
	done     chan struct{}

	closeOnce sync.Once
}

var _ Conn = (*socket)(nil)

// SocketOpen creates an unbound datagram socket for the given family.
func (n *Net) SocketOpen(family Family) (Conn, error) {
	if !family.valid() {
		return nil, fmt.Errorf("%w: %s", ErrFamilyNotSupported, family)
	}
	return &socket{
		net:      n,
		family:   family,
		incoming: make(chan datagram, socketQueueDepth),
		done:     make(chan struct{}),
	}, nil
}

// normalizeAddrPort strips the IPv4-in-IPv6 mapping so socket keys compare
// consistently.
func normalizeAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func wildcardAddr(addr netip.Addr) netip.Addr {
	if addr.Unmap().Is4() {
		return netip.IPv4Unspecified()
	}
	return netip.IPv6Unspecified()
}

// lookupSocket finds the receiver for a datagram addressed to key: an exact
// binding first, then a wildcard binding when the address terminates on this
// stack.
func (n *Net) lookupSocket(to netip.AddrPort) (*socket, bool) {
	to = normalizeAddrPort(to)
	if v, ok := n.sockets.Load(to); ok {
		return v.(*socket), true
	}
	if !n.isLocalAddr(to.Addr()) {
		return nil, false
	}
	wildcard := netip.AddrPortFrom(wildcardAddr(to.Addr()), to.Port())
	if v, ok := n.sockets.Load(wildcard); ok {
		return v.(*socket), true
	}
	return nil, false
}

// registerSocket claims local for s, allocating an ephemeral port when the
// requested port is zero.
func (n *Net) registerSocket(s *socket, local netip.AddrPort) (netip.AddrPort, error) {
	if local.Port() != 0 {
		if _, loaded := n.sockets.LoadOrStore(local, s); loaded {
			return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrPortInUse, local)
		}
		return local, nil
	}

	for attempt := 0; attempt < ephemeralPortCount; attempt++ {
		port := uint16(ephemeralPortBase + (n.ephemeralPort.Add(1) % ephemeralPortCount))
		key := netip.AddrPortFrom(local.Addr(), port)
		if _, loaded := n.sockets.LoadOrStore(key, s); !loaded {
			return key, nil
		}
	}
	return netip.AddrPort{}, fmt.Errorf("%w: ephemeral range exhausted", ErrPortInUse)
}

func (n *Net) unregisterSocket(s *socket, local netip.AddrPort) {
	if local.IsValid() {
		n.sockets.CompareAndDelete(local, s)
	}
}

// sendDatagram carries one datagram from a socket toward to. Local listeners
// are tried first; a local destination with no listener is dropped, matching
// UDP's fire and forget contract. Everything else needs a route and an
// egress backend.
func (n *Net) sendDatagram(from, to netip.AddrPort, payload []byte) error {
	n.writeCapture(from, to, payload)

	if dst, ok := n.lookupSocket(to); ok {
		queued := dst.deliver(datagram{
			payload: append([]byte(nil), payload...),
			from:    from,
		})
		if !queued {
			n.log.Debug("vnet: datagram dropped", "to", to, "reason", "queue full")
		}
		return nil
	}

	if n.isLocalAddr(to.Addr()) {
		n.log.Debug("vnet: datagram dropped", "to", to, "reason", "no listener")
		return nil
	}

	n.mu.RLock()
	egress := n.egress
	n.mu.RUnlock()

	if egress != nil {
		if route, ok := n.routes.Resolve(to.Addr()); ok {
			return egress.ForwardDatagram(from, to, route.Via, payload)
		}
	}
	return fmt.Errorf("%w: %s", ErrHostUnreachable, to)
}

// sourceAddr picks the address a wildcard-bound socket stamps on outgoing
// datagrams: the primary interface's first matching address, else loopback.
func (n *Net) sourceAddr(family Family) netip.Addr {
	if iface, err := n.primaryInterface(); err == nil {
		for _, prefix := range iface.Addrs() {
			if family.matches(prefix.Addr()) {
				return prefix.Addr()
			}
		}
	}
	if family == FamilyInet4 {
		return netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	return netip.IPv6Loopback()
}

////////////////////////////////////////////////////////////////////////////////
// socket methods.
////////////////////////////////////////////////////////////////////////////////

func (s *socket) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// deliver queues one datagram, dropping it when the socket is closed or its
// queue is full.
func (s *socket) deliver(d datagram) bool {
	if s.closed() {
		return false
	}
	select {
	case s.incoming <- d:
		return true
	default:
		return false
	}
}

// Bind implements Conn.
func (s *socket) Bind(local netip.AddrPort) error {
	if s.closed() {
		return net.ErrClosed
	}
	addr := local.Addr().Unmap()
	if !addr.IsValid() || !s.family.matches(addr) {
		return fmt.Errorf("%w: bind %s on %s socket", ErrFamilyNotSupported, local, s.family)
	}
	local = normalizeAddrPort(local)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.local.IsValid() {
		return fmt.Errorf("%w: already bound to %s", ErrPortInUse, s.local)
	}

	bound, err := s.net.registerSocket(s, local)
	if err != nil {
		return err
	}
	s.local = bound
	return nil
}

// ensureBound gives an unbound socket a wildcard ephemeral binding, the
// implicit bind a first send performs.
func (s *socket) ensureBound() error {
	s.mu.Lock()
	bound := s.local.IsValid()
	s.mu.Unlock()

	if bound {
		return nil
	}
	wildcard := netip.IPv4Unspecified()
	if s.family == FamilyInet6 {
		wildcard = netip.IPv6Unspecified()
	}
	return s.Bind(netip.AddrPortFrom(wildcard, 0))
}

// Connect implements Conn.
func (s *socket) Connect(peer netip.AddrPort) error {
	if s.closed() {
		return net.ErrClosed
	}
	if !peer.IsValid() || !s.family.matches(peer.Addr().Unmap()) {
		return fmt.Errorf("%w: connect %s on %s socket", ErrFamilyNotSupported, peer, s.family)
	}
	if err := s.ensureBound(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.peer = normalizeAddrPort(peer)
	return nil
}

// Write implements Conn, sending to the connected peer.
func (s *socket) Write(p []byte) (int, error) {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()

	if !peer.IsValid() {
		return 0, ErrNotConnected
	}
	return s.WriteToAddrPort(p, peer)
}

// WriteTo implements net.PacketConn.
func (s *socket) WriteTo(p []byte, addr net.Addr) (int, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, &net.OpError{Op: "write", Net: "udp", Err: errors.New("unexpected addr type")}
	}
	return s.WriteToAddrPort(p, udpAddr.AddrPort())
}

// WriteToAddrPort implements Conn.
func (s *socket) WriteToAddrPort(p []byte, to netip.AddrPort) (int, error) {
	if s.closed() {
		return 0, net.ErrClosed
	}
	to = normalizeAddrPort(to)
	if !to.IsValid() || !s.family.matches(to.Addr()) {
		return 0, fmt.Errorf("%w: send to %s on %s socket", ErrFamilyNotSupported, to, s.family)
	}

	s.mu.Lock()
	writeDead := s.writeDead
	s.mu.Unlock()
	if !writeDead.IsZero() && time.Now().After(writeDead) {
		return 0, &net.OpError{Op: "write", Net: "udp", Err: timeoutError{}}
	}

	if err := s.ensureBound(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	from := s.local
	s.mu.Unlock()
	if from.Addr().IsUnspecified() {
		from = netip.AddrPortFrom(s.net.sourceAddr(s.family), from.Port())
	}

	if err := s.net.sendDatagram(from, to, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ReadFrom implements net.PacketConn.
func (s *socket) ReadFrom(b []byte) (int, net.Addr, error) {
	if s.closed() {
		return 0, nil, net.ErrClosed
	}

	s.mu.Lock()
	deadline := s.readDead
	s.mu.Unlock()

	var (
		timer   *time.Timer
		timeout <-chan time.Time
	)
	if !deadline.IsZero() {
		until := time.Until(deadline)
		if until <= 0 {
			return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
		}
		timer = time.NewTimer(until)
		timeout = timer.C
		defer timer.Stop()
	}

	select {
	case d := <-s.incoming:
		n := copy(b, d.payload)
		return n, net.UDPAddrFromAddrPort(d.from), nil
	case <-timeout:
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	case <-s.done:
		return 0, nil, net.ErrClosed
	}
}

// TryReadFrom implements Conn.
func (s *socket) TryReadFrom(p []byte) (int, netip.AddrPort, bool, error) {
	if s.closed() {
		return 0, netip.AddrPort{}, false, net.ErrClosed
	}
	select {
	case d := <-s.incoming:
		n := copy(p, d.payload)
		return n, d.from, true, nil
	default:
		return 0, netip.AddrPort{}, false, nil
	}
}

// Close implements Conn. It is idempotent.
func (s *socket) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		local := s.local
		s.mu.Unlock()

		s.net.unregisterSocket(s, local)
	})
	return nil
}

// LocalAddr implements net.PacketConn.
func (s *socket) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return net.UDPAddrFromAddrPort(s.local)
}

// LocalAddrPort implements Conn.
func (s *socket) LocalAddrPort() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// SetDeadline implements net.PacketConn.
func (s *socket) SetDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readDead = t
	s.writeDead = t
	return nil
}

// SetReadDeadline implements net.PacketConn.
func (s *socket) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readDead = t
	return nil
}

// SetWriteDeadline implements net.PacketConn.
func (s *socket) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeDead = t
	return nil
}
