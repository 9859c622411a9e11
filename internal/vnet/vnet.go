// Package vnet implements a small, purpose-built virtual network stack owned
// by one sandboxed process.
//
// The goals are:
//   - Correct routing semantics: longest-prefix match, insertion-order ties,
//     time-bounded route validity with lazy expiry and an explicit sweep.
//   - A datagram data plane sufficient for loopback-style delivery between
//     sockets on the same stack, an embedded DNS responder, and optional
//     forwarding to a host egress backend.
//   - Plain Go values at the API: netip addresses in, errors out. Guest
//     pointer handling lives entirely in the layers above this one.
//
// Notes and limitations:
//   - Datagram sockets only. There is no stream transport, no congestion
//     control, and no fragmentation.
//   - No ARP or neighbor discovery: next hops are recorded, not chased.
//   - Packet capture output synthesizes IP/UDP framing around delivered
//     datagrams; it is a diagnostic view, not a wire tap.
package vnet

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrNoInterface indicates the stack has no interface able to carry
	// the requested operation.
	ErrNoInterface = errors.New("vnet: no such interface")
	// ErrNotSupported indicates the backend cannot perform the operation.
	ErrNotSupported = errors.New("vnet: operation not supported")
)

////////////////////////////////////////////////////////////////////////////////
// Defaults for the synthetic network.
////////////////////////////////////////////////////////////////////////////////

// Default network parameters handed out by AcquireDHCP.
var (
	defaultGatewayAddr = netip.AddrFrom4([4]byte{10, 42, 0, 1})   // Next hop for the default route
	defaultGuestAddr   = netip.AddrFrom4([4]byte{10, 42, 0, 2})   // Address assigned to the process
	defaultServiceAddr = netip.AddrFrom4([4]byte{10, 42, 0, 100}) // Virtual service endpoint (DNS)
)

const defaultGuestPrefixBits = 24

// Family selects the address family of a socket.
type Family uint8

const (
	FamilyInet4 Family = 1
	FamilyInet6 Family = 2
)

func (f Family) String() string {
	switch f {
	case FamilyInet4:
		return "inet4"
	case FamilyInet6:
		return "inet6"
	}
	return fmt.Sprintf("unknown family 0x%02x", uint8(f))
}

// valid reports whether f names a family sockets can be opened with.
func (f Family) valid() bool {
	return f == FamilyInet4 || f == FamilyInet6
}

// matches reports whether addr belongs to f. The unspecified address of the
// right family counts.
func (f Family) matches(addr netip.Addr) bool {
	switch f {
	case FamilyInet4:
		return addr.Is4()
	case FamilyInet6:
		return addr.Is6() && !addr.Is4In6()
	}
	return false
}

////////////////////////////////////////////////////////////////////////////////
// The capability interface handed to each sandboxed process.
////////////////////////////////////////////////////////////////////////////////

// Conn is a datagram endpoint. It behaves as a net.PacketConn and adds the
// bind, non-blocking receive, and connected-peer operations the syscall
// layer needs.
type Conn interface {
	net.PacketConn

	// Bind fixes the local address. A zero port picks an ephemeral one.
	Bind(local netip.AddrPort) error
	// Connect fixes the peer used by Write.
	Connect(peer netip.AddrPort) error
	// Write sends to the connected peer.
	Write(p []byte) (int, error)
	// WriteToAddrPort is WriteTo without the net.Addr detour.
	WriteToAddrPort(p []byte, to netip.AddrPort) (int, error)
	// TryReadFrom is a non-blocking ReadFrom. ok is false when nothing is
	// queued; err is set only when the socket is unusable.
	TryReadFrom(p []byte) (n int, from netip.AddrPort, ok bool, err error)
	// LocalAddrPort returns the bound address, or the zero AddrPort before
	// binding.
	LocalAddrPort() netip.AddrPort
}

// Networking is the capability interface the runtime resolves for a sandboxed
// process. *Net implements it against the in-process virtual stack; the host
// package implements it against real host sockets.
type Networking interface {
	RouteAdd(route Route) error
	RouteRemove(dest netip.Prefix) error
	RouteClear() error
	RouteResolve(addr netip.Addr) (Route, bool)
	Routes() []Route
	SweepExpired() int

	AddrAdd(prefix netip.Prefix) error
	AddrRemove(addr netip.Addr) error
	AddrClear() error
	Addrs() []netip.Prefix
	MAC() ([6]byte, error)
	SetPromiscuous(enabled bool) error
	Promiscuous() (bool, error)
	AcquireDHCP() error

	SocketOpen(family Family) (Conn, error)
	LookupHost(name string) ([]netip.Addr, error)
}

////////////////////////////////////////////////////////////////////////////////
// Net: central struct tying together interfaces, routing and sockets.
////////////////////////////////////////////////////////////////////////////////

// Egress forwards routed datagrams that leave the stack. via is the next hop
// chosen by the routing table.
type Egress interface {
	ForwardDatagram(src, dst netip.AddrPort, via netip.Addr, payload []byte) error
}

// Net is the virtual network stack of one sandboxed process.
type Net struct {
	log *slog.Logger

	routes *RoutingTable

	// Interface and capture state.
	mu         sync.RWMutex
	ifaces     []*Interface
	egress     Egress
	packetDump *captureWriter

	// Socket state.
	sockets       sync.Map // netip.AddrPort -> *socket
	ephemeralPort atomic.Uint32

	// Embedded DNS responder (optional).
	dns *dnsService

	closeOnce sync.Once
}

// New constructs a stack with a loopback interface, a primary interface with
// a generated MAC, and an empty routing table using ReplaceOnDuplicate.
func New(logger *slog.Logger) (*Net, error) {
	primary, err := newInterface("eth0")
	if err != nil {
		return nil, err
	}

	n := &Net{
		log:    logger,
		routes: NewRoutingTable(ReplaceOnDuplicate),
		ifaces: []*Interface{newLoopbackInterface(), primary},
	}
	n.ephemeralPort.Store(ephemeralPortBase)
	n.dns = newDNSService(logger)
	return n, nil
}

// SetDuplicateRoutePolicy switches how repeated destinations are handled by
// RouteAdd. Intended for host configuration before guest traffic starts.
func (n *Net) SetDuplicateRoutePolicy(policy DuplicatePolicy) {
	n.routes.mu.Lock()
	defer n.routes.mu.Unlock()
	n.routes.policy = policy
}

// SetEgress attaches a backend for datagrams that resolve to a route but no
// local socket. A nil egress restores the default isolated behavior.
func (n *Net) SetEgress(e Egress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.egress = e
}

// RouteTable exposes the stack's routing table for host-side diagnostics.
func (n *Net) RouteTable() *RoutingTable { return n.routes }

// Close tears down sockets and the DNS responder. It is idempotent.
func (n *Net) Close() error {
	n.closeOnce.Do(func() {
		n.StopDNS()

		n.sockets.Range(func(key, value any) bool {
			_ = value.(io.Closer).Close()
			return true
		})

		n.mu.Lock()
		n.packetDump = nil
		n.mu.Unlock()
	})
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Routing operations.
////////////////////////////////////////////////////////////////////////////////

// RouteAdd implements Networking using the stack's table.
func (n *Net) RouteAdd(route Route) error {
	if err := n.routes.Add(route); err != nil {
		return err
	}
	n.log.Debug("vnet: route added", "dest", route.Dest, "via", route.Via)
	return nil
}

// RouteRemove implements Networking.
func (n *Net) RouteRemove(dest netip.Prefix) error {
	if err := n.routes.Remove(dest); err != nil {
		return err
	}
	n.log.Debug("vnet: route removed", "dest", dest)
	return nil
}

// RouteClear implements Networking.
func (n *Net) RouteClear() error {
	n.routes.Clear()
	return nil
}

// RouteResolve implements Networking.
func (n *Net) RouteResolve(addr netip.Addr) (Route, bool) {
	return n.routes.Resolve(addr)
}

// Routes implements Networking.
func (n *Net) Routes() []Route { return n.routes.Routes() }

// SweepExpired implements Networking.
func (n *Net) SweepExpired() int { return n.routes.SweepExpired() }

////////////////////////////////////////////////////////////////////////////////
// Interface address operations. These act on the primary interface; the
// loopback is fixed.
////////////////////////////////////////////////////////////////////////////////

// primaryInterface returns the first non-loopback interface.
func (n *Net) primaryInterface() (*Interface, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, iface := range n.ifaces {
		if !iface.loopback {
			return iface, nil
		}
	}
	return nil, ErrNoInterface
}

// Interfaces returns the stack's interfaces in attachment order.
func (n *Net) Interfaces() []*Interface {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return append([]*Interface(nil), n.ifaces...)
}

// AddrAdd assigns prefix to the primary interface.
func (n *Net) AddrAdd(prefix netip.Prefix) error {
	iface, err := n.primaryInterface()
	if err != nil {
		return err
	}
	if err := iface.addAddr(prefix); err != nil {
		return err
	}
	n.log.Debug("vnet: address added", "iface", iface.Name(), "addr", prefix)
	return nil
}

// AddrRemove removes the interface address whose base address is addr.
func (n *Net) AddrRemove(addr netip.Addr) error {
	iface, err := n.primaryInterface()
	if err != nil {
		return err
	}
	if err := iface.removeAddr(addr); err != nil {
		return err
	}
	n.log.Debug("vnet: address removed", "iface", iface.Name(), "addr", addr)
	return nil
}

// AddrClear removes every address from the primary interface.
func (n *Net) AddrClear() error {
	iface, err := n.primaryInterface()
	if err != nil {
		return err
	}
	iface.clearAddrs()
	return nil
}

// Addrs lists the primary interface's addresses.
func (n *Net) Addrs() []netip.Prefix {
	iface, err := n.primaryInterface()
	if err != nil {
		return nil
	}
	return iface.Addrs()
}

// MAC returns the primary interface's MAC address.
func (n *Net) MAC() ([6]byte, error) {
	iface, err := n.primaryInterface()
	if err != nil {
		return [6]byte{}, err
	}
	return iface.MAC(), nil
}

// SetPromiscuous flips promiscuous mode on the primary interface. Local
// delivery ignores the flag; it exists for bridged configurations that
// mirror traffic to an observer.
func (n *Net) SetPromiscuous(enabled bool) error {
	iface, err := n.primaryInterface()
	if err != nil {
		return err
	}
	iface.setPromisc(enabled)
	n.log.Debug("vnet: promiscuous mode", "iface", iface.Name(), "enabled", enabled)
	return nil
}

// Promiscuous reports the primary interface's promiscuous flag.
func (n *Net) Promiscuous() (bool, error) {
	iface, err := n.primaryInterface()
	if err != nil {
		return false, err
	}
	return iface.Promiscuous(), nil
}

// AcquireDHCP assigns the synthetic network defaults: the guest address on
// the primary interface and a default route via the gateway. It is
// idempotent so a guest may re-acquire its lease.
func (n *Net) AcquireDHCP() error {
	iface, err := n.primaryInterface()
	if err != nil {
		return err
	}

	prefix := netip.PrefixFrom(defaultGuestAddr, defaultGuestPrefixBits)
	if err := iface.addAddr(prefix); err != nil && !errors.Is(err, ErrAddrExists) {
		return err
	}
	iface.setUp(true)

	defaultDest := netip.PrefixFrom(netip.AddrFrom4([4]byte{}), 0)
	err = n.routes.Add(Route{Dest: defaultDest, Via: defaultGatewayAddr})
	if err != nil && !errors.Is(err, ErrRouteExists) {
		return err
	}

	n.log.Debug("vnet: dhcp acquired", "addr", prefix, "gateway", defaultGatewayAddr)
	return nil
}

// isLocalAddr reports whether addr terminates on this stack: loopback,
// unspecified, the service endpoint, or any interface address.
func (n *Net) isLocalAddr(addr netip.Addr) bool {
	if addr.IsLoopback() || addr.IsUnspecified() || addr == defaultServiceAddr {
		return true
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, iface := range n.ifaces {
		for _, prefix := range iface.Addrs() {
			if prefix.Addr() == addr {
				return true
			}
		}
	}
	return false
}

// clockNow reads the stack's clock, which is shared with the routing table.
func (n *Net) clockNow() time.Time {
	return n.routes.now()
}
