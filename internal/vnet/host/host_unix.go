//go:build unix

// Package host implements the Networking capability against real host
// sockets.
//
// It serves two roles:
//   - A capability backend for processes allowed to reach the host network
//     directly. Datagram sockets map one to one onto host descriptors.
//   - An egress backend (vnet.Egress) for bridged virtual stacks: datagrams a
//     virtual stack routes off-stack are re-sent through a shared host socket
//     and the host kernel takes over the routing decision.
//
// Route and interface mutation is refused with vnet.ErrNotSupported: a
// sandboxed process must never edit host network state. Enumeration of host
// addresses is allowed since it leaks nothing a plain DNS lookup would not.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wasnet/wasnet/internal/vnet"
)

// Net provides host-socket-backed networking for one sandboxed process.
type Net struct {
	log *slog.Logger

	mu      sync.Mutex
	egress4 int
	egress6 int
	closed  bool
}

var (
	_ vnet.Networking = (*Net)(nil)
	_ vnet.Egress     = (*Net)(nil)
)

// New constructs a host-backed Networking. Egress descriptors are opened on
// first use.
func New(logger *slog.Logger) *Net {
	return &Net{log: logger, egress4: -1, egress6: -1}
}

// Close releases the shared egress descriptors. Sockets handed out by
// SocketOpen are owned by their callers.
func (n *Net) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true
	for _, fd := range []int{n.egress4, n.egress6} {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
	n.egress4, n.egress6 = -1, -1
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Routing and interface state: read-only views of the host.
////////////////////////////////////////////////////////////////////////////////

// RouteAdd implements vnet.Networking. The host route table is read only.
func (n *Net) RouteAdd(vnet.Route) error {
	return fmt.Errorf("%w: host route table is read only", vnet.ErrNotSupported)
}

// RouteRemove implements vnet.Networking.
func (n *Net) RouteRemove(netip.Prefix) error {
	return fmt.Errorf("%w: host route table is read only", vnet.ErrNotSupported)
}

// RouteClear implements vnet.Networking.
func (n *Net) RouteClear() error {
	return fmt.Errorf("%w: host route table is read only", vnet.ErrNotSupported)
}

// RouteResolve implements vnet.Networking. The host kernel owns resolution,
// so no answer is available here.
func (n *Net) RouteResolve(netip.Addr) (vnet.Route, bool) {
	return vnet.Route{}, false
}

// Routes implements vnet.Networking.
func (n *Net) Routes() []vnet.Route { return nil }

// SweepExpired implements vnet.Networking.
func (n *Net) SweepExpired() int { return 0 }

// AddrAdd implements vnet.Networking.
func (n *Net) AddrAdd(netip.Prefix) error {
	return fmt.Errorf("%w: host addressing is kernel managed", vnet.ErrNotSupported)
}

// AddrRemove implements vnet.Networking.
func (n *Net) AddrRemove(netip.Addr) error {
	return fmt.Errorf("%w: host addressing is kernel managed", vnet.ErrNotSupported)
}

// AddrClear implements vnet.Networking.
func (n *Net) AddrClear() error {
	return fmt.Errorf("%w: host addressing is kernel managed", vnet.ErrNotSupported)
}

// Addrs implements vnet.Networking by enumerating the host's interface
// addresses.
func (n *Net) Addrs() []netip.Prefix {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}

	var out []netip.Prefix
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		ones, bits := ipNet.Mask.Size()
		if bits != ip.BitLen() {
			continue
		}
		out = append(out, netip.PrefixFrom(ip, ones))
	}
	return out
}

// MAC implements vnet.Networking, reporting the first non-loopback hardware
// address.
func (n *Net) MAC() ([6]byte, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return [6]byte{}, fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) != 6 {
			continue
		}
		var mac [6]byte
		copy(mac[:], iface.HardwareAddr)
		return mac, nil
	}
	return [6]byte{}, vnet.ErrNoInterface
}

// SetPromiscuous implements vnet.Networking.
func (n *Net) SetPromiscuous(bool) error {
	return fmt.Errorf("%w: host interface flags are kernel managed", vnet.ErrNotSupported)
}

// Promiscuous implements vnet.Networking.
func (n *Net) Promiscuous() (bool, error) {
	return false, fmt.Errorf("%w: host interface flags are kernel managed", vnet.ErrNotSupported)
}

// AcquireDHCP implements vnet.Networking.
func (n *Net) AcquireDHCP() error {
	return fmt.Errorf("%w: host addressing is kernel managed", vnet.ErrNotSupported)
}

// LookupHost implements vnet.Networking using the host resolver.
func (n *Net) LookupHost(name string) ([]netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(context.Background(), "ip", name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, fmt.Errorf("%w: %s", vnet.ErrHostNotFound, name)
		}
		return nil, err
	}
	for i := range addrs {
		addrs[i] = addrs[i].Unmap()
	}
	return addrs, nil
}

////////////////////////////////////////////////////////////////////////////////
// Sockets.
////////////////////////////////////////////////////////////////////////////////

// SocketOpen implements vnet.Networking with a real datagram socket.
func (n *Net) SocketOpen(family vnet.Family) (vnet.Conn, error) {
	var domain int
	switch family {
	case vnet.FamilyInet4:
		domain = unix.AF_INET
	case vnet.FamilyInet6:
		domain = unix.AF_INET6
	default:
		return nil, fmt.Errorf("%w: %s", vnet.ErrFamilyNotSupported, family)
	}
	fd, err := newDatagramFD(domain)
	if err != nil {
		return nil, err
	}
	return &conn{fd: fd}, nil
}

// newDatagramFD opens a non-blocking datagram socket. The flags are applied
// with separate calls so the same code serves platforms without SOCK_NONBLOCK.
func newDatagramFD(domain int) (int, error) {
	fd, err := unix.Socket(domain, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, wrapSysErr("socket", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, wrapSysErr("set nonblock", err)
	}
	return fd, nil
}

// ForwardDatagram implements vnet.Egress. The next hop argument is ignored:
// once a datagram leaves a virtual stack the host kernel owns the routing
// decision.
func (n *Net) ForwardDatagram(src, dst netip.AddrPort, via netip.Addr, payload []byte) error {
	fd, err := n.egressFD(dst.Addr())
	if err != nil {
		return err
	}
	sa, err := sockaddrFromAddrPort(dst)
	if err != nil {
		return err
	}
	if err := wrapSysErr("sendto", unix.Sendto(fd, payload, 0, sa)); err != nil {
		return err
	}
	n.log.Debug("host: datagram forwarded", "dst", dst, "bytes", len(payload))
	return nil
}

// egressFD returns the shared send descriptor for addr's family, opening it
// on first use.
func (n *Net) egressFD(addr netip.Addr) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return -1, net.ErrClosed
	}

	fdp := &n.egress4
	domain := unix.AF_INET
	if !addr.Unmap().Is4() {
		fdp = &n.egress6
		domain = unix.AF_INET6
	}
	if *fdp >= 0 {
		return *fdp, nil
	}
	fd, err := newDatagramFD(domain)
	if err != nil {
		return -1, err
	}
	*fdp = fd
	return fd, nil
}

////////////////////////////////////////////////////////////////////////////////
// conn: one host descriptor behind the Conn interface.
////////////////////////////////////////////////////////////////////////////////

type conn struct {
	mu        sync.Mutex
	fd        int
	readDead  time.Time
	writeDead time.Time
	closed    bool
}

var _ vnet.Conn = (*conn)(nil)

func (c *conn) sysFD() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return -1, net.ErrClosed
	}
	return c.fd, nil
}

// Bind implements vnet.Conn. Address validation is the kernel's job here.
func (c *conn) Bind(local netip.AddrPort) error {
	fd, err := c.sysFD()
	if err != nil {
		return err
	}
	sa, err := sockaddrFromAddrPort(local)
	if err != nil {
		return err
	}
	return wrapSysErr("bind", unix.Bind(fd, sa))
}

// Connect implements vnet.Conn.
func (c *conn) Connect(peer netip.AddrPort) error {
	fd, err := c.sysFD()
	if err != nil {
		return err
	}
	sa, err := sockaddrFromAddrPort(peer)
	if err != nil {
		return err
	}
	return wrapSysErr("connect", unix.Connect(fd, sa))
}

// Write implements vnet.Conn, sending to the connected peer.
func (c *conn) Write(p []byte) (int, error) {
	fd, err := c.sysFD()
	if err != nil {
		return 0, err
	}
	if err := c.checkWriteDeadline(); err != nil {
		return 0, err
	}
	n, err := unix.Write(fd, p)
	if err != nil {
		return 0, wrapSysErr("write", err)
	}
	return n, nil
}

// WriteTo implements net.PacketConn.
func (c *conn) WriteTo(p []byte, addr net.Addr) (int, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, &net.OpError{Op: "write", Net: "udp", Err: errors.New("unexpected addr type")}
	}
	return c.WriteToAddrPort(p, udpAddr.AddrPort())
}

// WriteToAddrPort implements vnet.Conn.
func (c *conn) WriteToAddrPort(p []byte, to netip.AddrPort) (int, error) {
	fd, err := c.sysFD()
	if err != nil {
		return 0, err
	}
	if err := c.checkWriteDeadline(); err != nil {
		return 0, err
	}
	sa, err := sockaddrFromAddrPort(to)
	if err != nil {
		return 0, err
	}
	if err := wrapSysErr("sendto", unix.Sendto(fd, p, 0, sa)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ReadFrom implements net.PacketConn, blocking until a datagram arrives or
// the read deadline passes.
func (c *conn) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		fd, err := c.sysFD()
		if err != nil {
			return 0, nil, err
		}

		n, sa, err := unix.Recvfrom(fd, b, 0)
		if err == nil {
			return n, net.UDPAddrFromAddrPort(addrPortFromSockaddr(sa)), nil
		}
		if !errors.Is(err, unix.EAGAIN) {
			return 0, nil, wrapSysErr("recvfrom", err)
		}
		if err := c.waitReadable(fd); err != nil {
			return 0, nil, err
		}
	}
}

// TryReadFrom implements vnet.Conn.
func (c *conn) TryReadFrom(p []byte) (int, netip.AddrPort, bool, error) {
	fd, err := c.sysFD()
	if err != nil {
		return 0, netip.AddrPort{}, false, err
	}
	n, sa, err := unix.Recvfrom(fd, p, 0)
	if errors.Is(err, unix.EAGAIN) {
		return 0, netip.AddrPort{}, false, nil
	}
	if err != nil {
		return 0, netip.AddrPort{}, false, wrapSysErr("recvfrom", err)
	}
	return n, addrPortFromSockaddr(sa), true, nil
}

// waitReadable polls fd for input, honoring the read deadline. A nil return
// means the caller should retry the receive.
func (c *conn) waitReadable(fd int) error {
	c.mu.Lock()
	deadline := c.readDead
	c.mu.Unlock()

	timeoutMillis := -1
	if !deadline.IsZero() {
		until := time.Until(deadline)
		if until <= 0 {
			return os.ErrDeadlineExceeded
		}
		timeoutMillis = int(until.Milliseconds()) + 1
	}

	pollfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	ready, err := unix.Poll(pollfds, timeoutMillis)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return wrapSysErr("poll", err)
	}
	if ready == 0 {
		return os.ErrDeadlineExceeded
	}
	return nil
}

// Close implements vnet.Conn. It is idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return wrapSysErr("close", unix.Close(c.fd))
}

// LocalAddr implements net.PacketConn.
func (c *conn) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(c.LocalAddrPort())
}

// LocalAddrPort implements vnet.Conn.
func (c *conn) LocalAddrPort() netip.AddrPort {
	fd, err := c.sysFD()
	if err != nil {
		return netip.AddrPort{}
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}
	}
	return addrPortFromSockaddr(sa)
}

// SetDeadline implements net.PacketConn.
func (c *conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDead = t
	c.writeDead = t
	return nil
}

// SetReadDeadline implements net.PacketConn.
func (c *conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDead = t
	return nil
}

// SetWriteDeadline implements net.PacketConn.
func (c *conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDead = t
	return nil
}

func (c *conn) checkWriteDeadline() error {
	c.mu.Lock()
	deadline := c.writeDead
	c.mu.Unlock()
	if !deadline.IsZero() && time.Now().After(deadline) {
		return os.ErrDeadlineExceeded
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Conversions and error mapping.
////////////////////////////////////////////////////////////////////////////////

func sockaddrFromAddrPort(ap netip.AddrPort) (unix.Sockaddr, error) {
	addr := ap.Addr().Unmap()
	switch {
	case addr.Is4():
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, nil
	case addr.Is6():
		return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}, nil
	}
	return nil, fmt.Errorf("%w: %s", vnet.ErrFamilyNotSupported, ap)
}

func addrPortFromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}

// wrapSysErr converts well-known kernel errnos to the stack's sentinels so
// callers can errors.Is against one vocabulary for both backends.
func wrapSysErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, unix.EADDRINUSE):
		err = vnet.ErrPortInUse
	case errors.Is(err, unix.EAFNOSUPPORT):
		err = vnet.ErrFamilyNotSupported
	case errors.Is(err, unix.EHOSTUNREACH), errors.Is(err, unix.ENETUNREACH):
		err = vnet.ErrHostUnreachable
	case errors.Is(err, unix.ENOTCONN), errors.Is(err, unix.EDESTADDRREQ):
		err = vnet.ErrNotConnected
	}
	return fmt.Errorf("%s: %w", op, err)
}
