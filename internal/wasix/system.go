// Package wasix dispatches network syscalls arriving from sandboxed guests.
//
// Every handler follows one shape: resolve the caller to its registered
// process, read each pointer argument through a bounds-checked memory view,
// decode the wire structures into owned values, and only then invoke the
// process's networking capability. A failure at any step maps to an Errno
// and returns before state changes, so a malformed guest request is never
// partially applied. Handlers are methods on System[P], generic over the
// guest's pointer width; 32-bit and 64-bit guests share all of the code
// here.
package wasix

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/wasnet/wasnet/internal/guestmem"
	"github.com/wasnet/wasnet/internal/vnet"
	"github.com/wasnet/wasnet/internal/wire"
)

// CallerContext identifies the guest thread a syscall runs on behalf of.
// Process state is keyed by PID; the TID only feeds the trace log.
type CallerContext struct {
	PID uint32
	TID uint32
}

// SocketType is the guest's socket type discriminant.
type SocketType uint8

// Socket types as guests encode them. Only datagram sockets are served by
// this layer; the rest of the set exists so a guest request decodes to a
// nameable value.
const (
	SockUnknown SocketType = iota
	SockStream
	SockDgram
	SockRaw
	SockSeqpacket
)

func (t SocketType) String() string {
	switch t {
	case SockStream:
		return "stream"
	case SockDgram:
		return "dgram"
	case SockRaw:
		return "raw"
	case SockSeqpacket:
		return "seqpacket"
	}
	return fmt.Sprintf("unknown socket type 0x%02x", uint8(t))
}

////////////////////////////////////////////////////////////////////////////////
// Caller registry: CallerContext -> per-process state.
////////////////////////////////////////////////////////////////////////////////

// Low descriptor numbers belong to the process's file layer; socket
// descriptors are handed out above them.
const firstSocketFD = 8

// Process carries the per-process state syscalls operate on: the guest's
// linear memory, its networking capability, and its socket descriptor table.
type Process struct {
	mem guestmem.Memory
	net vnet.Networking

	mu     sync.Mutex
	nextFD int32
	socks  map[int32]vnet.Conn
}

func newProcess(mem guestmem.Memory, network vnet.Networking) *Process {
	return &Process{
		mem:    mem,
		net:    network,
		nextFD: firstSocketFD,
		socks:  make(map[int32]vnet.Conn),
	}
}

// Networking exposes the process's networking capability for host-side
// diagnostics.
func (p *Process) Networking() vnet.Networking { return p.net }

func (p *Process) addSocket(conn vnet.Conn) int32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	fd := p.nextFD
	p.nextFD++
	p.socks[fd] = conn
	return fd
}

func (p *Process) socket(fd int32) (vnet.Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.socks[fd]
	return conn, ok
}

func (p *Process) removeSocket(fd int32) (vnet.Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.socks[fd]
	delete(p.socks, fd)
	return conn, ok
}

func (p *Process) closeSockets() {
	p.mu.Lock()
	socks := p.socks
	p.socks = make(map[int32]vnet.Conn)
	p.mu.Unlock()

	for _, conn := range socks {
		_ = conn.Close()
	}
}

// Registry resolves syscall callers to their processes. The host registers a
// process before running any of its threads; a syscall from an unregistered
// caller fails with ESRCH.
type Registry struct {
	mu    sync.RWMutex
	procs map[uint32]*Process
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[uint32]*Process)}
}

// Register binds pid to a guest memory and a networking capability,
// replacing any previous registration for the pid.
func (r *Registry) Register(pid uint32, mem guestmem.Memory, network vnet.Networking) *Process {
	p := newProcess(mem, network)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.procs[pid] = p
	return p
}

// Deregister removes pid and closes any sockets its process still holds.
func (r *Registry) Deregister(pid uint32) {
	r.mu.Lock()
	p := r.procs[pid]
	delete(r.procs, pid)
	r.mu.Unlock()

	if p != nil {
		p.closeSockets()
	}
}

// Lookup returns the process registered for pid, or nil.
func (r *Registry) Lookup(pid uint32) *Process {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.procs[pid]
}

////////////////////////////////////////////////////////////////////////////////
// System: the syscall surface, generic over guest pointer width.
////////////////////////////////////////////////////////////////////////////////

// System dispatches network syscalls for guests whose pointers have width P.
type System[P guestmem.Ptr] struct {
	reg *Registry
	log *slog.Logger
}

// NewSystem returns a System dispatching against reg.
func NewSystem[P guestmem.Ptr](reg *Registry, logger *slog.Logger) *System[P] {
	return &System[P]{reg: reg, log: logger}
}

// caller traces the syscall and resolves ctx to its process and memory view.
func (s *System[P]) caller(ctx CallerContext, call string) (*Process, *guestmem.View[P], Errno) {
	s.log.Debug("wasix: "+call, "pid", ctx.PID, "tid", ctx.TID)

	p := s.reg.Lookup(ctx.PID)
	if p == nil {
		return nil, nil, ESRCH
	}
	return p, guestmem.NewView[P](p.mem), ESUCCESS
}

////////////////////////////////////////////////////////////////////////////////
// Pointer decode helpers.
////////////////////////////////////////////////////////////////////////////////

func readAddr[P guestmem.Ptr](view *guestmem.View[P], ptr P) (netip.Addr, error) {
	buf, err := view.ReadBytes(ptr, wire.AddrSize)
	if err != nil {
		return netip.Addr{}, err
	}
	return wire.DecodeAddr(buf)
}

func readCidr[P guestmem.Ptr](view *guestmem.View[P], ptr P) (netip.Prefix, error) {
	buf, err := view.ReadBytes(ptr, wire.CidrSize)
	if err != nil {
		return netip.Prefix{}, err
	}
	return wire.DecodeCidr(buf)
}

func readOptionTimestamp[P guestmem.Ptr](view *guestmem.View[P], ptr P) (wire.OptionNanos, error) {
	buf, err := view.ReadBytes(ptr, wire.OptionTimestampSize)
	if err != nil {
		return wire.OptionNanos{}, err
	}
	return wire.DecodeOptionTimestamp(buf)
}

func readAddrPort[P guestmem.Ptr](view *guestmem.View[P], ptr P) (netip.AddrPort, error) {
	buf, err := view.ReadBytes(ptr, wire.AddrPortSize)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return wire.DecodeAddrPort(buf)
}

// maxNanoTime is the latest instant an int64 nanosecond count can name.
var maxNanoTime = time.Unix(math.MaxInt64/int64(time.Second), math.MaxInt64%int64(time.Second))

// timeFromNanos converts a guest optional timestamp to the clock form the
// routing table stores. Absence maps to the zero time. A count beyond the
// int64 nanosecond range clamps to the latest representable instant instead
// of wrapping negative.
func timeFromNanos(v wire.OptionNanos) time.Time {
	if !v.Set {
		return time.Time{}
	}
	if v.Nanos > math.MaxInt64 {
		return maxNanoTime
	}
	return time.Unix(0, int64(v.Nanos))
}

// nanosFromTime is the inverse of timeFromNanos.
func nanosFromTime(t time.Time) wire.OptionNanos {
	if t.IsZero() {
		return wire.OptionNanos{}
	}
	return wire.OptionNanos{Nanos: uint64(t.UnixNano()), Set: true}
}

////////////////////////////////////////////////////////////////////////////////
// Error mapping.
////////////////////////////////////////////////////////////////////////////////

// errnoFor maps an error from the memory, codec, or network layers to the
// code the guest receives. Errors with no mapping become EIO rather than
// leaking host detail across the boundary.
func errnoFor(err error) Errno {
	if err == nil {
		return ESUCCESS
	}

	var memErr *guestmem.MemoryError
	if errors.As(err, &memErr) {
		return EMEMVIOLATION
	}
	var decodeErr *wire.DecodeError
	if errors.As(err, &decodeErr) {
		return EINVAL
	}

	switch {
	case errors.Is(err, vnet.ErrInvalidRoute), errors.Is(err, vnet.ErrInvalidAddr):
		return EINVAL
	case errors.Is(err, vnet.ErrRouteNotFound), errors.Is(err, vnet.ErrAddrNotFound), errors.Is(err, vnet.ErrHostNotFound):
		return ENOENT
	case errors.Is(err, vnet.ErrRouteExists), errors.Is(err, vnet.ErrAddrExists):
		return EEXIST
	case errors.Is(err, vnet.ErrNoInterface):
		return ENODEV
	case errors.Is(err, vnet.ErrHostUnreachable):
		return EHOSTUNREACH
	case errors.Is(err, vnet.ErrPortInUse):
		return EADDRINUSE
	case errors.Is(err, vnet.ErrFamilyNotSupported):
		return EAFNOSUPPORT
	case errors.Is(err, vnet.ErrNotConnected):
		return ENOTCONN
	case errors.Is(err, vnet.ErrNotSupported):
		return ENOTSUP
	case errors.Is(err, net.ErrClosed):
		return EBADF
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return EAGAIN
	}

	return EIO
}

////////////////////////////////////////////////////////////////////////////////
// Routing syscalls.
////////////////////////////////////////////////////////////////////////////////

// PortRouteAdd installs a route in the caller's table. cidrPtr names the
// destination, viaPtr the next hop, and the two timestamp pointers the
// optional preference and expiry thresholds.
func (s *System[P]) PortRouteAdd(ctx CallerContext, cidrPtr, viaPtr, preferredPtr, expiresPtr P) Errno {
	p, view, errno := s.caller(ctx, "port_route_add")
	if errno != ESUCCESS {
		return errno
	}

	dest, err := readCidr(view, cidrPtr)
	if err != nil {
		return errnoFor(err)
	}
	via, err := readAddr(view, viaPtr)
	if err != nil {
		return errnoFor(err)
	}
	preferred, err := readOptionTimestamp(view, preferredPtr)
	if err != nil {
		return errnoFor(err)
	}
	expires, err := readOptionTimestamp(view, expiresPtr)
	if err != nil {
		return errnoFor(err)
	}

	return errnoFor(p.net.RouteAdd(vnet.Route{
		Dest:           dest,
		Via:            via,
		PreferredUntil: timeFromNanos(preferred),
		ExpiresAt:      timeFromNanos(expires),
	}))
}

// PortRouteRemove removes the route whose destination matches the Cidr at
// cidrPtr.
func (s *System[P]) PortRouteRemove(ctx CallerContext, cidrPtr P) Errno {
	p, view, errno := s.caller(ctx, "port_route_remove")
	if errno != ESUCCESS {
		return errno
	}

	dest, err := readCidr(view, cidrPtr)
	if err != nil {
		return errnoFor(err)
	}
	return errnoFor(p.net.RouteRemove(dest))
}

// PortRouteClear empties the caller's routing table.
func (s *System[P]) PortRouteClear(ctx CallerContext) Errno {
	p, _, errno := s.caller(ctx, "port_route_clear")
	if errno != ESUCCESS {
		return errno
	}
	return errnoFor(p.net.RouteClear())
}

// PortRouteList writes the caller's routes through routesPtr as encoded
// Route structures. nroutesPtr carries the buffer capacity in and the stored
// count out. A table larger than the capacity fails with EOVERFLOW after
// rewriting nroutesPtr with the required count, so a guest sizes the buffer
// with one call and fills it with the next.
func (s *System[P]) PortRouteList(ctx CallerContext, routesPtr, nroutesPtr P) Errno {
	p, view, errno := s.caller(ctx, "port_route_list")
	if errno != ESUCCESS {
		return errno
	}

	capacity, err := view.ReadUint32(nroutesPtr)
	if err != nil {
		return errnoFor(err)
	}

	routes := p.net.Routes()
	count := uint32(len(routes))
	if count > capacity {
		if err := view.WriteUint32(nroutesPtr, count); err != nil {
			return errnoFor(err)
		}
		return EOVERFLOW
	}

	buf := make([]byte, int(count)*wire.RouteSize)
	for i, route := range routes {
		wire.EncodeRoute(buf[i*wire.RouteSize:], route.Dest, route.Via,
			nanosFromTime(route.PreferredUntil), nanosFromTime(route.ExpiresAt))
	}
	if err := view.WriteBytes(routesPtr, buf); err != nil {
		return errnoFor(err)
	}
	return errnoFor(view.WriteUint32(nroutesPtr, count))
}

////////////////////////////////////////////////////////////////////////////////
// Interface syscalls.
////////////////////////////////////////////////////////////////////////////////

// PortAddrAdd assigns the Cidr at cidrPtr to the caller's primary interface.
func (s *System[P]) PortAddrAdd(ctx CallerContext, cidrPtr P) Errno {
	p, view, errno := s.caller(ctx, "port_addr_add")
	if errno != ESUCCESS {
		return errno
	}

	prefix, err := readCidr(view, cidrPtr)
	if err != nil {
		return errnoFor(err)
	}
	return errnoFor(p.net.AddrAdd(prefix))
}

// PortAddrRemove removes the interface address whose base address is at
// addrPtr.
func (s *System[P]) PortAddrRemove(ctx CallerContext, addrPtr P) Errno {
	p, view, errno := s.caller(ctx, "port_addr_remove")
	if errno != ESUCCESS {
		return errno
	}

	addr, err := readAddr(view, addrPtr)
	if err != nil {
		return errnoFor(err)
	}
	return errnoFor(p.net.AddrRemove(addr))
}

// PortAddrClear removes every address from the caller's primary interface.
func (s *System[P]) PortAddrClear(ctx CallerContext) Errno {
	p, _, errno := s.caller(ctx, "port_addr_clear")
	if errno != ESUCCESS {
		return errno
	}
	return errnoFor(p.net.AddrClear())
}

// PortAddrList writes the caller's interface addresses through addrsPtr as
// encoded Cidr structures, with the same capacity-in, count-out convention
// as PortRouteList.
func (s *System[P]) PortAddrList(ctx CallerContext, addrsPtr, naddrsPtr P) Errno {
	p, view, errno := s.caller(ctx, "port_addr_list")
	if errno != ESUCCESS {
		return errno
	}

	capacity, err := view.ReadUint32(naddrsPtr)
	if err != nil {
		return errnoFor(err)
	}

	addrs := p.net.Addrs()
	count := uint32(len(addrs))
	if count > capacity {
		if err := view.WriteUint32(naddrsPtr, count); err != nil {
			return errnoFor(err)
		}
		return EOVERFLOW
	}

	buf := make([]byte, int(count)*wire.CidrSize)
	for i, prefix := range addrs {
		wire.EncodeCidr(buf[i*wire.CidrSize:], prefix)
	}
	if err := view.WriteBytes(addrsPtr, buf); err != nil {
		return errnoFor(err)
	}
	return errnoFor(view.WriteUint32(naddrsPtr, count))
}

// PortMAC writes the caller's six-byte hardware address through macPtr.
func (s *System[P]) PortMAC(ctx CallerContext, macPtr P) Errno {
	p, view, errno := s.caller(ctx, "port_mac")
	if errno != ESUCCESS {
		return errno
	}

	mac, err := p.net.MAC()
	if err != nil {
		return errnoFor(err)
	}
	return errnoFor(view.WriteBytes(macPtr, mac[:]))
}

// PortDHCPAcquire assigns the synthetic network defaults to the caller:
// guest address, on-link prefix, and default route via the gateway.
func (s *System[P]) PortDHCPAcquire(ctx CallerContext) Errno {
	p, _, errno := s.caller(ctx, "port_dhcp_acquire")
	if errno != ESUCCESS {
		return errno
	}
	return errnoFor(p.net.AcquireDHCP())
}

////////////////////////////////////////////////////////////////////////////////
// Socket syscalls.
////////////////////////////////////////////////////////////////////////////////

// SockOpen creates a socket and writes its descriptor through fdPtr. Only
// datagram sockets are served; a stream or raw request fails with ENOTSUP
// before any state is allocated.
func (s *System[P]) SockOpen(ctx CallerContext, family vnet.Family, socktype SocketType, fdPtr P) Errno {
	p, view, errno := s.caller(ctx, "sock_open")
	if errno != ESUCCESS {
		return errno
	}
	if socktype != SockDgram {
		return ENOTSUP
	}
	if err := view.Check(fdPtr, 4); err != nil {
		return errnoFor(err)
	}

	conn, err := p.net.SocketOpen(family)
	if err != nil {
		return errnoFor(err)
	}
	fd := p.addSocket(conn)
	return errnoFor(view.WriteUint32(fdPtr, uint32(fd)))
}

// SockBind fixes the local address of fd to the AddrPort at addrPtr.
func (s *System[P]) SockBind(ctx CallerContext, fd int32, addrPtr P) Errno {
	p, view, errno := s.caller(ctx, "sock_bind")
	if errno != ESUCCESS {
		return errno
	}
	conn, ok := p.socket(fd)
	if !ok {
		return EBADF
	}

	local, err := readAddrPort(view, addrPtr)
	if err != nil {
		return errnoFor(err)
	}
	return errnoFor(conn.Bind(local))
}

// SockConnect fixes the peer of fd to the AddrPort at addrPtr.
func (s *System[P]) SockConnect(ctx CallerContext, fd int32, addrPtr P) Errno {
	p, view, errno := s.caller(ctx, "sock_connect")
	if errno != ESUCCESS {
		return errno
	}
	conn, ok := p.socket(fd)
	if !ok {
		return EBADF
	}

	peer, err := readAddrPort(view, addrPtr)
	if err != nil {
		return errnoFor(err)
	}
	return errnoFor(conn.Connect(peer))
}

// SockSend transmits bufLen bytes at bufPtr to the connected peer of fd and
// writes the transmitted count through nsentPtr.
func (s *System[P]) SockSend(ctx CallerContext, fd int32, bufPtr P, bufLen uint32, nsentPtr P) Errno {
	p, view, errno := s.caller(ctx, "sock_send")
	if errno != ESUCCESS {
		return errno
	}
	conn, ok := p.socket(fd)
	if !ok {
		return EBADF
	}

	payload, err := view.ReadBytes(bufPtr, bufLen)
	if err != nil {
		return errnoFor(err)
	}
	if err := view.Check(nsentPtr, 4); err != nil {
		return errnoFor(err)
	}

	n, err := conn.Write(payload)
	if err != nil {
		return errnoFor(err)
	}
	return errnoFor(view.WriteUint32(nsentPtr, uint32(n)))
}

// SockSendTo transmits bufLen bytes at bufPtr to the AddrPort at addrPtr and
// writes the transmitted count through nsentPtr.
func (s *System[P]) SockSendTo(ctx CallerContext, fd int32, bufPtr P, bufLen uint32, addrPtr, nsentPtr P) Errno {
	p, view, errno := s.caller(ctx, "sock_send_to")
	if errno != ESUCCESS {
		return errno
	}
	conn, ok := p.socket(fd)
	if !ok {
		return EBADF
	}

	payload, err := view.ReadBytes(bufPtr, bufLen)
	if err != nil {
		return errnoFor(err)
	}
	to, err := readAddrPort(view, addrPtr)
	if err != nil {
		return errnoFor(err)
	}
	if err := view.Check(nsentPtr, 4); err != nil {
		return errnoFor(err)
	}

	n, err := conn.WriteToAddrPort(payload, to)
	if err != nil {
		return errnoFor(err)
	}
	return errnoFor(view.WriteUint32(nsentPtr, uint32(n)))
}

// SockRecvFrom copies one queued datagram of fd into the guest buffer,
// truncating a datagram longer than bufLen, and reports the sender through
// addrPtr and the copied length through nreadPtr. Nothing queued is EAGAIN;
// the host parks the calling thread and retries rather than blocking a
// dispatcher goroutine here.
func (s *System[P]) SockRecvFrom(ctx CallerContext, fd int32, bufPtr P, bufLen uint32, nreadPtr, addrPtr P) Errno {
	p, view, errno := s.caller(ctx, "sock_recv_from")
	if errno != ESUCCESS {
		return errno
	}
	conn, ok := p.socket(fd)
	if !ok {
		return EBADF
	}

	// Validate every output range before the read so a bad pointer cannot
	// consume a datagram. Guest memories never shrink, so the ranges stay
	// writable for the copies below.
	if err := view.Check(bufPtr, bufLen); err != nil {
		return errnoFor(err)
	}
	if err := view.Check(addrPtr, wire.AddrPortSize); err != nil {
		return errnoFor(err)
	}
	if err := view.Check(nreadPtr, 4); err != nil {
		return errnoFor(err)
	}

	buf := make([]byte, bufLen)
	n, from, ok, err := conn.TryReadFrom(buf)
	if err != nil {
		return errnoFor(err)
	}
	if !ok {
		return EAGAIN
	}

	if err := view.WriteBytes(bufPtr, buf[:n]); err != nil {
		return errnoFor(err)
	}
	var addrBuf [wire.AddrPortSize]byte
	wire.EncodeAddrPort(addrBuf[:], from)
	if err := view.WriteBytes(addrPtr, addrBuf[:]); err != nil {
		return errnoFor(err)
	}
	return errnoFor(view.WriteUint32(nreadPtr, uint32(n)))
}

// SockClose releases fd. The descriptor is invalid afterwards regardless of
// the close result.
func (s *System[P]) SockClose(ctx CallerContext, fd int32) Errno {
	p, _, errno := s.caller(ctx, "sock_close")
	if errno != ESUCCESS {
		return errno
	}
	conn, ok := p.removeSocket(fd)
	if !ok {
		return EBADF
	}
	return errnoFor(conn.Close())
}

////////////////////////////////////////////////////////////////////////////////
// Name resolution.
////////////////////////////////////////////////////////////////////////////////

// Resolve looks up the host name of hostLen bytes at hostPtr and writes the
// resulting addresses through addrsPtr as encoded Address structures.
// naddrsPtr carries the buffer capacity in and the stored count out; a
// result set larger than the capacity is truncated to it.
func (s *System[P]) Resolve(ctx CallerContext, hostPtr P, hostLen uint32, addrsPtr, naddrsPtr P) Errno {
	p, view, errno := s.caller(ctx, "resolve")
	if errno != ESUCCESS {
		return errno
	}

	host, err := view.ReadBytes(hostPtr, hostLen)
	if err != nil {
		return errnoFor(err)
	}
	capacity, err := view.ReadUint32(naddrsPtr)
	if err != nil {
		return errnoFor(err)
	}

	addrs, err := p.net.LookupHost(string(host))
	if err != nil {
		return errnoFor(err)
	}
	if uint32(len(addrs)) > capacity {
		addrs = addrs[:capacity]
	}

	buf := make([]byte, len(addrs)*wire.AddrSize)
	for i, addr := range addrs {
		wire.EncodeAddr(buf[i*wire.AddrSize:], addr)
	}
	if err := view.WriteBytes(addrsPtr, buf); err != nil {
		return errnoFor(err)
	}
	return errnoFor(view.WriteUint32(naddrsPtr, uint32(len(addrs))))
}
