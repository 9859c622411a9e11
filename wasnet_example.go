//go:build ignore

// This file demonstrates every public API in the wasnet package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	wasnet "github.com/wasnet/wasnet"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.Default()

	// =========================================================================
	// NewStack - one virtual network stack per sandboxed process
	// =========================================================================
	stack, err := wasnet.NewStack(logger)
	if err != nil {
		return fmt.Errorf("new stack: %w", err)
	}
	defer stack.Close()

	// =========================================================================
	// Packet capture - synthesized IP/UDP framing of delivered datagrams
	// =========================================================================
	var capture bytes.Buffer
	if err := stack.OpenPacketCapture(&capture); err != nil {
		return fmt.Errorf("open capture: %w", err)
	}

	// =========================================================================
	// Interface configuration - DHCP-style defaults or explicit addresses
	// =========================================================================
	if err := stack.AcquireDHCP(); err != nil {
		return fmt.Errorf("dhcp: %w", err)
	}
	mac, err := stack.MAC()
	if err != nil {
		return fmt.Errorf("mac: %w", err)
	}
	_ = mac

	if err := stack.AddrAdd(netip.MustParsePrefix("172.16.0.2/16")); err != nil {
		return fmt.Errorf("addr add: %w", err)
	}
	for _, prefix := range stack.Addrs() {
		fmt.Println("address:", prefix)
	}
	if err := stack.AddrRemove(netip.MustParseAddr("172.16.0.2")); err != nil {
		return fmt.Errorf("addr remove: %w", err)
	}

	if err := stack.SetPromiscuous(true); err != nil {
		return fmt.Errorf("set promiscuous: %w", err)
	}
	promisc, err := stack.Promiscuous()
	if err != nil {
		return fmt.Errorf("promiscuous: %w", err)
	}
	fmt.Println("promiscuous:", promisc)

	// =========================================================================
	// Routing - longest prefix match with route lifetimes
	// =========================================================================
	stack.SetDuplicateRoutePolicy(wasnet.ReplaceOnDuplicate)

	err = stack.RouteAdd(wasnet.Route{
		Dest:           netip.MustParsePrefix("192.168.0.0/16"),
		Via:            netip.MustParseAddr("10.42.0.1"),
		PreferredUntil: time.Now().Add(30 * time.Minute),
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	if err != nil {
		return fmt.Errorf("route add: %w", err)
	}

	if route, ok := stack.RouteResolve(netip.MustParseAddr("192.168.7.9")); ok {
		fmt.Println("next hop:", route.Via)
	}
	for _, route := range stack.Routes() {
		fmt.Println("route:", route.Dest, "via", route.Via)
	}
	fmt.Println("expired routes removed:", stack.SweepExpired())

	if err := stack.RouteRemove(netip.MustParsePrefix("192.168.0.0/16")); err != nil {
		// Sentinel errors are exported for errors.Is.
		if errors.Is(err, wasnet.ErrRouteNotFound) {
			fmt.Println("route was already gone")
		} else {
			return fmt.Errorf("route remove: %w", err)
		}
	}

	// =========================================================================
	// Datagram sockets - the capability interface used by the syscall layer
	// =========================================================================
	recv, err := stack.SocketOpen(wasnet.FamilyInet4)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	defer recv.Close()

	if err := recv.Bind(netip.AddrPortFrom(netip.MustParseAddr("10.42.0.2"), 9000)); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	fmt.Println("bound to:", recv.LocalAddrPort())

	send, err := stack.SocketOpen(wasnet.FamilyInet4)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	defer send.Close()

	// Unconnected sends carry an explicit destination.
	if _, err := send.WriteToAddrPort([]byte("ping"), recv.LocalAddrPort()); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	// Connected sockets use plain Write.
	if err := send.Connect(recv.LocalAddrPort()); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if _, err := send.Write([]byte("ping again")); err != nil {
		return fmt.Errorf("send connected: %w", err)
	}

	// Non-blocking receive for syscall-style polling.
	buf := make([]byte, 1500)
	if n, from, ok, err := recv.TryReadFrom(buf); err != nil {
		return fmt.Errorf("try read: %w", err)
	} else if ok {
		fmt.Printf("got %q from %s\n", buf[:n], from)
	}

	// Blocking receive with a deadline for host-side consumers.
	if err := recv.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		return fmt.Errorf("deadline: %w", err)
	}
	if n, from, err := recv.ReadFrom(buf); err == nil {
		fmt.Printf("got %q from %s\n", buf[:n], from)
	}

	// =========================================================================
	// Name resolution - record map plus an embedded DNS responder
	// =========================================================================
	stack.SetHostRecord("files.internal", netip.MustParseAddr("10.42.0.100"))

	addrs, err := stack.LookupHost("files.internal")
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}
	fmt.Println("files.internal:", addrs)

	// Guests that speak DNS over the virtual network query the embedded
	// responder at the stack's service address instead.
	if err := stack.StartDNS(); err != nil {
		return fmt.Errorf("start dns: %w", err)
	}
	defer stack.StopDNS()

	// =========================================================================
	// Syscall dispatch - Registry, System32/System64, guest-visible errnos
	// =========================================================================
	registry := wasnet.NewRegistry()
	mem := wasnet.NewSliceMemory(1 << 16)

	// The runtime registers each process as it instantiates...
	registry.Register(7, mem, stack)
	defer registry.Deregister(7)

	// ...and binds a dispatcher per pointer width.
	sys32 := wasnet.NewSystem32(registry, logger)
	_ = wasnet.NewSystem64(registry, logger)

	ctx := wasnet.CallerContext{PID: 7, TID: 1}

	// The guest lays out its syscall arguments in linear memory. Here the
	// host plays guest: an IPv4 cidr structure for 10.99.0.0/24, a next
	// hop, and two absent timestamps (zeroed memory reads as None).
	guest := mem.Bytes()
	const cidrPtr, viaPtr, prefPtr, expPtr = 0x00, 0x40, 0x80, 0xc0
	copy(guest[cidrPtr:], []byte{0x01, 10, 99, 0, 0})
	guest[cidrPtr+17] = 24
	copy(guest[viaPtr:], []byte{0x01, 10, 42, 0, 1})

	if errno := sys32.PortRouteAdd(ctx, cidrPtr, viaPtr, prefPtr, expPtr); errno != wasnet.ESUCCESS {
		return fmt.Errorf("port_route_add failed: %s", errno.Name())
	}

	// Errno values convert to their wire representation with uint16.
	errno := sys32.SockOpen(ctx, wasnet.FamilyInet4, wasnet.SockStream, 0x100)
	fmt.Println("stream sockets are refused with:", errno.Name(), uint16(errno))

	// =========================================================================
	// Host-backed networking - same capability interface over real sockets
	// =========================================================================
	hostNet := wasnet.NewHostNetworking(logger)
	defer hostNet.Close()

	// A virtual stack bridges outward by using the host backend as egress.
	stack.SetEgress(hostNet)

	fmt.Println("capture bytes:", capture.Len())
	return nil
}
