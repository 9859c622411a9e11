//go:build unix

package host

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wasnet/wasnet/internal/vnet"
)

func newHostNet(tb testing.TB) *Net {
	tb.Helper()

	n := New(slog.Default())
	tb.Cleanup(func() { _ = n.Close() })
	return n
}

// openLoopbackSocket binds a fresh datagram socket to an ephemeral loopback
// port, skipping the test when the sandbox forbids host sockets.
func openLoopbackSocket(tb testing.TB, n *Net) vnet.Conn {
	tb.Helper()

	conn, err := n.SocketOpen(vnet.FamilyInet4)
	if err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			tb.Skip("host sockets require network permissions")
		}
		tb.Fatalf("socket open: %v", err)
	}
	tb.Cleanup(func() { _ = conn.Close() })

	if err := conn.Bind(netip.MustParseAddrPort("127.0.0.1:0")); err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			tb.Skip("host sockets require network permissions")
		}
		tb.Fatalf("bind: %v", err)
	}
	return conn
}

func TestHostSocketRoundTrip(t *testing.T) {
	n := newHostNet(t)

	server := openLoopbackSocket(t, n)
	client := openLoopbackSocket(t, n)

	dst := server.LocalAddrPort()
	if dst.Port() == 0 {
		t.Fatalf("expected an assigned port, got %s", dst)
	}

	if _, err := client.WriteToAddrPort([]byte("ping"), dst); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := server.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	buf := make([]byte, 64)
	got, from, err := server.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:got]) != "ping" {
		t.Fatalf("unexpected payload %q", buf[:got])
	}
	uaddr, ok := from.(*net.UDPAddr)
	if !ok {
		t.Fatalf("unexpected addr type %T", from)
	}
	if uaddr.Port != int(client.LocalAddrPort().Port()) {
		t.Fatalf("unexpected source port %d", uaddr.Port)
	}
}

func TestHostReadDeadline(t *testing.T) {
	n := newHostNet(t)
	conn := openLoopbackSocket(t, n)

	if err := conn.SetReadDeadline(time.Now().Add(30 * time.Millisecond)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	_, _, err := conn.ReadFrom(make([]byte, 16))
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestHostClose(t *testing.T) {
	n := newHostNet(t)
	conn := openLoopbackSocket(t, n)

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, _, _, err := conn.TryReadFrom(make([]byte, 1)); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("expected net.ErrClosed, got %v", err)
	}
}

func TestHostMutationRefused(t *testing.T) {
	n := newHostNet(t)

	err := n.RouteAdd(vnet.Route{
		Dest: netip.MustParsePrefix("10.0.0.0/8"),
		Via:  netip.MustParseAddr("10.0.0.1"),
	})
	if !errors.Is(err, vnet.ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported for route add, got %v", err)
	}
	if err := n.AddrAdd(netip.MustParsePrefix("10.0.0.1/24")); !errors.Is(err, vnet.ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported for addr add, got %v", err)
	}
	if err := n.AcquireDHCP(); !errors.Is(err, vnet.ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported for dhcp, got %v", err)
	}
}

func TestHostForwardDatagram(t *testing.T) {
	n := newHostNet(t)

	server := openLoopbackSocket(t, n)
	dst := server.LocalAddrPort()

	src := netip.MustParseAddrPort("10.42.0.2:5000")
	via := netip.MustParseAddr("10.42.0.1")
	if err := n.ForwardDatagram(src, dst, via, []byte("bridged")); err != nil {
		t.Fatalf("forward: %v", err)
	}

	if err := server.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	buf := make([]byte, 64)
	got, _, err := server.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:got]) != "bridged" {
		t.Fatalf("unexpected payload %q", buf[:got])
	}
}
