package wasnet_test

import (
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	wasnet "github.com/wasnet/wasnet"
)

func newTestLogger(tb testing.TB) *slog.Logger {
	tb.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEndToEnd(t *testing.T) {
	logger := newTestLogger(t)

	stack, err := wasnet.NewStack(logger)
	if err != nil {
		t.Fatalf("NewStack() error = %v", err)
	}
	defer stack.Close()

	registry := wasnet.NewRegistry()
	mem := wasnet.NewSliceMemory(1 << 16)
	registry.Register(1, mem, stack)
	defer registry.Deregister(1)

	sys := wasnet.NewSystem32(registry, logger)
	ctx := wasnet.CallerContext{PID: 1, TID: 1}

	if errno := sys.PortDHCPAcquire(ctx); errno != wasnet.ESUCCESS {
		t.Fatalf("PortDHCPAcquire() = %s", errno.Name())
	}

	// Lay out syscall arguments the way a guest would: a cidr structure
	// for 10.1.0.0/16, a next hop of 10.42.0.1, and two zeroed (absent)
	// timestamp options.
	buf := mem.Bytes()
	const cidrPtr, viaPtr, prefPtr, expPtr = 0x00, 0x40, 0x80, 0xc0
	copy(buf[cidrPtr:], []byte{0x01, 10, 1, 0, 0})
	buf[cidrPtr+17] = 16
	copy(buf[viaPtr:], []byte{0x01, 10, 42, 0, 1})

	if errno := sys.PortRouteAdd(ctx, cidrPtr, viaPtr, prefPtr, expPtr); errno != wasnet.ESUCCESS {
		t.Fatalf("PortRouteAdd() = %s", errno.Name())
	}

	route, ok := stack.RouteResolve(netip.MustParseAddr("10.1.200.3"))
	if !ok {
		t.Fatalf("route added through the syscall surface did not resolve")
	}
	if want := netip.MustParseAddr("10.42.0.1"); route.Via != want {
		t.Errorf("next hop = %s, want %s", route.Via, want)
	}

	// An out of bounds argument pointer must refuse without touching the
	// table.
	before := len(stack.Routes())
	if errno := sys.PortRouteAdd(ctx, uint32(len(buf)), viaPtr, prefPtr, expPtr); errno != wasnet.EMEMVIOLATION {
		t.Errorf("PortRouteAdd(oob) = %s, want %s", errno.Name(), wasnet.EMEMVIOLATION.Name())
	}
	if got := len(stack.Routes()); got != before {
		t.Errorf("failed add changed the table: %d -> %d routes", before, got)
	}
}

func TestDatagramDelivery(t *testing.T) {
	logger := newTestLogger(t)

	stack, err := wasnet.NewStack(logger)
	if err != nil {
		t.Fatalf("NewStack() error = %v", err)
	}
	defer stack.Close()

	recv, err := stack.SocketOpen(wasnet.FamilyInet4)
	if err != nil {
		t.Fatalf("SocketOpen() error = %v", err)
	}
	defer recv.Close()

	if err := recv.Bind(netip.MustParseAddrPort("127.0.0.1:9000")); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	send, err := stack.SocketOpen(wasnet.FamilyInet4)
	if err != nil {
		t.Fatalf("SocketOpen() error = %v", err)
	}
	defer send.Close()

	if _, err := send.WriteToAddrPort([]byte("hello"), recv.LocalAddrPort()); err != nil {
		t.Fatalf("WriteToAddrPort() error = %v", err)
	}

	if err := recv.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	buf := make([]byte, 64)
	n, _, err := recv.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("payload = %q, want hello", buf[:n])
	}
}

func TestSentinelErrors(t *testing.T) {
	logger := newTestLogger(t)

	stack, err := wasnet.NewStack(logger)
	if err != nil {
		t.Fatalf("NewStack() error = %v", err)
	}
	defer stack.Close()

	err = stack.RouteRemove(netip.MustParsePrefix("10.0.0.0/8"))
	if !errors.Is(err, wasnet.ErrRouteNotFound) {
		t.Errorf("RouteRemove(missing) = %v, want ErrRouteNotFound", err)
	}

	if _, err := stack.LookupHost("nobody.invalid"); !errors.Is(err, wasnet.ErrHostNotFound) {
		t.Errorf("LookupHost(unknown) = %v, want ErrHostNotFound", err)
	}
}
