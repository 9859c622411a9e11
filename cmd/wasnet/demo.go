package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/wasnet/wasnet/internal/guestmem"
	"github.com/wasnet/wasnet/internal/vnet"
	"github.com/wasnet/wasnet/internal/wasix"
	"github.com/wasnet/wasnet/internal/wire"
)

// Guest memory offsets used by the demo sequence. The demo plays the role of
// a guest: it lays out syscall arguments in linear memory and reads results
// back out, exactly as a sandboxed process would.
const (
	demoPID = 1

	offMAC      = 0x0000
	offCidr     = 0x0040
	offVia      = 0x0080
	offOptPref  = 0x00c0
	offOptExp   = 0x0100
	offCount    = 0x0140
	offFD1      = 0x0180
	offFD2      = 0x01c0
	offBindAddr = 0x0200
	offDestAddr = 0x0240
	offPayload  = 0x0280
	offRecvBuf  = 0x0300
	offNRead    = 0x0380
	offSender   = 0x03c0
	offNSent    = 0x0400
	offHostname = 0x0440
	offTable    = 0x1000
)

func runDemo(args []string) error {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	packetDump := fs.String("packetdump", "", "Write captured traffic to FILE (gzip compressed when it ends in .gz)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.Default()

	stack, err := vnet.New(logger)
	if err != nil {
		return fmt.Errorf("create stack: %w", err)
	}
	defer stack.Close()

	if *packetDump != "" {
		closeDump, err := openPacketDump(stack, *packetDump)
		if err != nil {
			return err
		}
		defer closeDump()
	}

	// Register one process the way the runtime does when a guest
	// instantiates, then issue its syscalls by hand.
	mem := guestmem.NewSliceMemory(1 << 16)
	registry := wasix.NewRegistry()
	registry.Register(demoPID, mem, stack)
	defer registry.Deregister(demoPID)

	sys := wasix.NewSystem[uint32](registry, logger)
	ctx := wasix.CallerContext{PID: demoPID, TID: 1}
	buf := mem.Bytes()

	check := func(call string, errno wasix.Errno) error {
		if errno != wasix.ESUCCESS {
			return fmt.Errorf("%s: %s", call, errno.Name())
		}
		return nil
	}

	// Bring the interface up.
	if err := check("port_dhcp_acquire", sys.PortDHCPAcquire(ctx)); err != nil {
		return err
	}
	if err := check("port_mac", sys.PortMAC(ctx, offMAC)); err != nil {
		return err
	}
	mac := buf[offMAC : offMAC+wire.MACSize]
	fmt.Printf("interface mac %02x:%02x:%02x:%02x:%02x:%02x\n",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])

	putUint32(buf, offCount, 8)
	if err := check("port_addr_list", sys.PortAddrList(ctx, offTable, offCount)); err != nil {
		return err
	}
	naddrs := getUint32(buf, offCount)
	fmt.Printf("addresses (%d):\n", naddrs)
	for i := 0; i < int(naddrs); i++ {
		rec := buf[offTable+i*wire.CidrSize : offTable+(i+1)*wire.CidrSize]
		prefix, err := wire.DecodeCidr(rec)
		if err != nil {
			return fmt.Errorf("decode address %d: %w", i, err)
		}
		fmt.Printf("  %s\n", prefix)
	}

	// Add a static route with a one hour lifetime on top of what DHCP
	// installed.
	wire.EncodeCidr(buf[offCidr:offCidr+wire.CidrSize], netip.MustParsePrefix("192.168.50.0/24"))
	wire.EncodeAddr(buf[offVia:offVia+wire.AddrSize], netip.MustParseAddr("10.42.0.1"))
	wire.EncodeOptionTimestamp(buf[offOptPref:offOptPref+wire.OptionTimestampSize], wire.OptionNanos{})
	wire.EncodeOptionTimestamp(buf[offOptExp:offOptExp+wire.OptionTimestampSize], wire.OptionNanos{
		Nanos: uint64(time.Now().Add(time.Hour).UnixNano()),
		Set:   true,
	})
	if err := check("port_route_add", sys.PortRouteAdd(ctx, offCidr, offVia, offOptPref, offOptExp)); err != nil {
		return err
	}

	putUint32(buf, offCount, 8)
	if err := check("port_route_list", sys.PortRouteList(ctx, offTable, offCount)); err != nil {
		return err
	}
	nroutes := getUint32(buf, offCount)
	now := time.Now()
	fmt.Printf("routes (%d):\n", nroutes)
	for i := 0; i < int(nroutes); i++ {
		rec := buf[offTable+i*wire.RouteSize : offTable+(i+1)*wire.RouteSize]
		dest, via, preferred, expires, err := wire.DecodeRoute(rec)
		if err != nil {
			return fmt.Errorf("decode route %d: %w", i, err)
		}
		line := fmt.Sprintf("  %s via %s", dest, via)
		if preferred.Set {
			until := time.Unix(0, int64(preferred.Nanos))
			line += fmt.Sprintf(" preferred for %s", until.Sub(now).Round(time.Second))
		}
		if expires.Set {
			exp := time.Unix(0, int64(expires.Nanos))
			line += fmt.Sprintf(" expires in %s", exp.Sub(now).Round(time.Second))
		}
		fmt.Println(line)
	}

	// Name resolution against the stack's record map.
	host := "files.internal"
	stack.SetHostRecord(host, netip.MustParseAddr("10.42.0.100"))
	copy(buf[offHostname:], host)
	putUint32(buf, offCount, 4)
	if err := check("resolve", sys.Resolve(ctx, offHostname, uint32(len(host)), offTable, offCount)); err != nil {
		return err
	}
	nhosts := getUint32(buf, offCount)
	fmt.Printf("%s resolves to:\n", host)
	for i := 0; i < int(nhosts); i++ {
		rec := buf[offTable+i*wire.AddrSize : offTable+(i+1)*wire.AddrSize]
		addr, err := wire.DecodeAddr(rec)
		if err != nil {
			return fmt.Errorf("decode resolved address %d: %w", i, err)
		}
		fmt.Printf("  %s\n", addr)
	}

	// A datagram round trip between two sockets of the process.
	if err := check("sock_open", sys.SockOpen(ctx, vnet.FamilyInet4, wasix.SockDgram, offFD1)); err != nil {
		return err
	}
	recvFD := int32(getUint32(buf, offFD1))
	if err := check("sock_open", sys.SockOpen(ctx, vnet.FamilyInet4, wasix.SockDgram, offFD2)); err != nil {
		return err
	}
	sendFD := int32(getUint32(buf, offFD2))

	bindAt := netip.AddrPortFrom(netip.MustParseAddr("10.42.0.2"), 9000)
	wire.EncodeAddrPort(buf[offBindAddr:offBindAddr+wire.AddrPortSize], bindAt)
	if err := check("sock_bind", sys.SockBind(ctx, recvFD, offBindAddr)); err != nil {
		return err
	}

	payload := "hello through the virtual stack"
	copy(buf[offPayload:], payload)
	wire.EncodeAddrPort(buf[offDestAddr:offDestAddr+wire.AddrPortSize], bindAt)
	if err := check("sock_send_to", sys.SockSendTo(ctx, sendFD, offPayload, uint32(len(payload)), offDestAddr, offNSent)); err != nil {
		return err
	}

	if err := check("sock_recv_from", sys.SockRecvFrom(ctx, recvFD, offRecvBuf, 128, offNRead, offSender)); err != nil {
		return err
	}
	n := getUint32(buf, offNRead)
	sender, err := wire.DecodeAddrPort(buf[offSender : offSender+wire.AddrPortSize])
	if err != nil {
		return fmt.Errorf("decode sender: %w", err)
	}
	fmt.Printf("datagram %q from %s\n", buf[offRecvBuf:offRecvBuf+int(n)], sender)

	if err := check("sock_close", sys.SockClose(ctx, sendFD)); err != nil {
		return err
	}
	if err := check("sock_close", sys.SockClose(ctx, recvFD)); err != nil {
		return err
	}

	return nil
}

// openPacketDump attaches a capture stream to the stack. The returned func
// flushes and closes the dump file.
func openPacketDump(stack *vnet.Net, path string) (func(), error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create packet dump: %w", err)
	}

	var out io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		out = gz
	}

	if err := stack.OpenPacketCapture(out); err != nil {
		if gz != nil {
			gz.Close()
		}
		f.Close()
		return nil, fmt.Errorf("open packet capture: %w", err)
	}

	return func() {
		if gz != nil {
			if err := gz.Close(); err != nil {
				slog.Warn("close packet dump", "error", err)
			}
		}
		if err := f.Close(); err != nil {
			slog.Warn("close packet dump", "error", err)
		}
	}, nil
}

func putUint32(buf []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(buf[off:], v)
}

func getUint32(buf []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(buf[off:])
}
