package vnet

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// These tests cross-check the stack against gVisor's tcpip primitives: subnet
// arithmetic as an independent oracle for route resolution, and the header
// parsers for the synthesized capture framing.

func gvisorAddress(addr netip.Addr) tcpip.Address {
	addr = addr.Unmap()
	if addr.Is4() {
		return tcpip.AddrFrom4(addr.As4())
	}
	return tcpip.AddrFrom16(addr.As16())
}

func gvisorSubnet(prefix netip.Prefix) tcpip.Subnet {
	return tcpip.AddressWithPrefix{
		Address:   gvisorAddress(prefix.Masked().Addr()),
		PrefixLen: prefix.Bits(),
	}.Subnet()
}

// referenceResolve picks the most specific containing route, using gVisor's
// subnet containment instead of netip's.
func referenceResolve(routes []Route, addr netip.Addr) (Route, bool) {
	var (
		best       Route
		bestPrefix int
		found      bool
	)
	probe := gvisorAddress(addr)
	for _, route := range routes {
		subnet := gvisorSubnet(route.Dest)
		if !subnet.Contains(probe) {
			continue
		}
		if !found || subnet.Prefix() > bestPrefix {
			best = route
			bestPrefix = subnet.Prefix()
			found = true
		}
	}
	return best, found
}

func TestResolveMatchesReferenceSubnets(t *testing.T) {
	table := NewRoutingTable(ReplaceOnDuplicate)

	routes := []Route{
		{Dest: netip.MustParsePrefix("10.0.0.0/8"), Via: netip.MustParseAddr("10.0.0.1")},
		{Dest: netip.MustParsePrefix("10.0.0.0/16"), Via: netip.MustParseAddr("10.0.0.2")},
		{Dest: netip.MustParsePrefix("10.0.1.0/24"), Via: netip.MustParseAddr("10.0.1.1")},
		{Dest: netip.MustParsePrefix("10.0.1.128/25"), Via: netip.MustParseAddr("10.0.1.129")},
		{Dest: netip.MustParsePrefix("192.168.0.0/16"), Via: netip.MustParseAddr("192.168.0.1")},
		{Dest: netip.MustParsePrefix("fd00::/8"), Via: netip.MustParseAddr("fd00::1")},
		{Dest: netip.MustParsePrefix("fd00:abcd::/32"), Via: netip.MustParseAddr("fd00:abcd::1")},
		{Dest: netip.MustParsePrefix("::/0"), Via: netip.MustParseAddr("fe80::1")},
	}
	for _, route := range routes {
		if err := table.Add(route); err != nil {
			t.Fatalf("add %s: %v", route.Dest, err)
		}
	}

	probes := []netip.Addr{
		netip.MustParseAddr("10.0.1.5"),
		netip.MustParseAddr("10.0.1.127"),
		netip.MustParseAddr("10.0.1.128"),
		netip.MustParseAddr("10.0.1.200"),
		netip.MustParseAddr("10.0.200.1"),
		netip.MustParseAddr("10.99.0.1"),
		netip.MustParseAddr("192.168.5.5"),
		netip.MustParseAddr("8.8.8.8"),
		netip.MustParseAddr("fd00:abcd::99"),
		netip.MustParseAddr("fd00:ffff::1"),
		netip.MustParseAddr("2001:db8::1"),
	}

	for _, probe := range probes {
		got, ok := table.Resolve(probe)
		want, wantOK := referenceResolve(routes, probe)
		if ok != wantOK {
			t.Fatalf("resolve %s: ok=%v, reference ok=%v", probe, ok, wantOK)
		}
		if ok && got.Dest != want.Dest {
			t.Fatalf("resolve %s: got %s, reference %s", probe, got.Dest, want.Dest)
		}
	}
}

// capturedPackets splits a pcap stream into its record payloads.
func capturedPackets(tb testing.TB, raw []byte) [][]byte {
	tb.Helper()

	if len(raw) < 24 {
		tb.Fatalf("pcap stream too short: %d bytes", len(raw))
	}
	if magic := binary.LittleEndian.Uint32(raw[0:4]); magic != 0xa1b2c3d4 {
		tb.Fatalf("unexpected magic %#x", magic)
	}

	var pkts [][]byte
	off := 24
	for off < len(raw) {
		if len(raw)-off < 16 {
			tb.Fatalf("truncated record header at %d", off)
		}
		capLen := int(binary.LittleEndian.Uint32(raw[off+8 : off+12]))
		off += 16
		if len(raw)-off < capLen {
			tb.Fatalf("truncated record payload at %d", off)
		}
		pkts = append(pkts, raw[off:off+capLen])
		off += capLen
	}
	return pkts
}

func TestCapturedIPv4PacketsParse(t *testing.T) {
	stack := newTestNet(t)

	var buf bytes.Buffer
	if err := stack.OpenPacketCapture(&buf); err != nil {
		t.Fatalf("open capture: %v", err)
	}
	if err := stack.AcquireDHCP(); err != nil {
		t.Fatalf("acquire dhcp: %v", err)
	}

	server := openSocket(t, stack, FamilyInet4)
	if err := server.Bind(netip.MustParseAddrPort("10.42.0.2:5353")); err != nil {
		t.Fatalf("bind: %v", err)
	}
	client := openSocket(t, stack, FamilyInet4)
	payload := []byte("name?")
	if _, err := client.WriteToAddrPort(payload, netip.MustParseAddrPort("10.42.0.2:5353")); err != nil {
		t.Fatalf("send: %v", err)
	}

	pkts := capturedPackets(t, buf.Bytes())
	if len(pkts) != 1 {
		t.Fatalf("expected 1 captured packet, got %d", len(pkts))
	}
	pkt := pkts[0]

	if version := header.IPVersion(pkt); version != header.IPv4Version {
		t.Fatalf("unexpected ip version %d", version)
	}
	ip := header.IPv4(pkt)
	if !ip.IsValid(len(pkt)) {
		t.Fatalf("gvisor rejected the ipv4 header")
	}
	if !ip.IsChecksumValid() {
		t.Fatalf("invalid ipv4 checksum")
	}
	if ip.TransportProtocol() != header.UDPProtocolNumber {
		t.Fatalf("unexpected transport protocol %d", ip.TransportProtocol())
	}
	if got := ip.SourceAddress(); got != tcpip.AddrFrom4([4]byte{10, 42, 0, 2}) {
		t.Fatalf("unexpected source %s", got)
	}
	if got := ip.DestinationAddress(); got != tcpip.AddrFrom4([4]byte{10, 42, 0, 2}) {
		t.Fatalf("unexpected destination %s", got)
	}

	udp := header.UDP(pkt[int(ip.HeaderLength()):int(ip.TotalLength())])
	if udp.DestinationPort() != 5353 {
		t.Fatalf("unexpected destination port %d", udp.DestinationPort())
	}
	if udp.Length() != uint16(udpHeaderLen+len(payload)) {
		t.Fatalf("unexpected udp length %d", udp.Length())
	}
	payloadSum := checksum.Checksum(udp.Payload(), 0)
	if !udp.IsChecksumValid(ip.SourceAddress(), ip.DestinationAddress(), payloadSum) {
		t.Fatalf("invalid udp checksum")
	}
	if !bytes.Equal(udp.Payload(), payload) {
		t.Fatalf("unexpected captured payload %q", udp.Payload())
	}
}

func TestCapturedIPv6PacketsParse(t *testing.T) {
	stack := newTestNet(t)

	var buf bytes.Buffer
	if err := stack.OpenPacketCapture(&buf); err != nil {
		t.Fatalf("open capture: %v", err)
	}

	server := openSocket(t, stack, FamilyInet6)
	if err := server.Bind(netip.MustParseAddrPort("[fd00::2]:7100")); err != nil {
		t.Fatalf("bind: %v", err)
	}
	client := openSocket(t, stack, FamilyInet6)
	payload := []byte("six")
	if _, err := client.WriteToAddrPort(payload, netip.MustParseAddrPort("[fd00::2]:7100")); err != nil {
		t.Fatalf("send: %v", err)
	}

	pkts := capturedPackets(t, buf.Bytes())
	if len(pkts) != 1 {
		t.Fatalf("expected 1 captured packet, got %d", len(pkts))
	}
	pkt := pkts[0]

	if version := header.IPVersion(pkt); version != header.IPv6Version {
		t.Fatalf("unexpected ip version %d", version)
	}
	ip := header.IPv6(pkt)
	if !ip.IsValid(len(pkt)) {
		t.Fatalf("gvisor rejected the ipv6 header")
	}
	if ip.TransportProtocol() != header.UDPProtocolNumber {
		t.Fatalf("unexpected transport protocol %d", ip.TransportProtocol())
	}
	if got := ip.SourceAddress(); got != gvisorAddress(netip.MustParseAddr("::1")) {
		t.Fatalf("unexpected source %s", got)
	}
	if got := ip.DestinationAddress(); got != gvisorAddress(netip.MustParseAddr("fd00::2")) {
		t.Fatalf("unexpected destination %s", got)
	}

	udp := header.UDP(pkt[header.IPv6MinimumSize : header.IPv6MinimumSize+int(ip.PayloadLength())])
	if udp.DestinationPort() != 7100 {
		t.Fatalf("unexpected destination port %d", udp.DestinationPort())
	}
	payloadSum := checksum.Checksum(udp.Payload(), 0)
	if !udp.IsChecksumValid(ip.SourceAddress(), ip.DestinationAddress(), payloadSum) {
		t.Fatalf("invalid udp checksum")
	}
	if !bytes.Equal(udp.Payload(), payload) {
		t.Fatalf("unexpected captured payload %q", udp.Payload())
	}
}
