package vnet

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/wasnet/wasnet/internal/pcap"
)

////////////////////////////////////////////////////////////////////////////////
// Packet capture: synthesized IP/UDP framing around delivered datagrams.
////////////////////////////////////////////////////////////////////////////////

// Header sizes and protocol numbers for the synthesized framing.
const (
	ipv4HeaderLen = 20
	ipv6HeaderLen = 40
	udpHeaderLen  = 8

	udpProtocolNumber = 17
	captureHopLimit   = 64
)

// captureWriter serializes concurrent capture writes onto one pcap stream.
type captureWriter struct {
	mu sync.Mutex
	w  *pcap.Writer
}

// OpenPacketCapture enables streaming packet capture to the given writer.
// Datagrams are recorded as raw IP packets with synthesized headers.
func (n *Net) OpenPacketCapture(out io.Writer) error {
	writer := pcap.NewWriter(out, pcap.LinkTypeRaw)
	if err := writer.WriteFileHeader(); err != nil {
		return fmt.Errorf("write pcap header: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.packetDump = &captureWriter{w: writer}
	return nil
}

func (n *Net) writeCapture(src, dst netip.AddrPort, payload []byte) {
	n.mu.RLock()
	cw := n.packetDump
	n.mu.RUnlock()

	if cw == nil {
		return
	}

	pkt := buildUDPDatagram(src, dst, payload)
	if pkt == nil {
		return
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()
	if err := cw.w.WritePacket(pcap.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(pkt),
		Length:        len(pkt),
	}, pkt); err != nil {
		n.log.Warn("pcap: write packet failed", "err", err)
	}
}

// buildUDPDatagram wraps payload in IP and UDP headers. Returns nil when the
// endpoints do not form a single-family pair.
func buildUDPDatagram(src, dst netip.AddrPort, payload []byte) []byte {
	srcAddr := src.Addr().Unmap()
	dstAddr := dst.Addr().Unmap()

	switch {
	case srcAddr.Is4() && dstAddr.Is4():
		buf := make([]byte, ipv4HeaderLen+udpHeaderLen+len(payload))
		buildUDPHeader(buf[ipv4HeaderLen:], src.Port(), dst.Port(), payload,
			pseudoHeaderChecksum4(srcAddr, dstAddr, udpHeaderLen+len(payload)))
		buildIPv4Header(buf[:ipv4HeaderLen], srcAddr, dstAddr, udpHeaderLen+len(payload))
		return buf
	case !srcAddr.Is4() && !dstAddr.Is4():
		buf := make([]byte, ipv6HeaderLen+udpHeaderLen+len(payload))
		buildUDPHeader(buf[ipv6HeaderLen:], src.Port(), dst.Port(), payload,
			pseudoHeaderChecksum6(srcAddr, dstAddr, udpHeaderLen+len(payload)))
		buildIPv6Header(buf[:ipv6HeaderLen], srcAddr, dstAddr, udpHeaderLen+len(payload))
		return buf
	}
	return nil
}

func buildUDPHeader(buf []byte, srcPort, dstPort uint16, payload []byte, pseudoSum uint32) {
	if len(buf) < udpHeaderLen+len(payload) {
		panic("buildUDPHeader: buffer too small")
	}
	binary.BigEndian.PutUint16(buf[0:2], srcPort)
	binary.BigEndian.PutUint16(buf[2:4], dstPort)
	binary.BigEndian.PutUint16(buf[4:6], uint16(udpHeaderLen+len(payload)))
	binary.BigEndian.PutUint16(buf[6:8], 0)
	copy(buf[udpHeaderLen:], payload)

	check := checksumWithInitial(buf[:udpHeaderLen+len(payload)], pseudoSum)
	if check == 0 {
		check = 0xffff // UDP reserves zero for "no checksum"
	}
	binary.BigEndian.PutUint16(buf[6:8], check)
}

func buildIPv4Header(buf []byte, src, dst netip.Addr, payloadLen int) {
	if len(buf) < ipv4HeaderLen {
		panic("buildIPv4Header: buffer too small")
	}
	totalLen := ipv4HeaderLen + payloadLen

	buf[0] = byte((4 << 4) | (ipv4HeaderLen / 4)) // Version/IHL
	buf[1] = 0                                    // TOS
	binary.BigEndian.PutUint16(buf[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(buf[4:6], 0) // ID
	binary.BigEndian.PutUint16(buf[6:8], 0) // Flags/FragOff
	buf[8] = captureHopLimit                // TTL
	buf[9] = udpProtocolNumber
	binary.BigEndian.PutUint16(buf[10:12], 0)
	srcOctets := src.As4()
	dstOctets := dst.As4()
	copy(buf[12:16], srcOctets[:])
	copy(buf[16:20], dstOctets[:])

	check := checksumWithInitial(buf[:ipv4HeaderLen], 0)
	binary.BigEndian.PutUint16(buf[10:12], check)
}

func buildIPv6Header(buf []byte, src, dst netip.Addr, payloadLen int) {
	if len(buf) < ipv6HeaderLen {
		panic("buildIPv6Header: buffer too small")
	}
	buf[0] = 6 << 4 // Version
	buf[1] = 0
	buf[2] = 0
	buf[3] = 0
	binary.BigEndian.PutUint16(buf[4:6], uint16(payloadLen))
	buf[6] = udpProtocolNumber // Next header
	buf[7] = captureHopLimit
	srcOctets := src.As16()
	dstOctets := dst.As16()
	copy(buf[8:24], srcOctets[:])
	copy(buf[24:40], dstOctets[:])
}

// Internet checksums (RFC 1071 ones' complement).

func pseudoHeaderChecksum4(src, dst netip.Addr, length int) uint32 {
	srcOctets := src.As4()
	dstOctets := dst.As4()

	sum := uint32(0)
	sum += uint32(binary.BigEndian.Uint16(srcOctets[0:2]))
	sum += uint32(binary.BigEndian.Uint16(srcOctets[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dstOctets[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dstOctets[2:4]))
	sum += uint32(udpProtocolNumber)
	sum += uint32(length)
	return sum
}

func pseudoHeaderChecksum6(src, dst netip.Addr, length int) uint32 {
	srcOctets := src.As16()
	dstOctets := dst.As16()

	sum := uint32(0)
	for i := 0; i < 16; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(srcOctets[i : i+2]))
		sum += uint32(binary.BigEndian.Uint16(dstOctets[i : i+2]))
	}
	sum += uint32(length)
	sum += uint32(udpProtocolNumber)
	return sum
}

func checksumWithInitial(data []byte, initial uint32) uint16 {
	sum := initial
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for (sum >> 16) != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
