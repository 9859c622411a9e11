// Package pcap emits classic libpcap-formatted capture streams.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// Common link-layer (DLT) identifiers used in pcap global headers.
// The values match the tcpdump/libpcap definitions.
const (
	LinkTypeEthernet uint32 = 1
	// LinkTypeRaw frames carry a bare IP packet; readers dispatch on the
	// version nibble, so IPv4 and IPv6 can share one stream.
	LinkTypeRaw uint32 = 101
)

// DefaultSnapLength is the per-packet capture limit used unless
// SetSnapLength overrides it.
const DefaultSnapLength uint32 = 65535

var (
	// ErrHeaderAlreadyWritten indicates the global header has already been
	// emitted for this writer instance.
	ErrHeaderAlreadyWritten = errors.New("pcap: file header already written")
	// ErrWriterClosed indicates a write after Close.
	ErrWriterClosed = errors.New("pcap: writer closed")
)

// CaptureInfo describes metadata associated with a captured packet.
// Timestamp uses microsecond resolution when serialized into the pcap record.
type CaptureInfo struct {
	Timestamp     time.Time
	CaptureLength int
	Length        int
}

// Writer emits a classic libpcap stream: one global header followed by
// length-prefixed packet records. It is not safe for concurrent use.
type Writer struct {
	w             io.Writer
	linkType      uint32
	snapLen       uint32
	headerWritten bool
	closed        bool
}

// NewWriter wraps the supplied io.Writer with the given link type. The global
// header is written by the first WritePacket, or earlier by an explicit
// WriteFileHeader call.
func NewWriter(out io.Writer, linkType uint32) *Writer {
	return &Writer{
		w:        out,
		linkType: linkType,
		snapLen:  DefaultSnapLength,
	}
}

// SetSnapLength overrides the per-packet capture limit recorded in the global
// header. It fails once the header has been written.
func (w *Writer) SetSnapLength(snapLen uint32) error {
	if w.headerWritten {
		return ErrHeaderAlreadyWritten
	}
	w.snapLen = snapLen
	return nil
}

// WriteFileHeader writes the 24-byte global pcap header. Calling it more than
// once is an error; WritePacket calls it implicitly when needed.
func (w *Writer) WriteFileHeader() error {
	if w.closed {
		return ErrWriterClosed
	}
	if w.headerWritten {
		return ErrHeaderAlreadyWritten
	}

	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(hdr[4:6], 2) // Major version
	binary.LittleEndian.PutUint16(hdr[6:8], 4) // Minor version
	binary.LittleEndian.PutUint32(hdr[8:12], 0)
	binary.LittleEndian.PutUint32(hdr[12:16], 0)
	binary.LittleEndian.PutUint32(hdr[16:20], w.snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], w.linkType)

	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("pcap: write header: %w", err)
	}

	w.headerWritten = true
	return nil
}

// WritePacket appends a captured packet record to the stream, emitting the
// global header first if it has not been written yet.
func (w *Writer) WritePacket(ci CaptureInfo, data []byte) error {
	if w.closed {
		return ErrWriterClosed
	}
	if !w.headerWritten {
		if err := w.WriteFileHeader(); err != nil {
			return err
		}
	}

	if ci.CaptureLength < 0 {
		return fmt.Errorf("pcap: negative capture length %d", ci.CaptureLength)
	}
	if ci.Length < 0 {
		return fmt.Errorf("pcap: negative original length %d", ci.Length)
	}
	if ci.CaptureLength > len(data) {
		return fmt.Errorf("pcap: capture length %d exceeds data buffer %d", ci.CaptureLength, len(data))
	}
	if ci.Length > math.MaxUint32 {
		return fmt.Errorf("pcap: original length %d overflows uint32", ci.Length)
	}
	if w.snapLen != 0 && uint32(ci.CaptureLength) > w.snapLen {
		return fmt.Errorf("pcap: capture length %d exceeds snap length %d", ci.CaptureLength, w.snapLen)
	}

	var tsSec uint32
	var tsUsec uint32
	if !ci.Timestamp.IsZero() {
		sec := ci.Timestamp.Unix()
		if sec < 0 || sec > math.MaxUint32 {
			return fmt.Errorf("pcap: timestamp seconds %d out of range", sec)
		}
		tsSec = uint32(sec)
		tsUsec = uint32(ci.Timestamp.Nanosecond() / 1_000)
	}

	var rec [16]byte
	binary.LittleEndian.PutUint32(rec[0:4], tsSec)
	binary.LittleEndian.PutUint32(rec[4:8], tsUsec)
	binary.LittleEndian.PutUint32(rec[8:12], uint32(ci.CaptureLength))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(ci.Length))

	if _, err := w.w.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if ci.CaptureLength == 0 {
		return nil
	}
	if _, err := w.w.Write(data[:ci.CaptureLength]); err != nil {
		return fmt.Errorf("pcap: write packet data: %w", err)
	}
	return nil
}

// Close marks the writer finished. The pcap format has no trailer; Close
// exists so later writes fail loudly instead of corrupting a stream the
// caller already flushed.
func (w *Writer) Close() error {
	w.closed = true
	return nil
}
