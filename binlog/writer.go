// Package binlog records raw sensor frames into pcap files and reads them back. Each record
// carries an 8-byte pseudo header (flag, source port, source IPv4) ahead of the frame bytes.
package binlog

import (
	"encoding/binary"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const (
	// LinkType is DLT_USER0; the payload format is private.
	LinkType layers.LinkType = 147
	SnapLen                  = 65535

	pseudoHdrLen = 8
)

// Record source flags.
const (
	FlagUDP    uint16 = 0x109
	FlagSerial uint16 = 0x209
)

type Writer struct {
	mu  sync.Mutex
	f   *os.File
	w   *pcapgo.Writer
	buf []byte
	n   int
}

// Create truncates path and writes the pcap file header.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create recording")
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(SnapLen, LinkType); err != nil {
		return nil, multierr.Append(errors.Wrap(err, "write pcap header"), f.Close())
	}
	return &Writer{f: f, w: w, buf: make([]byte, 0, 256)}, nil
}

// WritePacket records data as received now from addr.
func (pw *Writer) WritePacket(flag uint16, addr *net.UDPAddr, data []byte) error {
	return pw.WritePacketAt(time.Now(), flag, addr, data)
}

func (pw *Writer) WritePacketAt(ts time.Time, flag uint16, addr *net.UDPAddr, data []byte) error {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	pw.buf = append(pw.buf[:0], make([]byte, pseudoHdrLen)...)
	binary.LittleEndian.PutUint16(pw.buf[0:], flag)
	if addr != nil {
		binary.LittleEndian.PutUint16(pw.buf[2:], uint16(addr.Port))
		// network byte order
		if ip4 := addr.IP.To4(); ip4 != nil {
			copy(pw.buf[4:8], ip4)
		}
	}
	pw.buf = append(pw.buf, data...)

	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(pw.buf), Length: len(pw.buf)}
	if err := pw.w.WritePacket(ci, pw.buf); err != nil {
		return errors.Wrap(err, "write record")
	}
	pw.n++
	return nil
}

// Count is the number of records written so far.
func (pw *Writer) Count() int {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.n
}

func (pw *Writer) Close() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return multierr.Append(pw.f.Sync(), pw.f.Close())
}
