package binlog

import (
	"encoding/binary"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
)

// Record is one recorded frame batch.
type Record struct {
	Stamp   time.Time
	Flag    uint16
	Addr    *net.UDPAddr
	Payload []byte
}

type Reader struct {
	c       io.Closer
	r       *pcapgo.Reader
	skipped int
}

// Open opens a recording written by Writer.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open recording")
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.c = f
	return r, nil
}

func NewReader(src io.Reader) (*Reader, error) {
	r, err := pcapgo.NewReader(src)
	if err != nil {
		return nil, errors.Wrap(err, "pcap header")
	}
	if r.LinkType() != LinkType {
		return nil, errors.Errorf("unexpected link type %v", r.LinkType())
	}
	return &Reader{r: r}, nil
}

// Next returns the next record, or io.EOF at the end of the file. Records too short to carry the
// pseudo header are skipped.
func (r *Reader) Next() (Record, error) {
	for {
		data, ci, err := r.r.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Record{}, io.EOF
			}
			return Record{}, errors.Wrap(err, "read record")
		}
		if len(data) < pseudoHdrLen {
			r.skipped++
			continue
		}
		ip := make(net.IP, 4)
		copy(ip, data[4:8])
		return Record{
			Stamp:   ci.Timestamp,
			Flag:    binary.LittleEndian.Uint16(data[0:2]),
			Addr:    &net.UDPAddr{IP: ip, Port: int(binary.LittleEndian.Uint16(data[2:4]))},
			Payload: data[pseudoHdrLen:],
		}, nil
	}
}

// Skipped counts malformed records passed over by Next.
func (r *Reader) Skipped() int { return r.skipped }

func (r *Reader) Close() error {
	if r.c == nil {
		return nil
	}
	return r.c.Close()
}
