// Package server ingests sensor frames from UDP, serial ports and recordings.
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"humanoid-engine/binlog"
)

const (
	DefaultPort   = 44333
	MaxPacketSize = 65535
	readBuffer    = 256 * 1024
)

// Recorder persists raw frame batches.
type Recorder interface {
	WritePacket(flag uint16, addr *net.UDPAddr, data []byte) error
}

var _ Recorder = (*binlog.Writer)(nil)

type UdpServer struct {
	conn *net.UDPConn
	disp *Dispatcher
	log  *zap.SugaredLogger

	mu  sync.Mutex
	rec Recorder

	running atomic.Bool
	packets atomic.Int64
}

// NewUdpServer binds addr, e.g. ":44333".
func NewUdpServer(addr string, disp *Dispatcher, logger *zap.SugaredLogger) (*UdpServer, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", addr)
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	if err := conn.SetReadBuffer(readBuffer); err != nil {
		logger.Debugw("could not grow the socket buffer", "error", err)
	}
	return &UdpServer{conn: conn, disp: disp, log: logger}, nil
}

// SetRecorder tees every received datagram into rec.
func (s *UdpServer) SetRecorder(rec Recorder) {
	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()
}

func (s *UdpServer) Addr() net.Addr { return s.conn.LocalAddr() }

// Packets is the number of datagrams received.
func (s *UdpServer) Packets() int64 { return s.packets.Load() }

// Serve reads datagrams until ctx is cancelled or Close is called.
func (s *UdpServer) Serve(ctx context.Context) error {
	s.running.Store(true)
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.log.Infow("udp server listening", "addr", s.Addr().String())
	buf := make([]byte, MaxPacketSize)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				s.log.Infow("udp server stopped", "packets", s.packets.Load())
				return nil
			}
			s.log.Warnw("udp read", "error", err)
			continue
		}
		// the buffer is reused for the next read
		data := make([]byte, n)
		copy(data, buf[:n])
		s.HandlePacket(data, from, time.Now())
	}
}

// HandlePacket records and decodes one datagram.
func (s *UdpServer) HandlePacket(data []byte, from *net.UDPAddr, at time.Time) {
	s.packets.Add(1)
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec != nil {
		if err := rec.WritePacket(binlog.FlagUDP, from, data); err != nil {
			s.log.Warnw("recording failed", "error", err)
		}
	}
	if n := s.disp.HandleBatch(data); n < len(data) {
		s.log.Debugw("trailing bytes in datagram", "from", from, "bytes", len(data)-n, "at", at)
	}
}

func (s *UdpServer) Close() error {
	s.running.Store(false)
	err := s.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
