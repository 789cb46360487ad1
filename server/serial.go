package server

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"humanoid-engine/binlog"
)

const DefaultBaudRate = 921600

// SerialReader ingests the same frames from a byte stream, typically a USB serial bridge on the
// IMU/FT board.
type SerialReader struct {
	port io.ReadCloser
	disp *Dispatcher
	log  *zap.SugaredLogger
	rec  Recorder

	pending []byte
}

// OpenSerial opens a serial device at the given baud rate.
func OpenSerial(device string, baud int, disp *Dispatcher, logger *zap.SugaredLogger) (*SerialReader, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	p, err := serial.Open(device, &serial.Mode{BaudRate: baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit})
	if err != nil {
		return nil, errors.Wrapf(err, "open serial %s", device)
	}
	if err := p.SetReadTimeout(100 * time.Millisecond); err != nil {
		return nil, errors.Wrap(err, "serial read timeout")
	}
	return NewSerialReader(p, disp, logger), nil
}

// NewSerialReader wraps an already open stream.
func NewSerialReader(port io.ReadCloser, disp *Dispatcher, logger *zap.SugaredLogger) *SerialReader {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SerialReader{port: port, disp: disp, log: logger}
}

func (r *SerialReader) SetRecorder(rec Recorder) { r.rec = rec }

// Serve reads until ctx is cancelled or the stream ends. Frames may straddle reads.
func (r *SerialReader) Serve(ctx context.Context) error {
	buf := make([]byte, 4096)
	for ctx.Err() == nil {
		n, err := r.port.Read(buf)
		if n > 0 {
			r.feed(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "serial read")
		}
	}
	return nil
}

func (r *SerialReader) feed(chunk []byte) {
	r.pending = append(r.pending, chunk...)
	n := r.disp.HandleBatch(r.pending)
	if n == 0 {
		return
	}
	if r.rec != nil {
		if err := r.rec.WritePacket(binlog.FlagSerial, nil, r.pending[:n]); err != nil {
			r.log.Warnw("recording failed", "error", err)
		}
	}
	r.pending = append(r.pending[:0], r.pending[n:]...)
}

func (r *SerialReader) Close() error { return r.port.Close() }
