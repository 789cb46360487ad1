package server

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"humanoid-engine/fusion"
)

// Frame layout, little endian:
//
//	magic u16 | type u8 | flags u8 | body length u16 | stamp i64 (unix ns) | body
const (
	Magic  = 0x4548 // "HE"
	HdrLen = 14

	MaxBodyLen = 1 << 15
)

// Frame types.
const (
	TypeIMU            uint8 = 0x10
	TypeWrenchLeft     uint8 = 0x20
	TypeWrenchRight    uint8 = 0x21
	TypeJointState     uint8 = 0x30
	TypeOdometry       uint8 = 0x40
	TypeGroundTruth    uint8 = 0x41
	TypeGroundTruthCoM uint8 = 0x42
	TypeCompareOdom    uint8 = 0x43
	TypeSupportIndex   uint8 = 0x50
)

var (
	ErrShortFrame  = errors.New("frame too short")
	ErrBadMagic    = errors.New("bad frame magic")
	ErrUnknownType = errors.New("unknown frame type")
)

// TypeName is used for logs and census output.
func TypeName(t uint8) string {
	switch t {
	case TypeIMU:
		return "imu"
	case TypeWrenchLeft:
		return "wrench_left"
	case TypeWrenchRight:
		return "wrench_right"
	case TypeJointState:
		return "joint_state"
	case TypeOdometry:
		return "odometry"
	case TypeGroundTruth:
		return "ground_truth"
	case TypeGroundTruthCoM:
		return "ground_truth_com"
	case TypeCompareOdom:
		return "compare_odometry"
	case TypeSupportIndex:
		return "support_index"
	default:
		return "unknown"
	}
}

type Header struct {
	Type    uint8
	Flags   uint8
	BodyLen int
	Stamp   time.Time
}

// ParseHeader decodes the header at the start of data.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HdrLen {
		return Header{}, ErrShortFrame
	}
	if m := binary.LittleEndian.Uint16(data[0:2]); m != Magic {
		return Header{}, errors.Wrapf(ErrBadMagic, "0x%04x", m)
	}
	return Header{
		Type:    data[2],
		Flags:   data[3],
		BodyLen: int(binary.LittleEndian.Uint16(data[4:6])),
		Stamp:   time.Unix(0, int64(binary.LittleEndian.Uint64(data[6:14]))),
	}, nil
}

// Encode wraps body into a frame.
func Encode(typ uint8, stamp time.Time, body []byte) []byte {
	out := make([]byte, HdrLen, HdrLen+len(body))
	binary.LittleEndian.PutUint16(out[0:], Magic)
	out[2] = typ
	binary.LittleEndian.PutUint16(out[4:], uint16(len(body)))
	binary.LittleEndian.PutUint64(out[6:], uint64(stamp.UnixNano()))
	return append(out, body...)
}

// Scan walks every frame in data. Bytes that do not start a valid header are skipped one at a
// time. It returns the number of bytes consumed; a trailing partial frame is left unconsumed.
func Scan(data []byte, fn func(h Header, body []byte)) (consumed int, skipped int) {
	off := 0
	for len(data)-off >= HdrLen {
		h, err := ParseHeader(data[off:])
		if err != nil || h.BodyLen > MaxBodyLen {
			off++
			skipped++
			continue
		}
		end := off + HdrLen + h.BodyLen
		if end > len(data) {
			break
		}
		fn(h, data[off+HdrLen:end])
		off = end
	}
	return off, skipped
}

// body codec

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) f64() float64 {
	if r.err != nil {
		return 0
	}
	if len(r.b)-r.off < 8 {
		r.err = ErrShortFrame
		return 0
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(r.b[r.off:]))
	r.off += 8
	return v
}

func (r *reader) vec() r3.Vector {
	return r3.Vector{X: r.f64(), Y: r.f64(), Z: r.f64()}
}

// quat reads w, x, y, z.
func (r *reader) quat() quat.Number {
	return quat.Number{Real: r.f64(), Imag: r.f64(), Jmag: r.f64(), Kmag: r.f64()}
}

func (r *reader) u16() int {
	if r.err != nil {
		return 0
	}
	if len(r.b)-r.off < 2 {
		r.err = ErrShortFrame
		return 0
	}
	v := binary.LittleEndian.Uint16(r.b[r.off:])
	r.off += 2
	return int(v)
}

func (r *reader) str() string {
	if r.err != nil {
		return ""
	}
	if r.off >= len(r.b) {
		r.err = ErrShortFrame
		return ""
	}
	n := int(r.b[r.off])
	r.off++
	if len(r.b)-r.off < n {
		r.err = ErrShortFrame
		return ""
	}
	s := string(r.b[r.off : r.off+n])
	r.off += n
	return s
}

type writer []byte

func (w *writer) f64(v float64) {
	*w = binary.LittleEndian.AppendUint64(*w, math.Float64bits(v))
}

func (w *writer) vec(v r3.Vector) {
	w.f64(v.X)
	w.f64(v.Y)
	w.f64(v.Z)
}

func (w *writer) quat(q quat.Number) {
	w.f64(q.Real)
	w.f64(q.Imag)
	w.f64(q.Jmag)
	w.f64(q.Kmag)
}

func EncodeIMU(s fusion.IMUSample) []byte {
	var w writer
	w.vec(s.Gyro)
	w.vec(s.Acc)
	return Encode(TypeIMU, s.Stamp, w)
}

func ParseIMU(h Header, body []byte) (fusion.IMUSample, error) {
	r := reader{b: body}
	s := fusion.IMUSample{Stamp: h.Stamp, Gyro: r.vec(), Acc: r.vec()}
	return s, r.err
}

// EncodeWrench frames a foot wrench; typ selects the foot.
func EncodeWrench(typ uint8, s fusion.WrenchSample) []byte {
	var w writer
	w.vec(s.Force)
	w.vec(s.Torque)
	return Encode(typ, s.Stamp, w)
}

func ParseWrench(h Header, body []byte) (fusion.WrenchSample, error) {
	r := reader{b: body}
	s := fusion.WrenchSample{Stamp: h.Stamp, Force: r.vec(), Torque: r.vec()}
	return s, r.err
}

// EncodeJointState frames named joint positions. Names longer than 255 bytes are truncated.
func EncodeJointState(s fusion.JointSample) []byte {
	w := writer(binary.LittleEndian.AppendUint16(nil, uint16(len(s.Names))))
	for i, n := range s.Names {
		if len(n) > 255 {
			n = n[:255]
		}
		w = append(w, byte(len(n)))
		w = append(w, n...)
		pos := 0.0
		if i < len(s.Positions) {
			pos = s.Positions[i]
		}
		w.f64(pos)
	}
	return Encode(TypeJointState, s.Stamp, w)
}

func ParseJointState(h Header, body []byte) (fusion.JointSample, error) {
	r := reader{b: body}
	n := r.u16()
	s := fusion.JointSample{Stamp: h.Stamp, Names: make([]string, 0, n), Positions: make([]float64, 0, n)}
	for i := 0; i < n && r.err == nil; i++ {
		s.Names = append(s.Names, r.str())
		s.Positions = append(s.Positions, r.f64())
	}
	if r.err != nil {
		return fusion.JointSample{}, r.err
	}
	return s, nil
}

// EncodePose frames a pose stream; typ is one of the odometry or ground-truth types.
func EncodePose(typ uint8, s fusion.PoseSample) []byte {
	var w writer
	w.vec(s.Position)
	w.quat(s.Orientation)
	return Encode(typ, s.Stamp, w)
}

func ParsePose(h Header, body []byte) (fusion.PoseSample, error) {
	r := reader{b: body}
	s := fusion.PoseSample{Stamp: h.Stamp, Position: r.vec(), Orientation: r.quat()}
	return s, r.err
}

func EncodeCoM(s fusion.CoMSample) []byte {
	var w writer
	w.vec(s.Position)
	return Encode(TypeGroundTruthCoM, s.Stamp, w)
}

func ParseCoM(h Header, body []byte) (fusion.CoMSample, error) {
	r := reader{b: body}
	s := fusion.CoMSample{Stamp: h.Stamp, Position: r.vec()}
	return s, r.err
}

func EncodeSupportIndex(stamp time.Time, idx int) []byte {
	return Encode(TypeSupportIndex, stamp, binary.LittleEndian.AppendUint32(nil, uint32(int32(idx))))
}

func ParseSupportIndex(body []byte) (int, error) {
	if len(body) < 4 {
		return 0, ErrShortFrame
	}
	return int(int32(binary.LittleEndian.Uint32(body))), nil
}
