package publish

import (
	"fmt"
	"strings"
	"time"

	"humanoid-engine/fusion"
)

// Each line is "<tag>:<len>,<run>,<seq>,<time>,<fields...>\r\n". The tag is padded to eight
// bytes followed by a three-digit total length field, so receivers can frame a TCP stream.
const (
	tagWidth   = 8
	timeLayout = "20060102150405.000"
)

type Message struct {
	Data []byte
	Flag uint32
}

func line(tag, run string, seq uint64, stamp time.Time, fields ...float64) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-*s   ,%s,%d,%s", tagWidth, tag+":", run, seq, stamp.UTC().Format(timeLayout))
	for _, f := range fields {
		fmt.Fprintf(&sb, ",%.4f", f)
	}
	sb.WriteString("\r\n")
	return fillLength([]byte(sb.String()))
}

// fillLength writes the line length into the three spaces after the tag.
func fillLength(b []byte) []byte {
	n := len(b)
	if n >= 1000 {
		return b
	}
	if n >= 100 {
		b[tagWidth] = byte('0' + n/100)
	}
	b[tagWidth+1] = byte('0' + (n/10)%10)
	b[tagWidth+2] = byte('0' + n%10)
	return b
}

// FormatBase is the body pose and twist.
func FormatBase(run string, seq uint64, s fusion.BodyState) []byte {
	q := s.Orientation
	return line("base", run, seq, s.Stamp,
		s.Position.X, s.Position.Y, s.Position.Z,
		q.Real, q.Imag, q.Jmag, q.Kmag,
		s.LinearVel.X, s.LinearVel.Y, s.LinearVel.Z,
		s.AngularVel.X, s.AngularVel.Y, s.AngularVel.Z)
}

func FormatFeet(run string, seq uint64, s fusion.BodyState) []byte {
	l, r := s.Left.Pose.Trans, s.Right.Pose.Trans
	sp := s.SupportPose.Trans
	return line("feet", run, seq, s.Stamp, l.X, l.Y, l.Z, r.X, r.Y, r.Z, sp.X, sp.Y, sp.Z)
}

func FormatCoM(run string, seq uint64, s fusion.BodyState) []byte {
	c := s.CoM
	return line("com", run, seq, s.Stamp,
		c.Position.X, c.Position.Y, c.Position.Z,
		c.Velocity.X, c.Velocity.Y, c.Velocity.Z,
		c.ExternalForce.X, c.ExternalForce.Y, c.ExternalForce.Z,
		s.CoP.X, s.CoP.Y, s.CoP.Z)
}

// FormatContact carries the support leg as 0 (left) or 1 (right).
func FormatContact(run string, seq uint64, s fusion.BodyState) []byte {
	return line("contact", run, seq, s.Stamp,
		float64(s.Support), b2f(s.Left.Contact), b2f(s.Right.Contact), s.Left.Prob, s.Right.Prob,
		b2f(s.NoMotion), b2f(s.Diverged))
}

func FormatGroundTruth(run string, seq uint64, s fusion.BodyState) []byte {
	p, q := s.GroundTruth.Position, s.GroundTruth.Orientation
	return line("gt", run, seq, s.Stamp, p.X, p.Y, p.Z, q.Real, q.Imag, q.Jmag, q.Kmag)
}

func FormatWrenches(run string, seq uint64, s fusion.BodyState) []byte {
	l, r := s.Left, s.Right
	return line("wrench", run, seq, s.Stamp,
		l.GRF.X, l.GRF.Y, l.GRF.Z, l.GRT.X, l.GRT.Y, l.GRT.Z,
		r.GRF.X, r.GRF.Y, r.GRF.Z, r.GRT.X, r.GRT.Y, r.GRT.Z)
}

// Messages formats every line a state produces. Ground truth is only sent when present.
func Messages(run string, seq uint64, s fusion.BodyState) []Message {
	out := []Message{
		{FormatBase(run, seq, s), FlagBase},
		{FormatFeet(run, seq, s), FlagFeet},
		{FormatCoM(run, seq, s), FlagCoM},
		{FormatContact(run, seq, s), FlagContact},
		{FormatWrenches(run, seq, s), FlagDebug},
	}
	if s.GroundTruth != nil {
		out = append(out, Message{FormatGroundTruth(run, seq, s), FlagGroundTruth})
	}
	return out
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
