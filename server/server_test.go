package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gonum.org/v1/gonum/num/quat"

	"humanoid-engine/binlog"
	"humanoid-engine/fusion"
)

type fakeSink struct {
	mu      sync.Mutex
	imu     []fusion.IMUSample
	left    []fusion.WrenchSample
	right   []fusion.WrenchSample
	joints  []fusion.JointSample
	odom    []fusion.PoseSample
	gt      []fusion.PoseSample
	gtCoM   []fusion.CoMSample
	comp    []fusion.PoseSample
	support []int
}

func (s *fakeSink) OnIMU(v fusion.IMUSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imu = append(s.imu, v)
}

func (s *fakeSink) OnLeftWrench(v fusion.WrenchSample)    { s.left = append(s.left, v) }
func (s *fakeSink) OnRightWrench(v fusion.WrenchSample)   { s.right = append(s.right, v) }
func (s *fakeSink) OnJointState(v fusion.JointSample)     { s.joints = append(s.joints, v) }
func (s *fakeSink) OnOdometry(v fusion.PoseSample)        { s.odom = append(s.odom, v) }
func (s *fakeSink) OnGroundTruth(v fusion.PoseSample)     { s.gt = append(s.gt, v) }
func (s *fakeSink) OnGroundTruthCoM(v fusion.CoMSample)   { s.gtCoM = append(s.gtCoM, v) }
func (s *fakeSink) OnCompareOdometry(v fusion.PoseSample) { s.comp = append(s.comp, v) }
func (s *fakeSink) OnSupportIndex(idx int)                { s.support = append(s.support, idx) }

func (s *fakeSink) imuCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.imu)
}

var t0 = time.Unix(1700000000, 5000)

func allFrames() []byte {
	q := quat.Number{Real: 0.5, Imag: 0.5, Jmag: 0.5, Kmag: 0.5}
	var b []byte
	b = append(b, EncodeIMU(fusion.IMUSample{Stamp: t0, Gyro: r3.Vector{X: 0.1}, Acc: r3.Vector{Z: 9.81}})...)
	b = append(b, EncodeWrench(TypeWrenchLeft, fusion.WrenchSample{Stamp: t0, Force: r3.Vector{Z: 25}, Torque: r3.Vector{Y: -0.5}})...)
	b = append(b, EncodeWrench(TypeWrenchRight, fusion.WrenchSample{Stamp: t0, Force: r3.Vector{Z: 26}})...)
	b = append(b, EncodeJointState(fusion.JointSample{Stamp: t0, Names: []string{"LHipPitch", "RHipPitch"}, Positions: []float64{0.1, -0.2}})...)
	b = append(b, EncodePose(TypeOdometry, fusion.PoseSample{Stamp: t0, Position: r3.Vector{X: 1}, Orientation: q})...)
	b = append(b, EncodePose(TypeGroundTruth, fusion.PoseSample{Stamp: t0, Position: r3.Vector{Y: 2}, Orientation: q})...)
	b = append(b, EncodeCoM(fusion.CoMSample{Stamp: t0, Position: r3.Vector{Z: 0.3}})...)
	b = append(b, EncodePose(TypeCompareOdom, fusion.PoseSample{Stamp: t0, Position: r3.Vector{Z: 3}, Orientation: q})...)
	b = append(b, EncodeSupportIndex(t0, 1)...)
	return b
}

func checkAllFrames(t *testing.T, s *fakeSink) {
	t.Helper()
	require.Len(t, s.imu, 1)
	assert.True(t, t0.Equal(s.imu[0].Stamp))
	assert.Equal(t, r3.Vector{X: 0.1}, s.imu[0].Gyro)
	assert.Equal(t, r3.Vector{Z: 9.81}, s.imu[0].Acc)

	require.Len(t, s.left, 1)
	assert.Equal(t, -0.5, s.left[0].Torque.Y)
	require.Len(t, s.right, 1)
	assert.Equal(t, 26.0, s.right[0].Force.Z)

	require.Len(t, s.joints, 1)
	assert.Equal(t, []string{"LHipPitch", "RHipPitch"}, s.joints[0].Names)
	assert.Equal(t, []float64{0.1, -0.2}, s.joints[0].Positions)

	require.Len(t, s.odom, 1)
	assert.Equal(t, 1.0, s.odom[0].Position.X)
	assert.Equal(t, 0.5, s.odom[0].Orientation.Kmag)
	require.Len(t, s.gt, 1)
	assert.Equal(t, 2.0, s.gt[0].Position.Y)
	require.Len(t, s.gtCoM, 1)
	assert.Equal(t, 0.3, s.gtCoM[0].Position.Z)
	require.Len(t, s.comp, 1)
	assert.Equal(t, 3.0, s.comp[0].Position.Z)
	assert.Equal(t, []int{1}, s.support)
}

func TestDispatchEveryFrameType(t *testing.T) {
	sink := &fakeSink{}
	d := NewDispatcher(sink, zaptest.NewLogger(t).Sugar())

	// garbage in front must be skipped
	batch := append([]byte{0xde, 0xad, 0xbe}, allFrames()...)
	n := d.HandleBatch(batch)
	assert.Equal(t, len(batch), n)
	checkAllFrames(t, sink)

	st := d.Stats()
	assert.Equal(t, 1, st.Frames["imu"])
	assert.Equal(t, 1, st.Frames["support_index"])
	assert.Equal(t, 3, st.Skipped)
	assert.Zero(t, st.Errors)
}

func TestScanLeavesPartialFrame(t *testing.T) {
	frame := EncodeIMU(fusion.IMUSample{Stamp: t0})
	calls := 0
	n, _ := Scan(append(frame, frame[:HdrLen+3]...), func(Header, []byte) { calls++ })
	assert.Equal(t, 1, calls)
	assert.Equal(t, len(frame), n)
}

func TestProtocolErrors(t *testing.T) {
	_, err := ParseHeader([]byte{0x48, 0x45})
	assert.ErrorIs(t, err, ErrShortFrame)

	bad := EncodeIMU(fusion.IMUSample{Stamp: t0})
	bad[0] = 0
	_, err = ParseHeader(bad)
	assert.ErrorIs(t, err, ErrBadMagic)

	h, err := ParseHeader(EncodeIMU(fusion.IMUSample{Stamp: t0}))
	require.NoError(t, err)
	_, err = ParseIMU(h, make([]byte, 20))
	assert.ErrorIs(t, err, ErrShortFrame)

	_, err = ParseJointState(h, []byte{2, 0, 5, 'a'})
	assert.ErrorIs(t, err, ErrShortFrame)

	sink := &fakeSink{}
	d := NewDispatcher(sink, nil)
	d.HandleBatch(Encode(0x7f, t0, nil))
	d.HandleBatch(Encode(TypeIMU, t0, []byte{1, 2}))
	assert.Equal(t, 2, d.Stats().Errors)
	assert.Empty(t, sink.imu)
}

func TestUdpServerDispatchesAndRecords(t *testing.T) {
	sink := &fakeSink{}
	srv, err := NewUdpServer("127.0.0.1:0", NewDispatcher(sink, nil), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "live.pcap")
	w, err := binlog.Create(path)
	require.NoError(t, err)
	srv.SetRecorder(w)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.Dial("udp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	frame := EncodeIMU(fusion.IMUSample{Stamp: t0, Acc: r3.Vector{Z: 9.81}})
	require.Eventually(t, func() bool {
		_, _ = conn.Write(frame)
		return sink.imuCount() > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, w.Close())
	assert.GreaterOrEqual(t, srv.Packets(), int64(1))

	// the recording replays into a fresh sink
	replayed := &fakeSink{}
	n, err := NewReplayer(NewDispatcher(replayed, nil), nil, nil).Replay(context.Background(), path, 0)
	require.NoError(t, err)
	assert.Equal(t, int(srv.Packets()), n)
	assert.Equal(t, n, replayed.imuCount())
}

func TestReplayAllFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "all.pcap")
	w, err := binlog.Create(path)
	require.NoError(t, err)
	require.NoError(t, w.WritePacketAt(t0, binlog.FlagUDP, nil, allFrames()))
	require.NoError(t, w.Close())

	sink := &fakeSink{}
	n, err := NewReplayer(NewDispatcher(sink, nil), zaptest.NewLogger(t).Sugar(), nil).Replay(context.Background(), path, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	checkAllFrames(t, sink)
}

func TestSerialReaderReassemblesFrames(t *testing.T) {
	sink := &fakeSink{}
	stream := iotest.OneByteReader(bytes.NewReader(allFrames()))
	r := NewSerialReader(io.NopCloser(stream), NewDispatcher(sink, nil), zaptest.NewLogger(t).Sugar())
	require.NoError(t, r.Serve(context.Background()))
	checkAllFrames(t, sink)
	assert.Empty(t, r.pending)
	require.NoError(t, r.Close())
}
