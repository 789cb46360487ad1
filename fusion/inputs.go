package fusion

import (
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Raw samples as delivered by the ingest side, in sensor frames.

type IMUSample struct {
	Stamp time.Time
	Gyro  r3.Vector
	Acc   r3.Vector
}

type WrenchSample struct {
	Stamp  time.Time
	Force  r3.Vector
	Torque r3.Vector
}

type JointSample struct {
	Stamp     time.Time
	Names     []string
	Positions []float64
}

// PoseSample is used for external odometry, ground truth and comparison odometry.
type PoseSample struct {
	Stamp       time.Time
	Position    r3.Vector
	Orientation quat.Number
}

type CoMSample struct {
	Stamp    time.Time
	Position r3.Vector
}

// PendingInputs holds one staleness flag per asynchronous input. A flag is raised when its
// sample is merged at the start of a tick and lowered by the stage that consumes it.
type PendingInputs struct {
	IMU         bool
	LeftWrench  bool
	RightWrench bool
	Joints      bool
	Odom        bool
	LegOdom     bool
	LegVel      bool
	CoM         bool
	Support     bool

	// The CoM filter consumes each wrench pair once, independently of the kinematics stage.
	LeftFSR, RightFSR bool

	PredictedWithIMU bool
	PredictedWithCoM bool
}

// maxQueued bounds each per-stream queue; the oldest samples are dropped first.
const maxQueued = 64

func push[T any](q []T, v T) []T {
	if len(q) >= maxQueued {
		copy(q, q[1:])
		q = q[:len(q)-1]
	}
	return append(q, v)
}

// inbox is the only state shared between ingest goroutines and the tick loop.
type inbox struct {
	mu sync.Mutex

	imu          []IMUSample
	left, right  []WrenchSample
	joints       []JointSample
	odom         []PoseSample
	gt, compOdom []PoseSample
	gtCoM        []CoMSample
	support      []int
}

// batch is a drained inbox.
type batch struct {
	imu          []IMUSample
	left, right  []WrenchSample
	joints       []JointSample
	odom         []PoseSample
	gt, compOdom []PoseSample
	gtCoM        []CoMSample
	support      []int
}

func (b *inbox) add(fn func()) {
	b.mu.Lock()
	fn()
	b.mu.Unlock()
}

func (b *inbox) drain() batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := batch{
		imu:      b.imu,
		left:     b.left,
		right:    b.right,
		joints:   b.joints,
		odom:     b.odom,
		gt:       b.gt,
		compOdom: b.compOdom,
		gtCoM:    b.gtCoM,
		support:  b.support,
	}
	b.imu, b.left, b.right, b.joints = nil, nil, nil, nil
	b.odom, b.gt, b.compOdom, b.gtCoM, b.support = nil, nil, nil, nil, nil
	return out
}

func (o *Orchestrator) OnIMU(s IMUSample) {
	o.in.add(func() { o.in.imu = push(o.in.imu, s) })
}

func (o *Orchestrator) OnLeftWrench(s WrenchSample) {
	o.in.add(func() { o.in.left = push(o.in.left, s) })
}

func (o *Orchestrator) OnRightWrench(s WrenchSample) {
	o.in.add(func() { o.in.right = push(o.in.right, s) })
}

// OnJointState copies the sample slices so the caller may reuse them.
func (o *Orchestrator) OnJointState(s JointSample) {
	s.Names = append([]string(nil), s.Names...)
	s.Positions = append([]float64(nil), s.Positions...)
	o.in.add(func() { o.in.joints = push(o.in.joints, s) })
}

func (o *Orchestrator) OnOdometry(s PoseSample) {
	o.in.add(func() { o.in.odom = push(o.in.odom, s) })
}

func (o *Orchestrator) OnGroundTruth(s PoseSample) {
	o.in.add(func() { o.in.gt = push(o.in.gt, s) })
}

func (o *Orchestrator) OnGroundTruthCoM(s CoMSample) {
	o.in.add(func() { o.in.gtCoM = push(o.in.gtCoM, s) })
}

func (o *Orchestrator) OnCompareOdometry(s PoseSample) {
	o.in.add(func() { o.in.compOdom = push(o.in.compOdom, s) })
}

// OnSupportIndex overrides the classifier's support leg; 1 selects the left leg.
func (o *Orchestrator) OnSupportIndex(idx int) {
	o.in.add(func() { o.in.support = push(o.in.support, idx) })
}
