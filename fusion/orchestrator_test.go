package fusion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gonum.org/v1/gonum/num/quat"

	"humanoid-engine/estimator"
	"humanoid-engine/spatial"
)

// standingKinematics places both feet half a meter below the base.
type standingKinematics struct {
	calls int
	err   error
}

func (k *standingKinematics) Compute(_, _ map[string]float64, _ float64) (KinematicSample, error) {
	k.calls++
	if k.err != nil {
		return KinematicSample{}, k.err
	}
	noise := spatial.Identity().Scale(1e-4)
	return KinematicSample{
		Left: FootKinematics{
			Pose:     spatial.Pose{Rot: spatial.Identity(), Trans: r3.Vector{Y: 0.1, Z: -0.5}},
			VelNoise: noise,
		},
		Right: FootKinematics{
			Pose:     spatial.Pose{Rot: spatial.Identity(), Trans: r3.Vector{Y: -0.1, Z: -0.5}},
			VelNoise: noise,
		},
		CoM: r3.Vector{Z: -0.1},
	}, nil
}

// walkingKinematics slides both feet backwards under the base at a constant speed, so the
// leg odometry carries the base forward by step every cycle.
type walkingKinematics struct {
	step  float64
	calls int
}

func (k *walkingKinematics) Compute(_, _ map[string]float64, _ float64) (KinematicSample, error) {
	k.calls++
	x := -k.step * float64(k.calls)
	v := r3.Vector{X: -k.step * DefaultFreq}
	noise := spatial.Identity().Scale(1e-4)
	return KinematicSample{
		Left: FootKinematics{
			Pose:      spatial.Pose{Rot: spatial.Identity(), Trans: r3.Vector{X: x, Y: 0.1, Z: -0.5}},
			LinearVel: v,
			VelNoise:  noise,
		},
		Right: FootKinematics{
			Pose:      spatial.Pose{Rot: spatial.Identity(), Trans: r3.Vector{X: x, Y: -0.1, Z: -0.5}},
			LinearVel: v,
			VelNoise:  noise,
		},
		CoM: r3.Vector{Z: -0.1},
	}, nil
}

// countingBase records which corrections reach the base filter.
type countingBase struct {
	BaseEstimator
	legOdom, odom, twist, twistRot int
}

func (b *countingBase) UpdateWithLegOdom(pos r3.Vector, q quat.Number) {
	b.legOdom++
	b.BaseEstimator.UpdateWithLegOdom(pos, q)
}

func (b *countingBase) UpdateWithOdom(pos r3.Vector, q quat.Number, outlierDetection bool) bool {
	b.odom++
	return b.BaseEstimator.UpdateWithOdom(pos, q, outlierDetection)
}

func (b *countingBase) UpdateWithTwist(v r3.Vector) {
	b.twist++
	b.BaseEstimator.UpdateWithTwist(v)
}

func (b *countingBase) UpdateWithTwistRotation(v r3.Vector, q quat.Number) {
	b.twistRot++
	b.BaseEstimator.UpdateWithTwistRotation(v, q)
}

func newCountingOrchestrator(t *testing.T, cfg *Config, kin KinematicsProvider) (*Orchestrator, *countingBase) {
	t.Helper()
	base := &countingBase{BaseEstimator: estimator.NewBaseEKF(cfg.noise())}
	o, err := NewOrchestrator(cfg, Collaborators{Kinematics: kin, Base: base}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return o, base
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Calibration.Enabled = false
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *Config, opts ...Option) (*Orchestrator, *standingKinematics) {
	t.Helper()
	kin := &standingKinematics{}
	o, err := NewOrchestrator(cfg, Collaborators{Kinematics: kin}, zaptest.NewLogger(t).Sugar(), opts...)
	require.NoError(t, err)
	return o, kin
}

// feed queues one cycle of a robot standing still with its weight split evenly.
func feed(o *Orchestrator, stamp time.Time) {
	half := DefaultMass * DefaultGravity / 2
	o.OnIMU(IMUSample{Stamp: stamp, Acc: r3.Vector{Z: DefaultGravity}})
	o.OnLeftWrench(WrenchSample{Stamp: stamp, Force: r3.Vector{Z: half}})
	o.OnRightWrench(WrenchSample{Stamp: stamp, Force: r3.Vector{Z: half}})
	o.OnJointState(JointSample{Stamp: stamp, Names: []string{"LHipPitch", "RHipPitch"}, Positions: []float64{0, 0}})
}

func stamp(i int) time.Time { return time.Unix(0, 0).Add(time.Duration(i) * 10 * time.Millisecond) }

func TestNewOrchestratorRequiresKinematics(t *testing.T) {
	_, err := NewOrchestrator(testConfig(), Collaborators{}, nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Freq = -1
	_, err = NewOrchestrator(cfg, Collaborators{Kinematics: &standingKinematics{}}, nil)
	assert.Error(t, err)
}

func TestTickWithoutIMU(t *testing.T) {
	o, kin := newTestOrchestrator(t, testConfig())
	o.OnJointState(JointSample{Names: []string{"LHipPitch"}, Positions: []float64{0}})
	_, ok := o.Tick()
	assert.False(t, ok)
	assert.Zero(t, kin.calls)
	assert.True(t, o.Pending().Joints)
}

func TestIMUConsumedBeforeKinematics(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig())
	o.OnIMU(IMUSample{Acc: r3.Vector{Z: DefaultGravity}})
	_, ok := o.Tick()
	assert.False(t, ok)
	assert.False(t, o.Pending().IMU)
	assert.False(t, o.KinematicsInitialized())

	// joints without wrenches do not initialize the leg odometry
	o.OnIMU(IMUSample{Acc: r3.Vector{Z: DefaultGravity}})
	o.OnJointState(JointSample{Names: []string{"LHipPitch"}, Positions: []float64{0}})
	_, ok = o.Tick()
	assert.False(t, ok)
	assert.NotNil(t, o.DeadReckoning())
	assert.False(t, o.KinematicsInitialized())
}

func TestKinematicsErrorSkipsCycle(t *testing.T) {
	o, kin := newTestOrchestrator(t, testConfig())
	kin.err = errors.New("unknown joint")
	feed(o, stamp(0))
	_, ok := o.Tick()
	assert.False(t, ok)
	assert.Nil(t, o.DeadReckoning())
}

func TestStandingRobotHoldsPosition(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig())
	var s BodyState
	for i := 0; i < 100; i++ {
		feed(o, stamp(i))
		var ok bool
		s, ok = o.Tick()
		require.True(t, ok, "tick %d", i)
	}
	assert.True(t, o.KinematicsInitialized())
	assert.Equal(t, stamp(99), s.Stamp)
	assert.InDelta(t, 0.5, s.Position.Z, 1e-6)
	assert.InDelta(t, 0, s.Position.X, 1e-6)
	assert.InDelta(t, 0, s.LinearVel.Norm(), 1e-6)
	assert.InDelta(t, 0.5, s.LegOdomPosition.Z, 1e-12)
	assert.InDelta(t, 0.1, s.Left.Pose.Trans.Y, 1e-6)
	assert.InDelta(t, 0, s.Left.Pose.Trans.Z, 1e-6)
	assert.InDelta(t, 0.4, s.CoM.LegOdom.Z, 1e-12)
	assert.True(t, s.Left.Contact)
	assert.True(t, s.Right.Contact)
	assert.False(t, s.Diverged)
	assert.Zero(t, s.Left.GRF, "wrenches are only published in debug mode")

	wl, wr := o.DeadReckoning().Weights()
	assert.InDelta(t, 0.5, wl, 1e-12)
	assert.InDelta(t, 0.5, wr, 1e-12)
}

func TestDebugModePublishesWrenches(t *testing.T) {
	cfg := testConfig()
	cfg.DebugMode = true
	o, _ := newTestOrchestrator(t, cfg)
	feed(o, stamp(0))
	s, ok := o.Tick()
	require.True(t, ok)
	assert.InDelta(t, DefaultMass*DefaultGravity/2, s.Left.GRF.Z, 1e-9)
}

func TestCalibrationAbsorbsFirstSamples(t *testing.T) {
	cfg := testConfig()
	cfg.Calibration.Enabled = true
	cfg.Calibration.MaxCycles = 3
	o, _ := newTestOrchestrator(t, cfg)
	for i := 0; i < 3; i++ {
		feed(o, stamp(i))
		_, ok := o.Tick()
		require.False(t, ok, "tick %d", i)
		require.False(t, o.Calibrated())
	}
	feed(o, stamp(3))
	s, ok := o.Tick()
	require.True(t, ok)
	assert.True(t, o.Calibrated())
	assert.InDelta(t, 0.5, s.Position.Z, 1e-6)
}

func TestSupportIndexOverride(t *testing.T) {
	cfg := testConfig()
	cfg.SupportIdxProvided = true
	o, _ := newTestOrchestrator(t, cfg)

	feed(o, stamp(0))
	o.OnSupportIndex(2)
	s, ok := o.Tick()
	require.True(t, ok)
	assert.Equal(t, RightLeg, s.Support)
	assert.Equal(t, RightLegName, s.SupportName())
	assert.InDelta(t, -0.1, s.SupportPose.Trans.Y, 1e-6)

	feed(o, stamp(1))
	o.OnSupportIndex(SupportIndexLeft)
	s, ok = o.Tick()
	require.True(t, ok)
	assert.Equal(t, LeftLeg, s.Support)
}

func TestOdometryOutliersLatchDivergence(t *testing.T) {
	cfg := testConfig()
	cfg.Base.UseLegOdom = false
	o, _ := newTestOrchestrator(t, cfg)

	for i := 0; i < 4; i++ {
		feed(o, stamp(i))
		o.OnOdometry(PoseSample{Stamp: stamp(i), Position: r3.Vector{X: 10 * float64(i)}, Orientation: spatial.IdentityQuat})
		s, ok := o.Tick()
		require.True(t, ok)
		assert.Equal(t, i == 3, s.Diverged, "tick %d", i)
		assert.InDelta(t, 0, s.Position.X, 1e-3, "rejected odometry must not move the base")
	}

	// divergence is permanent
	feed(o, stamp(4))
	o.OnOdometry(PoseSample{Stamp: stamp(4), Position: r3.Vector{X: 30}, Orientation: spatial.IdentityQuat})
	s, ok := o.Tick()
	require.True(t, ok)
	assert.True(t, s.Diverged)
}

func TestDivergenceFallsBackToLegOdometry(t *testing.T) {
	cfg := testConfig()
	cfg.Base.UseLegOdom = false
	kin := &walkingKinematics{step: 0.001}
	o, base := newCountingOrchestrator(t, cfg, kin)

	const ticks = 100
	var s BodyState
	for i := 0; i < ticks; i++ {
		feed(o, stamp(i))
		if i < 4 {
			o.OnOdometry(PoseSample{Stamp: stamp(i), Position: r3.Vector{X: 10 * float64(i)}, Orientation: spatial.IdentityQuat})
		}
		var ok bool
		s, ok = o.Tick()
		require.True(t, ok, "tick %d", i)
		assert.Equal(t, i >= 3, s.Diverged, "tick %d", i)
		assert.InDelta(t, 0.001*float64(i), s.LegOdomPosition.X, 1e-9, "tick %d", i)
		assert.False(t, s.NoMotion)
	}

	assert.Equal(t, 1, base.legOdom, "only the first update seeds from leg odometry")
	assert.Equal(t, 3, base.odom)
	assert.Equal(t, 2, base.twist)
	assert.Equal(t, ticks-3, base.twistRot, "every leg odometry step after divergence is applied")

	// the estimate follows the walking leg odometry instead of the rejected odometry
	assert.InDelta(t, 0.1, s.LinearVel.X, 0.02)
	assert.Greater(t, s.Position.X, 0.05)
	assert.Less(t, s.Position.X, s.LegOdomPosition.X+0.01)
}

func TestNoMotionForcesLegOdometry(t *testing.T) {
	cfg := testConfig()
	cfg.Base.UseLegOdom = false
	cfg.NoMotionCycles = 5
	o, base := newCountingOrchestrator(t, cfg, &standingKinematics{})

	for i := 0; i < 12; i++ {
		// the external odometry jumps a meter per tick once the robot is still
		x := 0.0
		if i >= 5 {
			x = float64(i)
		}
		feed(o, stamp(i))
		o.OnOdometry(PoseSample{Stamp: stamp(i), Position: r3.Vector{X: x}, Orientation: spatial.IdentityQuat})
		s, ok := o.Tick()
		require.True(t, ok, "tick %d", i)
		assert.Equal(t, i >= 5, s.NoMotion, "tick %d", i)
		assert.False(t, s.Diverged)
		assert.InDelta(t, 0, s.Position.X, 1e-6, "tick %d", i)
		if i >= 5 {
			// the reference moves with the odometry so the next increment starts here
			assert.Equal(t, x, o.prevOdom.Position.X, "tick %d", i)
			assert.False(t, o.Pending().Odom)
		}
	}
	assert.Equal(t, 4, base.odom, "odometry is only applied before the latch")
	assert.Equal(t, 1+7, base.legOdom)
	assert.Zero(t, o.gate.Count())
}

func TestNoMotionCountsLegOdometrySteps(t *testing.T) {
	cfg := testConfig()
	cfg.NoMotionCycles = 5
	o, _ := newTestOrchestrator(t, cfg)

	for i := 0; i < 3; i++ {
		feed(o, stamp(i))
		_, ok := o.Tick()
		require.True(t, ok)
	}
	// the first step moves the base from the origin onto the feet
	assert.Equal(t, 2, o.noMotion.Count())

	for i := 3; i < 13; i++ {
		o.OnIMU(IMUSample{Stamp: stamp(i), Acc: r3.Vector{Z: DefaultGravity}})
		s, ok := o.Tick()
		require.True(t, ok)
		assert.False(t, s.NoMotion, "IMU-only tick %d", i)
	}
	assert.Equal(t, 2, o.noMotion.Count())

	for i := 13; i < 16; i++ {
		feed(o, stamp(i))
		_, ok := o.Tick()
		require.True(t, ok)
	}
	assert.True(t, o.noMotion.Latched())
	assert.Zero(t, o.noMotion.Count())
}

func TestStandingCenterOfMass(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig())
	var s BodyState
	for i := 0; i < 100; i++ {
		feed(o, stamp(i))
		var ok bool
		s, ok = o.Tick()
		require.True(t, ok)
	}
	assert.InDelta(t, 0, s.CoM.Position.Sub(r3.Vector{Z: 0.4}).Norm(), 1e-3)
	assert.InDelta(t, 0, s.CoM.Velocity.Norm(), 1e-3)
	assert.InDelta(t, 0, s.CoM.ExternalForce.Norm(), 1e-2)
	assert.InDelta(t, 0, s.CoP.Norm(), 1e-9)
}

func TestConsistentOdometryIsAccepted(t *testing.T) {
	cfg := testConfig()
	cfg.Base.UseLegOdom = false
	o, _ := newTestOrchestrator(t, cfg)
	for i := 0; i < 20; i++ {
		feed(o, stamp(i))
		o.OnOdometry(PoseSample{Stamp: stamp(i), Position: r3.Vector{X: 3}, Orientation: spatial.IdentityQuat})
		s, ok := o.Tick()
		require.True(t, ok)
		require.False(t, s.Diverged)
	}
}

func TestContactAidedStanding(t *testing.T) {
	cfg := testConfig()
	cfg.Base.ContactAided = true
	o, _ := newTestOrchestrator(t, cfg)
	var s BodyState
	for i := 0; i < 50; i++ {
		feed(o, stamp(i))
		var ok bool
		s, ok = o.Tick()
		require.True(t, ok)
	}
	assert.InDelta(t, 0.5, s.Position.Z, 1e-6)
	assert.InDelta(t, -0.1, s.Right.Pose.Trans.Y, 1e-6)
}

func TestGroundTruthAnchoredToEstimate(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig())
	o.OnGroundTruth(PoseSample{Position: r3.Vector{X: 7}, Orientation: spatial.IdentityQuat})
	feed(o, stamp(0))
	s, ok := o.Tick()
	require.True(t, ok)
	assert.Nil(t, s.GroundTruth, "ground truth before initialization is only tracked")

	o.OnGroundTruth(PoseSample{Position: r3.Vector{X: 7}, Orientation: spatial.IdentityQuat})
	o.OnGroundTruthCoM(CoMSample{Position: r3.Vector{X: 2}})
	feed(o, stamp(1))
	s, ok = o.Tick()
	require.True(t, ok)
	require.NotNil(t, s.GroundTruth)
	assert.InDelta(t, 0.5, s.GroundTruth.Position.Z, 1e-9)
	require.NotNil(t, s.GroundTruthCoM)
	assert.InDelta(t, 0.4, s.GroundTruthCoM.Z, 1e-9)
}

type recordingPublisher struct {
	mu     sync.Mutex
	states []BodyState
	closed bool
}

func (p *recordingPublisher) Publish(s BodyState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, s)
	return nil
}

func (p *recordingPublisher) Close() error {
	p.closed = true
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.states)
}

func TestRunPublishesOnTicks(t *testing.T) {
	mock := clock.NewMock()
	pub := &recordingPublisher{}
	o, _ := newTestOrchestrator(t, testConfig(), WithClock(mock), WithPublisher(pub))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	feed(o, stamp(0))
	require.Eventually(t, func() bool {
		mock.Add(5 * time.Millisecond)
		return pub.count() > 0
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, o.Close())
	assert.True(t, pub.closed)
}
