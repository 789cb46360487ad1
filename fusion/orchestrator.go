package fusion

import (
	"context"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/num/quat"

	"humanoid-engine/attitude"
	"humanoid-engine/contact"
	"humanoid-engine/estimator"
	"humanoid-engine/filters"
	"humanoid-engine/spatial"
)

// Publisher receives every state produced by the run loop.
type Publisher interface {
	Publish(s BodyState) error
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock driving Run.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clk = c }
}

func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publishers = append(o.publishers, p) }
}

// Orchestrator schedules the asynchronous sensor streams into the attitude filter, the leg
// odometry and the base and CoM estimators. Callbacks only queue samples; all estimation runs
// in Tick on a single goroutine.
type Orchestrator struct {
	cfg        *Config
	ext        Extrinsics
	log        *zap.SugaredLogger
	clk        clock.Clock
	publishers []Publisher

	in      inbox
	pending PendingInputs

	att   AttitudeEstimator
	kin   KinematicsProvider
	cls   ContactClassifier
	base  BaseEstimator
	cbase ContactAidedEstimator
	com   CoMEstimator
	dr    *DeadReckoning

	calib    *Calibrator
	noMotion NoMotionDetector
	gate     OutlierGate
	upd      updatePose
	gyroDot  *GyroDerivative

	// input conditioning
	lMedian, rMedian *filters.Median
	jointDiff        map[string]*filters.Differentiator
	jointPos         map[string]float64
	jointVel         map[string]float64
	lw, rw           footWrench
	lwWorld, rwWorld footWrench

	stamp    time.Time
	gyro     r3.Vector
	acc      r3.Vector
	odom     PoseSample
	prevOdom PoseSample
	hasOdom  bool

	supportIdx    int
	hasSupportIdx bool

	gtAlign    *deltaAligner
	gtCoMAlign *offsetAligner
	compAlign  *offsetAligner
	gt, comp   *PoseSample
	gtCoM      *r3.Vector

	// kinematics stage
	ks                    KinematicSample
	twb, prevTwb          spatial.Pose
	qwb, prevQwb          quat.Number
	omegawb, vwb          r3.Vector
	tbs                   spatial.Pose
	twl, twr, tws         spatial.Pose
	comLegOdom            r3.Vector
	contact               ContactSample
	grf                   r3.Vector
	legStepped            bool
	kinematicsInitialized bool

	// estimation stage
	baseSeeded bool
	updated    bool
	legDeltaP  r3.Vector
	legDeltaQ  quat.Number
	comSeeded  bool
	gdot       r3.Vector
	cop        r3.Vector
}

// NewOrchestrator validates cfg and builds the missing collaborators from it.
func NewOrchestrator(cfg *Config, deps Collaborators, logger *zap.SugaredLogger, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	if deps.Kinematics == nil {
		return nil, errors.New("a kinematics provider is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ext, err := cfg.Extrinsics.Resolve()
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:       cfg,
		ext:       ext,
		log:       logger,
		clk:       clock.New(),
		att:       deps.Attitude,
		kin:       deps.Kinematics,
		cls:       deps.Contact,
		base:      deps.Base,
		cbase:     deps.ContactBase,
		com:       deps.CoM,
		noMotion:  NoMotionDetector{Threshold: cfg.NoMotionThreshold, Cycles: cfg.NoMotionCycles},
		gate:      OutlierGate{Limit: cfg.OutlierLimit},
		jointDiff: map[string]*filters.Differentiator{},
		jointPos:  map[string]float64{},
		jointVel:  map[string]float64{},
		qwb:       spatial.IdentityQuat,
		prevQwb:   spatial.IdentityQuat,
		legDeltaQ: spatial.IdentityQuat,
		twb:       spatial.IdentityPose(),
		prevTwb:   spatial.IdentityPose(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.att == nil {
		o.att = attitude.New(cfg.attitudeOptions())
	}
	if cfg.Base.ContactAided {
		if o.cbase == nil {
			o.cbase = estimator.NewContactEKF(cfg.noise())
		}
	} else if o.base == nil {
		o.base = estimator.NewBaseEKF(cfg.noise())
	}
	if cfg.CoM.Enabled {
		if o.com == nil {
			o.com = estimator.NewCoMEKF(cfg.comNoise())
		}
		// the gyro is differentiated at the IMU rate
		o.gyroDot, err = NewGyroDerivative(cfg.Freq, cfg.CoM.UseGyroLPF, cfg.CoM.GyroCutoffFreq, cfg.CoM.MAWindow)
		if err != nil {
			return nil, errors.Wrap(err, "gyro derivative")
		}
	}
	if o.lMedian, err = filters.NewMedian(cfg.Contact.MedianWindow); err != nil {
		return nil, err
	}
	if o.rMedian, err = filters.NewMedian(cfg.Contact.MedianWindow); err != nil {
		return nil, err
	}

	cal := cfg.Calibration
	o.calib = NewCalibrator(cal.Enabled, cal.MaxCycles, cfg.Gravity, cal.GyroBias.R3(), cal.AccBias.R3())
	o.gtAlign = newDeltaAligner(ext.BGT)
	o.gtCoMAlign = newOffsetAligner(ext.BGT)
	o.compAlign = newOffsetAligner(ext.BP)
	return o, nil
}

func (o *Orchestrator) AddPublisher(p Publisher) {
	o.publishers = append(o.publishers, p)
}

// Pending exposes the staleness flags after the last tick.
func (o *Orchestrator) Pending() PendingInputs { return o.pending }

// Calibrated reports whether the IMU bias calibration is over.
func (o *Orchestrator) Calibrated() bool { return !o.calib.Active() }

func (o *Orchestrator) KinematicsInitialized() bool { return o.kinematicsInitialized }

// DeadReckoning is nil until the first kinematics stage.
func (o *Orchestrator) DeadReckoning() *DeadReckoning { return o.dr }

// Run ticks at twice the IMU rate until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	period := time.Duration(float64(time.Second) / (2 * o.cfg.Freq))
	ticker := o.clk.Ticker(period)
	defer ticker.Stop()
	o.log.Infow("estimator loop started", "period", period)
	for {
		select {
		case <-ctx.Done():
			o.log.Infow("estimator loop stopped")
			return nil
		case <-ticker.C:
			s, ok := o.Tick()
			if !ok {
				continue
			}
			for _, p := range o.publishers {
				if err := p.Publish(s); err != nil {
					o.log.Debugw("publish failed", "error", err)
				}
			}
		}
	}
}

// Close releases the estimators and closes publishers that hold resources.
func (o *Orchestrator) Close() error {
	var err error
	for _, p := range o.publishers {
		if c, ok := p.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	o.publishers = nil
	o.base, o.cbase, o.com, o.dr = nil, nil, nil, nil
	return err
}

// Tick runs one loop iteration. It reports false when no state was produced, either because no
// IMU sample was pending, calibration absorbed it or the kinematics are not initialized yet.
func (o *Orchestrator) Tick() (BodyState, bool) {
	o.merge(o.in.drain())
	if !o.pending.IMU {
		return BodyState{}, false
	}
	o.pending.PredictedWithIMU = false
	o.pending.PredictedWithCoM = false

	o.att.Update(o.gyro, o.acc)
	switch o.calib.Observe(o.gyro, o.acc, o.att.Rotation()) {
	case CalibrationAccumulated:
		o.pending.IMU = false
		return BodyState{}, false
	case CalibrationFinished:
		g, a := o.calib.Biases()
		if o.calib.Cycles() == 0 {
			o.log.Warnw("calibration absorbed no samples, keeping configured biases", "gyro_bias", g, "acc_bias", a)
		} else {
			o.log.Infow("calibration finished", "cycles", o.calib.Cycles(), "gyro_bias", g, "acc_bias", a)
		}
	}

	if o.pending.Joints {
		o.computeKinematics()
	}
	if !o.kinematicsInitialized {
		o.pending.IMU = false
		return BodyState{}, false
	}

	if o.cfg.Base.ContactAided {
		o.estimateContactAided()
	} else {
		o.estimateBase()
	}
	if o.cfg.CoM.Enabled {
		o.estimateCoM()
	}
	o.pending.IMU = false
	return o.snapshot(), true
}

// merge conditions queued samples in arrival order and raises their flags.
func (o *Orchestrator) merge(b batch) {
	if n := len(b.imu); n > 0 {
		s := b.imu[n-1]
		o.stamp = s.Stamp
		o.gyro = o.ext.BG.Rot.MulVec(s.Gyro)
		o.acc = o.ext.BA.Rot.MulVec(s.Acc)
		o.pending.IMU = true
	}
	lc := o.cfg.Contact.LosingContact
	for _, s := range b.left {
		fz := o.ext.FTLL.Rot.MulVec(s.Force).Z
		o.lw = conditionWrench(s, o.ext.FTLL.Rot, o.lMedian.Next(fz), lc, o.cfg.Gravity)
		o.pending.LeftWrench, o.pending.LeftFSR = true, true
	}
	for _, s := range b.right {
		fz := o.ext.FTRL.Rot.MulVec(s.Force).Z
		o.rw = conditionWrench(s, o.ext.FTRL.Rot, o.rMedian.Next(fz), lc, o.cfg.Gravity)
		o.pending.RightWrench, o.pending.RightFSR = true, true
	}
	for _, s := range b.joints {
		o.mergeJoints(s)
	}
	for _, s := range b.odom {
		if !o.hasOdom {
			o.prevOdom = s
			o.hasOdom = true
		}
		o.odom = s
		o.pending.Odom = true
	}
	if n := len(b.support); n > 0 {
		o.supportIdx = b.support[n-1]
		o.hasSupportIdx = true
	}
	for _, s := range b.gt {
		if out, ok := o.gtAlign.observe(s, o.kinematicsInitialized, o.twb); ok {
			o.gt = &out
		}
	}
	if !o.kinematicsInitialized {
		return
	}
	for _, s := range b.gtCoM {
		p, _ := o.gtCoMAlign.observe(s.Position, spatial.IdentityQuat, o.twb.Apply(o.ks.CoM), o.qwb)
		o.gtCoM = &p
	}
	for _, s := range b.compOdom {
		p, q := o.compAlign.observe(s.Position, s.Orientation, o.twb.Trans, o.qwb)
		o.comp = &PoseSample{Stamp: s.Stamp, Position: p, Orientation: q}
	}
}

func (o *Orchestrator) mergeJoints(s JointSample) {
	for i, name := range s.Names {
		if i >= len(s.Positions) {
			break
		}
		d, ok := o.jointDiff[name]
		if !ok {
			var err error
			d, err = filters.NewDifferentiator(o.cfg.JointFreq, o.cfg.JointCutoffFreq)
			if err != nil {
				o.log.Warnw("joint velocity filter", "joint", name, "error", err)
				continue
			}
			o.jointDiff[name] = d
		}
		o.jointPos[name] = s.Positions[i]
		o.jointVel[name] = d.Next(s.Positions[i])
	}
	o.pending.Joints = true
}

func (o *Orchestrator) computeKinematics() {
	o.pending.Joints = false
	ks, err := o.kin.Compute(o.jointPos, o.jointVel, o.cfg.JointNoise)
	if err != nil {
		o.log.Debugw("kinematics skipped", "error", err)
		return
	}
	o.ks = ks

	if o.dr == nil {
		lt, rt := ks.Left.Pose.Trans, ks.Right.Pose.Trans
		o.dr = NewDeadReckoning(
			r3.Vector{X: lt.X, Y: lt.Y}, r3.Vector{X: rt.X, Y: rt.Y},
			ks.Left.Pose.Rot, ks.Right.Pose.Rot, o.cfg.deadReckoningOptions())
	}

	rwb := o.att.Rotation()
	o.prevQwb = o.qwb
	o.qwb = spatial.Mat3ToQuat(rwb)
	o.omegawb = o.att.AngularVelocity()
	o.twb.Rot = rwb

	if !o.pending.LeftWrench || !o.pending.RightWrench {
		return
	}
	o.lwWorld = o.lw.toWorld(rwb.Mul(ks.Left.Pose.Rot))
	o.rwWorld = o.rw.toWorld(rwb.Mul(ks.Right.Pose.Rot))
	o.grf = o.lwWorld.grf.Add(o.rwWorld.grf)

	if o.cls == nil {
		o.cls = contact.New(o.cfg.contactOptions())
	}
	o.contact = o.cls.Classify(ContactInput{
		LeftFz:     o.lwWorld.filtered.Z,
		RightFz:    o.rwWorld.filtered.Z,
		LeftCoP:    o.lw.cop,
		RightCoP:   o.rw.cop,
		LeftSpeed:  o.dr.LeftFootLinearVel().Norm(),
		RightSpeed: o.dr.RightFootLinearVel().Norm(),
	})
	if o.cfg.SupportIdxProvided && o.hasSupportIdx {
		o.contact.Support = contact.LegFromIndex(o.supportIdx)
	}
	o.pending.LeftWrench, o.pending.RightWrench = false, false

	o.tbs = ks.Left.Pose
	if o.contact.Support == RightLeg {
		o.tbs = ks.Right.Pose
	}

	o.dr.ComputeDeadReckoning(DeadReckoningInput{
		Rwb:     rwb,
		OmegaWB: o.omegawb,
		Rbl:     ks.Left.Pose.Rot,
		Rbr:     ks.Right.Pose.Rot,
		Pbl:     ks.Left.Pose.Trans,
		Pbr:     ks.Right.Pose.Trans,
		Vbl:     ks.Left.LinearVel,
		Vbr:     ks.Right.LinearVel,
		OmegaBL: ks.Left.AngularVel,
		OmegaBR: ks.Right.AngularVel,
		LeftFz:  o.lwWorld.filtered.Z,
		RightFz: o.rwWorld.filtered.Z,
		Acc:     rwb.MulVec(o.acc).Sub(r3.Vector{Z: o.cfg.Gravity}),
	})

	o.prevTwb = o.twb
	o.twb.Trans = o.dr.Odom()
	o.legStepped = true
	o.vwb = o.dr.LinearVel()
	o.comLegOdom = o.twb.Apply(ks.CoM)

	o.pending.LegOdom = true
	o.pending.LegVel = true
	o.pending.CoM = true
	o.pending.Support = true
	if !o.kinematicsInitialized {
		o.kinematicsInitialized = true
		o.log.Infow("kinematics initialized", "base", o.twb.Trans, "support", o.contact.Support)
	}
}

func (o *Orchestrator) seed() estimator.Seed {
	g, a := o.calib.Biases()
	return estimator.Seed{
		Dt:       1 / o.cfg.Freq,
		Position: o.twb.Trans,
		Rotation: o.twb.Rot,
		AccBias:  a,
		GyroBias: g,
	}
}

func (o *Orchestrator) estimateBase() {
	if !o.baseSeeded {
		o.base.Seed(o.seed())
		o.baseSeeded = true
	}
	if o.pending.IMU && !o.pending.PredictedWithIMU {
		o.base.Predict(o.gyro, o.acc)
		o.pending.IMU = false
		o.pending.PredictedWithIMU = true
	}

	if o.pending.PredictedWithIMU {
		o.checkNoMotion()
		o.selectUpdate()
	}
	o.placeFeet(o.base.BodyPose())
}

// checkNoMotion counts leg odometry steps, so IMU ticks without fresh kinematics are skipped.
func (o *Orchestrator) checkNoMotion() {
	if !o.legStepped {
		return
	}
	o.legStepped = false
	was := o.noMotion.Latched()
	now := o.noMotion.Step(o.twb.Trans.Sub(o.prevTwb.Trans).Norm())
	if now != was {
		o.log.Debugw("no-motion latch", "latched", now)
	}
}

// selectUpdate picks the single correction applied to the base filter this tick.
func (o *Orchestrator) selectUpdate() {
	if !o.updated {
		o.upd.seed(o.twb.Trans, o.qwb)
		o.base.UpdateWithLegOdom(o.upd.pos, o.upd.q)
		o.updated = true
		return
	}

	if o.pending.LegOdom {
		o.legDeltaP = o.twb.Trans.Sub(o.prevTwb.Trans)
		o.legDeltaQ = spatial.QuatDelta(o.qwb, o.prevQwb)
	}

	if o.noMotion.Latched() || (o.cfg.Base.UseLegOdom && o.pending.LegOdom) {
		o.upd.advance(o.legDeltaP, o.legDeltaQ)
		o.base.UpdateWithLegOdom(o.upd.pos, o.upd.q)
		o.pending.LegOdom = false
		if o.pending.Odom {
			o.prevOdom = o.odom
			o.pending.Odom = false
		}
		return
	}

	if o.pending.Odom && !o.gate.Diverged() {
		o.applyOdometry()
	}

	switch {
	case o.gate.Diverged() && o.pending.LegOdom:
		o.upd.advance(o.legDeltaP, o.legDeltaQ)
		o.base.UpdateWithTwistRotation(o.vwb, o.upd.q)
		o.pending.LegOdom = false
	case o.pending.LegVel:
		o.base.UpdateWithTwist(o.vwb)
		o.pending.LegVel = false
	}
}

// applyOdometry pushes the external odometry increment through the outlier gate.
func (o *Orchestrator) applyOdometry() {
	qbp := o.ext.BP.Quat()
	dp := o.ext.BP.Rot.MulVec(o.odom.Position.Sub(o.prevOdom.Position))
	dq := spatial.QuatDelta(spatial.QuatMul(qbp, o.odom.Orientation), spatial.QuatMul(qbp, o.prevOdom.Orientation))
	o.upd.advance(dp, dq)
	o.prevOdom = o.odom
	o.pending.Odom = false

	outlier := o.base.UpdateWithOdom(o.upd.pos, o.upd.q, o.cfg.Base.UseOutlierDetection)
	if outlier {
		o.upd.rollback()
		o.log.Infow("odometry outlier rejected", "consecutive", o.gate.Count()+1)
	}
	was := o.gate.Diverged()
	if o.gate.Record(outlier) && !was {
		o.log.Warnw("external odometry diverged, falling back to leg odometry", "outliers", o.gate.Count())
	}
}

func (o *Orchestrator) estimateContactAided() {
	if !o.baseSeeded {
		o.cbase.Seed(o.seed())
		l, r := o.dr.LeftFootPosition(), o.dr.RightFootPosition()
		o.cbase.SeedContacts(r3.Vector{X: l.X, Y: l.Y}, r3.Vector{X: r.X, Y: r.Y})
		o.baseSeeded = true
	}
	if o.pending.IMU && !o.pending.PredictedWithIMU {
		o.cbase.Predict(o.gyro, o.acc, estimator.Feet{
			LeftPos:      o.dr.LeftFootPosition(),
			RightPos:     o.dr.RightFootPosition(),
			LeftRot:      o.dr.LeftFootRotation(),
			RightRot:     o.dr.RightFootRotation(),
			LeftContact:  o.contact.LeftContact,
			RightContact: o.contact.RightContact,
		})
		o.pending.IMU = false
		o.pending.PredictedWithIMU = true
	}
	if o.pending.PredictedWithIMU && o.pending.LegOdom {
		o.cbase.UpdateWithContacts(estimator.ContactMeasurement{
			LeftRel:      o.ks.Left.Pose.Trans,
			RightRel:     o.ks.Right.Pose.Trans,
			LeftNoise:    o.ks.Left.VelNoise,
			RightNoise:   o.ks.Right.VelNoise,
			LeftContact:  o.contact.LeftContact,
			RightContact: o.contact.RightContact,
			LeftProb:     o.contact.LeftProb,
			RightProb:    o.contact.RightProb,
		})
		o.pending.LegOdom = false
	}
	o.placeFeet(o.cbase.BodyPose())
}

func (o *Orchestrator) placeFeet(twb spatial.Pose) {
	o.twl = twb.Compose(o.ks.Left.Pose)
	o.twr = twb.Compose(o.ks.Right.Pose)
	o.tws = twb.Compose(o.tbs)
}

func (o *Orchestrator) baseState() BaseState {
	if o.cfg.Base.ContactAided {
		return o.cbase
	}
	return o.base
}

func (o *Orchestrator) estimateCoM() {
	if !o.comSeeded {
		if !o.pending.CoM {
			return
		}
		c := o.cfg.CoM
		o.com.SetParams(o.cfg.Mass, c.Ixx, c.Iyy, c.Izz, o.cfg.Gravity)
		o.com.Seed(1/o.cfg.FSRFreq, o.comLegOdom, c.ForceBias.R3())
		o.comSeeded = true
	}
	bs := o.baseState()

	// the base filter reports the gyro in the world frame, so its derivative needs no rotation
	if o.pending.LeftFSR && o.pending.RightFSR && !o.pending.PredictedWithCoM {
		o.cop = GlobalCoP(o.twl, o.twr, o.lw.cop, o.rw.cop, o.lw.weight, o.rw.weight)
		o.gdot = o.gyroDot.Next(bs.Gyro())
		o.com.Predict(o.cop, o.grf, o.gdot)
		o.pending.LeftFSR, o.pending.RightFSR = false, false
		o.pending.PredictedWithCoM = true
	}
	if o.pending.CoM && o.pending.PredictedWithCoM {
		acc := bs.Acc().Add(r3.Vector{Z: bs.Gravity()})
		o.com.Update(acc, bs.BodyPose().Apply(o.ks.CoM), bs.Gyro(), o.gdot)
		o.pending.CoM = false
	}
}

func (o *Orchestrator) foot(tw spatial.Pose, vel, omega r3.Vector, w footWrench, inContact bool, prob float64) FootState {
	f := FootState{Pose: tw, LinearVel: vel, AngularVel: omega, Contact: inContact, Prob: prob}
	if o.cfg.DebugMode {
		f.GRF, f.GRT = w.grf, w.grt
	}
	return f
}

func (o *Orchestrator) snapshot() BodyState {
	bs := o.baseState()
	pose := bs.BodyPose()
	s := BodyState{
		Stamp:           o.stamp,
		Position:        pose.Trans,
		Orientation:     pose.Quat(),
		LinearVel:       bs.BodyVelocity(),
		AngularVel:      bs.Gyro(),
		Acc:             bs.Acc(),
		LegOdomPosition: o.twb.Trans,
		LegOdomVel:      o.vwb,
		Support:         o.contact.Support,
		SupportPose:     o.tws,
		CoP:             o.cop,
		NoMotion:        o.noMotion.Latched(),
		Diverged:        o.gate.Diverged(),
		GroundTruth:     o.gt,
		GroundTruthCoM:  o.gtCoM,
		CompareOdom:     o.comp,
	}
	s.Left = o.foot(o.twl, o.dr.LeftFootLinearVel(), o.dr.LeftFootAngularVel(), o.lwWorld, o.contact.LeftContact, o.contact.LeftProb)
	s.Right = o.foot(o.twr, o.dr.RightFootLinearVel(), o.dr.RightFootAngularVel(), o.rwWorld, o.contact.RightContact, o.contact.RightProb)
	s.CoM.LegOdom = o.comLegOdom
	if o.cfg.CoM.Enabled && o.comSeeded {
		s.CoM.Position = o.com.Position()
		s.CoM.Velocity = o.com.Velocity()
		s.CoM.ExternalForce = o.com.ExternalForce()
	}
	return s
}
