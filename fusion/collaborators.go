package fusion

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"humanoid-engine/contact"
	"humanoid-engine/estimator"
	"humanoid-engine/spatial"
)

// Contact types are shared with the classifier package.
type (
	Leg           = contact.Leg
	ContactInput  = contact.Input
	ContactSample = contact.Sample
)

const (
	LeftLeg  = contact.LeftLeg
	RightLeg = contact.RightLeg
)

// AttitudeSample is the latest output of the attitude filter.
type AttitudeSample struct {
	Rotation   spatial.Mat3
	AngularVel r3.Vector
}

// FootKinematics is one foot relative to the base frame.
type FootKinematics struct {
	Pose       spatial.Pose
	LinearVel  r3.Vector
	AngularVel r3.Vector
	// VelNoise is the linear velocity covariance propagated from the joint noise.
	VelNoise spatial.Mat3
}

// KinematicSample is the forward and differential kinematics of one joint-state sample.
type KinematicSample struct {
	Left, Right FootKinematics
	CoM         r3.Vector
}

type AttitudeEstimator interface {
	Update(gyro, acc r3.Vector)
	Rotation() spatial.Mat3
	AngularVelocity() r3.Vector
}

type KinematicsProvider interface {
	Compute(positions, velocities map[string]float64, jointNoise float64) (KinematicSample, error)
}

type ContactClassifier interface {
	Classify(in ContactInput) ContactSample
}

// BaseState is the read side shared by both base estimator formulations.
type BaseState interface {
	Seed(s estimator.Seed)
	BodyPose() spatial.Pose
	BodyVelocity() r3.Vector
	Acc() r3.Vector
	Gyro() r3.Vector
	Gravity() float64
}

// BaseEstimator is the loosely coupled base filter.
type BaseEstimator interface {
	BaseState
	Predict(gyro, acc r3.Vector)
	UpdateWithLegOdom(pos r3.Vector, q quat.Number)
	UpdateWithOdom(pos r3.Vector, q quat.Number, outlierDetection bool) (outlier bool)
	UpdateWithTwist(v r3.Vector)
	UpdateWithTwistRotation(v r3.Vector, q quat.Number)
}

// ContactAidedEstimator is the base filter that carries the contact points in its state.
type ContactAidedEstimator interface {
	BaseState
	SeedContacts(left, right r3.Vector)
	Predict(gyro, acc r3.Vector, feet estimator.Feet)
	UpdateWithContacts(m estimator.ContactMeasurement)
}

type CoMEstimator interface {
	SetParams(m, ixx, iyy, izz, g float64)
	Seed(dt float64, pos, forceBias r3.Vector)
	Predict(cop, grf, angAcc r3.Vector)
	Update(acc, comPos, gyro, angAcc r3.Vector)
	Position() r3.Vector
	Velocity() r3.Vector
	ExternalForce() r3.Vector
}

// Collaborators are the pluggable pieces of the pipeline. Kinematics is required; nil fields
// are built from the configuration.
type Collaborators struct {
	Attitude    AttitudeEstimator
	Kinematics  KinematicsProvider
	Contact     ContactClassifier
	Base        BaseEstimator
	ContactBase ContactAidedEstimator
	CoM         CoMEstimator
}
