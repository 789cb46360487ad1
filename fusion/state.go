package fusion

import (
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"humanoid-engine/spatial"
)

// FootState is one foot's published estimate. GRF and GRT are only filled in debug mode.
type FootState struct {
	Pose       spatial.Pose `json:"pose"`
	LinearVel  r3.Vector    `json:"linear_vel"`
	AngularVel r3.Vector    `json:"angular_vel"`
	GRF        r3.Vector    `json:"grf"`
	GRT        r3.Vector    `json:"grt"`
	Contact    bool         `json:"contact"`
	Prob       float64      `json:"prob"`
}

type CoMState struct {
	Position      r3.Vector `json:"position"`
	Velocity      r3.Vector `json:"velocity"`
	ExternalForce r3.Vector `json:"external_force"`
	// LegOdom is the kinematic CoM placed with the leg-odometry base pose.
	LegOdom r3.Vector `json:"leg_odom"`
}

// BodyState is everything published after a tick.
type BodyState struct {
	Stamp time.Time `json:"stamp"`

	Position    r3.Vector   `json:"position"`
	Orientation quat.Number `json:"orientation"`
	LinearVel   r3.Vector   `json:"linear_vel"`
	AngularVel  r3.Vector   `json:"angular_vel"`
	// Acc is the world-frame acceleration with gravity removed.
	Acc r3.Vector `json:"acc"`

	LegOdomPosition r3.Vector `json:"leg_odom_position"`
	LegOdomVel      r3.Vector `json:"leg_odom_vel"`

	Left        FootState    `json:"left"`
	Right       FootState    `json:"right"`
	Support     Leg          `json:"support"`
	SupportPose spatial.Pose `json:"support_pose"`

	CoM CoMState  `json:"com"`
	CoP r3.Vector `json:"cop"`

	NoMotion bool `json:"no_motion"`
	Diverged bool `json:"diverged"`

	GroundTruth    *PoseSample `json:"ground_truth,omitempty"`
	GroundTruthCoM *r3.Vector  `json:"ground_truth_com,omitempty"`
	CompareOdom    *PoseSample `json:"compare_odom,omitempty"`
}

// SupportName is the support leg as published ("LLeg" or "RLeg").
func (s BodyState) SupportName() string { return s.Support.String() }
