// Package contact labels foot stance from filtered foot wrenches.
package contact

import (
	"github.com/golang/geo/r3"
)

// Leg identifies a foot.
type Leg int

const (
	LeftLeg Leg = iota
	RightLeg
)

func (l Leg) String() string {
	if l == RightLeg {
		return "RLeg"
	}
	return "LLeg"
}

// LegFromIndex maps an externally supplied support index: 1 is the left leg, anything else the right.
func LegFromIndex(idx int) Leg {
	if idx == 1 {
		return LeftLeg
	}
	return RightLeg
}

// Input is one classification request. Forces are the median-filtered vertical components,
// CoPs are in the foot frame and speeds are foot linear speeds in the world frame.
type Input struct {
	LeftFz, RightFz       float64
	LeftCoP, RightCoP     r3.Vector
	LeftSpeed, RightSpeed float64
}

// Sample is the stance decision for one cycle.
type Sample struct {
	Support                   Leg
	LeftContact, RightContact bool
	LeftProb, RightProb       float64
}

// Classifier turns wrench evidence into a stance decision. Implementations keep hysteresis state.
type Classifier interface {
	Classify(in Input) Sample
}

// Options selects the classifier family.
type Options struct {
	Probabilistic bool
	Schmitt       SchmittOptions
	Prob          ProbabilisticOptions
}

// New builds the classifier selected by o.
func New(o Options) Classifier {
	if o.Probabilistic {
		return NewProbabilistic(o.Prob)
	}
	return NewSchmitt(o.Schmitt)
}

// forceWeights splits unit weight between the feet proportionally to their vertical force.
func forceWeights(lfz, rfz float64) (float64, float64) {
	if lfz < 0 {
		lfz = 0
	}
	if rfz < 0 {
		rfz = 0
	}
	total := lfz + rfz
	if total <= 0 {
		return 0, 0
	}
	return lfz / total, rfz / total
}
