package contact

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchmittHysteresis(t *testing.T) {
	s := NewSchmitt(SchmittOptions{High: 20, Low: 15, Striking: 5})

	out := s.Classify(Input{LeftFz: 18, RightFz: 0})
	assert.False(t, out.LeftContact, "inside the band without prior contact")

	out = s.Classify(Input{LeftFz: 25, RightFz: 0})
	assert.True(t, out.LeftContact)
	assert.Equal(t, LeftLeg, out.Support)

	out = s.Classify(Input{LeftFz: 16, RightFz: 0})
	assert.True(t, out.LeftContact, "band keeps previous state")

	out = s.Classify(Input{LeftFz: 10, RightFz: 0})
	assert.False(t, out.LeftContact)
}

func TestSchmittSupportSwitch(t *testing.T) {
	s := NewSchmitt(SchmittOptions{High: 20, Low: 15, Striking: 5})
	s.Classify(Input{LeftFz: 40, RightFz: 0})

	out := s.Classify(Input{LeftFz: 30, RightFz: 33})
	assert.True(t, out.LeftContact && out.RightContact)
	assert.Equal(t, LeftLeg, out.Support, "margin below striking keeps support")

	out = s.Classify(Input{LeftFz: 30, RightFz: 36})
	assert.Equal(t, RightLeg, out.Support)
	assert.InDelta(t, 30.0/66, out.LeftProb, 1e-12)
	assert.InDelta(t, 1, out.LeftProb+out.RightProb, 1e-12)

	out = s.Classify(Input{LeftFz: 0, RightFz: 0})
	assert.False(t, out.LeftContact || out.RightContact)
	assert.Equal(t, RightLeg, out.Support, "no contact keeps last support")
	assert.Equal(t, 0.0, out.LeftProb)
}

func defaultProb() ProbabilisticOptions {
	return ProbabilisticOptions{
		LosingContact:   5,
		LeftForceSigma:  2.2734,
		RightForceSigma: 5.6421,
		LeftCoPSigma:    0.005,
		RightCoPSigma:   0.005,
		LeftSpeedSigma:  0.1,
		RightSpeedSigma: 0.1,
		VelocityThres:   0.5,
		Foot:            Polygon{XMin: -0.103, XMax: 0.107, YMin: -0.055, YMax: 0.055},
		Threshold:       0.95,
	}
}

func TestProbabilisticForceOnly(t *testing.T) {
	p := New(Options{Probabilistic: true, Prob: defaultProb()})
	out := p.Classify(Input{LeftFz: 40, RightFz: 1})
	assert.True(t, out.LeftContact)
	assert.False(t, out.RightContact)
	assert.Equal(t, LeftLeg, out.Support)
	assert.Greater(t, out.LeftProb, 0.99)
	assert.Less(t, out.RightProb, 0.5)

	out = p.Classify(Input{LeftFz: 0, RightFz: 60})
	assert.Equal(t, RightLeg, out.Support)
}

func TestProbabilisticCoPAndSpeed(t *testing.T) {
	o := defaultProb()
	o.UseCoP = true
	o.UseKinematics = true
	p := NewProbabilistic(o)

	inside := p.Classify(Input{LeftFz: 40, RightFz: 40, LeftSpeed: 0, RightSpeed: 0})
	require.True(t, inside.LeftContact)
	require.True(t, inside.RightContact)

	out := p.Classify(Input{LeftFz: 40, RightFz: 40, LeftCoP: r3.Vector{X: 0.2}})
	assert.False(t, out.LeftContact, "CoP outside the foot polygon")
	assert.Equal(t, RightLeg, out.Support)

	out = p.Classify(Input{LeftFz: 40, RightFz: 40, RightSpeed: 2})
	assert.False(t, out.RightContact, "sliding foot")
	assert.Equal(t, LeftLeg, out.Support)
}

func TestLegFromIndex(t *testing.T) {
	assert.Equal(t, LeftLeg, LegFromIndex(1))
	assert.Equal(t, RightLeg, LegFromIndex(0))
	assert.Equal(t, "RLeg", RightLeg.String())
}
