// Package kinematics computes foot poses, foot twists and the whole-body CoM of a biped from its
// joint encoders. The robot is described by two serial chains of revolute joints hanging from
// the base frame.
package kinematics

import (
	"bytes"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"humanoid-engine/fusion"
	"humanoid-engine/spatial"
)

// Joint is one revolute joint. Origin is the joint position in its parent's frame at zero angle.
type Joint struct {
	Name   string      `yaml:"name"`
	Axis   fusion.Vec3 `yaml:"axis"`
	Origin fusion.Vec3 `yaml:"origin"`
	// Mass and CoM describe the link driven by this joint, CoM in the joint frame.
	Mass float64     `yaml:"mass"`
	CoM  fusion.Vec3 `yaml:"com"`
}

// Chain runs from the base to a sole. Sole is the sole frame origin in the last joint frame.
type Chain struct {
	Joints []Joint     `yaml:"joints"`
	Sole   fusion.Vec3 `yaml:"sole"`
}

// Model is the kinematic description loaded from YAML.
type Model struct {
	Name     string      `yaml:"name"`
	BaseMass float64     `yaml:"base_mass"`
	BaseCoM  fusion.Vec3 `yaml:"base_com"`
	Left     Chain       `yaml:"left"`
	Right    Chain       `yaml:"right"`
}

// Load reads and validates a model file.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read model")
	}
	m, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "model %s", path)
	}
	return m, nil
}

func Parse(data []byte) (*Model, error) {
	var m Model
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Wrap(err, "decode model")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks for empty chains, degenerate axes, negative masses and duplicate joint names.
func (m *Model) Validate() error {
	var err error
	seen := map[string]bool{}
	for _, c := range []struct {
		leg   string
		chain Chain
	}{{fusion.LeftLegName, m.Left}, {fusion.RightLegName, m.Right}} {
		if len(c.chain.Joints) == 0 {
			err = multierr.Append(err, errors.Errorf("%s has no joints", c.leg))
		}
		for i, j := range c.chain.Joints {
			if j.Name == "" {
				err = multierr.Append(err, errors.Errorf("%s joint %d has no name", c.leg, i))
			} else if seen[j.Name] {
				err = multierr.Append(err, errors.Errorf("joint %q declared twice", j.Name))
			}
			seen[j.Name] = true
			if j.Axis.R3().Norm() < 1e-9 {
				err = multierr.Append(err, errors.Errorf("joint %q has a zero axis", j.Name))
			}
			if j.Mass < 0 {
				err = multierr.Append(err, errors.Errorf("joint %q has negative mass", j.Name))
			}
		}
	}
	if m.BaseMass < 0 {
		err = multierr.Append(err, errors.New("base mass is negative"))
	}
	return err
}

// JointNames lists every joint, left chain first.
func (m *Model) JointNames() []string {
	names := make([]string, 0, len(m.Left.Joints)+len(m.Right.Joints))
	for _, j := range m.Left.Joints {
		names = append(names, j.Name)
	}
	for _, j := range m.Right.Joints {
		names = append(names, j.Name)
	}
	return names
}

// TotalMass is the sum of the base and link masses.
func (m *Model) TotalMass() float64 {
	total := m.BaseMass
	for _, c := range []Chain{m.Left, m.Right} {
		for _, j := range c.Joints {
			total += j.Mass
		}
	}
	return total
}

// jointPose is the transform contributed by joint j at angle q.
func jointPose(j Joint, q float64) spatial.Pose {
	axis := j.Axis.R3().Normalize()
	return spatial.Pose{Rot: spatial.ExpSO3(axis.Mul(q)), Trans: j.Origin.R3()}
}

// frames returns the base-frame pose of every joint frame in the chain followed by the sole.
func (c Chain) frames(q []float64) []spatial.Pose {
	out := make([]spatial.Pose, 0, len(c.Joints)+1)
	t := spatial.IdentityPose()
	for i, j := range c.Joints {
		t = t.Compose(jointPose(j, q[i]))
		out = append(out, t)
	}
	return append(out, t.Compose(spatial.Pose{Rot: spatial.Identity(), Trans: c.Sole.R3()}))
}

// sole is the base-frame sole position for the joint angles q.
func (c Chain) sole(q []float64) r3.Vector {
	f := c.frames(q)
	return f[len(f)-1].Trans
}
