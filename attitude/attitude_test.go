package attitude

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"humanoid-engine/spatial"
)

const g = 9.81

func filtersUnderTest() map[string]Filter {
	return map[string]Filter{
		"mahony":   New(Options{Freq: 100, UseMahony: true, Kp: 2, Ki: 0}),
		"madgwick": New(Options{Freq: 100, Beta: 0.1}),
	}
}

func TestLevelAndStillStaysIdentity(t *testing.T) {
	for name, f := range filtersUnderTest() {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 500; i++ {
				f.Update(r3.Vector{}, r3.Vector{Z: g})
			}
			assert.Less(t, f.Rotation().MaxAbsDiff(spatial.Identity()), 1e-9)
			assert.InDelta(t, 0, f.AngularVelocity().Norm(), 1e-12)
		})
	}
}

func TestConvergesToTilt(t *testing.T) {
	tilt := spatial.ExpSO3(r3.Vector{X: 0.2, Y: -0.1})
	acc := tilt.T().MulVec(r3.Vector{Z: g})
	for name, f := range filtersUnderTest() {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3000; i++ {
				f.Update(r3.Vector{}, acc)
			}
			up := f.Rotation().MulVec(acc.Normalize())
			assert.InDelta(t, 1, up.Z, 1e-4)
			assert.InDelta(t, 0, up.X, 1e-2)
			assert.InDelta(t, 0, up.Y, 1e-2)
		})
	}
}

func TestIntegratesYawRate(t *testing.T) {
	for name, f := range filtersUnderTest() {
		t.Run(name, func(t *testing.T) {
			gyro := r3.Vector{Z: 1}
			for i := 0; i < 100; i++ {
				f.Update(gyro, r3.Vector{Z: g})
			}
			yaw := spatial.QuatToRotVec(f.Quaternion())
			assert.InDelta(t, 1.0, yaw.Z, 1e-3)
			assert.InDelta(t, 1.0, f.AngularVelocity().Z, 1e-12)
		})
	}
}

func TestSetQuaternion(t *testing.T) {
	m := NewMahony(100, 0.25, 0)
	q := spatial.RotVecToQuat(r3.Vector{Z: 0.5})
	m.SetQuaternion(q)
	require.InDelta(t, 0.5, spatial.QuatToRotVec(m.Quaternion()).Z, 1e-12)
}
