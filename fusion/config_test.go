package fusion

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "estimator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	dr := cfg.deadReckoningOptions()
	assert.Equal(t, DefaultTau0, dr.Tm)
	assert.Equal(t, DefaultTau1, dr.Ef)
	assert.Equal(t, cfg.JointFreq, dr.Freq)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
freq: 200
mass: 40
support_idx_provided: true
base:
  contact_aided: true
  odom_position_noise: [0.01, 0.02, 0.03]
contact:
  probabilistic: true
extrinsics:
  T_B_G: [1, 0, 0, 0.1,
          0, 1, 0, 0,
          0, 0, 1, 0,
          0, 0, 0, 1]
publish:
  - addr: 127.0.0.1
    port: 9000
    type: udp
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 200.0, cfg.Freq)
	assert.Equal(t, 40.0, cfg.Mass)
	assert.True(t, cfg.SupportIdxProvided)
	assert.True(t, cfg.Base.ContactAided)
	assert.Equal(t, Vec3{0.01, 0.02, 0.03}, cfg.Base.OdomPositionNoise)
	assert.True(t, cfg.contactOptions().Probabilistic)
	require.Len(t, cfg.Publish, 1)
	assert.Equal(t, 9000, cfg.Publish[0].Port)

	// untouched keys keep their defaults
	assert.Equal(t, DefaultGravity, cfg.Gravity)
	assert.Equal(t, MedianWindow, cfg.Contact.MedianWindow)

	ext, err := cfg.Extrinsics.Resolve()
	require.NoError(t, err)
	assert.Equal(t, 0.1, ext.BG.Trans.X)
	assert.Equal(t, 0.0, ext.BA.Trans.X)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "frequency: 100\n"))
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Freq = 0
	cfg.Mass = -1
	cfg.OutlierLimit = 0
	cfg.Extrinsics.TBA = Affine{1, 2, 3}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 4)
}

func TestShippedConfig(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "configs", "estimator.yaml"))
	require.NoError(t, err)
	require.Len(t, cfg.Publish, 2)
	assert.Equal(t, uint32(0x0f), cfg.Publish[0].Mask)
	assert.Equal(t, "tcp", cfg.Publish[1].Type)
	assert.True(t, cfg.CoM.Enabled)
}
