package fusion

import (
	"bytes"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"humanoid-engine/attitude"
	"humanoid-engine/contact"
	"humanoid-engine/estimator"
	"humanoid-engine/spatial"
)

// Vec3 is a YAML-friendly 3-vector.
type Vec3 [3]float64

func (v Vec3) R3() r3.Vector { return r3.Vector{X: v[0], Y: v[1], Z: v[2]} }

// Affine is a 4x4 row-major homogeneous transform. An empty list is the identity.
type Affine []float64

func (a Affine) Pose() (spatial.Pose, error) {
	if len(a) == 0 {
		return spatial.IdentityPose(), nil
	}
	return spatial.PoseFromAffine(a)
}

type AttitudeConfig struct {
	UseMahony    bool    `yaml:"use_mahony"`
	MahonyKp     float64 `yaml:"mahony_kp"`
	MahonyKi     float64 `yaml:"mahony_ki"`
	MadgwickGain float64 `yaml:"madgwick_gain"`
}

type FootPolygon struct {
	XMin float64 `yaml:"xmin"`
	XMax float64 `yaml:"xmax"`
	YMin float64 `yaml:"ymin"`
	YMax float64 `yaml:"ymax"`
}

type ContactConfig struct {
	Probabilistic   bool    `yaml:"probabilistic"`
	LegHighThres    float64 `yaml:"leg_high_thres"`
	LegLowThres     float64 `yaml:"leg_low_thres"`
	StrikingContact float64 `yaml:"striking_contact"`
	LosingContact   float64 `yaml:"losing_contact"`
	MedianWindow    int     `yaml:"median_window"`
	VelocityThres   float64 `yaml:"velocity_thres"`

	FootPolygon    FootPolygon `yaml:"foot_polygon"`
	LForceSigma    float64     `yaml:"lforce_sigma"`
	RForceSigma    float64     `yaml:"rforce_sigma"`
	LCoPSigma      float64     `yaml:"lcop_sigma"`
	RCoPSigma      float64     `yaml:"rcop_sigma"`
	LVNormSigma    float64     `yaml:"lvnorm_sigma"`
	RVNormSigma    float64     `yaml:"rvnorm_sigma"`
	WithCoP        bool        `yaml:"with_cop"`
	WithKinematics bool        `yaml:"with_kinematics"`
	Threshold      float64     `yaml:"threshold"`
}

type BaseConfig struct {
	ContactAided            bool    `yaml:"contact_aided"`
	UseLegOdom              bool    `yaml:"use_leg_odom"`
	UseOutlierDetection     bool    `yaml:"use_outlier_detection"`
	AccNoise                float64 `yaml:"acc_noise"`
	GyroNoise               float64 `yaml:"gyro_noise"`
	AccBiasRW               float64 `yaml:"acc_bias_rw"`
	GyroBiasRW              float64 `yaml:"gyro_bias_rw"`
	OdomPositionNoise       Vec3    `yaml:"odom_position_noise"`
	OdomOrientationNoise    float64 `yaml:"odom_orientation_noise"`
	LegOdomPositionNoise    float64 `yaml:"leg_odom_position_noise"`
	LegOdomOrientationNoise float64 `yaml:"leg_odom_orientation_noise"`
	VelocityNoise           Vec3    `yaml:"velocity_noise"`
	ContactRW               float64 `yaml:"contact_rw"`
	MahalanobisTH           float64 `yaml:"mahalanobis_th"`
}

type CoMConfig struct {
	Enabled        bool    `yaml:"enabled"`
	ComQ           float64 `yaml:"com_q"`
	ComdQ          float64 `yaml:"comd_q"`
	FdQ            float64 `yaml:"fd_q"`
	ComR           float64 `yaml:"com_r"`
	ComddR         float64 `yaml:"comdd_r"`
	Ixx            float64 `yaml:"ixx"`
	Iyy            float64 `yaml:"iyy"`
	Izz            float64 `yaml:"izz"`
	ForceBias      Vec3    `yaml:"force_bias"`
	UseGyroLPF     bool    `yaml:"use_gyro_lpf"`
	GyroCutoffFreq float64 `yaml:"gyro_cutoff_freq"`
	MAWindow       int     `yaml:"ma_window"`
}

type CalibrationConfig struct {
	Enabled   bool `yaml:"enabled"`
	MaxCycles int  `yaml:"max_cycles"`
	AccBias   Vec3 `yaml:"acc_bias"`
	GyroBias  Vec3 `yaml:"gyro_bias"`
}

type ExtrinsicsConfig struct {
	TBA   Affine `yaml:"T_B_A"`
	TBG   Affine `yaml:"T_B_G"`
	TBP   Affine `yaml:"T_B_P"`
	TBGT  Affine `yaml:"T_B_GT"`
	TFTLL Affine `yaml:"T_FT_LL"`
	TFTRL Affine `yaml:"T_FT_RL"`
}

// SenderConfig is one publish target.
type SenderConfig struct {
	Addr string `yaml:"addr"`
	Port int    `yaml:"port"`
	Type string `yaml:"type"`
	Mask uint32 `yaml:"mask"`
}

type Config struct {
	Freq            float64 `yaml:"freq"`
	FSRFreq         float64 `yaml:"fsr_freq"`
	JointFreq       float64 `yaml:"joint_freq"`
	JointCutoffFreq float64 `yaml:"joint_cutoff_freq"`
	JointNoise      float64 `yaml:"joint_noise_density"`
	Mass            float64 `yaml:"mass"`
	Gravity         float64 `yaml:"gravity"`
	Tau0            float64 `yaml:"tau0"`
	Tau1            float64 `yaml:"tau1"`
	UseBodyVelCF    bool    `yaml:"use_body_vel_cf"`
	FreqVMin        float64 `yaml:"freqvmin"`
	FreqVMax        float64 `yaml:"freqvmax"`

	NoMotionThreshold float64 `yaml:"no_motion_threshold"`
	NoMotionCycles    int     `yaml:"no_motion_cycles"`
	OutlierLimit      int     `yaml:"outlier_limit"`

	SupportIdxProvided bool `yaml:"support_idx_provided"`
	DebugMode          bool `yaml:"debug_mode"`

	Attitude    AttitudeConfig    `yaml:"attitude"`
	Contact     ContactConfig     `yaml:"contact"`
	Base        BaseConfig        `yaml:"base"`
	CoM         CoMConfig         `yaml:"com"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Extrinsics  ExtrinsicsConfig  `yaml:"extrinsics"`
	Publish     []SenderConfig    `yaml:"publish"`
}

// DefaultConfig returns the stock parameters.
func DefaultConfig() *Config {
	n := estimator.DefaultNoise()
	cn := estimator.DefaultCoMNoise()
	return &Config{
		Freq:              DefaultFreq,
		FSRFreq:           DefaultFreq,
		JointFreq:         DefaultJointFreq,
		JointCutoffFreq:   JointCutoffFreq,
		JointNoise:        JointNoise,
		Mass:              DefaultMass,
		Gravity:           DefaultGravity,
		Tau0:              DefaultTau0,
		Tau1:              DefaultTau1,
		FreqVMin:          DefaultFreqVMin,
		FreqVMax:          DefaultFreqVMax,
		NoMotionThreshold: NoMotionThreshold,
		NoMotionCycles:    NoMotionCycles,
		OutlierLimit:      OutlierLimit,
		Attitude: AttitudeConfig{
			UseMahony:    true,
			MahonyKp:     MahonyKp,
			MahonyKi:     MahonyKi,
			MadgwickGain: MadgwickGain,
		},
		Contact: ContactConfig{
			LegHighThres:    20,
			LegLowThres:     15,
			StrikingContact: 5,
			LosingContact:   LosingContact,
			MedianWindow:    MedianWindow,
			VelocityThres:   VelocityThres,
			FootPolygon:     FootPolygon{XMin: -0.103, XMax: 0.107, YMin: -0.055, YMax: 0.055},
			LForceSigma:     2.2734,
			RForceSigma:     5.6421,
			LCoPSigma:       0.005,
			RCoPSigma:       0.005,
			LVNormSigma:     0.1,
			RVNormSigma:     0.1,
			WithCoP:         true,
			WithKinematics:  true,
			Threshold:       0.95,
		},
		Base: BaseConfig{
			UseLegOdom:              true,
			UseOutlierDetection:     true,
			AccNoise:                n.Acc,
			GyroNoise:               n.Gyro,
			AccBiasRW:               n.AccBiasRW,
			GyroBiasRW:              n.GyroBiasRW,
			OdomPositionNoise:       Vec3{n.OdomPos.X, n.OdomPos.Y, n.OdomPos.Z},
			OdomOrientationNoise:    n.OdomOrient,
			LegOdomPositionNoise:    n.LegOdomPos,
			LegOdomOrientationNoise: n.LegOdomOrient,
			VelocityNoise:           Vec3{n.Vel.X, n.Vel.Y, n.Vel.Z},
			ContactRW:               n.ContactRW,
			MahalanobisTH:           n.MahalanobisTH,
		},
		CoM: CoMConfig{
			Enabled:        true,
			ComQ:           cn.Com,
			ComdQ:          cn.Comd,
			FdQ:            cn.Fd,
			ComR:           cn.ComR,
			ComddR:         cn.ComddR,
			GyroCutoffFreq: GyroCutoffFreq,
			MAWindow:       GyroMAWindow,
		},
		Calibration: CalibrationConfig{
			Enabled:   true,
			MaxCycles: CalibrationMax,
		},
	}
}

// LoadConfig reads a YAML file over the defaults. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

func positive(name string, v float64) error {
	if v <= 0 {
		return errors.Errorf("%s must be positive, got %v", name, v)
	}
	return nil
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var err error
	err = multierr.Append(err, positive("freq", c.Freq))
	err = multierr.Append(err, positive("fsr_freq", c.FSRFreq))
	err = multierr.Append(err, positive("joint_freq", c.JointFreq))
	err = multierr.Append(err, positive("mass", c.Mass))
	err = multierr.Append(err, positive("gravity", c.Gravity))
	err = multierr.Append(err, positive("tau0", c.Tau0))
	err = multierr.Append(err, positive("tau1", c.Tau1))
	err = multierr.Append(err, positive("no_motion_threshold", c.NoMotionThreshold))
	if c.JointCutoffFreq <= 0 || c.JointCutoffFreq >= c.JointFreq/2 {
		err = multierr.Append(err, errors.Errorf("joint_cutoff_freq %v outside (0, %v)", c.JointCutoffFreq, c.JointFreq/2))
	}
	if c.NoMotionCycles < 1 {
		err = multierr.Append(err, errors.New("no_motion_cycles must be at least 1"))
	}
	if c.OutlierLimit < 1 {
		err = multierr.Append(err, errors.New("outlier_limit must be at least 1"))
	}
	if c.Contact.MedianWindow < 1 {
		err = multierr.Append(err, errors.New("contact.median_window must be at least 1"))
	}
	if c.Contact.LegLowThres > c.Contact.LegHighThres {
		err = multierr.Append(err, errors.New("contact.leg_low_thres above leg_high_thres"))
	}
	if c.Calibration.Enabled && c.Calibration.MaxCycles < 0 {
		err = multierr.Append(err, errors.New("calibration.max_cycles is negative"))
	}
	if c.CoM.Enabled {
		if c.CoM.UseGyroLPF {
			if c.CoM.GyroCutoffFreq <= 0 || c.CoM.GyroCutoffFreq >= c.Freq/2 {
				err = multierr.Append(err, errors.Errorf("com.gyro_cutoff_freq %v outside (0, %v)", c.CoM.GyroCutoffFreq, c.Freq/2))
			}
		} else if c.CoM.MAWindow < 1 {
			err = multierr.Append(err, errors.New("com.ma_window must be at least 1"))
		}
	}
	_, perr := c.Extrinsics.Resolve()
	return multierr.Append(err, perr)
}

// Extrinsics are the resolved sensor mounting transforms.
type Extrinsics struct {
	BA, BG, BP, BGT, FTLL, FTRL spatial.Pose
}

func (e ExtrinsicsConfig) Resolve() (Extrinsics, error) {
	var out Extrinsics
	var err error
	for _, f := range []struct {
		name string
		in   Affine
		dst  *spatial.Pose
	}{
		{"T_B_A", e.TBA, &out.BA},
		{"T_B_G", e.TBG, &out.BG},
		{"T_B_P", e.TBP, &out.BP},
		{"T_B_GT", e.TBGT, &out.BGT},
		{"T_FT_LL", e.TFTLL, &out.FTLL},
		{"T_FT_RL", e.TFTRL, &out.FTRL},
	} {
		p, perr := f.in.Pose()
		if perr != nil {
			err = multierr.Append(err, errors.Wrap(perr, f.name))
			continue
		}
		*f.dst = p
	}
	return out, err
}

func (c *Config) deadReckoningOptions() DeadReckoningOptions {
	return DeadReckoningOptions{
		Mass:         c.Mass,
		Tm:           c.Tau0,
		Ef:           c.Tau1,
		Freq:         c.JointFreq,
		Gravity:      c.Gravity,
		UseBodyVelCF: c.UseBodyVelCF,
		FreqVMin:     c.FreqVMin,
		FreqVMax:     c.FreqVMax,
	}
}

func (c *Config) attitudeOptions() attitude.Options {
	return attitude.Options{
		Freq:      c.Freq,
		UseMahony: c.Attitude.UseMahony,
		Kp:        c.Attitude.MahonyKp,
		Ki:        c.Attitude.MahonyKi,
		Beta:      c.Attitude.MadgwickGain,
	}
}

func (c *Config) contactOptions() contact.Options {
	cc := c.Contact
	return contact.Options{
		Probabilistic: cc.Probabilistic,
		Schmitt: contact.SchmittOptions{
			High:     cc.LegHighThres,
			Low:      cc.LegLowThres,
			Striking: cc.StrikingContact,
		},
		Prob: contact.ProbabilisticOptions{
			LosingContact:   cc.LosingContact,
			LeftForceSigma:  cc.LForceSigma,
			RightForceSigma: cc.RForceSigma,
			LeftCoPSigma:    cc.LCoPSigma,
			RightCoPSigma:   cc.RCoPSigma,
			LeftSpeedSigma:  cc.LVNormSigma,
			RightSpeedSigma: cc.RVNormSigma,
			VelocityThres:   cc.VelocityThres,
			Foot: contact.Polygon{
				XMin: cc.FootPolygon.XMin,
				XMax: cc.FootPolygon.XMax,
				YMin: cc.FootPolygon.YMin,
				YMax: cc.FootPolygon.YMax,
			},
			UseCoP:        cc.WithCoP,
			UseKinematics: cc.WithKinematics,
			Threshold:     cc.Threshold,
		},
	}
}

func (c *Config) noise() estimator.Noise {
	b := c.Base
	return estimator.Noise{
		Acc:           b.AccNoise,
		Gyro:          b.GyroNoise,
		AccBiasRW:     b.AccBiasRW,
		GyroBiasRW:    b.GyroBiasRW,
		OdomPos:       b.OdomPositionNoise.R3(),
		OdomOrient:    b.OdomOrientationNoise,
		LegOdomPos:    b.LegOdomPositionNoise,
		LegOdomOrient: b.LegOdomOrientationNoise,
		Vel:           b.VelocityNoise.R3(),
		ContactRW:     b.ContactRW,
		Gravity:       c.Gravity,
		MahalanobisTH: b.MahalanobisTH,
	}
}

func (c *Config) comNoise() estimator.CoMNoise {
	return estimator.CoMNoise{Com: c.CoM.ComQ, Comd: c.CoM.ComdQ, Fd: c.CoM.FdQ, ComR: c.CoM.ComR, ComddR: c.CoM.ComddR}
}
