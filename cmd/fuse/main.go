package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"humanoid-engine/binlog"
	"humanoid-engine/fusion"
	"humanoid-engine/kinematics"
	"humanoid-engine/logging"
	"humanoid-engine/server"
	"humanoid-engine/store"
)

func main() {
	app := &cli.App{
		Name:      "fuse",
		Usage:     "run the estimator offline over a frame recording",
		ArgsUsage: "<recording.pcap>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "estimator YAML config (defaults when empty)"},
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "robot kinematic model YAML", Required: true},
			&cli.StringFlag{Name: "out", Value: "fused.csv", Usage: "output CSV path"},
			&cli.StringFlag{Name: "db", Usage: "also store every state in this sqlite database"},
			&cli.StringFlag{Name: "log-level", Value: "info"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fuse:", err)
		os.Exit(1)
	}
}

var header = []string{
	"stamp_ns", "x_m", "y_m", "z_m", "qw", "qx", "qy", "qz",
	"vx", "vy", "vz", "com_x", "com_y", "com_z", "support", "no_motion", "gt_x_m", "gt_y_m", "gt_z_m",
}

func row(s fusion.BodyState) []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 5, 64) }
	q := s.Orientation
	r := []string{
		strconv.FormatInt(s.Stamp.UnixNano(), 10),
		f(s.Position.X), f(s.Position.Y), f(s.Position.Z),
		f(q.Real), f(q.Imag), f(q.Jmag), f(q.Kmag),
		f(s.LinearVel.X), f(s.LinearVel.Y), f(s.LinearVel.Z),
		f(s.CoM.Position.X), f(s.CoM.Position.Y), f(s.CoM.Position.Z),
		s.SupportName(), strconv.FormatBool(s.NoMotion),
	}
	if gt := s.GroundTruth; gt != nil {
		return append(r, f(gt.Position.X), f(gt.Position.Y), f(gt.Position.Z))
	}
	return append(r, "", "", "")
}

// summary tracks the trajectory extent and the error against ground truth when present.
type summary struct {
	states   int
	min, max r3.Vector
	sqErr    []float64
}

func (s *summary) add(st fusion.BodyState) {
	p := st.Position
	if s.states == 0 {
		s.min, s.max = p, p
	}
	s.min = r3.Vector{X: math.Min(s.min.X, p.X), Y: math.Min(s.min.Y, p.Y), Z: math.Min(s.min.Z, p.Z)}
	s.max = r3.Vector{X: math.Max(s.max.X, p.X), Y: math.Max(s.max.Y, p.Y), Z: math.Max(s.max.Z, p.Z)}
	s.states++
	if st.GroundTruth != nil {
		s.sqErr = append(s.sqErr, p.Sub(st.GroundTruth.Position).Norm2())
	}
}

func (s *summary) log(logger *zap.SugaredLogger) {
	logger.Infow("trajectory", "states", s.states, "min", s.min, "max", s.max)
	if len(s.sqErr) > 0 {
		logger.Infow("ground truth error", "samples", len(s.sqErr), "rmse_m", math.Sqrt(stat.Mean(s.sqErr, nil)))
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("exactly one recording is required", 2)
	}
	logger, err := logging.New(c.String("log-level"), false)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	cfg := fusion.DefaultConfig()
	if path := c.String("config"); path != "" {
		if cfg, err = fusion.LoadConfig(path); err != nil {
			return err
		}
	}
	model, err := kinematics.Load(c.String("model"))
	if err != nil {
		return err
	}
	orch, err := fusion.NewOrchestrator(cfg, fusion.Collaborators{Kinematics: model}, logger.Named("fusion"))
	if err != nil {
		return err
	}
	var db *store.Recorder
	if path := c.String("db"); path != "" {
		if db, err = store.Open(path, "offline "+c.Args().First(), logger.Named("store")); err != nil {
			return err
		}
		orch.AddPublisher(db)
	}

	out, err := os.Create(c.String("out"))
	if err != nil {
		return errors.Wrap(err, "create output")
	}
	w := csv.NewWriter(out)
	_ = w.Write(header)

	r, err := binlog.Open(c.Args().First())
	if err != nil {
		out.Close()
		return err
	}
	defer r.Close()

	var sum summary
	disp := server.NewDispatcher(orch, logger.Named("dispatch"))
	tick := func() {
		st, ok := orch.Tick()
		if !ok {
			return
		}
		sum.add(st)
		_ = w.Write(row(st))
		if db != nil {
			if perr := db.Publish(st); perr != nil {
				logger.Warnw("store failed", "error", perr)
			}
		}
	}

	for {
		rec, rerr := r.Next()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			err = rerr
			break
		}
		// frames go through one at a time so every IMU sample gets its own tick
		server.Scan(rec.Payload, func(h server.Header, body []byte) {
			disp.HandleBatch(server.Encode(h.Type, h.Stamp, body))
			if h.Type == server.TypeIMU {
				tick()
			}
		})
	}

	w.Flush()
	err = multierr.Combine(err, w.Error(), out.Close(), orch.Close())
	sum.log(logger)
	st := disp.Stats()
	logger.Infow("fused", "out", c.String("out"), "frames", st.Frames, "errors", st.Errors, "skipped", st.Skipped+r.Skipped())
	return err
}
