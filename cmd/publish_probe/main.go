package main

import (
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/urfave/cli/v2"

	"humanoid-engine/fusion"
	"humanoid-engine/logging"
	"humanoid-engine/publish"
	"humanoid-engine/spatial"
)

// publish_probe sends a synthetic walking state to publish targets so receivers can be checked
// without a robot.
func main() {
	app := &cli.App{
		Name:  "publish_probe",
		Usage: "send synthetic states to UDP/TCP publish targets",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "udp", Value: "127.0.0.1:5555", Usage: "UDP destination (empty to disable)"},
			&cli.StringFlag{Name: "tcp", Usage: "TCP destination"},
			&cli.UintFlag{Name: "udp-mask", Value: uint(publish.FlagBase | publish.FlagContact)},
			&cli.UintFlag{Name: "tcp-mask", Value: uint(publish.FlagAll)},
			&cli.StringFlag{Name: "hdr", Value: "PROBE", Usage: "header string"},
			&cli.Float64Flag{Name: "rate", Value: 10, Usage: "states per second"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "publish_probe:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger, err := logging.New("info", false)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	sender := publish.NewSender(logger)
	sender.SetHeader(c.String("hdr"))
	if addr := c.String("udp"); addr != "" {
		if err := sender.AddUDPSender(addr, uint32(c.Uint("udp-mask"))); err != nil {
			return err
		}
	}
	if addr := c.String("tcp"); addr != "" {
		sender.AddTCPSender(addr, uint32(c.Uint("tcp-mask")))
	}
	if err := sender.Start(); err != nil {
		return err
	}
	defer sender.Close()

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clk := clock.New()
	ticker := clk.Ticker(time.Duration(float64(time.Second) / c.Float64("rate")))
	defer ticker.Stop()
	start := clk.Now()
	logger.Infow("probe started, Ctrl+C to exit", "run", sender.RunID())
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := sender.Publish(synthetic(now, now.Sub(start).Seconds())); err != nil {
				logger.Warnw("publish failed", "error", err)
			}
		}
	}
}

// synthetic walks forward at 0.2 m/s, switching support leg every half second.
func synthetic(now time.Time, t float64) fusion.BodyState {
	const speed, step = 0.2, 0.5
	support := fusion.LeftLeg
	if int(t/step)%2 == 1 {
		support = fusion.RightLeg
	}
	base := r3.Vector{X: speed * t, Z: 0.5 + 0.01*math.Sin(2*math.Pi*t/step)}
	left := spatial.Pose{Rot: spatial.Identity(), Trans: r3.Vector{X: speed * t, Y: 0.1}}
	right := spatial.Pose{Rot: spatial.Identity(), Trans: r3.Vector{X: speed * t, Y: -0.1}}
	sp := left
	if support == fusion.RightLeg {
		sp = right
	}
	return fusion.BodyState{
		Stamp:       now,
		Position:    base,
		Orientation: spatial.IdentityQuat,
		LinearVel:   r3.Vector{X: speed},
		Left:        fusion.FootState{Pose: left, Contact: support == fusion.LeftLeg, Prob: 1},
		Right:       fusion.FootState{Pose: right, Contact: support == fusion.RightLeg, Prob: 1},
		Support:     support,
		SupportPose: sp,
		CoM:         fusion.CoMState{Position: base.Add(r3.Vector{Z: -0.1})},
	}
}
