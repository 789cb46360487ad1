package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"humanoid-engine/binlog"
	"humanoid-engine/logging"
	"humanoid-engine/server"
)

func main() {
	app := &cli.App{
		Name:      "replay",
		Usage:     "send a frame recording to a running estimator over UDP",
		ArgsUsage: "<recording.pcap>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dest", Value: fmt.Sprintf("127.0.0.1:%d", server.DefaultPort), Usage: "destination UDP address"},
			&cli.Float64Flag{Name: "speed", Value: 1, Usage: "replay speed multiplier (0 for max speed)"},
			&cli.StringFlag{Name: "log-level", Value: "info"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
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

	raddr, err := net.ResolveUDPAddr("udp", c.String("dest"))
	if err != nil {
		return errors.Wrap(err, "dest")
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer conn.Close()

	r, err := binlog.Open(c.Args().First())
	if err != nil {
		return err
	}
	defer r.Close()

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clk := clock.New()
	speed := c.Float64("speed")
	logger.Infow("replaying", "path", c.Args().First(), "dest", raddr, "speed", speed)

	var first, start time.Time
	count := 0
	for ctx.Err() == nil {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if first.IsZero() {
			first, start = rec.Stamp, clk.Now()
		} else if speed > 0 {
			target := time.Duration(float64(rec.Stamp.Sub(first)) / speed)
			if wait := target - clk.Since(start); wait > 0 {
				clk.Sleep(wait)
			}
		}
		if _, err := conn.Write(rec.Payload); err != nil {
			logger.Warnw("write failed", "error", err)
		}
		count++
		if count%1000 == 0 {
			logger.Debugw("progress", "packets", count)
		}
	}
	logger.Infow("done", "packets", count, "skipped", r.Skipped())
	return nil
}
