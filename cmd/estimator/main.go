package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"humanoid-engine/binlog"
	"humanoid-engine/fusion"
	"humanoid-engine/kinematics"
	"humanoid-engine/logging"
	"humanoid-engine/publish"
	"humanoid-engine/server"
	"humanoid-engine/store"
	"humanoid-engine/web"
)

func main() {
	app := &cli.App{
		Name:  "estimator",
		Usage: "run the humanoid state estimator on live sensor frames",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "estimator YAML config (defaults when empty)"},
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "robot kinematic model YAML", Required: true},
			&cli.StringFlag{Name: "listen", Value: fmt.Sprintf(":%d", server.DefaultPort), Usage: "UDP address for sensor frames"},
			&cli.StringFlag{Name: "serial", Usage: "serial device carrying sensor frames, in addition to UDP"},
			&cli.IntFlag{Name: "baud", Value: server.DefaultBaudRate, Usage: "serial baud rate"},
			&cli.StringFlag{Name: "record", Usage: "pcap file or directory to record raw frames to"},
			&cli.StringFlag{Name: "db", Usage: "sqlite database to store published states in"},
			&cli.StringFlag{Name: "http", Usage: "HTTP/WebSocket address, e.g. :8080"},
			&cli.StringFlag{Name: "dist", Usage: "static frontend directory served by --http"},
			&cli.StringFlag{Name: "header", Usage: "prefix for every line sent to publish targets"},
			&cli.StringFlag{Name: "log-level", Value: "info"},
			&cli.BoolFlag{Name: "log-json"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "estimator:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger, err := logging.New(c.String("log-level"), c.Bool("log-json"))
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
	logger.Infow("model loaded", "name", model.Name, "joints", len(model.JointNames()), "mass", model.TotalMass())

	orch, err := fusion.NewOrchestrator(cfg, fusion.Collaborators{Kinematics: model}, logger.Named("fusion"))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := orch.Close(); cerr != nil {
			logger.Warnw("closing publishers", "error", cerr)
		}
	}()

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(cfg.Publish) > 0 {
		sender, err := publish.NewSenderFromConfig(cfg.Publish, logger.Named("publish"))
		if err != nil {
			return err
		}
		sender.SetHeader(c.String("header"))
		orch.AddPublisher(sender)
	}
	if path := c.String("db"); path != "" {
		rec, err := store.Open(path, fmt.Sprintf("model=%s", model.Name), logger.Named("store"))
		if err != nil {
			return err
		}
		orch.AddPublisher(rec)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var runErr error
	spawn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				mu.Lock()
				runErr = multierr.Append(runErr, errors.Wrap(err, name))
				mu.Unlock()
				cancel()
			}
		}()
	}

	if addr := c.String("http"); addr != "" {
		ws := web.NewServer(logger.Named("web"))
		orch.AddPublisher(ws.Hub)
		spawn("http", func() error { return ws.Start(ctx, addr, c.String("dist")) })
	}

	rec, err := openRecording(c.String("record"), logger)
	if err != nil {
		return err
	}
	if rec != nil {
		defer rec.Close()
	}

	disp := server.NewDispatcher(orch, logger.Named("dispatch"))
	udp, err := server.NewUdpServer(c.String("listen"), disp, logger.Named("udp"))
	if err != nil {
		return err
	}
	if rec != nil {
		udp.SetRecorder(rec)
	}
	spawn("udp", func() error { return udp.Serve(ctx) })

	if dev := c.String("serial"); dev != "" {
		sr, err := server.OpenSerial(dev, c.Int("baud"), disp, logger.Named("serial"))
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}
		if rec != nil {
			sr.SetRecorder(rec)
		}
		spawn("serial", func() error {
			defer sr.Close()
			return sr.Serve(ctx)
		})
	}

	spawn("estimator", func() error { return orch.Run(ctx) })

	wg.Wait()
	st := disp.Stats()
	logger.Infow("shut down", "packets", udp.Packets(), "frames", st.Frames, "errors", st.Errors, "skipped", st.Skipped)
	return runErr
}

// openRecording creates the pcap recording. A directory gets a timestamped file name.
func openRecording(path string, logger *zap.SugaredLogger) (*binlog.Writer, error) {
	if path == "" {
		return nil, nil
	}
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, fmt.Sprintf("FRAMES_%s.pcap", time.Now().Format("20060102150405")))
	}
	w, err := binlog.Create(path)
	if err != nil {
		return nil, err
	}
	logger.Infow("recording frames", "path", path)
	return w, nil
}
