package server

import (
	"context"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"humanoid-engine/binlog"
)

// Replayer feeds a recording back through a Dispatcher, paced by the recorded timestamps.
type Replayer struct {
	disp *Dispatcher
	log  *zap.SugaredLogger
	clk  clock.Clock
}

func NewReplayer(disp *Dispatcher, logger *zap.SugaredLogger, clk clock.Clock) *Replayer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Replayer{disp: disp, log: logger, clk: clk}
}

// Replay plays path at speed times real time; a speed of zero or less plays as fast as possible.
// It returns the number of records fed.
func (p *Replayer) Replay(ctx context.Context, path string, speed float64) (int, error) {
	r, err := binlog.Open(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return p.ReplayFrom(ctx, r, speed)
}

func (p *Replayer) ReplayFrom(ctx context.Context, r *binlog.Reader, speed float64) (int, error) {
	p.log.Infow("replay started", "speed", speed)
	var first time.Time
	start := p.clk.Now()
	count := 0
	for ctx.Err() == nil {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, err
		}
		if first.IsZero() {
			first = rec.Stamp
			start = p.clk.Now()
		} else if speed > 0 {
			target := time.Duration(float64(rec.Stamp.Sub(first)) / speed)
			if wait := target - p.clk.Since(start); wait > 0 {
				p.clk.Sleep(wait)
			}
		}
		p.disp.HandleBatch(rec.Payload)
		count++
		if count%10000 == 0 {
			p.log.Debugw("replay progress", "records", count)
		}
	}
	p.log.Infow("replay finished", "records", count, "skipped", r.Skipped())
	return count, nil
}
