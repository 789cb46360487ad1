package server

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"humanoid-engine/fusion"
)

// Sink receives decoded samples. *fusion.Orchestrator implements it.
type Sink interface {
	OnIMU(s fusion.IMUSample)
	OnLeftWrench(s fusion.WrenchSample)
	OnRightWrench(s fusion.WrenchSample)
	OnJointState(s fusion.JointSample)
	OnOdometry(s fusion.PoseSample)
	OnGroundTruth(s fusion.PoseSample)
	OnGroundTruthCoM(s fusion.CoMSample)
	OnCompareOdometry(s fusion.PoseSample)
	OnSupportIndex(idx int)
}

var _ Sink = (*fusion.Orchestrator)(nil)

// Dispatcher decodes frame batches into a Sink and keeps per-type counters.
type Dispatcher struct {
	sink Sink
	log  *zap.SugaredLogger

	mu      sync.Mutex
	counts  map[uint8]int
	errs    int
	skipped int
}

func NewDispatcher(sink Sink, logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{sink: sink, log: logger, counts: map[uint8]int{}}
}

// HandleBatch decodes every complete frame in data and returns the bytes consumed.
func (d *Dispatcher) HandleBatch(data []byte) int {
	n, skipped := Scan(data, func(h Header, body []byte) {
		if err := d.dispatch(h, body); err != nil {
			d.mu.Lock()
			d.errs++
			d.mu.Unlock()
			d.log.Debugw("dropping frame", "type", TypeName(h.Type), "error", err)
		}
	})
	if skipped > 0 {
		d.mu.Lock()
		d.skipped += skipped
		d.mu.Unlock()
	}
	return n
}

func (d *Dispatcher) dispatch(h Header, body []byte) error {
	var err error
	switch h.Type {
	case TypeIMU:
		var s fusion.IMUSample
		if s, err = ParseIMU(h, body); err == nil {
			d.sink.OnIMU(s)
		}
	case TypeWrenchLeft, TypeWrenchRight:
		var s fusion.WrenchSample
		if s, err = ParseWrench(h, body); err == nil {
			if h.Type == TypeWrenchLeft {
				d.sink.OnLeftWrench(s)
			} else {
				d.sink.OnRightWrench(s)
			}
		}
	case TypeJointState:
		var s fusion.JointSample
		if s, err = ParseJointState(h, body); err == nil {
			d.sink.OnJointState(s)
		}
	case TypeOdometry, TypeGroundTruth, TypeCompareOdom:
		var s fusion.PoseSample
		if s, err = ParsePose(h, body); err == nil {
			switch h.Type {
			case TypeOdometry:
				d.sink.OnOdometry(s)
			case TypeGroundTruth:
				d.sink.OnGroundTruth(s)
			default:
				d.sink.OnCompareOdometry(s)
			}
		}
	case TypeGroundTruthCoM:
		var s fusion.CoMSample
		if s, err = ParseCoM(h, body); err == nil {
			d.sink.OnGroundTruthCoM(s)
		}
	case TypeSupportIndex:
		var idx int
		if idx, err = ParseSupportIndex(body); err == nil {
			d.sink.OnSupportIndex(idx)
		}
	default:
		err = errors.Wrapf(ErrUnknownType, "0x%02x", h.Type)
	}
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.counts[h.Type]++
	d.mu.Unlock()
	return nil
}

// Stats is a snapshot of the dispatch counters.
type Stats struct {
	Frames  map[string]int
	Errors  int
	Skipped int
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Stats{Frames: make(map[string]int, len(d.counts)), Errors: d.errs, Skipped: d.skipped}
	for t, n := range d.counts {
		s.Frames[TypeName(t)] = n
	}
	return s
}
