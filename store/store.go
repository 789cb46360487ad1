package store

import (
	"database/sql"
	_ "embed"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"humanoid-engine/fusion"
)

//go:embed schema.sql
var schemaSQL string

// commitEvery bounds how many states sit in an open transaction.
const commitEvery = 200

var stateColumns = []string{
	"session_id", "seq", "stamp_ns",
	"px", "py", "pz", "qw", "qx", "qy", "qz",
	"vx", "vy", "vz", "wx", "wy", "wz",
	"lo_px", "lo_py", "lo_pz",
	"com_x", "com_y", "com_z", "comd_x", "comd_y", "comd_z", "fext_x", "fext_y", "fext_z",
	"cop_x", "cop_y", "cop_z",
	"support", "left_prob", "right_prob", "no_motion", "diverged",
	"gt_px", "gt_py", "gt_pz",
}

var insertState = "INSERT INTO states (" + strings.Join(stateColumns, ", ") + ") VALUES (" +
	strings.TrimSuffix(strings.Repeat("?, ", len(stateColumns)), ", ") + ")"

// Recorder appends published states to a sqlite database, one session per process run.
type Recorder struct {
	db      *sql.DB
	log     *zap.SugaredLogger
	session string

	mu      sync.Mutex
	tx      *sql.Tx
	stmt    *sql.Stmt
	seq     int64
	pending int
	closed  bool
}

var _ fusion.Publisher = (*Recorder)(nil)

// Open creates or opens the database at path and starts a new session.
func Open(path, notes string, logger *zap.SugaredLogger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	// a single connection keeps the transaction and the statement on the same handle
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create schema")
	}
	r := &Recorder{db: db, log: logger, session: uuid.New().String()}
	if _, err := db.Exec(`INSERT INTO sessions (id, started_ns, notes) VALUES (?, ?, ?)`,
		r.session, time.Now().UnixNano(), notes); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "start session")
	}
	r.log.Infow("state database opened", "path", path, "session", r.session)
	return r, nil
}

func (r *Recorder) Session() string { return r.session }

// DB exposes the handle for queries.
func (r *Recorder) DB() *sql.DB { return r.db }

// Publish records one state.
func (r *Recorder) Publish(s fusion.BodyState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("recorder closed")
	}
	if r.tx == nil {
		tx, err := r.db.Begin()
		if err != nil {
			return errors.Wrap(err, "begin")
		}
		stmt, err := tx.Prepare(insertState)
		if err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, "prepare")
		}
		r.tx, r.stmt = tx, stmt
	}
	r.seq++
	if _, err := r.stmt.Exec(row(r.session, r.seq, s)...); err != nil {
		return errors.Wrapf(err, "insert state %d", r.seq)
	}
	r.pending++
	if r.pending >= commitEvery {
		return r.commit()
	}
	return nil
}

// Flush commits any buffered states.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commit()
}

func (r *Recorder) commit() error {
	if r.tx == nil {
		return nil
	}
	err := multierr.Combine(r.stmt.Close(), r.tx.Commit())
	r.tx, r.stmt, r.pending = nil, nil, 0
	return errors.Wrap(err, "commit")
}

// Close commits, stamps the session end and closes the database.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.commit()
	_, uerr := r.db.Exec(`UPDATE sessions SET ended_ns = ?, state_count = ? WHERE id = ?`,
		time.Now().UnixNano(), r.seq, r.session)
	err = multierr.Append(err, errors.Wrap(uerr, "end session"))
	r.log.Infow("state database closed", "session", r.session, "states", r.seq)
	return multierr.Append(err, r.db.Close())
}

func row(session string, seq int64, s fusion.BodyState) []any {
	b2i := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}
	var gt [3]any
	if s.GroundTruth != nil {
		gt = [3]any{s.GroundTruth.Position.X, s.GroundTruth.Position.Y, s.GroundTruth.Position.Z}
	}
	q := s.Orientation
	return []any{
		session, seq, s.Stamp.UnixNano(),
		s.Position.X, s.Position.Y, s.Position.Z, q.Real, q.Imag, q.Jmag, q.Kmag,
		s.LinearVel.X, s.LinearVel.Y, s.LinearVel.Z, s.AngularVel.X, s.AngularVel.Y, s.AngularVel.Z,
		s.LegOdomPosition.X, s.LegOdomPosition.Y, s.LegOdomPosition.Z,
		s.CoM.Position.X, s.CoM.Position.Y, s.CoM.Position.Z,
		s.CoM.Velocity.X, s.CoM.Velocity.Y, s.CoM.Velocity.Z,
		s.CoM.ExternalForce.X, s.CoM.ExternalForce.Y, s.CoM.ExternalForce.Z,
		s.CoP.X, s.CoP.Y, s.CoP.Z,
		s.SupportName(), s.Left.Prob, s.Right.Prob, b2i(s.NoMotion), b2i(s.Diverged),
		gt[0], gt[1], gt[2],
	}
}
