package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/stepbridge/internal/geom"
	"github.com/banshee-data/stepbridge/internal/relay"
	"github.com/banshee-data/stepbridge/internal/wire"
)

// DefaultStepLimit bounds RecentSteps when no limit is given.
const DefaultStepLimit = 100

// MaxStepLimit is the largest limit RecentSteps accepts.
const MaxStepLimit = 10000

// Session describes one run of the relay against one peer.
type Session struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Timestep  time.Duration `json:"timestep_ns"`
	FlattenZ  bool          `json:"flatten_z"`
	Origin    *geom.Vector3 `json:"origin,omitempty"`
	PeerAddr  string        `json:"peer_addr"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	EndReason string        `json:"end_reason,omitempty"`
}

// Step is one journalled step exchange.
type Step struct {
	SessionID  string          `json:"session_id"`
	Index      int64           `json:"index"`
	Packet     wire.StepPacket `json:"-"`
	SimTime    string          `json:"sim_time"`
	Reply      string          `json:"reply"`
	Stop       bool            `json:"stop"`
	RoundTrip  time.Duration   `json:"round_trip_ns"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Journal writes steps for a single session. It implements relay.Journal.
type Journal struct {
	db      *DB
	session Session
}

var _ relay.Journal = (*Journal)(nil)

// StartSession inserts a new session row and returns a journal writing to it.
func (db *DB) StartSession(ctx context.Context, cfg relay.Config, peerAddr string, startedAt time.Time) (*Journal, error) {
	s := Session{
		ID:        uuid.NewString(),
		StartedAt: startedAt,
		Timestep:  cfg.Timestep,
		FlattenZ:  cfg.FlattenZ,
		Origin:    cfg.Origin,
		PeerAddr:  peerAddr,
	}

	var ox, oy, oz sql.NullFloat64
	if s.Origin != nil {
		ox = sql.NullFloat64{Float64: s.Origin.X, Valid: true}
		oy = sql.NullFloat64{Float64: s.Origin.Y, Valid: true}
		oz = sql.NullFloat64{Float64: s.Origin.Z, Valid: true}
	}
	_, err := db.ExecContext(ctx, `INSERT INTO sessions (
			session_id, started_at, timestep_ns, flatten_z, origin_x, origin_y, origin_z, peer_addr
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.StartedAt.UnixNano(), int64(s.Timestep), s.FlattenZ, ox, oy, oz, s.PeerAddr,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return &Journal{db: db, session: s}, nil
}

// Session returns the session this journal writes to.
func (j *Journal) Session() Session {
	return j.session
}

// RecordStep inserts one step row.
func (j *Journal) RecordStep(ctx context.Context, rec relay.StepRecord) error {
	p := rec.Packet
	_, err := j.db.ExecContext(ctx, `INSERT INTO steps (
			session_id, step_index, sim_sec, sim_nsec,
			pos_x, pos_y, pos_z, rot_x, rot_y, rot_z,
			velocity, brake_torque, remote_stop_ms,
			reply, stop_issued, round_trip_ns, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.session.ID, rec.Index, p.Time.Seconds, p.Time.Nanos,
		p.Position.X, p.Position.Y, p.Position.Z,
		p.Orientation.Roll, p.Orientation.Pitch, p.Orientation.Yaw,
		p.Velocity, p.BrakeTorque, p.RemoteStopMs,
		rec.Reply, rec.Stop, rec.RoundTrip.Nanoseconds(), rec.RecordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record step %d: %w", rec.Index, err)
	}
	return nil
}

// End marks the session finished.
func (j *Journal) End(ctx context.Context, endedAt time.Time, reason string) error {
	res, err := j.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, end_reason = ? WHERE session_id = ?`,
		endedAt.UnixNano(), reason, j.session.ID)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s not found", j.session.ID)
	}
	j.session.EndedAt = &endedAt
	j.session.EndReason = reason
	return nil
}

// StepCount returns the number of steps recorded for the journal's session.
func (j *Journal) StepCount(ctx context.Context) (int64, error) {
	return j.db.StepCount(ctx, j.session.ID)
}

// RecentSteps returns the most recent steps of the journal's session, newest
// first.
func (j *Journal) RecentSteps(ctx context.Context, limit int) ([]Step, error) {
	return j.db.RecentSteps(ctx, j.session.ID, limit)
}

// StepCount returns the number of steps recorded for sessionID, or across all
// sessions when sessionID is empty.
func (db *DB) StepCount(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	var err error
	if sessionID == "" {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM steps`).Scan(&n)
	} else {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM steps WHERE session_id = ?`, sessionID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count steps: %w", err)
	}
	return n, nil
}

// RecentSteps returns up to limit steps of sessionID, newest first. An empty
// sessionID reads across all sessions. Non-positive limits use
// DefaultStepLimit; limits above MaxStepLimit are clamped.
func (db *DB) RecentSteps(ctx context.Context, sessionID string, limit int) ([]Step, error) {
	if limit <= 0 {
		limit = DefaultStepLimit
	}
	if limit > MaxStepLimit {
		limit = MaxStepLimit
	}

	const cols = `session_id, step_index, sim_sec, sim_nsec,
		pos_x, pos_y, pos_z, rot_x, rot_y, rot_z,
		velocity, brake_torque, remote_stop_ms,
		reply, stop_issued, round_trip_ns, recorded_at`

	var (
		rows *sql.Rows
		err  error
	)
	if sessionID == "" {
		rows, err = db.QueryContext(ctx,
			`SELECT `+cols+` FROM steps ORDER BY recorded_at DESC, step_id DESC LIMIT ?`, limit)
	} else {
		rows, err = db.QueryContext(ctx,
			`SELECT `+cols+` FROM steps WHERE session_id = ? ORDER BY step_index DESC LIMIT ?`, sessionID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var (
			s          Step
			p          wire.StepPacket
			roundTrip  int64
			recordedAt int64
		)
		if err := rows.Scan(
			&s.SessionID, &s.Index, &p.Time.Seconds, &p.Time.Nanos,
			&p.Position.X, &p.Position.Y, &p.Position.Z,
			&p.Orientation.Roll, &p.Orientation.Pitch, &p.Orientation.Yaw,
			&p.Velocity, &p.BrakeTorque, &p.RemoteStopMs,
			&s.Reply, &s.Stop, &roundTrip, &recordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		s.Packet = p
		s.SimTime = p.Header()
		s.RoundTrip = time.Duration(roundTrip)
		s.RecordedAt = time.Unix(0, recordedAt)
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return steps, nil
}

// Sessions returns every session, most recent first.
func (db *DB) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := db.QueryContext(ctx, `SELECT
			session_id, started_at, timestep_ns, flatten_z, origin_x, origin_y, origin_z,
			peer_addr, ended_at, end_reason
		FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s          Session
			startedAt  int64
			timestep   int64
			ox, oy, oz sql.NullFloat64
			endedAt    sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &startedAt, &timestep, &s.FlattenZ, &ox, &oy, &oz,
			&s.PeerAddr, &endedAt, &s.EndReason); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.StartedAt = time.Unix(0, startedAt)
		s.Timestep = time.Duration(timestep)
		if ox.Valid && oy.Valid && oz.Valid {
			s.Origin = &geom.Vector3{X: ox.Float64, Y: oy.Float64, Z: oz.Float64}
		}
		if endedAt.Valid {
			t := time.Unix(0, endedAt.Int64)
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// ErrNoSteps is returned by LastStep when nothing has been recorded.
var ErrNoSteps = errors.New("no steps recorded")

// LastStep returns the newest step of sessionID.
func (db *DB) LastStep(ctx context.Context, sessionID string) (Step, error) {
	steps, err := db.RecentSteps(ctx, sessionID, 1)
	if err != nil {
		return Step{}, err
	}
	if len(steps) == 0 {
		return Step{}, ErrNoSteps
	}
	return steps[0], nil
}
