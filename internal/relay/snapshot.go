package relay

import (
	"sync/atomic"

	"github.com/banshee-data/stepbridge/internal/geom"
	"github.com/banshee-data/stepbridge/internal/timeutil"
)

// Snapshot is a read-only copy of the scheduler state, published after every
// handler for observers on other goroutines.
type Snapshot struct {
	NextTime        timeutil.Timestamp `json:"next_time"`
	TimestepMs      float64            `json:"timestep_ms"`
	OriginTime      timeutil.Timestamp `json:"origin_time"`
	TimeLatched     bool               `json:"time_latched"`
	OriginPosition  [3]float64         `json:"origin_position"`
	PositionLatched bool               `json:"position_latched"`
	Position        [3]float64         `json:"position"`
	Orientation     geom.Orientation   `json:"orientation"`
	Velocity        float64            `json:"velocity"`
	BrakeTorque     float64            `json:"brake_torque"`
	RemoteStopMs    int                `json:"remote_stop_ms"`
	StepsFlushed    int64              `json:"steps_flushed"`
	StopsIssued     int64              `json:"stops_issued"`
	LastReply       string             `json:"last_reply"`
	LastRoundTripMs float64            `json:"last_round_trip_ms"`
	Terminated      bool               `json:"terminated"`
}

type snapshotHolder struct {
	p atomic.Pointer[Snapshot]
}

// Snapshot returns the state as of the last completed handler.
func (s *Scheduler) Snapshot() Snapshot {
	if snap := s.snapshot.p.Load(); snap != nil {
		return *snap
	}
	return Snapshot{}
}

func (s *Scheduler) publish() {
	snap := &Snapshot{
		NextTime:        s.frame.NextTime,
		TimestepMs:      ms(s.frame.Timestep.Duration().Nanoseconds()),
		OriginTime:      s.ref.OriginTime,
		TimeLatched:     s.ref.TimeLatched(),
		OriginPosition:  vec(s.ref.OriginPosition),
		PositionLatched: s.ref.PositionLatched(),
		Position:        vec(s.frame.Position),
		Orientation:     s.frame.Orientation,
		Velocity:        s.frame.Velocity,
		BrakeTorque:     s.frame.BrakeTorque,
		RemoteStopMs:    s.frame.RemoteStopMs,
		StepsFlushed:    s.steps,
		StopsIssued:     s.stops,
		LastReply:       s.lastReply,
		LastRoundTripMs: ms(s.lastRoundTrip.Nanoseconds()),
		Terminated:      s.terminated,
	}
	s.snapshot.p.Store(snap)
}

func vec(v geom.Vector3) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }

func ms(ns int64) float64 { return float64(ns) / 1e6 }
