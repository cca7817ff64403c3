package relay

import (
	"time"

	"github.com/banshee-data/stepbridge/internal/geom"
	"github.com/banshee-data/stepbridge/internal/timeutil"
	"github.com/banshee-data/stepbridge/internal/wire"
)

// FrameState accumulates the values that will be sent with the next step.
// NextTime is the elapsed simulation time the pending step is stamped with.
type FrameState struct {
	NextTime     timeutil.Timestamp
	Position     geom.Vector3
	Orientation  geom.Orientation
	Velocity     float64
	BrakeTorque  float64
	RemoteStopMs int
	Timestep     timeutil.Timestamp
}

// NewFrameState returns an empty frame whose first step is stamped (0, 0).
func NewFrameState(timestep time.Duration) FrameState {
	return FrameState{
		RemoteStopMs: wire.NoRemoteStop,
		Timestep:     timeutil.FromDuration(timestep),
	}
}

// Packet captures the pending step for transmission.
func (f *FrameState) Packet() wire.StepPacket {
	return wire.StepPacket{
		Time:         f.NextTime,
		Position:     f.Position,
		Orientation:  f.Orientation,
		Velocity:     f.Velocity,
		BrakeTorque:  f.BrakeTorque,
		RemoteStopMs: f.RemoteStopMs,
	}
}

// Advance closes the pending step: the remote stop countdown is consumed and
// the target time moves forward by one timestep.
func (f *FrameState) Advance() {
	f.RemoteStopMs = wire.NoRemoteStop
	f.NextTime = timeutil.Add(f.NextTime, f.Timestep)
}
