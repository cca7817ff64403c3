package relay

import (
	"github.com/banshee-data/stepbridge/internal/geom"
	"github.com/banshee-data/stepbridge/internal/monitoring"
	"github.com/banshee-data/stepbridge/internal/timeutil"
)

// ReferenceFrame holds the time and position origins that every sample is
// expressed against. Each origin is latched once from the first qualifying
// sample and never changes afterwards.
type ReferenceFrame struct {
	OriginTime      timeutil.Timestamp
	OriginPosition  geom.Vector3
	timeLatched     bool
	positionLatched bool
}

// NewReferenceFrame returns an unlatched frame. A non-nil origin pre-seeds
// the position latch so pose samples are never used to establish it.
func NewReferenceFrame(origin *geom.Vector3) ReferenceFrame {
	var rf ReferenceFrame
	if origin != nil {
		rf.OriginPosition = *origin
		rf.positionLatched = true
	}
	return rf
}

// LatchTime records t as the time origin if none is set yet and reports
// whether it did so.
func (rf *ReferenceFrame) LatchTime(t timeutil.Timestamp) bool {
	if rf.timeLatched {
		return false
	}
	rf.OriginTime = t
	rf.timeLatched = true
	monitoring.Logf("reference start time: %v", t)
	return true
}

// LatchPosition records p as the position origin if none is set yet.
func (rf *ReferenceFrame) LatchPosition(p geom.Vector3) bool {
	if rf.positionLatched {
		return false
	}
	rf.OriginPosition = p
	rf.positionLatched = true
	monitoring.Logf("reference start position: (%g, %g, %g)", p.X, p.Y, p.Z)
	return true
}

// TimeLatched reports whether the time origin has been set.
func (rf *ReferenceFrame) TimeLatched() bool { return rf.timeLatched }

// PositionLatched reports whether the position origin has been set, either
// from configuration or from the first pose sample.
func (rf *ReferenceFrame) PositionLatched() bool { return rf.positionLatched }

// Elapsed returns the time between t and the time origin.
func (rf *ReferenceFrame) Elapsed(t timeutil.Timestamp) timeutil.Timestamp {
	return timeutil.AbsDiff(t, rf.OriginTime)
}

// Relative expresses p in the origin-relative frame.
func (rf *ReferenceFrame) Relative(p geom.Vector3) geom.Vector3 {
	return geom.Sub(p, rf.OriginPosition)
}
