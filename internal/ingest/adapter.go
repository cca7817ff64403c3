package ingest

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/banshee-data/stepbridge/internal/monitoring"
	"github.com/banshee-data/stepbridge/internal/relay"
	"github.com/banshee-data/stepbridge/internal/timeutil"
)

// Handler receives decoded telemetry. *relay.Scheduler implements it.
type Handler interface {
	HandlePose(ctx context.Context, p relay.PoseSample) error
	HandleBrake(ctx context.Context, stamp timeutil.Timestamp, torque float64) error
	HandleVelocity(ctx context.Context, stamp timeutil.Timestamp, velocity float64) error
	HandleRemoteStop(ms int) error
	HandleTerminate(ctx context.Context, flag bool) error
}

// Stats counts lines seen by an Adapter.
type Stats struct {
	Lines     int64 `json:"lines"`
	Delivered int64 `json:"delivered"`
	Malformed int64 `json:"malformed"`
	Unknown   int64 `json:"unknown"`
}

// Adapter decodes telemetry lines and calls the handler for each, one at a
// time. Lines that cannot be decoded are logged and dropped.
type Adapter struct {
	topics  Topics
	handler Handler

	lines     atomic.Int64
	delivered atomic.Int64
	malformed atomic.Int64
	unknown   atomic.Int64
}

// NewAdapter returns an adapter dispatching to h.
func NewAdapter(topics Topics, h Handler) *Adapter {
	return &Adapter{topics: topics.WithDefaults(), handler: h}
}

// Topics returns the topic names in use.
func (a *Adapter) Topics() Topics {
	return a.topics
}

// Stats returns the line counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		Lines:     a.lines.Load(),
		Delivered: a.delivered.Load(),
		Malformed: a.malformed.Load(),
		Unknown:   a.unknown.Load(),
	}
}

// HandleLine decodes one line and delivers it. Only handler errors are
// returned; decoding problems are logged.
func (a *Adapter) HandleLine(ctx context.Context, line string) error {
	a.lines.Add(1)
	msg, err := Decode(a.topics, []byte(line))
	switch {
	case errors.Is(err, ErrUnknownTopic):
		a.unknown.Add(1)
		monitoring.Debugf("ignoring line: %v", err)
		return nil
	case err != nil:
		a.malformed.Add(1)
		monitoring.Logf("dropping telemetry line: %v", err)
		return nil
	}
	a.delivered.Add(1)

	switch m := msg.(type) {
	case *PoseMessage:
		return a.handler.HandlePose(ctx, m.Sample())
	case *BrakeMessage:
		return a.handler.HandleBrake(ctx, m.Stamp.Timestamp(), m.BrakeTorqueRequest)
	case *VelocityMessage:
		return a.handler.HandleVelocity(ctx, m.Stamp.Timestamp(), m.VehicleVelocityPropulsion)
	case *RemoteStopMessage:
		return a.handler.HandleRemoteStop(m.Data)
	case *TerminateMessage:
		return a.handler.HandleTerminate(ctx, m.Data)
	}
	return nil
}

// Run delivers lines until the channel closes, ctx is done or the handler
// fails. relay.ErrTerminated is returned as is after a terminate request.
func (a *Adapter) Run(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := a.HandleLine(ctx, line); err != nil {
				return err
			}
		}
	}
}
