// Package relay is the time-step synchronisation engine. It folds
// asynchronously arriving telemetry samples into fixed-timestep simulation
// steps and exchanges each completed step with the simulation peer.
//
// A Scheduler is driven by one goroutine. Every handler may block for a full
// round trip with the peer; there is no timeout, so a stalled peer stalls the
// relay.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/stepbridge/internal/geom"
	"github.com/banshee-data/stepbridge/internal/monitoring"
	"github.com/banshee-data/stepbridge/internal/timeutil"
	"github.com/banshee-data/stepbridge/internal/units"
	"github.com/banshee-data/stepbridge/internal/wire"
)

// ErrTerminated is returned once a terminate request has been handled. It is
// the cooperative shutdown signal for the ingest loop and the CLI.
var ErrTerminated = errors.New("relay terminated")

// FlatPlaneHeight is the z value every position is pinned to when flattening
// is enabled.
const FlatPlaneHeight = 3.0

const tracerName = "github.com/banshee-data/stepbridge/internal/relay"

// yawOffset rotates the vehicle heading into the simulator's frame.
const yawOffset = 90.0

// Stepper exchanges steps with the simulation peer. *wire.Transport
// implements it.
type Stepper interface {
	RoundTrip(ctx context.Context, request []byte) ([]byte, error)
	SendTeardown(ctx context.Context) error
}

// StopPublisher forwards a stop command to the vehicle side.
type StopPublisher interface {
	PublishStop(ctx context.Context) error
}

// Journal records every completed step. Failures are logged and never stop
// the relay.
type Journal interface {
	RecordStep(ctx context.Context, rec StepRecord) error
}

// StepRecord describes one completed round trip.
type StepRecord struct {
	Index      int64
	Packet     wire.StepPacket
	Reply      string
	Stop       bool
	RoundTrip  time.Duration
	RecordedAt time.Time
}

// Config holds the scheduler parameters.
type Config struct {
	Timestep time.Duration
	// FlattenZ pins every position to FlatPlaneHeight.
	FlattenZ bool
	// Origin pre-seeds the position origin. When nil, the first pose sample
	// establishes it.
	Origin *geom.Vector3
}

// PoseSample is a timestamped position and orientation in map coordinates.
type PoseSample struct {
	Stamp       timeutil.Timestamp
	Position    geom.Vector3
	Orientation quat.Number
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock used to measure round trips and stamp journal
// records.
func WithClock(c timeutil.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithJournal records every completed step to j.
func WithJournal(j Journal) Option {
	return func(s *Scheduler) { s.journal = j }
}

// WithTracerProvider sets the provider for flush spans. The global provider is
// used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Scheduler) { s.tracer = tp.Tracer(tracerName) }
}

// WithStopPublisher sets where stop commands requested by the peer go.
func WithStopPublisher(p StopPublisher) Option {
	return func(s *Scheduler) { s.stop = p }
}

// Scheduler owns the reference frame and the pending step. Handlers must be
// called sequentially; Snapshot may be called from any goroutine.
type Scheduler struct {
	stepper Stepper
	stop    StopPublisher
	journal Journal
	clock   timeutil.Clock
	tracer  trace.Tracer
	flatten bool

	frame FrameState
	ref   ReferenceFrame

	steps         int64
	stops         int64
	terminated    bool
	lastReply     string
	lastRoundTrip time.Duration

	snapshot snapshotHolder
}

// NewScheduler returns a scheduler that sends steps through stepper.
func NewScheduler(cfg Config, stepper Stepper, opts ...Option) (*Scheduler, error) {
	if stepper == nil {
		return nil, errors.New("relay: nil stepper")
	}
	if cfg.Timestep <= 0 {
		return nil, fmt.Errorf("relay: timestep must be positive, got %v", cfg.Timestep)
	}
	s := &Scheduler{
		stepper: stepper,
		clock:   timeutil.RealClock{},
		tracer:  otel.Tracer(tracerName),
		flatten: cfg.FlattenZ,
		frame:   NewFrameState(cfg.Timestep),
		ref:     NewReferenceFrame(cfg.Origin),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.publish()
	return s, nil
}

// HandlePose folds a pose sample into the pending step, flushing first when
// the sample lies beyond the step's target time. The orientation is reduced
// to a heading: roll and pitch are always sent as zero.
func (s *Scheduler) HandlePose(ctx context.Context, p PoseSample) error {
	if s.terminated {
		return ErrTerminated
	}
	defer s.publish()

	if err := s.observe(ctx, p.Stamp); err != nil {
		return err
	}
	s.ref.LatchPosition(p.Position)

	pos := s.ref.Relative(p.Position)
	if s.flatten {
		pos = geom.WithZ(pos, FlatPlaneHeight)
	}
	_, _, yaw := geom.QuaternionToEuler(p.Orientation)
	s.frame.Position = pos
	s.frame.Orientation = geom.Orientation{Yaw: units.Degrees(yaw) + yawOffset}
	monitoring.Debugf("received pose (%g, %g, %g) yaw %g at %v",
		pos.X, pos.Y, pos.Z, s.frame.Orientation.Yaw, s.ref.Elapsed(p.Stamp))
	return nil
}

// HandleBrake folds a brake torque request into the pending step.
func (s *Scheduler) HandleBrake(ctx context.Context, stamp timeutil.Timestamp, torque float64) error {
	if s.terminated {
		return ErrTerminated
	}
	defer s.publish()

	if err := s.observe(ctx, stamp); err != nil {
		return err
	}
	s.frame.BrakeTorque = torque
	monitoring.Debugf("received brake torque %g at %v", torque, s.ref.Elapsed(stamp))
	return nil
}

// HandleVelocity folds a vehicle velocity into the pending step.
func (s *Scheduler) HandleVelocity(ctx context.Context, stamp timeutil.Timestamp, velocity float64) error {
	if s.terminated {
		return ErrTerminated
	}
	defer s.publish()

	if err := s.observe(ctx, stamp); err != nil {
		return err
	}
	s.frame.Velocity = velocity
	monitoring.Debugf("received velocity %g at %v", velocity, s.ref.Elapsed(stamp))
	return nil
}

// HandleRemoteStop sets the stop countdown carried by the next step. It is not
// time-gated and never flushes.
func (s *Scheduler) HandleRemoteStop(ms int) error {
	if s.terminated {
		return ErrTerminated
	}
	defer s.publish()

	s.frame.RemoteStopMs = ms
	monitoring.Logf("received remote stop for %d ms from now", ms)
	return nil
}

// HandleTerminate sends the teardown sentinel when flag is true and returns
// ErrTerminated. A false flag is ignored. Once terminated, every handler
// returns ErrTerminated without touching the peer.
func (s *Scheduler) HandleTerminate(ctx context.Context, flag bool) error {
	if s.terminated {
		return ErrTerminated
	}
	if !flag {
		return nil
	}
	defer s.publish()

	monitoring.Logf("exiting on terminate request")
	s.terminated = true
	if err := s.stepper.SendTeardown(ctx); err != nil {
		return errors.Join(ErrTerminated, fmt.Errorf("failed to send teardown: %w", err))
	}
	return ErrTerminated
}

// Terminated reports whether a terminate request has been handled.
func (s *Scheduler) Terminated() bool {
	return s.terminated
}

// observe latches the time origin and flushes the pending step when stamp
// lies strictly beyond its target time. Samples sharing a target are batched
// into one step. A sample far ahead still causes a single flush.
func (s *Scheduler) observe(ctx context.Context, stamp timeutil.Timestamp) error {
	s.ref.LatchTime(stamp)
	if timeutil.Compare(s.ref.Elapsed(stamp), s.frame.NextTime) > 0 {
		return s.flush(ctx)
	}
	return nil
}

// flush sends the pending step, waits for the reply and advances the frame.
// A transport failure is returned unchanged in its chain and leaves the frame
// as it was.
func (s *Scheduler) flush(ctx context.Context) error {
	packet := s.frame.Packet()
	ctx, span := s.tracer.Start(ctx, "relay.flush",
		trace.WithAttributes(attribute.String("step.time", packet.Header())))
	defer span.End()

	request := packet.Encode()
	monitoring.Debugf("sent packet: %q", request)

	start := s.clock.Now()
	raw, err := s.stepper.RoundTrip(ctx, request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("step %s: %w", packet.Header(), err)
	}
	rtt := s.clock.Since(start)

	monitoring.Debugf("received response: %q", raw)
	stop := wire.ParseReply(raw) == wire.ReplyStop
	if stop {
		s.stops++
		s.publishStop(ctx)
	}
	span.SetAttributes(
		attribute.String("step.reply", string(raw)),
		attribute.Bool("step.stop", stop),
	)

	rec := StepRecord{
		Index:      s.steps,
		Packet:     packet,
		Reply:      string(raw),
		Stop:       stop,
		RoundTrip:  rtt,
		RecordedAt: s.clock.Now(),
	}
	s.steps++
	s.lastReply = rec.Reply
	s.lastRoundTrip = rtt
	s.frame.Advance()
	monitoring.Debugf("waiting until clock advances to %v", s.frame.NextTime)

	if s.journal != nil {
		if err := s.journal.RecordStep(ctx, rec); err != nil {
			monitoring.Logf("failed to journal step %d: %v", rec.Index, err)
		}
	}
	return nil
}

func (s *Scheduler) publishStop(ctx context.Context) {
	if s.stop == nil {
		monitoring.Logf("simulation requested a stop but no stop publisher is configured")
		return
	}
	monitoring.Logf("simulation requested a stop; publishing stop command")
	if err := s.stop.PublishStop(ctx); err != nil {
		monitoring.Logf("failed to publish stop command: %v", err)
	}
}
