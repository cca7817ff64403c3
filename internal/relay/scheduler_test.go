package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stepbridge/internal/geom"
	"github.com/banshee-data/stepbridge/internal/timeutil"
	"github.com/banshee-data/stepbridge/internal/wire"
)

var identity = geom.Quaternion(1, 0, 0, 0)

func newTestScheduler(t *testing.T, cfg Config, peer *fakePeer, opts ...Option) *Scheduler {
	t.Helper()
	muteLogs(t)
	if cfg.Timestep == 0 {
		cfg.Timestep = 100 * time.Millisecond
	}
	s, err := NewScheduler(cfg, peer, opts...)
	require.NoError(t, err)
	return s
}

func pose(sec, nsec int64, x, y, z float64) PoseSample {
	return PoseSample{Stamp: ts(sec, nsec), Position: geom.Vector3{X: x, Y: y, Z: z}, Orientation: identity}
}

func TestNewSchedulerRejectsBadConfig(t *testing.T) {
	_, err := NewScheduler(Config{Timestep: 0}, &fakePeer{})
	assert.Error(t, err)
	_, err = NewScheduler(Config{Timestep: time.Second}, nil)
	assert.Error(t, err)
}

func TestEndToEndScenario(t *testing.T) {
	ctx := context.Background()
	peer := &fakePeer{}
	s := newTestScheduler(t, Config{Origin: &geom.Vector3{}}, peer)

	require.NoError(t, s.HandlePose(ctx, pose(10, 0, 1, 1, 1)))
	assert.Empty(t, peer.requests, "first sample must not flush")

	require.NoError(t, s.HandlePose(ctx, pose(10, 150_000_000, 2, 2, 2)))
	require.Len(t, peer.requests, 1)
	assert.Equal(t, "0,0\n1,1,1,0,0,90,0,0,-1\r\n", peer.requests[0])

	snap := s.Snapshot()
	assert.Equal(t, ts(0, 100_000_000), snap.NextTime)
	assert.Equal(t, [3]float64{2, 2, 2}, snap.Position)
	assert.Equal(t, int64(1), snap.StepsFlushed)
}

func TestStepBatching(t *testing.T) {
	ctx := context.Background()
	peer := &fakePeer{}
	s := newTestScheduler(t, Config{}, peer)

	require.NoError(t, s.HandleBrake(ctx, ts(10, 0), 0))
	// closes the (0, 0) step
	require.NoError(t, s.HandlePose(ctx, pose(10, 100_000_000, 5, 5, 5)))
	require.Len(t, peer.requests, 1)

	// same elapsed time as the pose: folded into the same step
	require.NoError(t, s.HandleVelocity(ctx, ts(10, 100_000_000), 7.5))
	require.NoError(t, s.HandleBrake(ctx, ts(10, 100_000_000), 300))
	require.Len(t, peer.requests, 1, "samples sharing a target time must not flush")

	require.NoError(t, s.HandleVelocity(ctx, ts(10, 200_000_000), 8))
	require.Len(t, peer.requests, 2)

	got, err := wire.DecodeStepPacket([]byte(peer.requests[1]))
	require.NoError(t, err)
	want := wire.StepPacket{
		Time:         ts(0, 100_000_000),
		Position:     geom.Vector3{},
		Orientation:  geom.Orientation{Yaw: 90},
		Velocity:     7.5,
		BrakeTorque:  300,
		RemoteStopMs: wire.NoRemoteStop,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("second step mismatch (-want +got):\n%s", diff)
	}
}

func TestBoundaryIsStrictlyGreater(t *testing.T) {
	ctx := context.Background()
	peer := &fakePeer{}
	s := newTestScheduler(t, Config{}, peer)

	require.NoError(t, s.HandleVelocity(ctx, ts(0, 0), 1))
	require.NoError(t, s.HandleVelocity(ctx, ts(0, 1), 1))
	require.Len(t, peer.requests, 1)

	// target is now 100ms: equal does not flush, one tick more does
	require.NoError(t, s.HandleVelocity(ctx, ts(0, 100_000_000), 2))
	assert.Len(t, peer.requests, 1)
	require.NoError(t, s.HandleVelocity(ctx, ts(0, 100_000_001), 3))
	assert.Len(t, peer.requests, 2)
}

func TestRemoteStopIsOneShot(t *testing.T) {
	ctx := context.Background()
	peer := &fakePeer{}
	s := newTestScheduler(t, Config{}, peer)

	require.NoError(t, s.HandleVelocity(ctx, ts(1, 0), 0))
	require.NoError(t, s.HandleRemoteStop(1500))
	assert.Equal(t, 1500, s.Snapshot().RemoteStopMs)
	assert.Empty(t, peer.requests, "remote stop never flushes")

	require.NoError(t, s.HandleVelocity(ctx, ts(1, 200_000_000), 0))
	require.NoError(t, s.HandleVelocity(ctx, ts(1, 300_000_000), 0))
	require.Len(t, peer.requests, 2)

	first, err := wire.DecodeStepPacket([]byte(peer.requests[0]))
	require.NoError(t, err)
	second, err := wire.DecodeStepPacket([]byte(peer.requests[1]))
	require.NoError(t, err)
	assert.Equal(t, 1500, first.RemoteStopMs)
	assert.Equal(t, wire.NoRemoteStop, second.RemoteStopMs)
	assert.Equal(t, wire.NoRemoteStop, s.Snapshot().RemoteStopMs)
}

func TestReplyInterpretation(t *testing.T) {
	tests := []struct {
		reply     string
		wantStops int
	}{
		{"1", 1},
		{"0", 0},
		{"", 0},
		{"1\r\n", 0},
		{"stop", 0},
	}
	for _, tt := range tests {
		t.Run("reply "+tt.reply, func(t *testing.T) {
			ctx := context.Background()
			peer := &fakePeer{replies: []string{tt.reply}}
			pub := &countingPublisher{}
			s := newTestScheduler(t, Config{}, peer, WithStopPublisher(pub))

			require.NoError(t, s.HandleBrake(ctx, ts(3, 0), 0))
			require.NoError(t, s.HandleBrake(ctx, ts(3, 50_000_000), 0))
			require.Len(t, peer.requests, 1)
			assert.Equal(t, tt.wantStops, pub.stops)
			assert.Equal(t, int64(tt.wantStops), s.Snapshot().StopsIssued)
		})
	}
}

func TestStopPublishFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	peer := &fakePeer{replies: []string{"1"}}
	pub := &countingPublisher{err: errors.New("port closed")}
	s := newTestScheduler(t, Config{}, peer, WithStopPublisher(pub))

	require.NoError(t, s.HandleBrake(ctx, ts(0, 0), 0))
	require.NoError(t, s.HandleBrake(ctx, ts(1, 0), 0))
	assert.Equal(t, 1, pub.stops)
}

func TestTeardown(t *testing.T) {
	ctx := context.Background()
	peer := &fakePeer{}
	s := newTestScheduler(t, Config{}, peer)

	require.NoError(t, s.HandleVelocity(ctx, ts(0, 0), 1))
	require.NoError(t, s.HandleTerminate(ctx, false), "false terminate is ignored")
	assert.Zero(t, peer.teardowns)

	err := s.HandleTerminate(ctx, true)
	assert.ErrorIs(t, err, ErrTerminated)
	assert.Equal(t, 1, peer.teardowns)
	assert.True(t, s.Terminated())
	assert.True(t, s.Snapshot().Terminated)

	assert.ErrorIs(t, s.HandleVelocity(ctx, ts(5, 0), 1), ErrTerminated)
	assert.ErrorIs(t, s.HandlePose(ctx, pose(5, 0, 0, 0, 0)), ErrTerminated)
	assert.ErrorIs(t, s.HandleBrake(ctx, ts(5, 0), 1), ErrTerminated)
	assert.ErrorIs(t, s.HandleRemoteStop(10), ErrTerminated)
	assert.ErrorIs(t, s.HandleTerminate(ctx, true), ErrTerminated)

	assert.Empty(t, peer.requests, "no packet may follow teardown")
	assert.Equal(t, 1, peer.teardowns)
}

func TestTeardownSendFailure(t *testing.T) {
	peer := &fakePeer{err: errBrokenPipe}
	s := newTestScheduler(t, Config{}, peer)

	err := s.HandleTerminate(context.Background(), true)
	assert.ErrorIs(t, err, ErrTerminated)
	assert.ErrorIs(t, err, errBrokenPipe)
}

func TestFlushFailureIsReturned(t *testing.T) {
	ctx := context.Background()
	peer := &fakePeer{}
	s := newTestScheduler(t, Config{}, peer)

	require.NoError(t, s.HandleVelocity(ctx, ts(0, 0), 1))
	peer.err = wire.ErrPeerClosed
	err := s.HandleVelocity(ctx, ts(1, 0), 2)
	assert.ErrorIs(t, err, wire.ErrPeerClosed)
	assert.Equal(t, ts(0, 0), s.Snapshot().NextTime, "failed step must not advance")
}

func TestPoseTransform(t *testing.T) {
	ctx := context.Background()
	peer := &fakePeer{}
	s := newTestScheduler(t, Config{FlattenZ: true}, peer)

	// first pose latches the origin: relative position is zero, flattened to 3
	require.NoError(t, s.HandlePose(ctx, pose(0, 0, 100, 200, 50)))
	snap := s.Snapshot()
	assert.Equal(t, [3]float64{0, 0, FlatPlaneHeight}, snap.Position)
	assert.Equal(t, [3]float64{100, 200, 50}, snap.OriginPosition)

	// yaw of 90 degrees about z becomes a heading of 180
	half := 0.7071067811865476
	require.NoError(t, s.HandlePose(ctx, PoseSample{
		Stamp:       ts(0, 50_000_000),
		Position:    geom.Vector3{X: 103, Y: 196, Z: 80},
		Orientation: geom.Quaternion(half, 0, 0, half),
	}))
	snap = s.Snapshot()
	assert.InDelta(t, 3, snap.Position[0], 1e-9)
	assert.InDelta(t, -4, snap.Position[1], 1e-9)
	assert.Equal(t, FlatPlaneHeight, snap.Position[2])
	assert.Zero(t, snap.Orientation.Roll)
	assert.Zero(t, snap.Orientation.Pitch)
	assert.InDelta(t, 180, snap.Orientation.Yaw, 1e-9)
}

func TestPoseWithoutFlatten(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, Config{Origin: &geom.Vector3{X: 1, Y: 1, Z: 1}}, &fakePeer{})

	require.NoError(t, s.HandlePose(ctx, pose(0, 0, 2, 3, 4.5)))
	assert.Equal(t, [3]float64{1, 2, 3.5}, s.Snapshot().Position)
}

func TestFarFutureSampleFlushesOnce(t *testing.T) {
	ctx := context.Background()
	peer := &fakePeer{}
	s := newTestScheduler(t, Config{}, peer)

	require.NoError(t, s.HandleVelocity(ctx, ts(0, 0), 1))
	require.NoError(t, s.HandleVelocity(ctx, ts(60, 0), 2))
	assert.Len(t, peer.requests, 1)
	assert.Equal(t, ts(0, 100_000_000), s.Snapshot().NextTime)
}

func TestJournalRecordsSteps(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(start)
	clock.SetAutoStep(5 * time.Millisecond)
	journal := &memoryJournal{}
	peer := &fakePeer{replies: []string{"0", "1"}}
	s := newTestScheduler(t, Config{}, peer,
		WithClock(clock), WithJournal(journal), WithStopPublisher(&countingPublisher{}))

	require.NoError(t, s.HandleBrake(ctx, ts(0, 0), 10))
	require.NoError(t, s.HandleBrake(ctx, ts(0, 150_000_000), 20))
	require.NoError(t, s.HandleBrake(ctx, ts(0, 250_000_000), 30))

	require.Len(t, journal.records, 2)
	first, second := journal.records[0], journal.records[1]
	assert.Equal(t, int64(0), first.Index)
	assert.Equal(t, int64(1), second.Index)
	assert.Equal(t, 10.0, first.Packet.BrakeTorque)
	assert.Equal(t, 20.0, second.Packet.BrakeTorque)
	assert.Equal(t, ts(0, 100_000_000), second.Packet.Time)
	assert.False(t, first.Stop)
	assert.True(t, second.Stop)
	assert.Equal(t, "1", second.Reply)
	assert.Equal(t, 5*time.Millisecond, first.RoundTrip)
	assert.Equal(t, 5.0, s.Snapshot().LastRoundTripMs)
}

func TestJournalFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	peer := &fakePeer{}
	s := newTestScheduler(t, Config{}, peer, WithJournal(&memoryJournal{err: errors.New("disk full")}))

	require.NoError(t, s.HandleBrake(ctx, ts(0, 0), 0))
	require.NoError(t, s.HandleBrake(ctx, ts(1, 0), 0))
	assert.Equal(t, int64(1), s.Snapshot().StepsFlushed)
}
