// Package ingest turns telemetry lines into scheduler calls. Each line is one
// JSON object carrying a "topic" key plus the fields of that topic's message.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/banshee-data/stepbridge/internal/geom"
	"github.com/banshee-data/stepbridge/internal/relay"
	"github.com/banshee-data/stepbridge/internal/timeutil"
)

var (
	ErrMalformedLine = errors.New("malformed telemetry line")
	ErrUnknownTopic  = errors.New("unknown telemetry topic")
)

var validate = validator.New()

// Topics names the telemetry streams. Defaults mirror the vehicle's ROS
// topic names.
type Topics struct {
	Pose       string `json:"pose" yaml:"pose"`
	Brake      string `json:"brake" yaml:"brake"`
	Velocity   string `json:"velocity" yaml:"velocity"`
	RemoteStop string `json:"remote_stop" yaml:"remote_stop"`
	Terminate  string `json:"terminate" yaml:"terminate"`
	StopCmd    string `json:"stop_cmd" yaml:"stop_cmd"`
}

// DefaultTopics returns the topic names used when none are configured.
func DefaultTopics() Topics {
	return Topics{
		Pose:       "/novatel/odom",
		Brake:      "/vehicle/brake/info",
		Velocity:   "/vehicle/vehicle_velocity",
		RemoteStop: "/ds_bridge/remote_stop",
		Terminate:  "/ds_bridge/terminate",
		StopCmd:    "stop_cmd",
	}
}

// WithDefaults fills empty names from DefaultTopics.
func (t Topics) WithDefaults() Topics {
	d := DefaultTopics()
	t.Pose = orDefault(t.Pose, d.Pose)
	t.Brake = orDefault(t.Brake, d.Brake)
	t.Velocity = orDefault(t.Velocity, d.Velocity)
	t.RemoteStop = orDefault(t.RemoteStop, d.RemoteStop)
	t.Terminate = orDefault(t.Terminate, d.Terminate)
	t.StopCmd = orDefault(t.StopCmd, d.StopCmd)
	return t
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Stamp is a message timestamp split into seconds and nanoseconds.
type Stamp struct {
	Sec     int64 `json:"sec" validate:"gte=0"`
	Nanosec int64 `json:"nanosec" validate:"gte=0,lt=1000000000"`
}

func (s Stamp) Timestamp() timeutil.Timestamp {
	return timeutil.Timestamp{Seconds: s.Sec, Nanos: s.Nanosec}
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Quaternion struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// PoseMessage is an odometry sample in map coordinates.
type PoseMessage struct {
	Topic       string     `json:"topic"`
	Stamp       Stamp      `json:"stamp"`
	Position    Point      `json:"position"`
	Orientation Quaternion `json:"orientation"`
}

func (m PoseMessage) Sample() relay.PoseSample {
	return relay.PoseSample{
		Stamp:       m.Stamp.Timestamp(),
		Position:    geom.Vector3{X: m.Position.X, Y: m.Position.Y, Z: m.Position.Z},
		Orientation: geom.Quaternion(m.Orientation.W, m.Orientation.X, m.Orientation.Y, m.Orientation.Z),
	}
}

// BrakeMessage carries the requested brake torque.
type BrakeMessage struct {
	Topic              string  `json:"topic"`
	Stamp              Stamp   `json:"stamp"`
	BrakeTorqueRequest float64 `json:"brake_torque_request"`
}

// VelocityMessage carries the propulsion velocity.
type VelocityMessage struct {
	Topic                     string  `json:"topic"`
	Stamp                     Stamp   `json:"stamp"`
	VehicleVelocityPropulsion float64 `json:"vehicle_velocity_propulsion"`
}

// RemoteStopMessage carries milliseconds until a requested stop; -1 clears it.
type RemoteStopMessage struct {
	Topic string `json:"topic"`
	Data  int    `json:"data" validate:"gte=-32768,lte=32767"`
}

type TerminateMessage struct {
	Topic string `json:"topic"`
	Data  bool   `json:"data"`
}

// StopCommand is written back to the telemetry port when the simulation asks
// for a stop.
type StopCommand struct {
	Topic string `json:"topic"`
	Data  string `json:"data"`
}

// Decode parses line into the message type registered for its topic. The
// result is one of the *Message types above.
func Decode(topics Topics, line []byte) (any, error) {
	var envelope struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}

	var msg any
	switch envelope.Topic {
	case topics.Pose:
		msg = &PoseMessage{}
	case topics.Brake:
		msg = &BrakeMessage{}
	case topics.Velocity:
		msg = &VelocityMessage{}
	case topics.RemoteStop:
		msg = &RemoteStopMessage{}
	case topics.Terminate:
		msg = &TerminateMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, envelope.Topic)
	}
	if err := json.Unmarshal(line, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedLine, envelope.Topic, err)
	}
	if err := validate.Struct(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedLine, envelope.Topic, err)
	}
	return msg, nil
}
