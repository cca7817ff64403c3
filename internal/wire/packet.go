// Package wire implements the step protocol spoken with the simulation peer:
// one text request per simulation step, answered by one free-form reply, over
// a single long-lived TCP connection.
//
//	Request  := TIME "\n" VALUES CRLF
//	TIME     := seconds "," nanoseconds
//	VALUES   := pos.x,pos.y,pos.z,rot.x,rot.y,rot.z,velocity,brake_torque,remote_stop_ms
//	Teardown := "-1" CRLF
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/stepbridge/internal/geom"
	"github.com/banshee-data/stepbridge/internal/timeutil"
)

// Terminator ends every message sent to the peer.
const Terminator = "\r\n"

// ValueCount is the number of comma-separated fields on the values line.
const ValueCount = 9

// NoRemoteStop is the remote_stop_ms value meaning "no stop requested".
const NoRemoteStop = -1

// Teardown is the sentinel telling the peer that no further steps follow.
var Teardown = []byte("-1" + Terminator)

var ErrMalformedPacket = errors.New("malformed step packet")

// StepPacket is the state snapshot transmitted for one simulation step.
type StepPacket struct {
	Time         timeutil.Timestamp
	Position     geom.Vector3
	Orientation  geom.Orientation
	Velocity     float64
	BrakeTorque  float64
	RemoteStopMs int
}

// Header returns the time line of the packet.
func (p StepPacket) Header() string {
	return strconv.FormatInt(p.Time.Seconds, 10) + "," + strconv.FormatInt(p.Time.Nanos, 10)
}

// Values returns the payload fields in wire order.
func (p StepPacket) Values() []string {
	return []string{
		formatFloat(p.Position.X),
		formatFloat(p.Position.Y),
		formatFloat(p.Position.Z),
		formatFloat(p.Orientation.Roll),
		formatFloat(p.Orientation.Pitch),
		formatFloat(p.Orientation.Yaw),
		formatFloat(p.Velocity),
		formatFloat(p.BrakeTorque),
		strconv.Itoa(p.RemoteStopMs),
	}
}

// Encode renders the full request including the trailing terminator.
func (p StepPacket) Encode() []byte {
	var b bytes.Buffer
	b.WriteString(p.Header())
	b.WriteByte('\n')
	b.WriteString(strings.Join(p.Values(), ","))
	b.WriteString(Terminator)
	return b.Bytes()
}

func (p StepPacket) String() string {
	return p.Header() + " [" + strings.Join(p.Values(), ",") + "]"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// IsTeardown reports whether msg is the teardown sentinel. A missing
// terminator is tolerated.
func IsTeardown(msg []byte) bool {
	return string(bytes.TrimRight(msg, Terminator)) == "-1"
}

// DecodeStepPacket parses a request produced by Encode. It is used by peers
// and tests; the relay itself only encodes.
func DecodeStepPacket(msg []byte) (StepPacket, error) {
	var p StepPacket
	text := strings.TrimSuffix(string(msg), Terminator)
	header, values, ok := strings.Cut(text, "\n")
	if !ok {
		return p, fmt.Errorf("%w: missing values line", ErrMalformedPacket)
	}

	secStr, nsecStr, ok := strings.Cut(header, ",")
	if !ok {
		return p, fmt.Errorf("%w: header %q", ErrMalformedPacket, header)
	}
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return p, fmt.Errorf("%w: seconds: %v", ErrMalformedPacket, err)
	}
	nsec, err := strconv.ParseInt(nsecStr, 10, 64)
	if err != nil {
		return p, fmt.Errorf("%w: nanoseconds: %v", ErrMalformedPacket, err)
	}
	p.Time = timeutil.Timestamp{Seconds: sec, Nanos: nsec}

	fields := strings.Split(values, ",")
	if len(fields) != ValueCount {
		return p, fmt.Errorf("%w: %d values, expected %d", ErrMalformedPacket, len(fields), ValueCount)
	}
	floats := make([]float64, ValueCount-1)
	for i := range floats {
		if floats[i], err = strconv.ParseFloat(fields[i], 64); err != nil {
			return p, fmt.Errorf("%w: field %d: %v", ErrMalformedPacket, i, err)
		}
	}
	if p.RemoteStopMs, err = strconv.Atoi(fields[ValueCount-1]); err != nil {
		return p, fmt.Errorf("%w: remote_stop_ms: %v", ErrMalformedPacket, err)
	}

	p.Position = geom.Vector3{X: floats[0], Y: floats[1], Z: floats[2]}
	p.Orientation = geom.Orientation{Roll: floats[3], Pitch: floats[4], Yaw: floats[5]}
	p.Velocity = floats[6]
	p.BrakeTorque = floats[7]
	return p, nil
}
