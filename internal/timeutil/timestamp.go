package timeutil

import (
	"fmt"
	"time"
)

// NanosPerSecond is the sub-second tick count of a Timestamp.
const NanosPerSecond = 1_000_000_000

// Timestamp is a fixed-point time value made of whole seconds and a
// nanosecond remainder. Values produced by this package always keep Nanos in
// [0, NanosPerSecond).
//
// Sample clocks and the simulation clock may disagree on origin but never on
// rate, so consumers compare elapsed time (AbsDiff against an origin) rather
// than raw stamps.
type Timestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int64 `json:"nanos"`
}

// NewTimestamp returns the timestamp for seconds plus nanos, carrying or
// borrowing so that Nanos ends up in range.
func NewTimestamp(seconds, nanos int64) Timestamp {
	seconds += nanos / NanosPerSecond
	nanos %= NanosPerSecond
	if nanos < 0 {
		nanos += NanosPerSecond
		seconds--
	}
	return Timestamp{Seconds: seconds, Nanos: nanos}
}

// FromDuration converts a non-negative duration into a Timestamp.
func FromDuration(d time.Duration) Timestamp {
	return NewTimestamp(0, int64(d))
}

// Duration returns t as a time.Duration measured from zero.
func (t Timestamp) Duration() time.Duration {
	return time.Duration(t.Seconds)*time.Second + time.Duration(t.Nanos)
}

// IsZero reports whether t is (0, 0).
func (t Timestamp) IsZero() bool {
	return t.Seconds == 0 && t.Nanos == 0
}

func (t Timestamp) String() string {
	return fmt.Sprintf("(%d s + %d ns)", t.Seconds, t.Nanos)
}

// Add returns a+b. A nanosecond sum at or above one second carries into
// Seconds.
func Add(a, b Timestamp) Timestamp {
	seconds := a.Seconds + b.Seconds
	nanos := a.Nanos + b.Nanos
	if nanos >= NanosPerSecond {
		seconds++
		nanos -= NanosPerSecond
	}
	return Timestamp{Seconds: seconds, Nanos: nanos}
}

// AbsDiff returns the non-negative elapsed time between a and b regardless of
// their order. When the larger value has fewer nanoseconds than the smaller
// one, one second is borrowed.
func AbsDiff(a, b Timestamp) Timestamp {
	switch Compare(a, b) {
	case 0:
		return Timestamp{}
	case -1:
		a, b = b, a
	}
	if a.Nanos >= b.Nanos {
		return Timestamp{Seconds: a.Seconds - b.Seconds, Nanos: a.Nanos - b.Nanos}
	}
	return Timestamp{
		Seconds: a.Seconds - b.Seconds - 1,
		Nanos:   NanosPerSecond + a.Nanos - b.Nanos,
	}
}

// Compare returns -1, 0 or +1 depending on whether a is before, equal to or
// after b, ordering by Seconds then Nanos.
func Compare(a, b Timestamp) int {
	switch {
	case a.Seconds < b.Seconds:
		return -1
	case a.Seconds > b.Seconds:
		return 1
	case a.Nanos < b.Nanos:
		return -1
	case a.Nanos > b.Nanos:
		return 1
	default:
		return 0
	}
}
