package timeutil

import (
	"testing"
	"time"
)

func TestAdd(t *testing.T) {
	tests := []struct {
		name string
		a, b Timestamp
		want Timestamp
	}{
		{"zero", Timestamp{}, Timestamp{}, Timestamp{}},
		{"no carry", Timestamp{10, 100}, Timestamp{0, 200}, Timestamp{10, 300}},
		{"carry at exactly one second", Timestamp{1, 900_000_000}, Timestamp{0, 100_000_000}, Timestamp{2, 0}},
		{"carry with remainder", Timestamp{1, 950_000_000}, Timestamp{2, 100_000_000}, Timestamp{4, 50_000_000}},
		{"max nanos both sides", Timestamp{0, 999_999_999}, Timestamp{0, 999_999_999}, Timestamp{1, 999_999_998}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Add(tt.a, tt.b)
			if got != tt.want {
				t.Errorf("Add(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
			if got.Nanos < 0 || got.Nanos >= NanosPerSecond {
				t.Errorf("Add result %v not normalized", got)
			}
		})
	}
}

func TestAbsDiff(t *testing.T) {
	tests := []struct {
		name string
		a, b Timestamp
		want Timestamp
	}{
		{"equal", Timestamp{10, 5}, Timestamp{10, 5}, Timestamp{}},
		{"no borrow", Timestamp{10, 150_000_000}, Timestamp{10, 0}, Timestamp{0, 150_000_000}},
		{"borrow", Timestamp{11, 100_000_000}, Timestamp{10, 900_000_000}, Timestamp{0, 200_000_000}},
		{"reversed borrow", Timestamp{10, 900_000_000}, Timestamp{11, 100_000_000}, Timestamp{0, 200_000_000}},
		{"whole seconds", Timestamp{1700000000, 0}, Timestamp{1700000003, 0}, Timestamp{3, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AbsDiff(tt.a, tt.b)
			if got != tt.want {
				t.Errorf("AbsDiff(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func sampleTimestamps() []Timestamp {
	return []Timestamp{
		{0, 0},
		{0, 1},
		{0, 999_999_999},
		{1, 0},
		{1, 500_000_000},
		{10, 0},
		{10, 150_000_000},
		{1700000000, 123_456_789},
		{1700000001, 0},
	}
}

func TestAbsDiffSymmetricAndNormalized(t *testing.T) {
	for _, a := range sampleTimestamps() {
		for _, b := range sampleTimestamps() {
			ab, ba := AbsDiff(a, b), AbsDiff(b, a)
			if ab != ba {
				t.Errorf("AbsDiff(%v, %v) = %v but AbsDiff(%v, %v) = %v", a, b, ab, b, a, ba)
			}
			if ab.Nanos < 0 || ab.Nanos >= NanosPerSecond || ab.Seconds < 0 {
				t.Errorf("AbsDiff(%v, %v) = %v not normalized", a, b, ab)
			}
			if got := Add(b, ab); Compare(a, b) >= 0 && got != a {
				t.Errorf("b + AbsDiff(a, b) = %v, want %v", got, a)
			}
		}
	}
}

func TestAbsDiffIdentity(t *testing.T) {
	for _, ts := range sampleTimestamps() {
		if got := AbsDiff(ts, ts); got != (Timestamp{}) {
			t.Errorf("AbsDiff(%v, %v) = %v, want zero", ts, ts, got)
		}
	}
}

func TestCompareTotalOrder(t *testing.T) {
	samples := sampleTimestamps()
	// samples are listed in strictly increasing order
	for i, a := range samples {
		for j, b := range samples {
			want := 0
			switch {
			case i < j:
				want = -1
			case i > j:
				want = 1
			}
			if got := Compare(a, b); got != want {
				t.Errorf("Compare(%v, %v) = %d, want %d", a, b, got, want)
			}
		}
	}
}

func TestNewTimestampNormalizes(t *testing.T) {
	tests := []struct {
		seconds, nanos int64
		want           Timestamp
	}{
		{0, 1_500_000_000, Timestamp{1, 500_000_000}},
		{2, -1, Timestamp{1, 999_999_999}},
		{5, 0, Timestamp{5, 0}},
	}
	for _, tt := range tests {
		if got := NewTimestamp(tt.seconds, tt.nanos); got != tt.want {
			t.Errorf("NewTimestamp(%d, %d) = %v, want %v", tt.seconds, tt.nanos, got, tt.want)
		}
	}
}

func TestFromDuration(t *testing.T) {
	if got, want := FromDuration(100*time.Millisecond), (Timestamp{0, 100_000_000}); got != want {
		t.Errorf("FromDuration(100ms) = %v, want %v", got, want)
	}
	if got, want := FromDuration(2500*time.Millisecond), (Timestamp{2, 500_000_000}); got != want {
		t.Errorf("FromDuration(2.5s) = %v, want %v", got, want)
	}
	if got := FromDuration(1500 * time.Millisecond).Duration(); got != 1500*time.Millisecond {
		t.Errorf("Duration() = %v, want 1.5s", got)
	}
}

func TestTimestampString(t *testing.T) {
	if got := (Timestamp{10, 5}).String(); got != "(10 s + 5 ns)" {
		t.Errorf("String() = %q", got)
	}
}
