package testutil

import (
	"errors"
	"testing"

	"github.com/banshee-data/stepbridge/internal/monitoring"
)

func TestCaptureLogs(t *testing.T) {
	c := CaptureLogs(t)
	monitoring.Logf("sent packet %d", 7)
	monitoring.Logf("received response %q", "0")

	got := c.Lines()
	if len(got) != 2 {
		t.Fatalf("got %d lines, want 2", len(got))
	}
	if got[0] != "sent packet 7" || got[1] != `received response "0"` {
		t.Errorf("unexpected lines %q", got)
	}
}

func TestMuteLogs(t *testing.T) {
	c := CaptureLogs(t)
	t.Run("muted", func(t *testing.T) {
		MuteLogs(t)
		monitoring.Logf("should not appear")
	})
	if n := len(c.Lines()); n != 0 {
		t.Errorf("got %d lines while muted", n)
	}
}

func TestAssertions(t *testing.T) {
	AssertNoError(t, nil)
	AssertError(t, errors.New("boom"))
}
