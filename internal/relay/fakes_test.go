package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/banshee-data/stepbridge/internal/monitoring"
	"github.com/banshee-data/stepbridge/internal/timeutil"
)

// fakePeer records every request and answers from a scripted list of
// replies, repeating the last one once the script runs out.
type fakePeer struct {
	requests  []string
	replies   []string
	teardowns int
	err       error
}

func (p *fakePeer) RoundTrip(_ context.Context, request []byte) ([]byte, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.requests = append(p.requests, string(request))
	reply := "0"
	if len(p.replies) > 0 {
		reply = p.replies[0]
		if len(p.replies) > 1 {
			p.replies = p.replies[1:]
		}
	}
	return []byte(reply), nil
}

func (p *fakePeer) SendTeardown(context.Context) error {
	p.teardowns++
	return p.err
}

type countingPublisher struct {
	stops int
	err   error
}

func (c *countingPublisher) PublishStop(context.Context) error {
	c.stops++
	return c.err
}

type memoryJournal struct {
	records []StepRecord
	err     error
}

func (j *memoryJournal) RecordStep(_ context.Context, rec StepRecord) error {
	if j.err != nil {
		return j.err
	}
	j.records = append(j.records, rec)
	return nil
}

var errBrokenPipe = errors.New("broken pipe")

func ts(sec, nsec int64) timeutil.Timestamp {
	return timeutil.Timestamp{Seconds: sec, Nanos: nsec}
}

func muteLogs(t *testing.T) {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })
}
