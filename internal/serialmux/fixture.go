package serialmux

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// FixtureOptions configures a fixture replay.
type FixtureOptions struct {
	// Interval is the pause before each line after the first.
	Interval time.Duration
	// Commands receives whatever is written to the port. Defaults to
	// io.Discard.
	Commands io.Writer
}

// FixturePort replays a recorded telemetry file line by line for development
// without hardware. Blank lines and lines starting with '#' are skipped.
type FixturePort struct {
	closer io.Closer
	reader *bufio.Reader
	opts   FixtureOptions

	pending []byte
	started bool

	closeOnce sync.Once
	done      chan struct{}
	writeMu   sync.Mutex
}

// OpenFixturePort opens path for replay.
func OpenFixturePort(path string, opts FixtureOptions) (*FixturePort, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixture %s: %w", path, err)
	}
	p := NewFixturePort(f, opts)
	p.closer = f
	return p, nil
}

// NewFixturePort replays lines read from r.
func NewFixturePort(r io.Reader, opts FixtureOptions) *FixturePort {
	if opts.Commands == nil {
		opts.Commands = io.Discard
	}
	return &FixturePort{
		reader: bufio.NewReader(r),
		opts:   opts,
		done:   make(chan struct{}),
	}
}

func (p *FixturePort) Read(b []byte) (int, error) {
	for len(p.pending) == 0 {
		line, err := p.nextLine()
		if err != nil {
			return 0, err
		}
		p.pending = line
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *FixturePort) nextLine() ([]byte, error) {
	for {
		line, err := p.reader.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return nil, err
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 || trimmed[0] == '#' {
			continue
		}
		if err := p.wait(); err != nil {
			return nil, err
		}
		return ensureNewline(line), nil
	}
}

func (p *FixturePort) wait() error {
	if !p.started {
		p.started = true
		return nil
	}
	if p.opts.Interval <= 0 {
		select {
		case <-p.done:
			return os.ErrClosed
		default:
			return nil
		}
	}
	t := time.NewTimer(p.opts.Interval)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-p.done:
		return os.ErrClosed
	}
}

func (p *FixturePort) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.opts.Commands.Write(b)
}

func (p *FixturePort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		if p.closer != nil {
			err = p.closer.Close()
		}
	})
	return err
}
