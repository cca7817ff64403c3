// Command sim-peer is a stand-in simulation peer for exercising stepbridge
// without a simulator. It connects to the relay, logs every step packet and
// answers "1" when a remote-stop countdown carried in the packets elapses,
// "0" otherwise. It exits when the relay sends the teardown sentinel.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/stepbridge/internal/timeutil"
	"github.com/banshee-data/stepbridge/internal/wire"
)

var (
	addr            = flag.String("addr", "127.0.0.1:1111", "Relay address to connect to")
	honorRemoteStop = flag.Bool("honor-remote-stop", true, "Reply 1 when the remote_stop_ms countdown in the packets elapses")
	stopAfterSteps  = flag.Int("stop-after-steps", 0, "Also reply 1 on this step number (0 disables)")
	dialTimeout     = flag.Duration("dial-timeout", 5*time.Second, "How long to keep retrying the connection")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := dial(ctx, *addr, *dialTimeout)
	if err != nil {
		log.Fatalf("failed to connect to relay: %v", err)
	}
	defer conn.Close()
	log.Printf("connected to relay at %s", conn.RemoteAddr())

	context.AfterFunc(ctx, func() { conn.Close() })

	p := &peer{honorRemoteStop: *honorRemoteStop, stopAfterSteps: *stopAfterSteps}
	if err := p.serve(conn); err != nil {
		log.Printf("sim-peer stopped after %d steps: %v", p.steps, err)
		stop()
		os.Exit(1)
	}
	log.Printf("teardown received after %d steps, %d stops replied", p.steps, p.stops)
}

// dial retries until the relay is listening or timeout passes.
func dial(ctx context.Context, address string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", address)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", address, err)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

type peer struct {
	honorRemoteStop bool
	stopAfterSteps  int

	// deadline is the simulated time at which a pending remote stop fires.
	deadline *timeutil.Timestamp

	steps int
	stops int
}

var errUnexpectedEOF = errors.New("relay closed the connection without teardown")

// serve answers step packets on rw until teardown.
func (p *peer) serve(rw io.ReadWriter) error {
	r := bufio.NewReader(rw)
	for {
		header, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errUnexpectedEOF
			}
			return err
		}
		if wire.IsTeardown([]byte(header)) {
			return nil
		}
		values, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errUnexpectedEOF
			}
			return err
		}

		pkt, err := wire.DecodeStepPacket([]byte(header + values))
		if err != nil {
			return err
		}
		p.steps++
		reply := p.decide(pkt)
		log.Printf("step %d: %s -> %s", p.steps, pkt, reply)

		if _, err := io.WriteString(rw, reply); err != nil {
			return fmt.Errorf("failed to reply: %w", err)
		}
	}
}

// decide returns the reply for pkt.
func (p *peer) decide(pkt wire.StepPacket) string {
	stop := false

	if p.honorRemoteStop {
		// a request appears in a single packet; a newer one replaces the
		// pending countdown
		if pkt.RemoteStopMs >= 0 {
			d := timeutil.Add(pkt.Time, timeutil.FromDuration(time.Duration(pkt.RemoteStopMs)*time.Millisecond))
			p.deadline = &d
		}
		if p.deadline != nil && timeutil.Compare(pkt.Time, *p.deadline) >= 0 {
			stop = true
			p.deadline = nil
		}
	}
	if p.stopAfterSteps > 0 && p.steps == p.stopAfterSteps {
		stop = true
	}

	if stop {
		p.stops++
		return wire.StopReply
	}
	return "0"
}
