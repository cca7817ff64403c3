package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/banshee-data/stepbridge/internal/monitoring"
)

// DefaultPort is the TCP port the simulation peer connects to.
const DefaultPort = 1111

// DefaultReplyBufferSize caps a single reply read.
const DefaultReplyBufferSize = 4096

// listenBacklog keeps the kernel accept queue at a single pending peer.
const listenBacklog = 1

var (
	ErrNotConnected = errors.New("no simulation peer connected")
	ErrPeerClosed   = errors.New("simulation peer closed the connection")
)

// Transport is a single-client TCP endpoint for the step protocol. It accepts
// exactly one peer for its lifetime and never reconnects; any I/O failure is
// returned to the caller, which is expected to treat it as fatal.
//
// Transport is not safe for concurrent use. Sends and receives block without
// a timeout; a context passed to a blocking call only serves to abort it.
type Transport struct {
	listener        net.Listener
	conn            net.Conn
	replyBufferSize int
}

// Listen binds address:port with address reuse enabled and a backlog of one.
// Port 0 picks a free port, see Addr.
func Listen(address string, port int) (*Transport, error) {
	ln, err := listenTCP(address, port, listenBacklog)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", net.JoinHostPort(address, strconv.Itoa(port)), err)
	}
	return &Transport{listener: ln, replyBufferSize: DefaultReplyBufferSize}, nil
}

// SetReplyBufferSize changes the maximum number of bytes read per reply.
func (t *Transport) SetReplyBufferSize(n int) {
	if n > 0 {
		t.replyBufferSize = n
	}
}

// Addr returns the listening address.
func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// RemoteAddr returns the connected peer address, or nil before AcceptOne.
func (t *Transport) RemoteAddr() net.Addr {
	if t.conn == nil {
		return nil
	}
	return t.conn.RemoteAddr()
}

// AcceptOne blocks until one peer connects, then stops listening so that no
// later peer is ever accepted.
func (t *Transport) AcceptOne(ctx context.Context) error {
	if t.conn != nil {
		return errors.New("simulation peer already accepted")
	}
	if t.listener == nil {
		return net.ErrClosed
	}
	stop := context.AfterFunc(ctx, func() { t.listener.Close() })
	defer stop()

	conn, err := t.listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to accept simulation peer: %w", err)
	}
	t.conn = conn

	if err := t.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		monitoring.Logf("failed to close listener after accept: %v", err)
	}
	t.listener = nil
	return nil
}

// SendLine writes msg to the peer in full. msg is sent as is; callers supply
// the terminator.
func (t *Transport) SendLine(ctx context.Context, msg []byte) error {
	if t.conn == nil {
		return ErrNotConnected
	}
	defer t.abortOnCancel(ctx)()

	if _, err := t.conn.Write(msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to send to simulation peer: %w", err)
	}
	return nil
}

// RecvReply performs a single blocking read of at most limit bytes. There is
// no framing: whatever the peer wrote, up to limit bytes, is the reply.
func (t *Transport) RecvReply(ctx context.Context, limit int) ([]byte, error) {
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	if limit <= 0 {
		limit = t.replyBufferSize
	}
	defer t.abortOnCancel(ctx)()

	buf := make([]byte, limit)
	n, err := t.conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, io.EOF):
		return nil, ErrPeerClosed
	case err != nil:
		return nil, fmt.Errorf("failed to receive from simulation peer: %w", err)
	}
	return buf[:0], nil
}

// RoundTrip sends one step request and blocks for its reply.
func (t *Transport) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	if err := t.SendLine(ctx, request); err != nil {
		return nil, err
	}
	return t.RecvReply(ctx, t.replyBufferSize)
}

// SendTeardown writes the teardown sentinel. No reply is expected.
func (t *Transport) SendTeardown(ctx context.Context) error {
	return t.SendLine(ctx, Teardown)
}

// Close releases the listener and the peer connection.
func (t *Transport) Close() error {
	var errs []error
	if t.listener != nil {
		if err := t.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		t.listener = nil
	}
	if t.conn != nil {
		if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		t.conn = nil
	}
	return errors.Join(errs...)
}

// abortOnCancel expires the connection deadline when ctx is cancelled so a
// blocked read or write returns. The returned func detaches the watcher and
// clears an expired deadline so later calls with a fresh context still work.
func (t *Transport) abortOnCancel(ctx context.Context) func() {
	conn := t.conn
	aborted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
		close(aborted)
	})
	return func() {
		if !stop() {
			<-aborted
			conn.SetDeadline(time.Time{})
		}
	}
}
