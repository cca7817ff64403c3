// Package serialmux multiplexes a single line-oriented telemetry port between
// many readers. Lines read from the port are fanned out to every subscriber;
// commands are written back to the port one line at a time.
//
// A port is anything that reads and writes bytes: a serial link, a UDP
// socket, a pcap capture replay or a fixture file.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"

	"github.com/banshee-data/stepbridge/internal/monitoring"
)

var ErrWriteFailed = errors.New("failed to write to telemetry port")

// SubscriberBuffer is the number of lines a subscriber may fall behind before
// further lines are dropped for it, or before the port stalls for a blocking
// subscriber.
const SubscriberBuffer = 256

// maxLineLength bounds a single telemetry line.
const maxLineLength = 1 << 20

// SerialMux is a generic port multiplexer that allows multiple clients to
// subscribe to lines from a single port.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]*subscriber
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
	dropped      atomic.Int64
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving lines from the port. The
	// channel ID is used to identify the unique channel when unsubscribing.
	// Lines are dropped for the subscriber while its buffer is full.
	Subscribe() (string, chan string)
	// SubscribeBlocking is like Subscribe but never drops a line: the port
	// is not read further until the subscriber has room.
	SubscribeBlocking() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes the provided command to the port.
	SendCommand(string) error
	// Monitor reads lines from the port and sends them to the subscribers.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux creates a SerialMux reading from port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]*subscriber),
	}
}

type subscriber struct {
	ch       chan string
	blocking bool

	// done is closed before ch so a blocked send can give up first
	done      chan struct{}
	sendMu    sync.Mutex
	closeOnce sync.Once
}

func (sub *subscriber) close() {
	sub.closeOnce.Do(func() {
		close(sub.done)
		sub.sendMu.Lock()
		close(sub.ch)
		sub.sendMu.Unlock()
	})
}

// deliver reports whether line was handed to the subscriber.
func (sub *subscriber) deliver(ctx context.Context, line string) bool {
	sub.sendMu.Lock()
	defer sub.sendMu.Unlock()
	select {
	case <-sub.done:
		return false
	default:
	}
	if !sub.blocking {
		select {
		case sub.ch <- line:
			return true
		default:
			return false
		}
	}
	select {
	case sub.ch <- line:
		return true
	case <-sub.done:
	case <-ctx.Done():
	}
	return false
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	return s.subscribe(false)
}

func (s *SerialMux[T]) SubscribeBlocking() (string, chan string) {
	return s.subscribe(true)
}

func (s *SerialMux[T]) subscribe(blocking bool) (string, chan string) {
	id := randomID()
	sub := &subscriber{
		ch:       make(chan string, SubscriberBuffer),
		blocking: blocking,
		done:     make(chan struct{}),
	}
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a subscriber from the mux and closes its channel. It
// releases a Monitor blocked on that subscriber.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	sub, ok := s.subscribers[id]
	delete(s.subscribers, id)
	s.subscriberMu.Unlock()
	if ok {
		sub.close()
	}
}

// SendCommand writes command to the port, appending a newline if missing.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Dropped returns the number of line deliveries skipped because a subscriber
// was full.
func (s *SerialMux[T]) Dropped() int64 {
	return s.dropped.Load()
}

// Monitor reads lines from the port and fans them out until the port reaches
// EOF, fails, or ctx is done.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)
	scan.Buffer(make([]byte, 0, 64*1024), maxLineLength)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// the blocking scan.Scan runs on its own goroutine so that the loop below
	// can still observe cancellation
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				select {
				case err := <-scanErrChan:
					return err
				default:
					return nil
				}
			}
			s.closingMu.Lock()
			if s.closing {
				s.closingMu.Unlock()
				return nil
			}
			s.closingMu.Unlock()

			s.subscriberMu.Lock()
			subs := make(map[string]*subscriber, len(s.subscribers))
			for id, sub := range s.subscribers {
				subs[id] = sub
			}
			s.subscriberMu.Unlock()

			for id, sub := range subs {
				if !sub.deliver(ctx, line) && !sub.blocking {
					s.dropped.Add(1)
					monitoring.Debugf("dropped line for subscriber %s", id)
				}
			}
		}
	}
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	subs := s.subscribers
	s.subscribers = make(map[string]*subscriber)
	s.subscriberMu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	return s.port.Close()
}

var sendCommandPage = template.Must(template.New("send-command").Parse(`<!doctype html>
<html><head><title>telemetry port</title></head>
<body>
<form method="post" action="send-command-api">
<input name="command" size="80" placeholder='{"topic":"stop_cmd","data":"stop"}'>
<button type="submit">send</button>
</form>
<p>{{.Dropped}} lines dropped for slow subscribers</p>
<pre id="tail"></pre>
<script>
const tail = document.getElementById("tail");
new EventSource("tail").onmessage = (e) => {
  tail.textContent = (e.data + "\n" + tail.textContent).slice(0, 20000);
};
</script>
</body></html>
`))

// AttachAdminRoutes registers a live tail and a command form on the tsweb
// debug page.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-command", "send a line to the telemetry port", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := sendCommandPage.Execute(w, struct{ Dropped int64 }{s.Dropped()}); err != nil {
			http.Error(w, "Failed to render page", http.StatusInternalServerError)
		}
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to telemetry port", command))
	})

	// server-sent events carrying every line read from the port
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
