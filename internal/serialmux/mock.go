package serialmux

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
)

var errPortClosed = errors.New("telemetry port closed")

// TestableSerialPort implements SerialPorter with scripted input for tests.
// Reads block until data is added, the input is ended or the port is closed.
type TestableSerialPort struct {
	mu   sync.Mutex
	cond *sync.Cond

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer
	eof      bool

	// WriteError is returned by the next Write call if set.
	WriteError error
	// CloseError is returned by Close if set.
	CloseError error
	// Closed indicates whether Close was called.
	Closed bool
	// WriteCalls records the number of Write calls.
	WriteCalls int
}

// NewTestableSerialPort creates an empty port.
func NewTestableSerialPort() *TestableSerialPort {
	t := &TestableSerialPort{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Read blocks until scripted data is available.
func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.Closed && !t.eof && t.readBuf.Len() == 0 {
		t.cond.Wait()
	}
	if t.Closed {
		return 0, errPortClosed
	}
	if t.readBuf.Len() == 0 {
		return 0, io.EOF
	}
	return t.readBuf.Read(p)
}

// Write records p, or fails once with WriteError.
func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.WriteCalls++
	if t.Closed {
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	return t.writeBuf.Write(p)
}

// Close marks the port closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	t.cond.Broadcast()
	return t.CloseError
}

// AddReadData queues data for subsequent reads.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readBuf.Write(data)
	t.cond.Broadcast()
}

// AddLines queues each line followed by a newline.
func (t *TestableSerialPort) AddLines(lines ...string) {
	for _, l := range lines {
		t.AddReadData([]byte(l + "\n"))
	}
}

// EndInput makes reads return io.EOF once the queued data is consumed.
func (t *TestableSerialPort) EndInput() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eof = true
	t.cond.Broadcast()
}

// Written returns everything written to the port so far.
func (t *TestableSerialPort) Written() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeBuf.String()
}

// WrittenLines returns the written data split into lines.
func (t *TestableSerialPort) WrittenLines() []string {
	s := strings.TrimSuffix(t.Written(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// NewMockSerialMux creates a SerialMux whose port yields lines and then EOF.
func NewMockSerialMux(lines ...string) (*SerialMux[*TestableSerialPort], *TestableSerialPort) {
	port := NewTestableSerialPort()
	port.AddLines(lines...)
	port.EndInput()
	return NewSerialMux(port), port
}
