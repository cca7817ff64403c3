package serialmux

import (
	"io"
)

// SerialPorter defines the minimal interface needed for a telemetry port.
// This abstraction enables unit testing without real hardware or sockets.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// ensureNewline returns b terminated by exactly the newline it already had,
// or with one appended.
func ensureNewline(b []byte) []byte {
	if len(b) == 0 || b[len(b)-1] == '\n' {
		return b
	}
	return append(b, '\n')
}
