//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package wire

import (
	"context"
	"net"
	"strconv"
)

// listenTCP falls back to the standard listener, which already enables
// address reuse where the platform supports it. The backlog is left to the OS.
func listenTCP(address string, port, _ int) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(context.Background(), "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
}
