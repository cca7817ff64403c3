package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// NewRealSerialMux creates a SerialMux backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}

	return NewSerialMux[serial.Port](port), nil
}

// NewUDPSerialMux creates a SerialMux reading datagrams sent to address.
func NewUDPSerialMux(address string) (*SerialMux[*UDPPort], error) {
	port, err := ListenUDPPort(address)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}

// NewPcapSerialMux creates a SerialMux replaying UDP payloads from a capture
// file.
func NewPcapSerialMux(path string, opts PcapOptions) (*SerialMux[*PcapPort], error) {
	port, err := OpenPcapPort(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}

// NewFixtureSerialMux creates a SerialMux replaying the lines of a file.
func NewFixtureSerialMux(path string, opts FixtureOptions) (*SerialMux[*FixturePort], error) {
	port, err := OpenFixturePort(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}
