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

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/stepbridge/internal/monitoring"
)

// pcapngMagic is the section header block type that opens a pcapng file.
var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// PcapOptions configures a capture replay.
type PcapOptions struct {
	// UDPPort keeps only datagrams whose source or destination port matches.
	// Zero keeps every UDP payload.
	UDPPort int
	// SpeedMultiplier paces replay against capture timestamps (1.0 is real
	// time, 2.0 twice as fast). Zero replays as fast as the reader consumes.
	SpeedMultiplier float64
	// Commands receives whatever is written to the port. Defaults to
	// io.Discard.
	Commands io.Writer
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// PcapPort replays the UDP payloads of a pcap or pcapng capture as a line
// stream. Writes are forwarded to PcapOptions.Commands.
type PcapPort struct {
	file   *os.File
	reader packetReader
	opts   PcapOptions

	pending  []byte
	lastTime time.Time
	packets  int
	payloads int

	closeOnce sync.Once
	done      chan struct{}
	writeMu   sync.Mutex
}

// OpenPcapPort opens a capture file for replay.
func OpenPcapPort(path string, opts PcapOptions) (*PcapPort, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	p, err := newPcapPort(f, opts)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read PCAP file %s: %w", path, err)
	}
	p.file = f
	monitoring.Logf("PCAP replay of %s (udp port filter %d, speed %.1fx)", path, opts.UDPPort, opts.SpeedMultiplier)
	return p, nil
}

func newPcapPort(r io.Reader, opts PcapOptions) (*PcapPort, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(pcapngMagic))
	if err != nil {
		return nil, err
	}

	var reader packetReader
	if bytes.Equal(magic, pcapngMagic) {
		reader, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		reader, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, err
	}
	if opts.Commands == nil {
		opts.Commands = io.Discard
	}
	return &PcapPort{reader: reader, opts: opts, done: make(chan struct{})}, nil
}

// Read returns the next UDP payloads. It returns io.EOF once the capture is
// exhausted.
func (p *PcapPort) Read(b []byte) (int, error) {
	for len(p.pending) == 0 {
		payload, err := p.next()
		if err != nil {
			return 0, err
		}
		p.pending = ensureNewline(payload)
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

// next returns the next matching UDP payload, waiting out the capture gap
// when pacing is enabled.
func (p *PcapPort) next() ([]byte, error) {
	for {
		select {
		case <-p.done:
			return nil, os.ErrClosed
		default:
		}

		data, ci, err := p.reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			monitoring.Logf("PCAP replay complete: %d packets, %d payloads", p.packets, p.payloads)
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		p.packets++

		packet := gopacket.NewPacket(data, p.reader.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if want := layers.UDPPort(p.opts.UDPPort); want != 0 && udp.SrcPort != want && udp.DstPort != want {
			continue
		}
		if err := p.pace(ci.Timestamp); err != nil {
			return nil, err
		}
		p.payloads++
		return append([]byte(nil), udp.Payload...), nil
	}
}

func (p *PcapPort) pace(captured time.Time) error {
	if p.opts.SpeedMultiplier <= 0 {
		return nil
	}
	last := p.lastTime
	p.lastTime = captured
	if last.IsZero() {
		return nil
	}
	delay := time.Duration(float64(captured.Sub(last)) / p.opts.SpeedMultiplier)
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-p.done:
		return os.ErrClosed
	}
}

// Write forwards commands to the configured sink; a capture cannot be
// answered.
func (p *PcapPort) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.opts.Commands.Write(b)
}

func (p *PcapPort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		if p.file != nil {
			err = p.file.Close()
		}
	})
	return err
}
