package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/banshee-data/stepbridge/internal/config"
	"github.com/banshee-data/stepbridge/internal/units"
	"github.com/banshee-data/stepbridge/internal/wire"
)

// options holds the command line. Only flags the user actually sets override
// the config file and environment.
type options struct {
	fs *flag.FlagSet

	configPath    *string
	listenAddress *string
	port          *int
	timestep      *time.Duration
	flattenZ      *bool
	replyBuffer   *int
	ingestSource  *string
	serialPath    *string
	udpAddress    *string
	pcapFile      *string
	fixtureFile   *string
	journalPath   *string
	adminListen   *string
	units         *string
	verbose       *bool
	version       *bool
}

func registerFlags(fs *flag.FlagSet) *options {
	return &options{
		fs:            fs,
		configPath:    fs.String("config", "", "Path to a .json or .yaml relay config (default "+config.DefaultConfigPath+" when present)"),
		listenAddress: fs.String("listen-address", "127.0.0.1", "Address the simulation peer connects to"),
		port:          fs.Int("port", wire.DefaultPort, "TCP port the simulation peer connects to"),
		timestep:      fs.Duration("timestep", 100*time.Millisecond, "Simulation step length"),
		flattenZ:      fs.Bool("flatten-z", true, "Pin every position to the ground plane"),
		replyBuffer:   fs.Int("reply-buffer", wire.DefaultReplyBufferSize, "Maximum bytes read per peer reply"),
		ingestSource:  fs.String("ingest", config.SourceDisabled, "Telemetry source: serial, udp, pcap, fixture or disabled"),
		serialPath:    fs.String("serial-port", "", "Serial device for --ingest=serial"),
		udpAddress:    fs.String("udp-address", "127.0.0.1:9870", "Listen address for --ingest=udp"),
		pcapFile:      fs.String("pcap", "", "Capture file for --ingest=pcap"),
		fixtureFile:   fs.String("fixture", "", "Line file for --ingest=fixture"),
		journalPath:   fs.String("journal", "", "sqlite step journal path (empty disables the journal)"),
		adminListen:   fs.String("admin-listen", "127.0.0.1:8080", "Status and debug HTTP address (empty disables it)"),
		units:         fs.String("units", units.MPS, "Velocity units on the status API ("+units.GetValidUnitsString()+")"),
		verbose:       fs.Bool("verbose", false, "Log every sample and packet"),
		version:       fs.Bool("version", false, "Print version and exit"),
	}
}

// loadConfig layers the config file, STEPBRIDGE_* environment variables and
// explicitly set flags, in that order.
func (o *options) loadConfig(environ map[string]string) (*config.RelayConfig, error) {
	cfg, err := o.baseConfig()
	if err != nil {
		return nil, err
	}

	if environ == nil {
		err = cfg.ApplyEnv()
	} else {
		err = cfg.ApplyEnvFrom(environ)
	}
	if err != nil {
		return nil, err
	}

	o.applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if !units.IsValid(*o.units) {
		return nil, fmt.Errorf("invalid units %q, must be one of: %s", *o.units, units.GetValidUnitsString())
	}
	return cfg, nil
}

func (o *options) baseConfig() (*config.RelayConfig, error) {
	if *o.configPath != "" {
		return config.LoadRelayConfig(*o.configPath)
	}
	if _, err := os.Stat(config.DefaultConfigPath); err == nil {
		return config.LoadRelayConfig(config.DefaultConfigPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return config.EmptyRelayConfig(), nil
}

func (o *options) applyFlags(cfg *config.RelayConfig) {
	o.fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen-address":
			cfg.ListenAddress = o.listenAddress
		case "port":
			cfg.Port = o.port
		case "timestep":
			s := o.timestep.String()
			cfg.Timestep = &s
		case "flatten-z":
			cfg.FlattenZ = o.flattenZ
		case "reply-buffer":
			cfg.ReplyBuffer = o.replyBuffer
		case "ingest":
			cfg.Ingest.Source = o.ingestSource
		case "serial-port":
			cfg.Ingest.SerialPath = o.serialPath
		case "udp-address":
			cfg.Ingest.UDPAddress = o.udpAddress
		case "pcap":
			cfg.Ingest.PcapFile = o.pcapFile
		case "fixture":
			cfg.Ingest.FixtureFile = o.fixtureFile
		case "journal":
			cfg.JournalPath = o.journalPath
		case "admin-listen":
			cfg.AdminListen = o.adminListen
		}
	})
}
