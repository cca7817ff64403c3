package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/stepbridge/internal/geom"
	"github.com/banshee-data/stepbridge/internal/ingest"
	"github.com/banshee-data/stepbridge/internal/relay"
	"github.com/banshee-data/stepbridge/internal/serialmux"
)

// DefaultConfigPath is the path to the operator defaults file shipped with
// the repository.
const DefaultConfigPath = "config/stepbridge.defaults.json"

// EnvPrefix prefixes every environment override, e.g. STEPBRIDGE_PORT.
const EnvPrefix = "STEPBRIDGE_"

// Ingest sources.
const (
	SourceSerial   = "serial"
	SourceUDP      = "udp"
	SourcePcap     = "pcap"
	SourceFixture  = "fixture"
	SourceDisabled = "disabled"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

var validate = validator.New()

// RelayConfig is the root configuration of the relay. Every field is
// optional; the Get* methods supply defaults for anything left unset, so
// partial files are safe.
type RelayConfig struct {
	ListenAddress *string `json:"listen_address,omitempty" yaml:"listen_address,omitempty" env:"LISTEN_ADDRESS" validate:"omitzero,ip|hostname_rfc1123"`
	Port          *int    `json:"port,omitempty" yaml:"port,omitempty" env:"PORT" validate:"omitempty,gte=0,lte=65535"`
	Timestep      *string `json:"timestep,omitempty" yaml:"timestep,omitempty" env:"TIMESTEP"` // duration string like "100ms"
	FlattenZ      *bool   `json:"flatten_z,omitempty" yaml:"flatten_z,omitempty" env:"FLATTEN_Z"`
	Origin        *Origin `json:"origin,omitempty" yaml:"origin,omitempty" env:"-"`
	ReplyBuffer   *int    `json:"reply_buffer,omitempty" yaml:"reply_buffer,omitempty" env:"REPLY_BUFFER" validate:"omitempty,gte=1"`

	Topics *ingest.Topics `json:"topics,omitempty" yaml:"topics,omitempty" env:"-"`
	Ingest IngestConfig   `json:"ingest" yaml:"ingest" envPrefix:"INGEST_"`

	// JournalPath enables the sqlite step journal when non-empty.
	JournalPath *string `json:"journal_path,omitempty" yaml:"journal_path,omitempty" env:"JOURNAL_PATH"`
	// AdminListen is the status and debug HTTP address. An explicit empty
	// string disables the server.
	AdminListen *string `json:"admin_listen,omitempty" yaml:"admin_listen,omitempty" env:"ADMIN_LISTEN" validate:"omitzero,hostname_port"`
}

// Origin pre-seeds the position origin in map coordinates.
type Origin struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// IngestConfig selects where telemetry lines come from.
type IngestConfig struct {
	Source     *string                `json:"source,omitempty" yaml:"source,omitempty" env:"SOURCE" validate:"omitzero,oneof=serial udp pcap fixture disabled"`
	SerialPath *string                `json:"serial_path,omitempty" yaml:"serial_path,omitempty" env:"SERIAL_PATH"`
	Serial     *serialmux.PortOptions `json:"serial,omitempty" yaml:"serial,omitempty"`
	UDPAddress *string                `json:"udp_address,omitempty" yaml:"udp_address,omitempty" env:"UDP_ADDRESS" validate:"omitzero,hostname_port"`

	PcapFile  *string  `json:"pcap_file,omitempty" yaml:"pcap_file,omitempty" env:"PCAP_FILE"`
	UDPPort   *int     `json:"udp_port,omitempty" yaml:"udp_port,omitempty" env:"UDP_PORT" validate:"omitempty,gte=0,lte=65535"`
	PcapSpeed *float64 `json:"pcap_speed,omitempty" yaml:"pcap_speed,omitempty" env:"PCAP_SPEED" validate:"omitempty,gte=0"`

	FixtureFile     *string `json:"fixture_file,omitempty" yaml:"fixture_file,omitempty" env:"FIXTURE_FILE"`
	FixtureInterval *string `json:"fixture_interval,omitempty" yaml:"fixture_interval,omitempty" env:"FIXTURE_INTERVAL"`
}

func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrFloat64(v float64) *float64 { return &v }

// EmptyRelayConfig returns a RelayConfig with every field unset.
func EmptyRelayConfig() *RelayConfig {
	return &RelayConfig{}
}

// LoadRelayConfig loads a RelayConfig from a .json, .yaml or .yml file no
// larger than 1MB and validates it.
func LoadRelayConfig(path string) (*RelayConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRelayConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory or
// one of its parents. Panics if the file cannot be loaded; intended for tests.
func MustLoadDefaultConfig() *RelayConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/<pkg>/
		"../../../" + DefaultConfigPath, // from cmd/tools/<bin>/
	}
	for _, path := range candidates {
		if cfg, err := LoadRelayConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// ApplyEnv overrides fields from STEPBRIDGE_* environment variables. Unset
// variables leave the field untouched.
func (c *RelayConfig) ApplyEnv() error {
	return c.applyEnv(env.Options{Prefix: EnvPrefix})
}

// ApplyEnvFrom is ApplyEnv reading from environ instead of the process
// environment.
func (c *RelayConfig) ApplyEnvFrom(environ map[string]string) error {
	return c.applyEnv(env.Options{Prefix: EnvPrefix, Environment: environ})
}

func (c *RelayConfig) applyEnv(opts env.Options) error {
	if err := env.ParseWithOptions(c, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return c.Validate()
}

// Validate checks that the configuration values are valid.
func (c *RelayConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Timestep != nil && *c.Timestep != "" {
		d, err := time.ParseDuration(*c.Timestep)
		if err != nil {
			return fmt.Errorf("invalid timestep '%s': %w", *c.Timestep, err)
		}
		if d <= 0 {
			return fmt.Errorf("timestep must be positive, got %v", d)
		}
	}
	if c.Ingest.FixtureInterval != nil && *c.Ingest.FixtureInterval != "" {
		if _, err := time.ParseDuration(*c.Ingest.FixtureInterval); err != nil {
			return fmt.Errorf("invalid fixture_interval '%s': %w", *c.Ingest.FixtureInterval, err)
		}
	}
	if c.Ingest.Serial != nil {
		if _, err := c.Ingest.Serial.Normalize(); err != nil {
			return fmt.Errorf("invalid serial options: %w", err)
		}
	}

	switch c.GetIngestSource() {
	case SourceSerial:
		if c.GetSerialPath() == "" {
			return errors.New("ingest source serial requires serial_path")
		}
	case SourcePcap:
		if c.GetPcapFile() == "" {
			return errors.New("ingest source pcap requires pcap_file")
		}
	case SourceFixture:
		if c.GetFixtureFile() == "" {
			return errors.New("ingest source fixture requires fixture_file")
		}
	}
	return nil
}

// SchedulerConfig returns the scheduler parameters.
func (c *RelayConfig) SchedulerConfig() relay.Config {
	return relay.Config{
		Timestep: c.GetTimestep(),
		FlattenZ: c.GetFlattenZ(),
		Origin:   c.GetOrigin(),
	}
}

// ListenHostPort returns the address the relay listens on for the peer.
func (c *RelayConfig) ListenHostPort() string {
	return fmt.Sprintf("%s:%d", c.GetListenAddress(), c.GetPort())
}

func (c *RelayConfig) GetListenAddress() string {
	if c.ListenAddress == nil || *c.ListenAddress == "" {
		return "127.0.0.1"
	}
	return *c.ListenAddress
}

func (c *RelayConfig) GetPort() int {
	if c.Port == nil {
		return 1111
	}
	return *c.Port
}

// GetTimestep parses and returns the Timestep as a time.Duration.
func (c *RelayConfig) GetTimestep() time.Duration {
	if c.Timestep == nil || *c.Timestep == "" {
		return 100 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.Timestep)
	if err != nil || d <= 0 {
		return 100 * time.Millisecond // default on parse error
	}
	return d
}

func (c *RelayConfig) GetFlattenZ() bool {
	if c.FlattenZ == nil {
		return true
	}
	return *c.FlattenZ
}

// GetOrigin returns the configured origin, or nil when the first pose sample
// should establish it.
func (c *RelayConfig) GetOrigin() *geom.Vector3 {
	if c.Origin == nil {
		return nil
	}
	return &geom.Vector3{X: c.Origin.X, Y: c.Origin.Y, Z: c.Origin.Z}
}

func (c *RelayConfig) GetReplyBuffer() int {
	if c.ReplyBuffer == nil {
		return 4096
	}
	return *c.ReplyBuffer
}

// GetTopics returns the configured topic names with defaults filled in.
func (c *RelayConfig) GetTopics() ingest.Topics {
	if c.Topics == nil {
		return ingest.DefaultTopics()
	}
	return c.Topics.WithDefaults()
}

func (c *RelayConfig) GetIngestSource() string {
	if c.Ingest.Source == nil || *c.Ingest.Source == "" {
		return SourceDisabled
	}
	return *c.Ingest.Source
}

func (c *RelayConfig) GetSerialPath() string {
	if c.Ingest.SerialPath == nil {
		return ""
	}
	return *c.Ingest.SerialPath
}

func (c *RelayConfig) GetSerialOptions() serialmux.PortOptions {
	if c.Ingest.Serial == nil {
		return serialmux.PortOptions{}
	}
	return *c.Ingest.Serial
}

func (c *RelayConfig) GetUDPAddress() string {
	if c.Ingest.UDPAddress == nil || *c.Ingest.UDPAddress == "" {
		return "127.0.0.1:9870"
	}
	return *c.Ingest.UDPAddress
}

func (c *RelayConfig) GetPcapFile() string {
	if c.Ingest.PcapFile == nil {
		return ""
	}
	return *c.Ingest.PcapFile
}

// GetUDPPort returns the UDP port filter for pcap replay; zero accepts every
// port.
func (c *RelayConfig) GetUDPPort() int {
	if c.Ingest.UDPPort == nil {
		return 0
	}
	return *c.Ingest.UDPPort
}

// GetPcapSpeed returns the pcap replay speed multiplier; zero replays as fast
// as possible.
func (c *RelayConfig) GetPcapSpeed() float64 {
	if c.Ingest.PcapSpeed == nil {
		return 1
	}
	return *c.Ingest.PcapSpeed
}

func (c *RelayConfig) GetFixtureFile() string {
	if c.Ingest.FixtureFile == nil {
		return ""
	}
	return *c.Ingest.FixtureFile
}

func (c *RelayConfig) GetFixtureInterval() time.Duration {
	if c.Ingest.FixtureInterval == nil || *c.Ingest.FixtureInterval == "" {
		return 10 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.Ingest.FixtureInterval)
	if err != nil {
		return 10 * time.Millisecond
	}
	return d
}

// GetJournalPath returns the sqlite journal path; empty disables the journal.
func (c *RelayConfig) GetJournalPath() string {
	if c.JournalPath == nil {
		return ""
	}
	return *c.JournalPath
}

func (c *RelayConfig) GetAdminListen() string {
	if c.AdminListen == nil {
		return "127.0.0.1:8080"
	}
	return *c.AdminListen
}
