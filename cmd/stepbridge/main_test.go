package main

import (
	"bufio"
	"context"
	"flag"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stepbridge/internal/config"
	"github.com/banshee-data/stepbridge/internal/db"
	"github.com/banshee-data/stepbridge/internal/testutil"
	"github.com/banshee-data/stepbridge/internal/wire"
)

func ptr[T any](v T) *T { return &v }

func parse(t *testing.T, args ...string) *options {
	t.Helper()
	fs := flag.NewFlagSet("stepbridge", flag.ContinueOnError)
	opts := registerFlags(fs)
	require.NoError(t, fs.Parse(args))
	return opts
}

func TestFlagDefaults(t *testing.T) {
	opts := parse(t)
	cfg, err := opts.loadConfig(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:1111", cfg.ListenHostPort())
	assert.Equal(t, 100*time.Millisecond, cfg.GetTimestep())
	assert.True(t, cfg.GetFlattenZ())
	assert.Equal(t, config.SourceDisabled, cfg.GetIngestSource())
	assert.Equal(t, "", cfg.GetJournalPath())
	assert.Equal(t, "127.0.0.1:8080", cfg.GetAdminListen())
	assert.Equal(t, "mps", *opts.units)
	assert.False(t, *opts.verbose)
	assert.False(t, *opts.version)
}

func TestConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 2000
timestep: 50ms
flatten_z: true
journal_path: /tmp/file.db
ingest:
  source: udp
  udp_address: 127.0.0.1:9999
`), 0o644))

	opts := parse(t, "--config", path, "--port", "4000", "--journal", "")
	cfg, err := opts.loadConfig(map[string]string{
		"STEPBRIDGE_PORT":               "3000",
		"STEPBRIDGE_FLATTEN_Z":          "false",
		"STEPBRIDGE_TIMESTEP":           "20ms",
		"STEPBRIDGE_INGEST_UDP_ADDRESS": "127.0.0.1:7777",
	})
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.GetPort(), "flag beats env and file")
	assert.False(t, cfg.GetFlattenZ(), "env beats file")
	assert.Equal(t, 20*time.Millisecond, cfg.GetTimestep(), "env beats file")
	assert.Equal(t, "127.0.0.1:7777", cfg.GetUDPAddress())
	assert.Equal(t, config.SourceUDP, cfg.GetIngestSource(), "file value kept")
	assert.Equal(t, "", cfg.GetJournalPath(), "explicit empty flag disables the journal")
}

func TestFlagOverrides(t *testing.T) {
	opts := parse(t,
		"--listen-address", "0.0.0.0",
		"--timestep", "250ms",
		"--flatten-z=false",
		"--reply-buffer", "64",
		"--ingest", "fixture",
		"--fixture", "telemetry.jsonl",
		"--admin-listen", "",
		"--units", "kph",
	)
	cfg, err := opts.loadConfig(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.GetListenAddress())
	assert.Equal(t, 250*time.Millisecond, cfg.GetTimestep())
	assert.False(t, cfg.GetFlattenZ())
	assert.Equal(t, 64, cfg.GetReplyBuffer())
	assert.Equal(t, config.SourceFixture, cfg.GetIngestSource())
	assert.Equal(t, "telemetry.jsonl", cfg.GetFixtureFile())
	assert.Equal(t, "", cfg.GetAdminListen())
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		environ map[string]string
	}{
		{"invalid units", []string{"--units", "furlongs"}, nil},
		{"serial without path", []string{"--ingest", "serial"}, nil},
		{"unknown source", []string{"--ingest", "carrier-pigeon"}, nil},
		{"bad reply buffer", []string{"--reply-buffer", "0"}, nil},
		{"missing config file", []string{"--config", "/nonexistent/relay.json"}, nil},
		{"bad env", nil, map[string]string{"STEPBRIDGE_PORT": "many"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			environ := tt.environ
			if environ == nil {
				environ = map[string]string{}
			}
			_, err := parse(t, tt.args...).loadConfig(environ)
			assert.Error(t, err)
		})
	}
}

func TestOpenSourceDisabled(t *testing.T) {
	testutil.MuteLogs(t)
	src, err := openSource(config.EmptyRelayConfig())
	require.NoError(t, err)
	assert.NoError(t, src.Close())
}

func TestOpenSourceMissingFixture(t *testing.T) {
	testutil.MuteLogs(t)
	cfg := config.EmptyRelayConfig()
	cfg.Ingest.Source = ptr(config.SourceFixture)
	cfg.Ingest.FixtureFile = ptr(filepath.Join(t.TempDir(), "missing.jsonl"))
	_, err := openSource(cfg)
	assert.Error(t, err)
}

const fixture = `# two velocity samples then terminate
{"topic":"/vehicle/vehicle_velocity","stamp":{"sec":10,"nanosec":0},"vehicle_velocity_propulsion":2}
{"topic":"/vehicle/vehicle_velocity","stamp":{"sec":10,"nanosec":150000000},"vehicle_velocity_propulsion":3}
{"topic":"/ds_bridge/terminate","data":true}
`

// startRun launches run and returns the peer address and the result channel.
func startRun(t *testing.T, ctx context.Context, cfg *config.RelayConfig) (string, <-chan error) {
	t.Helper()
	ready := make(chan string, 1)
	result := make(chan error, 1)
	go func() { result <- run(ctx, cfg, "mps", ready) }()

	select {
	case addr := <-ready:
		return addr, result
	case err := <-result:
		t.Fatalf("run returned before listening: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not start listening")
	}
	return "", nil
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
		return nil
	}
}

func TestRunFixtureSession(t *testing.T) {
	testutil.MuteLogs(t)
	dir := t.TempDir()
	fixturePath := filepath.Join(dir, "telemetry.jsonl")
	require.NoError(t, os.WriteFile(fixturePath, []byte(fixture), 0o644))
	journalPath := filepath.Join(dir, "journal.db")

	cfg := config.EmptyRelayConfig()
	cfg.Port = ptr(0)
	cfg.AdminListen = ptr("")
	cfg.JournalPath = ptr(journalPath)
	cfg.Ingest.Source = ptr(config.SourceFixture)
	cfg.Ingest.FixtureFile = ptr(fixturePath)
	cfg.Ingest.FixtureInterval = ptr("1ms")

	addr, result := startRun(t, context.Background(), cfg)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	r := bufio.NewReader(conn)
	var headers []string
	for {
		header, err := r.ReadString('\n')
		require.NoError(t, err)
		if wire.IsTeardown([]byte(header)) {
			break
		}
		values, err := r.ReadString('\n')
		require.NoError(t, err)
		pkt, err := wire.DecodeStepPacket([]byte(header + values))
		require.NoError(t, err)
		headers = append(headers, pkt.Header())
		assert.Equal(t, 2.0, pkt.Velocity)
		_, err = conn.Write([]byte("0"))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"0,0"}, headers)
	require.NoError(t, waitResult(t, result))

	store, err := db.NewDB(journalPath)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	n, err := store.StepCount(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, reasonTerminated, sessions[0].EndReason)
	assert.NotNil(t, sessions[0].EndedAt)
}

func TestRunPeerDisconnect(t *testing.T) {
	testutil.MuteLogs(t)
	dir := t.TempDir()
	fixturePath := filepath.Join(dir, "telemetry.jsonl")
	require.NoError(t, os.WriteFile(fixturePath, []byte(fixture), 0o644))

	cfg := config.EmptyRelayConfig()
	cfg.Port = ptr(0)
	cfg.AdminListen = ptr("")
	cfg.Ingest.Source = ptr(config.SourceFixture)
	cfg.Ingest.FixtureFile = ptr(fixturePath)
	cfg.Ingest.FixtureInterval = ptr("1ms")

	addr, result := startRun(t, context.Background(), cfg)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	// hang up as soon as the first step arrives
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	err = waitResult(t, result)
	assert.ErrorIs(t, err, wire.ErrPeerClosed)
}

func TestRunInterruptedBeforePeer(t *testing.T) {
	testutil.MuteLogs(t)
	cfg := config.EmptyRelayConfig()
	cfg.Port = ptr(0)
	cfg.AdminListen = ptr("")

	ctx, cancel := context.WithCancel(context.Background())
	_, result := startRun(t, ctx, cfg)
	cancel()
	assert.NoError(t, waitResult(t, result))
}

func TestRunInterruptedSendsTeardown(t *testing.T) {
	testutil.MuteLogs(t)
	cfg := config.EmptyRelayConfig()
	cfg.Port = ptr(0)
	cfg.AdminListen = ptr("127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	addr, result := startRun(t, ctx, cfg)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// give run time to accept the peer before interrupting
	time.Sleep(100 * time.Millisecond)
	cancel()

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.True(t, wire.IsTeardown([]byte(line)))
	assert.NoError(t, waitResult(t, result))
}
