// Command stepbridge relays vehicle telemetry into a fixed-timestep
// simulation peer over the step protocol.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/stepbridge/internal/api"
	"github.com/banshee-data/stepbridge/internal/config"
	"github.com/banshee-data/stepbridge/internal/db"
	"github.com/banshee-data/stepbridge/internal/ingest"
	"github.com/banshee-data/stepbridge/internal/monitoring"
	"github.com/banshee-data/stepbridge/internal/relay"
	"github.com/banshee-data/stepbridge/internal/serialmux"
	"github.com/banshee-data/stepbridge/internal/tracing"
	"github.com/banshee-data/stepbridge/internal/version"
	"github.com/banshee-data/stepbridge/internal/wire"
)

// teardownTimeout bounds the teardown sent to the peer on interrupt.
const teardownTimeout = time.Second

func main() {
	opts := registerFlags(flag.CommandLine)
	flag.Parse()

	if *opts.version {
		fmt.Println(version.String())
		return
	}
	monitoring.SetVerbose(*opts.verbose)

	cfg, err := opts.loadConfig(nil)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if flag.Arg(0) == "migrate" {
		if err := db.RunMigrateCommand(os.Stdout, flag.Args()[1:], cfg.GetJournalPath()); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *opts.units, nil); err != nil {
		log.Printf("stepbridge stopped: %v", err)
		stop()
		os.Exit(1)
	}
	log.Printf("Graceful shutdown complete")
}

// run serves one simulation peer until telemetry asks to terminate, the
// telemetry source ends, ctx is cancelled or the peer connection fails. Only
// the last case is returned as an error. ready, when non-nil, receives the
// peer listen address once bound.
func run(ctx context.Context, cfg *config.RelayConfig, displayUnits string, ready chan<- string) error {
	shutdownTracing, err := tracing.Setup(ctx, "stepbridge")
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Printf("tracing shutdown error: %v", err)
		}
	}()

	transport, err := wire.Listen(cfg.GetListenAddress(), cfg.GetPort())
	if err != nil {
		return err
	}
	defer transport.Close()
	transport.SetReplyBufferSize(cfg.GetReplyBuffer())

	log.Printf("waiting for simulation peer on %s", transport.Addr())
	if ready != nil {
		ready <- transport.Addr().String()
	}
	if err := transport.AcceptOne(ctx); err != nil {
		if ctx.Err() != nil {
			log.Printf("interrupted before a simulation peer connected")
			return nil
		}
		return err
	}
	peerAddr := transport.RemoteAddr().String()
	log.Printf("simulation peer connected from %s", peerAddr)

	schedCfg := cfg.SchedulerConfig()
	topics := cfg.GetTopics()

	source, err := openSource(cfg)
	if err != nil {
		return err
	}
	defer source.Close()

	schedOpts := []relay.Option{relay.WithStopPublisher(ingest.NewStopPublisher(source, topics.StopCmd))}

	var (
		journal *db.Journal
		steps   api.StepSource
		store   *db.DB
	)
	if path := cfg.GetJournalPath(); path != "" {
		store, err = db.NewDB(path)
		if err != nil {
			return fmt.Errorf("failed to open step journal: %w", err)
		}
		defer store.Close()

		journal, err = store.StartSession(ctx, schedCfg, peerAddr, time.Now())
		if err != nil {
			return err
		}
		log.Printf("journalling session %s to %s", journal.Session().ID, path)
		steps = journal
		schedOpts = append(schedOpts, relay.WithJournal(journal))
	}

	sched, err := relay.NewScheduler(schedCfg, transport, schedOpts...)
	if err != nil {
		return err
	}
	adapter := ingest.NewAdapter(topics, sched)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// subscribe before monitoring so no early line is missed; the adapter
	// must see every line, terminate and remote stop included
	id, lines := source.SubscribeBlocking()

	var wg sync.WaitGroup
	sourceDone := make(chan error, 1)

	// run the monitor routine to manage IO on the telemetry port
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := source.Monitor(runCtx)
		log.Print("monitor routine terminated")
		sourceDone <- err
		switch {
		case err == nil:
			// end of input: closing the mux lets the adapter drain what is
			// already buffered before it stops
			log.Printf("telemetry source reached end of input")
			source.Close()
		case !errors.Is(err, context.Canceled):
			log.Printf("failed to monitor telemetry source: %v", err)
			cancel()
		}
	}()

	if addr := cfg.GetAdminListen(); addr != "" {
		srv := api.NewServer(sched, steps, adapter, displayUnits)
		if store != nil {
			srv.WithSessions(store)
		}
		mux := srv.ServeMux()
		source.AttachAdminRoutes(mux)
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach journal admin routes: %v", err)
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			serveAdmin(runCtx, addr, api.LoggingMiddleware(mux))
		}()
	}

	runErr := adapter.Run(runCtx, lines)
	source.Unsubscribe(id)
	cancel()

	reason, result := classify(ctx, runErr, sourceDone)
	if reason == reasonInterrupted {
		teardownCtx, done := context.WithTimeout(context.Background(), teardownTimeout)
		if err := sched.HandleTerminate(teardownCtx, true); err != nil && err != relay.ErrTerminated {
			log.Printf("failed to send teardown to simulation peer: %v", err)
		}
		done()
	}

	wg.Wait()

	if journal != nil {
		if err := journal.End(context.Background(), time.Now(), reason); err != nil {
			log.Printf("failed to close journal session: %v", err)
		}
	}
	snap := sched.Snapshot()
	log.Printf("session ended (%s) after %d steps, %d stops issued", reason, snap.StepsFlushed, snap.StopsIssued)
	return result
}

const (
	reasonTerminated   = "terminated"
	reasonInterrupted  = "interrupted"
	reasonSourceEnded  = "source ended"
	reasonSourceFailed = "source failed"
	reasonPeerFailed   = "peer failed"
)

// classify maps the adapter result onto a session end reason and the error
// run should return.
func classify(parent context.Context, runErr error, sourceDone <-chan error) (string, error) {
	switch {
	case errors.Is(runErr, relay.ErrTerminated):
		return reasonTerminated, nil
	case parent.Err() != nil:
		return reasonInterrupted, nil
	case runErr != nil && !errors.Is(runErr, context.Canceled):
		return reasonPeerFailed, runErr
	}

	// the adapter stopped because the source ended or failed
	srcErr := <-sourceDone
	if srcErr != nil && !errors.Is(srcErr, context.Canceled) {
		return reasonSourceFailed, fmt.Errorf("telemetry source failed: %w", srcErr)
	}
	return reasonSourceEnded, nil
}

// openSource builds the telemetry multiplexer selected by the ingest config.
func openSource(cfg *config.RelayConfig) (serialmux.SerialMuxInterface, error) {
	switch src := cfg.GetIngestSource(); src {
	case config.SourceSerial:
		log.Printf("reading telemetry from serial port %s", cfg.GetSerialPath())
		return serialmux.NewRealSerialMux(cfg.GetSerialPath(), cfg.GetSerialOptions())
	case config.SourceUDP:
		log.Printf("reading telemetry datagrams on %s", cfg.GetUDPAddress())
		return serialmux.NewUDPSerialMux(cfg.GetUDPAddress())
	case config.SourcePcap:
		log.Printf("replaying telemetry from %s", cfg.GetPcapFile())
		return serialmux.NewPcapSerialMux(cfg.GetPcapFile(), serialmux.PcapOptions{
			UDPPort:         cfg.GetUDPPort(),
			SpeedMultiplier: cfg.GetPcapSpeed(),
		})
	case config.SourceFixture:
		log.Printf("replaying telemetry fixture %s", cfg.GetFixtureFile())
		return serialmux.NewFixtureSerialMux(cfg.GetFixtureFile(), serialmux.FixtureOptions{
			Interval: cfg.GetFixtureInterval(),
		})
	case config.SourceDisabled:
		log.Printf("telemetry ingest disabled")
		return serialmux.NewDisabledSerialMux(), nil
	default:
		return nil, fmt.Errorf("unknown ingest source %q", src)
	}
}

func serveAdmin(ctx context.Context, addr string, h http.Handler) {
	server := &http.Server{
		Addr:    addr,
		Handler: h,
	}

	go func() {
		log.Printf("status API listening on http://%s/api/status", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start status server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
}
