// Package api serves the relay's read-only status surface: the live scheduler
// snapshot, recent journal rows and a latency chart.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/stepbridge/internal/db"
	"github.com/banshee-data/stepbridge/internal/httputil"
	"github.com/banshee-data/stepbridge/internal/ingest"
	"github.com/banshee-data/stepbridge/internal/monitoring"
	"github.com/banshee-data/stepbridge/internal/relay"
	"github.com/banshee-data/stepbridge/internal/timeutil"
	"github.com/banshee-data/stepbridge/internal/units"
	"github.com/banshee-data/stepbridge/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// StatusSource provides the live scheduler state. *relay.Scheduler implements it.
type StatusSource interface {
	Snapshot() relay.Snapshot
}

// StepSource reads the step journal. *db.Journal implements it.
type StepSource interface {
	RecentSteps(ctx context.Context, limit int) ([]db.Step, error)
	StepCount(ctx context.Context) (int64, error)
}

// SessionSource lists journalled sessions. *db.DB implements it.
type SessionSource interface {
	Sessions(ctx context.Context) ([]db.Session, error)
	LastStep(ctx context.Context, sessionID string) (db.Step, error)
}

// IngestStats reports telemetry line counters. *ingest.Adapter implements it.
type IngestStats interface {
	Stats() ingest.Stats
}

type Server struct {
	status   StatusSource
	steps    StepSource
	sessions SessionSource
	stats    IngestStats
	units    string
	clock    timeutil.Clock
	started  time.Time
}

// NewServer returns a server reporting on status. steps and stats may be nil,
// in which case the journal routes answer 404 and ingest counters are omitted.
// units is the default display unit for velocity.
func NewServer(status StatusSource, steps StepSource, stats IngestStats, units string) *Server {
	return newServerWithClock(status, steps, stats, units, timeutil.RealClock{})
}

func newServerWithClock(status StatusSource, steps StepSource, stats IngestStats, displayUnits string, clock timeutil.Clock) *Server {
	if displayUnits == "" {
		displayUnits = units.MPS
	}
	return &Server{
		status:  status,
		steps:   steps,
		stats:   stats,
		units:   displayUnits,
		clock:   clock,
		started: clock.Now(),
	}
}

// WithSessions enables /api/sessions, which answers 404 otherwise.
func (s *Server) WithSessions(sessions SessionSource) *Server {
	s.sessions = sessions
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/steps", s.listSteps)
	mux.HandleFunc("/api/steps/chart", s.showStepChart)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/config", s.showConfig)
	return mux
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	relay.Snapshot
	Units           string        `json:"units"`
	DisplayVelocity float64       `json:"display_velocity"`
	Ingest          *ingest.Stats `json:"ingest,omitempty"`
	Version         string        `json:"version"`
	UptimeSeconds   float64       `json:"uptime_s"`
}

// displayUnits returns the ?units= override or the server default.
func (s *Server) displayUnits(r *http.Request) (string, error) {
	u := r.URL.Query().Get("units")
	if u == "" {
		return s.units, nil
	}
	if !units.IsValid(u) {
		return "", fmt.Errorf("invalid 'units' parameter %q. Must be one of: %s", u, units.GetValidUnitsString())
	}
	return u, nil
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	displayUnits, err := s.displayUnits(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	snap := s.status.Snapshot()
	resp := StatusResponse{
		Snapshot:        snap,
		Units:           displayUnits,
		DisplayVelocity: units.ConvertSpeed(snap.Velocity, displayUnits),
		Version:         version.Version,
		UptimeSeconds:   s.clock.Since(s.started).Seconds(),
	}
	if s.stats != nil {
		st := s.stats.Stats()
		resp.Ingest = &st
	}
	httputil.WriteJSONOK(w, resp)
}

// StepsResponse is the body of GET /api/steps.
type StepsResponse struct {
	Total int64     `json:"total"`
	Steps []db.Step `json:"steps"`
}

// recentSteps validates ?limit= and reads the journal. It writes the error
// response itself and returns ok=false on failure.
func (s *Server) recentSteps(w http.ResponseWriter, r *http.Request) ([]db.Step, bool) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return nil, false
	}
	if s.steps == nil {
		httputil.NotFound(w, "journal disabled")
		return nil, false
	}
	limit, err := httputil.QueryInt(r, "limit", db.DefaultStepLimit, 1, db.MaxStepLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return nil, false
	}
	steps, err := s.steps.RecentSteps(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve steps: %v", err))
		return nil, false
	}
	return steps, true
}

func (s *Server) listSteps(w http.ResponseWriter, r *http.Request) {
	steps, ok := s.recentSteps(w, r)
	if !ok {
		return
	}
	total, err := s.steps.StepCount(r.Context())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to count steps: %v", err))
		return
	}
	if steps == nil {
		steps = []db.Step{}
	}
	httputil.WriteJSONOK(w, StepsResponse{Total: total, Steps: steps})
}

// showStepChart renders round-trip latency per step as an HTML line chart.
// Query params:
//   - limit (optional; default 100) number of most recent steps to plot
func (s *Server) showStepChart(w http.ResponseWriter, r *http.Request) {
	steps, ok := s.recentSteps(w, r)
	if !ok {
		return
	}

	// steps arrive newest first; plot oldest to newest
	x := make([]string, 0, len(steps))
	latency := make([]opts.LineData, 0, len(steps))
	var stops []opts.LineData
	for i := len(steps) - 1; i >= 0; i-- {
		st := steps[i]
		x = append(x, st.SimTime)
		latency = append(latency, opts.LineData{Value: float64(st.RoundTrip.Microseconds()) / 1e3})
		if st.Stop {
			stops = append(stops, opts.LineData{Value: float64(st.RoundTrip.Microseconds()) / 1e3})
		} else {
			stops = append(stops, opts.LineData{Value: "-"})
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "stepbridge step latency", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Step round trip", Subtitle: fmt.Sprintf("%d most recent steps", len(steps))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "sim time", Type: "category"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(x).
		AddSeries("round trip", latency, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true), ShowSymbol: opts.Bool(false)})).
		AddSeries("stop issued", stops, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to render chart: %v", err))
		return
	}
	httputil.WriteHTML(w, buf.Bytes())
}

// SessionSummary is one entry of GET /api/sessions.
type SessionSummary struct {
	db.Session
	LastStep *db.Step `json:"last_step,omitempty"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.sessions == nil {
		httputil.NotFound(w, "journal disabled")
		return
	}
	sessions, err := s.sessions.Sessions(r.Context())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve sessions: %v", err))
		return
	}

	out := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		sum := SessionSummary{Session: sess}
		last, err := s.sessions.LastStep(r.Context(), sess.ID)
		switch {
		case err == nil:
			sum.LastStep = &last
		case !errors.Is(err, db.ErrNoSteps):
			httputil.InternalServerError(w, fmt.Sprintf("Failed to read last step of %s: %v", sess.ID, err))
			return
		}
		out = append(out, sum)
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	snap := s.status.Snapshot()
	httputil.WriteJSONOK(w, map[string]interface{}{
		"units":          s.units,
		"journal":        s.steps != nil,
		"version":        version.Version,
		"git_sha":        version.GitSHA,
		"build_time":     version.BuildTime,
		"timestep_ms":    snap.TimestepMs,
		"origin_latched": snap.PositionLatched,
	})
}
