// Package api serves the counter over HTTP: JSON endpoints, live snapshot
// streams, the dashboard and debug charts.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/lanecount/internal/acquire"
	"github.com/banshee-data/lanecount/internal/broadcast"
	"github.com/banshee-data/lanecount/internal/config"
	"github.com/banshee-data/lanecount/internal/db"
	"github.com/banshee-data/lanecount/internal/httputil"
	"github.com/banshee-data/lanecount/internal/lane"
	"github.com/banshee-data/lanecount/internal/monitoring"
	"github.com/banshee-data/lanecount/internal/version"
)

const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Counter is the part of the acquisition loop the API drives.
type Counter interface {
	Snapshot() lane.Snapshot
	Reset(ctx context.Context, origin string) lane.Snapshot
	RequestCalibration(ctx context.Context, laneIdx int) (lane.CalibrationResult, error)
	Trace(laneIdx int) []acquire.TracePoint
	Uptime() time.Duration
}

// History is the read side of the event store.
type History interface {
	RecentEvents(ctx context.Context, limit int) ([]db.Event, error)
	LaneTotals(ctx context.Context, since time.Time) ([]db.LaneTotal, error)
	HourlyCounts(ctx context.Context, since time.Time) ([]db.HourlyCount, error)
}

type Server struct {
	counter Counter
	hub     *broadcast.Hub
	history History
	config  config.Effective

	// DevMode serves the dashboard from disk instead of the embedded copy.
	DevMode bool
	// CalibrateTimeout bounds a calibration request, including the wait for
	// the acquisition loop to pick it up.
	CalibrateTimeout time.Duration
	// KeepAlive is the SSE comment interval.
	KeepAlive time.Duration

	upgrader websocket.Upgrader
}

// NewServer builds the API. history may be nil, in which case the history
// endpoints answer 503.
func NewServer(counter Counter, hub *broadcast.Hub, history History, cfg config.Effective) *Server {
	return &Server{
		counter:          counter,
		hub:              hub,
		history:          history,
		config:           cfg,
		CalibrateTimeout: 10 * time.Second,
		KeepAlive:        15 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
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
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the WebSocket upgrader take over the connection.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 100 && statusCode < 200, statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

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
	mux.HandleFunc("GET /api/counts", s.showCounts)
	mux.HandleFunc("POST /api/reset", s.resetCounts)
	mux.HandleFunc("POST /api/lanes/{lane}/calibrate", s.calibrateLane)
	mux.HandleFunc("GET /api/events", s.listEvents)
	mux.HandleFunc("GET /api/history", s.showHistory)
	mux.HandleFunc("GET /api/config", s.showConfig)
	mux.HandleFunc("GET /api/stream", s.streamSnapshots)
	mux.HandleFunc("GET /ws", s.serveWebSocket)
	mux.Handle("/", s.staticHandler())
	return mux
}

func (s *Server) showCounts(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.counter.Snapshot())
}

func (s *Server) resetCounts(w http.ResponseWriter, r *http.Request) {
	// The reset is recorded even if the client goes away mid-request.
	snap := s.counter.Reset(context.WithoutCancel(r.Context()), "api")
	httputil.WriteJSONOK(w, snap)
}

type calibrationResponse struct {
	Lane   int                    `json:"lane"`
	Result lane.CalibrationResult `json:"result"`
	Error  string                 `json:"error,omitempty"`
	State  *lane.LaneSnapshot     `json:"state,omitempty"`
}

func (s *Server) calibrateLane(w http.ResponseWriter, r *http.Request) {
	laneNum, err := strconv.Atoi(r.PathValue("lane"))
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid lane %q", r.PathValue("lane")))
		return
	}
	n := len(s.counter.Snapshot().Lanes)
	if laneNum < 1 || laneNum > n {
		httputil.NotFound(w, fmt.Sprintf("lane %d out of range 1..%d", laneNum, n))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.CalibrateTimeout)
	defer cancel()
	res, err := s.counter.RequestCalibration(ctx, laneNum-1)

	resp := calibrationResponse{Lane: laneNum, Result: res}
	if snap := s.counter.Snapshot(); laneNum <= len(snap.Lanes) {
		resp.State = &snap.Lanes[laneNum-1]
	}

	status := http.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, lane.ErrNoValidSamples):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, lane.ErrLaneOutOfRange):
		status = http.StatusNotFound
	case errors.Is(err, acquire.ErrNotRunning):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		status = http.StatusBadGateway
	}
	if err != nil {
		resp.Error = err.Error()
	}
	httputil.WriteJSON(w, status, resp)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		httputil.ServiceUnavailable(w, "history database disabled")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			httputil.BadRequest(w, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	events, err := s.history.RecentEvents(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to read events: %v", err))
		return
	}
	if events == nil {
		events = []db.Event{}
	}
	httputil.WriteJSONOK(w, events)
}

type historyResponse struct {
	Since  time.Time        `json:"since"`
	Lanes  []db.LaneTotal   `json:"lanes"`
	Hourly []db.HourlyCount `json:"hourly"`
}

func (s *Server) showHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		httputil.ServiceUnavailable(w, "history database disabled")
		return
	}
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 24*31 {
			httputil.BadRequest(w, "hours must be between 1 and 744")
			return
		}
		hours = n
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour).UTC()

	totals, err := s.history.LaneTotals(r.Context(), since)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to read lane totals: %v", err))
		return
	}
	hourly, err := s.history.HourlyCounts(r.Context(), since)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to read hourly counts: %v", err))
		return
	}
	resp := historyResponse{Since: since, Lanes: totals, Hourly: hourly}
	if resp.Lanes == nil {
		resp.Lanes = []db.LaneTotal{}
	}
	if resp.Hourly == nil {
		resp.Hourly = []db.HourlyCount{}
	}
	httputil.WriteJSONOK(w, resp)
}

type configResponse struct {
	Config      config.Effective `json:"config"`
	Version     version.Info     `json:"version"`
	UptimeMS    int64            `json:"uptime_ms"`
	Subscribers int              `json:"subscribers"`
	History     bool             `json:"history"`
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, configResponse{
		Config:      s.config,
		Version:     version.Current(),
		UptimeMS:    s.counter.Uptime().Milliseconds(),
		Subscribers: s.hub.Subscribers(),
		History:     s.history != nil,
	})
}
