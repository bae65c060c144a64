package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/lanecount/internal/acquire"
	"github.com/banshee-data/lanecount/internal/broadcast"
	"github.com/banshee-data/lanecount/internal/config"
	"github.com/banshee-data/lanecount/internal/db"
	"github.com/banshee-data/lanecount/internal/lane"
	"github.com/banshee-data/lanecount/internal/monitoring"
	"github.com/banshee-data/lanecount/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

// fakeCounter stands in for the acquisition loop.
type fakeCounter struct {
	mu      sync.Mutex
	snap    lane.Snapshot
	resets  []string
	calLane int
	calRes  lane.CalibrationResult
	calErr  error
	trace   []acquire.TracePoint
	notify  func()
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{
		calLane: -1,
		snap: lane.Snapshot{
			Lanes: []lane.LaneSnapshot{
				{Lane: 1, Count: 3, State: lane.Idle, SensorOK: true, LastDistanceMM: 498,
					BaselineMM: 500, DetectThresholdMM: 420, ClearThresholdMM: 450},
				{Lane: 2, Count: 2, State: lane.ObjectPresent, SensorOK: false, LastDistanceMM: 300},
			},
			Total:       5,
			SessionID:   "session-1",
			TimestampMS: 1234,
		},
	}
}

func (f *fakeCounter) Snapshot() lane.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.snap
	s.Lanes = append([]lane.LaneSnapshot(nil), f.snap.Lanes...)
	return s
}

func (f *fakeCounter) Reset(_ context.Context, origin string) lane.Snapshot {
	f.mu.Lock()
	f.resets = append(f.resets, origin)
	for i := range f.snap.Lanes {
		f.snap.Lanes[i].Count = 0
		f.snap.Lanes[i].State = lane.Idle
	}
	f.snap.Total = 0
	f.snap.SessionID = "session-2"
	notify := f.notify
	f.mu.Unlock()
	if notify != nil {
		notify()
	}
	return f.Snapshot()
}

func (f *fakeCounter) RequestCalibration(ctx context.Context, laneIdx int) (lane.CalibrationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calLane = laneIdx
	return f.calRes, f.calErr
}

func (f *fakeCounter) Trace(int) []acquire.TracePoint { return f.trace }

func (f *fakeCounter) Uptime() time.Duration { return 90 * time.Second }

func (f *fakeCounter) resetOrigins() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resets...)
}

func setupTestServer(t *testing.T, history History) (*Server, *fakeCounter, *broadcast.Hub) {
	t.Helper()
	fc := newFakeCounter()
	hub := broadcast.NewHub(fc.Snapshot, 0)
	fc.notify = hub.Notify
	server := NewServer(fc, hub, history, config.DefaultCounterConfig().Effective())
	return server, fc, hub
}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(w, req)
	return w
}

func TestShowCounts(t *testing.T) {
	server, _, _ := setupTestServer(t, nil)

	w := serve(server, httptest.NewRequest(http.MethodGet, "/api/counts", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	snap := testutil.DecodeJSON[lane.Snapshot](t, w.Body)
	if snap.Total != 5 || len(snap.Lanes) != 2 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.Lanes[1].State != lane.ObjectPresent || snap.Lanes[1].SensorOK {
		t.Errorf("lane 2 decoded as %+v", snap.Lanes[1])
	}
}

func TestResetCounts(t *testing.T) {
	server, fc, _ := setupTestServer(t, nil)

	w := serve(server, httptest.NewRequest(http.MethodPost, "/api/reset", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var snap lane.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if snap.Total != 0 || snap.SessionID != "session-2" {
		t.Errorf("unexpected snapshot after reset %+v", snap)
	}
	if got := fc.resetOrigins(); len(got) != 1 || got[0] != "api" {
		t.Errorf("reset origins = %v, want [api]", got)
	}
}

func TestCalibrateLane(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		err      error
		wantCode int
		wantLane int
	}{
		{"ok", "/api/lanes/2/calibrate", nil, http.StatusOK, 1},
		{"not a number", "/api/lanes/x/calibrate", nil, http.StatusBadRequest, -1},
		{"out of range", "/api/lanes/9/calibrate", nil, http.StatusNotFound, -1},
		{"zero", "/api/lanes/0/calibrate", nil, http.StatusNotFound, -1},
		{"no valid samples", "/api/lanes/1/calibrate", fmt.Errorf("lane 1: %w", lane.ErrNoValidSamples), http.StatusUnprocessableEntity, 0},
		{"loop stopped", "/api/lanes/1/calibrate", acquire.ErrNotRunning, http.StatusServiceUnavailable, 0},
		{"timeout", "/api/lanes/1/calibrate", context.DeadlineExceeded, http.StatusGatewayTimeout, 0},
		{"sensor init", "/api/lanes/1/calibrate", errors.New("lane 1: sensor init: nack"), http.StatusBadGateway, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, fc, _ := setupTestServer(t, nil)
			fc.calErr = tt.err
			fc.calRes = lane.CalibrationResult{BaselineMM: 510, DetectThreshold: 430, ClearThreshold: 460, ValidSamples: 20}

			w := serve(server, httptest.NewRequest(http.MethodPost, tt.path, nil))
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
			if fc.calLane != tt.wantLane {
				t.Errorf("calibration requested for lane index %d, want %d", fc.calLane, tt.wantLane)
			}
			if tt.wantLane < 0 {
				return
			}

			var resp calibrationResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resp.Lane != tt.wantLane+1 {
				t.Errorf("response lane = %d, want %d", resp.Lane, tt.wantLane+1)
			}
			if (tt.err == nil) != (resp.Error == "") {
				t.Errorf("response error = %q, want error=%v", resp.Error, tt.err)
			}
			if resp.State == nil {
				t.Error("response should carry the lane state")
			}
		})
	}
}

func TestHistoryDisabled(t *testing.T) {
	server, _, _ := setupTestServer(t, nil)
	for _, path := range []string{"/api/events", "/api/history"} {
		w := serve(server, httptest.NewRequest(http.MethodGet, path, nil))
		testutil.AssertStatusCode(t, w.Code, http.StatusServiceUnavailable)
	}
}

func TestEventsAndHistory(t *testing.T) {
	database := setupTestDB(t)
	server, _, _ := setupTestServer(t, database)
	ctx := context.Background()
	now := time.Now()

	if err := database.RecordCount(ctx, db.CountEvent{SessionID: "s", Lane: 1, LaneCount: 1, Total: 1, At: now.Add(-time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if err := database.RecordCount(ctx, db.CountEvent{SessionID: "s", Lane: 2, LaneCount: 1, Total: 2, At: now.Add(-3 * time.Hour)}); err != nil {
		t.Fatal(err)
	}

	w := serve(server, httptest.NewRequest(http.MethodGet, "/api/events?limit=5", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("events status = %d", w.Code)
	}
	var events []db.Event
	if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Lane != 1 {
		t.Errorf("unexpected events %+v", events)
	}

	for _, q := range []string{"limit=0", "limit=abc", "limit=5000"} {
		w := serve(server, httptest.NewRequest(http.MethodGet, "/api/events?"+q, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, w.Code)
		}
	}

	w = serve(server, httptest.NewRequest(http.MethodGet, "/api/history?hours=2", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d", w.Code)
	}
	var hist historyResponse
	if err := json.NewDecoder(w.Body).Decode(&hist); err != nil {
		t.Fatal(err)
	}
	if len(hist.Lanes) != 1 || hist.Lanes[0] != (db.LaneTotal{Lane: 1, Count: 1}) {
		t.Errorf("unexpected lane totals %+v", hist.Lanes)
	}
	if len(hist.Hourly) == 0 {
		t.Error("expected hourly buckets")
	}

	w = serve(server, httptest.NewRequest(http.MethodGet, "/api/history?hours=0", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("hours=0: status = %d, want 400", w.Code)
	}
}

func TestShowConfig(t *testing.T) {
	server, _, _ := setupTestServer(t, nil)

	w := serve(server, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := testutil.DecodeJSON[configResponse](t, w.Body)
	if resp.Config.NumLanes != 4 || resp.Config.Lockout != "60ms" {
		t.Errorf("unexpected config %+v", resp.Config)
	}
	if resp.Version.Version != "dev" {
		t.Errorf("version = %q, want dev", resp.Version.Version)
	}
	if resp.UptimeMS != 90000 || resp.History {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestStaticIndex(t *testing.T) {
	server, _, _ := setupTestServer(t, nil)
	w := serve(server, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<title>Lane counter</title>") {
		t.Error("index page not served")
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	monitoring.SetLogger(func(format string, v ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(&buf, format, v...)
	})
	defer monitoring.SetLogger(nil)

	server, _, _ := setupTestServer(t, nil)
	h := LoggingMiddleware(server.ServeMux())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/lanes/1/calibrate", nil))

	mu.Lock()
	defer mu.Unlock()
	line := buf.String()
	if !strings.Contains(line, "GET") || !strings.Contains(line, "/api/lanes/1/calibrate") {
		t.Errorf("unexpected log line %q", line)
	}
	if !strings.Contains(line, statusCodeColor(w.Code)) {
		t.Errorf("log line %q missing status %d", line, w.Code)
	}
}

func TestStatusCodeColor(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, colorBoldGreen},
		{101, colorYellow},
		{304, colorYellow},
		{404, colorBoldRed},
		{503, colorBoldRed},
	}
	for _, tt := range tests {
		if got := statusCodeColor(tt.code); !strings.HasPrefix(got, tt.want) {
			t.Errorf("statusCodeColor(%d) = %q", tt.code, got)
		}
	}
}
