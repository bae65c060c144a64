// Package acquire drives the sensors: it initialises and calibrates every
// lane, then polls all lanes in a loop and feeds the registry.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/lanecount/internal/config"
	"github.com/banshee-data/lanecount/internal/db"
	"github.com/banshee-data/lanecount/internal/lane"
	"github.com/banshee-data/lanecount/internal/monitoring"
	"github.com/banshee-data/lanecount/internal/sensor"
	"github.com/banshee-data/lanecount/internal/timeutil"
)

var (
	calLogf  = monitoring.Tagged("cal")
	laneLogf = monitoring.Tagged("lane")
)

// eventQueueSize bounds the count and calibration events waiting for the
// recorder.
const eventQueueSize = 256

// ErrNotRunning is returned by RequestCalibration once the loop has exited.
var ErrNotRunning = errors.New("acquisition loop not running")

// Recorder persists loop events. Implemented by *db.DB.
type Recorder interface {
	RecordCount(ctx context.Context, e db.CountEvent) error
	RecordReset(ctx context.Context, e db.ResetEvent) error
	RecordCalibration(ctx context.Context, e db.CalibrationEvent) error
}

// Notifier is told whenever the published state changed.
type Notifier interface {
	Notify()
}

// CountHook is called for every counted lane, after the registry recorded it.
type CountHook func(snap lane.Snapshot, laneIdx int)

// Options configures a Loop.
type Options struct {
	Lockout             time.Duration
	CalibrationSamples  int
	CalibrationInterval time.Duration
	PollInterval        time.Duration
	TraceLength         int
	Params              lane.CalibrationParams
	Clock               timeutil.Clock
}

// OptionsFromConfig maps the counter configuration onto loop options.
func OptionsFromConfig(cfg *config.CounterConfig) Options {
	return Options{
		Lockout:             cfg.GetLockout(),
		CalibrationSamples:  cfg.GetCalibrationSamples(),
		CalibrationInterval: cfg.GetCalibrationInterval(),
		PollInterval:        cfg.GetPollInterval(),
		TraceLength:         cfg.GetTraceLength(),
		Params:              cfg.CalibrationParams(),
	}
}

type calRequest struct {
	lane  int
	reply chan calReply
}

type calReply struct {
	res lane.CalibrationResult
	err error
}

// Loop owns the sensor source. Only the Run goroutine talks to sensors;
// other goroutines reach them through RequestCalibration.
type Loop struct {
	reg    *lane.Registry
	src    sensor.Source
	opts   Options
	clock  timeutil.Clock
	watch  *timeutil.Stopwatch
	traces *Traces

	rec    Recorder
	notify Notifier
	hooks  []CountHook

	calReq  chan calRequest
	stopped chan struct{}
	events  chan func(context.Context) error

	lastStates []lane.State
	lastOK     []bool
	readErrs   []int
}

// New builds a loop over the lanes both reg and src provide. rec and notify
// may be nil.
func New(reg *lane.Registry, src sensor.Source, rec Recorder, notify Notifier, opts Options) *Loop {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.CalibrationSamples <= 0 {
		opts.CalibrationSamples = 1
	}
	n := min(reg.Len(), src.Lanes())
	return &Loop{
		reg:        reg,
		src:        src,
		opts:       opts,
		clock:      opts.Clock,
		watch:      timeutil.NewStopwatch(opts.Clock),
		traces:     NewTraces(n, opts.TraceLength),
		rec:        rec,
		notify:     notify,
		calReq:     make(chan calRequest),
		stopped:    make(chan struct{}),
		events:     make(chan func(context.Context) error, eventQueueSize),
		lastStates: make([]lane.State, n),
		lastOK:     make([]bool, n),
		readErrs:   make([]int, n),
	}
}

// OnCount registers a hook run for each count. Register hooks before Run.
func (l *Loop) OnCount(h CountHook) {
	l.hooks = append(l.hooks, h)
}

// Lanes returns the number of lanes driven.
func (l *Loop) Lanes() int { return len(l.lastStates) }

// Snapshot returns the registry snapshot.
func (l *Loop) Snapshot() lane.Snapshot { return l.reg.Snapshot() }

// Uptime returns the time since the loop was created.
func (l *Loop) Uptime() time.Duration { return l.watch.Elapsed() }

// Trace returns the recent raw readings of a lane, oldest first.
func (l *Loop) Trace(laneIdx int) []TracePoint { return l.traces.Lane(laneIdx) }

// Run initialises and calibrates every lane, then polls until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.stopped)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.drainEvents(context.WithoutCancel(ctx))
	}()
	defer func() {
		close(l.events)
		wg.Wait()
	}()

	for i := 0; i < l.Lanes(); i++ {
		if err := l.src.Init(ctx, i); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			laneLogf("lane %d: sensor init failed: %v", i+1, err)
			_ = l.reg.MarkUnhealthy(i)
			continue
		}
		if _, err := l.calibrate(ctx, i); ctx.Err() != nil {
			return ctx.Err()
		} else if err != nil {
			calLogf("lane %d: calibration failed: %v", i+1, err)
		}
	}
	l.observe()
	l.changed()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-l.calReq:
			res, err := l.recalibrate(ctx, req.lane)
			req.reply <- calReply{res: res, err: err}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		default:
		}

		if !l.anyHealthy() {
			if err := l.idle(ctx); err != nil {
				return err
			}
			continue
		}
		if err := l.cycle(ctx); err != nil {
			return err
		}
		if l.opts.PollInterval > 0 {
			l.clock.Sleep(l.opts.PollInterval)
		}
	}
}

func (l *Loop) anyHealthy() bool {
	for _, ok := range l.lastOK {
		if ok {
			return true
		}
	}
	return false
}

// idle waits for a calibration request while no lane is healthy.
func (l *Loop) idle(ctx context.Context) error {
	laneLogf("no healthy lanes, waiting for a calibration request")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case req := <-l.calReq:
		res, err := l.recalibrate(ctx, req.lane)
		req.reply <- calReply{res: res, err: err}
		return ctx.Err()
	}
}

// cycle reads every healthy lane once and feeds the registry.
func (l *Loop) cycle(ctx context.Context) error {
	n := l.Lanes()
	samples := make(map[int]lane.Sample, n)
	for i := 0; i < n; i++ {
		if !l.lastOK[i] {
			continue
		}
		mm, err := l.src.Read(ctx, i)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.readFailed(i, err)
			samples[i] = lane.Failed()
			continue
		}
		if l.readErrs[i] > 0 {
			laneLogf("lane %d: readings resumed after %d errors", i+1, l.readErrs[i])
			l.readErrs[i] = 0
		}
		samples[i] = lane.Reading(mm)
	}

	now := l.watch.Elapsed()
	counted, snap := l.reg.ProcessAllSnapshot(samples, now, l.opts.Lockout)
	for i, s := range samples {
		l.traces.Add(i, TracePoint{At: now, DistanceMM: s.DistanceMM, Valid: s.Valid})
	}

	stateChanged := l.observe()
	if len(counted) == 0 {
		if stateChanged {
			l.changed()
		}
		return nil
	}

	at := l.clock.Now()
	for _, i := range counted {
		ls := snap.Lanes[i]
		l.enqueue(func(ctx context.Context) error {
			return l.rec.RecordCount(ctx, db.CountEvent{
				SessionID:  snap.SessionID,
				Lane:       ls.Lane,
				LaneCount:  ls.Count,
				Total:      snap.Total,
				DistanceMM: ls.LastDistanceMM,
				Uptime:     now,
				At:         at,
			})
		})
		for _, h := range l.hooks {
			h(snap, i)
		}
	}
	l.changed()
	return nil
}

// readFailed logs the first error of a run and every hundredth after it.
func (l *Loop) readFailed(i int, err error) {
	l.readErrs[i]++
	if errors.Is(err, sensor.ErrTimeout) && l.readErrs[i] != 1 && l.readErrs[i]%100 != 0 {
		return
	}
	laneLogf("lane %d: read failed (%d in a row): %v", i+1, l.readErrs[i], err)
}

// observe refreshes the cached lane states and health, reporting whether any
// changed.
func (l *Loop) observe() bool {
	changed := false
	for i := range l.lastStates {
		ln, err := l.reg.Lane(i)
		if err != nil {
			continue
		}
		if ln.State != l.lastStates[i] || ln.SensorHealthy != l.lastOK[i] {
			changed = true
		}
		l.lastStates[i] = ln.State
		l.lastOK[i] = ln.SensorHealthy
	}
	return changed
}

func (l *Loop) changed() {
	if l.notify != nil {
		l.notify.Notify()
	}
}

// enqueue hands an event to the recorder goroutine without blocking the
// poll cycle. Events are dropped while the queue is full.
func (l *Loop) enqueue(f func(context.Context) error) {
	if l.rec == nil {
		return
	}
	select {
	case l.events <- f:
	default:
		monitoring.Logf("[db] event queue full, dropping event")
	}
}

// drainEvents writes queued events until the queue is closed.
func (l *Loop) drainEvents(ctx context.Context) {
	for f := range l.events {
		if err := f(ctx); err != nil {
			monitoring.Logf("[db] record failed: %v", err)
		}
	}
}

func (l *Loop) record(ctx context.Context, f func(context.Context) error) {
	if l.rec == nil {
		return
	}
	if err := f(ctx); err != nil && ctx.Err() == nil {
		monitoring.Logf("[db] record failed: %v", err)
	}
}

// calibrate samples an empty lane and derives its thresholds.
func (l *Loop) calibrate(ctx context.Context, i int) (lane.CalibrationResult, error) {
	n := l.opts.CalibrationSamples
	samples := make([]lane.Sample, 0, n)
	for k := 0; k < n; k++ {
		mm, err := l.src.Read(ctx, i)
		switch {
		case ctx.Err() != nil:
			return lane.CalibrationResult{}, ctx.Err()
		case err != nil:
			samples = append(samples, lane.Failed())
		default:
			samples = append(samples, lane.Reading(mm))
		}
		if k < n-1 && l.opts.CalibrationInterval > 0 {
			l.clock.Sleep(l.opts.CalibrationInterval)
		}
	}

	res, err := l.reg.Calibrate(i, samples, l.opts.Params)
	ev := db.CalibrationEvent{
		SessionID: l.reg.SessionID(),
		Lane:      i + 1,
		Result:    res,
		At:        l.clock.Now(),
	}
	if err != nil {
		ev.Err = err.Error()
	} else {
		calLogf("lane %d: baseline=%dmm detect<%dmm clear>%dmm (%d/%d valid, sd=%.1fmm)",
			i+1, res.BaselineMM, res.DetectThreshold, res.ClearThreshold,
			res.ValidSamples, n, res.StdDevMM)
		if res.DetectClamped {
			calLogf("lane %d: detection delta %dmm >= baseline %dmm, lane can never trigger",
				i+1, l.opts.Params.DetectionDeltaMM, res.BaselineMM)
		}
		if res.ClearClamped {
			calLogf("lane %d: clear threshold clamped to %dmm", i+1, res.ClearThreshold)
		}
	}
	l.enqueue(func(ctx context.Context) error { return l.rec.RecordCalibration(ctx, ev) })
	return res, err
}

// recalibrate re-runs sensor init and calibration for one lane. It is only
// called from the Run goroutine.
func (l *Loop) recalibrate(ctx context.Context, i int) (lane.CalibrationResult, error) {
	if i < 0 || i >= l.Lanes() {
		return lane.CalibrationResult{}, fmt.Errorf("%w: %d", lane.ErrLaneOutOfRange, i)
	}
	if err := l.src.Init(ctx, i); err != nil {
		_ = l.reg.MarkUnhealthy(i)
		l.observe()
		l.changed()
		return lane.CalibrationResult{}, fmt.Errorf("lane %d: sensor init: %w", i+1, err)
	}
	res, err := l.calibrate(ctx, i)
	l.readErrs[i] = 0
	l.observe()
	l.changed()
	if err != nil {
		return res, fmt.Errorf("lane %d: %w", i+1, err)
	}
	return res, nil
}

// RequestCalibration asks the running loop to recalibrate a lane (0-based)
// and waits for the result.
func (l *Loop) RequestCalibration(ctx context.Context, laneIdx int) (lane.CalibrationResult, error) {
	req := calRequest{lane: laneIdx, reply: make(chan calReply, 1)}
	select {
	case l.calReq <- req:
	case <-l.stopped:
		return lane.CalibrationResult{}, ErrNotRunning
	case <-ctx.Done():
		return lane.CalibrationResult{}, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.res, r.err
	case <-ctx.Done():
		return lane.CalibrationResult{}, ctx.Err()
	}
}

// Reset starts a new counting session. origin names who asked ("api", "ws",
// "mqtt") and is stored with the reset event.
func (l *Loop) Reset(ctx context.Context, origin string) lane.Snapshot {
	info := l.reg.ResetAll()
	monitoring.Logf("[reset] %s: session %s closed at total=%d", origin, info.PreviousSession, info.TotalBefore)
	l.record(ctx, func(ctx context.Context) error {
		return l.rec.RecordReset(ctx, db.ResetEvent{
			PreviousSession: info.PreviousSession,
			SessionID:       info.SessionID,
			TotalBefore:     info.TotalBefore,
			Origin:          origin,
			At:              l.clock.Now(),
		})
	})
	l.changed()
	return l.reg.Snapshot()
}
