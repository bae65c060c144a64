package acquire

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/banshee-data/lanecount/internal/db"
	"github.com/banshee-data/lanecount/internal/lane"
	"github.com/banshee-data/lanecount/internal/monitoring"
	"github.com/banshee-data/lanecount/internal/sensor"
	"github.com/banshee-data/lanecount/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	monitoring.SetLogger(nil)
}

type fakeSource struct {
	lanes   int
	initErr map[int]error
	readFn  func(lane, n int) (uint16, error)
	onRead  func(lane, n int)

	mu    sync.Mutex
	reads []int
	inits []int
}

func newFakeSource(lanes int, readFn func(lane, n int) (uint16, error)) *fakeSource {
	return &fakeSource{lanes: lanes, readFn: readFn, reads: make([]int, lanes), initErr: map[int]error{}}
}

func (f *fakeSource) Lanes() int { return f.lanes }

func (f *fakeSource) Init(_ context.Context, lane int) error {
	f.mu.Lock()
	f.inits = append(f.inits, lane)
	err := f.initErr[lane]
	f.mu.Unlock()
	return err
}

func (f *fakeSource) Read(_ context.Context, lane int) (uint16, error) {
	f.mu.Lock()
	n := f.reads[lane]
	f.reads[lane]++
	f.mu.Unlock()
	if f.onRead != nil {
		f.onRead(lane, n)
	}
	return f.readFn(lane, n)
}

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) readCount(lane int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[lane]
}

type fakeRecorder struct {
	mu     sync.Mutex
	counts []db.CountEvent
	resets []db.ResetEvent
	cals   []db.CalibrationEvent
}

func (r *fakeRecorder) RecordCount(_ context.Context, e db.CountEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = append(r.counts, e)
	return nil
}

func (r *fakeRecorder) RecordReset(_ context.Context, e db.ResetEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, e)
	return nil
}

func (r *fakeRecorder) RecordCalibration(_ context.Context, e db.CalibrationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cals = append(r.cals, e)
	return nil
}

type countingNotifier struct{ n atomic.Int64 }

func (c *countingNotifier) Notify() { c.n.Add(1) }

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testOptions(clock timeutil.Clock) Options {
	return Options{
		Lockout:             60 * time.Millisecond,
		CalibrationSamples:  4,
		CalibrationInterval: 35 * time.Millisecond,
		PollInterval:        10 * time.Millisecond,
		TraceLength:         8,
		Params:              lane.CalibrationParams{DetectionDeltaMM: 80, ClearHysteresisMM: 30},
		Clock:               clock,
	}
}

func TestRun_CalibratesThenCounts(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	pass := []uint16{600, 400, 400, 500}
	src := newFakeSource(2, func(l, n int) (uint16, error) {
		if l == 0 && n >= 4 && n-4 < len(pass) {
			return pass[n-4], nil
		}
		return 500, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src.onRead = func(l, n int) {
		if l == 0 && n == 19 {
			cancel()
		}
	}

	reg := lane.NewRegistry(2)
	rec := &fakeRecorder{}
	notify := &countingNotifier{}
	loop := New(reg, src, rec, notify, testOptions(clock))

	var hooked []int
	loop.OnCount(func(snap lane.Snapshot, laneIdx int) {
		hooked = append(hooked, laneIdx)
		assert.True(t, snap.Consistent())
	})

	err := loop.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	snap := reg.Snapshot()
	assert.Equal(t, uint64(1), snap.Total)
	assert.Equal(t, uint32(1), snap.Lanes[0].Count)
	assert.Equal(t, uint32(0), snap.Lanes[1].Count)
	assert.Equal(t, lane.Idle, snap.Lanes[0].State, "lockout expired by the end of the run")
	assert.Equal(t, []int{0}, hooked)

	require.Len(t, rec.cals, 2)
	for i, c := range rec.cals {
		assert.Equal(t, i+1, c.Lane)
		assert.Empty(t, c.Err)
		assert.Equal(t, uint16(500), c.Result.BaselineMM)
	}
	require.Len(t, rec.counts, 1)
	assert.Equal(t, 1, rec.counts[0].Lane)
	assert.Equal(t, uint32(1), rec.counts[0].LaneCount)
	assert.Equal(t, uint64(1), rec.counts[0].Total)
	assert.Equal(t, uint16(500), rec.counts[0].DistanceMM)
	assert.Equal(t, snap.SessionID, rec.counts[0].SessionID)
	assert.GreaterOrEqual(t, notify.n.Load(), int64(2))

	sleeps := clock.Sleeps()
	require.GreaterOrEqual(t, len(sleeps), 7)
	for i := 0; i < 6; i++ {
		assert.Equal(t, 35*time.Millisecond, sleeps[i], "calibration sleep %d", i)
	}
	assert.Equal(t, 10*time.Millisecond, sleeps[6])

	trace := loop.Trace(0)
	require.Len(t, trace, 8)
	assert.True(t, trace[0].At < trace[7].At)
}

func TestRun_InitFailureLeavesLaneUnhealthy(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	src := newFakeSource(2, func(int, int) (uint16, error) { return 500, nil })
	src.initErr[1] = sensor.ErrWrongDevice

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src.onRead = func(l, n int) {
		if l == 0 && n == 10 {
			cancel()
		}
	}

	reg := lane.NewRegistry(2)
	rec := &fakeRecorder{}
	loop := New(reg, src, rec, nil, testOptions(clock))
	require.ErrorIs(t, loop.Run(ctx), context.Canceled)

	snap := reg.Snapshot()
	assert.True(t, snap.Lanes[0].SensorOK)
	assert.False(t, snap.Lanes[1].SensorOK)
	assert.Zero(t, src.readCount(1), "a lane that failed init is never read")
	assert.Len(t, rec.cals, 1)
}

func TestRun_CalibrationTimeoutsThenRecalibrate(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	var healed atomic.Bool
	src := newFakeSource(2, func(l, n int) (uint16, error) {
		if l == 1 && !healed.Load() {
			return 0, sensor.ErrTimeout
		}
		return 700, nil
	})

	reg := lane.NewRegistry(2)
	rec := &fakeRecorder{}
	loop := New(reg, src, rec, nil, testOptions(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reqCancel()

	// The first request queues behind initial calibration, so lane 1 is
	// already unhealthy here and still timing out.
	_, err := loop.RequestCalibration(reqCtx, 1)
	require.ErrorIs(t, err, lane.ErrNoValidSamples)
	assert.False(t, reg.Snapshot().Lanes[1].SensorOK)

	healed.Store(true)
	res, err := loop.RequestCalibration(reqCtx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(700), res.BaselineMM)
	assert.Equal(t, uint16(620), res.DetectThreshold)
	assert.True(t, reg.Snapshot().Lanes[1].SensorOK)

	_, err = loop.RequestCalibration(reqCtx, 5)
	assert.ErrorIs(t, err, lane.ErrLaneOutOfRange)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	_, err = loop.RequestCalibration(reqCtx, 0)
	assert.ErrorIs(t, err, ErrNotRunning)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var failed int
	for _, c := range rec.cals {
		if c.Err != "" {
			failed++
			assert.Equal(t, 2, c.Lane)
		}
	}
	assert.Equal(t, 2, failed, "initial calibration and first request failed")
}

func TestRun_RecalibrateInitFailure(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	src := newFakeSource(1, func(int, int) (uint16, error) { return 500, nil })
	reg := lane.NewRegistry(1)
	loop := New(reg, src, nil, nil, testOptions(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	src.mu.Lock()
	src.initErr[0] = errors.New("nack")
	src.mu.Unlock()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reqCancel()
	_, err := loop.RequestCalibration(reqCtx, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sensor init")
	assert.False(t, reg.Snapshot().Lanes[0].SensorOK)
}

type countingClock struct {
	*timeutil.MockClock
	nows atomic.Int64
}

func (c *countingClock) Now() time.Time {
	c.nows.Add(1)
	return c.MockClock.Now()
}

func TestRun_NoHealthyLanesWaitsForCalibration(t *testing.T) {
	clock := &countingClock{MockClock: timeutil.NewMockClock(epoch)}
	src := newFakeSource(3, func(int, int) (uint16, error) { return 500, nil })
	for i := 0; i < 3; i++ {
		src.initErr[i] = sensor.ErrWrongDevice
	}
	opts := testOptions(clock)
	opts.PollInterval = 0
	reg := lane.NewRegistry(3)
	loop := New(reg, src, nil, nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, clock.nows.Load(), int64(2), "loop cycled with no healthy lanes")
	assert.Empty(t, clock.Sleeps())

	src.mu.Lock()
	delete(src.initErr, 2)
	src.mu.Unlock()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reqCancel()
	res, err := loop.RequestCalibration(reqCtx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint16(500), res.BaselineMM)

	require.Eventually(t, func() bool { return src.readCount(2) > opts.CalibrationSamples },
		2*time.Second, time.Millisecond, "recalibrated lane is polled again")
	assert.Zero(t, src.readCount(0))
}

type blockingRecorder struct {
	*fakeRecorder
	release chan struct{}
}

func (r *blockingRecorder) RecordCalibration(ctx context.Context, e db.CalibrationEvent) error {
	<-r.release
	return r.fakeRecorder.RecordCalibration(ctx, e)
}

func TestRun_SlowRecorderDoesNotStallPolling(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	src := newFakeSource(1, func(int, int) (uint16, error) { return 500, nil })
	rec := &blockingRecorder{fakeRecorder: &fakeRecorder{}, release: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src.onRead = func(_, n int) {
		if n == 20 {
			close(rec.release)
			cancel()
		}
	}

	loop := New(lane.NewRegistry(1), src, rec, nil, testOptions(clock))
	require.ErrorIs(t, loop.Run(ctx), context.Canceled)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.cals, 1, "queued events are written before Run returns")
	assert.Equal(t, uint16(500), rec.cals[0].Result.BaselineMM)
}

func TestReset(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(epoch)
	reg := lane.NewRegistry(1)
	_, err := reg.Calibrate(0, []lane.Sample{lane.Reading(500)}, lane.CalibrationParams{DetectionDeltaMM: 80})
	require.NoError(t, err)
	reg.ProcessAll(map[int]lane.Sample{0: lane.Reading(300)}, 0, 0)
	reg.ProcessAll(map[int]lane.Sample{0: lane.Reading(500)}, time.Millisecond, 0)
	before := reg.SessionID()

	rec := &fakeRecorder{}
	notify := &countingNotifier{}
	loop := New(reg, newFakeSource(1, nil), rec, notify, testOptions(clock))

	snap := loop.Reset(context.Background(), "api")
	assert.Zero(t, snap.Total)
	assert.NotEqual(t, before, snap.SessionID)
	assert.Equal(t, int64(1), notify.n.Load())

	require.Len(t, rec.resets, 1)
	assert.Equal(t, db.ResetEvent{
		PreviousSession: before,
		SessionID:       snap.SessionID,
		TotalBefore:     1,
		Origin:          "api",
		At:              epoch,
	}, rec.resets[0])
}

func TestLanesClampedToSource(t *testing.T) {
	t.Parallel()
	loop := New(lane.NewRegistry(4), newFakeSource(2, nil), nil, nil, Options{})
	assert.Equal(t, 2, loop.Lanes())
}
