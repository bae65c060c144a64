package lane

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLaneOutOfRange is returned for lane indices outside the registry.
var ErrLaneOutOfRange = errors.New("lane index out of range")

// Registry owns a fixed set of lanes and the aggregate count. All methods
// are safe for concurrent use; the acquisition loop writes while the
// presentation layer reads snapshots and issues resets.
type Registry struct {
	mu        sync.RWMutex
	lanes     []Lane
	total     uint64
	sessionID string
	lastNow   time.Duration
}

// NewRegistry creates n lanes, all unhealthy until calibrated.
func NewRegistry(n int) *Registry {
	if n < 0 {
		n = 0
	}
	return &Registry{
		lanes:     make([]Lane, n),
		sessionID: uuid.NewString(),
	}
}

// Len returns the number of lanes.
func (r *Registry) Len() int {
	return len(r.lanes)
}

func (r *Registry) check(i int) error {
	if i < 0 || i >= len(r.lanes) {
		return fmt.Errorf("%w: %d (have %d lanes)", ErrLaneOutOfRange, i, len(r.lanes))
	}
	return nil
}

// Calibrate derives thresholds for lane i from empty-lane samples.
func (r *Registry) Calibrate(i int, samples []Sample, p CalibrationParams) (CalibrationResult, error) {
	if err := r.check(i); err != nil {
		return CalibrationResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lanes[i].Calibrate(samples, p)
}

// MarkUnhealthy disables processing for lane i, e.g. after a failed sensor
// initialisation. Only a successful Calibrate restores it.
func (r *Registry) MarkUnhealthy(i int) error {
	if err := r.check(i); err != nil {
		return err
	}
	r.mu.Lock()
	r.lanes[i].SensorHealthy = false
	r.mu.Unlock()
	return nil
}

// ProcessAll runs one acquisition cycle. Lanes without an entry in samples,
// or whose sample is not valid, are skipped. It returns the indices of the
// lanes that counted, in ascending order.
func (r *Registry) ProcessAll(samples map[int]Sample, now, lockout time.Duration) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.process(samples, now, lockout)
}

// ProcessAllSnapshot is ProcessAll that also returns the state right after
// the cycle, taken under the same lock. The snapshot is only filled in when
// a lane counted.
func (r *Registry) ProcessAllSnapshot(samples map[int]Sample, now, lockout time.Duration) ([]int, Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counted := r.process(samples, now, lockout)
	if len(counted) == 0 {
		return nil, Snapshot{}
	}
	return counted, r.snapshotLocked()
}

func (r *Registry) process(samples map[int]Sample, now, lockout time.Duration) []int {
	if now > r.lastNow {
		r.lastNow = now
	}

	var counted []int
	for i := range r.lanes {
		s, ok := samples[i]
		if !ok || !s.Valid {
			continue
		}
		if r.lanes[i].Process(s.DistanceMM, now, lockout) {
			r.total++
			counted = append(counted, i)
		}
	}
	return counted
}

// ResetInfo describes the session closed by ResetAll.
type ResetInfo struct {
	PreviousSession string `json:"previous_session"`
	SessionID       string `json:"session_id"`
	TotalBefore     uint64 `json:"total_before"`
}

// ResetAll zeroes every lane count and the total, returns lanes to Idle and
// starts a new counting session. Calibration and health are untouched.
func (r *Registry) ResetAll() ResetInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := ResetInfo{PreviousSession: r.sessionID, TotalBefore: r.total}
	for i := range r.lanes {
		r.lanes[i].reset()
	}
	r.total = 0
	r.sessionID = uuid.NewString()
	info.SessionID = r.sessionID
	return info
}

// Lane returns a copy of lane i.
func (r *Registry) Lane(i int) (Lane, error) {
	if err := r.check(i); err != nil {
		return Lane{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lanes[i], nil
}

// Total returns the aggregate count.
func (r *Registry) Total() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// SessionID identifies the counting session started by the last reset.
func (r *Registry) SessionID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionID
}

// LaneSnapshot is the published view of one lane. Lane numbers are 1-based.
type LaneSnapshot struct {
	Lane              int    `json:"lane"`
	Count             uint32 `json:"count"`
	State             State  `json:"state"`
	SensorOK          bool   `json:"sensor_ok"`
	LastDistanceMM    uint16 `json:"last_distance_mm"`
	BaselineMM        uint16 `json:"baseline_mm"`
	DetectThresholdMM uint16 `json:"detect_threshold_mm"`
	ClearThresholdMM  uint16 `json:"clear_threshold_mm"`
}

// Snapshot is an immutable copy of the registry.
type Snapshot struct {
	Lanes     []LaneSnapshot `json:"lanes"`
	Total     uint64         `json:"total"`
	SessionID string         `json:"session_id"`
	// TimestampMS is the timestamp of the most recent cycle.
	TimestampMS int64 `json:"ts"`
}

// Consistent reports whether Total equals the sum of lane counts.
func (s Snapshot) Consistent() bool {
	var sum uint64
	for _, l := range s.Lanes {
		sum += uint64(l.Count)
	}
	return sum == s.Total
}

// Snapshot copies the current state under a read lock.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() Snapshot {
	snap := Snapshot{
		Lanes:       make([]LaneSnapshot, len(r.lanes)),
		Total:       r.total,
		SessionID:   r.sessionID,
		TimestampMS: r.lastNow.Milliseconds(),
	}
	for i, l := range r.lanes {
		snap.Lanes[i] = LaneSnapshot{
			Lane:              i + 1,
			Count:             l.Count,
			State:             l.State,
			SensorOK:          l.SensorHealthy,
			LastDistanceMM:    l.LastDistanceMM,
			BaselineMM:        l.BaselineMM,
			DetectThresholdMM: l.DetectThreshold,
			ClearThresholdMM:  l.ClearThreshold,
		}
	}
	return snap
}
