// Package lane implements per-lane object detection over a periodically
// sampled distance signal, baseline calibration, and the aggregate registry
// that owns every lane of a counter.
package lane

import (
	"fmt"
	"time"
)

// State is the detection state of a single lane.
type State uint8

const (
	// Idle is the initial state: the lane is armed and empty.
	Idle State = iota
	// ObjectPresent means a reading fell below the detection threshold and
	// the object has not yet cleared.
	ObjectPresent
	// Lockout is the dead time after a count during which the lane does not
	// re-arm.
	Lockout
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ObjectPresent:
		return "object_present"
	case Lockout:
		return "lockout"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// MarshalText renders the state name so snapshots encode as strings.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = Idle
	case "object_present":
		*s = ObjectPresent
	case "lockout":
		*s = Lockout
	default:
		return fmt.Errorf("unknown lane state %q", text)
	}
	return nil
}

// Lane holds the calibration and detection state of one physical lane.
// Timestamps are monotonic offsets from the acquisition epoch.
type Lane struct {
	BaselineMM      uint16
	DetectThreshold uint16 // object present below this
	ClearThreshold  uint16 // object cleared above this
	Count           uint32
	State           State
	LockoutStart    time.Duration
	SensorHealthy   bool
	LastDistanceMM  uint16
}

// Process feeds one fresh distance reading through the state machine and
// reports whether an object was counted on this call.
//
//	Idle          --(d < detect)-->  ObjectPresent
//	ObjectPresent --(d > clear)--->  Lockout        (count++)
//	Lockout       --(elapsed >= lockout)--> Idle
//
// Unhealthy lanes are left untouched, including LastDistanceMM.
func (l *Lane) Process(distanceMM uint16, now, lockout time.Duration) bool {
	if !l.SensorHealthy {
		return false
	}

	l.LastDistanceMM = distanceMM

	switch l.State {
	case Idle:
		if distanceMM < l.DetectThreshold {
			l.State = ObjectPresent
		}

	case ObjectPresent:
		if distanceMM > l.ClearThreshold {
			l.Count++
			l.State = Lockout
			l.LockoutStart = now
			return true
		}

	case Lockout:
		if elapsed(l.LockoutStart, now) >= lockout {
			l.State = Idle
		}
	}

	return false
}

// reset clears the counting state while keeping calibration and health.
func (l *Lane) reset() {
	l.Count = 0
	l.State = Idle
	l.LockoutStart = 0
}

// elapsed returns now-start, saturating at zero when the clock went
// backwards.
func elapsed(start, now time.Duration) time.Duration {
	if now < start {
		return 0
	}
	return now - start
}
