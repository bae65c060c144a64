// Package sensor reads per-lane distances from time-of-flight sensors. A
// Source may sit directly on an I2C bus behind a multiplexer, behind a
// serial bridge that owns the bus, or be simulated.
package sensor

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no fresh reading arrived within the read
	// timeout. The acquisition loop treats it as a missing sample.
	ErrTimeout = errors.New("sensor read timeout")

	// ErrLaneRange is returned for a lane the source does not serve.
	ErrLaneRange = errors.New("lane not served by source")

	// ErrWrongDevice is returned when a sensor answers with an unexpected
	// identity.
	ErrWrongDevice = errors.New("unexpected sensor identity")
)

// Source produces distance readings for a fixed number of lanes. Sources are
// driven by a single acquisition goroutine and need not be safe for
// concurrent Read calls.
type Source interface {
	// Lanes returns the number of lanes served.
	Lanes() int
	// Init prepares the sensor for one lane. A lane whose Init fails is
	// treated as unhealthy.
	Init(ctx context.Context, lane int) error
	// Read returns the most recent distance in millimetres for a lane, or
	// ErrTimeout when none arrived in time.
	Read(ctx context.Context, lane int) (uint16, error)
	// Close releases the underlying bus or port.
	Close() error
}

func checkLane(lane, lanes int) error {
	if lane < 0 || lane >= lanes {
		return fmt.Errorf("%w: %d (have %d)", ErrLaneRange, lane, lanes)
	}
	return nil
}
