package serialmux

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	EventTypeReading = "reading"
	EventTypeInfo    = "info"
	EventTypeStatus  = "status"
	EventTypeUnknown = "unknown"
)

// Host to bridge commands.
const (
	CommandStart = "START"
	CommandStop  = "STOP"
)

// RateCommand builds the command that sets the bridge cycle period.
func RateCommand(d time.Duration) string {
	return fmt.Sprintf("RATE=%d", d.Milliseconds())
}

// MaxBridgeLanes bounds the lane index accepted from the bridge.
const MaxBridgeLanes = 8

var ErrMalformedReading = errors.New("malformed reading line")

// Reading is one sample reported by the bridge. OK is false when the bridge
// timed out waiting for the sensor.
type Reading struct {
	Lane       int
	DistanceMM uint16
	OK         bool
}

// ClassifyPayload returns the event type of a bridge line.
func ClassifyPayload(payload string) string {
	p := strings.TrimSpace(payload)
	switch {
	case p == "":
		return EventTypeUnknown
	case strings.HasPrefix(p, "#"):
		return EventTypeInfo
	case strings.HasPrefix(p, "{"):
		return EventTypeStatus
	case p[0] >= '0' && p[0] <= '9':
		return EventTypeReading
	default:
		return EventTypeUnknown
	}
}

// ParseReading parses "<lane>,<distance_mm>[,<ok|timeout>]".
func ParseReading(line string) (Reading, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 2 || len(fields) > 3 {
		return Reading{}, fmt.Errorf("%w: %q", ErrMalformedReading, line)
	}

	lane, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil || lane < 0 || lane >= MaxBridgeLanes {
		return Reading{}, fmt.Errorf("%w: bad lane in %q", ErrMalformedReading, line)
	}

	mm, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 16)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: bad distance in %q", ErrMalformedReading, line)
	}

	r := Reading{Lane: lane, DistanceMM: uint16(mm), OK: true}
	if len(fields) == 3 {
		switch strings.ToLower(strings.TrimSpace(fields[2])) {
		case "ok":
		case "timeout", "err":
			r.OK = false
		default:
			return Reading{}, fmt.Errorf("%w: bad status in %q", ErrMalformedReading, line)
		}
	}
	return r, nil
}
