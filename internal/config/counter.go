package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/lanecount/internal/lane"
)

// DefaultConfigPath is the path to the canonical counter defaults file.
const DefaultConfigPath = "config/counter.defaults.json"

// MaxLanes is the number of channels on the I2C multiplexer.
const MaxLanes = 8

// CounterConfig is the counter configuration file. Every field is optional;
// the Get* accessors supply the default for fields left out of the file.
type CounterConfig struct {
	NumLanes *int `json:"num_lanes,omitempty"`

	// Detection
	DetectionDeltaMM  *int    `json:"detection_delta_mm,omitempty"`
	ClearHysteresisMM *int    `json:"clear_hysteresis_mm,omitempty"`
	Lockout           *string `json:"lockout,omitempty"` // duration string like "60ms"

	// Calibration
	CalibrationSamples  *int    `json:"calibration_samples,omitempty"`
	CalibrationInterval *string `json:"calibration_interval,omitempty"`
	MaxValidDistanceMM  *int    `json:"max_valid_distance_mm,omitempty"`

	// Acquisition
	SensorTimeout *string `json:"sensor_timeout,omitempty"`
	PollInterval  *string `json:"poll_interval,omitempty"`
	MuxAddress    *int    `json:"mux_address,omitempty"`
	SensorAddress *int    `json:"sensor_address,omitempty"`
	TraceLength   *int    `json:"trace_length,omitempty"`

	// Presentation
	BroadcastMinInterval *string `json:"broadcast_min_interval,omitempty"`
}

func ptrInt(v int) *int          { return &v }
func ptrString(v string) *string { return &v }

// EmptyCounterConfig returns a CounterConfig with all fields set to nil.
func EmptyCounterConfig() *CounterConfig {
	return &CounterConfig{}
}

// DefaultCounterConfig returns a config with every field set to its default.
func DefaultCounterConfig() *CounterConfig {
	return &CounterConfig{
		NumLanes:             ptrInt(4),
		DetectionDeltaMM:     ptrInt(80),
		ClearHysteresisMM:    ptrInt(30),
		Lockout:              ptrString("60ms"),
		CalibrationSamples:   ptrInt(20),
		CalibrationInterval:  ptrString("35ms"),
		MaxValidDistanceMM:   ptrInt(int(lane.MaxValidDistanceMM)),
		SensorTimeout:        ptrString("50ms"),
		PollInterval:         ptrString("0s"),
		MuxAddress:           ptrInt(0x70),
		SensorAddress:        ptrInt(0x29),
		TraceLength:          ptrInt(256),
		BroadcastMinInterval: ptrString("50ms"),
	}
}

// LoadCounterConfig loads a CounterConfig from a JSON file. The path must
// have a .json extension and the file must be under 1MB. Fields omitted from
// the file keep their defaults.
func LoadCounterConfig(path string) (*CounterConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyCounterConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the defaults file from DefaultConfigPath,
// searching the working directory and its parents. Panics if the file cannot
// be loaded; intended for test setup.
func MustLoadDefaultConfig() *CounterConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadCounterConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that every set field is in range.
func (c *CounterConfig) Validate() error {
	if c.NumLanes != nil && (*c.NumLanes < 1 || *c.NumLanes > MaxLanes) {
		return fmt.Errorf("num_lanes must be between 1 and %d, got %d", MaxLanes, *c.NumLanes)
	}

	for name, v := range map[string]*int{
		"detection_delta_mm":    c.DetectionDeltaMM,
		"clear_hysteresis_mm":   c.ClearHysteresisMM,
		"max_valid_distance_mm": c.MaxValidDistanceMM,
	} {
		if v != nil && (*v < 0 || *v > math.MaxUint16) {
			return fmt.Errorf("%s must be between 0 and %d, got %d", name, math.MaxUint16, *v)
		}
	}
	if c.MaxValidDistanceMM != nil && *c.MaxValidDistanceMM == 0 {
		return fmt.Errorf("max_valid_distance_mm must be positive")
	}

	if c.CalibrationSamples != nil && *c.CalibrationSamples < 1 {
		return fmt.Errorf("calibration_samples must be at least 1, got %d", *c.CalibrationSamples)
	}
	if c.TraceLength != nil && *c.TraceLength < 0 {
		return fmt.Errorf("trace_length must be non-negative, got %d", *c.TraceLength)
	}

	for name, v := range map[string]*int{
		"mux_address":    c.MuxAddress,
		"sensor_address": c.SensorAddress,
	} {
		// 7-bit addresses outside the reserved ranges.
		if v != nil && (*v < 0x08 || *v > 0x77) {
			return fmt.Errorf("%s must be a 7-bit I2C address (0x08-0x77), got %#x", name, *v)
		}
	}

	for name, v := range map[string]*string{
		"lockout":                c.Lockout,
		"calibration_interval":   c.CalibrationInterval,
		"sensor_timeout":         c.SensorTimeout,
		"poll_interval":          c.PollInterval,
		"broadcast_min_interval": c.BroadcastMinInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}
	if c.SensorTimeout != nil && *c.SensorTimeout != "" {
		if d, _ := time.ParseDuration(*c.SensorTimeout); d == 0 {
			return fmt.Errorf("sensor_timeout must be positive")
		}
	}

	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// GetNumLanes returns the number of lanes, default 4.
func (c *CounterConfig) GetNumLanes() int { return intOr(c.NumLanes, 4) }

// GetDetectionDeltaMM returns how far below baseline a reading must fall to
// mark an object present, default 80mm.
func (c *CounterConfig) GetDetectionDeltaMM() uint16 {
	return uint16(intOr(c.DetectionDeltaMM, 80))
}

// GetClearHysteresisMM returns the dead band above the detect threshold,
// default 30mm.
func (c *CounterConfig) GetClearHysteresisMM() uint16 {
	return uint16(intOr(c.ClearHysteresisMM, 30))
}

// GetLockout returns the post-count lockout, default 60ms.
func (c *CounterConfig) GetLockout() time.Duration {
	return durationOr(c.Lockout, 60*time.Millisecond)
}

// GetCalibrationSamples returns the number of samples per lane, default 20.
func (c *CounterConfig) GetCalibrationSamples() int { return intOr(c.CalibrationSamples, 20) }

// GetCalibrationInterval returns the gap between calibration samples,
// default 35ms.
func (c *CounterConfig) GetCalibrationInterval() time.Duration {
	return durationOr(c.CalibrationInterval, 35*time.Millisecond)
}

// GetMaxValidDistanceMM returns the sanity ceiling for readings.
func (c *CounterConfig) GetMaxValidDistanceMM() uint16 {
	return uint16(intOr(c.MaxValidDistanceMM, int(lane.MaxValidDistanceMM)))
}

// GetSensorTimeout returns the per-read timeout, default 50ms.
func (c *CounterConfig) GetSensorTimeout() time.Duration {
	return durationOr(c.SensorTimeout, 50*time.Millisecond)
}

// GetPollInterval returns the pause between acquisition cycles. Zero polls
// back to back.
func (c *CounterConfig) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, 0)
}

// GetMuxAddress returns the TCA9548A address, default 0x70.
func (c *CounterConfig) GetMuxAddress() uint16 { return uint16(intOr(c.MuxAddress, 0x70)) }

// GetSensorAddress returns the VL53L0X address, default 0x29.
func (c *CounterConfig) GetSensorAddress() uint16 { return uint16(intOr(c.SensorAddress, 0x29)) }

// GetTraceLength returns how many recent readings per lane are kept for the
// trace plot, default 256.
func (c *CounterConfig) GetTraceLength() int { return intOr(c.TraceLength, 256) }

// GetBroadcastMinInterval returns the minimum gap between live state
// broadcasts, default 50ms.
func (c *CounterConfig) GetBroadcastMinInterval() time.Duration {
	return durationOr(c.BroadcastMinInterval, 50*time.Millisecond)
}

// CalibrationParams returns the threshold derivation parameters.
func (c *CounterConfig) CalibrationParams() lane.CalibrationParams {
	return lane.CalibrationParams{
		DetectionDeltaMM:  c.GetDetectionDeltaMM(),
		ClearHysteresisMM: c.GetClearHysteresisMM(),
		MaxValidMM:        c.GetMaxValidDistanceMM(),
	}
}

// Effective is the resolved configuration as served by /api/config.
type Effective struct {
	NumLanes             int    `json:"num_lanes"`
	DetectionDeltaMM     uint16 `json:"detection_delta_mm"`
	ClearHysteresisMM    uint16 `json:"clear_hysteresis_mm"`
	Lockout              string `json:"lockout"`
	CalibrationSamples   int    `json:"calibration_samples"`
	CalibrationInterval  string `json:"calibration_interval"`
	MaxValidDistanceMM   uint16 `json:"max_valid_distance_mm"`
	SensorTimeout        string `json:"sensor_timeout"`
	PollInterval         string `json:"poll_interval"`
	MuxAddress           uint16 `json:"mux_address"`
	SensorAddress        uint16 `json:"sensor_address"`
	TraceLength          int    `json:"trace_length"`
	BroadcastMinInterval string `json:"broadcast_min_interval"`
}

// Effective resolves every field to its value or default.
func (c *CounterConfig) Effective() Effective {
	return Effective{
		NumLanes:             c.GetNumLanes(),
		DetectionDeltaMM:     c.GetDetectionDeltaMM(),
		ClearHysteresisMM:    c.GetClearHysteresisMM(),
		Lockout:              c.GetLockout().String(),
		CalibrationSamples:   c.GetCalibrationSamples(),
		CalibrationInterval:  c.GetCalibrationInterval().String(),
		MaxValidDistanceMM:   c.GetMaxValidDistanceMM(),
		SensorTimeout:        c.GetSensorTimeout().String(),
		PollInterval:         c.GetPollInterval().String(),
		MuxAddress:           c.GetMuxAddress(),
		SensorAddress:        c.GetSensorAddress(),
		TraceLength:          c.GetTraceLength(),
		BroadcastMinInterval: c.GetBroadcastMinInterval().String(),
	}
}
