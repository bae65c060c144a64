package lane

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/stat"
)

// MaxValidDistanceMM is the sanity ceiling for ToF readings. Readings at or
// above it are out-of-range noise rather than an empty lane.
const MaxValidDistanceMM uint16 = 8000

// ErrNoValidSamples is returned when calibration saw no usable reading.
var ErrNoValidSamples = errors.New("no valid calibration samples")

// Sample is one acquisition result for a lane. Valid is false when the
// sensor reported a timeout or read error.
type Sample struct {
	DistanceMM uint16
	Valid      bool
}

// Reading returns a valid sample.
func Reading(mm uint16) Sample { return Sample{DistanceMM: mm, Valid: true} }

// Failed returns a sample marking a sensor timeout or error.
func Failed() Sample { return Sample{} }

// CalibrationParams configures threshold derivation.
type CalibrationParams struct {
	DetectionDeltaMM  uint16
	ClearHysteresisMM uint16
	// MaxValidMM overrides MaxValidDistanceMM when non-zero.
	MaxValidMM uint16
}

func (p CalibrationParams) ceiling() uint16 {
	if p.MaxValidMM == 0 {
		return MaxValidDistanceMM
	}
	return p.MaxValidMM
}

// CalibrationResult describes one calibration attempt.
type CalibrationResult struct {
	BaselineMM      uint16  `json:"baseline_mm"`
	DetectThreshold uint16  `json:"detect_threshold_mm"`
	ClearThreshold  uint16  `json:"clear_threshold_mm"`
	ValidSamples    int     `json:"valid_samples"`
	InvalidSamples  int     `json:"invalid_samples"`
	StdDevMM        float64 `json:"stddev_mm"`
	// DetectClamped is set when the detection delta was not smaller than the
	// baseline and the detect threshold was clamped to zero.
	DetectClamped bool `json:"detect_clamped"`
	// ClearClamped is set when detect+hysteresis overflowed and the clear
	// threshold was clamped to the maximum distance value.
	ClearClamped bool `json:"clear_clamped"`
}

// DeriveThresholds computes detect = baseline-delta and clear =
// detect+hysteresis. Both saturate instead of wrapping.
func DeriveThresholds(baselineMM, deltaMM, hysteresisMM uint16) (detect, clear uint16, detectClamped, clearClamped bool) {
	if deltaMM >= baselineMM {
		// A zero detect threshold can never trigger; callers surface this
		// as a configuration error.
		detect, detectClamped = 0, true
	} else {
		detect = baselineMM - deltaMM
	}

	sum := uint32(detect) + uint32(hysteresisMM)
	if sum > math.MaxUint16 {
		return detect, math.MaxUint16, detectClamped, true
	}
	return detect, uint16(sum), detectClamped, false
}

// Calibrate averages the valid samples into a baseline and derives the lane
// thresholds. With no valid samples the lane is marked unhealthy, its
// thresholds are left as they were and ErrNoValidSamples is returned.
func (l *Lane) Calibrate(samples []Sample, p CalibrationParams) (CalibrationResult, error) {
	ceiling := p.ceiling()

	var res CalibrationResult
	var sum uint64
	values := make([]float64, 0, len(samples))
	for _, s := range samples {
		if !s.Valid || s.DistanceMM >= ceiling {
			res.InvalidSamples++
			continue
		}
		sum += uint64(s.DistanceMM)
		values = append(values, float64(s.DistanceMM))
	}
	res.ValidSamples = len(values)

	if res.ValidSamples == 0 {
		l.SensorHealthy = false
		return res, ErrNoValidSamples
	}

	res.BaselineMM = uint16(sum / uint64(res.ValidSamples))
	if res.ValidSamples > 1 {
		res.StdDevMM = stat.StdDev(values, nil)
	}
	res.DetectThreshold, res.ClearThreshold, res.DetectClamped, res.ClearClamped =
		DeriveThresholds(res.BaselineMM, p.DetectionDeltaMM, p.ClearHysteresisMM)

	l.BaselineMM = res.BaselineMM
	l.DetectThreshold = res.DetectThreshold
	l.ClearThreshold = res.ClearThreshold
	l.SensorHealthy = true
	return res, nil
}
