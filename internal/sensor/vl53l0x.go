package sensor

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"

	"github.com/banshee-data/lanecount/internal/timeutil"
)

// VL53L0X register map, the subset needed for continuous ranging.
const (
	regSysrangeStart         = 0x00
	regSystemInterruptClear  = 0x0B
	regResultInterruptStatus = 0x13
	regResultRangeStatus     = 0x14
	regResultRangeMM         = regResultRangeStatus + 10
	regVhvConfigPadSCLSDA    = 0x89
	regI2CStandardMode       = 0x88
	regIdentificationModelID = 0xC0
	regPowerManagementGo1    = 0x80
	regPageSelect            = 0xFF
	regInternalStopVariable  = 0x91
	vl53l0xModelID           = 0xEE
	sysrangeBackToBack       = 0x02
	interruptStatusReadyMask = 0x07
	DefaultSensorAddress     = 0x29
	defaultReadyPollInterval = time.Millisecond
)

// VL53L0X drives a single ST VL53L0X time-of-flight sensor in back-to-back
// continuous ranging mode.
//
// Init does not load the SPAD configuration or the default tuning settings,
// and it runs no VHV or phase reference calibration. The sensor ranges with
// its power-on defaults, so absolute accuracy is lower than with the full ST
// API sequence. Lane detection only compares readings against a baseline
// taken by the same sensor, so a constant offset does not affect counting.
type VL53L0X struct {
	dev          i2c.Dev
	clock        timeutil.Clock
	stopVariable byte
	pollInterval time.Duration
}

// NewVL53L0X returns a driver for the sensor at addr on bus.
func NewVL53L0X(bus i2c.Bus, addr uint16, clock timeutil.Clock) *VL53L0X {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &VL53L0X{
		dev:          i2c.Dev{Bus: bus, Addr: addr},
		clock:        clock,
		pollInterval: defaultReadyPollInterval,
	}
}

func (v *VL53L0X) readReg(reg byte) (byte, error) {
	var b [1]byte
	if err := v.dev.Tx([]byte{reg}, b[:]); err != nil {
		return 0, fmt.Errorf("read reg %#02x: %w", reg, err)
	}
	return b[0], nil
}

func (v *VL53L0X) readReg16(reg byte) (uint16, error) {
	var b [2]byte
	if err := v.dev.Tx([]byte{reg}, b[:]); err != nil {
		return 0, fmt.Errorf("read reg %#02x: %w", reg, err)
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

func (v *VL53L0X) writeReg(reg, val byte) error {
	if err := v.dev.Tx([]byte{reg, val}, nil); err != nil {
		return fmt.Errorf("write reg %#02x: %w", reg, err)
	}
	return nil
}

func (v *VL53L0X) writeSeq(pairs ...[2]byte) error {
	for _, p := range pairs {
		if err := v.writeReg(p[0], p[1]); err != nil {
			return err
		}
	}
	return nil
}

// Init checks the model ID, selects 2V8 I/O and standard I2C mode and reads
// the stop variable used when starting measurements.
func (v *VL53L0X) Init() error {
	id, err := v.readReg(regIdentificationModelID)
	if err != nil {
		return err
	}
	if id != vl53l0xModelID {
		return fmt.Errorf("%w: model id %#02x at %#02x", ErrWrongDevice, id, v.dev.Addr)
	}

	pad, err := v.readReg(regVhvConfigPadSCLSDA)
	if err != nil {
		return err
	}
	if err := v.writeReg(regVhvConfigPadSCLSDA, pad|0x01); err != nil {
		return err
	}

	if err := v.writeSeq(
		[2]byte{regI2CStandardMode, 0x00},
		[2]byte{regPowerManagementGo1, 0x01},
		[2]byte{regPageSelect, 0x01},
		[2]byte{0x00, 0x00},
	); err != nil {
		return err
	}
	if v.stopVariable, err = v.readReg(regInternalStopVariable); err != nil {
		return err
	}
	return v.writeSeq(
		[2]byte{0x00, 0x01},
		[2]byte{regPageSelect, 0x00},
		[2]byte{regPowerManagementGo1, 0x00},
	)
}

// StartContinuous starts back-to-back ranging.
func (v *VL53L0X) StartContinuous() error {
	return v.writeSeq(
		[2]byte{regPowerManagementGo1, 0x01},
		[2]byte{regPageSelect, 0x01},
		[2]byte{0x00, 0x00},
		[2]byte{regInternalStopVariable, v.stopVariable},
		[2]byte{0x00, 0x01},
		[2]byte{regPageSelect, 0x00},
		[2]byte{regPowerManagementGo1, 0x00},
		[2]byte{regSysrangeStart, sysrangeBackToBack},
	)
}

// ReadRange waits for the next measurement and returns it in millimetres.
// It returns ErrTimeout if none is ready within timeout.
func (v *VL53L0X) ReadRange(ctx context.Context, timeout time.Duration) (uint16, error) {
	start := v.clock.Now()
	for {
		status, err := v.readReg(regResultInterruptStatus)
		if err != nil {
			return 0, err
		}
		if status&interruptStatusReadyMask != 0 {
			break
		}
		if v.clock.Since(start) >= timeout {
			return 0, ErrTimeout
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		v.clock.Sleep(v.pollInterval)
	}

	mm, err := v.readReg16(regResultRangeMM)
	if err != nil {
		return 0, err
	}
	if err := v.writeReg(regSystemInterruptClear, 0x01); err != nil {
		return 0, err
	}
	return mm, nil
}
