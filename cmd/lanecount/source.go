package main

import (
	"fmt"
	"time"

	"github.com/banshee-data/lanecount/internal/config"
	"github.com/banshee-data/lanecount/internal/sensor"
	"github.com/banshee-data/lanecount/internal/serialmux"
	"github.com/banshee-data/lanecount/internal/timeutil"
)

// Source kinds accepted by -source.
const (
	sourceI2C     = "i2c"
	sourceSerial  = "serial"
	sourceSim     = "sim"
	sourceFixture = "fixture"
)

type sourceFlags struct {
	kind     string
	port     string
	i2cBus   string
	fixtures string
	// replayInterval is the delay between replayed fixture lines.
	replayInterval time.Duration
}

// openSource builds the sensor source and, for bridge based sources, the
// serial mux feeding it. The mux is a DisabledSerialMux otherwise.
func openSource(f sourceFlags, cfg *config.CounterConfig) (sensor.Source, serialmux.SerialMuxInterface, error) {
	lanes := cfg.GetNumLanes()
	switch f.kind {
	case sourceI2C:
		bus, err := sensor.OpenI2CBus(f.i2cBus)
		if err != nil {
			return nil, nil, err
		}
		src, err := sensor.NewI2CSource(bus, sensor.I2COptions{
			Lanes:         lanes,
			MuxAddress:    cfg.GetMuxAddress(),
			SensorAddress: cfg.GetSensorAddress(),
			Timeout:       cfg.GetSensorTimeout(),
			Clock:         timeutil.RealClock{},
		})
		if err != nil {
			bus.Close()
			return nil, nil, err
		}
		return src, serialmux.NewDisabledSerialMux(), nil

	case sourceSerial:
		if f.port == "" {
			return nil, nil, fmt.Errorf("-port is required for -source=%s", sourceSerial)
		}
		m, err := serialmux.NewRealSerialMux(f.port, serialmux.PortOptions{})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bridge port: %w", err)
		}
		return sensor.NewBridgeSource(m, lanes, cfg.GetSensorTimeout()), m, nil

	case sourceFixture:
		lines, err := serialmux.LoadFixture(f.fixtures)
		if err != nil {
			return nil, nil, err
		}
		if len(lines) == 0 {
			return nil, nil, fmt.Errorf("fixture %s has no lines", f.fixtures)
		}
		interval := f.replayInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		m := serialmux.NewReplaySerialMux(lines, interval)
		// Replayed lines arrive in bursts, so give reads more slack.
		return sensor.NewBridgeSource(m, lanes, 20*interval+cfg.GetSensorTimeout()), m, nil

	case sourceSim:
		return sensor.NewSimSource(sensor.SimOptions{
			Lanes: lanes,
			Seed:  time.Now().UnixNano(),
			Clock: timeutil.RealClock{},
		}), serialmux.NewDisabledSerialMux(), nil
	}
	return nil, nil, fmt.Errorf("unknown source %q (want %s, %s, %s or %s)", f.kind, sourceI2C, sourceSerial, sourceSim, sourceFixture)
}
