package sensor

import (
	"context"
	"fmt"
	"io"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/banshee-data/lanecount/internal/timeutil"
)

// DefaultMuxAddress is the TCA9548A's address with A0-A2 tied low.
const DefaultMuxAddress = 0x70

// MuxChannels is the number of downstream channels on a TCA9548A.
const MuxChannels = 8

// Mux drives a TCA9548A I2C multiplexer. Every lane sensor shares the same
// address, so exactly one channel is enabled at a time.
type Mux struct {
	dev     i2c.Dev
	current int
}

func NewMux(bus i2c.Bus, addr uint16) *Mux {
	return &Mux{dev: i2c.Dev{Bus: bus, Addr: addr}, current: -1}
}

// Select enables only the given channel. Re-selecting the active channel
// does not touch the bus.
func (m *Mux) Select(ch int) error {
	if ch < 0 || ch >= MuxChannels {
		return fmt.Errorf("mux channel %d out of range", ch)
	}
	if ch == m.current {
		return nil
	}
	if err := m.dev.Tx([]byte{1 << ch}, nil); err != nil {
		m.current = -1
		return fmt.Errorf("select mux channel %d: %w", ch, err)
	}
	m.current = ch
	return nil
}

// Disable turns every channel off.
func (m *Mux) Disable() error {
	m.current = -1
	return m.dev.Tx([]byte{0x00}, nil)
}

// I2COptions configures an I2CSource.
type I2COptions struct {
	Lanes         int
	MuxAddress    uint16
	SensorAddress uint16
	Timeout       time.Duration
	Clock         timeutil.Clock
}

// I2CSource reads one VL53L0X per lane, each on its own mux channel.
type I2CSource struct {
	bus     i2c.Bus
	mux     *Mux
	sensors []*VL53L0X
	timeout time.Duration
}

// NewI2CSource builds a source on an already opened bus. If the bus is an
// io.Closer it is closed by Close.
func NewI2CSource(bus i2c.Bus, opts I2COptions) (*I2CSource, error) {
	if opts.Lanes < 1 || opts.Lanes > MuxChannels {
		return nil, fmt.Errorf("lanes must be between 1 and %d, got %d", MuxChannels, opts.Lanes)
	}
	if opts.MuxAddress == 0 {
		opts.MuxAddress = DefaultMuxAddress
	}
	if opts.SensorAddress == 0 {
		opts.SensorAddress = DefaultSensorAddress
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 50 * time.Millisecond
	}

	s := &I2CSource{
		bus:     bus,
		mux:     NewMux(bus, opts.MuxAddress),
		sensors: make([]*VL53L0X, opts.Lanes),
		timeout: opts.Timeout,
	}
	for i := range s.sensors {
		s.sensors[i] = NewVL53L0X(bus, opts.SensorAddress, opts.Clock)
	}
	return s, nil
}

// OpenI2CBus initialises the host drivers and opens the named bus; an empty
// name picks the first available bus.
func OpenI2CBus(name string) (i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init host drivers: %w", err)
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", name, err)
	}
	return bus, nil
}

func (s *I2CSource) Lanes() int { return len(s.sensors) }

func (s *I2CSource) Init(_ context.Context, lane int) error {
	if err := checkLane(lane, len(s.sensors)); err != nil {
		return err
	}
	if err := s.mux.Select(lane); err != nil {
		return err
	}
	if err := s.sensors[lane].Init(); err != nil {
		return fmt.Errorf("lane %d: %w", lane, err)
	}
	if err := s.sensors[lane].StartContinuous(); err != nil {
		return fmt.Errorf("lane %d: %w", lane, err)
	}
	return nil
}

func (s *I2CSource) Read(ctx context.Context, lane int) (uint16, error) {
	if err := checkLane(lane, len(s.sensors)); err != nil {
		return 0, err
	}
	if err := s.mux.Select(lane); err != nil {
		return 0, err
	}
	return s.sensors[lane].ReadRange(ctx, s.timeout)
}

func (s *I2CSource) Close() error {
	err := s.mux.Disable()
	if c, ok := s.bus.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
