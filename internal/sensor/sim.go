package sensor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/banshee-data/lanecount/internal/timeutil"
)

// SimOptions configures a SimSource. Zero values select the defaults noted
// on each field.
type SimOptions struct {
	Lanes      int
	BaselineMM uint16        // empty-lane distance, default 500
	BallMM     uint16        // distance while a ball passes, default 300
	NoiseMM    int           // uniform +/- noise, default 4
	Period     time.Duration // time between balls on lane 0, default 1.5s
	PassTime   time.Duration // how long a ball blocks the beam, default 40ms
	Warmup     time.Duration // no balls before this, default 3s
	DropRate   float64       // probability of a timeout per read
	ReadCost   time.Duration // simulated ranging time, default 8ms
	DeadLanes  []int         // lanes whose Init fails
	Seed       int64
	Clock      timeutil.Clock
}

// SimSource fabricates lane readings: a steady baseline with noise and a
// ball passing every Period. Each lane's period is stretched a little so the
// lanes drift out of phase.
type SimSource struct {
	mu    sync.Mutex
	opts  SimOptions
	sw    *timeutil.Stopwatch
	clock timeutil.Clock
	rng   *rand.Rand
	dead  map[int]bool
}

func NewSimSource(opts SimOptions) *SimSource {
	if opts.Lanes <= 0 {
		opts.Lanes = 4
	}
	if opts.BaselineMM == 0 {
		opts.BaselineMM = 500
	}
	if opts.BallMM == 0 {
		opts.BallMM = 300
	}
	if opts.NoiseMM == 0 {
		opts.NoiseMM = 4
	}
	if opts.Period == 0 {
		opts.Period = 1500 * time.Millisecond
	}
	if opts.PassTime == 0 {
		opts.PassTime = 40 * time.Millisecond
	}
	if opts.Warmup == 0 {
		opts.Warmup = 3 * time.Second
	}
	if opts.ReadCost == 0 {
		opts.ReadCost = 8 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	dead := make(map[int]bool, len(opts.DeadLanes))
	for _, l := range opts.DeadLanes {
		dead[l] = true
	}
	return &SimSource{
		opts:  opts,
		sw:    timeutil.NewStopwatch(opts.Clock),
		clock: opts.Clock,
		rng:   rand.New(rand.NewSource(opts.Seed)),
		dead:  dead,
	}
}

func (s *SimSource) Lanes() int { return s.opts.Lanes }

func (s *SimSource) Init(_ context.Context, lane int) error {
	if err := checkLane(lane, s.opts.Lanes); err != nil {
		return err
	}
	if s.dead[lane] {
		return ErrWrongDevice
	}
	return nil
}

// lanePeriod stretches the base period by 7% per lane.
func (s *SimSource) lanePeriod(lane int) time.Duration {
	return s.opts.Period + time.Duration(lane)*s.opts.Period*7/100
}

// ballPresent reports whether a ball blocks the lane at offset t.
func (s *SimSource) ballPresent(lane int, t time.Duration) bool {
	if t < s.opts.Warmup {
		return false
	}
	return (t-s.opts.Warmup)%s.lanePeriod(lane) < s.opts.PassTime
}

func (s *SimSource) Read(ctx context.Context, lane int) (uint16, error) {
	if err := checkLane(lane, s.opts.Lanes); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.clock.Sleep(s.opts.ReadCost)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dead[lane] || (s.opts.DropRate > 0 && s.rng.Float64() < s.opts.DropRate) {
		return 0, ErrTimeout
	}

	base := int(s.opts.BaselineMM)
	if s.ballPresent(lane, s.sw.Elapsed()) {
		base = int(s.opts.BallMM)
	}
	d := base + s.rng.Intn(2*s.opts.NoiseMM+1) - s.opts.NoiseMM
	if d < 0 {
		d = 0
	}
	return uint16(d), nil
}

func (s *SimSource) Close() error { return nil }
