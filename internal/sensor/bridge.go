package sensor

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/lanecount/internal/monitoring"
	"github.com/banshee-data/lanecount/internal/serialmux"
)

var bridgeLogf = monitoring.Tagged("bridge")

// BridgeSource reads lanes from a serial bridge that polls the sensors
// itself and streams "<lane>,<mm>,<status>" lines. Only the newest reading
// per lane is kept; Read waits for the next one to arrive.
type BridgeSource struct {
	mux     serialmux.SerialMuxInterface
	lanes   int
	timeout time.Duration

	subID  string
	latest []chan serialmux.Reading
	done   chan struct{}

	closeOnce sync.Once
}

// NewBridgeSource subscribes to mux and starts collecting readings.
func NewBridgeSource(mux serialmux.SerialMuxInterface, lanes int, timeout time.Duration) *BridgeSource {
	b := &BridgeSource{
		mux:     mux,
		lanes:   lanes,
		timeout: timeout,
		latest:  make([]chan serialmux.Reading, lanes),
		done:    make(chan struct{}),
	}
	for i := range b.latest {
		b.latest[i] = make(chan serialmux.Reading, 1)
	}

	id, lines := mux.Subscribe()
	b.subID = id
	go b.collect(lines)
	return b
}

func (b *BridgeSource) collect(lines <-chan string) {
	defer close(b.done)
	for line := range lines {
		if serialmux.ClassifyPayload(line) != serialmux.EventTypeReading {
			continue
		}
		r, err := serialmux.ParseReading(line)
		if err != nil {
			bridgeLogf("%v", err)
			continue
		}
		if r.Lane >= b.lanes {
			continue
		}
		b.offer(r)
	}
}

// offer replaces any unread reading for the lane.
func (b *BridgeSource) offer(r serialmux.Reading) {
	ch := b.latest[r.Lane]
	for {
		select {
		case ch <- r:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (b *BridgeSource) Lanes() int { return b.lanes }

// Init only range-checks; the bridge initialises its own sensors and a dead
// sensor shows up as timeouts during calibration.
func (b *BridgeSource) Init(_ context.Context, lane int) error {
	return checkLane(lane, b.lanes)
}

func (b *BridgeSource) Read(ctx context.Context, lane int) (uint16, error) {
	if err := checkLane(lane, b.lanes); err != nil {
		return 0, err
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case r := <-b.latest[lane]:
		if !r.OK {
			return 0, ErrTimeout
		}
		return r.DistanceMM, nil
	case <-timer.C:
		return 0, ErrTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Close unsubscribes from the mux. The mux itself is owned by the caller.
func (b *BridgeSource) Close() error {
	b.closeOnce.Do(func() {
		b.mux.Unsubscribe(b.subID)
		<-b.done
	})
	return nil
}
