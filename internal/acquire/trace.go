package acquire

import (
	"sync"
	"time"
)

// TracePoint is one raw reading kept for the distance trace plot.
type TracePoint struct {
	At         time.Duration `json:"at"`
	DistanceMM uint16        `json:"distance_mm"`
	Valid      bool          `json:"valid"`
}

// Traces keeps the most recent readings per lane in fixed-size rings.
type Traces struct {
	mu    sync.Mutex
	rings [][]TracePoint
	next  []int
	full  []bool
}

// NewTraces allocates rings of length size for n lanes. A size of zero
// disables tracing.
func NewTraces(n, size int) *Traces {
	if size < 0 {
		size = 0
	}
	t := &Traces{
		rings: make([][]TracePoint, n),
		next:  make([]int, n),
		full:  make([]bool, n),
	}
	for i := range t.rings {
		t.rings[i] = make([]TracePoint, size)
	}
	return t
}

// Add appends p to lane's ring, overwriting the oldest point when full.
func (t *Traces) Add(lane int, p TracePoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lane < 0 || lane >= len(t.rings) || len(t.rings[lane]) == 0 {
		return
	}
	ring := t.rings[lane]
	ring[t.next[lane]] = p
	t.next[lane]++
	if t.next[lane] == len(ring) {
		t.next[lane] = 0
		t.full[lane] = true
	}
}

// Lane returns lane's points oldest first.
func (t *Traces) Lane(lane int) []TracePoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lane < 0 || lane >= len(t.rings) {
		return nil
	}
	ring, next := t.rings[lane], t.next[lane]
	if !t.full[lane] {
		out := make([]TracePoint, next)
		copy(out, ring[:next])
		return out
	}
	out := make([]TracePoint, 0, len(ring))
	out = append(out, ring[next:]...)
	return append(out, ring[:next]...)
}
