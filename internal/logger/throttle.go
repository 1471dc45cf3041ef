package logger

import "sync/atomic"

// Throttle gates repetitive log lines from per-frame loops: the first
// occurrence passes, then every nth.
type Throttle struct {
	every uint64
	count atomic.Uint64
}

// NewThrottle returns a throttle letting through one in every n events.
func NewThrottle(every int) *Throttle {
	if every < 1 {
		every = 1
	}
	return &Throttle{every: uint64(every)}
}

// Allow records one event. It returns the running count and whether the
// event should be logged.
func (t *Throttle) Allow() (uint64, bool) {
	n := t.count.Add(1)
	return n, (n-1)%t.every == 0
}

// Reset clears the running count.
func (t *Throttle) Reset() {
	t.count.Store(0)
}
