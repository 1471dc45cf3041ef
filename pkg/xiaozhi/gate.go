package xiaozhi

import "sync"

// gate is the listening signal shared between the controller and the
// uplink. Waiters block on the channel returned by wait until the gate
// opens.
type gate struct {
	mu     sync.Mutex
	open   bool
	opened chan struct{}
}

func newGate() *gate {
	return &gate{opened: make(chan struct{})}
}

// set reports whether the state changed.
func (g *gate) set(open bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open == open {
		return false
	}
	g.open = open
	if open {
		close(g.opened)
	} else {
		g.opened = make(chan struct{})
	}
	return true
}

func (g *gate) isOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// wait returns a channel that is closed while the gate is open.
func (g *gate) wait() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.opened
}
