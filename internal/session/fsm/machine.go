// Package fsm holds the lifecycle machine of a streaming session.
//
//	idle --hello_sent--> connecting --hello_acked--> streaming
//	connecting|streaming --close--> closing --closed--> idle
//
// Only the session controller fires events. Pipelines never read the
// machine directly; they observe the session snapshot and the listening
// gate.
package fsm

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

// State describes where the session lifecycle currently is.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateClosing    State = "closing"
)

// Event names accepted by Fire.
const (
	EventHelloSent  = "hello_sent"
	EventHelloAcked = "hello_acked"
	EventClose      = "close"
	EventClosed     = "closed"
	EventReset      = "reset"
)

// ChangeFunc observes transitions. It must not fire events itself.
type ChangeFunc func(from, to State)

// Machine wraps looplab/fsm with the session lifecycle table.
type Machine struct {
	fsm *fsm.FSM
}

// New creates a machine in the idle state. onChange may be nil.
func New(onChange ChangeFunc) *Machine {
	callbacks := fsm.Callbacks{}
	if onChange != nil {
		callbacks["after_event"] = func(_ context.Context, e *fsm.Event) {
			if e.Src != e.Dst {
				onChange(State(e.Src), State(e.Dst))
			}
		}
	}
	return &Machine{
		fsm: fsm.NewFSM(
			string(StateIdle),
			fsm.Events{
				{Name: EventHelloSent, Src: []string{string(StateIdle)}, Dst: string(StateConnecting)},
				{Name: EventHelloAcked, Src: []string{string(StateIdle), string(StateConnecting)}, Dst: string(StateStreaming)},
				{Name: EventClose, Src: []string{string(StateConnecting), string(StateStreaming)}, Dst: string(StateClosing)},
				{Name: EventClosed, Src: []string{string(StateClosing)}, Dst: string(StateIdle)},
				{Name: EventReset, Src: []string{string(StateConnecting), string(StateStreaming), string(StateClosing)}, Dst: string(StateIdle)},
			},
			callbacks,
		),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	return State(m.fsm.Current())
}

// Can reports whether event is allowed from the current state.
func (m *Machine) Can(event string) bool {
	return m.fsm.Can(event)
}

// Fire applies event. A transition into the current state is not an error.
func (m *Machine) Fire(ctx context.Context, event string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	err := m.fsm.Event(ctx, event)
	if err == nil {
		return nil
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return fmt.Errorf("session %s from %s: %w", event, m.State(), err)
}
