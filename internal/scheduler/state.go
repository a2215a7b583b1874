package scheduler

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when an event does not apply to a state
var ErrIllegalTransition = errors.New("illegal process transition")

// State is the lifecycle position of a process
type State uint8

const (
	StateReady State = iota + 1
	StateRunning
	StateWaiting
	StateCompleted
	StateFailed
)

var stateNames = map[State]string{
	StateReady:     "READY",
	StateRunning:   "RUNNING",
	StateWaiting:   "WAITING",
	StateCompleted: "COMPLETED",
	StateFailed:    "FAILED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *State) UnmarshalText(text []byte) error {
	for st, name := range stateNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown process state %q", text)
}

// Terminal reports whether no further transitions are possible
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Event drives a state transition
type Event uint8

const (
	EventDispatch Event = iota + 1 // scheduler picks the process
	EventYield                     // time slice used, still runnable
	EventBlock                     // waiting on a condition
	EventWake                      // condition satisfied
	EventExit                      // finished normally
	EventFault                     // unrecoverable error
	EventKill                      // terminated from outside while not running
)

var eventNames = map[Event]string{
	EventDispatch: "dispatch",
	EventYield:    "yield",
	EventBlock:    "block",
	EventWake:     "wake",
	EventExit:     "exit",
	EventFault:    "fault",
	EventKill:     "kill",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("Event(%d)", uint8(e))
}

// transitions is the complete process state machine.
// Anything not listed is illegal; terminal states have no entries.
var transitions = map[State]map[Event]State{
	StateReady: {
		EventDispatch: StateRunning,
		EventKill:     StateFailed,
	},
	StateRunning: {
		EventYield: StateReady,
		EventBlock: StateWaiting,
		EventExit:  StateCompleted,
		EventFault: StateFailed,
	},
	StateWaiting: {
		EventWake: StateReady,
		EventKill: StateFailed,
	},
}

// Transition returns the state reached from s on e
func Transition(s State, e Event) (State, error) {
	if next, ok := transitions[s][e]; ok {
		return next, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, e, s)
}
