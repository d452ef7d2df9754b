// Package machine implements the coordinator: the single authority over
// machine state, timers, counters and register writes. It consumes poll
// updates, classification results and management commands, and emits
// lifecycle events.
package machine

import "errors"

// ErrCommandRejected indicates a management command that is unknown or
// not allowed in the current state. State is never changed by a rejected
// command.
var ErrCommandRejected = errors.New("machine: command rejected")

// State is the coordinator's machine state. Exactly one state is active
// at any instant and transitions inside the coordinator loop are the only
// way to change it.
type State uint32

const (
	// StateIdle waits for a detection trigger. No timeout.
	StateIdle State = iota
	// StateWaitingClassification waits for the worker's verdict, bounded
	// by the classification timeout.
	StateWaitingClassification
	// StateDumpingPlastic drives the carriage left, bounded by the dump timeout.
	StateDumpingPlastic
	// StateDumpingAluminum drives the carriage right, bounded by the dump timeout.
	StateDumpingAluminum
	// StateError is terminal until an explicit restore command arrives.
	StateError
)

// String returns the wire representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingClassification:
		return "waiting_classification"
	case StateDumpingPlastic:
		return "dumping_plastic"
	case StateDumpingAluminum:
		return "dumping_aluminum"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// IsDumping reports whether the carriage is being driven.
func (s State) IsDumping() bool {
	return s == StateDumpingPlastic || s == StateDumpingAluminum
}
