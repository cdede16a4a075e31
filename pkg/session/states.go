package session

import (
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle phase of one call session.
type State int

const (
	// StateIdle is a session that has not started negotiating.
	StateIdle State = iota
	// StateNegotiating covers codec selection, language resolution and
	// the SDP answer.
	StateNegotiating
	// StateConnected is an answered call with media and recognition live.
	StateConnected
	// StateTerminating is teardown in progress.
	StateTerminating
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateChange records one transition for observation in logs and tests.
type StateChange struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
}

// InvalidTransitionError reports a transition the table does not allow.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}

// stateMachine guards the per-session lifecycle. Transitions are driven
// from the controller actor only; the lock covers reads from other
// goroutines.
type stateMachine struct {
	mu      sync.RWMutex
	current State

	onChange func(StateChange)
}

func newStateMachine(onChange func(StateChange)) *stateMachine {
	return &stateMachine{current: StateIdle, onChange: onChange}
}

func (m *stateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func transitionValid(from, to State) bool {
	validTransitions := map[State][]State{
		StateIdle:        {StateNegotiating},
		StateNegotiating: {StateConnected, StateIdle, StateTerminating},
		StateConnected:   {StateTerminating},
		StateTerminating: {StateClosed},
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (m *stateMachine) Transition(to State, reason string) error {
	m.mu.Lock()
	from := m.current
	if !transitionValid(from, to) {
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	m.current = to
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(StateChange{
			From:      from,
			To:        to,
			Timestamp: time.Now(),
			Reason:    reason,
		})
	}
	return nil
}
