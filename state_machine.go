package session

import (
	"github.com/goliatone/go-errors"
)

const textCodeInvalidSessionTransition = "INVALID_SESSION_STATE_TRANSITION"

// ErrInvalidTransition is returned when a requested state change is not allowed.
var ErrInvalidTransition = errors.New("invalid session state transition", errors.CategoryConflict).
	WithTextCode(textCodeInvalidSessionTransition).
	WithCode(errors.CodeConflict)

// State identifies where the session lifecycle currently sits.
type State string

const (
	// StateUninitialized is the state before the presence listener attaches.
	StateUninitialized State = "uninitialized"
	// StateInitializing covers the window between attaching the listener and
	// the first presence event resolving.
	StateInitializing State = "initializing"
	// StateUnauthenticated means no valid session exists.
	StateUnauthenticated State = "unauthenticated"
	// StateAuthenticated means user, token and expiry all hold.
	StateAuthenticated State = "authenticated"
	// StateRefreshing covers an in-flight token refresh.
	StateRefreshing State = "refreshing"
)

// StateMachineOption customizes state machine construction.
type StateMachineOption func(*stateMachine)

// WithStateMachineLogger overrides the logger used for transition tracing.
func WithStateMachineLogger(logger Logger) StateMachineOption {
	return func(sm *stateMachine) {
		if logger != nil {
			sm.logger = logger
		}
	}
}

// The machine cycles for the life of the process; there is no terminal state.
type stateMachine struct {
	transitions map[State]map[State]struct{}
	logger      Logger
}

func newStateMachine(opts ...StateMachineOption) *stateMachine {
	sm := &stateMachine{
		transitions: map[State]map[State]struct{}{
			StateUninitialized: {
				StateInitializing: {},
			},
			StateInitializing: {
				StateAuthenticated:   {},
				StateUnauthenticated: {},
			},
			StateUnauthenticated: {
				StateAuthenticated: {},
			},
			StateAuthenticated: {
				StateRefreshing:      {},
				StateUnauthenticated: {},
			},
			StateRefreshing: {
				StateAuthenticated:   {},
				StateUnauthenticated: {},
			},
		},
		logger: defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sm)
		}
	}

	return sm
}

func (sm *stateMachine) canTransition(from, to State) bool {
	if allowed, ok := sm.transitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

// transition validates a state change and returns the resulting state.
// Same-state transitions are no-ops. A change out of StateUninitialized is
// routed through StateInitializing so callers that never attached a listener
// (tests, one-shot CLI use) still walk legal edges.
func (sm *stateMachine) transition(from, to State) (State, error) {
	if to == "" {
		return from, ErrInvalidTransition.WithMetadata(map[string]any{
			"reason": "target state is empty",
		})
	}

	if from == to {
		return from, nil
	}

	if sm.canTransition(from, to) {
		sm.logger.Debug("session state %s -> %s", from, to)
		return to, nil
	}

	if from == StateUninitialized && sm.canTransition(StateInitializing, to) {
		sm.logger.Debug("session state %s -> %s -> %s", from, StateInitializing, to)
		return to, nil
	}

	return from, ErrInvalidTransition.WithMetadata(map[string]any{
		"from": string(from),
		"to":   string(to),
	})
}
