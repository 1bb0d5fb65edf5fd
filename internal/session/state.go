package session

import (
	"slices"
	"sync"
	"time"
)

// State is a Session lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateDegraded
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Live reports whether a session in this state is reusable by the registry.
func (s State) Live() bool {
	return s == StateReady || s == StateDegraded
}

// Transient reports whether a registered session is mid-reconnect: it has
// left Degraded for a connection attempt whose outcome is not known yet.
func (s State) Transient() bool {
	return s == StateConnecting || s == StateAuthenticating
}

// transitions lists the legal successors of each state. Connecting and
// Authenticating fall back to Degraded while a reconnect is retrying.
var transitions = map[State][]State{
	StateDisconnected:   {StateConnecting, StateClosing},
	StateConnecting:     {StateAuthenticating, StateDisconnected, StateDegraded, StateClosing},
	StateAuthenticating: {StateReady, StateDisconnected, StateDegraded, StateClosing},
	StateReady:          {StateDegraded, StateClosing},
	StateDegraded:       {StateConnecting, StateClosing},
	StateClosing:        {StateClosed},
	StateClosed:         nil,
}

func canTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

const stateTransitionBufferSize = 50

// StateTransition records a single state change for debugging.
type StateTransition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// StateChangeCallback is called after every state change, outside any lock.
type StateChangeCallback func(from, to State, reason string)

type stateTracker struct {
	mu          sync.RWMutex
	current     State
	transitions [stateTransitionBufferSize]StateTransition
	head        int
	count       int
	callbacks   []StateChangeCallback
	now         func() time.Time
	changed     chan struct{}
}

func newStateTracker() *stateTracker {
	return &stateTracker{current: StateDisconnected, now: time.Now, changed: make(chan struct{})}
}

func (st *stateTracker) record(from, to State, reason string) {
	st.transitions[st.head] = StateTransition{From: from, To: to, Timestamp: st.now(), Reason: reason}
	st.head = (st.head + 1) % stateTransitionBufferSize
	if st.count < stateTransitionBufferSize {
		st.count++
	}
}

// advance moves to `to` if the current state is one of from (any state when
// from is empty) and the transition is legal. It reports whether the state
// changed.
func (st *stateTracker) advance(to State, reason string, from ...State) bool {
	st.mu.Lock()
	cur := st.current
	if len(from) > 0 && !slices.Contains(from, cur) {
		st.mu.Unlock()
		return false
	}
	if !canTransition(cur, to) {
		st.mu.Unlock()
		return false
	}
	st.current = to
	st.record(cur, to, reason)
	close(st.changed)
	st.changed = make(chan struct{})
	cbs := slices.Clone(st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(cur, to, reason)
	}
	return true
}

func (st *stateTracker) get() State {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// watch returns the current state and a channel closed on the next change.
func (st *stateTracker) watch() (State, <-chan struct{}) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current, st.changed
}

func (st *stateTracker) history() []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.count == 0 {
		return nil
	}
	result := make([]StateTransition, st.count)
	if st.count < stateTransitionBufferSize {
		copy(result, st.transitions[:st.count])
	} else {
		n := copy(result, st.transitions[st.head:])
		copy(result[n:], st.transitions[:st.head])
	}
	return result
}

func (st *stateTracker) onChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}
