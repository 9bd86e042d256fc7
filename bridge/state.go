// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import "sync/atomic"

// State represents the broker connection state.
type State uint32

// Bridge states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateManager handles atomic state transitions.
type stateManager struct {
	state    uint32
	onChange func(from, to State)
}

func newStateManager(onChange func(from, to State)) *stateManager {
	return &stateManager{state: uint32(StateDisconnected), onChange: onChange}
}

func (sm *stateManager) get() State {
	return State(atomic.LoadUint32(&sm.state))
}

// set stores s and reports the change if the state actually moved.
func (sm *stateManager) set(s State) {
	old := State(atomic.SwapUint32(&sm.state, uint32(s)))
	if old != s && sm.onChange != nil {
		sm.onChange(old, s)
	}
}
