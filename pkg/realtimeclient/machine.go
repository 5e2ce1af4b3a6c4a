// Package realtimeclient is the reconnecting client for the realtime
// notification stream.
//
// Connection handling is an explicit state machine so that reconnect policy
// can be tested without a network. Client drives the machine with a real
// websocket connection.
package realtimeclient

import (
	"errors"
	"fmt"
	"time"
)

// State is a connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event drives a state transition.
type Event int

const (
	// EventConnect starts connecting from Disconnected.
	EventConnect Event = iota
	EventConnectSuccess
	EventConnectFailure
	EventHeartbeatTimeout
	// EventConnectionLost is any other loss of an established connection.
	EventConnectionLost
	// EventForceDisconnect is the server telling the client to stay away.
	EventForceDisconnect
	EventBackoffElapsed
	// EventClose is a local shutdown.
	EventClose
)

func (e Event) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventConnectSuccess:
		return "connect_success"
	case EventConnectFailure:
		return "connect_failure"
	case EventHeartbeatTimeout:
		return "heartbeat_timeout"
	case EventConnectionLost:
		return "connection_lost"
	case EventForceDisconnect:
		return "force_disconnect"
	case EventBackoffElapsed:
		return "backoff_elapsed"
	case EventClose:
		return "close"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Terminal causes reported by Machine.Err.
var (
	ErrForceDisconnected = errors.New("disconnected by server")
	ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")
	ErrClosed            = errors.New("client closed")
)

// Policy is the reconnect policy.
type Policy struct {
	Base time.Duration
	Cap  time.Duration
	// MaxAttempts bounds consecutive connection attempts. Zero means no
	// bound.
	MaxAttempts int
}

// DefaultPolicy is 1s doubling up to 30s, ten attempts.
var DefaultPolicy = Policy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 10}

// Delay returns min(Base·2^n, Cap).
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := p.Base
	for i := 0; i < n; i++ {
		if d >= p.Cap || d > (1<<62)/2 {
			return p.Cap
		}
		d *= 2
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Machine is the connection state machine. State Backoff(n) waits Delay(n)
// where n counts the consecutive failed attempts before it; a successful
// connect resets n. Failed dials are counted apart from n so a first
// connect and a reconnect after a drop both get MaxAttempts dials. It is
// not safe for concurrent use.
type Machine struct {
	policy   Policy
	state    State
	attempt  int
	failures int
	err      error
}

func NewMachine(p Policy) *Machine {
	return &Machine{policy: p, state: StateDisconnected}
}

func (m *Machine) State() State { return m.state }

// Attempt is n: the failures since the last successful connect.
func (m *Machine) Attempt() int { return m.attempt }

// Delay is the wait of the current Backoff state.
func (m *Machine) Delay() time.Duration { return m.policy.Delay(m.attempt) }

// Err explains why the machine is Disconnected, or nil before the first
// connect.
func (m *Machine) Err() error { return m.err }

// Terminal reports whether the machine stopped and will not reconnect on
// its own.
func (m *Machine) Terminal() bool {
	return m.state == StateDisconnected && m.err != nil
}

// Fire applies ev and returns the new state. Events that do not apply to
// the current state are rejected and leave it unchanged.
func (m *Machine) Fire(ev Event) (State, error) {
	if ev == EventClose {
		m.stop(ErrClosed)
		return m.state, nil
	}

	switch m.state {
	case StateDisconnected:
		if ev == EventConnect {
			m.state, m.attempt, m.failures, m.err = StateConnecting, 0, 0, nil
			return m.state, nil
		}

	case StateConnecting:
		switch ev {
		case EventConnectSuccess:
			m.state, m.attempt, m.failures = StateConnected, 0, 0
			return m.state, nil
		case EventConnectFailure:
			m.failures++
			if m.policy.MaxAttempts > 0 && m.failures >= m.policy.MaxAttempts {
				m.stop(ErrAttemptsExhausted)
				return m.state, nil
			}
			m.state = StateBackoff
			return m.state, nil
		case EventForceDisconnect:
			m.stop(ErrForceDisconnected)
			return m.state, nil
		}

	case StateConnected:
		switch ev {
		case EventHeartbeatTimeout, EventConnectionLost:
			m.state, m.attempt, m.failures = StateBackoff, 0, 0
			return m.state, nil
		case EventForceDisconnect:
			m.stop(ErrForceDisconnected)
			return m.state, nil
		}

	case StateBackoff:
		if ev == EventBackoffElapsed {
			m.state = StateConnecting
			m.attempt++
			return m.state, nil
		}
	}
	return m.state, fmt.Errorf("event %s not valid in state %s", ev, m.state)
}

func (m *Machine) stop(err error) {
	m.state = StateDisconnected
	m.err = err
}
