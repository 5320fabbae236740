// Package session owns the WhatsApp session lifecycle: the state machine,
// the supervisor that rebuilds the transport after faults, and the presence
// heartbeat that runs only while the session is ready.
package session

import (
	"errors"
	"fmt"
	"sync"
)

// State is the lifecycle state of the session.
type State int

const (
	AwaitingCredential State = iota
	Authenticating
	Ready
	Disconnected
	AuthFailed
)

func (s State) String() string {
	switch s {
	case AwaitingCredential:
		return "awaiting_credential"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	case Disconnected:
		return "disconnected"
	case AuthFailed:
		return "auth_failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Faulted reports whether the state requires recovery.
func (s State) Faulted() bool {
	return s == Disconnected || s == AuthFailed
}

// Event drives the state machine.
type Event int

const (
	// EventCredentialAvailable carries a fresh pairing code.
	EventCredentialAvailable Event = iota
	// EventResuming means stored credentials are being used instead of pairing.
	EventResuming
	EventAuthenticated
	EventReady
	EventDisconnected
	EventAuthFailed
	// EventRecover is fired by the supervisor after tearing down a faulted session.
	EventRecover
)

func (e Event) String() string {
	switch e {
	case EventCredentialAvailable:
		return "credential_available"
	case EventResuming:
		return "resuming"
	case EventAuthenticated:
		return "authenticated"
	case EventReady:
		return "ready"
	case EventDisconnected:
		return "disconnected"
	case EventAuthFailed:
		return "auth_failed"
	case EventRecover:
		return "recover"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Transition is one applied state change. From may equal To.
type Transition struct {
	From  State
	To    State
	Event Event
}

// Entered reports whether the transition moved into s from another state.
func (t Transition) Entered(s State) bool { return t.To == s && t.From != s }

// Left reports whether the transition moved out of s.
func (t Transition) Left(s State) bool { return t.From == s && t.To != s }

// ErrInvalidTransition is returned when an event does not apply to the
// current state. The state is left unchanged.
var ErrInvalidTransition = errors.New("invalid session transition")

var transitions = map[State]map[Event]State{
	AwaitingCredential: {
		EventCredentialAvailable: Authenticating,
		EventResuming:            Authenticating,
		EventDisconnected:        Disconnected,
		EventAuthFailed:          AuthFailed,
	},
	Authenticating: {
		EventCredentialAvailable: Authenticating,
		EventAuthenticated:       Authenticating,
		EventReady:               Ready,
		EventDisconnected:        Disconnected,
		EventAuthFailed:          AuthFailed,
	},
	Ready: {
		EventDisconnected: Disconnected,
		EventAuthFailed:   AuthFailed,
	},
	Disconnected: {
		EventRecover:    AwaitingCredential,
		EventAuthFailed: AuthFailed,
	},
	AuthFailed: {
		EventRecover: AwaitingCredential,
	},
}

// Machine is the single owner of the session state.
type Machine struct {
	mu    sync.RWMutex
	state State
}

func NewMachine() *Machine {
	return &Machine{state: AwaitingCredential}
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Machine) IsReady() bool {
	return m.State() == Ready
}

// Fire applies ev to the current state.
func (m *Machine) Fire(ev Event) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	to, ok := transitions[from][ev]
	if !ok {
		return Transition{From: from, To: from, Event: ev}, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
	}
	m.state = to
	return Transition{From: from, To: to, Event: ev}, nil
}
