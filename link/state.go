// Package link supervises the two I/O edges of the bridge: the serial
// device and the message broker. Each edge is driven by a small state
// machine; the Supervisor owns the reconnect loops and assembles the
// periodic heartbeat from the link states and pipeline counters.
package link

import (
	"errors"
	"fmt"
	"time"
)

// ErrConnection is matched by link level failures
var ErrConnection = errors.New("connection error")

// ErrEscalated is returned when consecutive malformed frames force a reconnect
var ErrEscalated = fmt.Errorf("%w: malformed frame threshold reached", ErrConnection)

// ConnectionError wraps a failed dial or a lost connection
type ConnectionError struct {
	Link string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s link %s failed: %v", e.Link, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

// State of a single link
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state name in JSON payloads
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Event drives a Machine
type Event int

const (
	EventDial Event = iota
	EventDialOK
	EventDialFailed
	EventIOError
	EventMalformed
	EventGoodFrame
	EventShutdown
)

func (e Event) String() string {
	switch e {
	case EventDial:
		return "dial"
	case EventDialOK:
		return "dial_ok"
	case EventDialFailed:
		return "dial_failed"
	case EventIOError:
		return "io_error"
	case EventMalformed:
		return "malformed"
	case EventGoodFrame:
		return "good_frame"
	case EventShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// MarshalText renders the event name in JSON payloads
func (e Event) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// Transition is the outcome of one event
type Transition struct {
	Link  string    `json:"link"`
	From  State     `json:"from"`
	To    State     `json:"to"`
	Event Event     `json:"event"`
	At    time.Time `json:"at"`
	// Reconnect is set when the owner should dial again after backoff
	Reconnect bool `json:"-"`

	// position in the owning link's history, used to acknowledge delivery
	seq uint64
}

// Changed reports whether the state moved
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Machine is the connection state machine. It knows nothing about timers
// or goroutines; callers feed it events and act on the returned Transition.
type Machine struct {
	state     State
	malformed int
	threshold int
	stopped   bool
}

// NewMachine starts Disconnected. threshold is the number of consecutive
// malformed frames that turn Degraded into Disconnected; 0 never escalates.
func NewMachine(threshold int) *Machine {
	if threshold < 0 {
		threshold = 0
	}
	return &Machine{state: Disconnected, threshold: threshold}
}

// State returns the current state
func (m *Machine) State() State {
	return m.state
}

// Handle applies ev and returns the resulting transition
func (m *Machine) Handle(ev Event) Transition {
	t := Transition{From: m.state, To: m.state, Event: ev}

	switch ev {
	case EventShutdown:
		m.stopped = true
		m.malformed = 0
		t.To = Disconnected

	case EventDial:
		if m.state == Disconnected && !m.stopped {
			t.To = Connecting
		}

	case EventDialOK:
		if m.state == Connecting {
			m.malformed = 0
			t.To = Connected
		}

	case EventDialFailed:
		if m.state == Connecting {
			t.To = Disconnected
			t.Reconnect = !m.stopped
		}

	case EventIOError:
		if m.state != Disconnected {
			m.malformed = 0
			t.To = Disconnected
			t.Reconnect = !m.stopped
		}

	case EventMalformed:
		if m.state != Connected && m.state != Degraded {
			break
		}
		m.malformed++
		if m.threshold > 0 && m.malformed >= m.threshold {
			m.malformed = 0
			t.To = Disconnected
			t.Reconnect = !m.stopped
		} else {
			t.To = Degraded
		}

	case EventGoodFrame:
		m.malformed = 0
		if m.state == Degraded {
			t.To = Connected
		}
	}

	m.state = t.To
	return t
}
