package link

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddielth/sensorbridge/logger"
)

// maxPending bounds the transitions kept between two heartbeats
const maxPending = 64

// Link wraps a Machine for one I/O edge. The state is written only through
// Handle and can be read from any goroutine.
type Link struct {
	name string
	now  func() time.Time

	mu      sync.Mutex
	machine *Machine
	pending []Transition
	next    uint64
	lost    int

	state atomic.Int32
}

// New creates a Disconnected link
func New(name string, malformedThreshold int) *Link {
	return &Link{
		name:    name,
		now:     time.Now,
		machine: NewMachine(malformedThreshold),
	}
}

// Name returns the link name
func (l *Link) Name() string {
	return l.name
}

// State returns the last published state
func (l *Link) State() State {
	return State(l.state.Load())
}

// Handle feeds ev to the state machine, publishes the new state and
// records the transition if the state changed
func (l *Link) Handle(ev Event) Transition {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.machine.Handle(ev)
	t.Link = l.name
	t.At = l.now()
	l.state.Store(int32(t.To))

	if t.Changed() {
		if len(l.pending) == maxPending {
			copy(l.pending, l.pending[1:])
			l.pending = l.pending[:maxPending-1]
			l.lost++
		}
		l.next++
		t.seq = l.next
		l.pending = append(l.pending, t)
		logger.Info("%s link %s -> %s (%s)", l.name, t.From, t.To, t.Event)
	}
	return t
}

// Pending returns a copy of the transitions not yet acknowledged, oldest
// first
func (l *Link) Pending() []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lost > 0 {
		logger.Warn("%s link dropped %d undelivered transitions", l.name, l.lost)
		l.lost = 0
	}
	return append([]Transition(nil), l.pending...)
}

// Ack forgets t and every pending transition recorded before it
func (l *Link) Ack(t Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := 0
	for i < len(l.pending) && l.pending[i].seq <= t.seq {
		i++
	}
	l.pending = l.pending[i:]
}
