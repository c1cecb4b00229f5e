package position

import (
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of one bracket.
type State string

const (
	// PendingEntry - entry has not been placed yet or is resting on the book
	PendingEntry State = "PENDING_ENTRY"

	// EntryFilled - entry executed, protective orders not confirmed yet
	EntryFilled State = "ENTRY_FILLED"

	// ProtectiveActive - stop-loss and take-profit are both resting
	ProtectiveActive State = "PROTECTIVE_ACTIVE"

	Closed    State = "CLOSED"
	Cancelled State = "CANCELLED"
	Failed    State = "FAILED"
)

var transitions = map[State][]State{
	PendingEntry:     {EntryFilled, Cancelled, Failed},
	EntryFilled:      {ProtectiveActive, Failed},
	ProtectiveActive: {Closed, Cancelled, Failed},
}

// CanTransition reports whether to is reachable from s in one step.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool { return len(transitions[s]) == 0 }

// Transition represents a transition from one state to another.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// machine guards the state of one controller. Illegal transitions are
// rejected and leave the state unchanged.
type machine struct {
	mu      sync.Mutex
	current State
	history []Transition
	now     func() time.Time
}

func newMachine(now func() time.Time) *machine {
	return &machine{current: PendingEntry, now: now}
}

func (m *machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *machine) transition(to State, reason string) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current.CanTransition(to) {
		return Transition{}, fmt.Errorf("illegal transition %s -> %s", m.current, to)
	}
	t := Transition{From: m.current, To: to, Reason: reason, At: m.now()}
	m.history = append(m.history, t)
	m.current = to
	return t, nil
}

// force moves to FAILED from any non-terminal state.
func (m *machine) force(reason string) (Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.Terminal() {
		return Transition{}, false
	}
	t := Transition{From: m.current, To: Failed, Reason: reason, At: m.now()}
	m.history = append(m.history, t)
	m.current = Failed
	return t, true
}

func (m *machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}
