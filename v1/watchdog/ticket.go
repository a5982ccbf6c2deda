package watchdog

import "time"

// State is the lifecycle position of a Ticket.
type State int

const (
	StateInert State = iota
	StateArmed
	StateClosed
	StateFired
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateInert:
		return "inert"
	case StateArmed:
		return "armed"
	case StateClosed:
		return "closed"
	case StateFired:
		return "fired"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Ticket tracks one acquisition attempt. The zero Ticket is inert.
type Ticket struct {
	id      string
	obj     any
	label   string
	stack   string
	passive bool
	start   time.Time
	w       *Watchdog

	// guarded by w.mu
	state State
}

// ID returns the ticket id, empty for inert tickets.
func (t *Ticket) ID() string { return t.id }

// Label returns the seeker label.
func (t *Ticket) Label() string { return t.label }

// Stack returns the stack recorded for the ticket.
func (t *Ticket) Stack() string { return t.stack }

// Started returns when the ticket was opened.
func (t *Ticket) Started() time.Time { return t.start }

// State returns the current lifecycle state.
func (t *Ticket) State() State {
	if t == nil || t.w == nil {
		return StateInert
	}
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	return t.state
}

// Close deregisters the ticket whether or not it fired. Closing twice is a
// programming error.
func (t *Ticket) Close() error {
	if t == nil || t.w == nil {
		return nil
	}
	if t.w.close(t) {
		t.w.remove(t)
	}
	return nil
}
