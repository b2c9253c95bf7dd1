// Package call holds the record describing one telephone call leg as seen by
// either side of a hands-free link.
package call

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HFOriginatedID is the id of a call dialed by the hands-free side before the
// gateway has reported the id it assigned to it.
const HFOriginatedID = -1

// State represents the state of a call leg.
type State int

const (
	StateActive State = iota
	StateHeld
	StateDialing
	StateAlerting
	StateIncoming
	StateWaiting
	StateHeldByResponseAndHold
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateHeld:
		return "held"
	case StateDialing:
		return "dialing"
	case StateAlerting:
		return "alerting"
	case StateIncoming:
		return "incoming"
	case StateWaiting:
		return "waiting"
	case StateHeldByResponseAndHold:
		return "held_by_rh"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// FromCLCC maps the <stat> field of a +CLCC line to a State.
func FromCLCC(stat int) (State, bool) {
	switch stat {
	case 0:
		return StateActive, true
	case 1:
		return StateHeld, true
	case 2:
		return StateDialing, true
	case 3:
		return StateAlerting, true
	case 4:
		return StateIncoming, true
	case 5:
		return StateWaiting, true
	case 6:
		return StateHeldByResponseAndHold, true
	}
	return 0, false
}

// CLCC returns the +CLCC <stat> value for s. Terminated has no encoding.
func (s State) CLCC() (int, bool) {
	if s < StateActive || s > StateHeldByResponseAndHold {
		return 0, false
	}
	return int(s), true
}

// Call is one call leg.
type Call struct {
	ID         int
	UUID       uuid.UUID
	State      State
	Number     string
	Multiparty bool
	Outgoing   bool
	InBandRing bool
	CreatedAt  time.Time
}

// New creates a call leg with a fresh UUID.
func New(id int, state State, number string, multiparty, outgoing, inBandRing bool, now time.Time) *Call {
	return &Call{
		ID:         id,
		UUID:       uuid.New(),
		State:      state,
		Number:     number,
		Multiparty: multiparty,
		Outgoing:   outgoing,
		InBandRing: inBandRing,
		CreatedAt:  now,
	}
}

// HFOriginated reports whether the call still carries the sentinel id.
func (c *Call) HFOriginated() bool { return c.ID == HFOriginatedID }

// Differs reports whether the fields a gateway may change (number, state,
// multiparty) differ between c and o.
func (c *Call) Differs(o *Call) bool {
	return c.Number != o.Number || c.State != o.State || c.Multiparty != o.Multiparty
}

// Merge copies the gateway-controlled fields of o into c.
func (c *Call) Merge(o *Call) {
	c.Number = o.Number
	c.State = o.State
	c.Multiparty = o.Multiparty
}

// Age returns how long the call has existed at now.
func (c *Call) Age(now time.Time) time.Duration {
	return now.Sub(c.CreatedAt)
}

// Clone returns a copy safe to hand to other goroutines.
func (c *Call) Clone() Call {
	return *c
}

func (c Call) String() string {
	dir := "in"
	if c.Outgoing {
		dir = "out"
	}
	return fmt.Sprintf("call[%d %s %s %q mpty=%t]", c.ID, c.State, dir, c.Number, c.Multiparty)
}
