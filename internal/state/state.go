// Package state defines the lifecycle states shared by executions and task
// runs, plus the append-only history that records every transition.
package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the current lifecycle value of an execution or task run.
type State string

const (
	Created   State = "CREATED"
	Running   State = "RUNNING"
	Paused    State = "PAUSED"
	Retrying  State = "RETRYING"
	Restarted State = "RESTARTED"
	Success   State = "SUCCESS"
	Warning   State = "WARNING"
	Failed    State = "FAILED"
	Killed    State = "KILLED"
)

var all = []State{Created, Running, Paused, Retrying, Restarted, Success, Warning, Failed, Killed}

// ErrTerminal is returned when a transition is attempted out of a terminal state.
var ErrTerminal = errors.New("state: already terminal")

// All returns every known state in lifecycle order.
func All() []State {
	out := make([]State, len(all))
	copy(out, all)
	return out
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range all {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	switch s {
	case Success, Warning, Failed, Killed:
		return true
	}
	return false
}

// IsFailed reports whether s is a failing terminal state.
func (s State) IsFailed() bool {
	return s == Failed || s == Killed
}

// IsRunning reports whether s is an active, non-terminal state past creation.
func (s State) IsRunning() bool {
	switch s {
	case Running, Paused, Retrying, Restarted:
		return true
	}
	return false
}

func (s State) String() string {
	return string(s)
}

// Parse converts user input (any case, surrounding spaces) into a State.
func Parse(raw string) (State, error) {
	s := State(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("state: unknown state %q", raw)
	}
	return s, nil
}

// ParseList parses every entry of raw, skipping blanks.
func ParseList(raw []string) ([]State, error) {
	var out []State
	for _, value := range raw {
		if strings.TrimSpace(value) == "" {
			continue
		}
		s, err := Parse(value)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Transition is one entry of a History.
type Transition struct {
	State State     `json:"state"`
	Date  time.Time `json:"date"`
}

// History records the ordered transitions of a single entity. The zero value
// is an empty history whose current state is Created.
type History struct {
	Transitions []Transition `json:"transitions"`
}

// NewHistory starts a history in the Created state.
func NewHistory(at time.Time) History {
	return History{Transitions: []Transition{{State: Created, Date: at.UTC()}}}
}

// Current returns the latest recorded state.
func (h History) Current() State {
	if len(h.Transitions) == 0 {
		return Created
	}
	return h.Transitions[len(h.Transitions)-1].State
}

// Transition appends next to the history. Repeating the current state is a
// no-op; leaving a terminal state fails with ErrTerminal.
func (h *History) Transition(next State, at time.Time) error {
	if !next.Valid() {
		return fmt.Errorf("state: unknown state %q", next)
	}
	current := h.Current()
	if len(h.Transitions) > 0 && current == next {
		return nil
	}
	if current.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrTerminal, current, next)
	}
	h.Transitions = append(h.Transitions, Transition{State: next, Date: at.UTC()})
	return nil
}

// StartDate returns the date of the first transition.
func (h History) StartDate() time.Time {
	if len(h.Transitions) == 0 {
		return time.Time{}
	}
	return h.Transitions[0].Date
}

// EndDate returns the date the history reached a terminal state.
func (h History) EndDate() (time.Time, bool) {
	if len(h.Transitions) == 0 {
		return time.Time{}, false
	}
	last := h.Transitions[len(h.Transitions)-1]
	if !last.State.IsTerminal() {
		return time.Time{}, false
	}
	return last.Date, true
}

// Duration returns the time between the first transition and the terminal
// one, or until now when the history is still open.
func (h History) Duration(now time.Time) time.Duration {
	start := h.StartDate()
	if start.IsZero() {
		return 0
	}
	if end, ok := h.EndDate(); ok {
		return end.Sub(start)
	}
	return now.Sub(start)
}

// Clone returns a deep copy of the history.
func (h History) Clone() History {
	if len(h.Transitions) == 0 {
		return History{}
	}
	out := make([]Transition, len(h.Transitions))
	copy(out, h.Transitions)
	return History{Transitions: out}
}
