package engine

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/syntrixbase/beacon/internal/trigger"
)

// ErrIllegalTransition is returned for an edge the state machine forbids.
var ErrIllegalTransition = errors.New("illegal execution transition")

// State of one (workflow, fired trigger) execution.
type State string

const (
	StateIdle             State = "idle"
	StateFired            State = "fired"
	StateConditionsPassed State = "conditions_passed"
	StateFrequencyAllowed State = "frequency_allowed"
	StateExecuting        State = "executing"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateRejected         State = "rejected"
)

var transitions = map[State][]State{
	StateIdle:             {StateFired},
	StateFired:            {StateConditionsPassed, StateRejected},
	StateConditionsPassed: {StateFrequencyAllowed, StateRejected},
	StateFrequencyAllowed: {StateExecuting},
	StateExecuting:        {StateCompleted, StateFailed},
}

// Terminal reports whether s is absorbing.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateRejected
}

// Step is one recorded transition.
type Step struct {
	From, To State
	At       time.Time
	Reason   string
}

// Execution is the short-lived state machine of one fired trigger for one
// workflow. Its only durable residue is the execution record written by the
// frequency governor.
type Execution struct {
	ID         string
	WorkflowID string
	Fired      trigger.Fired
	State      State
	History    []Step

	now      func() time.Time
	observer func(*Execution, Step)
}

func newExecution(f trigger.Fired, now func() time.Time, observer func(*Execution, Step)) *Execution {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Execution{
		ID:         id.String(),
		WorkflowID: f.WorkflowID,
		Fired:      f,
		State:      StateIdle,
		now:        now,
		observer:   observer,
	}
}

// Transition moves the execution to `to`. Terminal states are absorbing.
func (x *Execution) Transition(to State, reason string) error {
	if !slices.Contains(transitions[x.State], to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, x.State, to)
	}
	step := Step{From: x.State, To: to, Reason: reason}
	if x.now != nil {
		step.At = x.now()
	}
	x.State = to
	x.History = append(x.History, step)
	if x.observer != nil {
		x.observer(x, step)
	}
	return nil
}

// Reason returns the reason recorded with the last transition.
func (x *Execution) Reason() string {
	if len(x.History) == 0 {
		return ""
	}
	return x.History[len(x.History)-1].Reason
}
