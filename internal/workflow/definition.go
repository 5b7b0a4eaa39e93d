// Package workflow holds the externally supplied rule definitions: workflows
// (trigger, conditions, frequency, actions) and funnels. Variants are tagged
// unions keyed by a "type" field; an unknown type fails the one definition
// that carries it, never the whole document.
package workflow

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidWorkflow marks a definition that failed validation.
var ErrInvalidWorkflow = errors.New("invalid workflow")

// validate is the singleton validator instance used for all definitions.
var validate = validator.New()

// Definition is one workflow. It is read-only to the engine.
type Definition struct {
	ID         string          `json:"id" validate:"required"`
	Name       string          `json:"name,omitempty"`
	Trigger    TriggerSpec     `json:"trigger"`
	Conditions []ConditionSpec `json:"conditions,omitempty"`
	Frequency  FrequencyPolicy `json:"frequency,omitempty"`
	Actions    []ActionSpec    `json:"actions" validate:"min=1"`
}

// Validate applies the default frequency and checks every variant.
func (d *Definition) Validate() error {
	if d.Frequency == "" {
		d.Frequency = EveryTrigger
	}
	if !d.Frequency.Valid() {
		return fmt.Errorf("%w %q: %w: frequency %q", ErrInvalidWorkflow, d.ID, ErrUnknownVariant, d.Frequency)
	}
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidWorkflow, d.ID, err)
	}

	if d.Trigger.Trigger == nil {
		return fmt.Errorf("%w %q: trigger is required", ErrInvalidWorkflow, d.ID)
	}
	if err := validate.Struct(d.Trigger.Trigger); err != nil {
		return fmt.Errorf("%w %q: trigger %s: %w", ErrInvalidWorkflow, d.ID, d.Trigger.Kind(), err)
	}
	for i, c := range d.Conditions {
		if c.Condition == nil {
			return fmt.Errorf("%w %q: condition %d is empty", ErrInvalidWorkflow, d.ID, i)
		}
		if err := validate.Struct(c.Condition); err != nil {
			return fmt.Errorf("%w %q: condition %d (%s): %w", ErrInvalidWorkflow, d.ID, i, c.Kind(), err)
		}
	}
	for i, a := range d.Actions {
		if a.Action == nil {
			return fmt.Errorf("%w %q: action %d is empty", ErrInvalidWorkflow, d.ID, i)
		}
		if err := validate.Struct(a.Action); err != nil {
			return fmt.Errorf("%w %q: action %d (%s): %w", ErrInvalidWorkflow, d.ID, i, a.Kind(), err)
		}
	}
	return nil
}
