package workflow

import (
	"fmt"
)

// StepKind selects how a funnel step matches incoming activity.
type StepKind string

const (
	StepPage  StepKind = "page"
	StepClick StepKind = "click"
	StepEvent StepKind = "event"
)

// StepMatcher describes one funnel step.
type StepMatcher struct {
	Kind StepKind `json:"type" validate:"required,oneof=page click event"`
	Name string   `json:"name,omitempty"`
	// Pattern is a path glob for page steps.
	Pattern string `json:"pattern,omitempty" validate:"required_if=Kind page"`
	// Selector is a CSS selector for click steps.
	Selector string `json:"selector,omitempty" validate:"required_if=Kind click"`
	// Event is the custom or tracked event name for event steps.
	Event string `json:"event,omitempty" validate:"required_if=Kind event"`
}

// Funnel is an ordered sequence of steps.
type Funnel struct {
	ID    string        `json:"id" validate:"required"`
	Name  string        `json:"name,omitempty"`
	Steps []StepMatcher `json:"steps" validate:"min=1,dive"`
}

// Validate checks the funnel definition.
func (f *Funnel) Validate() error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("invalid funnel %q: %w", f.ID, err)
	}
	return nil
}
