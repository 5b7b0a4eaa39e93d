package workflow

import (
	"encoding/json"
	"fmt"
)

// TriggerKind is the discriminator of TriggerSpec.
type TriggerKind string

const (
	TriggerPageView     TriggerKind = "page_view"
	TriggerElementClick TriggerKind = "element_click"
	TriggerFunnelStep   TriggerKind = "funnel_step"
	TriggerTimeSpent    TriggerKind = "time_spent"
	TriggerExitIntent   TriggerKind = "exit_intent"
	TriggerCustomEvent  TriggerKind = "custom_event"
	TriggerScrollDepth  TriggerKind = "scroll_depth"
	TriggerInactivity   TriggerKind = "inactivity"
)

// Trigger is one trigger variant.
type Trigger interface {
	Kind() TriggerKind
}

// PageView fires once per navigation.
type PageView struct{}

// ElementClick fires when a click target matches Selector.
type ElementClick struct {
	Selector string `json:"selector" validate:"required"`
}

// FunnelStep fires when step StepIndex (1-based) of FunnelID completes.
type FunnelStep struct {
	FunnelID  string `json:"funnelId" validate:"required"`
	StepIndex int    `json:"stepIndex" validate:"gte=1"`
}

// TimeSpent fires once after Seconds of page presence.
type TimeSpent struct {
	Seconds float64 `json:"seconds" validate:"gt=0"`
}

// ExitIntent fires at most once per page view when the pointer leaves
// toward the browser chrome.
type ExitIntent struct{}

// CustomEvent fires when the host dispatches a custom event called Name.
type CustomEvent struct {
	Name string `json:"name" validate:"required"`
}

// ScrollDepth fires once per page view when scroll depth first reaches Percent.
type ScrollDepth struct {
	Percent float64 `json:"percent" validate:"gt=0,lte=100"`
}

// Inactivity fires once per page view after Seconds without activity.
type Inactivity struct {
	Seconds float64 `json:"seconds" validate:"gt=0"`
}

func (*PageView) Kind() TriggerKind     { return TriggerPageView }
func (*ElementClick) Kind() TriggerKind { return TriggerElementClick }
func (*FunnelStep) Kind() TriggerKind   { return TriggerFunnelStep }
func (*TimeSpent) Kind() TriggerKind    { return TriggerTimeSpent }
func (*ExitIntent) Kind() TriggerKind   { return TriggerExitIntent }
func (*CustomEvent) Kind() TriggerKind  { return TriggerCustomEvent }
func (*ScrollDepth) Kind() TriggerKind  { return TriggerScrollDepth }
func (*Inactivity) Kind() TriggerKind   { return TriggerInactivity }

var triggerRegistry = map[string]func() Trigger{
	string(TriggerPageView):     func() Trigger { return &PageView{} },
	string(TriggerElementClick): func() Trigger { return &ElementClick{} },
	string(TriggerFunnelStep):   func() Trigger { return &FunnelStep{} },
	string(TriggerTimeSpent):    func() Trigger { return &TimeSpent{} },
	string(TriggerExitIntent):   func() Trigger { return &ExitIntent{} },
	string(TriggerCustomEvent):  func() Trigger { return &CustomEvent{} },
	string(TriggerScrollDepth):  func() Trigger { return &ScrollDepth{} },
	string(TriggerInactivity):   func() Trigger { return &Inactivity{} },
}

// TriggerSpec wraps a Trigger variant with its JSON "type" discriminator.
type TriggerSpec struct {
	Trigger
}

func (s *TriggerSpec) UnmarshalJSON(data []byte) error {
	t, err := decodeTagged(data, "trigger", triggerRegistry)
	if err != nil {
		return err
	}
	s.Trigger = t
	return nil
}

func (s TriggerSpec) MarshalJSON() ([]byte, error) {
	if s.Trigger == nil {
		return nil, fmt.Errorf("%w: empty trigger", ErrUnknownVariant)
	}
	return encodeTagged(string(s.Kind()), s.Trigger)
}

var _ json.Marshaler = TriggerSpec{}
