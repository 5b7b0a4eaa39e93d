package workflow

import (
	"fmt"
)

// ActionKind is the discriminator of ActionSpec.
type ActionKind string

const (
	ActionShowModal        ActionKind = "show_modal"
	ActionShowBanner       ActionKind = "show_banner"
	ActionShowNotification ActionKind = "show_notification"
	ActionTrackEvent       ActionKind = "track_event"
	ActionWebhook          ActionKind = "webhook"
	ActionRedirectURL      ActionKind = "redirect_url"
)

// Action is one action variant.
type Action interface {
	Kind() ActionKind
}

// CTA is an optional call-to-action button.
type CTA struct {
	Label string `json:"label" validate:"required"`
	URL   string `json:"url,omitempty"`
}

// Content is the payload of the UI overlay actions.
type Content struct {
	Title string `json:"title"`
	Body  string `json:"body" validate:"required_without=Title"`
	CTA   *CTA   `json:"cta,omitempty"`
}

type ShowModal struct {
	Content
}

type ShowBanner struct {
	Content
	// Position is top or bottom.
	Position string `json:"position,omitempty" validate:"omitempty,oneof=top bottom"`
}

type ShowNotification struct {
	Content
}

// TrackEvent enqueues an analytics event.
type TrackEvent struct {
	EventType  string         `json:"eventType" validate:"required"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Webhook posts the execution to an external URL.
type Webhook struct {
	URL     string            `json:"url" validate:"required,url"`
	Payload map[string]any    `json:"payload,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// RedirectURL navigates the page; later actions are skipped.
type RedirectURL struct {
	Target string `json:"target" validate:"required"`
}

func (*ShowModal) Kind() ActionKind        { return ActionShowModal }
func (*ShowBanner) Kind() ActionKind       { return ActionShowBanner }
func (*ShowNotification) Kind() ActionKind { return ActionShowNotification }
func (*TrackEvent) Kind() ActionKind       { return ActionTrackEvent }
func (*Webhook) Kind() ActionKind          { return ActionWebhook }
func (*RedirectURL) Kind() ActionKind      { return ActionRedirectURL }

var actionRegistry = map[string]func() Action{
	string(ActionShowModal):        func() Action { return &ShowModal{} },
	string(ActionShowBanner):       func() Action { return &ShowBanner{} },
	string(ActionShowNotification): func() Action { return &ShowNotification{} },
	string(ActionTrackEvent):       func() Action { return &TrackEvent{} },
	string(ActionWebhook):          func() Action { return &Webhook{} },
	string(ActionRedirectURL):      func() Action { return &RedirectURL{} },
}

// ActionSpec wraps an Action variant with its JSON "type" discriminator.
type ActionSpec struct {
	Action
}

func (s *ActionSpec) UnmarshalJSON(data []byte) error {
	a, err := decodeTagged(data, "action", actionRegistry)
	if err != nil {
		return err
	}
	s.Action = a
	return nil
}

func (s ActionSpec) MarshalJSON() ([]byte, error) {
	if s.Action == nil {
		return nil, fmt.Errorf("%w: empty action", ErrUnknownVariant)
	}
	return encodeTagged(string(s.Kind()), s.Action)
}
