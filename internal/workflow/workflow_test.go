package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerSpec_Decode(t *testing.T) {
	tests := []struct {
		name string
		json string
		want Trigger
	}{
		{"page view", `{"type":"page_view"}`, &PageView{}},
		{"element click", `{"type":"element_click","selector":"#buy"}`, &ElementClick{Selector: "#buy"}},
		{"funnel step", `{"type":"funnel_step","funnelId":"checkout","stepIndex":2}`, &FunnelStep{FunnelID: "checkout", StepIndex: 2}},
		{"time spent", `{"type":"time_spent","seconds":30}`, &TimeSpent{Seconds: 30}},
		{"exit intent", `{"type":"exit_intent"}`, &ExitIntent{}},
		{"custom event", `{"type":"custom_event","name":"signup"}`, &CustomEvent{Name: "signup"}},
		{"scroll depth", `{"type":"scroll_depth","percent":75}`, &ScrollDepth{Percent: 75}},
		{"inactivity", `{"type":"inactivity","seconds":20}`, &Inactivity{Seconds: 20}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var spec TriggerSpec
			require.NoError(t, json.Unmarshal([]byte(tt.json), &spec))
			assert.Equal(t, tt.want, spec.Trigger)
		})
	}
}

func TestTaggedUnions_UnknownVariant(t *testing.T) {
	var ts TriggerSpec
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"type":"hover"}`), &ts), ErrUnknownVariant)

	var cs ConditionSpec
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"type":"geo","country":"NL"}`), &cs), ErrUnknownVariant)

	var as ActionSpec
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"selector":"x"}`), &as), ErrUnknownVariant)

	var fp FrequencyPolicy
	assert.ErrorIs(t, json.Unmarshal([]byte(`"twice_daily"`), &fp), ErrUnknownVariant)
	require.NoError(t, json.Unmarshal([]byte(`""`), &fp))
	assert.Equal(t, EveryTrigger, fp)
}

func TestActionSpec_EncodeKeepsDiscriminator(t *testing.T) {
	spec := ActionSpec{Action: &ShowBanner{
		Content:  Content{Title: "Hi", Body: "Free shipping"},
		Position: "top",
	}}

	raw, err := json.Marshal(spec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"show_banner","title":"Hi","body":"Free shipping","position":"top"}`, string(raw))

	var back ActionSpec
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, spec.Action, back.Action)
}

func validDefinition() Definition {
	return Definition{
		ID:      "wf-1",
		Trigger: TriggerSpec{&PageView{}},
		Actions: []ActionSpec{{&TrackEvent{EventType: "promo_seen"}}},
	}
}

func TestDefinition_Validate(t *testing.T) {
	t.Run("valid with default frequency", func(t *testing.T) {
		d := validDefinition()
		require.NoError(t, d.Validate())
		assert.Equal(t, EveryTrigger, d.Frequency)
	})

	tests := []struct {
		name   string
		mutate func(d *Definition)
	}{
		{"missing id", func(d *Definition) { d.ID = "" }},
		{"no actions", func(d *Definition) { d.Actions = nil }},
		{"missing trigger", func(d *Definition) { d.Trigger = TriggerSpec{} }},
		{"empty selector", func(d *Definition) { d.Trigger = TriggerSpec{&ElementClick{}} }},
		{"zero seconds", func(d *Definition) { d.Trigger = TriggerSpec{&TimeSpent{}} }},
		{"step index zero", func(d *Definition) { d.Trigger = TriggerSpec{&FunnelStep{FunnelID: "f"}} }},
		{"bad device", func(d *Definition) { d.Conditions = []ConditionSpec{{&DeviceType{Device: "watch"}}} }},
		{"bad source", func(d *Definition) { d.Conditions = []ConditionSpec{{&TrafficSource{Source: "tv"}}} }},
		{"webhook without url", func(d *Definition) { d.Actions = []ActionSpec{{&Webhook{}}} }},
		{"webhook bad url", func(d *Definition) { d.Actions = []ActionSpec{{&Webhook{URL: "not a url"}}} }},
		{"modal without text", func(d *Definition) { d.Actions = []ActionSpec{{&ShowModal{}}} }},
		{"unknown frequency", func(d *Definition) { d.Frequency = "hourly" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDefinition()
			tt.mutate(&d)
			assert.ErrorIs(t, d.Validate(), ErrInvalidWorkflow)
		})
	}
}

func TestFunnel_Validate(t *testing.T) {
	f := Funnel{ID: "checkout", Steps: []StepMatcher{
		{Kind: StepPage, Pattern: "/cart"},
		{Kind: StepClick, Selector: "button.pay"},
		{Kind: StepEvent, Event: "purchase"},
	}}
	assert.NoError(t, f.Validate())

	f.Steps[1].Selector = ""
	assert.Error(t, f.Validate())

	assert.Error(t, (&Funnel{ID: "empty"}).Validate())
	assert.Error(t, (&Funnel{ID: "x", Steps: []StepMatcher{{Kind: "hover"}}}).Validate())
}
