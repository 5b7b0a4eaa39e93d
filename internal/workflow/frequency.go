package workflow

import (
	"encoding/json"
	"fmt"
)

// FrequencyPolicy caps how often a workflow may execute.
type FrequencyPolicy string

const (
	EveryTrigger   FrequencyPolicy = "every_trigger"
	OncePerSession FrequencyPolicy = "once_per_session"
	OnceEver       FrequencyPolicy = "once_ever"
)

// Valid reports whether p is a known policy.
func (p FrequencyPolicy) Valid() bool {
	switch p {
	case EveryTrigger, OncePerSession, OnceEver:
		return true
	}
	return false
}

func (p *FrequencyPolicy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid frequency: %w", err)
	}
	policy := FrequencyPolicy(s)
	if s == "" {
		policy = EveryTrigger
	}
	if !policy.Valid() {
		return fmt.Errorf("%w: frequency %q", ErrUnknownVariant, s)
	}
	*p = policy
	return nil
}
