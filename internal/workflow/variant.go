package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownVariant is returned when a trigger, condition, action or
// frequency names a type the engine does not implement.
var ErrUnknownVariant = errors.New("unknown variant")

type typeProbe struct {
	Type string `json:"type"`
}

// decodeTagged reads the "type" discriminator and decodes data into the
// matching variant.
func decodeTagged[T any](data []byte, what string, registry map[string]func() T) (T, error) {
	var zero T
	var probe typeProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return zero, fmt.Errorf("invalid %s: %w", what, err)
	}
	newVariant, ok := registry[probe.Type]
	if !ok {
		return zero, fmt.Errorf("%w: %s type %q", ErrUnknownVariant, what, probe.Type)
	}
	v := newVariant()
	if err := json.Unmarshal(data, v); err != nil {
		return zero, fmt.Errorf("invalid %s %q: %w", what, probe.Type, err)
	}
	return v, nil
}

// encodeTagged marshals v and adds the "type" discriminator.
func encodeTagged(kind string, v any) ([]byte, error) {
	fields := map[string]any{}
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	}
	fields["type"] = kind
	return json.Marshal(fields)
}
