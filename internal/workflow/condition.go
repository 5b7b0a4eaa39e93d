package workflow

import (
	"fmt"
)

// ConditionKind is the discriminator of ConditionSpec.
type ConditionKind string

const (
	ConditionURLPath        ConditionKind = "url_path"
	ConditionTrafficSource  ConditionKind = "traffic_source"
	ConditionNewVsReturning ConditionKind = "new_vs_returning"
	ConditionDeviceType     ConditionKind = "device_type"
	ConditionExpression     ConditionKind = "expression"
)

// Condition is one condition variant.
type Condition interface {
	Kind() ConditionKind
}

// URLPath matches the current page path against a glob pattern.
type URLPath struct {
	Pattern string `json:"pattern" validate:"required"`
}

// TrafficSource matches the classified source of the session.
type TrafficSource struct {
	Source string `json:"source" validate:"required,oneof=direct search social internal referral paid email"`
}

// NewVsReturning matches new (true) or returning (false) visitors.
type NewVsReturning struct {
	IsNew bool `json:"isNew"`
}

// DeviceType matches the classified device.
type DeviceType struct {
	Device string `json:"device" validate:"required,oneof=mobile tablet desktop"`
}

// Expression is a CEL boolean expression over the evaluation context.
type Expression struct {
	Expr string `json:"expr" validate:"required"`
}

func (*URLPath) Kind() ConditionKind        { return ConditionURLPath }
func (*TrafficSource) Kind() ConditionKind  { return ConditionTrafficSource }
func (*NewVsReturning) Kind() ConditionKind { return ConditionNewVsReturning }
func (*DeviceType) Kind() ConditionKind     { return ConditionDeviceType }
func (*Expression) Kind() ConditionKind     { return ConditionExpression }

var conditionRegistry = map[string]func() Condition{
	string(ConditionURLPath):        func() Condition { return &URLPath{} },
	string(ConditionTrafficSource):  func() Condition { return &TrafficSource{} },
	string(ConditionNewVsReturning): func() Condition { return &NewVsReturning{} },
	string(ConditionDeviceType):     func() Condition { return &DeviceType{} },
	string(ConditionExpression):     func() Condition { return &Expression{} },
}

// ConditionSpec wraps a Condition variant with its JSON "type" discriminator.
type ConditionSpec struct {
	Condition
}

func (s *ConditionSpec) UnmarshalJSON(data []byte) error {
	c, err := decodeTagged(data, "condition", conditionRegistry)
	if err != nil {
		return err
	}
	s.Condition = c
	return nil
}

func (s ConditionSpec) MarshalJSON() ([]byte, error) {
	if s.Condition == nil {
		return nil, fmt.Errorf("%w: empty condition", ErrUnknownVariant)
	}
	return encodeTagged(string(s.Kind()), s.Condition)
}
