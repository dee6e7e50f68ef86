// Package capability defines the behavior objects an endpoint is configured
// with (actions, properties, reportings, polls), the factory that builds them
// by name, and the capability library that assigns them to device models.
package capability

import "fmt"

// Kind identifies one of the four behavior sets of an endpoint.
type Kind int

const (
	KindAction Kind = iota
	KindProperty
	KindReporting
	KindPoll
)

func (k Kind) String() string {
	switch k {
	case KindAction:
		return "action"
	case KindProperty:
		return "property"
	case KindReporting:
		return "reporting"
	case KindPoll:
		return "poll"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Behavior is a named unit of device capability.
type Behavior interface {
	Name() string
}

// Action is a command the device accepts.
type Action interface {
	Behavior
	ClusterID() uint16
	SetOptions(options map[string]any)
}

// PropertyConfig is injected into every property built by the resolver.
type PropertyConfig struct {
	// Multiple is set when the library entry targets several endpoints, so
	// the same property name may exist more than once on one device.
	Multiple  bool
	ModelName string
	Version   uint8
	Options   map[string]any
}

// Property is a piece of decoded device state.
type Property interface {
	Behavior
	Configure(cfg PropertyConfig)
	Multiple() bool
	// Value returns the current value, or nil when no valid value is held.
	Value() any
	SetValue(value any)
}

// AttributeParser is implemented by properties that decode ZCL attribute
// reports. Parse returns true when the report updated the property value.
type AttributeParser interface {
	ClusterID() uint16
	Parse(attrID uint16, value any) bool
}

// Reporting is an attribute-report subscription to configure on the device.
type Reporting interface {
	Behavior
	ClusterID() uint16
	AttributeID() uint16
	DataType() uint8
	MinInterval() uint16
	MaxInterval() uint16
	ValueChange() uint16
}

// Poll is a periodic attribute read.
type Poll interface {
	Behavior
	ClusterID() uint16
	AttributeIDs() []uint16
}

// ExposeName returns the name a property is published under. Properties
// flagged as multiple carry the endpoint id so they stay distinct.
func ExposeName(p Property, endpointID uint8) string {
	if p.Multiple() {
		return fmt.Sprintf("%s_%d", p.Name(), endpointID)
	}
	return p.Name()
}
