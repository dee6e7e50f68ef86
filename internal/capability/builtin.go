package capability

import (
	"maps"
	"math"
	"strings"
)

// attributeSpec binds a behavior name to the ZCL attribute it is built on.
type attributeSpec struct {
	name     string
	cluster  uint16
	attr     uint16
	dataType uint8
	min, max uint16
	change   uint16
	decode   func(any) (any, bool)
	action   bool
}

var builtinSpecs = []attributeSpec{
	{name: "Status", cluster: 0x0006, attr: 0x0000, dataType: 0x10, max: 600, decode: decodeBool, action: true},
	{name: "Level", cluster: 0x0008, attr: 0x0000, dataType: 0x20, max: 600, change: 1, decode: decodeNumber, action: true},
	{name: "ColorTemperature", cluster: 0x0300, attr: 0x0007, dataType: 0x21, max: 600, change: 1, decode: decodeNumber, action: true},
	{name: "Temperature", cluster: 0x0402, attr: 0x0000, dataType: 0x29, min: 10, max: 600, change: 10, decode: divideBy(100)},
	{name: "Humidity", cluster: 0x0405, attr: 0x0000, dataType: 0x21, min: 10, max: 600, change: 100, decode: divideBy(100)},
	{name: "Pressure", cluster: 0x0403, attr: 0x0000, dataType: 0x29, min: 10, max: 600, change: 1, decode: decodeNumber},
	{name: "Illuminance", cluster: 0x0400, attr: 0x0000, dataType: 0x21, min: 10, max: 600, change: 10, decode: decodeIlluminance},
	{name: "Occupancy", cluster: 0x0406, attr: 0x0000, dataType: 0x18, max: 600, decode: decodeOccupancy},
	{name: "Battery", cluster: 0x0001, attr: 0x0021, dataType: 0x20, min: 3600, max: 43200, change: 2, decode: divideBy(2)},
}

// Builtin returns a factory populated with the standard ZCL behaviors.
// Each name gets a property, a reporting and a poll; on/off, level and
// color temperature also get an action.
func Builtin() *Factory {
	f := NewFactory()
	for _, spec := range builtinSpecs {
		spec := spec
		f.RegisterProperty(spec.name, func() Property { return &attributeProperty{spec: spec} })
		f.RegisterReporting(spec.name, func() Reporting { return &attributeReporting{spec: spec} })
		f.RegisterPoll(spec.name, func() Poll { return &attributePoll{spec: spec} })
		if spec.action {
			f.RegisterAction(spec.name, func() Action { return &clusterAction{spec: spec} })
		}
	}
	return f
}

type attributeProperty struct {
	spec  attributeSpec
	cfg   PropertyConfig
	value any
}

func (p *attributeProperty) Name() string               { return p.spec.name }
func (p *attributeProperty) ClusterID() uint16          { return p.spec.cluster }
func (p *attributeProperty) Configure(cfg PropertyConfig) { p.cfg = cfg }
func (p *attributeProperty) Multiple() bool             { return p.cfg.Multiple }
func (p *attributeProperty) Value() any                 { return p.value }
func (p *attributeProperty) SetValue(value any)         { p.value = value }

func (p *attributeProperty) Parse(attrID uint16, value any) bool {
	if attrID != p.spec.attr {
		return false
	}
	v, ok := p.spec.decode(value)
	if !ok {
		return false
	}
	// "<name>Offset" option, e.g. temperatureOffset.
	if f, isFloat := v.(float64); isFloat {
		if offset, ok := toFloat(p.cfg.Options[offsetKey(p.spec.name)]); ok {
			v = f + offset
		}
	}
	p.value = v
	return true
}

func offsetKey(name string) string {
	if name == "" {
		return ""
	}
	return strings.ToLower(name[:1]) + name[1:] + "Offset"
}

type attributeReporting struct {
	spec attributeSpec
}

func (r *attributeReporting) Name() string        { return r.spec.name }
func (r *attributeReporting) ClusterID() uint16   { return r.spec.cluster }
func (r *attributeReporting) AttributeID() uint16 { return r.spec.attr }
func (r *attributeReporting) DataType() uint8     { return r.spec.dataType }
func (r *attributeReporting) MinInterval() uint16 { return r.spec.min }
func (r *attributeReporting) MaxInterval() uint16 { return r.spec.max }
func (r *attributeReporting) ValueChange() uint16 { return r.spec.change }

type attributePoll struct {
	spec attributeSpec
}

func (p *attributePoll) Name() string           { return p.spec.name }
func (p *attributePoll) ClusterID() uint16      { return p.spec.cluster }
func (p *attributePoll) AttributeIDs() []uint16 { return []uint16{p.spec.attr} }

type clusterAction struct {
	spec    attributeSpec
	options map[string]any
}

func (a *clusterAction) Name() string      { return a.spec.name }
func (a *clusterAction) ClusterID() uint16 { return a.spec.cluster }

func (a *clusterAction) SetOptions(options map[string]any) {
	a.options = maps.Clone(options)
}

func decodeBool(value any) (any, bool) {
	if b, ok := value.(bool); ok {
		return b, true
	}
	n, ok := toFloat(value)
	if !ok {
		return nil, false
	}
	return n != 0, true
}

func decodeNumber(value any) (any, bool) {
	n, ok := toFloat(value)
	if !ok {
		return nil, false
	}
	return n, true
}

func decodeOccupancy(value any) (any, bool) {
	n, ok := toFloat(value)
	if !ok {
		return nil, false
	}
	return int64(n)&0x01 != 0, true
}

// decodeIlluminance converts the measured value (10000*log10(lux)+1) to lux.
func decodeIlluminance(value any) (any, bool) {
	n, ok := toFloat(value)
	if !ok {
		return nil, false
	}
	if n <= 0 {
		return float64(0), true
	}
	return math.Round(math.Pow(10, (n-1)/10000)), true
}

func divideBy(d float64) func(any) (any, bool) {
	return func(value any) (any, bool) {
		n, ok := toFloat(value)
		if !ok {
			return nil, false
		}
		return n / d, true
	}
}

// toFloat converts the numeric types a decoder may hand over to float64.
func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
