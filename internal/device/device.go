// Package device holds the network topology: devices, their endpoints and
// the clusters referenced on each endpoint.
package device

import (
	"fmt"
	"sort"
	"time"

	"github.com/iphizic/homed-service-zigbee/internal/capability"
)

// LogicalType is the node role reported in the node descriptor.
type LogicalType uint8

const (
	Coordinator LogicalType = iota
	Router
	EndDevice
)

func (t LogicalType) String() string {
	switch t {
	case Coordinator:
		return "coordinator"
	case Router:
		return "router"
	case EndDevice:
		return "end_device"
	default:
		return fmt.Sprintf("logical_type(%d)", uint8(t))
	}
}

// Device is one physical network node.
type Device struct {
	IEEEAddress      IEEEAddress
	NetworkAddress   uint16
	LogicalType      LogicalType
	ManufacturerCode uint16
	ManufacturerName string
	ModelName        string
	Version          uint8
	PowerSource      uint8
	Description      string

	InterviewFinished bool
	Removed           bool

	LastSeen    time.Time
	LinkQuality uint8
	// Neighbors maps neighbor network address to link quality.
	Neighbors map[uint16]uint8
	// Options are passed through to behavior construction.
	Options map[string]any

	name      string
	endpoints map[uint8]*Endpoint
}

// New creates a device. An empty name means the default hex address form.
func New(ieee IEEEAddress, networkAddress uint16, name string) *Device {
	d := &Device{
		IEEEAddress:    ieee,
		NetworkAddress: networkAddress,
		LogicalType:    EndDevice,
		Neighbors:      make(map[uint16]uint8),
		Options:        make(map[string]any),
		endpoints:      make(map[uint8]*Endpoint),
	}
	d.SetName(name)
	return d
}

// Name returns the display name.
func (d *Device) Name() string {
	if d.name == "" {
		return d.IEEEAddress.String()
	}
	return d.name
}

// SetName sets the display name; an empty name resets it to the default.
func (d *Device) SetName(name string) {
	if name == d.IEEEAddress.String() {
		name = ""
	}
	d.name = name
}

// HasDefaultName reports whether the name is still the hex address form.
func (d *Device) HasDefaultName() bool {
	return d.name == ""
}

// Endpoint returns the endpoint with the given id, creating it on first use.
func (d *Device) Endpoint(id uint8) *Endpoint {
	if ep, ok := d.endpoints[id]; ok {
		return ep
	}
	ep := &Endpoint{
		id:       id,
		device:   d,
		clusters: make(map[uint16]*Cluster),
	}
	d.endpoints[id] = ep
	return ep
}

// LookupEndpoint returns an existing endpoint without creating one.
func (d *Device) LookupEndpoint(id uint8) (*Endpoint, bool) {
	ep, ok := d.endpoints[id]
	return ep, ok
}

// Endpoints returns all endpoints ordered by id.
func (d *Device) Endpoints() []*Endpoint {
	list := make([]*Endpoint, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		list = append(list, ep)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

// Tombstone returns a stripped copy marking permanent removal: same
// addresses and name, no endpoints or behaviors.
func (d *Device) Tombstone() *Device {
	t := New(d.IEEEAddress, d.NetworkAddress, d.name)
	t.LogicalType = d.LogicalType
	t.Removed = true
	return t
}

// Endpoint is a functional sub-unit of a device.
type Endpoint struct {
	ProfileID   uint16
	DeviceID    uint16
	InClusters  []uint16
	OutClusters []uint16

	Actions    []capability.Action
	Properties []capability.Property
	Reportings []capability.Reporting
	Polls      []capability.Poll

	// Updated is set when a property value changes and cleared once the
	// property snapshot has been taken.
	Updated bool

	id       uint8
	device   *Device
	clusters map[uint16]*Cluster
}

// ID returns the endpoint id.
func (e *Endpoint) ID() uint8 { return e.id }

// Device returns the owning device.
func (e *Endpoint) Device() *Device { return e.device }

// Cluster returns the cluster with the given id, creating it on first use.
func (e *Endpoint) Cluster(id uint16) *Cluster {
	if c, ok := e.clusters[id]; ok {
		return c
	}
	c := &Cluster{id: id, attributes: make(map[uint16]any)}
	e.clusters[id] = c
	return c
}

// Property returns the property with the given name.
func (e *Endpoint) Property(name string) (capability.Property, bool) {
	for _, p := range e.Properties {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// ClearBehaviors drops all four behavior sets.
func (e *Endpoint) ClearBehaviors() {
	e.Actions = nil
	e.Properties = nil
	e.Reportings = nil
	e.Polls = nil
}

// Cluster caches the last known attribute values of one cluster.
type Cluster struct {
	id         uint16
	attributes map[uint16]any
}

func (c *Cluster) ID() uint16 { return c.id }

// Attribute returns the last value recorded for the attribute.
func (c *Cluster) Attribute(id uint16) (any, bool) {
	v, ok := c.attributes[id]
	return v, ok
}

// SetAttribute records the value of an attribute.
func (c *Cluster) SetAttribute(id uint16, value any) {
	c.attributes[id] = value
}
