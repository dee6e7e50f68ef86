// Package ncp defines the boundary to the Zigbee Network Co-Processor
// backend. Backends decode ZCL payloads before raising events, so values
// arrive here as Go values.
package ncp

import "context"

// NCP is the part of the radio backend the device registry depends on.
type NCP interface {
	PermitJoin(ctx context.Context, duration uint8) error
	ReadAttributes(ctx context.Context, req ReadAttributesRequest) ([]AttributeResponse, error)

	// Indication callbacks
	OnDeviceJoined(handler func(DeviceJoinedEvent))
	OnDeviceLeft(handler func(DeviceLeftEvent))
	OnAttributeReport(handler func(AttributeReportEvent))

	Close() error
}

// ReadAttributesRequest specifies which attributes to read.
type ReadAttributesRequest struct {
	DstAddr   uint16
	DstEP     uint8
	ClusterID uint16
	AttrIDs   []uint16
}

// AttributeResponse holds a single decoded attribute read result.
type AttributeResponse struct {
	AttrID uint16
	Status uint8
	Value  any
}

// DeviceJoinedEvent is emitted when a device joins the network.
type DeviceJoinedEvent struct {
	ShortAddr uint16
	IEEEAddr  [8]byte
}

// DeviceLeftEvent is emitted when a device leaves.
type DeviceLeftEvent struct {
	ShortAddr uint16
	IEEEAddr  [8]byte
}

// AttributeReportEvent is emitted for attribute reports and read responses.
type AttributeReportEvent struct {
	SrcAddr   uint16
	SrcEP     uint8
	ClusterID uint16
	AttrID    uint16
	Value     any
	LQI       uint8
}
