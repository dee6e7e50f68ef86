package registry

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/iphizic/homed-service-zigbee/internal/capability"
	"github.com/iphizic/homed-service-zigbee/internal/device"
	"github.com/iphizic/homed-service-zigbee/internal/ncp"
)

const (
	pollTimeout = 10 * time.Second
	// maxPollReads bounds concurrent attribute reads issued for polls.
	maxPollReads = 4
)

// Attach subscribes the registry to the radio backend: joins, leaves and
// attribute reports update the registry, and poll requests are serviced
// as attribute reads. The returned function detaches the poll handler.
func (r *Registry) Attach(ctx context.Context, t ncp.NCP) func() {
	r.mu.Lock()
	r.transport = t
	r.unlock()

	t.OnDeviceJoined(func(evt ncp.DeviceJoinedEvent) {
		r.HandleJoin(device.IEEEAddress(evt.IEEEAddr), evt.ShortAddr)
	})
	t.OnDeviceLeft(func(evt ncp.DeviceLeftEvent) {
		r.HandleLeave(device.IEEEAddress(evt.IEEEAddr))
	})
	t.OnAttributeReport(r.HandleAttributeReport)

	sem := semaphore.NewWeighted(maxPollReads)
	return r.events.On(EventPollRequest, func(e Event) {
		req, ok := e.Data.(PollRequest)
		if !ok {
			return
		}
		go r.servicePoll(ctx, t, sem, req)
	})
}

func (r *Registry) servicePoll(ctx context.Context, t ncp.NCP, sem *semaphore.Weighted, req PollRequest) {
	if err := sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	responses, err := t.ReadAttributes(ctx, ncp.ReadAttributesRequest{
		DstAddr:   req.NetworkAddress,
		DstEP:     req.EndpointID,
		ClusterID: req.Poll.ClusterID(),
		AttrIDs:   req.Poll.AttributeIDs(),
	})
	if err != nil {
		r.logger.Warn("poll failed", "ieee", req.IEEEAddress.String(), "endpoint", req.EndpointID, "poll", req.PollName, "err", err)
		return
	}
	for _, resp := range responses {
		if resp.Status != 0 {
			r.logger.Debug("poll attribute unsupported", "ieee", req.IEEEAddress.String(),
				"cluster", fmt.Sprintf("0x%04X", req.Poll.ClusterID()), "attr", fmt.Sprintf("0x%04X", resp.AttrID))
			continue
		}
		r.HandleAttributeReport(ncp.AttributeReportEvent{
			SrcAddr:   req.NetworkAddress,
			SrcEP:     req.EndpointID,
			ClusterID: req.Poll.ClusterID(),
			AttrID:    resp.AttrID,
			Value:     resp.Value,
		})
	}
}

// RequestPermitJoin asks the radio to open or close the network and records
// the new state.
func (r *Registry) RequestPermitJoin(ctx context.Context, enabled bool) error {
	r.mu.Lock()
	t := r.transport
	r.unlock()

	if t != nil {
		var duration uint8
		if enabled {
			duration = 0xFE
		}
		if err := t.PermitJoin(ctx, duration); err != nil {
			return fmt.Errorf("permit join: %w", err)
		}
	}
	r.SetPermitJoin(enabled)
	return nil
}

// HandleJoin records a device sighting. A known device gets its network
// address updated; a tombstone is revived with its name; anything else is
// added as a new device awaiting interview.
func (r *Registry) HandleJoin(ieee device.IEEEAddress, networkAddress uint16) *device.Device {
	r.mu.Lock()
	defer r.unlock()

	d, ok := r.devices[ieee]
	switch {
	case ok && d.Removed:
		name := ""
		if !d.HasDefaultName() {
			name = d.Name()
		}
		d = device.New(ieee, networkAddress, name)
		r.devices[ieee] = d
	case ok:
		d.NetworkAddress = networkAddress
	default:
		d = device.New(ieee, networkAddress, "")
		r.devices[ieee] = d
	}
	d.LastSeen = r.clock.Now()

	r.logger.Info("device joined", "ieee", ieee.String(), "short", fmt.Sprintf("0x%04X", networkAddress), "name", d.Name())
	r.storeDatabase()
	r.emit(EventDeviceJoined, DeviceEvent{IEEEAddress: ieee, Device: d.Name()})
	return d
}

// HandleLeave removes a device that left the network.
func (r *Registry) HandleLeave(ieee device.IEEEAddress) {
	r.mu.Lock()
	defer r.unlock()

	d, ok := r.devices[ieee]
	if !ok || d.Removed {
		return
	}
	r.logger.Info("device left", "ieee", ieee.String(), "name", d.Name())
	r.removeDevice(d)
}

// EndpointDescriptor is the simple descriptor of one endpoint.
type EndpointDescriptor struct {
	EndpointID  uint8
	ProfileID   uint16
	DeviceID    uint16
	InClusters  []uint16
	OutClusters []uint16
}

// Interview is the identity gathered while interviewing a device.
type Interview struct {
	LogicalType      device.LogicalType
	ManufacturerCode uint16
	ManufacturerName string
	ModelName        string
	Version          uint8
	PowerSource      uint8
	Endpoints        []EndpointDescriptor
}

// CompleteInterview stores the interview results, marks the interview
// finished and resolves the device capabilities.
func (r *Registry) CompleteInterview(ieee device.IEEEAddress, iv Interview) error {
	r.mu.Lock()
	defer r.unlock()

	d, ok := r.devices[ieee]
	if !ok || d.Removed {
		return fmt.Errorf("device %s: %w", ieee, ErrNotFound)
	}
	d.LogicalType = iv.LogicalType
	d.ManufacturerCode = iv.ManufacturerCode
	d.ManufacturerName = iv.ManufacturerName
	d.ModelName = iv.ModelName
	d.Version = iv.Version
	d.PowerSource = iv.PowerSource
	for _, desc := range iv.Endpoints {
		ep := d.Endpoint(desc.EndpointID)
		ep.ProfileID = desc.ProfileID
		ep.DeviceID = desc.DeviceID
		ep.InClusters = desc.InClusters
		ep.OutClusters = desc.OutClusters
	}
	d.InterviewFinished = true

	r.logger.Info("interview finished", "ieee", ieee.String(), "name", d.Name(),
		"manufacturer", d.ManufacturerName, "model", d.ModelName)
	r.setupDevice(d)
	r.storeDatabase()
	r.storeProperties()
	r.emit(EventInterviewFinished, DeviceEvent{IEEEAddress: ieee, Device: d.Name()})
	return nil
}

// HandleAttributeReport caches the reported value on its cluster and feeds
// it to the properties of the endpoint that decode that cluster.
func (r *Registry) HandleAttributeReport(evt ncp.AttributeReportEvent) {
	r.mu.Lock()
	defer r.unlock()

	d, err := r.byNetworkAddress(evt.SrcAddr)
	if err != nil {
		r.logger.Debug("report from unknown device", "short", fmt.Sprintf("0x%04X", evt.SrcAddr))
		return
	}
	r.touch(d, evt.LQI)

	ep := d.Endpoint(evt.SrcEP)
	ep.Cluster(evt.ClusterID).SetAttribute(evt.AttrID, evt.Value)

	changed := false
	for _, p := range ep.Properties {
		parser, ok := p.(capability.AttributeParser)
		if !ok || parser.ClusterID() != evt.ClusterID {
			continue
		}
		if parser.Parse(evt.AttrID, evt.Value) {
			changed = true
			r.emitProperty(ep, p)
		}
	}
	if changed {
		ep.Updated = true
		r.storeProperties()
	}
}

// UpdateProperty sets a property value decoded outside the registry.
func (r *Registry) UpdateProperty(ieee device.IEEEAddress, endpointID uint8, name string, value any) error {
	r.mu.Lock()
	defer r.unlock()

	d, ok := r.devices[ieee]
	if !ok || d.Removed {
		return fmt.Errorf("device %s: %w", ieee, ErrNotFound)
	}
	ep, ok := d.LookupEndpoint(endpointID)
	if !ok {
		return fmt.Errorf("endpoint %d of %s: %w", endpointID, ieee, ErrNotFound)
	}
	p, ok := ep.Property(name)
	if !ok {
		return fmt.Errorf("property %q on endpoint %d of %s: %w", name, endpointID, ieee, ErrNotFound)
	}
	p.SetValue(value)
	ep.Updated = true
	r.emitProperty(ep, p)
	r.storeProperties()
	return nil
}

// emitProperty queues a property update. It must be called with r.mu held.
func (r *Registry) emitProperty(ep *device.Endpoint, p capability.Property) {
	d := ep.Device()
	u := PropertyUpdate{
		IEEEAddress: d.IEEEAddress,
		Device:      d.Name(),
		EndpointID:  ep.ID(),
		Property:    capability.ExposeName(p, ep.ID()),
		Value:       p.Value(),
		LinkQuality: d.LinkQuality,
	}
	if !d.LastSeen.IsZero() {
		u.LastSeen = d.LastSeen.Unix()
	}
	r.emit(EventPropertyUpdate, u)
}
