package registry

import (
	"sort"
	"strconv"
	"time"

	"github.com/iphizic/homed-service-zigbee/internal/device"
)

// DatabaseSnapshot is the structural database document.
type DatabaseSnapshot struct {
	Devices    []DeviceRecord `json:"devices"`
	PermitJoin bool           `json:"permitJoin"`
}

// DeviceRecord is one device of the structural database. Tombstones carry
// only the addresses, the name and the removed flag.
type DeviceRecord struct {
	IEEEAddress       device.IEEEAddress  `json:"ieeeAddress"`
	NetworkAddress    uint16              `json:"networkAddress"`
	Name              string              `json:"name,omitempty"`
	Removed           bool                `json:"removed,omitempty"`
	LogicalType       *device.LogicalType `json:"logicalType,omitempty"`
	Type              string              `json:"type,omitempty"`
	Version           any                 `json:"version,omitempty"`
	InterviewFinished *bool               `json:"interviewFinished,omitempty"`
	ManufacturerCode  *uint16             `json:"manufacturerCode,omitempty"`
	PowerSource       uint8               `json:"powerSource,omitempty"`
	ManufacturerName  string              `json:"manufacturerName,omitempty"`
	ModelName         string              `json:"modelName,omitempty"`
	LastSeen          int64               `json:"lastSeen,omitempty"`
	LinkQuality       uint8               `json:"linkQuality,omitempty"`
	Endpoints         []EndpointRecord    `json:"endpoints,omitempty"`
	Neighbors         []NeighborRecord    `json:"neighbors,omitempty"`
}

// EndpointRecord is the stored descriptor of one endpoint.
type EndpointRecord struct {
	EndpointID  uint8    `json:"endpointId"`
	ProfileID   uint16   `json:"profileId"`
	DeviceID    uint16   `json:"deviceId"`
	InClusters  []uint16 `json:"inClusters"`
	OutClusters []uint16 `json:"outClusters"`
}

// NeighborRecord is one routing table row.
type NeighborRecord struct {
	NetworkAddress uint16 `json:"networkAddress"`
	LinkQuality    uint8  `json:"linkQuality"`
}

// PropertySnapshot maps IEEE address, then decimal endpoint id, then
// property name to the property value.
type PropertySnapshot map[string]map[string]map[string]any

func (r *Registry) serializeDatabase() DatabaseSnapshot {
	snap := DatabaseSnapshot{
		Devices:    make([]DeviceRecord, 0, len(r.devices)),
		PermitJoin: r.permitJoin,
	}
	for _, d := range r.sortedDevices() {
		snap.Devices = append(snap.Devices, r.serializeDevice(d))
	}
	return snap
}

func (r *Registry) serializeDevice(d *device.Device) DeviceRecord {
	rec := DeviceRecord{
		IEEEAddress:    d.IEEEAddress,
		NetworkAddress: d.NetworkAddress,
	}
	if !d.HasDefaultName() {
		rec.Name = d.Name()
	}
	if d.Removed {
		rec.Removed = true
		return rec
	}

	logicalType := d.LogicalType
	rec.LogicalType = &logicalType
	if d.LogicalType == device.Coordinator {
		rec.Type = r.adapter.Type
		if r.adapter.Version != "" {
			rec.Version = r.adapter.Version
		}
		return rec
	}

	interviewFinished := d.InterviewFinished
	manufacturerCode := d.ManufacturerCode
	rec.InterviewFinished = &interviewFinished
	rec.ManufacturerCode = &manufacturerCode
	if d.Version != 0 {
		rec.Version = int(d.Version)
	}
	rec.PowerSource = d.PowerSource
	rec.ManufacturerName = d.ManufacturerName
	rec.ModelName = d.ModelName
	if !d.LastSeen.IsZero() {
		rec.LastSeen = d.LastSeen.Unix()
	}
	rec.LinkQuality = d.LinkQuality

	for _, ep := range d.Endpoints() {
		if ep.ProfileID == 0 && ep.DeviceID == 0 {
			continue
		}
		rec.Endpoints = append(rec.Endpoints, EndpointRecord{
			EndpointID:  ep.ID(),
			ProfileID:   ep.ProfileID,
			DeviceID:    ep.DeviceID,
			InClusters:  nonNil(ep.InClusters),
			OutClusters: nonNil(ep.OutClusters),
		})
	}

	for addr, lqi := range d.Neighbors {
		rec.Neighbors = append(rec.Neighbors, NeighborRecord{NetworkAddress: addr, LinkQuality: lqi})
	}
	sort.Slice(rec.Neighbors, func(i, j int) bool {
		return rec.Neighbors[i].NetworkAddress < rec.Neighbors[j].NetworkAddress
	})
	return rec
}

func nonNil(s []uint16) []uint16 {
	if s == nil {
		return []uint16{}
	}
	return s
}

// unserializeDevices rebuilds the topology from the structural database.
// Interviewed devices are resolved right away so property values can be
// replayed onto their behaviors.
func (r *Registry) unserializeDevices(records []DeviceRecord) {
	for _, rec := range records {
		d := device.New(rec.IEEEAddress, rec.NetworkAddress, rec.Name)
		if rec.Removed {
			d.Removed = true
			r.devices[d.IEEEAddress] = d
			continue
		}
		if rec.LogicalType != nil {
			d.LogicalType = *rec.LogicalType
		}
		if d.LogicalType == device.Coordinator {
			r.adapter.Type = rec.Type
			if v, ok := rec.Version.(string); ok {
				r.adapter.Version = v
			}
			r.devices[d.IEEEAddress] = d
			continue
		}

		if rec.InterviewFinished != nil {
			d.InterviewFinished = *rec.InterviewFinished
		}
		if rec.ManufacturerCode != nil {
			d.ManufacturerCode = *rec.ManufacturerCode
		}
		if v, ok := rec.Version.(float64); ok {
			d.Version = uint8(v)
		}
		d.PowerSource = rec.PowerSource
		d.ManufacturerName = rec.ManufacturerName
		d.ModelName = rec.ModelName
		if rec.LastSeen != 0 {
			d.LastSeen = time.Unix(rec.LastSeen, 0)
		}
		d.LinkQuality = rec.LinkQuality

		for _, er := range rec.Endpoints {
			ep := d.Endpoint(er.EndpointID)
			ep.ProfileID = er.ProfileID
			ep.DeviceID = er.DeviceID
			ep.InClusters = er.InClusters
			ep.OutClusters = er.OutClusters
		}
		for _, n := range rec.Neighbors {
			d.Neighbors[n.NetworkAddress] = n.LinkQuality
		}

		r.devices[d.IEEEAddress] = d
		if d.InterviewFinished {
			r.setupDevice(d)
		}
	}
}

func (r *Registry) serializeProperties() PropertySnapshot {
	snap := make(PropertySnapshot)
	for _, d := range r.devices {
		if d.Removed {
			continue
		}
		endpoints := make(map[string]map[string]any)
		for _, ep := range d.Endpoints() {
			values := make(map[string]any)
			for _, p := range ep.Properties {
				if v := p.Value(); v != nil {
					values[p.Name()] = v
				}
			}
			if len(values) > 0 {
				endpoints[strconv.Itoa(int(ep.ID()))] = values
			}
		}
		if len(endpoints) > 0 {
			snap[d.IEEEAddress.String()] = endpoints
		}
	}
	return snap
}

// unserializeProperties replays stored values onto the live properties.
// Entries whose device, endpoint or property no longer exists are skipped.
func (r *Registry) unserializeProperties(snap PropertySnapshot) {
	for key, endpoints := range snap {
		ieee, err := device.ParseIEEE(key)
		if err != nil {
			continue
		}
		d, ok := r.devices[ieee]
		if !ok || d.Removed {
			continue
		}
		for epKey, values := range endpoints {
			id, err := strconv.ParseUint(epKey, 10, 8)
			if err != nil {
				continue
			}
			ep, ok := d.LookupEndpoint(uint8(id))
			if !ok {
				continue
			}
			for name, value := range values {
				if p, ok := ep.Property(name); ok {
					p.SetValue(value)
					ep.Updated = true
				}
			}
		}
	}
}
