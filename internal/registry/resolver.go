package registry

import (
	"maps"
	"time"

	"github.com/iphizic/homed-service-zigbee/internal/capability"
	"github.com/iphizic/homed-service-zigbee/internal/device"
)

// setupDevice resolves the behaviors of every endpoint of d from the
// capability library. The library file is read fresh on every call. When
// nothing matches, d keeps whatever behaviors it had. Devices still being
// interviewed are skipped.
func (r *Registry) setupDevice(d *device.Device) {
	log := r.logger.With("ieee", d.IEEEAddress.String(), "name", d.Name())

	if !d.InterviewFinished {
		log.Warn("interview not finished, setup skipped")
		return
	}

	lib, err := capability.LoadLibrary(r.cfg.LibraryPath)
	if err != nil {
		log.Warn("capability library unavailable", "err", err)
		return
	}
	entries, err := lib.Match(d.ManufacturerName, d.ModelName)
	if err != nil {
		log.Warn("device not supported", "manufacturer", d.ManufacturerName, "model", d.ModelName, "err", err)
		return
	}

	// Polls are disarmed before the behavior lists are cleared so no
	// firing sees a half-cleared endpoint.
	r.disarmPolls(d)
	for _, ep := range d.Endpoints() {
		ep.ClearBehaviors()
	}

	for _, entry := range entries {
		if entry.Description != nil {
			d.Description = *entry.Description
		}
		if entry.Options != nil {
			if d.Options == nil {
				d.Options = make(map[string]any, len(entry.Options))
			}
			maps.Copy(d.Options, entry.Options)
		}
		for _, id := range entry.Endpoints() {
			r.configureEndpoint(d.Endpoint(id), &entry)
		}
	}
	log.Debug("device configured", "entries", len(entries))
}

func (r *Registry) configureEndpoint(ep *device.Endpoint, entry *capability.Entry) {
	d := ep.Device()
	log := r.logger.With("ieee", d.IEEEAddress.String(), "endpoint", ep.ID())

	for _, name := range entry.Actions {
		a, err := r.factory.NewAction(name)
		if err != nil {
			log.Warn("skip action", "err", err)
			continue
		}
		a.SetOptions(d.Options)
		ep.Actions = append(ep.Actions, a)
	}

	for _, name := range entry.Properties {
		p, err := r.factory.NewProperty(name)
		if err != nil {
			log.Warn("skip property", "err", err)
			continue
		}
		p.Configure(capability.PropertyConfig{
			Multiple:  entry.EndpointID.Multiple,
			ModelName: d.ModelName,
			Version:   d.Version,
			Options:   d.Options,
		})
		ep.Properties = append(ep.Properties, p)
	}

	for _, name := range entry.Reportings {
		rep, err := r.factory.NewReporting(name)
		if err != nil {
			log.Warn("skip reporting", "err", err)
			continue
		}
		ep.Reportings = append(ep.Reportings, rep)
	}

	var polls []capability.Poll
	for _, name := range entry.Polls {
		p, err := r.factory.NewPoll(name)
		if err != nil {
			log.Warn("skip poll", "err", err)
			continue
		}
		polls = append(polls, p)
	}
	if len(polls) == 0 {
		return
	}
	ep.Polls = append(ep.Polls, polls...)

	r.requestPolls(ep, polls)
	if entry.PollInterval > 0 {
		r.armPolls(ep, time.Duration(entry.PollInterval)*r.cfg.PollUnit)
	}
}
