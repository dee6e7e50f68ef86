package registry

import (
	"time"

	"github.com/iphizic/homed-service-zigbee/internal/capability"
	"github.com/iphizic/homed-service-zigbee/internal/device"
)

// requestPolls emits one poll request per poll behavior.
func (r *Registry) requestPolls(ep *device.Endpoint, polls []capability.Poll) {
	d := ep.Device()
	for _, p := range polls {
		r.emit(EventPollRequest, PollRequest{
			IEEEAddress:    d.IEEEAddress,
			NetworkAddress: d.NetworkAddress,
			EndpointID:     ep.ID(),
			Poll:           p,
			PollName:       p.Name(),
		})
	}
}

// armPolls starts the recurring poll timer of ep, replacing any earlier one.
func (r *Registry) armPolls(ep *device.Endpoint, interval time.Duration) {
	t, ok := r.polls[ep]
	if !ok {
		t = &task{}
		r.polls[ep] = t
	}
	var fire func()
	fire = func() {
		r.requestPolls(ep, ep.Polls)
		r.schedule(t, interval, fire)
	}
	r.schedule(t, interval, fire)
}

// disarmPolls stops the poll timers of every endpoint of d.
func (r *Registry) disarmPolls(d *device.Device) {
	for _, ep := range d.Endpoints() {
		if t, ok := r.polls[ep]; ok {
			t.stop()
			delete(r.polls, ep)
		}
	}
}

// PollArmed reports whether the endpoint has a recurring poll timer.
func (r *Registry) PollArmed(ep *device.Endpoint) bool {
	r.mu.Lock()
	defer r.unlock()
	t, ok := r.polls[ep]
	return ok && t.armed()
}
