package registry

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/iphizic/homed-service-zigbee/internal/capability"
	"github.com/iphizic/homed-service-zigbee/internal/device"
)

// Event types
const (
	EventDeviceJoined      = "device_joined"
	EventDeviceRemoved     = "device_removed"
	EventDeviceUpdated     = "device_updated"
	EventInterviewFinished = "interview_finished"
	EventPropertyUpdate    = "property_update"
	EventPollRequest       = "poll_request"
	EventStatusUpdate      = "status_update"
	EventPermitJoin        = "permit_join"
)

// Event represents a registry event.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// PollRequest asks the transport to read the attributes of one poll.
type PollRequest struct {
	IEEEAddress    device.IEEEAddress `json:"ieeeAddress"`
	NetworkAddress uint16             `json:"networkAddress"`
	EndpointID     uint8              `json:"endpointId"`
	Poll           capability.Poll    `json:"-"`
	PollName       string             `json:"poll"`
}

// PropertyUpdate carries a changed property value.
type PropertyUpdate struct {
	IEEEAddress device.IEEEAddress `json:"ieeeAddress"`
	Device      string             `json:"device"`
	EndpointID  uint8              `json:"endpointId"`
	Property    string             `json:"property"`
	Value       any                `json:"value"`
	// LinkQuality and LastSeen (Unix seconds, zero when never seen) are
	// the device telemetry at the time of the update.
	LinkQuality uint8 `json:"linkQuality"`
	LastSeen    int64 `json:"lastSeen,omitempty"`
}

// DeviceEvent identifies the device a lifecycle event is about.
type DeviceEvent struct {
	IEEEAddress device.IEEEAddress `json:"ieeeAddress"`
	Device      string             `json:"device"`
	Removed     bool               `json:"removed,omitempty"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id uint64
	// eventType is empty for subscribers to every event.
	eventType string
	handler   EventHandler
}

// EventBus delivers registry events to subscribers synchronously, in
// subscription order.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// On registers a handler for one event type and returns its unsubscribe
// function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll registers a handler for every event and returns its unsubscribe
// function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, subscription{id: id, eventType: eventType, handler: handler})
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.subs = slices.DeleteFunc(eb.subs, func(s subscription) bool { return s.id == id })
	}
}

// Emit calls every matching handler. A panicking handler is logged and does
// not stop delivery to the rest.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	var handlers []EventHandler
	for _, s := range eb.subs {
		if s.eventType == "" || s.eventType == event.Type {
			handlers = append(handlers, s.handler)
		}
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		eb.call(h, event)
	}
}

func (eb *EventBus) call(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
