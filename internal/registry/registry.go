// Package registry owns every device of the network. It resolves device
// capabilities from the capability library, schedules poll requests and
// keeps the structural and property snapshots on disk up to date.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/iphizic/homed-service-zigbee/internal/capability"
	"github.com/iphizic/homed-service-zigbee/internal/device"
	"github.com/iphizic/homed-service-zigbee/internal/ncp"
	"github.com/iphizic/homed-service-zigbee/internal/store"
)

var (
	// ErrNotFound is returned when a device or endpoint lookup misses.
	ErrNotFound = errors.New("not found")
	// ErrNameTaken is returned when renaming to a name another device uses.
	ErrNameTaken = errors.New("name already in use")
	// ErrNotInterviewed is returned when setup is requested for a device
	// whose interview has not finished.
	ErrNotInterviewed = errors.New("interview not finished")
)

// Config holds registry paths and timings.
type Config struct {
	// LibraryPath is the capability library, re-read on every setup.
	LibraryPath string
	// DatabaseDelay debounces structural snapshot writes.
	DatabaseDelay time.Duration
	// DatabaseInterval is the structural snapshot heartbeat.
	DatabaseInterval time.Duration
	// PropertiesDelay debounces property snapshot writes.
	PropertiesDelay time.Duration
	// PollUnit is the unit of the library's pollInterval.
	PollUnit time.Duration
}

func (c *Config) applyDefaults() {
	if c.DatabaseDelay <= 0 {
		c.DatabaseDelay = 20 * time.Millisecond
	}
	if c.DatabaseInterval <= 0 {
		c.DatabaseInterval = time.Minute
	}
	if c.PropertiesDelay <= 0 {
		c.PropertiesDelay = time.Second
	}
	if c.PollUnit <= 0 {
		c.PollUnit = time.Second
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock used for timers and telemetry.
func WithClock(c Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// Adapter describes the coordinator radio.
type Adapter struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// Registry is the in-memory collection of all devices, keyed by IEEE address.
// All state is guarded by one mutex; timer callbacks and transport handlers
// take it in turn, so mutations never interleave.
type Registry struct {
	cfg     Config
	store   store.Store
	factory *capability.Factory
	events  *EventBus
	logger  *slog.Logger
	clock   Clock

	mu         sync.Mutex
	devices    map[device.IEEEAddress]*device.Device
	permitJoin bool
	adapter    Adapter
	transport  ncp.NCP
	pending    []Event
	closed     bool

	database       task
	properties     task
	polls          map[*device.Endpoint]*task
	lastProperties []byte
}

// New creates an empty registry. Call Load to restore the snapshots.
func New(cfg Config, st store.Store, factory *capability.Factory, events *EventBus, logger *slog.Logger, opts ...Option) *Registry {
	cfg.applyDefaults()
	r := &Registry{
		cfg:     cfg,
		store:   st,
		factory: factory,
		events:  events,
		logger:  logger.With("component", "registry"),
		clock:   systemClock{},
		devices: make(map[device.IEEEAddress]*device.Device),
		polls:   make(map[*device.Endpoint]*task),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Events returns the registry event bus.
func (r *Registry) Events() *EventBus { return r.events }

// unlock releases the registry lock and then delivers the events queued
// while it was held, so handlers may call back into the registry.
func (r *Registry) unlock() {
	events := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, e := range events {
		r.events.Emit(e)
	}
}

func (r *Registry) emit(eventType string, data any) {
	r.pending = append(r.pending, Event{Type: eventType, Data: data})
}

// DeviceByName returns the device whose display name is name. Failing that,
// name is tried as an IEEE address.
func (r *Registry) DeviceByName(name string) (*device.Device, error) {
	r.mu.Lock()
	defer r.unlock()
	return r.byName(name)
}

func (r *Registry) byName(name string) (*device.Device, error) {
	for _, d := range r.devices {
		if d.Name() == name {
			return d, nil
		}
	}
	if ieee, err := device.ParseIEEE(name); err == nil {
		if d, ok := r.devices[ieee]; ok {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device %q: %w", name, ErrNotFound)
}

// DeviceByAddress returns the device with the given IEEE address.
func (r *Registry) DeviceByAddress(ieee device.IEEEAddress) (*device.Device, error) {
	r.mu.Lock()
	defer r.unlock()
	d, ok := r.devices[ieee]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", ieee, ErrNotFound)
	}
	return d, nil
}

// DeviceByNetworkAddress returns the live device currently using addr.
func (r *Registry) DeviceByNetworkAddress(addr uint16) (*device.Device, error) {
	r.mu.Lock()
	defer r.unlock()
	return r.byNetworkAddress(addr)
}

func (r *Registry) byNetworkAddress(addr uint16) (*device.Device, error) {
	for _, d := range r.devices {
		if !d.Removed && d.NetworkAddress == addr {
			return d, nil
		}
	}
	return nil, fmt.Errorf("network address 0x%04X: %w", addr, ErrNotFound)
}

// Endpoint returns the endpoint of d, creating it on first use.
func (r *Registry) Endpoint(d *device.Device, id uint8) *device.Endpoint {
	r.mu.Lock()
	defer r.unlock()
	return d.Endpoint(id)
}

// View runs fn with the registry lock held, for consistent reads of device
// state. fn must not call back into the registry.
func (r *Registry) View(fn func(devices []*device.Device)) {
	r.mu.Lock()
	defer r.unlock()
	fn(r.sortedDevices())
}

// Devices returns all devices, tombstones included, ordered by IEEE address.
func (r *Registry) Devices() []*device.Device {
	r.mu.Lock()
	defer r.unlock()
	return r.sortedDevices()
}

func (r *Registry) sortedDevices() []*device.Device {
	list := make([]*device.Device, 0, len(r.devices))
	for _, d := range r.devices {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i].IEEEAddress, list[j].IEEEAddress
		return string(a[:]) < string(b[:])
	})
	return list
}

// AddDevice inserts d, replacing any entry with the same IEEE address, and
// schedules a structural write.
func (r *Registry) AddDevice(d *device.Device) {
	r.mu.Lock()
	defer r.unlock()
	if old, ok := r.devices[d.IEEEAddress]; ok && old != d {
		r.disarmPolls(old)
	}
	r.devices[d.IEEEAddress] = d
	r.storeDatabase()
}

// SetupDevice re-resolves the capabilities of d and persists the result.
// A device whose interview has not finished is left untouched.
func (r *Registry) SetupDevice(d *device.Device) {
	r.mu.Lock()
	defer r.unlock()
	r.setupDevice(d)
	r.storeDatabase()
	r.storeProperties()
	r.emit(EventDeviceUpdated, DeviceEvent{IEEEAddress: d.IEEEAddress, Device: d.Name()})
}

// RemoveDevice tombstones or purges d and persists both snapshots.
func (r *Registry) RemoveDevice(d *device.Device) {
	r.mu.Lock()
	defer r.unlock()
	r.removeDevice(d)
}

// removeDevice replaces a renamed device with a tombstone that keeps its
// name and address. A device still carrying its default name is purged.
func (r *Registry) removeDevice(d *device.Device) {
	r.disarmPolls(d)
	evt := DeviceEvent{IEEEAddress: d.IEEEAddress, Device: d.Name()}
	if d.HasDefaultName() {
		delete(r.devices, d.IEEEAddress)
		r.logger.Info("device purged", "ieee", d.IEEEAddress.String())
	} else {
		r.devices[d.IEEEAddress] = d.Tombstone()
		evt.Removed = true
		r.logger.Info("device removed", "ieee", d.IEEEAddress.String(), "name", d.Name())
	}
	r.storeDatabase()
	r.storeProperties()
	r.emit(EventDeviceRemoved, evt)
}

// RemoveByName removes the device found by DeviceByName.
func (r *Registry) RemoveByName(name string) error {
	r.mu.Lock()
	defer r.unlock()
	d, err := r.byName(name)
	if err != nil {
		return err
	}
	r.removeDevice(d)
	return nil
}

// SetupByName re-resolves the device found by DeviceByName.
func (r *Registry) SetupByName(name string) error {
	r.mu.Lock()
	defer r.unlock()
	d, err := r.byName(name)
	if err != nil {
		return err
	}
	if d.Removed {
		return fmt.Errorf("device %q is removed: %w", name, ErrNotFound)
	}
	if !d.InterviewFinished {
		return fmt.Errorf("device %q: %w", name, ErrNotInterviewed)
	}
	r.setupDevice(d)
	r.storeDatabase()
	r.storeProperties()
	r.emit(EventDeviceUpdated, DeviceEvent{IEEEAddress: d.IEEEAddress, Device: d.Name()})
	return nil
}

// RenameDevice changes the display name of a device. An empty newName or
// the hex address form restores the default name.
func (r *Registry) RenameDevice(name, newName string) error {
	r.mu.Lock()
	defer r.unlock()
	d, err := r.byName(name)
	if err != nil {
		return err
	}
	if newName != "" && newName != d.Name() {
		if other, err := r.byName(newName); err == nil && other != d {
			return fmt.Errorf("%q (%s): %w", newName, other.IEEEAddress, ErrNameTaken)
		}
	}
	d.SetName(newName)
	r.logger.Info("device renamed", "ieee", d.IEEEAddress.String(), "name", d.Name())
	r.storeDatabase()
	r.emit(EventDeviceUpdated, DeviceEvent{IEEEAddress: d.IEEEAddress, Device: d.Name(), Removed: d.Removed})
	return nil
}

// PermitJoin reports whether joining is enabled.
func (r *Registry) PermitJoin() bool {
	r.mu.Lock()
	defer r.unlock()
	return r.permitJoin
}

// SetPermitJoin records the permit join state.
func (r *Registry) SetPermitJoin(enabled bool) {
	r.mu.Lock()
	defer r.unlock()
	if r.permitJoin == enabled {
		return
	}
	r.permitJoin = enabled
	r.storeDatabase()
	r.emit(EventPermitJoin, enabled)
}

// SetAdapter records the coordinator radio type and firmware version.
func (r *Registry) SetAdapter(a Adapter) {
	r.mu.Lock()
	defer r.unlock()
	r.adapter = a
	r.storeDatabase()
}

// UpdateNeighbors replaces the routing table snapshot of a device.
func (r *Registry) UpdateNeighbors(ieee device.IEEEAddress, neighbors map[uint16]uint8) error {
	r.mu.Lock()
	defer r.unlock()
	d, ok := r.devices[ieee]
	if !ok || d.Removed {
		return fmt.Errorf("device %s: %w", ieee, ErrNotFound)
	}
	d.Neighbors = make(map[uint16]uint8, len(neighbors))
	for addr, lqi := range neighbors {
		d.Neighbors[addr] = lqi
	}
	r.storeDatabase()
	return nil
}

// Touch records that a device was heard from.
func (r *Registry) Touch(ieee device.IEEEAddress, linkQuality uint8) {
	r.mu.Lock()
	defer r.unlock()
	if d, ok := r.devices[ieee]; ok && !d.Removed {
		r.touch(d, linkQuality)
	}
}

// touch refreshes lastSeen. Zero link quality means the frame carried none.
func (r *Registry) touch(d *device.Device, linkQuality uint8) {
	d.LastSeen = r.clock.Now()
	if linkQuality > 0 {
		d.LinkQuality = linkQuality
	}
}
