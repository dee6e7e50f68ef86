package registry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iphizic/homed-service-zigbee/internal/capability"
	"github.com/iphizic/homed-service-zigbee/internal/device"
	"github.com/iphizic/homed-service-zigbee/internal/ncp"
	"github.com/iphizic/homed-service-zigbee/internal/store"
)

const testLibrary = `{
	"ACME": [
		{
			"modelNames": ["Widget-1"],
			"endpointId": [1, 2],
			"actions": ["Status"],
			"properties": ["Status", "Bogus"]
		},
		{
			"modelNames": ["Sensor-2"],
			"description": "acme climate sensor",
			"options": {"temperatureOffset": -1},
			"properties": ["Temperature"],
			"reportings": ["Temperature"],
			"polls": ["Refresh"],
			"pollInterval": 30
		}
	]
}`

var (
	kitchenIEEE = device.IEEEAddress{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11}
	widgetIEEE  = device.IEEEAddress{0x00, 0x12, 0x4B, 0x00, 0x12, 0x34, 0xAB, 0xCD}
	sensorIEEE  = device.IEEEAddress{0x00, 0x15, 0x8D, 0x00, 0x01, 0x2A, 0x3B, 0x4C}
)

// manualClock fires timers only when advanced, on the calling goroutine.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock *manualClock
	at    time.Time
	fn    func()
	done  bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Advance moves time forward, firing due timers in order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	end := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *manualTimer
		for _, t := range c.timers {
			if t.done || t.at.After(end) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = end
			c.mu.Unlock()
			return
		}
		next.done = true
		c.now = next.at
		c.mu.Unlock()
		next.fn()
	}
}

type refreshPoll struct{}

func (refreshPoll) Name() string           { return "Refresh" }
func (refreshPoll) ClusterID() uint16      { return 0x0402 }
func (refreshPoll) AttributeIDs() []uint16 { return []uint16{0x0000} }

func testFactory() *capability.Factory {
	f := capability.Builtin()
	f.RegisterPoll("Refresh", func() capability.Poll { return refreshPoll{} })
	return f
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeLibrary(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "library.json")
	require.NoError(t, os.WriteFile(path, []byte(testLibrary), 0644))
	return path
}

func testConfig(libraryPath string) Config {
	return Config{
		LibraryPath:      libraryPath,
		DatabaseDelay:    20 * time.Millisecond,
		DatabaseInterval: 60 * time.Second,
		PropertiesDelay:  time.Second,
		PollUnit:         time.Second,
	}
}

type testEnv struct {
	dir   string
	store *store.FileStore
	clock *manualClock
	reg   *Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:   dir,
		store: store.NewFileStore(filepath.Join(dir, "database.json"), filepath.Join(dir, "properties.json")),
		clock: newManualClock(),
	}
	env.reg = env.open(t)
	return env
}

// open builds a registry over the environment's library and store.
func (e *testEnv) open(t *testing.T) *Registry {
	t.Helper()
	lib := filepath.Join(e.dir, "library.json")
	if _, err := os.Stat(lib); err != nil {
		writeLibrary(t, e.dir)
	}
	return New(testConfig(lib), e.store, testFactory(), NewEventBus(testLogger()), testLogger(), WithClock(e.clock))
}

func interviewed(ieee device.IEEEAddress, nwk uint16, model string) *device.Device {
	d := device.New(ieee, nwk, "")
	d.ManufacturerName = "ACME"
	d.ModelName = model
	d.InterviewFinished = true
	return d
}

// collect records every event of the given type.
func collect(r *Registry, eventType string) *[]Event {
	var (
		mu     sync.Mutex
		events []Event
	)
	r.Events().On(eventType, func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	return &events
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Load(key string) ([]byte, error) {
	args := m.Called(key)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *mockStore) Save(key string, data []byte) error {
	return m.Called(key, data).Error(0)
}

func (m *mockStore) Close() error {
	return m.Called().Error(0)
}

func (m *mockStore) saves(key string) int {
	n := 0
	for _, c := range m.Calls {
		if c.Method == "Save" && c.Arguments.String(0) == key {
			n++
		}
	}
	return n
}

// fakeNCP records registered handlers and answers attribute reads.
type fakeNCP struct {
	mu        sync.Mutex
	joined    func(ncp.DeviceJoinedEvent)
	left      func(ncp.DeviceLeftEvent)
	report    func(ncp.AttributeReportEvent)
	reads     []ncp.ReadAttributesRequest
	responses []ncp.AttributeResponse
	permit    []uint8
}

func (f *fakeNCP) PermitJoin(_ context.Context, duration uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permit = append(f.permit, duration)
	return nil
}

func (f *fakeNCP) ReadAttributes(_ context.Context, req ncp.ReadAttributesRequest) ([]ncp.AttributeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, req)
	return f.responses, nil
}

func (f *fakeNCP) OnDeviceJoined(h func(ncp.DeviceJoinedEvent))      { f.joined = h }
func (f *fakeNCP) OnDeviceLeft(h func(ncp.DeviceLeftEvent))          { f.left = h }
func (f *fakeNCP) OnAttributeReport(h func(ncp.AttributeReportEvent)) { f.report = h }
func (f *fakeNCP) Close() error                                     { return nil }

func (f *fakeNCP) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reads)
}
