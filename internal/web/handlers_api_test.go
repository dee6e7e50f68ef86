package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iphizic/homed-service-zigbee/internal/capability"
	"github.com/iphizic/homed-service-zigbee/internal/device"
	"github.com/iphizic/homed-service-zigbee/internal/ncp"
	"github.com/iphizic/homed-service-zigbee/internal/registry"
	"github.com/iphizic/homed-service-zigbee/internal/store"
)

const testLibrary = `{
	"ACME": [
		{"modelNames": ["Widget-1"], "endpointId": [1, 2], "actions": ["Status"], "properties": ["Status"]}
	]
}`

var widgetIEEE = device.IEEEAddress{0x00, 0x12, 0x4B, 0x00, 0x12, 0x34, 0xAB, 0xCD}

// stubNCP implements ncp.NCP with minimal stubs for testing.
type stubNCP struct {
	mu            sync.Mutex
	permitJoinErr error
	permit        []uint8
}

func (s *stubNCP) PermitJoin(_ context.Context, duration uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permit = append(s.permit, duration)
	return s.permitJoinErr
}
func (s *stubNCP) ReadAttributes(context.Context, ncp.ReadAttributesRequest) ([]ncp.AttributeResponse, error) {
	return nil, nil
}
func (s *stubNCP) OnDeviceJoined(func(ncp.DeviceJoinedEvent))       {}
func (s *stubNCP) OnDeviceLeft(func(ncp.DeviceLeftEvent))           {}
func (s *stubNCP) OnAttributeReport(func(ncp.AttributeReportEvent)) {}
func (s *stubNCP) Close() error                                     { return nil }

func setupTestServer(t *testing.T, opts ...ServerOption) (*Server, *registry.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	dir := t.TempDir()
	lib := filepath.Join(dir, "library.json")
	require.NoError(t, os.WriteFile(lib, []byte(testLibrary), 0644))

	db, err := store.NewBoltStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.New(registry.Config{LibraryPath: lib}, db, capability.Builtin(), registry.NewEventBus(logger), logger)
	t.Cleanup(func() { reg.Close() })

	srv := NewServer(reg, logger, opts...)
	t.Cleanup(srv.Stop)
	return srv, reg
}

func seedWidget(reg *registry.Registry, name string) *device.Device {
	d := device.New(widgetIEEE, 0x2222, name)
	d.ManufacturerName = "ACME"
	d.ModelName = "Widget-1"
	d.InterviewFinished = true
	reg.AddDevice(d)
	reg.SetupDevice(d)
	return d
}

func do(srv http.Handler, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestAPIListDevices(t *testing.T) {
	srv, reg := setupTestServer(t)

	w := do(srv, "GET", "/api/devices", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	seedWidget(reg, "Desk Lamp")

	w = do(srv, "GET", "/api/devices", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var devices []DeviceView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "Desk Lamp", devices[0].Name)
	assert.Equal(t, "00:12:4B:00:12:34:AB:CD", devices[0].IEEEAddress)
	assert.True(t, devices[0].InterviewFinished)
}

func TestAPIGetDevice(t *testing.T) {
	srv, reg := setupTestServer(t)
	seedWidget(reg, "Desk Lamp")
	require.NoError(t, reg.UpdateProperty(widgetIEEE, 2, "Status", true))

	w := do(srv, "GET", "/api/devices/Desk%20Lamp", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var v DeviceView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	require.Len(t, v.Endpoints, 2)
	assert.Equal(t, uint8(1), v.Endpoints[0].EndpointID)
	assert.Equal(t, []string{"Status"}, v.Endpoints[0].Actions)
	assert.Equal(t, map[string]any{"Status_2": true}, v.Endpoints[1].Properties)

	// Devices are also reachable by address.
	w = do(srv, "GET", "/api/devices/00:12:4B:00:12:34:AB:CD", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIGetDeviceNotFound(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(srv, "GET", "/api/devices/Nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIDeleteDevice(t *testing.T) {
	srv, reg := setupTestServer(t)
	seedWidget(reg, "Desk Lamp")

	w := do(srv, "DELETE", "/api/devices/Desk%20Lamp", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	d, err := reg.DeviceByName("Desk Lamp")
	require.NoError(t, err)
	assert.True(t, d.Removed)

	w = do(srv, "DELETE", "/api/devices/Nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPISetupDevice(t *testing.T) {
	srv, reg := setupTestServer(t)
	d := seedWidget(reg, "Desk Lamp")

	ep, _ := d.LookupEndpoint(1)
	reg.View(func([]*device.Device) { ep.ClearBehaviors() })

	w := do(srv, "POST", "/api/devices/Desk%20Lamp/setup", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var v DeviceView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	require.NotEmpty(t, v.Endpoints)
	assert.Equal(t, []string{"Status"}, v.Endpoints[0].Actions)
}

func TestAPISetupDeviceInterviewPending(t *testing.T) {
	srv, reg := setupTestServer(t)
	d := device.New(widgetIEEE, 0x2222, "Desk Lamp")
	d.ManufacturerName = "ACME"
	d.ModelName = "Widget-1"
	reg.AddDevice(d)

	w := do(srv, "POST", "/api/devices/Desk%20Lamp/setup", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "interview not finished")
	reg.View(func([]*device.Device) { assert.Empty(t, d.Endpoints()) })
}

func TestAPIRenameDevice(t *testing.T) {
	srv, reg := setupTestServer(t)
	seedWidget(reg, "Desk Lamp")

	w := do(srv, "PATCH", "/api/devices/Desk%20Lamp", []byte(`{"name": "Reading Lamp"}`), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var v DeviceView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	assert.Equal(t, "Reading Lamp", v.Name)

	_, err := reg.DeviceByName("Desk Lamp")
	assert.True(t, errors.Is(err, registry.ErrNotFound))
}

func TestAPIRenameDeviceToDefault(t *testing.T) {
	srv, reg := setupTestServer(t)
	seedWidget(reg, "Desk Lamp")

	w := do(srv, "PATCH", "/api/devices/Desk%20Lamp", []byte(`{"name": ""}`), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var v DeviceView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	assert.Equal(t, "00:12:4B:00:12:34:AB:CD", v.Name)
}

func TestAPIRenameDeviceErrors(t *testing.T) {
	srv, reg := setupTestServer(t)
	seedWidget(reg, "Desk Lamp")
	reg.AddDevice(device.New(device.IEEEAddress{1, 2, 3, 4, 5, 6, 7, 8}, 0x3333, "Porch"))

	w := do(srv, "PATCH", "/api/devices/Nope", []byte(`{"name": "x"}`), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(srv, "PATCH", "/api/devices/Desk%20Lamp", []byte(`{"name": "Porch"}`), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(srv, "PATCH", "/api/devices/Desk%20Lamp", []byte(`{name`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIPermitJoin(t *testing.T) {
	srv, reg := setupTestServer(t)
	radio := &stubNCP{}
	reg.Attach(context.Background(), radio)

	w := do(srv, "POST", "/api/permit-join", []byte(`{"enabled": true}`), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"permitJoin": true}`, w.Body.String())
	assert.True(t, reg.PermitJoin())
	assert.Equal(t, []uint8{0xFE}, radio.permit)

	radio.permitJoinErr = errors.New("radio busy")
	w = do(srv, "POST", "/api/permit-join", []byte(`{"enabled": false}`), nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.True(t, reg.PermitJoin())

	w = do(srv, "POST", "/api/permit-join", []byte(`nope`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPISnapshots(t *testing.T) {
	srv, reg := setupTestServer(t)
	seedWidget(reg, "Desk Lamp")
	require.NoError(t, reg.UpdateProperty(widgetIEEE, 1, "Status", false))

	w := do(srv, "GET", "/api/properties", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"00:12:4B:00:12:34:AB:CD": {"1": {"Status": false}}}`, w.Body.String())

	w = do(srv, "GET", "/api/status", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap registry.DatabaseSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	require.Len(t, snap.Devices, 1)
	assert.Equal(t, "Desk Lamp", snap.Devices[0].Name)
}

func TestAPIVersion(t *testing.T) {
	srv, _ := setupTestServer(t, WithVersion("1.2.3"))

	w := do(srv, "GET", "/api/version", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"version": "1.2.3"}`, w.Body.String())
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("secret"))

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"valid key", map[string]string{"X-API-Key": "secret"}, http.StatusOK},
		{"missing key", nil, http.StatusUnauthorized},
		{"wrong key", map[string]string{"X-API-Key": "guess"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(srv, "GET", "/api/devices", nil, tt.header)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestCORSOrigins(t *testing.T) {
	srv, _ := setupTestServer(t, WithAllowedOrigins([]string{"http://panel.local"}))

	w := do(srv, "OPTIONS", "/api/permit-join", nil, map[string]string{"Origin": "http://panel.local"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://panel.local", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(srv, "POST", "/api/permit-join", []byte(`{"enabled": true}`), map[string]string{"Origin": "http://evil.example"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Reads are not origin-checked.
	w = do(srv, "GET", "/api/devices", nil, map[string]string{"Origin": "http://evil.example"})
	assert.Equal(t, http.StatusOK, w.Code)
}
