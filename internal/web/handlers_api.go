package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/iphizic/homed-service-zigbee/internal/capability"
	"github.com/iphizic/homed-service-zigbee/internal/device"
	"github.com/iphizic/homed-service-zigbee/internal/registry"
)

// DeviceView is the API representation of a device.
type DeviceView struct {
	IEEEAddress       string         `json:"ieeeAddress"`
	NetworkAddress    uint16         `json:"networkAddress"`
	Name              string         `json:"name"`
	Removed           bool           `json:"removed,omitempty"`
	LogicalType       string         `json:"logicalType"`
	ManufacturerName  string         `json:"manufacturerName,omitempty"`
	ModelName         string         `json:"modelName,omitempty"`
	Description       string         `json:"description,omitempty"`
	InterviewFinished bool           `json:"interviewFinished"`
	LastSeen          int64          `json:"lastSeen,omitempty"`
	LinkQuality       uint8          `json:"linkQuality,omitempty"`
	Endpoints         []EndpointView `json:"endpoints,omitempty"`
}

// EndpointView is the API representation of an endpoint and its behaviors.
type EndpointView struct {
	EndpointID  uint8          `json:"endpointId"`
	ProfileID   uint16         `json:"profileId"`
	DeviceID    uint16         `json:"deviceId"`
	InClusters  []uint16       `json:"inClusters,omitempty"`
	OutClusters []uint16       `json:"outClusters,omitempty"`
	Actions     []string       `json:"actions,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
	Reportings  []string       `json:"reportings,omitempty"`
	Polls       []string       `json:"polls,omitempty"`
}

func newDeviceView(d *device.Device) DeviceView {
	v := DeviceView{
		IEEEAddress:       d.IEEEAddress.String(),
		NetworkAddress:    d.NetworkAddress,
		Name:              d.Name(),
		Removed:           d.Removed,
		LogicalType:       d.LogicalType.String(),
		ManufacturerName:  d.ManufacturerName,
		ModelName:         d.ModelName,
		Description:       d.Description,
		InterviewFinished: d.InterviewFinished,
		LinkQuality:       d.LinkQuality,
	}
	if !d.LastSeen.IsZero() {
		v.LastSeen = d.LastSeen.Unix()
	}
	for _, ep := range d.Endpoints() {
		ev := EndpointView{
			EndpointID:  ep.ID(),
			ProfileID:   ep.ProfileID,
			DeviceID:    ep.DeviceID,
			InClusters:  ep.InClusters,
			OutClusters: ep.OutClusters,
		}
		for _, a := range ep.Actions {
			ev.Actions = append(ev.Actions, a.Name())
		}
		for _, p := range ep.Properties {
			if ev.Properties == nil {
				ev.Properties = make(map[string]any)
			}
			ev.Properties[capability.ExposeName(p, ep.ID())] = p.Value()
		}
		for _, r := range ep.Reportings {
			ev.Reportings = append(ev.Reportings, r.Name())
		}
		for _, p := range ep.Polls {
			ev.Polls = append(ev.Polls, p.Name())
		}
		v.Endpoints = append(v.Endpoints, ev)
	}
	return v
}

// deviceView builds the view of one device under the registry lock.
func (s *Server) deviceView(name string) (DeviceView, error) {
	d, err := s.reg.DeviceByName(name)
	if err != nil {
		return DeviceView{}, err
	}
	var v DeviceView
	s.reg.View(func([]*device.Device) { v = newDeviceView(d) })
	return v, nil
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	views := []DeviceView{}
	s.reg.View(func(devices []*device.Device) {
		for _, d := range devices {
			views = append(views, newDeviceView(d))
		}
	})
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	v, err := s.deviceView(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

type renameDeviceRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req renameDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	d, err := s.reg.DeviceByName(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.reg.RenameDevice(name, req.Name); err != nil {
		s.writeError(w, err)
		return
	}
	var v DeviceView
	s.reg.View(func([]*device.Device) { v = newDeviceView(d) })
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.RemoveByName(r.PathValue("name")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPISetupDevice(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.reg.SetupByName(name); err != nil {
		s.writeError(w, err)
		return
	}
	v, err := s.deviceView(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleAPIProperties(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.reg.PropertySnapshot())
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.reg.DatabaseSnapshot())
}

type permitJoinRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleAPIPermitJoin(w http.ResponseWriter, r *http.Request) {
	var req permitJoinRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.reg.RequestPermitJoin(r.Context(), req.Enabled); err != nil {
		s.logger.Error("permit join", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"permitJoin": req.Enabled})
}

// writeError maps registry errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
	case errors.Is(err, registry.ErrNameTaken), errors.Is(err, registry.ErrNotInterviewed):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("api request", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
