package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-automation/internal/device"
)

// commandTimeout bounds a device command sent from the API.
const commandTimeout = 10 * time.Second

// handleListDevices returns the cached devices.
//
// Query parameters:
//   - protocol: filter by protocol (knx, zigbee, ...)
//   - online: true or false
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	protocol := q.Get("protocol")

	var online *bool
	if v := q.Get("online"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "online must be true or false")
			return
		}
		online = &b
	}

	all := s.devices.List()
	devices := make([]device.Snapshot, 0, len(all))
	for _, d := range all {
		if protocol != "" && d.Protocol != protocol {
			continue
		}
		if online != nil && d.Online != *online {
			continue
		}
		devices = append(devices, d)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.devices.Get(chi.URLParam(r, "id"))
	if !ok {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleGetDeviceState returns just the state map of a device.
func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.devices.Get(chi.URLParam(r, "id"))
	if !ok {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":    dev.ID,
		"state":        dev.State,
		"online":       dev.Online,
		"last_updated": dev.LastUpdated,
	})
}

// commandRequest is the body of POST /devices/{id}/commands.
type commandRequest struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// handleDeviceCommand sends a command through the gateway. The cache is
// not touched; the bridge reports the new state over MQTT.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "device commands not available")
		return
	}
	id := chi.URLParam(r, "id")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Command == "" {
		writeBadRequest(w, "command is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	res, err := s.commands.SendCommand(ctx, id, req.Command, req.Parameters)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		case errors.Is(err, device.ErrNoProtocol):
			writeBadRequest(w, "device has no protocol")
		case errors.Is(err, device.ErrCommandRejected):
			writeError(w, http.StatusBadGateway, ErrCodeBadGateway, err.Error())
		case errors.Is(err, device.ErrGatewayStopped):
			writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "gateway stopped")
		default:
			s.logger.Warn("device command failed", "device_id", id, "command", req.Command, "error", err)
			writeError(w, http.StatusBadGateway, ErrCodeBadGateway, "command failed")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, res)
}
