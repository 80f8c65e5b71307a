package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eduardogoldoni/controlesautomaticos/internal/audit"
	"github.com/eduardogoldoni/controlesautomaticos/internal/bridge"
	"github.com/eduardogoldoni/controlesautomaticos/internal/device"
	"github.com/eduardogoldoni/controlesautomaticos/internal/store"
)

// serviceName is reported by the root route.
const serviceName = "eWeLink bridge is running"

// toggleRequest is the body of POST /api/device/{id}/toggle.
type toggleRequest struct {
	State string `json:"state"`
}

// controlResponse is returned by the on, off and toggle routes.
type controlResponse struct {
	OK       bool                    `json:"ok"`
	DeviceID string                  `json:"deviceId"`
	Status   *device.Status          `json:"status"`
	Record   *bridge.TelemetryRecord `json:"telemetry,omitempty"`
}

// handleRoot reports that the service is up, with the registry mode and size.
// last_refresh is omitted until the registry has been refreshed once.
func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"service":   serviceName,
		"mode":      s.devices.Mode(),
		"monitored": len(s.devices.Snapshot()),
		"version":   s.version,
	}
	if at := s.devices.LastRefresh(); !at.IsZero() {
		resp["last_refresh"] = at.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListDevices returns the raw vendor device list. It does not consult
// the registry, so it shows every device on the account.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.vendor.ListDevices(r.Context())
	if err != nil {
		s.logger.Error("failed to list devices", "error", err)
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

// handleDeviceStatus returns the normalised status of one device.
func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, err := s.reader.Read(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to read device status", "device_id", id, "error", err)
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleDeviceTelemetry returns the last telemetry record written to the store.
func (s *Server) handleDeviceTelemetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var rec bridge.TelemetryRecord
	err := s.store.Get(r.Context(), s.paths.TelemetryFor(id), &rec)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeNotFound(w, "no telemetry for device "+id)
		return
	case err != nil:
		s.logger.Error("failed to read telemetry", "device_id", id, "error", err)
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePowerOn(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, device.PowerOn)
}

func (s *Server) handlePowerOff(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, device.PowerOff)
}

// handleToggle sets the power state named in the body: {"state": "on"|"off"}.
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	action, err := device.ParseCommand(req.State)
	if err != nil {
		writeBadRequest(w, `state must be "on" or "off"`)
		return
	}
	s.control(w, r, action)
}

// control runs a manual command through the bridge, then re-reads the
// device so the response shows the state the vendor now reports.
func (s *Server) control(w http.ResponseWriter, r *http.Request, action device.PowerState) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	rec, err := s.bridge.Control(ctx, id, action, audit.SourceHTTP)
	if err != nil {
		s.logger.Error("manual command failed",
			"device_id", id,
			"command", action,
			"subject", ctx.Value(ctxKeySubject),
			"error", err,
		)
		if errors.Is(err, device.ErrInvalidCommand) || errors.Is(err, device.ErrNoDeviceID) {
			writeBadRequest(w, err.Error())
			return
		}
		writeInternalError(w, err.Error())
		return
	}

	status, err := s.reader.Read(ctx, id)
	if err != nil {
		s.logger.Error("failed to re-read device after command", "device_id", id, "error", err)
		writeInternalError(w, err.Error())
		return
	}

	s.logger.Info("manual command applied",
		"device_id", id,
		"command", action,
		"subject", ctx.Value(ctxKeySubject),
	)
	writeJSON(w, http.StatusOK, controlResponse{
		OK:       true,
		DeviceID: id,
		Status:   status,
		Record:   rec,
	})
}

// handleReload refreshes the registry and returns the monitored set.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.Reload(r.Context()); err != nil {
		s.logger.Error("registry reload failed", "error", err)
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"mode":    s.devices.Mode(),
		"devices": s.devices.Snapshot(),
	})
}
