package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/agrimesh/fieldgate/errors"
	"github.com/agrimesh/fieldgate/faststore"
	"github.com/agrimesh/fieldgate/telemetry"
)

type commandRequest struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type commandResponse struct {
	CommandID string `json:"command_id"`
}

type statusResponse struct {
	DeviceID string                 `json:"device_id"`
	Status   telemetry.DeviceStatus `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Healthy    bool                       `json:"healthy"`
	Components map[string]componentHealth `json:"components"`
}

type componentHealth struct {
	Healthy    bool   `json:"healthy"`
	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
	Uptime     string `json:"uptime"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.service.Devices()
	if devices == nil {
		devices = []telemetry.Device{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.service.Device(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var payload telemetry.RegisterPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, errors.WrapInvalid(err, "http", "handleRegister", "decode body"))
		return
	}
	device := s.service.RegisterDevice(r.Context(), mux.Vars(r)["id"], payload)
	s.writeJSON(w, http.StatusCreated, device)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	status, err := s.service.DeviceStatus(deviceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{DeviceID: deviceID, Status: status})
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.WrapInvalid(err, "http", "handleSendCommand", "decode body"))
		return
	}
	if req.Command == "" {
		s.writeError(w, errors.WrapInvalid(errors.ErrInvalidData,
			"http", "handleSendCommand", "empty command"))
		return
	}

	id, err := s.service.SendCommand(r.Context(), mux.Vars(r)["id"], req.Command, req.Parameters)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, commandResponse{CommandID: id})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	reading, err := s.service.Latest(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reading)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := parseHistoryFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	readings, err := s.service.History(mux.Vars(r)["id"], filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, readings)
}

func parseHistoryFilter(r *http.Request) (faststore.Filter, error) {
	var filter faststore.Filter
	q := r.URL.Query()

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, errors.WrapInvalid(errors.ErrInvalidData,
				"http", "parseHistoryFilter", "limit "+raw)
		}
		filter.Limit = limit
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.WrapInvalid(err, "http", "parseHistoryFilter", "since")
		}
		filter.Since = since
	}
	if raw := q.Get("until"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.WrapInvalid(err, "http", "parseHistoryFilter", "until")
		}
		filter.Until = until
	}
	return filter, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Healthy:    true,
		Components: make(map[string]componentHealth),
	}
	for _, c := range s.components {
		h := c.Health()
		resp.Components[c.Meta().Name] = componentHealth{
			Healthy:    h.Healthy,
			ErrorCount: h.ErrorCount,
			LastError:  h.LastError,
			Uptime:     h.Uptime.Round(time.Second).String(),
		}
		if !h.Healthy {
			resp.Healthy = false
		}
	}

	code := http.StatusOK
	if !resp.Healthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.IsNotFound(err):
		code = http.StatusNotFound
	case errors.IsInvalid(err):
		code = http.StatusBadRequest
	}

	s.mu.Lock()
	s.errCount++
	s.lastError = err.Error()
	s.mu.Unlock()

	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}
