package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"pir-go-home/internal/bus"
	"pir-go-home/internal/presence"
	"pir-go-home/internal/queue"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.mon.Status()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"polling": st.Polling,
	})
}

func (s *Server) handleAPIState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mon.Status())
}

func (s *Server) handleAPISnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.mon.Snapshot(r.Context())
	if err != nil {
		s.writeBusError(w, "snapshot", err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	history, err := s.mon.History(limit)
	if err != nil {
		s.logger.Error("list transitions", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if history == nil {
		s.writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleAPIGetConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mon.Settings())
}

// handleAPIUpdateConfig merges the body over the active settings, so a
// client may send only the fields it changes.
func (s *Server) handleAPIUpdateConfig(w http.ResponseWriter, r *http.Request) {
	settings := s.mon.Settings()
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := settings.Validate(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.mon.UpdateSettings(settings); err != nil {
		s.logger.Error("update settings", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.mon.Settings())
}

func (s *Server) handleAPICondense(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("queue")
	if _, err := queue.ParseID(name); err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	pops, err := s.mon.Condense(r.Context(), name)
	if err != nil {
		s.writeBusError(w, "condense", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"queue": name, "pops": pops})
}

func (s *Server) handleAPISimPush(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("queue")
	err := s.mon.SimPush(name)
	switch {
	case errors.Is(err, presence.ErrNoSimulator):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "queue": name})
	}
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// writeBusError maps sensor failures onto status codes: a protocol
// violation is a device fault (502), a transport error means the sensor
// is unreachable (503).
func (s *Server) writeBusError(w http.ResponseWriter, op string, err error) {
	var te *bus.TransportError
	switch {
	case errors.Is(err, queue.ErrProtocol):
		s.logger.Error(op+" failed", "err", err, "protocol", true)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	case errors.As(err, &te):
		s.logger.Warn(op+" failed", "err", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		s.logger.Error(op+" failed", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
