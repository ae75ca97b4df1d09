package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cboxdk/overload-manager/internal/telemetry"
	"github.com/cboxdk/overload-manager/internal/types"
	"go.uber.org/zap"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"phase":  s.controller.CurrentPhase().String(),
	})
}

// handleStatus reports the combined control-loop state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := map[string]interface{}{
		"phase":          s.controller.GetStatus(),
		"overload_level": s.alloc.CurrentLevel().String(),
	}
	if p, ok := s.forecaster.Predict(); ok {
		resp["prediction"] = p
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.sched.Stats())
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"level":       s.alloc.CurrentLevel().String(),
		"allocations": s.alloc.Allocations(),
		"actions":     s.alloc.AppliedActions(),
	})
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := map[string]interface{}{
		"patterns":     s.forecaster.Patterns(),
		"sample_count": s.forecaster.SampleCount(),
	}
	if p, ok := s.forecaster.Predict(); ok {
		resp["prediction"] = p
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleEvents queries stored operational events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.emitter == nil {
		s.writeError(w, http.StatusNotFound, "event storage not configured")
		return
	}

	filter := telemetry.EventFilter{
		Service: r.URL.Query().Get("service"),
		Type:    telemetry.EventType(r.URL.Query().Get("type")),
		Limit:   100,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid since timestamp, use RFC3339")
			return
		}
		filter.StartTime = since
	}

	events, err := s.emitter.GetEvents(r.Context(), filter)
	if err != nil {
		s.logger.Error("Event query failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "event query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// handlePhase forces a phase transition, bypassing cooldowns. Operator
// escape hatch for incident response.
func (s *Server) handlePhase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Phase  string `json:"phase"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, ok := types.ParsePhase(req.Phase)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown phase: "+req.Phase)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual override"
	}

	s.controller.ForcePhase(r.Context(), p, req.Reason)
	s.logger.Warn("Phase forced via admin API",
		zap.String("phase", p.String()),
		zap.String("reason", req.Reason),
		zap.String("remote_addr", r.RemoteAddr))

	s.writeJSON(w, http.StatusOK, s.controller.GetStatus())
}
