package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dotside-studios/nfc-readloop/buildinfo"
	"github.com/dotside-studios/nfc-readloop/readloop"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"version":   buildinfo.Version,
		"clients":   s.hub.count(),
		"timestamp": time.Now().Format("2006-01-02T15:04:05Z07:00"),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Controller.Status().Payload())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, readloop.Entries(s.config.Controller.History()))
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, readloop.Entries(s.config.Controller.Errors()))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.config.Controller.Stats().Payload()
	if s.config.Uploads != nil {
		stats.Upload = s.config.Uploads.Stats().Payload()
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleResume and handlePause return immediately; the controller applies
// the change on its loop.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.logger.Printf("Resume requested by %s", r.RemoteAddr)
	s.config.Controller.Resume()
	writeJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.logger.Printf("Pause requested by %s", r.RemoteAddr)
	s.config.Controller.Pause()
	writeJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}
