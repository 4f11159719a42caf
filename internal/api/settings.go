package api

import (
	"net/http"

	"github.com/nugget/fingerprint-doorbell/internal/sensor"
	"github.com/nugget/fingerprint-doorbell/internal/settings"
)

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	set, err := s.ctrl.Settings()
	if err != nil {
		s.logger.Error("loading settings failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "settings unavailable")
		return
	}
	s.ok(w, http.StatusOK, set)
}

func (s *Server) handleSaveWiFi(w http.ResponseWriter, r *http.Request) {
	var body settings.WiFi
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.ctrl.SaveWiFi(body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.ok(w, http.StatusAccepted, map[string]string{"status": "saved, rebooting"})
}

func (s *Server) handleSaveBroker(w http.ResponseWriter, r *http.Request) {
	body := settings.App{MQTTPort: settings.DefaultMQTTPort}
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.ctrl.SaveBroker(body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.ok(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleSaveColors(w http.ResponseWriter, r *http.Request) {
	body := sensor.DefaultColors()
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.ctrl.SaveColors(body); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.ok(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleSaveWebPage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.ctrl.SaveWebPage(body.Username, body.Password); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.ok(w, http.StatusOK, map[string]string{"status": "saved"})
}
