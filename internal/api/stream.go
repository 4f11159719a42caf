package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/nugget/fingerprint-doorbell/internal/events"
)

const (
	streamBuffer = 32
	writeWait    = 10 * time.Second
	qrSize       = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleEvents streams bus events to a websocket client. The first
// message is a snapshot of the log and the identity list.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(streamBuffer)
	defer s.bus.Unsubscribe(ch)

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(e events.Event) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(e); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			return false
		}
		return true
	}

	if !send(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceDevice,
		Kind:      "snapshot",
		Data: map[string]any{
			"lines":      s.ctrl.Lines(),
			"identities": s.ctrl.Identities(),
		},
	}) {
		return
	}

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr)
	for {
		select {
		case <-gone:
			s.logger.Debug("event stream closed", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok || !send(e) {
				return
			}
		}
	}
}

// handleProvisioningQR renders a WiFi join code for the configuration
// access point.
func (s *Server) handleProvisioningQR(w http.ResponseWriter, r *http.Request) {
	if s.ap.ssid == "" {
		s.errorResponse(w, http.StatusNotFound, "no configuration access point")
		return
	}
	png, err := qrcode.Encode(wifiJoinCode(s.ap.ssid, s.ap.password), qrcode.Medium, qrSize)
	if err != nil {
		s.logger.Error("qr code encoding failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "qr code unavailable")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(png); err != nil {
		s.logger.Debug("failed to write qr code", "error", err)
	}
}

var joinEscaper = strings.NewReplacer(`\`, `\\`, `;`, `\;`, `,`, `\,`, `:`, `\:`, `"`, `\"`)

// wifiJoinCode formats the WIFI: URI understood by phone cameras.
func wifiJoinCode(ssid, password string) string {
	if password == "" {
		return "WIFI:T:nopass;S:" + joinEscaper.Replace(ssid) + ";;"
	}
	return "WIFI:T:WPA;S:" + joinEscaper.Replace(ssid) + ";P:" + joinEscaper.Replace(password) + ";;"
}
