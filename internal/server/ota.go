package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// otaRequest is the device's bootstrap payload. Only the firmware version is
// read; the rest of the body is device inventory the gateway does not need.
type otaRequest struct {
	Application struct {
		Version string `json:"version"`
	} `json:"application"`
}

type otaResponse struct {
	ServerTime otaServerTime `json:"server_time"`
	Firmware   otaFirmware   `json:"firmware"`
	Websocket  otaWebsocket  `json:"websocket"`
}

type otaServerTime struct {
	// Timestamp is Unix time in milliseconds.
	Timestamp int64 `json:"timestamp"`

	// TimezoneOffset is the server's UTC offset in minutes.
	TimezoneOffset int `json:"timezone_offset"`
}

type otaFirmware struct {
	// Version echoes the device's reported version: the gateway does not
	// host firmware images, so no update is ever offered.
	Version string `json:"version"`
	URL     string `json:"url"`
}

type otaWebsocket struct {
	URL string `json:"url"`
}

// handleOTA serves the device bootstrap endpoint. POST returns server time
// and the advertised WebSocket URL; GET returns a plain-text health line for
// humans pointing a browser at it.
func (s *Server) handleOTA(w http.ResponseWriter, r *http.Request) {
	writeCORS(w)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "OTA interface is running. WebSocket endpoint: %s\n", s.config().Server.WebsocketURL)
	case http.MethodPost:
		s.handleOTAPost(w, r)
	default:
		writeLegacyError(w)
	}
}

func (s *Server) handleOTAPost(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("device-id") == "" {
		s.log.Debug("ota request without device-id", "remote", r.RemoteAddr)
		writeLegacyError(w)
		return
	}
	var req otaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.log.Debug("ota request body unreadable", "error", err)
		writeLegacyError(w)
		return
	}

	now := time.Now()
	_, offsetSec := now.Zone()
	resp := otaResponse{
		ServerTime: otaServerTime{
			Timestamp:      now.UnixMilli(),
			TimezoneOffset: offsetSec / 60,
		},
		Firmware:  otaFirmware{Version: req.Application.Version},
		Websocket: otaWebsocket{URL: s.config().Server.WebsocketURL},
	}
	writeJSON(w, resp)
}

// writeLegacyError emits the error body legacy firmwares expect. They treat
// any non-200 status as a network fault, so errors ship with 200 and a
// success:false payload.
func writeLegacyError(w http.ResponseWriter) {
	writeJSON(w, map[string]any{"success": false, "message": "request error."})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func writeCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "client-id, content-type, device-id")
}
