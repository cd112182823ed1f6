package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/remctl/gateway/internal"
)

func (g *Gateway) addAPIRoutes(r *mux.Router) {
	r.Handle("/status", allowCORS(http.HandlerFunc(g.handleStatus))).Methods("GET", "OPTIONS")
	r.Handle("/devices/active", allowCORS(http.HandlerFunc(g.handleActiveDevices))).Methods("GET", "OPTIONS")
	r.Handle("/session/logs/{deviceId}", allowCORS(http.HandlerFunc(g.handleSessionLogs))).Methods("GET", "OPTIONS")
	r.Handle("/devices/deregister", allowCORS(http.HandlerFunc(g.handleDeregister))).Methods("POST", "OPTIONS")
	r.Handle("/removeSessions", allowCORS(http.HandlerFunc(g.handleRemoveSessions))).Methods("POST", "OPTIONS")
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("failed to write response")
	}
}

func respondError(w http.ResponseWriter, herr *internal.HandlerError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.StatusCode)
	w.Write(herr.JSON())
}

func (g *Gateway) handleStatus(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, 200, struct {
		Status           string `json:"status"`
		Version          string `json:"version,omitempty"`
		ConnectedDevices int    `json:"connectedDevices"`
		ActiveSessions   int    `json:"activeSessions"`
		AdminConnected   bool   `json:"adminConnected"`
	}{
		Status:           "ok",
		Version:          Version,
		ConnectedDevices: g.conns.Len(),
		ActiveSessions:   g.store.Len(),
		AdminConnected:   g.adminLink.IsOpen(),
	})
}

type deviceJSON struct {
	DeviceID       string    `json:"deviceId"`
	Status         string    `json:"status"`
	Connected      bool      `json:"connected"`
	LastActiveTime time.Time `json:"lastActiveTime"`
	Model          string    `json:"model,omitempty"`
	OSVersion      string    `json:"osVersion,omitempty"`
	NetworkType    string    `json:"networkType,omitempty"`
	IPAddress      string    `json:"ipAddress,omitempty"`
}

func (g *Gateway) handleActiveDevices(w http.ResponseWriter, req *http.Request) {
	devices, err := g.storage.DevicesTable.SelectByStatus("active")
	if err != nil {
		logger.Err(err).Msg("failed to list active devices")
		respondError(w, &internal.HandlerError{StatusCode: 500, Err: err})
		return
	}
	out := make([]deviceJSON, 0, len(devices))
	for _, d := range devices {
		_, connected := g.conns.Get(d.DeviceID)
		out = append(out, deviceJSON{
			DeviceID:       d.DeviceID,
			Status:         d.Status,
			Connected:      connected,
			LastActiveTime: d.LastActiveTime,
			Model:          d.Info.Model,
			OSVersion:      d.Info.OSVersion,
			NetworkType:    d.Info.NetworkType,
			IPAddress:      d.Info.IPAddress,
		})
	}
	respondJSON(w, 200, out)
}

func (g *Gateway) handleSessionLogs(w http.ResponseWriter, req *http.Request) {
	deviceID := mux.Vars(req)["deviceId"]
	limit := 100
	if l := req.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			respondError(w, &internal.HandlerError{StatusCode: 400, Err: internal.Validationf("bad limit %q", l)})
			return
		}
		limit = n
	}
	rows, err := g.storage.SessionEventsTable.SelectByDevice(deviceID, limit)
	if err != nil {
		logger.Err(err).Str("device", deviceID).Msg("failed to select session logs")
		respondError(w, &internal.HandlerError{StatusCode: 500, Err: err})
		return
	}
	type eventJSON struct {
		SessionID   string    `json:"sessionId"`
		EventType   string    `json:"eventType"`
		Description string    `json:"description"`
		Timestamp   time.Time `json:"timestamp"`
	}
	out := make([]eventJSON, 0, len(rows))
	for _, row := range rows {
		out = append(out, eventJSON{
			SessionID:   row.SessionID,
			EventType:   row.EventType,
			Description: row.Description,
			Timestamp:   row.Timestamp,
		})
	}
	respondJSON(w, 200, out)
}

// handleDeregister is the administrative removal path; devices normally
// deregister over their websocket.
func (g *Gateway) handleDeregister(w http.ResponseWriter, req *http.Request) {
	var body struct {
		DeviceID          string `json:"deviceId"`
		DeregistrationKey string `json:"deregistrationKey"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.DeviceID == "" || body.DeregistrationKey == "" {
		respondError(w, &internal.HandlerError{StatusCode: 400, Err: internal.Validationf("deviceId and deregistrationKey are required")})
		return
	}
	deleted, err := g.storage.DevicesTable.DeleteDevice(body.DeviceID, body.DeregistrationKey)
	if err != nil {
		logger.Err(err).Str("device", body.DeviceID).Msg("failed to deregister device")
		respondError(w, &internal.HandlerError{StatusCode: 500, Err: err})
		return
	}
	if !deleted {
		respondError(w, &internal.HandlerError{StatusCode: 403, Err: internal.Validationf("unknown device or wrong deregistration key")})
		return
	}
	g.machine.TeardownDevice(req.Context(), body.DeviceID, "deregistered")
	if c, ok := g.conns.Get(body.DeviceID); ok {
		g.conns.Remove(body.DeviceID)
		c.Close()
	}
	respondJSON(w, 200, struct {
		Message string `json:"message"`
	}{"Device deregistered successfully."})
}

// handleRemoveSessions force-removes a session by token. A deviceId on its own
// still clears that device's grants, covering sessions the store has already
// forgotten.
func (g *Gateway) handleRemoveSessions(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Token    string `json:"token"`
		DeviceID string `json:"deviceId"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || (body.Token == "" && body.DeviceID == "") {
		respondError(w, &internal.HandlerError{StatusCode: 400, Err: internal.Validationf("token or deviceId is required")})
		return
	}
	removed := g.machine.RemoveSession(body.Token, body.DeviceID)
	if !removed && body.DeviceID == "" {
		respondError(w, &internal.HandlerError{StatusCode: 404, Err: internal.Validationf("no such session")})
		return
	}
	respondJSON(w, 200, struct {
		Message string `json:"message"`
	}{"Session removed."})
}
