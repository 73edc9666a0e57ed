package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"guardian-checkin-service/pkg/engine"
	"guardian-checkin-service/pkg/events"
	"guardian-checkin-service/pkg/models"
	"guardian-checkin-service/pkg/store"
)

type Handler struct {
	engine  *engine.Engine
	store   *store.Store
	emitter *events.Emitter
	logger  *logrus.Logger
}

func NewHandler(eng *engine.Engine, st *store.Store, em *events.Emitter, logger *logrus.Logger) *Handler {
	return &Handler{
		engine:  eng,
		store:   st,
		emitter: em,
		logger:  logger,
	}
}

type locationBody struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID            string                    `json:"userId"`
		Name              string                    `json:"name"`
		Phone             string                    `json:"phone"`
		EmergencyContacts []models.EmergencyContact `json:"emergencyContacts"`
		Location          *locationBody             `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		writeFailure(w, http.StatusBadRequest, "userId is required")
		return
	}

	in := store.RegisterInput{
		UserID:            req.UserID,
		Name:              req.Name,
		Phone:             req.Phone,
		EmergencyContacts: req.EmergencyContacts,
	}
	if req.Location != nil {
		in.Location = &store.LocationInput{
			Lat:     req.Location.Lat,
			Lng:     req.Location.Lng,
			Address: req.Location.Address,
		}
	}

	s := h.store.Register(in)

	s.Lock()
	snap := s.Snapshot()
	s.Unlock()

	h.logger.WithField("user_id", req.UserID).Info("User registered")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"session": snap,
	})
}

func (h *Handler) EnableMonitoring(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID          string   `json:"userId"`
		IntervalMinutes *float64 `json:"intervalMinutes"`
		GraceSeconds    *int     `json:"graceSeconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Interval arrives in (possibly fractional) minutes for wire
	// compatibility; everything past this point deals in seconds.
	var intervalSeconds *int
	if req.IntervalMinutes != nil {
		secs := int(math.Round(*req.IntervalMinutes * 60))
		intervalSeconds = &secs
	}

	snap, err := h.engine.Enable(req.UserID, intervalSeconds, req.GraceSeconds)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Monitoring enabled",
		"session": snap,
	})
}

func (h *Handler) DisableMonitoring(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.engine.Disable(req.UserID); err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handler) RespondCheckin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"userId"`
		CheckinID string `json:"checkinId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.engine.RespondToCheckin(req.UserID, req.CheckinID); err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Check-in confirmed",
	})
}

func (h *Handler) RespondCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string `json:"userId"`
		CallNumber int    `json:"callNumber"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.engine.RespondToCall(req.UserID, req.CallNumber); err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Call answered",
	})
}

func (h *Handler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string  `json:"userId"`
		Lat     float64 `json:"lat"`
		Lng     float64 `json:"lng"`
		Address string  `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.engine.UpdateLocation(req.UserID, req.Lat, req.Lng, req.Address); err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handler) ResolveIncident(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string `json:"userId"`
		IncidentID string `json:"incidentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.engine.ResolveIncident(req.UserID, req.IncidentID); err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	s, ok := h.store.Get(userID)
	if !ok {
		writeFailure(w, http.StatusNotFound, "Session not found")
		return
	}

	s.Lock()
	snap := s.Snapshot()
	s.Unlock()

	writeJSON(w, http.StatusOK, snap)
}

// Events is the realtime channel: a Server-Sent Events stream that registers
// the connection as the user's subscriber. Disconnecting clears the
// subscriber handle and nothing else.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	if _, ok := h.store.Get(userID); !ok {
		writeFailure(w, http.StatusNotFound, "Session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// The stream outlives the server's write timeout; lift the deadline for
	// this connection only.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		h.logger.WithError(err).Warn("Could not clear event stream write deadline")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.emitter.Subscribe(userID)
	defer cancel()

	// Handshake ack so the client knows its socket is registered.
	writeSSE(w, events.Event{
		Name: "register_socket",
		Payload: map[string]interface{}{
			"userId":    userID,
			"timestamp": time.Now().UTC(),
		},
	})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				// Replaced by a newer subscriber.
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	sessions, pending, _ := h.store.Totals()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "healthy",
		"sessions":         sessions,
		"pending_checkins": pending,
		"timestamp":        time.Now().UTC(),
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	sessions, pending, incidents := h.store.Totals()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions":         sessions,
		"pending_checkins": pending,
		"active_incidents": incidents,
		"timestamp":        time.Now().UTC(),
	})
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeFailure(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrValidation):
		writeFailure(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.WithError(err).Error("Unexpected engine error")
		writeFailure(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, body)
	return err
}
