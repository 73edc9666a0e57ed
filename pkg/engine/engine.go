package engine

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"guardian-checkin-service/pkg/activity"
	"guardian-checkin-service/pkg/config"
	"guardian-checkin-service/pkg/events"
	"guardian-checkin-service/pkg/metrics"
	"guardian-checkin-service/pkg/models"
	"guardian-checkin-service/pkg/store"
	"guardian-checkin-service/pkg/stream"
	"guardian-checkin-service/pkg/timers"
)

// maxCalls is the fixed length of the escalation call sequence; the timer
// slot layout assumes exactly three rings and two gaps.
const maxCalls = 3

// Engine drives the per-user escalation state machine. All mutating paths,
// HTTP-triggered and timer-triggered alike, take the session lock for a
// short critical section and re-validate the cycle or incident they were
// scheduled against before acting, so a cancelled or superseded timer that
// still manages to run degrades to a silent no-op.
type Engine struct {
	store   *store.Store
	emitter *events.Emitter
	journal *stream.Publisher
	cfg     *config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func New(st *store.Store, em *events.Emitter, journal *stream.Publisher, cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:   st,
		emitter: em,
		journal: journal,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// Enable turns monitoring on for the user, restarting the schedule from
// scratch: all timers are cancelled, any in-flight cycle or incident is
// discarded, and the first check-in is scheduled. Idempotent. A nil
// intervalSeconds or graceSeconds keeps the session's prior value.
func (e *Engine) Enable(userID string, intervalSeconds, graceSeconds *int) (*models.SessionSnapshot, error) {
	s, ok := e.store.Get(userID)
	if !ok {
		return nil, fmt.Errorf("enable monitoring for %q: %w", userID, models.ErrNotFound)
	}

	s.Lock()
	defer s.Unlock()

	s.Timers.CancelAll()
	e.clearCycle(s)
	e.discardIncident(s)

	if intervalSeconds != nil && *intervalSeconds > 0 {
		s.IntervalSeconds = *intervalSeconds
	}
	if s.IntervalSeconds <= 0 {
		s.IntervalSeconds = e.cfg.DefaultIntervalSeconds()
	}
	if graceSeconds != nil && *graceSeconds >= 0 {
		s.GraceSeconds = *graceSeconds
	}

	s.Enabled = true
	e.scheduleCheckin(s)

	e.logger.WithFields(logrus.Fields{
		"user_id":          userID,
		"interval_seconds": s.IntervalSeconds,
		"grace_seconds":    s.GraceSeconds,
	}).Info("Monitoring enabled")

	e.appendLog(s, "monitor_enabled", "Safety monitoring enabled", map[string]interface{}{
		"intervalSeconds": s.IntervalSeconds,
		"graceSeconds":    s.GraceSeconds,
	})
	e.emit(userID, "monitor_enabled", map[string]interface{}{
		"intervalSeconds": s.IntervalSeconds,
		"graceSeconds":    s.GraceSeconds,
	})

	return s.Snapshot(), nil
}

// Disable turns monitoring off: every timer slot is cancelled, the in-flight
// cycle and incident (if any) are cleared, and no autonomous transitions
// happen until re-enabled.
func (e *Engine) Disable(userID string) error {
	s, ok := e.store.Get(userID)
	if !ok {
		return fmt.Errorf("disable monitoring for %q: %w", userID, models.ErrNotFound)
	}

	s.Lock()
	defer s.Unlock()

	s.Timers.CancelAll()
	e.clearCycle(s)
	e.discardIncident(s)
	s.Enabled = false

	e.logger.WithField("user_id", userID).Info("Monitoring disabled")

	e.appendLog(s, "monitor_disabled", "Safety monitoring disabled", nil)
	e.emit(userID, "monitor_disabled", map[string]interface{}{})
	return nil
}

// RespondToCheckin confirms the in-flight check-in. The response must name
// the current cycle; confirming a stale or already-answered cycle is an
// InvalidState error.
func (e *Engine) RespondToCheckin(userID, checkinID string) error {
	s, ok := e.store.Get(userID)
	if !ok {
		return fmt.Errorf("check-in response for %q: %w", userID, models.ErrNotFound)
	}

	s.Lock()
	defer s.Unlock()

	c := s.CurrentCheckin
	switch {
	case c == nil:
		return fmt.Errorf("no active check-in: %w", models.ErrInvalidState)
	case c.Responded:
		return fmt.Errorf("check-in already confirmed: %w", models.ErrInvalidState)
	case c.ID != checkinID:
		return fmt.Errorf("check-in id mismatch: %w", models.ErrInvalidState)
	}

	c.Responded = true
	e.clearCycle(s)

	e.logger.WithFields(logrus.Fields{
		"user_id":    userID,
		"checkin_id": checkinID,
	}).Info("Check-in confirmed")

	e.appendLog(s, "checkin_ok", "User confirmed check-in", map[string]interface{}{
		"checkinId": checkinID,
	})
	e.emit(userID, "checkin_ok", map[string]interface{}{"checkinId": checkinID})

	e.scheduleCheckin(s)
	return nil
}

// RespondToCall answers an escalation call. callNumber is recorded but not
// validated against the in-flight round; clients racing the ring timer may
// legitimately answer a call the engine has already moved past.
func (e *Engine) RespondToCall(userID string, callNumber int) error {
	s, ok := e.store.Get(userID)
	if !ok {
		return fmt.Errorf("call response for %q: %w", userID, models.ErrNotFound)
	}

	s.Lock()
	defer s.Unlock()

	c := s.CurrentCheckin
	if c == nil || c.Responded {
		return fmt.Errorf("no active escalation call: %w", models.ErrNotFound)
	}

	c.Responded = true
	e.clearCycle(s)

	e.logger.WithFields(logrus.Fields{
		"user_id":     userID,
		"call_number": callNumber,
	}).Info("Escalation call answered")

	e.appendLog(s, "ivr_answered", fmt.Sprintf("User answered call %d", callNumber), map[string]interface{}{
		"callNumber": callNumber,
	})
	e.emit(userID, "ivr_answered", map[string]interface{}{"callNumber": callNumber})

	e.scheduleCheckin(s)
	return nil
}

// UpdateLocation overwrites the last known location, whatever the
// escalation phase; an active incident's broadcasts pick up the new
// coordinates on their next tick.
func (e *Engine) UpdateLocation(userID string, lat, lng float64, address string) error {
	s, ok := e.store.Get(userID)
	if !ok {
		return fmt.Errorf("location update for %q: %w", userID, models.ErrNotFound)
	}

	s.Lock()
	defer s.Unlock()

	s.LastLocation = models.Location{
		Lat:       lat,
		Lng:       lng,
		Address:   address,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

// ResolveIncident closes the active incident and resumes monitoring.
// Resolution is advisory: a mismatched or absent incident id is a success
// no-op so duplicate or late resolution requests stay harmless.
func (e *Engine) ResolveIncident(userID, incidentID string) error {
	s, ok := e.store.Get(userID)
	if !ok {
		return fmt.Errorf("incident resolution for %q: %w", userID, models.ErrNotFound)
	}

	s.Lock()
	defer s.Unlock()

	inc := s.ActiveIncident
	if inc == nil || inc.ID != incidentID {
		return nil
	}

	s.Timers.Cancel(timers.SlotBroadcast)

	now := time.Now().UTC()
	inc.Status = models.IncidentResolved
	inc.ResolvedAt = &now

	e.logger.WithFields(logrus.Fields{
		"user_id":     userID,
		"incident_id": incidentID,
	}).Info("Incident resolved")

	e.appendLog(s, "incident_resolved", "Rescue incident resolved", map[string]interface{}{
		"incidentId": incidentID,
		"resolvedAt": now,
	})
	e.emit(userID, "incident_resolved", map[string]interface{}{
		"incidentId": incidentID,
		"resolvedAt": now,
	})

	s.ActiveIncident = nil
	e.metrics.ActiveIncidents.Dec()
	e.clearCycle(s)

	if s.Enabled {
		e.scheduleCheckin(s)
	}
	return nil
}

// Stop cancels every timer for every session. Used on shutdown.
func (e *Engine) Stop() {
	e.store.Range(func(s *models.Session) {
		s.Lock()
		s.Timers.CancelAll()
		s.Unlock()
	})
}

// scheduleCheckin arms the next check-in. Caller holds the session lock.
func (e *Engine) scheduleCheckin(s *models.Session) {
	userID := s.UserID
	interval := time.Duration(s.IntervalSeconds) * time.Second
	s.Timers.Schedule(timers.SlotCheckin, interval, func() {
		e.beginCheckin(userID)
	})
}

// beginCheckin fires a check-in ping and opens a new cycle. Timer callback.
func (e *Engine) beginCheckin(userID string) {
	s, ok := e.store.Get(userID)
	if !ok {
		return
	}

	s.Lock()
	defer s.Unlock()

	// Stale timer: monitoring was disabled or a cycle is already open.
	if !s.Enabled || s.CurrentCheckin != nil {
		return
	}

	cycle := &models.CheckinCycle{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	s.CurrentCheckin = cycle
	s.Stats.TotalCheckins++
	s.Stats.PendingCheckins++
	e.metrics.CheckinsStarted.Inc()
	e.metrics.PendingCheckins.Inc()

	e.logger.WithFields(logrus.Fields{
		"user_id":    userID,
		"checkin_id": cycle.ID,
	}).Info("Check-in ping sent")

	e.appendLog(s, "checkin_ping", "Check-in ping sent", map[string]interface{}{
		"checkinId":    cycle.ID,
		"graceSeconds": s.GraceSeconds,
	})
	e.emit(userID, "checkin_ping", map[string]interface{}{
		"checkinId":    cycle.ID,
		"message":      "Are you safe? Please confirm your check-in.",
		"graceSeconds": s.GraceSeconds,
	})

	cycleID := cycle.ID
	grace := time.Duration(s.GraceSeconds) * time.Second
	s.Timers.Schedule(timers.SlotGrace, grace, func() {
		e.graceExpired(userID, cycleID)
	})
}

// graceExpired starts call escalation when the grace period lapses without a
// response. Timer callback.
func (e *Engine) graceExpired(userID, cycleID string) {
	s, ok := e.store.Get(userID)
	if !ok {
		return
	}

	s.Lock()
	defer s.Unlock()

	c := s.CurrentCheckin
	if c == nil || c.ID != cycleID || c.Responded {
		return
	}

	s.Stats.MissedCheckins++
	e.metrics.CheckinsMissed.Inc()

	e.logger.WithFields(logrus.Fields{
		"user_id":    userID,
		"checkin_id": cycleID,
	}).Warn("Grace period expired, starting call escalation")

	e.appendLog(s, "grace_expired", "No response within grace period", map[string]interface{}{
		"checkinId": cycleID,
	})
	e.emit(userID, "grace_expired", map[string]interface{}{"checkinId": cycleID})

	e.startCall(s, 1)
}

// startCall rings call number `call` (1..maxCalls). Caller holds the
// session lock and has already validated the cycle.
func (e *Engine) startCall(s *models.Session, call int) {
	c := s.CurrentCheckin
	c.IVRRound = call

	message := fmt.Sprintf("Calling %s (call %d of %d)", s.Phone, call, maxCalls)

	e.appendLog(s, "ivr_call", message, map[string]interface{}{
		"checkinId":  c.ID,
		"callNumber": call,
	})
	e.emit(s.UserID, "ivr_call", map[string]interface{}{
		"checkinId":  c.ID,
		"callNumber": call,
		"message":    message,
	})

	userID := s.UserID
	cycleID := c.ID
	s.Timers.Schedule(timers.IVRSlot(call), e.cfg.RingDuration, func() {
		e.ringElapsed(userID, cycleID, call)
	})
}

// ringElapsed records a missed call and either waits out the inter-call gap
// or evaluates the cycle after the final ring. Timer callback.
func (e *Engine) ringElapsed(userID, cycleID string, call int) {
	s, ok := e.store.Get(userID)
	if !ok {
		return
	}

	s.Lock()
	defer s.Unlock()

	c := s.CurrentCheckin
	if c == nil || c.ID != cycleID || c.Responded {
		return
	}

	c.MissedCalls++
	e.metrics.CallsMissed.Inc()

	e.logger.WithFields(logrus.Fields{
		"user_id":      userID,
		"call_number":  call,
		"missed_calls": c.MissedCalls,
	}).Warn("Escalation call missed")

	e.appendLog(s, "ivr_missed", fmt.Sprintf("Call %d missed", call), map[string]interface{}{
		"checkinId":   cycleID,
		"callNumber":  call,
		"missedCalls": c.MissedCalls,
	})
	e.emit(userID, "ivr_missed", map[string]interface{}{
		"checkinId":   cycleID,
		"callNumber":  call,
		"missedCalls": c.MissedCalls,
	})

	if call < maxCalls {
		e.emit(userID, "ivr_gap", map[string]interface{}{
			"checkinId": cycleID,
			"nextCall":  call + 1,
		})
		s.Timers.Schedule(timers.GapSlot(call), e.cfg.CallGap, func() {
			e.gapElapsed(userID, cycleID, call+1)
		})
		return
	}

	e.evaluateCycle(s)
}

// gapElapsed rings the next call after the inter-call gap. Timer callback.
func (e *Engine) gapElapsed(userID, cycleID string, nextCall int) {
	s, ok := e.store.Get(userID)
	if !ok {
		return
	}

	s.Lock()
	defer s.Unlock()

	c := s.CurrentCheckin
	if c == nil || c.ID != cycleID || c.Responded {
		return
	}

	e.startCall(s, nextCall)
}

// evaluateCycle is the terminal step of one cycle: dispatch rescue at the
// threshold, otherwise resume monitoring. Caller holds the session lock.
func (e *Engine) evaluateCycle(s *models.Session) {
	c := s.CurrentCheckin

	e.emit(s.UserID, "evaluate", map[string]interface{}{
		"checkinId":   c.ID,
		"missedCalls": c.MissedCalls,
		"threshold":   e.cfg.RescueThreshold,
	})

	if c.MissedCalls >= e.cfg.RescueThreshold {
		e.dispatchRescue(s)
		return
	}

	e.clearCycle(s)
	e.appendLog(s, "monitor_resumed", "Escalation ended below rescue threshold, monitoring resumed", nil)
	e.emit(s.UserID, "monitor_resumed", map[string]interface{}{})
	e.scheduleCheckin(s)
}

// dispatchRescue opens an incident from the current cycle, notifies the
// emergency contacts, and starts the location broadcast loop. Caller holds
// the session lock.
func (e *Engine) dispatchRescue(s *models.Session) {
	c := s.CurrentCheckin

	inc := &models.Incident{
		ID:           uuid.NewString(),
		UserID:       s.UserID,
		Location:     s.LastLocation,
		Phone:        s.Phone,
		Contacts:     append([]models.EmergencyContact(nil), s.EmergencyContacts...),
		MissedCalls:  c.MissedCalls,
		DispatchedAt: time.Now().UTC(),
		Status:       models.IncidentDispatched,
		Unit: models.RespondingUnit{
			UnitID:          "RESCUE-07",
			Service:         "District Emergency Response",
			ReferenceNumber: fmt.Sprintf("REF-%06d", rand.Intn(1000000)),
			ETA:             "15-30 minutes",
		},
	}
	s.ActiveIncident = inc
	s.Stats.RescueDispatches++
	e.metrics.RescueDispatches.Inc()
	e.metrics.ActiveIncidents.Inc()

	e.clearCycle(s)

	e.logger.WithFields(logrus.Fields{
		"user_id":      s.UserID,
		"incident_id":  inc.ID,
		"missed_calls": inc.MissedCalls,
	}).Error("Rescue dispatched")

	e.appendLog(s, "rescue_dispatched", "Rescue dispatched after missed escalation calls", map[string]interface{}{
		"incidentId":  inc.ID,
		"missedCalls": inc.MissedCalls,
	})
	e.emit(s.UserID, "rescue_dispatched", map[string]interface{}{
		"incident": inc.Copy(),
	})

	for _, contact := range inc.Contacts {
		e.emit(s.UserID, "sms_sent", map[string]interface{}{
			"incidentId": inc.ID,
			"to":         contact.Phone,
			"name":       contact.Name,
			"message": fmt.Sprintf("EMERGENCY: %s missed %d safety calls. Last location: %s",
				s.Name, inc.MissedCalls, inc.Location.Address),
		})
	}

	e.scheduleBroadcast(s, inc.ID)
}

// scheduleBroadcast arms the next location broadcast tick. Caller holds the
// session lock.
func (e *Engine) scheduleBroadcast(s *models.Session, incidentID string) {
	userID := s.UserID
	s.Timers.Schedule(timers.SlotBroadcast, e.cfg.BroadcastPeriod, func() {
		e.broadcastTick(userID, incidentID)
	})
}

// broadcastTick re-emits the latest known location while the incident stays
// active, then re-arms itself. Timer callback.
func (e *Engine) broadcastTick(userID, incidentID string) {
	s, ok := e.store.Get(userID)
	if !ok {
		return
	}

	s.Lock()
	defer s.Unlock()

	inc := s.ActiveIncident
	if inc == nil || inc.ID != incidentID || inc.Status != models.IncidentDispatched {
		return
	}

	e.metrics.BroadcastsSent.Inc()
	e.emit(userID, "location_broadcast", map[string]interface{}{
		"incidentId": incidentID,
		"location":   s.LastLocation,
	})

	e.scheduleBroadcast(s, incidentID)
}

// clearCycle cancels the cycle-local timers and closes the current cycle,
// releasing the pending gauge. Caller holds the session lock. No-op when no
// cycle is open.
func (e *Engine) clearCycle(s *models.Session) {
	c := s.CurrentCheckin
	if c == nil {
		return
	}

	s.Timers.CancelEscalation()
	s.CurrentCheckin = nil
	if s.Stats.PendingCheckins > 0 {
		s.Stats.PendingCheckins--
		e.metrics.PendingCheckins.Dec()
	}
	e.metrics.CycleDuration.Observe(time.Since(c.StartedAt).Seconds())
}

// discardIncident drops an incident without resolving it (disable or
// re-enable paths). Caller holds the session lock.
func (e *Engine) discardIncident(s *models.Session) {
	if s.ActiveIncident == nil {
		return
	}
	s.ActiveIncident = nil
	e.metrics.ActiveIncidents.Dec()
}

// appendLog records a transition in the session's activity log and forwards
// it on the realtime channel. Caller holds the session lock.
func (e *Engine) appendLog(s *models.Session, entryType, message string, data map[string]interface{}) {
	entry := activity.Entry{
		ID:        uuid.NewString(),
		Type:      entryType,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	s.Log.Append(entry)
	e.emit(s.UserID, "log_entry", map[string]interface{}{"entry": entry})
}

// emit fans an event out to the realtime subscriber and the Redis journal.
// Both paths are non-blocking, so calling this under the session lock is
// safe.
func (e *Engine) emit(userID, name string, payload map[string]interface{}) {
	e.metrics.EventsEmitted.WithLabelValues(name).Inc()
	e.emitter.Emit(userID, name, payload)
	e.journal.Publish(userID, name, payload)
}
