package models

import (
	"sync"
	"time"

	"guardian-checkin-service/pkg/activity"
	"guardian-checkin-service/pkg/timers"
)

// Location is the latest known position for a user. It is overwritten
// unconditionally by location updates, independent of escalation phase.
type Location struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Address   string    `json:"address,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type EmergencyContact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Stats counters only ever increase; PendingCheckins is a gauge floored at 0.
type Stats struct {
	TotalCheckins    int64 `json:"totalCheckins"`
	MissedCheckins   int64 `json:"missedCheckins"`
	RescueDispatches int64 `json:"rescueDispatches"`
	PendingCheckins  int64 `json:"pendingCheckins"`
}

// CheckinCycle is one in-flight "notify, await response, maybe escalate"
// round trip. Responded only ever flips false to true; IVRRound and
// MissedCalls never decrease within a cycle.
type CheckinCycle struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"startedAt"`
	Responded   bool      `json:"responded"`
	IVRRound    int       `json:"ivrRound"`
	MissedCalls int       `json:"missedCalls"`
}

type IncidentStatus string

const (
	IncidentDispatched IncidentStatus = "DISPATCHED"
	IncidentResolved   IncidentStatus = "RESOLVED"
)

// RespondingUnit is the simulated rescue unit attached to a dispatch.
type RespondingUnit struct {
	UnitID          string `json:"unitId"`
	Service         string `json:"service"`
	ReferenceNumber string `json:"referenceNumber"`
	ETA             string `json:"eta"`
}

// Incident is a dispatched rescue. It snapshots the user's location, phone
// and contacts at dispatch time and lives until explicitly resolved.
type Incident struct {
	ID           string             `json:"id"`
	UserID       string             `json:"userId"`
	Location     Location           `json:"location"`
	Phone        string             `json:"phone"`
	Contacts     []EmergencyContact `json:"contacts"`
	MissedCalls  int                `json:"missedCalls"`
	DispatchedAt time.Time          `json:"dispatchedAt"`
	Status       IncidentStatus     `json:"status"`
	ResolvedAt   *time.Time         `json:"resolvedAt,omitempty"`
	Unit         RespondingUnit     `json:"respondingUnit"`
}

// Session is the per-user monitoring state. The embedded mutex serializes
// every mutating operation for the user, HTTP-triggered and timer-triggered
// alike; the escalation engine is the sole mutator and never holds the lock
// across a wait. At most one CurrentCheckin and one ActiveIncident exist at
// any time.
type Session struct {
	sync.Mutex

	UserID            string
	Name              string
	Phone             string
	EmergencyContacts []EmergencyContact
	IntervalSeconds   int
	GraceSeconds      int
	Enabled           bool
	LastLocation      Location
	CurrentCheckin    *CheckinCycle
	ActiveIncident    *Incident
	Stats             Stats
	Log               *activity.Log
	Timers            *timers.Set
}

// SessionSnapshot is the client-facing view of a session. Subscriber state
// never appears here.
type SessionSnapshot struct {
	UserID            string             `json:"userId"`
	Name              string             `json:"name"`
	Phone             string             `json:"phone"`
	EmergencyContacts []EmergencyContact `json:"emergencyContacts"`
	IntervalSeconds   int                `json:"intervalSeconds"`
	GraceSeconds      int                `json:"graceSeconds"`
	Enabled           bool               `json:"enabled"`
	LastLocation      Location           `json:"lastLocation"`
	CurrentCheckin    *CheckinCycle      `json:"currentCheckin,omitempty"`
	ActiveIncident    *Incident          `json:"activeIncident,omitempty"`
	Stats             Stats              `json:"stats"`
	ActivityLog       []activity.Entry   `json:"activityLog"`
}

// Snapshot deep-copies the session's observable state. The caller must hold
// the session lock.
func (s *Session) Snapshot() *SessionSnapshot {
	snap := &SessionSnapshot{
		UserID:            s.UserID,
		Name:              s.Name,
		Phone:             s.Phone,
		EmergencyContacts: append([]EmergencyContact(nil), s.EmergencyContacts...),
		IntervalSeconds:   s.IntervalSeconds,
		GraceSeconds:      s.GraceSeconds,
		Enabled:           s.Enabled,
		LastLocation:      s.LastLocation,
		Stats:             s.Stats,
		ActivityLog:       s.Log.Snapshot(),
	}
	if s.CurrentCheckin != nil {
		c := *s.CurrentCheckin
		snap.CurrentCheckin = &c
	}
	if s.ActiveIncident != nil {
		snap.ActiveIncident = s.ActiveIncident.Copy()
	}
	return snap
}

// Copy returns a detached deep copy. Incidents handed to subscribers must be
// copies: the live record keeps changing under the session lock.
func (i *Incident) Copy() *Incident {
	out := *i
	out.Contacts = append([]EmergencyContact(nil), i.Contacts...)
	if i.ResolvedAt != nil {
		ts := *i.ResolvedAt
		out.ResolvedAt = &ts
	}
	return &out
}
