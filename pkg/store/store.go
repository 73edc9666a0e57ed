package store

import (
	"sync"
	"time"

	"guardian-checkin-service/pkg/activity"
	"guardian-checkin-service/pkg/config"
	"guardian-checkin-service/pkg/models"
	"guardian-checkin-service/pkg/timers"
)

// RegisterInput is a partial update: zero-value fields preserve whatever the
// session already holds, and a brand-new session starts from the configured
// defaults.
type RegisterInput struct {
	UserID            string
	Name              string
	Phone             string
	EmergencyContacts []models.EmergencyContact
	Location          *LocationInput
}

type LocationInput struct {
	Lat     float64
	Lng     float64
	Address string
}

// Store maps userId to Session. The store only guards the map itself; each
// session carries its own lock, and the escalation engine is the sole
// mutator of session state.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	cfg      *config.Config
}

func New(cfg *config.Config) *Store {
	return &Store{
		sessions: make(map[string]*models.Session),
		cfg:      cfg,
	}
}

// Register creates the session if needed and merges the supplied fields over
// the existing ones.
func (st *Store) Register(in RegisterInput) *models.Session {
	st.mu.Lock()
	s, ok := st.sessions[in.UserID]
	if !ok {
		s = &models.Session{
			UserID:            in.UserID,
			Phone:             st.cfg.DefaultPhone,
			EmergencyContacts: []models.EmergencyContact{},
			IntervalSeconds:   st.cfg.DefaultIntervalSeconds(),
			GraceSeconds:      st.cfg.DefaultGraceSeconds(),
			LastLocation: models.Location{
				Lat:       st.cfg.DefaultLat,
				Lng:       st.cfg.DefaultLng,
				Address:   st.cfg.DefaultAddress,
				UpdatedAt: time.Now().UTC(),
			},
			Log:    activity.NewLog(st.cfg.ActivityLogCap),
			Timers: timers.NewSet(),
		}
		st.sessions[in.UserID] = s
	}
	st.mu.Unlock()

	s.Lock()
	defer s.Unlock()
	if in.Name != "" {
		s.Name = in.Name
	}
	if in.Phone != "" {
		s.Phone = in.Phone
	}
	if in.EmergencyContacts != nil {
		s.EmergencyContacts = append([]models.EmergencyContact(nil), in.EmergencyContacts...)
	}
	if in.Location != nil {
		s.LastLocation = models.Location{
			Lat:       in.Location.Lat,
			Lng:       in.Location.Lng,
			Address:   in.Location.Address,
			UpdatedAt: time.Now().UTC(),
		}
	}
	return s
}

func (st *Store) Get(userID string) (*models.Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[userID]
	return s, ok
}

func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Range calls fn for every session. fn receives the session unlocked.
func (st *Store) Range(fn func(*models.Session)) {
	st.mu.RLock()
	sessions := make([]*models.Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		sessions = append(sessions, s)
	}
	st.mu.RUnlock()

	for _, s := range sessions {
		fn(s)
	}
}

// Totals sums the per-session gauges for the status endpoint.
func (st *Store) Totals() (sessions int, pending int64, incidents int) {
	st.Range(func(s *models.Session) {
		s.Lock()
		sessions++
		pending += s.Stats.PendingCheckins
		if s.ActiveIncident != nil {
			incidents++
		}
		s.Unlock()
	})
	return sessions, pending, incidents
}
