package engine

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardian-checkin-service/pkg/config"
	"guardian-checkin-service/pkg/events"
	"guardian-checkin-service/pkg/metrics"
	"guardian-checkin-service/pkg/models"
	"guardian-checkin-service/pkg/store"
	"guardian-checkin-service/pkg/timers"
)

// Escalation delays are compressed to milliseconds so the state machine runs
// its full course quickly; the per-user grace period stays in whole seconds
// because sessions configure it over the wire.
func newTestEngine(t *testing.T) (*Engine, *store.Store, *events.Emitter) {
	cfg := &config.Config{
		CheckinInterval: time.Hour,
		GracePeriod:     time.Minute,
		RingDuration:    80 * time.Millisecond,
		CallGap:         30 * time.Millisecond,
		BroadcastPeriod: 40 * time.Millisecond,
		RescueThreshold: 2,
		ActivityLogCap:  100,
		DefaultPhone:    "+91-0000000000",
		DefaultLat:      9.9312,
		DefaultLng:      76.2673,
		DefaultAddress:  "Kochi, Kerala",
	}

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	m := metrics.NewMetrics(prometheus.NewRegistry())
	em := events.NewEmitter(logger)
	st := store.New(cfg)
	e := New(st, em, nil, cfg, logger, m)
	t.Cleanup(e.Stop)
	return e, st, em
}

func registerUser(st *store.Store, userID string) {
	st.Register(store.RegisterInput{
		UserID: userID,
		Name:   "Asha",
		Phone:  "+91-9800000001",
		EmergencyContacts: []models.EmergencyContact{
			{Name: "Ravi", Phone: "+91-9800000002"},
			{Name: "Meera", Phone: "+91-9800000003"},
		},
	})
}

func inspect(t *testing.T, st *store.Store, userID string, fn func(*models.Session)) {
	t.Helper()
	s, ok := st.Get(userID)
	require.True(t, ok)
	s.Lock()
	defer s.Unlock()
	fn(s)
}

func intPtr(v int) *int { return &v }

// collector drains a user's event channel into a slice for later assertions.
type collector struct {
	mu     sync.Mutex
	events []events.Event
}

func newCollector(em *events.Emitter, userID string) (*collector, func()) {
	ch, cancel := em.Subscribe(userID)
	c := &collector{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}
	}()
	return c, func() { cancel(); <-done }
}

func (c *collector) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func (c *collector) waitFor(t *testing.T, name string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.count(name) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %q not observed within %s", name, timeout)
}

func TestEnable_UnknownUser(t *testing.T) {
	e, _, _ := newTestEngine(t)

	_, err := e.Enable("ghost", nil, nil)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, e.Disable("ghost"), models.ErrNotFound)
}

func TestEnable_SchedulesFirstCheckin(t *testing.T) {
	e, st, _ := newTestEngine(t)
	registerUser(st, "u1")

	snap, err := e.Enable("u1", intPtr(120), intPtr(30))
	require.NoError(t, err)

	assert.True(t, snap.Enabled)
	assert.Equal(t, 120, snap.IntervalSeconds)
	assert.Equal(t, 30, snap.GraceSeconds)
	assert.Nil(t, snap.CurrentCheckin)

	inspect(t, st, "u1", func(s *models.Session) {
		assert.True(t, s.Timers.Scheduled(timers.SlotCheckin))
	})
}

func TestEnable_Idempotent(t *testing.T) {
	e, st, _ := newTestEngine(t)
	registerUser(st, "u1")

	first, err := e.Enable("u1", intPtr(120), intPtr(30))
	require.NoError(t, err)
	second, err := e.Enable("u1", nil, nil)
	require.NoError(t, err)

	// Re-enabling without config keeps the prior schedule.
	assert.Equal(t, first.IntervalSeconds, second.IntervalSeconds)
	assert.Equal(t, first.GraceSeconds, second.GraceSeconds)
	assert.Equal(t, first.Stats.TotalCheckins, second.Stats.TotalCheckins)
	assert.True(t, second.Enabled)

	inspect(t, st, "u1", func(s *models.Session) {
		assert.Nil(t, s.CurrentCheckin)
		assert.True(t, s.Timers.Scheduled(timers.SlotCheckin))
	})
}

func TestRespondBeatsGraceTimer(t *testing.T) {
	e, st, em := newTestEngine(t)
	registerUser(st, "u1")
	c, stop := newCollector(em, "u1")
	defer stop()

	_, err := e.Enable("u1", nil, intPtr(1))
	require.NoError(t, err)

	e.beginCheckin("u1")

	var checkinID string
	inspect(t, st, "u1", func(s *models.Session) {
		require.NotNil(t, s.CurrentCheckin)
		checkinID = s.CurrentCheckin.ID
	})

	require.NoError(t, e.RespondToCheckin("u1", checkinID))

	// Let the original grace deadline pass; the cancelled (or stale) timer
	// must not escalate a cycle that already responded.
	time.Sleep(1100 * time.Millisecond)

	inspect(t, st, "u1", func(s *models.Session) {
		assert.Nil(t, s.CurrentCheckin)
		assert.Nil(t, s.ActiveIncident)
		assert.Equal(t, int64(1), s.Stats.TotalCheckins)
		assert.Equal(t, int64(0), s.Stats.MissedCheckins)
		assert.Equal(t, int64(0), s.Stats.PendingCheckins)
		assert.True(t, s.Timers.Scheduled(timers.SlotCheckin), "next check-in scheduled")
	})

	assert.Equal(t, 0, c.count("grace_expired"))
	assert.Equal(t, 0, c.count("ivr_call"))
	assert.Equal(t, 1, c.count("checkin_ok"))
}

func TestEscalation_ThreeMissedCallsDispatchRescue(t *testing.T) {
	e, st, em := newTestEngine(t)
	registerUser(st, "u1")
	c, stop := newCollector(em, "u1")
	defer stop()

	_, err := e.Enable("u1", nil, intPtr(0))
	require.NoError(t, err)

	e.beginCheckin("u1")

	require.Eventually(t, func() bool {
		s, _ := st.Get("u1")
		s.Lock()
		defer s.Unlock()
		return s.ActiveIncident != nil
	}, 2*time.Second, 10*time.Millisecond, "rescue should dispatch after 3 rings and 2 gaps")

	var incidentID string
	inspect(t, st, "u1", func(s *models.Session) {
		require.NotNil(t, s.ActiveIncident)
		incidentID = s.ActiveIncident.ID
		assert.Equal(t, models.IncidentDispatched, s.ActiveIncident.Status)
		assert.Equal(t, 3, s.ActiveIncident.MissedCalls)
		assert.Len(t, s.ActiveIncident.Contacts, 2)
		assert.NotEmpty(t, s.ActiveIncident.Unit.ReferenceNumber)
		assert.Nil(t, s.CurrentCheckin, "cycle cleared on dispatch")
		assert.Equal(t, int64(1), s.Stats.MissedCheckins)
		assert.Equal(t, int64(1), s.Stats.RescueDispatches)
		assert.Equal(t, int64(0), s.Stats.PendingCheckins)
		assert.True(t, s.Timers.Scheduled(timers.SlotBroadcast))
	})
	assert.NotEmpty(t, incidentID)

	assert.Equal(t, 3, c.count("ivr_call"))
	assert.Equal(t, 3, c.count("ivr_missed"))
	assert.Equal(t, 2, c.count("ivr_gap"))
	assert.Equal(t, 1, c.count("evaluate"))
	assert.Equal(t, 1, c.count("rescue_dispatched"))
	assert.Equal(t, 2, c.count("sms_sent"), "one SMS per emergency contact")

	// Broadcast loop keeps re-emitting the latest location.
	c.waitFor(t, "location_broadcast", time.Second)
	time.Sleep(100 * time.Millisecond)
	assert.GreaterOrEqual(t, c.count("location_broadcast"), 2)
}

func TestAnsweredCallEndsCycleBelowThreshold(t *testing.T) {
	e, st, em := newTestEngine(t)
	registerUser(st, "u1")
	c, stop := newCollector(em, "u1")
	defer stop()

	_, err := e.Enable("u1", nil, intPtr(0))
	require.NoError(t, err)

	e.beginCheckin("u1")
	c.waitFor(t, "ivr_call", time.Second)

	require.NoError(t, e.RespondToCall("u1", 1))

	// Wait past where the remaining rings and gaps would have run.
	time.Sleep(400 * time.Millisecond)

	inspect(t, st, "u1", func(s *models.Session) {
		assert.Nil(t, s.CurrentCheckin)
		assert.Nil(t, s.ActiveIncident)
		assert.Equal(t, int64(1), s.Stats.MissedCheckins, "grace did expire")
		assert.Equal(t, int64(0), s.Stats.RescueDispatches)
		assert.True(t, s.Timers.Scheduled(timers.SlotCheckin))
	})

	assert.Equal(t, 1, c.count("ivr_answered"))
	assert.Equal(t, 0, c.count("rescue_dispatched"))
	assert.Equal(t, 1, c.count("ivr_call"), "no further calls after the answer")
}

func escalateToIncident(t *testing.T, e *Engine, st *store.Store) string {
	t.Helper()
	_, err := e.Enable("u1", nil, intPtr(0))
	require.NoError(t, err)
	e.beginCheckin("u1")

	require.Eventually(t, func() bool {
		s, _ := st.Get("u1")
		s.Lock()
		defer s.Unlock()
		return s.ActiveIncident != nil
	}, 2*time.Second, 10*time.Millisecond)

	s, _ := st.Get("u1")
	s.Lock()
	defer s.Unlock()
	return s.ActiveIncident.ID
}

func TestResolveIncident_ClearsStateAndStopsBroadcast(t *testing.T) {
	e, st, em := newTestEngine(t)
	registerUser(st, "u1")
	c, stop := newCollector(em, "u1")
	defer stop()

	incidentID := escalateToIncident(t, e, st)

	require.NoError(t, e.ResolveIncident("u1", incidentID))

	inspect(t, st, "u1", func(s *models.Session) {
		assert.Nil(t, s.ActiveIncident)
		assert.Nil(t, s.CurrentCheckin)
		assert.True(t, s.Timers.Scheduled(timers.SlotCheckin), "monitoring resumes")
		assert.False(t, s.Timers.Scheduled(timers.SlotBroadcast))
	})
	c.waitFor(t, "incident_resolved", time.Second)
	assert.Equal(t, 1, c.count("incident_resolved"))

	broadcastsAtResolution := c.count("location_broadcast")
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, broadcastsAtResolution, c.count("location_broadcast"),
		"no broadcasts after resolution")
}

// Subscribers read payloads on their own goroutines, so the dispatched
// incident must be a detached copy: resolving the live record while a
// subscriber marshals the payload must not be observable (or race).
func TestRescueDispatchedPayload_DetachedFromSession(t *testing.T) {
	e, st, em := newTestEngine(t)
	registerUser(st, "u1")

	ch, cancel := em.Subscribe("u1")
	var (
		mu       sync.Mutex
		received *models.Incident
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			_, err := json.Marshal(ev.Payload)
			assert.NoError(t, err)
			if ev.Name == "rescue_dispatched" {
				mu.Lock()
				received = ev.Payload["incident"].(*models.Incident)
				mu.Unlock()
			}
		}
	}()

	incidentID := escalateToIncident(t, e, st)
	require.NoError(t, e.ResolveIncident("u1", incidentID))

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, received)
	assert.Equal(t, models.IncidentDispatched, received.Status)
	assert.Nil(t, received.ResolvedAt)
}

func TestResolveIncident_MismatchedIDIsNoOp(t *testing.T) {
	e, st, _ := newTestEngine(t)
	registerUser(st, "u1")

	// No incident at all: advisory success.
	require.NoError(t, e.ResolveIncident("u1", "nothing"))

	escalateToIncident(t, e, st)

	require.NoError(t, e.ResolveIncident("u1", "wrong-id"))
	inspect(t, st, "u1", func(s *models.Session) {
		require.NotNil(t, s.ActiveIncident)
		assert.Equal(t, models.IncidentDispatched, s.ActiveIncident.Status)
	})
}

func TestDisable_ClearsTimersCycleAndIncident(t *testing.T) {
	e, st, em := newTestEngine(t)
	registerUser(st, "u1")
	c, stop := newCollector(em, "u1")
	defer stop()

	escalateToIncident(t, e, st)

	require.NoError(t, e.Disable("u1"))

	inspect(t, st, "u1", func(s *models.Session) {
		assert.False(t, s.Enabled)
		assert.Nil(t, s.CurrentCheckin)
		assert.Nil(t, s.ActiveIncident)
		for slot := timers.SlotCheckin; slot <= timers.SlotBroadcast; slot++ {
			assert.False(t, s.Timers.Scheduled(slot))
		}
	})

	broadcasts := c.count("location_broadcast")
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, broadcasts, c.count("location_broadcast"))
	assert.Equal(t, 1, c.count("monitor_disabled"))
}

func TestRespondToCheckin_Errors(t *testing.T) {
	e, st, _ := newTestEngine(t)
	registerUser(st, "u1")

	assert.ErrorIs(t, e.RespondToCheckin("ghost", "x"), models.ErrNotFound)

	_, err := e.Enable("u1", nil, intPtr(60))
	require.NoError(t, err)

	// Enabled but no cycle open yet.
	assert.ErrorIs(t, e.RespondToCheckin("u1", "x"), models.ErrInvalidState)

	e.beginCheckin("u1")
	var checkinID string
	inspect(t, st, "u1", func(s *models.Session) {
		checkinID = s.CurrentCheckin.ID
	})

	assert.ErrorIs(t, e.RespondToCheckin("u1", "wrong-id"), models.ErrInvalidState)
	require.NoError(t, e.RespondToCheckin("u1", checkinID))
	assert.ErrorIs(t, e.RespondToCheckin("u1", checkinID), models.ErrInvalidState)
}

func TestRespondToCall_Errors(t *testing.T) {
	e, st, _ := newTestEngine(t)
	registerUser(st, "u1")

	assert.ErrorIs(t, e.RespondToCall("ghost", 1), models.ErrNotFound)

	_, err := e.Enable("u1", nil, intPtr(60))
	require.NoError(t, err)
	assert.ErrorIs(t, e.RespondToCall("u1", 1), models.ErrNotFound)
}

func TestUpdateLocation_FeedsActiveBroadcast(t *testing.T) {
	e, st, em := newTestEngine(t)
	registerUser(st, "u1")
	c, stop := newCollector(em, "u1")
	defer stop()

	escalateToIncident(t, e, st)

	require.NoError(t, e.UpdateLocation("u1", 11.25, 75.78, "Kozhikode"))

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, ev := range c.events {
			if ev.Name != "location_broadcast" {
				continue
			}
			loc, ok := ev.Payload["location"].(models.Location)
			if ok && loc.Lat == 11.25 {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "broadcast should carry the updated location")
}

func TestUpdateLocation_UnknownUser(t *testing.T) {
	e, _, _ := newTestEngine(t)
	assert.ErrorIs(t, e.UpdateLocation("ghost", 0, 0, ""), models.ErrNotFound)
}

func TestEnable_DiscardsStaleIncident(t *testing.T) {
	e, st, _ := newTestEngine(t)
	registerUser(st, "u1")

	escalateToIncident(t, e, st)

	_, err := e.Enable("u1", nil, intPtr(60))
	require.NoError(t, err)

	inspect(t, st, "u1", func(s *models.Session) {
		assert.Nil(t, s.ActiveIncident)
		assert.False(t, s.Timers.Scheduled(timers.SlotBroadcast))
		assert.True(t, s.Timers.Scheduled(timers.SlotCheckin))
	})
}
