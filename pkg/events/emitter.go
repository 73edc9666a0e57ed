package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const subscriberBuffer = 32

// Event is one named push to a user's realtime channel.
type Event struct {
	Name    string                 `json:"event"`
	Payload map[string]interface{} `json:"data"`
}

// Emitter delivers events to at most one subscriber per user, best-effort:
// no subscriber means the event is dropped, not queued, and there is no
// delivery confirmation.
type Emitter struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	logger *logrus.Logger
}

func NewEmitter(logger *logrus.Logger) *Emitter {
	return &Emitter{
		subs:   make(map[string]chan Event),
		logger: logger,
	}
}

// Subscribe registers a channel for userID, replacing any previous
// subscriber. The returned cancel func clears the handle; it is a no-op if
// a newer subscriber has already replaced this one.
func (e *Emitter) Subscribe(userID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	e.mu.Lock()
	if old, ok := e.subs[userID]; ok {
		close(old)
	}
	e.subs[userID] = ch
	e.mu.Unlock()

	e.logger.WithField("user_id", userID).Debug("Subscriber connected")

	cancel := func() {
		e.mu.Lock()
		if cur, ok := e.subs[userID]; ok && cur == ch {
			delete(e.subs, userID)
			close(ch)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

// Connected reports whether userID currently has a subscriber.
func (e *Emitter) Connected(userID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.subs[userID]
	return ok
}

// Emit pushes an event to the user's subscriber. The payload always gains a
// server timestamp. A full subscriber buffer drops the event rather than
// blocking the caller.
func (e *Emitter) Emit(userID, name string, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["timestamp"] = time.Now().UTC()

	e.mu.RLock()
	defer e.mu.RUnlock()

	ch, ok := e.subs[userID]
	if !ok {
		return
	}
	select {
	case ch <- Event{Name: name, Payload: payload}:
	default:
		e.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"event":   name,
		}).Debug("Subscriber buffer full, dropping event")
	}
}
