package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const publishTimeout = 2 * time.Second

// Connect opens a Redis client for the event journal and verifies it with a
// ping.
func Connect(url string, logger *logrus.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis event journal")
	return rdb, nil
}

// Publisher journals engine events to a capped Redis Stream so external
// consumers (notification gateways, dashboards) can follow escalations. It
// is best-effort like the realtime channel: failures are logged and never
// surfaced to the engine.
type Publisher struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	logger *logrus.Logger
}

func NewPublisher(rdb *redis.Client, stream string, maxLen int64, logger *logrus.Logger) *Publisher {
	return &Publisher{
		rdb:    rdb,
		stream: stream,
		maxLen: maxLen,
		logger: logger,
	}
}

// Publish appends one event to the stream. Safe to call on a nil Publisher
// (journaling disabled). The write happens on its own goroutine so callers
// never wait on Redis inside a session critical section.
func (p *Publisher) Publish(userID, event string, payload map[string]interface{}) {
	if p == nil {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.WithError(err).WithField("event", event).Warn("Failed to encode event payload")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		err := p.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: p.stream,
			MaxLen: p.maxLen,
			Approx: true,
			Values: map[string]interface{}{
				"user_id": userID,
				"event":   event,
				"payload": string(body),
			},
		}).Err()
		if err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"user_id": userID,
				"event":   event,
			}).Warn("Failed to journal event")
		}
	}()
}
