package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	Port       string
	LogLevel   string
	InstanceID string

	// Event journal (optional; empty RedisURL disables it).
	RedisURL          string
	EventStream       string
	EventStreamMaxLen int64

	// Escalation policy. Sessions carry their own interval and grace
	// period; the rest applies to every user.
	CheckinInterval time.Duration
	GracePeriod     time.Duration
	RingDuration    time.Duration
	CallGap         time.Duration
	BroadcastPeriod time.Duration
	RescueThreshold int
	ActivityLogCap  int

	// Defaults applied to newly registered sessions.
	DefaultPhone   string
	DefaultLat     float64
	DefaultLng     float64
	DefaultAddress string
}

func Load() *Config {
	return &Config{
		Port:              getEnv("PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		InstanceID:        getEnv("INSTANCE_ID", generateInstanceID()),
		RedisURL:          getEnv("REDIS_URL", ""),
		EventStream:       getEnv("EVENT_STREAM", "escalation_events"),
		EventStreamMaxLen: getEnvInt64("EVENT_STREAM_MAXLEN", 10000),
		CheckinInterval:   getEnvSeconds("CHECKIN_INTERVAL_SECONDS", 1800),
		GracePeriod:       getEnvSeconds("GRACE_SECONDS", 60),
		RingDuration:      getEnvSeconds("RING_SECONDS", 15),
		CallGap:           getEnvSeconds("CALL_GAP_SECONDS", 10),
		BroadcastPeriod:   getEnvSeconds("BROADCAST_SECONDS", 10),
		RescueThreshold:   getEnvInt("RESCUE_THRESHOLD", 2),
		ActivityLogCap:    getEnvInt("ACTIVITY_LOG_CAP", 100),
		DefaultPhone:      getEnv("DEFAULT_PHONE", "+91-0000000000"),
		DefaultLat:        getEnvFloat("DEFAULT_LAT", 9.9312),
		DefaultLng:        getEnvFloat("DEFAULT_LNG", 76.2673),
		DefaultAddress:    getEnv("DEFAULT_ADDRESS", "Kochi, Kerala"),
	}
}

// DefaultIntervalSeconds is the check-in interval stamped onto sessions that
// never configured one.
func (c *Config) DefaultIntervalSeconds() int {
	return int(c.CheckinInterval / time.Second)
}

func (c *Config) DefaultGraceSeconds() int {
	return int(c.GracePeriod / time.Second)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

func generateInstanceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
