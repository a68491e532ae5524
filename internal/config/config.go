package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	OpsPort     int    `envconfig:"OPS_PORT" default:"3100"`
	Environment string `envconfig:"ENV" default:"development"`

	// Database
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// Counter store
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Update stream / action queue
	NATSURL             string `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	UpdateStream        string `envconfig:"UPDATE_STREAM" default:"SUBSCRIPTION_UPDATES"`
	UpdateSubject       string `envconfig:"UPDATE_SUBJECT" default:"updates.subscription"`
	UpdateConsumerName  string `envconfig:"UPDATE_CONSUMER" default:"vigil-processor"`
	UpdateDeliverGroup  string `envconfig:"UPDATE_DELIVER_GROUP" default:"vigil-processors"`
	UpdateMaxDeliver    int    `envconfig:"UPDATE_MAX_DELIVER" default:"5"`
	UpdateMaxAckPending int    `envconfig:"UPDATE_MAX_ACK_PENDING" default:"256"`
	UpdateAckWait       int    `envconfig:"UPDATE_ACK_WAIT_SEC" default:"30"`
	UpdateNackDelayMS   int    `envconfig:"UPDATE_NACK_DELAY_MS" default:"500"`
	ActionStream        string `envconfig:"ACTION_STREAM" default:"INCIDENT_ACTIONS"`
	ActionSubject       string `envconfig:"ACTION_SUBJECT" default:"actions.incident"`
	ActionConsumerName  string `envconfig:"ACTION_CONSUMER" default:"vigil-actions"`
	ActionDeliverGroup  string `envconfig:"ACTION_DELIVER_GROUP" default:"vigil-actions"`

	// External services
	QueryBackendURL    string `envconfig:"QUERY_BACKEND_URL" default:"http://localhost:1218"`
	AnomalyDetectorURL string `envconfig:"ANOMALY_DETECTOR_URL" default:"http://localhost:9091"`
	WebhookSecret      string `envconfig:"WEBHOOK_SECRET" required:"true"`

	// Evaluation
	MinSessionCount         int  `envconfig:"MIN_SESSION_COUNT" default:"50"`
	EnforceMinSessionCount  bool `envconfig:"ENFORCE_MIN_SESSION_COUNT" default:"true"`
	AnomalyDetectionEnabled bool `envconfig:"ANOMALY_DETECTION_ENABLED" default:"false"`
	CrashRateAlertsEnabled  bool `envconfig:"CRASH_RATE_ALERTS_ENABLED" default:"true"`
	ReopenRateLimitMinutes  int  `envconfig:"REOPEN_RATE_LIMIT_MINUTES" default:"10"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ReopenRateLimit returns the minimum spacing between incidents created by
// the same trigger.
func (c *Config) ReopenRateLimit() time.Duration {
	return time.Duration(c.ReopenRateLimitMinutes) * time.Minute
}
