package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the companion bridge
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Message bus (MQTT broker) credentials
	MQTTURL              string `envconfig:"MQTT_URL" required:"true"`
	MQTTUsername         string `envconfig:"MQTT_USERNAME" default:""`
	MQTTPassword         string `envconfig:"MQTT_PASSWORD" default:""`
	MQTTClientIDPrefix   string `envconfig:"MQTT_CLIENT_ID_PREFIX" default:"companion"`
	MQTTQoS              int    `envconfig:"MQTT_QOS" default:"0"`
	MQTTAutoReconnect    bool   `envconfig:"MQTT_AUTO_RECONNECT" default:"true"`
	MQTTConnectTimeout   int    `envconfig:"MQTT_CONNECT_TIMEOUT" default:"10"`     // seconds
	MQTTOperationTimeout int    `envconfig:"MQTT_OPERATION_TIMEOUT" default:"5000"` // milliseconds, subscribe/unsubscribe/publish

	// Session topics are "<namespace>/<code>/transcriptions"
	TopicNamespace string `envconfig:"TOPIC_NAMESPACE" default:"sofya-platform"`

	// Bridge protocol configuration
	BridgeSyncDelay      int `envconfig:"BRIDGE_SYNC_DELAY" default:"300"`    // ms after the surface attaches before the first state sync
	BridgeResyncDelay    int `envconfig:"BRIDGE_RESYNC_DELAY" default:"800"`  // ms after the first sync before the second one
	BridgeSilenceTimeout int `envconfig:"BRIDGE_SILENCE_TIMEOUT" default:"0"` // ms without a reply before warning, 0 disables

	// Diagnostics
	DiagnosticInterval    int `envconfig:"DIAGNOSTIC_INTERVAL" default:"2000"` // ms, 0 disables the periodic diagnostic log
	DiagnosticJournalSize int `envconfig:"DIAGNOSTIC_JOURNAL_SIZE" default:"200"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Pairing attempts made by the CLI
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"500"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values envconfig cannot express.
func (c *Config) Validate() error {
	if c.MQTTURL == "" {
		return fmt.Errorf("MQTT_URL is required")
	}
	if c.TopicNamespace == "" {
		return fmt.Errorf("TOPIC_NAMESPACE must not be empty")
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTTQoS)
	}
	if c.DiagnosticJournalSize <= 0 {
		return fmt.Errorf("DIAGNOSTIC_JOURNAL_SIZE must be positive, got %d", c.DiagnosticJournalSize)
	}
	if c.BridgeSyncDelay < 0 || c.BridgeResyncDelay < 0 || c.BridgeSilenceTimeout < 0 || c.DiagnosticInterval < 0 {
		return fmt.Errorf("bridge and diagnostic durations must not be negative")
	}
	return nil
}

// ConnectTimeout is the MQTT handshake timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.MQTTConnectTimeout) * time.Second
}

// OperationTimeout bounds a single subscribe, unsubscribe or publish.
func (c *Config) OperationTimeout() time.Duration {
	return time.Duration(c.MQTTOperationTimeout) * time.Millisecond
}

// SyncDelays returns the delays of the two state syncs issued after a surface attaches.
func (c *Config) SyncDelays() (first, second time.Duration) {
	return time.Duration(c.BridgeSyncDelay) * time.Millisecond, time.Duration(c.BridgeResyncDelay) * time.Millisecond
}

func (c *Config) SilenceTimeout() time.Duration {
	return time.Duration(c.BridgeSilenceTimeout) * time.Millisecond
}

func (c *Config) DiagnosticEvery() time.Duration {
	return time.Duration(c.DiagnosticInterval) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
