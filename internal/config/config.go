package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"relay-transcript-monitor/internal/schema"
)

// Configuration is the full service configuration, loaded from the environment.
type Configuration struct {
	Service       ServiceConfig
	Relay         RelayConfig
	Poll          PollConfig
	Store         StoreConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Principal string `json:"principal" validate:"required"`
	HTTPPort  string `json:"httpPort" validate:"required,numeric"`
	GRPCPort  string `json:"grpcPort" validate:"required,numeric"`

	// CORSOrigins lists the origins allowed to call the HTTP API.
	CORSOrigins []string `json:"corsOrigins"`
}

// RelayConfig describes the two relay streams and how to reach them.
type RelayConfig struct {
	TranscriptURL string        `json:"transcriptUrl" validate:"omitempty,url"`
	HeartbeatURL  string        `json:"heartbeatUrl" validate:"omitempty,url"`
	APIKey        string        `json:"-"`
	UserAgent     string        `json:"userAgent"`
	Timeout       time.Duration `json:"timeout" validate:"gt=0"`
	PreferLatest  bool          `json:"preferLatest"`
}

type PollConfig struct {
	Interval       time.Duration `json:"interval" validate:"gte=250ms"`
	ActivityWindow time.Duration `json:"activityWindow" validate:"gt=0"`
}

type StoreConfig struct {
	Driver          string `json:"driver" validate:"oneof=memory file postgres mongo"`
	Path            string `json:"path" validate:"required_if=Driver file"`
	PostgresURL     string `json:"postgresUrl" validate:"required_if=Driver postgres"`
	MongoURI        string `json:"mongoUri" validate:"required_if=Driver mongo"`
	MongoDatabase   string `json:"mongoDatabase"`
	MongoCollection string `json:"mongoCollection"`
}

type KafkaConfig struct {
	Enabled       bool     `json:"enabled"`
	Brokers       []string `json:"brokers" validate:"required_if=Enabled true"`
	TopicSegments string   `json:"topicSegments" validate:"required"`
	TopicActivity string   `json:"topicActivity" validate:"required"`
	Principal     string   `json:"principal"`
}

type ObservabilityConfig struct {
	MetricsAddr string `json:"metricsAddr" validate:"required"`
	LogLevel    string `json:"logLevel" validate:"oneof=trace debug info warn error fatal panic disabled"`
	LogFormat   string `json:"logFormat" validate:"oneof=json console"`
}

// Load reads the configuration from the environment. Unparseable values
// fall back to their defaults.
func Load() *Configuration {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-relay-monitor")

	return &Configuration{
		Service: ServiceConfig{
			Principal:   principal,
			HTTPPort:    envOrDefault("HTTP_PORT", "8080"),
			GRPCPort:    envOrDefault("GRPC_PORT", "50051"),
			CORSOrigins: envList("HTTP_CORS_ORIGINS"),
		},
		Relay: RelayConfig{
			TranscriptURL: os.Getenv("RELAY_TRANSCRIPT_URL"),
			HeartbeatURL:  os.Getenv("RELAY_HEARTBEAT_URL"),
			APIKey:        os.Getenv("RELAY_API_KEY"),
			UserAgent:     envOrDefault("RELAY_USER_AGENT", "TranscriptionMonitor/1.0"),
			Timeout:       envOrDefaultDuration("RELAY_TIMEOUT", 10*time.Second),
			PreferLatest:  envOrDefaultBool("RELAY_PREFER_LATEST", true),
		},
		Poll: PollConfig{
			Interval:       time.Duration(envOrDefaultInt("POLL_INTERVAL_MS", 5000)) * time.Millisecond,
			ActivityWindow: envOrDefaultDuration("ACTIVITY_WINDOW", 5*time.Second),
		},
		Store: StoreConfig{
			Driver:          strings.ToLower(envOrDefault("STORE_DRIVER", "file")),
			Path:            envOrDefault("STORE_PATH", "./data"),
			PostgresURL:     os.Getenv("STORE_POSTGRES_URL"),
			MongoURI:        os.Getenv("STORE_MONGO_URI"),
			MongoDatabase:   envOrDefault("STORE_MONGO_DATABASE", "relay_monitor"),
			MongoCollection: envOrDefault("STORE_MONGO_COLLECTION", "state"),
		},
		Kafka: KafkaConfig{
			Enabled:       envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:       envList("KAFKA_BROKERS"),
			TopicSegments: envOrDefault("KAFKA_TOPIC_SEGMENTS", "relay.transcript.segment"),
			TopicActivity: envOrDefault("KAFKA_TOPIC_ACTIVITY", "relay.recording.activity"),
			Principal:     envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Observability: ObservabilityConfig{
			MetricsAddr: envOrDefault("METRICS_ADDR", ":9090"),
			LogLevel:    strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
			LogFormat:   strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
		},
	}
}

// Validate checks every section of the configuration.
func (c *Configuration) Validate() error {
	v := schema.New()
	for _, section := range []any{c.Service, c.Relay, c.Poll, c.Store, c.Kafka, c.Observability} {
		if err := v.Validate(section); err != nil {
			return err
		}
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
