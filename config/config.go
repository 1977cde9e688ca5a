// Package config provides application configuration management.
package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Local facade configuration
	ServerPort string
	APIToken   string

	// System-of-record endpoints
	UpstreamURL    string
	StreamURL      string
	UpstreamToken  string
	RequestTimeout time.Duration
	ChatActor      string
	AutoExecute    bool

	// Live feed tuning
	TimelineCapacity  int
	DedupWindow       time.Duration
	ReconnectDelay    time.Duration
	KeepaliveInterval time.Duration
	PongTimeout       time.Duration

	// Audit log persistence
	StatePath       string
	DataStoreDriver string
	DataStoreDSN    string

	// AuditRetention bounds how long decisions are kept; zero keeps them forever.
	AuditRetention time.Duration
	PruneInterval  time.Duration

	// Redis / relay configuration
	RedisAddr        string
	RedisUsername    string
	RedisPassword    string
	RedisDB          int
	RedisTLSEnabled  bool
	RedisTLSInsecure bool
	EventsChannel    string
	// FeedMode is "direct" (hold the upstream connection) or "follower"
	// (render the feed relayed by a direct peer).
	FeedMode string
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	upstream := strings.TrimRight(getEnv("ICGL_API_URL", "http://localhost:8000"), "/")
	statePath := getEnv("STATE_PATH", "./state")
	dataStoreDriver := getEnv("DATASTORE_DRIVER", "sqlite")
	dataStoreDSN := getEnv("DATASTORE_DSN", "")
	if dataStoreDSN == "" && dataStoreDriver == "postgres" {
		dataStoreDSN = os.Getenv("POSTGRES_DSN")
	}
	if dataStoreDSN == "" && dataStoreDriver == "sqlite" {
		dataStoreDSN = filepath.Join(statePath, "console.db")
	}
	keepalive := getEnvDuration("KEEPALIVE_INTERVAL", 30*time.Second)
	return &Config{
		ServerPort:        getEnv("SERVER_PORT", "8090"),
		APIToken:          os.Getenv("CONSOLE_API_TOKEN"),
		UpstreamURL:       upstream,
		StreamURL:         getEnv("ICGL_STREAM_URL", streamURLFor(upstream)),
		UpstreamToken:     os.Getenv("ICGL_API_TOKEN"),
		RequestTimeout:    getEnvDuration("REQUEST_TIMEOUT", 60*time.Second),
		ChatActor:         getEnv("CHAT_ACTOR", "operator"),
		AutoExecute:       getEnvBool("AUTO_EXECUTE", false),
		TimelineCapacity:  getEnvInt("TIMELINE_CAPACITY", 100),
		DedupWindow:       getEnvDuration("DEDUP_WINDOW", 3*time.Second),
		ReconnectDelay:    getEnvDuration("RECONNECT_DELAY", 3*time.Second),
		KeepaliveInterval: keepalive,
		PongTimeout:       getEnvDuration("PONG_TIMEOUT", 2*keepalive),
		StatePath:         statePath,
		DataStoreDriver:   dataStoreDriver,
		DataStoreDSN:      dataStoreDSN,
		AuditRetention:    getEnvDuration("AUDIT_RETENTION", 30*24*time.Hour),
		PruneInterval:     getEnvDuration("AUDIT_PRUNE_INTERVAL", time.Hour),
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisUsername:     getEnv("REDIS_USERNAME", ""),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RedisTLSEnabled:   getEnvBool("REDIS_TLS_ENABLED", false),
		RedisTLSInsecure:  getEnvBool("REDIS_TLS_INSECURE_SKIP_VERIFY", false),
		EventsChannel:     getEnv("EVENTS_CHANNEL", "icgl-console-timeline"),
		FeedMode:          feedMode(getEnv("FEED_MODE", FeedModeDirect)),
	}
}

// Feed modes.
const (
	FeedModeDirect   = "direct"
	FeedModeFollower = "follower"
)

func feedMode(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case FeedModeFollower:
		return FeedModeFollower
	case FeedModeDirect:
		return FeedModeDirect
	default:
		log.Printf("Invalid FEED_MODE %s, using %s", value, FeedModeDirect)
		return FeedModeDirect
	}
}

// streamURLFor derives the websocket feed address from the HTTP base URL.
func streamURLFor(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	default:
		return base + "/ws"
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("Invalid duration for %s: %s, using default %s", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
		log.Printf("Invalid int for %s: %s, using default %d", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "y":
			return true
		case "0", "false", "no", "n":
			return false
		default:
			log.Printf("Invalid bool for %s: %s, using default %t", key, value, defaultValue)
		}
	}
	return defaultValue
}
