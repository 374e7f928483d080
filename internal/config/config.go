package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Upstream   UpstreamConfig
	History    HistoryConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
	Cache      CacheConfig
	Stream     StreamConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	GRPCPort    int
	HTTPPort    int
	Environment string
}

// UpstreamConfig describes the single market-data websocket link.
type UpstreamConfig struct {
	URL       string
	APIKey    string
	APISecret string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// Reconnect delay is min(BaseDelay*2^(attempt-1), MaxDelay).
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	HeartbeatTimeout time.Duration
	MaxMissedPongs   int

	QueueSize          int
	SendRate           float64
	SendBurst          int
	MaxSymbolsPerFrame int
}

type HistoryConfig struct {
	// Source is "rest" or "clickhouse".
	Source         string
	BaseURL        string
	Timeout        time.Duration
	RequestsPerSec float64
	Burst          int
}

type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

type RedisConfig struct {
	Host          string
	Port          int
	Password      string
	DB            int
	ChannelPrefix string
}

type CacheConfig struct {
	HistoryTTL time.Duration
	QuoteTTL   time.Duration
}

type StreamConfig struct {
	WatchlistFile      string
	WatchlistRefresh   time.Duration
	DefaultSymbols     []string
	Intervals          []string
	BatchWriteSize     int
	BatchWriteInterval time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			GRPCPort:    getEnvInt("GRPC_PORT", 50051),
			HTTPPort:    getEnvInt("HTTP_PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Upstream: UpstreamConfig{
			URL:                getEnv("UPSTREAM_URL", "wss://stream.example.com/v1/market"),
			APIKey:             getEnv("UPSTREAM_API_KEY", ""),
			APISecret:          getEnv("UPSTREAM_API_SECRET", ""),
			HandshakeTimeout:   parseDuration(getEnv("UPSTREAM_HANDSHAKE_TIMEOUT", "10s"), 10*time.Second),
			WriteTimeout:       parseDuration(getEnv("UPSTREAM_WRITE_TIMEOUT", "5s"), 5*time.Second),
			BaseDelay:          parseDuration(getEnv("UPSTREAM_RECONNECT_BASE", "1s"), time.Second),
			MaxDelay:           parseDuration(getEnv("UPSTREAM_RECONNECT_MAX", "30s"), 30*time.Second),
			MaxAttempts:        getEnvInt("UPSTREAM_RECONNECT_ATTEMPTS", 5),
			HeartbeatTimeout:   parseDuration(getEnv("UPSTREAM_HEARTBEAT_TIMEOUT", "15s"), 15*time.Second),
			MaxMissedPongs:     getEnvInt("UPSTREAM_MAX_MISSED_PONGS", 2),
			QueueSize:          getEnvInt("UPSTREAM_QUEUE_SIZE", 256),
			SendRate:           getEnvFloat("UPSTREAM_SEND_RATE", 10),
			SendBurst:          getEnvInt("UPSTREAM_SEND_BURST", 20),
			MaxSymbolsPerFrame: getEnvInt("UPSTREAM_MAX_SYMBOLS_PER_FRAME", 50),
		},
		History: HistoryConfig{
			Source:         getEnv("HISTORY_SOURCE", "rest"),
			BaseURL:        getEnv("HISTORY_BASE_URL", "https://api.example.com"),
			Timeout:        parseDuration(getEnv("HISTORY_TIMEOUT", "10s"), 10*time.Second),
			RequestsPerSec: getEnvFloat("HISTORY_RPS", 5),
			Burst:          getEnvInt("HISTORY_BURST", 5),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
			Port:     getEnvInt("CLICKHOUSE_PORT", 9000),
			Database: getEnv("CLICKHOUSE_DATABASE", "market"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Redis: RedisConfig{
			Host:          getEnv("REDIS_HOST", "localhost"),
			Port:          getEnvInt("REDIS_PORT", 6379),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			ChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "nyyu:stream"),
		},
		Cache: CacheConfig{
			HistoryTTL: time.Duration(getEnvInt("CACHE_TTL_HISTORY", 30)) * time.Second,
			QuoteTTL:   time.Duration(getEnvInt("CACHE_TTL_QUOTE", 60)) * time.Second,
		},
		Stream: StreamConfig{
			WatchlistFile:      getEnv("WATCHLIST_FILE", "config/watchlist.yaml"),
			WatchlistRefresh:   parseDuration(getEnv("WATCHLIST_REFRESH", "1m"), time.Minute),
			DefaultSymbols:     getEnvList("DEFAULT_SYMBOLS", []string{"AAPL", "MSFT"}),
			Intervals:          getEnvList("STREAM_INTERVALS", []string{"1m"}),
			BatchWriteSize:     getEnvInt("BATCH_WRITE_SIZE", 100),
			BatchWriteInterval: parseDuration(getEnv("BATCH_WRITE_INTERVAL", "1s"), time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Upstream.URL == "" {
		return fmt.Errorf("UPSTREAM_URL is required")
	}
	if c.Upstream.MaxAttempts < 1 {
		return fmt.Errorf("UPSTREAM_RECONNECT_ATTEMPTS must be at least 1")
	}
	if c.Upstream.BaseDelay <= 0 || c.Upstream.MaxDelay < c.Upstream.BaseDelay {
		return fmt.Errorf("invalid reconnect delays: base=%s max=%s", c.Upstream.BaseDelay, c.Upstream.MaxDelay)
	}
	if c.Upstream.MaxMissedPongs < 1 {
		return fmt.Errorf("UPSTREAM_MAX_MISSED_PONGS must be at least 1")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	switch c.History.Source {
	case "rest":
		if c.History.BaseURL == "" {
			return fmt.Errorf("HISTORY_BASE_URL is required for rest history")
		}
	case "clickhouse":
		if !c.ClickHouse.Enabled {
			return fmt.Errorf("clickhouse history requires CLICKHOUSE_ENABLED=true")
		}
	default:
		return fmt.Errorf("unknown HISTORY_SOURCE: %s", c.History.Source)
	}
	return nil
}

func (c *ClickHouseConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *ClickHouseConfig) DSN() string {
	return fmt.Sprintf("clickhouse://%s:%s@%s:%d/%s?dial_timeout=10s&max_execution_time=60",
		c.Username, c.Password, c.Host, c.Port, c.Database)
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}
