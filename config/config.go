package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppPort string

	UpstreamAPIURL string
	UpstreamAPIKey string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RefreshInterval    time.Duration
	RefreshInitDelay   time.Duration
	DerivedTTL         time.Duration
	RecentTTL          time.Duration

	MaxTotalSessions  int
	MaxSessionsPerIP  int
	HeartbeatInterval time.Duration
	MissedDataLimit   int

	UpstreamRateLimitPerMinute int
	UpstreamRequestWeight      int
	CircuitBreakerThreshold    int
	CircuitBreakerCooldown     time.Duration

	LogLevel string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, reading from environment directly")
	}

	refreshInterval := getEnvSeconds("REFRESH_INTERVAL_SECONDS", 60)

	return &Config{
		AppPort: getEnv("APP_PORT", "3000"),

		UpstreamAPIURL: getEnv("UPSTREAM_API_URL", "https://api.hyperliquid.xyz"),
		UpstreamAPIKey: getEnv("UPSTREAM_API_KEY", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		RefreshInterval:  refreshInterval,
		RefreshInitDelay: getEnvSeconds("REFRESH_INITIAL_DELAY_SECONDS", 5),
		// TTLs must be >= the refresh interval (I6): derived blobs use
		// DERIVED_TTL_SECONDS (default 180), raised to the refresh interval
		// when that is longer.
		DerivedTTL: maxDuration(refreshInterval, getEnvSeconds("DERIVED_TTL_SECONDS", 180)),
		RecentTTL:  getEnvSeconds("RECENT_TTL_SECONDS", 60),

		MaxTotalSessions:  getEnvInt("MAX_TOTAL_SESSIONS", 1000),
		MaxSessionsPerIP:  getEnvInt("MAX_SESSIONS_PER_IP", 3),
		HeartbeatInterval: getEnvSeconds("HEARTBEAT_INTERVAL_SECONDS", 30),
		MissedDataLimit:   getEnvInt("MISSED_DATA_LIMIT", 100),

		UpstreamRateLimitPerMinute: getEnvInt("UPSTREAM_RATE_LIMIT_PER_MINUTE", 600),
		UpstreamRequestWeight:      getEnvInt("UPSTREAM_REQUEST_WEIGHT", 1),
		CircuitBreakerThreshold:    getEnvInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5),
		CircuitBreakerCooldown:     getEnvSeconds("CIRCUIT_BREAKER_COOLDOWN_SECONDS", 30),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key string, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvSeconds(key string, fallbackSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackSeconds)) * time.Second
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
