package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	SweepModeTicker = "ticker"
	SweepModeAsynq  = "asynq"
	SweepModeOff    = "off"

	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Port             string
	DatabaseURL      string
	StoreDriver      string
	AutoMigrate      bool
	BusinessTimezone string
	ServiceName      string

	SweepMode      string
	SweepInterval  time.Duration
	SweepBatchSize int
	RestoreWindow  time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RateLimitPerMinute      int
	RateLimitBurst          int
	StoreRateLimitPerMinute int
	StoreRateLimitBurst     int

	LogLevel  string
	LogFormat string
}

// Load reads the environment, after merging a .env file when one exists.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:             readString("PORT", "8080"),
		DatabaseURL:      os.Getenv("DB_DSN"),
		StoreDriver:      strings.ToLower(readString("STORE_DRIVER", StoreDriverPostgres)),
		AutoMigrate:      readBool("AUTO_MIGRATE", true),
		BusinessTimezone: readString("BUSINESS_TIMEZONE", "Asia/Seoul"),
		ServiceName:      readString("SERVICE_NAME", "waiting-service"),

		SweepMode:      strings.ToLower(readString("SWEEP_MODE", SweepModeTicker)),
		SweepInterval:  readDurationSeconds("SWEEP_INTERVAL_SECONDS", 30),
		SweepBatchSize: readInt("SWEEP_BATCH_SIZE", 100),
		RestoreWindow:  readDurationSeconds("RESTORE_WINDOW_SECONDS", 1800),

		RedisAddr:     readString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       readInt("REDIS_DB", 0),

		RateLimitPerMinute:      readInt("RATE_LIMIT_IP_PER_MINUTE", 120),
		RateLimitBurst:          readInt("RATE_LIMIT_IP_BURST", 30),
		StoreRateLimitPerMinute: readInt("RATE_LIMIT_STORE_PER_MINUTE", 600),
		StoreRateLimitBurst:     readInt("RATE_LIMIT_STORE_BURST", 120),

		LogLevel:  readString("LOG_LEVEL", "info"),
		LogFormat: readString("LOG_FORMAT", "text"),
	}
}

// Location resolves BusinessTimezone, falling back to UTC for unknown zones.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return time.UTC, err
	}
	return loc, nil
}

func readString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
