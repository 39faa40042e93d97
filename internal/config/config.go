package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	DatabaseURL           string
	AvgConsultMinutes     int
	RequestTimeout        time.Duration
	StreamBuffer          int
	OutboxRetention       time.Duration
	OutboxSweepEvery      time.Duration
	RateLimitPerMinute    int
	RateLimitBurst        int
	CIDRateLimitPerMinute int
	CIDRateLimitBurst     int
	JWTSecret             string
	JWTExpiration         time.Duration
}

func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:                  port,
		DatabaseURL:           os.Getenv("DB_DSN"),
		AvgConsultMinutes:     readInt("AVG_CONSULT_MINUTES", 10),
		RequestTimeout:        readDurationSeconds("REQUEST_TIMEOUT_SECONDS", 5),
		StreamBuffer:          readInt("STREAM_BUFFER", 16),
		OutboxRetention:       readDurationSeconds("OUTBOX_RETENTION_SECONDS", 86400),
		OutboxSweepEvery:      readDurationSeconds("OUTBOX_SWEEP_INTERVAL_SECONDS", 300),
		RateLimitPerMinute:    readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:        readInt("RATE_LIMIT_BURST", 30),
		CIDRateLimitPerMinute: readInt("CID_RATE_LIMIT_PER_MIN", 20),
		CIDRateLimitBurst:     readInt("CID_RATE_LIMIT_BURST", 5),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		JWTExpiration:         readDurationMinutes("JWT_EXPIRATION_MINUTES", 480),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readDurationMinutes(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Minute
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
