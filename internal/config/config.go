package config

import (
	"fmt"
	"time"

	"secureconnect-callkit/pkg/env"
)

// Config holds all environment-driven settings for the call agent
type Config struct {
	Env string

	// Identity of the local user this agent runs for
	UserID string

	// CockroachDB (call record store)
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (realtime feed + signaling fanout)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Signaling
	SignalingTransport string // redis, websocket
	SignalingURL       string // backend hub URL for the websocket transport
	JWTSecret          string

	// HTTP surface (health + metrics)
	HTTPPort string

	// Timeouts
	StoreTimeout time.Duration
}

// Load reads configuration from the environment with development defaults
func Load() *Config {
	return &Config{
		Env:                env.GetString("ENV", "development"),
		UserID:             env.GetString("CALLKIT_USER_ID", ""),
		DBHost:             env.GetString("DB_HOST", "localhost"),
		DBPort:             env.GetInt("DB_PORT", 26257),
		DBUser:             env.GetString("DB_USER", "root"),
		DBPassword:         env.GetStringFromFile("DB_PASSWORD", ""),
		DBName:             env.GetString("DB_NAME", "secureconnect"),
		DBSSLMode:          env.GetString("DB_SSLMODE", "disable"),
		RedisHost:          env.GetString("REDIS_HOST", "localhost"),
		RedisPort:          env.GetInt("REDIS_PORT", 6379),
		RedisPassword:      env.GetStringFromFile("REDIS_PASSWORD", ""),
		RedisDB:            env.GetInt("REDIS_DB", 0),
		SignalingTransport: env.GetString("SIGNALING_TRANSPORT", "redis"),
		SignalingURL:       env.GetString("SIGNALING_URL", "ws://localhost:8083/v1/calls/ws/signaling"),
		JWTSecret:          env.GetStringFromFile("JWT_SECRET", ""),
		HTTPPort:           env.GetString("PORT", "8089"),
		StoreTimeout:       env.GetDuration("STORE_TIMEOUT", 5*time.Second),
	}
}

// RedisAddr returns the host:port address for Redis
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// Production reports whether the agent runs in production mode
func (c *Config) Production() bool {
	return c.Env == "production"
}
