// Package config loads server configuration from the environment. Every
// setting has a production default; optional backends (Redis, NATS,
// PostgreSQL) are enabled by setting their address variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all tunable server settings.
type Config struct {
	ListenAddr string // LISTEN_ADDR, e.g. ":8080"; PORT is honored when unset
	CORSOrigin string // CORS_ORIGIN, "" disables the CORS headers

	MaxConnections int // MAX_CONNECTIONS, hard cap on total WebSocket connections
	MaxWSPerIP     int // MAX_WS_PER_IP, simultaneous connections per client IP
	WorkerPoolSize int // WORKER_POOL_SIZE, concurrent frame-read workers

	ReadTimeout       time.Duration // READ_TIMEOUT
	WriteTimeout      time.Duration // WRITE_TIMEOUT
	HeartbeatInterval time.Duration // HEARTBEAT_INTERVAL

	HTTPRateLimit  int           // RATE_LIMIT_MAX, requests per window per IP on /api
	HTTPRateWindow time.Duration // RATE_LIMIT_WINDOW

	RedisAddr   string // REDIS_ADDR, "" keeps state in memory
	NATSURL     string // NATS_URL, "" disables event publishing
	DatabaseURL string // DATABASE_URL, "" disables feedback/report endpoints
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		MaxConnections:    1000,
		MaxWSPerIP:        5,
		WorkerPoolSize:    256,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HTTPRateLimit:     100,
		HTTPRateWindow:    15 * time.Minute,
	}
}

// FromEnv returns Default overridden by any set environment variables.
// Unparseable values keep the default.
func FromEnv() Config {
	c := Default()

	// LISTEN_ADDR wins over the PaaS-style PORT variable.
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	} else if v := os.Getenv("PORT"); v != "" {
		c.ListenAddr = ":" + v
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		c.CORSOrigin = v
	}
	envInt(&c.MaxConnections, "MAX_CONNECTIONS")
	envInt(&c.MaxWSPerIP, "MAX_WS_PER_IP")
	envInt(&c.WorkerPoolSize, "WORKER_POOL_SIZE")
	envDuration(&c.ReadTimeout, "READ_TIMEOUT")
	envDuration(&c.WriteTimeout, "WRITE_TIMEOUT")
	envDuration(&c.HeartbeatInterval, "HEARTBEAT_INTERVAL")
	envInt(&c.HTTPRateLimit, "RATE_LIMIT_MAX")
	envDuration(&c.HTTPRateWindow, "RATE_LIMIT_WINDOW")
	c.RedisAddr = os.Getenv("REDIS_ADDR")
	c.NATSURL = os.Getenv("NATS_URL")
	c.DatabaseURL = os.Getenv("DATABASE_URL")

	return c
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}
