// Package config holds the client and server configuration types.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Client configures one huddle client process.
type Client struct {
	ServerURL string // WebSocket URL of the huddled directory, e.g. ws://host:8484/ws
	UserID    string
	UserName  string
	AvatarURL string

	// Signaling timing. Zero values are replaced by the defaults below.
	InitiationDelay time.Duration // wait before offering to a newly seen participant
	RestartGrace    time.Duration // wait before the single ICE-restart attempt
	GCInterval      time.Duration // stale-connection sweep interval
}

const (
	DefaultInitiationDelay = 2 * time.Second
	DefaultRestartGrace    = 5 * time.Second
	DefaultGCInterval      = 10 * time.Second
)

// WithDefaults returns a copy of c with zero timing fields filled in.
func (c Client) WithDefaults() Client {
	if c.InitiationDelay == 0 {
		c.InitiationDelay = DefaultInitiationDelay
	}
	if c.RestartGrace == 0 {
		c.RestartGrace = DefaultRestartGrace
	}
	if c.GCInterval == 0 {
		c.GCInterval = DefaultGCInterval
	}
	return c
}

// Server configures the huddled directory server.
type Server struct {
	Addr  string // listen address, e.g. :8484
	DB    string // sqlite database path
	Debug bool
}

// LoadServer reads server configuration from flags-compatible defaults,
// overridden by a .env file (if present) and the process environment.
// Environment keys: HUDDLED_ADDR, HUDDLED_DB, HUDDLED_DEBUG.
func LoadServer() Server {
	// Missing .env is fine; the environment alone is enough.
	_ = godotenv.Load()

	cfg := Server{
		Addr: ":8484",
		DB:   "huddled.db",
	}
	if v := os.Getenv("HUDDLED_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("HUDDLED_DB"); v != "" {
		cfg.DB = v
	}
	if v := os.Getenv("HUDDLED_DEBUG"); v != "" {
		cfg.Debug, _ = strconv.ParseBool(v)
	}
	return cfg
}
