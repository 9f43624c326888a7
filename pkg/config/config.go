// Package config resolves the observatory's runtime settings from the
// environment. Database connection settings live in pkg/database and are
// loaded separately.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultSLAThresholdMs = 100.0
	DefaultRingBufferSize = 1000
	DefaultWriteAttempts  = 3
	DefaultWriteRetryBase = 100 * time.Millisecond
	DefaultShutdownGrace  = 5 * time.Second
	DefaultHTTPPort       = "8080"
)

// Config holds the resolved pipeline and server settings.
type Config struct {
	// WatchRoot is the directory tree scanned for transcripts.
	// Default: ~/.claude/projects
	WatchRoot string

	// SLAThresholdMs is the detection latency budget in milliseconds.
	SLAThresholdMs float64

	// RingBufferSize caps the number of retained performance samples.
	RingBufferSize int

	// WriteMaxAttempts and WriteRetryBase tune the persistence retry
	// policy (base delay doubles per attempt).
	WriteMaxAttempts int
	WriteRetryBase   time.Duration

	// ShutdownGrace bounds how long Stop waits for in-flight work.
	ShutdownGrace time.Duration

	// HTTPPort is the listen port for the API and WebSocket server.
	HTTPPort string

	// JWTSecret verifies client tokens on the WebSocket handshake.
	JWTSecret string
}

// Load resolves the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		WatchRoot:        os.Getenv("CCO_WATCH_ROOT"),
		SLAThresholdMs:   DefaultSLAThresholdMs,
		RingBufferSize:   DefaultRingBufferSize,
		WriteMaxAttempts: DefaultWriteAttempts,
		WriteRetryBase:   DefaultWriteRetryBase,
		ShutdownGrace:    DefaultShutdownGrace,
		HTTPPort:         getEnvOrDefault("HTTP_PORT", DefaultHTTPPort),
		JWTSecret:        os.Getenv("AUTH_JWT_SECRET"),
	}

	if cfg.WatchRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("CCO_WATCH_ROOT is unset and home directory lookup failed: %w", err)
		}
		cfg.WatchRoot = filepath.Join(home, ".claude", "projects")
	}

	if v := os.Getenv("CCO_SLA_THRESHOLD_MS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid CCO_SLA_THRESHOLD_MS %q", v)
		}
		cfg.SLAThresholdMs = f
	}
	if v := os.Getenv("CCO_RING_BUFFER_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid CCO_RING_BUFFER_SIZE %q", v)
		}
		cfg.RingBufferSize = n
	}
	if v := os.Getenv("CCO_WRITE_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid CCO_WRITE_MAX_ATTEMPTS %q", v)
		}
		cfg.WriteMaxAttempts = n
	}
	if v := os.Getenv("CCO_WRITE_RETRY_BASE_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid CCO_WRITE_RETRY_BASE_MS %q", v)
		}
		cfg.WriteRetryBase = time.Duration(n) * time.Millisecond
	}
	if v := os.Getenv("CCO_SHUTDOWN_GRACE_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid CCO_SHUTDOWN_GRACE_MS %q", v)
		}
		cfg.ShutdownGrace = time.Duration(n) * time.Millisecond
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
