package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config lists the tunable parameters for the tracking daemon.
type Config struct {
	HTTPPort           int
	DatabasePath       string
	LogLevel           string
	BackendURL         string
	UserID             string
	UserName           string
	SampleBufferCap    int
	NotifyRetryCeiling int
	SyncInterval       time.Duration
	ProbeInterval      time.Duration
}

const (
	defaultHTTPPort           = 8080
	defaultDatabasePath       = "data/sosd.db"
	defaultLogLevel           = "info"
	defaultBackendURL         = "http://localhost:9000"
	defaultSampleBufferCap    = 500
	defaultNotifyRetryCeiling = 10
	defaultSyncInterval       = 15 * time.Second
	defaultProbeInterval      = 5 * time.Second
)

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:           defaultHTTPPort,
		DatabasePath:       defaultDatabasePath,
		LogLevel:           defaultLogLevel,
		BackendURL:         defaultBackendURL,
		SampleBufferCap:    defaultSampleBufferCap,
		NotifyRetryCeiling: defaultNotifyRetryCeiling,
		SyncInterval:       defaultSyncInterval,
		ProbeInterval:      defaultProbeInterval,
	}

	if v := os.Getenv("SOSD_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SOSD_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("SOSD_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("SOSD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("SOSD_BACKEND_URL"); v != "" {
		cfg.BackendURL = v
	}

	if v := os.Getenv("SOSD_USER_ID"); v != "" {
		cfg.UserID = v
	}

	if v := os.Getenv("SOSD_USER_NAME"); v != "" {
		cfg.UserName = v
	}

	if v := os.Getenv("SOSD_SAMPLE_BUFFER_CAP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid SOSD_SAMPLE_BUFFER_CAP: %q", v)
		}
		cfg.SampleBufferCap = n
	}

	if v := os.Getenv("SOSD_NOTIFY_RETRY_CEILING"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid SOSD_NOTIFY_RETRY_CEILING: %q", v)
		}
		cfg.NotifyRetryCeiling = n
	}

	if v := os.Getenv("SOSD_SYNC_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SOSD_SYNC_INTERVAL: %w", err)
		}
		cfg.SyncInterval = d
	}

	if v := os.Getenv("SOSD_PROBE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SOSD_PROBE_INTERVAL: %w", err)
		}
		cfg.ProbeInterval = d
	}

	if cfg.UserID == "" {
		return Config{}, fmt.Errorf("SOSD_USER_ID is required")
	}

	return cfg, nil
}
