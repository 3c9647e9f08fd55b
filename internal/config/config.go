// Package config loads configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Backend ("drive" or "s3", default: "drive")
	Backend string

	// Drive credentials. Either ServiceAccountJSON (the whole key file) or
	// the ClientEmail/PrivateKey pair must be set for the drive backend.
	ServiceAccountJSON string
	ClientEmail        string
	PrivateKey         string
	DriveAPIBase       string
	DriveTokenURL      string

	// S3 backend
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// Destination folder policy. When DestFolderID is set, session
	// sub-foldering is bypassed and every file lands directly in it.
	DestFolderID       string
	SessionsRoot       string
	SessionsRootParent string

	// Upload limits
	MaxFileBytes int64
	MaxFiles     int
	MaxFields    int

	// Per-file backend call deadline
	BackendTimeout time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),

		Backend: envOr("BACKEND", "drive"),

		ServiceAccountJSON: envOr("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		ClientEmail:        envOr("GOOGLE_CLIENT_EMAIL", ""),
		PrivateKey:         envOr("GOOGLE_PRIVATE_KEY", ""),
		DriveAPIBase:       envOr("DRIVE_API_BASE", "https://www.googleapis.com"),
		DriveTokenURL:      envOr("DRIVE_TOKEN_URL", "https://oauth2.googleapis.com/token"),

		S3Endpoint:  envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:    envOr("S3_BUCKET", "uploads"),
		S3AccessKey: envOr("S3_ACCESS_KEY", ""),
		S3SecretKey: envOr("S3_SECRET_KEY", ""),
		S3Region:    envOr("S3_REGION", "us-east-1"),
		S3UseSSL:    envBool("S3_USE_SSL", false),

		DestFolderID:       envOr("DEST_FOLDER_ID", ""),
		SessionsRoot:       envOr("SESSIONS_ROOT_FOLDER", "sessions"),
		SessionsRootParent: envOr("SESSIONS_ROOT_PARENT_ID", ""),

		MaxFileBytes: envInt64("MAX_FILE_BYTES", 100*1024*1024), // 100 MiB per file
		MaxFiles:     envInt("MAX_FILES", 100),
		MaxFields:    envInt("MAX_FIELDS", 100),

		BackendTimeout: envDuration("BACKEND_TIMEOUT", 60*time.Second),
	}

	// PORT is honored for PaaS deployments that only hand out a port number.
	if p := os.Getenv("PORT"); p != "" {
		cfg.ListenAddr = ":" + p
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
