// Package config loads the server's entire runtime configuration from the
// environment in a single process-start step. There is no other
// configuration mechanism: no config files, no remote config service.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds everything the process needs to start. Every field is
// resolved once, at startup, via Load.
type Config struct {
	HTTPAddr string

	DBDriver string // "sqlite" or "postgres"
	DBDSN    string

	// SecretKey is the AES-256 root used by db.InitEncryption for every
	// EncryptedString column (JWT signing keys, TOTP secrets, wrapped
	// external-storage auth keys).
	SecretKey []byte

	PublicBaseURL string

	StorageBackend string // "local" or "s3"
	StoragePath    string // local backend root
	S3Bucket       string
	S3Region       string
	S3Endpoint     string

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string

	// AlertEmail receives operational notices (forced-login bypass use,
	// rotation fan-out failures) that have no per-tenant recipient because
	// the server never holds a plaintext address for any app user. Empty
	// disables alerting entirely.
	AlertEmail string

	RedisAddr string // empty disables the distributed cache backend

	LogLevel string // "debug", "info", "warn", "error"
}

// Load reads Config from the environment. Required keys missing a value
// return an error rather than silently defaulting, except where a sane
// default genuinely exists (ports, addr, log level).
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:       envOrDefault("SENTC_HTTP_ADDR", ":8080"),
		DBDriver:       envOrDefault("SENTC_DB_DRIVER", "sqlite"),
		DBDSN:          envOrDefault("SENTC_DB_DSN", "file:sentc.db?_pragma=foreign_keys(1)"),
		PublicBaseURL:  os.Getenv("SENTC_PUBLIC_BASE_URL"),
		StorageBackend: envOrDefault("SENTC_STORAGE_BACKEND", "local"),
		StoragePath:    envOrDefault("SENTC_STORAGE_PATH", "./data/files"),
		S3Bucket:       os.Getenv("SENTC_S3_BUCKET"),
		S3Region:       os.Getenv("SENTC_S3_REGION"),
		S3Endpoint:     os.Getenv("SENTC_S3_ENDPOINT"),
		SMTPHost:       os.Getenv("SENTC_SMTP_HOST"),
		SMTPUser:       os.Getenv("SENTC_SMTP_USER"),
		SMTPPassword:   os.Getenv("SENTC_SMTP_PASSWORD"),
		SMTPFrom:       envOrDefault("SENTC_SMTP_FROM", "no-reply@sentc.local"),
		AlertEmail:     os.Getenv("SENTC_ALERT_EMAIL"),
		RedisAddr:      os.Getenv("SENTC_REDIS_ADDR"),
		LogLevel:       envOrDefault("SENTC_LOG_LEVEL", "info"),
	}

	secretKeyHex := os.Getenv("SENTC_SECRET_KEY")
	if secretKeyHex == "" {
		return Config{}, fmt.Errorf("config: SENTC_SECRET_KEY is required")
	}
	key, err := decodeSecretKey(secretKeyHex)
	if err != nil {
		return Config{}, fmt.Errorf("config: SENTC_SECRET_KEY: %w", err)
	}
	cfg.SecretKey = key

	if cfg.PublicBaseURL == "" {
		return Config{}, fmt.Errorf("config: SENTC_PUBLIC_BASE_URL is required")
	}

	if cfg.StorageBackend == "s3" && cfg.S3Bucket == "" {
		return Config{}, fmt.Errorf("config: SENTC_S3_BUCKET is required when SENTC_STORAGE_BACKEND=s3")
	}

	port, err := strconv.Atoi(envOrDefault("SENTC_SMTP_PORT", "587"))
	if err != nil {
		return Config{}, fmt.Errorf("config: SENTC_SMTP_PORT: %w", err)
	}
	cfg.SMTPPort = port

	return cfg, nil
}

func decodeSecretKey(raw string) ([]byte, error) {
	if len(raw) != 64 {
		return nil, fmt.Errorf("expected 64 hex characters (32 bytes), got %d characters", len(raw))
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	return key, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// AppJWTTTL is the lifetime of a minted access token (spec §4.3: iat + 5 min).
const AppJWTTTL = 5 * time.Minute

// MaxSessionAlive bounds how long an upload session may remain open before
// the sweeper deletes it (spec §4.6).
const MaxSessionAlive = 24 * time.Hour

// CaptchaTTL is how long a captcha challenge remains valid (spec §4.6).
const CaptchaTTL = 20 * time.Minute

// RefreshTokenTTL bounds how long a refresh token may be exchanged for a new
// access token before the device must log in again.
const RefreshTokenTTL = 30 * 24 * time.Hour
