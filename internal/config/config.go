package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// PresenceSource はプレゼンス変更イベントの取得元を表す。
type PresenceSource string

const (
	// PresenceSourcePostgres はpresence_statusテーブルの変更イベントを使用する。
	PresenceSourcePostgres PresenceSource = "postgres"
	// PresenceSourceNATS はNATS JetStream KVバケットを監視する。
	PresenceSourceNATS PresenceSource = "nats"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL   string
	TxMaxAttempts int

	// Server
	ServerPort string

	// Caller authentication
	JWTSecret   string
	JWKSURL     string
	JWTIssuer   string
	JWTAudience string

	// Keycloak admin API
	KeycloakURL          string
	KeycloakRealm        string
	KeycloakClientID     string
	KeycloakClientSecret string

	// Push delivery (FCM HTTP v1)
	FCMProjectID       string
	FCMCredentialsFile string
	FCMEndpoint        string
	PushRatePerSecond  float64

	// Change events
	EventBatchSize      int
	EventPollInterval   time.Duration
	EventLease          time.Duration
	EventMaxConcurrency int

	// Presence
	PresenceSource PresenceSource
	NATSURL        string
	PresenceBucket string

	// Rate Limit
	RateLimitJoin int

	// Outbound HTTP
	HTTPClientTimeout time.Duration
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.TxMaxAttempts = getEnvInt("TX_MAX_ATTEMPTS", 5)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.JWTSecret = getEnvString("JWT_SECRET", "")
	cfg.JWKSURL = getEnvString("JWKS_URL", "")
	cfg.JWTIssuer = getEnvString("JWT_ISSUER", "")
	cfg.JWTAudience = getEnvString("JWT_AUDIENCE", "")
	cfg.KeycloakURL = getEnvString("KEYCLOAK_URL", "")
	cfg.KeycloakRealm = getEnvString("KEYCLOAK_REALM", "stockwatch")
	cfg.KeycloakClientID = getEnvString("KEYCLOAK_CLIENT_ID", "")
	cfg.KeycloakClientSecret = getEnvString("KEYCLOAK_CLIENT_SECRET", "")
	cfg.FCMProjectID = getEnvString("FCM_PROJECT_ID", "")
	cfg.FCMCredentialsFile = getEnvString("FCM_CREDENTIALS_FILE", "")
	cfg.FCMEndpoint = getEnvString("FCM_ENDPOINT", "")
	cfg.PushRatePerSecond = getEnvFloat("PUSH_RATE_PER_SECOND", 50)
	cfg.EventBatchSize = getEnvInt("EVENT_BATCH_SIZE", 100)
	cfg.EventPollInterval = getEnvDuration("EVENT_POLL_INTERVAL", 5*time.Second)
	cfg.EventLease = getEnvDuration("EVENT_LEASE", time.Minute)
	cfg.EventMaxConcurrency = getEnvInt("EVENT_MAX_CONCURRENCY", 10)
	cfg.PresenceSource = PresenceSource(getEnvString("PRESENCE_SOURCE", string(PresenceSourcePostgres)))
	cfg.NATSURL = getEnvString("NATS_URL", "nats://localhost:4222")
	cfg.PresenceBucket = getEnvString("PRESENCE_BUCKET", "PRESENCE_STATUS")
	cfg.RateLimitJoin = getEnvInt("RATE_LIMIT_JOIN", 10)
	cfg.HTTPClientTimeout = getEnvDuration("HTTP_CLIENT_TIMEOUT", 10*time.Second)

	if cfg.PresenceSource != PresenceSourcePostgres && cfg.PresenceSource != PresenceSourceNATS {
		return nil, fmt.Errorf("PRESENCE_SOURCE must be %q or %q, got %q",
			PresenceSourcePostgres, PresenceSourceNATS, cfg.PresenceSource)
	}

	return cfg, nil
}

// ValidateServe はserveモードに必要な設定が揃っているかを検証する。
func (c *Config) ValidateServe() error {
	if c.JWTSecret == "" && c.JWKSURL == "" {
		return fmt.Errorf("either JWT_SECRET or JWKS_URL must be set")
	}
	return nil
}

// ValidateWorker はworkerモードに必要な設定が揃っているかを検証する。
func (c *Config) ValidateWorker() error {
	var missing []string
	if c.KeycloakURL == "" {
		missing = append(missing, "KEYCLOAK_URL")
	}
	if c.KeycloakClientID == "" {
		missing = append(missing, "KEYCLOAK_CLIENT_ID")
	}
	if c.KeycloakClientSecret == "" {
		missing = append(missing, "KEYCLOAK_CLIENT_SECRET")
	}
	if c.FCMProjectID == "" {
		missing = append(missing, "FCM_PROJECT_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("worker requires environment variables: %v", missing)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
