package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     string
	Env      string
	LogLevel string
	LogFile  string

	StoreBackend string
	Database     DatabaseConfig

	JWTSecret string
	JWTExpiry time.Duration

	BlobBackend string
	MinIO       MinIOConfig

	Collab CollabConfig

	WSRateLimit    float64
	WSRateBurst    int
	MaxUploadBytes int64
}

type DatabaseConfig struct {
	Host          string
	Port          string
	User          string
	Password      string
	Name          string
	SSLMode       string
	NotifyChannel string
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

// CollabConfig holds the timing policy of a collaboration session.
type CollabConfig struct {
	AutosaveDelay       time.Duration
	TypingTTL           time.Duration
	ToastDismiss        time.Duration
	PresenceHeartbeat   time.Duration
	PresenceTTL         time.Duration
	SaveMaxRetries      int
	SaveRetryBackoff    time.Duration
	RecentActivityLimit int
}

// DefaultCollab returns the canonical timings: 1.4s autosave debounce,
// 2s typing expiry and 4s toast dismissal.
func DefaultCollab() CollabConfig {
	return CollabConfig{
		AutosaveDelay:       1400 * time.Millisecond,
		TypingTTL:           2 * time.Second,
		ToastDismiss:        4 * time.Second,
		PresenceHeartbeat:   15 * time.Second,
		PresenceTTL:         45 * time.Second,
		SaveMaxRetries:      3,
		SaveRetryBackoff:    500 * time.Millisecond,
		RecentActivityLimit: 10,
	}
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	def := DefaultCollab()

	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),

		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", "memory")),
		Database: DatabaseConfig{
			Host:          strings.TrimSpace(getEnv("DB_HOST", "")),
			Port:          strings.TrimSpace(getEnv("DB_PORT", "5432")),
			User:          strings.TrimSpace(getEnv("DB_USER", "")),
			Password:      strings.TrimSpace(getEnv("DB_PASSWORD", "")),
			Name:          strings.TrimSpace(getEnv("DB_NAME", "")),
			SSLMode:       getEnv("DB_SSLMODE", "require"),
			NotifyChannel: getEnv("DB_NOTIFY_CHANNEL", "collab_changes"),
		},

		JWTSecret: getEnvOrPanic("JWT_SECRET"),
		JWTExpiry: getEnvDuration("JWT_EXPIRY", 24*time.Hour),

		BlobBackend: strings.ToLower(getEnv("BLOB_BACKEND", "memory")),
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", ""),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", "documents"),
			UseSSL:    getEnvBool("MINIO_USE_SSL", false),
			PublicURL: getEnv("BLOB_PUBLIC_URL", "http://localhost:9000"),
		},

		Collab: CollabConfig{
			AutosaveDelay:       getEnvDuration("AUTOSAVE_DELAY", def.AutosaveDelay),
			TypingTTL:           getEnvDuration("TYPING_TTL", def.TypingTTL),
			ToastDismiss:        getEnvDuration("TOAST_DISMISS", def.ToastDismiss),
			PresenceHeartbeat:   getEnvDuration("PRESENCE_HEARTBEAT", def.PresenceHeartbeat),
			PresenceTTL:         getEnvDuration("PRESENCE_TTL", def.PresenceTTL),
			SaveMaxRetries:      getEnvInt("SAVE_MAX_RETRIES", def.SaveMaxRetries),
			SaveRetryBackoff:    getEnvDuration("SAVE_RETRY_BACKOFF", def.SaveRetryBackoff),
			RecentActivityLimit: getEnvInt("RECENT_ACTIVITY_LIMIT", def.RecentActivityLimit),
		},

		WSRateLimit:    getEnvFloat("WS_RATE_LIMIT", 50),
		WSRateBurst:    getEnvInt("WS_RATE_BURST", 100),
		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 25<<20)),
	}, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvOrPanic(key string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		panic("required environment variable not set: " + key)
	}
	return value
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
