package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string
	Timezone            string
	LogLevel            string
	PublicBaseURL       string
	// TestMode accepts "email:<address>" bearer tokens. Never enable in production.
	TestMode bool

	// Sync engine
	SyncWorkers          int
	IMAPMaxSessions      int
	IMAPUseTLS           bool
	IMAPTimeout          time.Duration
	IMAPIdleEnabled      bool
	IMAPIdleMaxSessions  int
	SyncBatchSize        int
	FullSyncLimit        int
	AttachmentEagerLimit int64
	JobTimeout           time.Duration
	JobMaxAttempts       int
	JobBackoffBase       time.Duration
	JobBackoffMax        time.Duration
	JobLeaseTTL          time.Duration
	QueuePollInterval    time.Duration
	PeriodicSyncInterval time.Duration
	SubjectMatchWindow   time.Duration

	SMTPUseTLS bool

	BlobDir             string
	DownloadLinkTTL     time.Duration
	WebSocketMaxPerUser int
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILSYNC_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("MAILSYNC_ENCRYPTION_KEY_BASE64"),
		DBHost:              getEnvOrDefault("MAILSYNC_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("MAILSYNC_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("MAILSYNC_DB_USER", "mailsync"),
		DBPassword:          os.Getenv("MAILSYNC_DB_PASSWORD"),
		DBName:              getEnvOrDefault("MAILSYNC_DB_NAME", "mailsync"),
		DBSSLMode:           getEnvOrDefault("MAILSYNC_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "8080"),
		Timezone:            getEnvOrDefault("TZ", "UTC"),
		LogLevel:            getEnvOrDefault("MAILSYNC_LOG_LEVEL", "info"),
		PublicBaseURL:       getEnvOrDefault("MAILSYNC_PUBLIC_BASE_URL", "http://localhost:8080"),
		TestMode:            getBoolOrDefault("MAILSYNC_TEST_MODE", false),

		SyncWorkers:          getIntOrDefault("MAILSYNC_SYNC_WORKERS", 4),
		IMAPMaxSessions:      getIntOrDefault("MAILSYNC_IMAP_MAX_SESSIONS", 8),
		IMAPUseTLS:           getBoolOrDefault("MAILSYNC_IMAP_TLS", true),
		IMAPTimeout:          getDurationOrDefault("MAILSYNC_IMAP_TIMEOUT", 30*time.Second),
		IMAPIdleEnabled:      getBoolOrDefault("MAILSYNC_IMAP_IDLE", false),
		IMAPIdleMaxSessions:  getIntOrDefault("MAILSYNC_IMAP_IDLE_MAX_SESSIONS", 100),
		SyncBatchSize:        getIntOrDefault("MAILSYNC_SYNC_BATCH_SIZE", 50),
		FullSyncLimit:        getIntOrDefault("MAILSYNC_FULL_SYNC_LIMIT", 500),
		AttachmentEagerLimit: int64(getIntOrDefault("MAILSYNC_ATTACHMENT_EAGER_LIMIT_BYTES", 5*1024*1024)),
		JobTimeout:           getDurationOrDefault("MAILSYNC_JOB_TIMEOUT", 10*time.Minute),
		JobMaxAttempts:       getIntOrDefault("MAILSYNC_JOB_MAX_ATTEMPTS", 5),
		JobBackoffBase:       getDurationOrDefault("MAILSYNC_JOB_BACKOFF_BASE", 30*time.Second),
		JobBackoffMax:        getDurationOrDefault("MAILSYNC_JOB_BACKOFF_MAX", 30*time.Minute),
		JobLeaseTTL:          getDurationOrDefault("MAILSYNC_JOB_LEASE_TTL", 2*time.Minute),
		QueuePollInterval:    getDurationOrDefault("MAILSYNC_QUEUE_POLL_INTERVAL", 2*time.Second),
		PeriodicSyncInterval: getDurationOrDefault("MAILSYNC_PERIODIC_SYNC_INTERVAL", 5*time.Minute),
		SubjectMatchWindow:   getDurationOrDefault("MAILSYNC_SUBJECT_MATCH_WINDOW", 30*24*time.Hour),

		SMTPUseTLS: getBoolOrDefault("MAILSYNC_SMTP_TLS", true),

		BlobDir:             getEnvOrDefault("MAILSYNC_BLOB_DIR", "./data/blobs"),
		DownloadLinkTTL:     getDurationOrDefault("MAILSYNC_DOWNLOAD_LINK_TTL", 5*time.Minute),
		WebSocketMaxPerUser: getIntOrDefault("MAILSYNC_WS_MAX_PER_USER", 10),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("MAILSYNC_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("MAILSYNC_DB_PASSWORD is required")
	}

	if c.TestMode && c.Environment == "production" {
		return fmt.Errorf("MAILSYNC_TEST_MODE cannot be enabled in production")
	}

	if c.SyncWorkers < 1 {
		return fmt.Errorf("MAILSYNC_SYNC_WORKERS must be at least 1, got %d", c.SyncWorkers)
	}

	if c.IMAPMaxSessions < 1 {
		return fmt.Errorf("MAILSYNC_IMAP_MAX_SESSIONS must be at least 1, got %d", c.IMAPMaxSessions)
	}

	if c.IMAPIdleEnabled && c.IMAPIdleMaxSessions < 1 {
		return fmt.Errorf("MAILSYNC_IMAP_IDLE_MAX_SESSIONS must be at least 1 when IDLE is on, got %d", c.IMAPIdleMaxSessions)
	}

	if c.SyncBatchSize < 1 {
		return fmt.Errorf("MAILSYNC_SYNC_BATCH_SIZE must be at least 1, got %d", c.SyncBatchSize)
	}

	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("MAILSYNC_JOB_MAX_ATTEMPTS must be at least 1, got %d", c.JobMaxAttempts)
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		fmt.Printf("Warning: invalid integer for %s (%q), using default %d\n", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		fmt.Printf("Warning: invalid boolean for %s (%q), using default %t\n", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		fmt.Printf("Warning: invalid duration for %s (%q), using default %s\n", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
